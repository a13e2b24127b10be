package metrics

import (
	"time"

	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

// Collector periodically refreshes the inventory gauges from the store.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSandboxes()
	c.collectSessions()
	c.collectCargos()
}

func (c *Collector) collectSandboxes() {
	sandboxes, err := c.store.ListSandboxes("", false)
	if err != nil {
		return
	}
	counts := make(map[types.DesiredState]int)
	for _, sb := range sandboxes {
		counts[sb.DesiredState]++
	}
	for _, state := range []types.DesiredState{types.DesiredRunning, types.DesiredStopped, types.DesiredDeleted} {
		SandboxesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectSessions() {
	sessions, err := c.store.ListSessions()
	if err != nil {
		return
	}
	counts := make(map[types.SessionState]int)
	for _, sess := range sessions {
		counts[sess.ObservedState]++
	}
	states := []types.SessionState{
		types.SessionPending, types.SessionStarting, types.SessionRunning,
		types.SessionDegraded, types.SessionStopping, types.SessionStopped,
		types.SessionFailed,
	}
	for _, state := range states {
		SessionsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectCargos() {
	cargos, err := c.store.ListCargos("")
	if err != nil {
		return
	}
	managed, external := 0, 0
	for _, cargo := range cargos {
		if cargo.Managed {
			managed++
		} else {
			external++
		}
	}
	CargosTotal.WithLabelValues("managed").Set(float64(managed))
	CargosTotal.WithLabelValues("external").Set(float64(external))
}
