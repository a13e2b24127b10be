package events

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Emit(EventSandboxCreated, "sandbox created", map[string]string{"sandbox_id": "sb-1"})

	select {
	case ev := <-sub:
		require.NotNil(t, ev)
		assert.Equal(t, EventSandboxCreated, ev.Type)
		assert.Equal(t, "sb-1", ev.Metadata["sandbox_id"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

// syncBuffer guards a bytes.Buffer so the sink goroutine and the test can
// share it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogSinkWritesEvents(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	buf := &syncBuffer{}
	stop := LogSink(b, zerolog.New(buf))
	require.Equal(t, 1, b.SubscriberCount())

	b.Emit(EventSessionStarted, "session started", map[string]string{"sandbox_id": "sb-1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), string(EventSessionStarted)) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	out := buf.String()
	assert.Contains(t, out, string(EventSessionStarted))
	assert.Contains(t, out, "session started")
	assert.Contains(t, out, "sb-1")

	stop()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// Never drained; buffer fills and later events are dropped for it.
	_ = b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Emit(EventGCReaped, "reaped", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
