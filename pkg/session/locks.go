package session

import "sync"

// Locks is a per-sandbox mutex table. Every lifecycle transition for a
// sandbox runs under its entry; entries are refcounted and removed when
// the last holder releases, so the table stays bounded by the number of
// in-flight operations.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the sandbox's lock is held and returns the release
// function. Release must be called exactly once.
func (l *Locks) Acquire(sandboxID string) func() {
	l.mu.Lock()
	e, ok := l.entries[sandboxID]
	if !ok {
		e = &lockEntry{}
		l.entries[sandboxID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, sandboxID)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of live entries.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
