package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocksSerializeSameSandbox(t *testing.T) {
	locks := NewLocks()

	var mu sync.Mutex
	counter := 0
	maxConcurrent := 0
	inFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Acquire("sb-1")
			defer release()

			mu.Lock()
			inFlight++
			if inFlight > maxConcurrent {
				maxConcurrent = inFlight
			}
			counter++
			inFlight--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, 1, maxConcurrent)
}

func TestLocksIndependentSandboxes(t *testing.T) {
	locks := NewLocks()

	releaseA := locks.Acquire("sb-a")
	done := make(chan struct{})
	go func() {
		releaseB := locks.Acquire("sb-b")
		releaseB()
		close(done)
	}()
	<-done
	releaseA()
}

func TestLocksEntriesReclaimed(t *testing.T) {
	locks := NewLocks()

	release := locks.Acquire("sb-1")
	assert.Equal(t, 1, locks.Len())
	release()
	assert.Equal(t, 0, locks.Len())

	// Double release is a no-op.
	release()
	assert.Equal(t, 0, locks.Len())
}
