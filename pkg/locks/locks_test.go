package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()

	const workers = 20
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "task-1")
			require.NoError(t, err)
			defer release()

			// Unsynchronized read-modify-write. Only lock exclusivity
			// keeps this correct.
			current := counter
			time.Sleep(time.Millisecond)
			counter = current + 1
		}()
	}

	wg.Wait()
	assert.Equal(t, workers, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()

	releaseA, err := m.Acquire(context.Background(), "task-a")
	require.NoError(t, err)
	defer releaseA()

	// A held lock on another key must not block this acquire.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := m.Acquire(ctx, "task-b")
	require.NoError(t, err)
	releaseB()
}

func TestKeyedMutexContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	release, err := m.Acquire(context.Background(), "task-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "task-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutexReleaseIsIdempotent(t *testing.T) {
	m := NewKeyedMutex()

	release, err := m.Acquire(context.Background(), "task-1")
	require.NoError(t, err)
	release()
	release()

	// Lock must be available again after the double release.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release2, err := m.Acquire(ctx, "task-1")
	require.NoError(t, err)
	release2()
}

func TestKeyedMutexEntriesAreReclaimed(t *testing.T) {
	m := NewKeyedMutex()

	release, err := m.Acquire(context.Background(), "task-1")
	require.NoError(t, err)
	release()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.entries)
}
