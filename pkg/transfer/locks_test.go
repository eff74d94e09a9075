package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableMutualExclusion(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := table.acquire(ctx, time.Second, "acct-1")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, max, "at most one holder per account at a time")
}

func TestLockTableSortedAcquisition(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	// Opposite-order pairs must not deadlock; sorted acquisition gives both
	// goroutines the same sequence.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := table.acquire(ctx, 5*time.Second, "a", "b")
			if assert.NoError(t, err) {
				release()
			}
		}()
		go func() {
			defer wg.Done()
			release, err := table.acquire(ctx, 5*time.Second, "b", "a")
			if assert.NoError(t, err) {
				release()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock: opposite-order acquisitions never finished")
	}
}

func TestLockTableTimeout(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	release, err := table.acquire(ctx, time.Second, "acct-1")
	require.NoError(t, err)
	defer release()

	_, err = table.acquire(ctx, 10*time.Millisecond, "acct-1")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockTableReleasesPartialAcquisition(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	// Hold "b" so that acquiring ("a", "b") times out after taking "a".
	releaseB, err := table.acquire(ctx, time.Second, "b")
	require.NoError(t, err)

	_, err = table.acquire(ctx, 10*time.Millisecond, "a", "b")
	require.ErrorIs(t, err, ErrLockTimeout)

	// "a" must have been released on the failed attempt.
	releaseA, err := table.acquire(ctx, 10*time.Millisecond, "a")
	require.NoError(t, err)
	releaseA()
	releaseB()
}

func TestLockTableContextCancellation(t *testing.T) {
	table := newLockTable()

	release, err := table.acquire(context.Background(), time.Second, "acct-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = table.acquire(ctx, time.Minute, "acct-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLockTableReleaseIsIdempotent(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	release, err := table.acquire(ctx, time.Second, "acct-1")
	require.NoError(t, err)
	release()
	release() // second call is a no-op

	again, err := table.acquire(ctx, 10*time.Millisecond, "acct-1")
	require.NoError(t, err)
	again()
}

func TestLockTableDropsIdleEntries(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	release, err := table.acquire(ctx, time.Second, "acct-1", "acct-2")
	require.NoError(t, err)
	release()

	table.mu.Lock()
	defer table.mu.Unlock()
	assert.Empty(t, table.locks)
}
