package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquire_FreeKey(t *testing.T) {
	m := NewManager()

	err := m.Acquire(context.Background(), 1, "tx-a", time.Second)
	require.NoError(t, err)
	require.Equal(t, "tx-a", m.HolderOf(1))
}

func TestAcquire_Reentrant(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, "tx-a", time.Second))
	require.NoError(t, m.Acquire(ctx, 1, "tx-a", time.Second))
	require.Equal(t, "tx-a", m.HolderOf(1))
}

func TestAcquire_TimesOutBehindHolder(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, "tx-a", time.Second))

	err := m.Acquire(ctx, 1, "tx-b", 30*time.Millisecond)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.Equal(t, "tx-a", Holder(err))

	// The abandoned waiter must not linger in the queue.
	require.Empty(t, waitersOf(m, 1))
}

func TestAcquire_BlocksUntilRelease(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, "tx-a", time.Second))

	acquired := make(chan error, 1)
	go func() {
		acquired <- m.Acquire(ctx, 1, "tx-b", 2*time.Second)
	}()

	// tx-b must be visibly waiting before the release.
	require.Eventually(t, func() bool {
		return len(waitersOf(m, 1)) == 1
	}, time.Second, 5*time.Millisecond)

	m.Release(1, "tx-a")

	require.NoError(t, <-acquired)
	require.Equal(t, "tx-b", m.HolderOf(1))
}

func TestAcquire_ContextCancel(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire(context.Background(), 1, "tx-a", time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 1, "tx-b", time.Minute)
	}()

	require.Eventually(t, func() bool {
		return len(waitersOf(m, 1)) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRelease_FIFOHandoff(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, "tx-a", time.Second))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	start := make(chan struct{})

	enqueue := func(tx string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := m.Acquire(ctx, 1, tx, 5*time.Second); err != nil {
				t.Errorf("%s acquire: %v", tx, err)
				return
			}
			mu.Lock()
			order = append(order, tx)
			mu.Unlock()
			m.Release(1, tx)
		}()
	}

	enqueue("tx-b")
	close(start)
	require.Eventually(t, func() bool { return len(waitersOf(m, 1)) == 1 }, time.Second, 5*time.Millisecond)
	enqueue("tx-c")
	require.Eventually(t, func() bool { return len(waitersOf(m, 1)) == 2 }, time.Second, 5*time.Millisecond)

	m.Release(1, "tx-a")
	wg.Wait()

	require.Equal(t, []string{"tx-b", "tx-c"}, order)
}

func TestReleaseAll(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, "tx-a", time.Second))
	require.NoError(t, m.Acquire(ctx, 2, "tx-a", time.Second))
	require.NoError(t, m.Acquire(ctx, 3, "tx-b", time.Second))

	m.ReleaseAll("tx-a")

	require.Empty(t, m.HolderOf(1))
	require.Empty(t, m.HolderOf(2))
	require.Equal(t, "tx-b", m.HolderOf(3))
}

func TestRelease_NonHolderNoop(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire(context.Background(), 1, "tx-a", time.Second))

	m.Release(1, "tx-b") // not the holder
	require.Equal(t, "tx-a", m.HolderOf(1))

	m.Release(1, "tx-a")
	m.Release(1, "tx-a") // double release is idempotent
	require.Empty(t, m.HolderOf(1))
}

func TestSnapshot_ShowsHolderAndWaiter(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 9, "tx-holder", time.Second))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 9, "tx-waiter", 2*time.Second)
	}()
	require.Eventually(t, func() bool { return len(waitersOf(m, 9)) == 1 }, time.Second, 5*time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, int64(9), snap[0].Key)
	require.Equal(t, "tx-holder", snap[0].HolderTx)
	require.Equal(t, "tx-waiter", snap[0].WaiterTx)
	require.Equal(t, ModeExclusive, snap[0].Mode)
	require.GreaterOrEqual(t, snap[0].Age, time.Duration(0))

	m.Release(9, "tx-holder")
	require.NoError(t, <-done)
	m.Release(9, "tx-waiter")
	require.Empty(t, m.Snapshot())
}

// waitersOf peeks at the queue length for tests.
func waitersOf(m *Manager, key int64) []*waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.locks[key]; e != nil {
		out := make([]*waiter, len(e.queue))
		copy(out, e.queue)
		return out
	}
	return nil
}
