package keylock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	kitchencache "github.com/mixmoji/kitchen-cache"
	"github.com/stretchr/testify/require"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	table := New(16)
	ctx := context.Background()

	var inCritical, maxInCritical int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := table.Acquire(ctx, "a_b")
			require.NoError(t, err)
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxInCritical)
}

func TestAcquireIndependentKeysDoNotBlock(t *testing.T) {
	table := New(16)
	ctx := context.Background()

	releaseA, err := table.Acquire(ctx, "a_b")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := table.Acquire(ctx, "c_d")
		require.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent key blocked behind unrelated lock")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	table := New(16)
	ctx := context.Background()

	release, err := table.Acquire(ctx, "a_b")
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = table.Acquire(cctx, "a_b")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	// The cancelled waiter must not have leaked a hold: the lock is free.
	release2, err := table.Acquire(ctx, "a_b")
	require.NoError(t, err)
	release2()
}

func TestEvictionDropsLRUUnheld(t *testing.T) {
	table := New(4)
	ctx := context.Background()

	keys := []kitchencache.PairKey{"k0_x", "k1_x", "k2_x", "k3_x"}
	for _, k := range keys {
		release, err := table.Acquire(ctx, k)
		require.NoError(t, err)
		release()
	}
	require.Equal(t, 4, table.Len())

	// Touch k0 so k1 becomes least recently used.
	release, err := table.Acquire(ctx, "k0_x")
	require.NoError(t, err)
	release()

	release, err = table.Acquire(ctx, "k4_x")
	require.NoError(t, err)
	release()

	require.Equal(t, 4, table.Len())
	require.False(t, table.Contains("k1_x"))
	require.True(t, table.Contains("k0_x"))
	require.True(t, table.Contains("k4_x"))
}

func TestEvictionSkipsHeldLocks(t *testing.T) {
	table := New(2)
	ctx := context.Background()

	r1, err := table.Acquire(ctx, "h1_x")
	require.NoError(t, err)
	r2, err := table.Acquire(ctx, "h2_x")
	require.NoError(t, err)

	// All tracked locks are held: insertion overflows instead of evicting.
	r3, err := table.Acquire(ctx, "h3_x")
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())
	require.True(t, table.Contains("h1_x"))
	require.True(t, table.Contains("h2_x"))

	r1()
	r2()
	r3()

	// With everything released, the next insert sheds the LRU entry.
	r4, err := table.Acquire(ctx, "h4_x")
	require.NoError(t, err)
	r4()
	require.Equal(t, 3, table.Len())
}

func TestManyKeysBoundedTable(t *testing.T) {
	table := New(8)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		key := kitchencache.PairKey(fmt.Sprintf("key%d_x", i))
		release, err := table.Acquire(ctx, key)
		require.NoError(t, err)
		release()
	}
	require.Equal(t, 8, table.Len())
}
