package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_GetFree(t *testing.T) {
	client := NewClient("http://cache.test")
	pool := NewPool(client, "get", 2, 0)

	r1 := pool.GetFree(false)
	require.NotNil(t, r1)
	r2 := pool.GetFree(false)
	require.NotNil(t, r2)

	// Exhausted, no overflow configured.
	require.Nil(t, pool.GetFree(false))
	require.Nil(t, pool.GetFree(true))

	pool.Release(r1)
	r3 := pool.GetFree(false)
	require.NotNil(t, r3)
	pool.Release(r2)
	pool.Release(r3)
}

func TestPool_Overflow(t *testing.T) {
	client := NewClient("http://cache.test")
	pool := NewPool(client, "async", 1, 1)

	fixed := pool.GetFree(false)
	require.NotNil(t, fixed)
	require.False(t, fixed.overflow)

	// Bounded acquisition never taps the overflow cap.
	require.Nil(t, pool.GetFree(false))

	over := pool.GetFree(true)
	require.NotNil(t, over)
	require.True(t, over.overflow)

	// Overflow cap exhausted too.
	require.Nil(t, pool.GetFree(true))

	// Releasing an overflow request frees its cap slot without growing the pool.
	over.Release()
	require.Nil(t, pool.GetFree(false))
	over2 := pool.GetFree(true)
	require.NotNil(t, over2)
	require.True(t, over2.overflow)
	over2.Release()
	fixed.Release()
}

func TestPool_WaitFree(t *testing.T) {
	client := NewClient("http://cache.test")
	pool := NewPool(client, "put", 1, 0)

	held, err := pool.WaitFree(context.Background(), false)
	require.NoError(t, err)

	done := make(chan *Request)
	go func() {
		r, werr := pool.WaitFree(context.Background(), false)
		require.NoError(t, werr)
		done <- r
	}()

	// The waiter stays blocked until release.
	select {
	case <-done:
		t.Fatal("waiter should be blocked")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(held)
	select {
	case r := <-done:
		pool.Release(r)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestPool_WaitFreeContextCanceled(t *testing.T) {
	client := NewClient("http://cache.test")
	pool := NewPool(client, "put", 1, 0)

	held, err := pool.WaitFree(context.Background(), false)
	require.NoError(t, err)
	defer pool.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.WaitFree(ctx, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_AllWaitersEventuallyServed(t *testing.T) {
	client := NewClient("http://cache.test")
	pool := NewPool(client, "get", 2, 0)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := pool.WaitFree(context.Background(), false)
			require.NoError(t, err)
			time.Sleep(time.Millisecond)
			pool.Release(r)
		}()
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("waiters starved")
	}
}

func TestPool_MakeShared(t *testing.T) {
	client := NewClient("http://cache.test")
	pool := NewPool(client, "get", 1, 0)

	r := pool.GetFree(false)
	require.NotNil(t, r)

	shared := pool.MakeShared(r, 3)
	require.Same(t, r, shared.Request())

	shared.Done()
	shared.Done()
	// Still held by the last participant.
	require.Nil(t, pool.GetFree(false))

	shared.Done()
	require.NotNil(t, pool.GetFree(false))
}

func TestPool_Closed(t *testing.T) {
	client := NewClient("http://cache.test")
	pool := NewPool(client, "get", 1, 0)
	pool.Close()

	require.Nil(t, pool.GetFree(false))
	_, err := pool.WaitFree(context.Background(), false)
	require.ErrorIs(t, err, ErrPoolClosed)
}
