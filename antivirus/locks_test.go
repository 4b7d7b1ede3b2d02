package antivirus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peskar/icaro/consts"
)

func TestLocalLockAcquireRelease(t *testing.T) {
	locks := NewLocalLockService()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "doc-1", time.Second)
	require.NoError(t, err)
	release()

	// Releasing twice is safe.
	release()

	release, err = locks.Acquire(ctx, "doc-1", time.Second)
	require.NoError(t, err)
	release()
}

func TestLocalLockMutualExclusion(t *testing.T) {
	locks := NewLocalLockService()
	ctx := context.Background()

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, "doc-1", 5*time.Second)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			defer release()

			current := active.Add(1)
			for {
				observed := maxActive.Load()
				if current <= observed || maxActive.CompareAndSwap(observed, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxActive.Load(), "only one holder at a time per key")
}

func TestLocalLockIndependentKeys(t *testing.T) {
	locks := NewLocalLockService()
	ctx := context.Background()

	release1, err := locks.Acquire(ctx, "doc-1", time.Second)
	require.NoError(t, err)
	defer release1()

	// A different key must not block.
	done := make(chan struct{})
	go func() {
		release2, err := locks.Acquire(ctx, "doc-2", time.Second)
		if err == nil {
			release2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("independent keys must not contend")
	}
}

func TestLocalLockTimeout(t *testing.T) {
	locks := NewLocalLockService()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "doc-1", time.Second)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = locks.Acquire(ctx, "doc-1", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrLockTimeout))
	assert.Less(t, time.Since(start), time.Second, "timeout must be bounded")
}

func TestLocalLockContextCancellation(t *testing.T) {
	locks := NewLocalLockService()

	release, err := locks.Acquire(context.Background(), "doc-1", time.Minute)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = locks.Acquire(ctx, "doc-1", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLocalLockEntriesAreReclaimed(t *testing.T) {
	locks := NewLocalLockService()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		release, err := locks.Acquire(ctx, "doc-1", time.Second)
		require.NoError(t, err)
		release()
	}

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks, "released keys must not accumulate")
}

func TestLocalLockNonPositiveWaitIsBounded(t *testing.T) {
	// A zero or negative wait falls back to the default bound instead of
	// blocking forever on a background context.
	locks := NewLocalLockService()
	ctx := context.Background()

	holder, err := locks.Acquire(ctx, "doc-1", 0)
	require.NoError(t, err, "an uncontended acquire with zero wait must succeed")

	// A contended waiter with a negative wait still waits rather than
	// failing immediately, and obtains the lock once it frees up.
	acquired := make(chan error, 1)
	go func() {
		release, acquireErr := locks.Acquire(ctx, "doc-1", -1)
		if acquireErr == nil {
			release()
		}
		acquired <- acquireErr
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-acquired:
		t.Fatalf("waiter returned early: %v", err)
	default:
	}

	holder()
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire the released lock")
	}

	// Cancellation still interrupts the defaulted wait.
	holder2, err := locks.Acquire(ctx, "doc-1", 0)
	require.NoError(t, err)
	defer holder2()

	cancelCtx, cancel := context.WithCancel(ctx)
	errs := make(chan error, 1)
	go func() {
		_, acquireErr := locks.Acquire(cancelCtx, "doc-1", 0)
		errs <- acquireErr
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe cancellation")
	}
}

func TestNoopLockService(t *testing.T) {
	locks := NewNoopLockService()
	ctx := context.Background()

	// Every acquisition succeeds immediately, even for a held key.
	release1, err := locks.Acquire(ctx, "doc-1", time.Millisecond)
	require.NoError(t, err)
	release2, err := locks.Acquire(ctx, "doc-1", time.Millisecond)
	require.NoError(t, err)

	release1()
	release2()
}
