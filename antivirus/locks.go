package antivirus

import (
	"context"
	"sync"
	"time"

	"github.com/peskar/icaro/consts"
	"github.com/peskar/icaro/pkg/metrics"
)

// ReleaseFunc releases a held scan lock. It is safe to call exactly once.
type ReleaseFunc func()

// LockService serializes scans of the same object so concurrent requests
// for one identifier produce a single network scan.
type LockService interface {
	// Acquire blocks until the lock for key is held, the wait duration
	// elapses, or ctx is canceled. On timeout it returns
	// consts.ErrLockTimeout. A non-positive wait is replaced by a
	// default bound; Acquire never blocks indefinitely.
	Acquire(ctx context.Context, key string, wait time.Duration) (ReleaseFunc, error)
}

// LocalLockService implements LockService with in-process per-key mutual
// exclusion. Lock entries are reference counted and removed once the last
// waiter releases, so the map does not grow with the set of ever-seen keys.
type LocalLockService struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	sem  chan struct{}
	refs int
}

// defaultLockWait bounds Acquire when the caller passes a non-positive
// wait. Matches the scanner.lock_wait configuration default.
const defaultLockWait = time.Minute

// NewLocalLockService creates a lock service scoped to this process.
func NewLocalLockService() *LocalLockService {
	return &LocalLockService{
		locks: make(map[string]*localLock),
	}
}

func (s *LocalLockService) Acquire(ctx context.Context, key string, wait time.Duration) (ReleaseFunc, error) {
	s.mu.Lock()
	entry, ok := s.locks[key]
	if !ok {
		entry = &localLock{sem: make(chan struct{}, 1)}
		s.locks[key] = entry
	}
	entry.refs++
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	}()

	// The wait is always bounded, even on a background context.
	if wait <= 0 {
		wait = defaultLockWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	select {
	case entry.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-entry.sem
				s.unref(key, entry)
			})
		}
		return release, nil
	case <-waitCtx.Done():
		s.unref(key, entry)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.LockTimeoutsTotal.Inc()
		return nil, consts.ErrLockTimeout
	}
}

func (s *LocalLockService) unref(key string, entry *localLock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.refs--
	if entry.refs <= 0 {
		delete(s.locks, key)
	}
}

// NoopLockService performs no locking. Concurrent scans of the same object
// may each hit the network; the verdict cache still deduplicates afterwards.
type NoopLockService struct{}

func NewNoopLockService() *NoopLockService {
	return &NoopLockService{}
}

func (s *NoopLockService) Acquire(ctx context.Context, key string, wait time.Duration) (ReleaseFunc, error) {
	return func() {}, nil
}
