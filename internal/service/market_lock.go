package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

const defaultLockPoll = 25 * time.Millisecond

type keyLock struct {
	ch   chan struct{}
	refs int
}

// MarketLocks serializes mutations per market. Inside one process a
// channel-backed lock per key is used; when a distributed LockManager is
// configured the same key is also taken there so that several instances can
// share one ledger.
type MarketLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock

	dist domain.LockManager
	ttl  time.Duration
	poll time.Duration
}

// NewMarketLocks creates MarketLocks. dist may be nil.
func NewMarketLocks(dist domain.LockManager, ttl time.Duration) *MarketLocks {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MarketLocks{
		locks: make(map[string]*keyLock),
		dist:  dist,
		ttl:   ttl,
		poll:  defaultLockPoll,
	}
}

// Lock blocks until the market's lock is held or ctx is done. The returned
// function releases it and is safe to call more than once.
func (l *MarketLocks) Lock(ctx context.Context, marketID string) (func(), error) {
	kl := l.ref(marketID)
	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(marketID, kl)
		return nil, fmt.Errorf("service: lock %s: %w", marketID, ctx.Err())
	}

	releaseLocal := func() {
		<-kl.ch
		l.unref(marketID, kl)
	}

	var releaseDist func()
	if l.dist != nil {
		var err error
		releaseDist, err = l.acquireDist(ctx, marketID)
		if err != nil {
			releaseLocal()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if releaseDist != nil {
				releaseDist()
			}
			releaseLocal()
		})
	}, nil
}

func (l *MarketLocks) acquireDist(ctx context.Context, marketID string) (func(), error) {
	key := "market:" + marketID
	for {
		unlock, err := l.dist.Acquire(ctx, key, l.ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("service: distributed lock %s: %w", marketID, err)
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("service: distributed lock %s: %w", marketID, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *MarketLocks) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *MarketLocks) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
