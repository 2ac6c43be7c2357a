package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"branchledger/backend/internal/domain"
)

// Locker serializes postings that touch the same booking line or stock row.
// Keys are always taken in sorted order so two postings sharing keys cannot
// deadlock each other.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

func BookingLineKey(bookingLineID string) string {
	return "booking-line:" + bookingLineID
}

func StockKey(productID string, branchID string) string {
	return fmt.Sprintf("stock:%s:%s", productID, branchID)
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, key := range keys {
		if err := l.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return release, nil
}

func (l *Local) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, s)
		return ctx.Err()
	}
}

func (l *Local) unlock(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	l.drop(key, s)
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Redis takes the same keys through redislock so postings are serialized
// across processes.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
	log    logrus.FieldLogger
}

func NewRedis(client redislock.RedisClient, ttl time.Duration, log logrus.FieldLogger) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		log:    log.WithField("module", "lock"),
	}
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// Release with a fresh context: the caller's may already be done.
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := held[i].Release(relCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.log.WithError(err).WithField("key", held[i].Key()).Warn("failed to release lock")
			}
			cancel()
		}
	}

	for _, key := range keys {
		lk, err := r.client.Obtain(ctx, "ledger:lock:"+key, r.ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(r.retry),
		})
		if errors.Is(err, redislock.ErrNotObtained) {
			release()
			return nil, fmt.Errorf("%w: could not obtain lock %s", domain.ErrConflict, key)
		}
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, lk)
	}
	return release, nil
}
