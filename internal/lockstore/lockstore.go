// Package lockstore holds exclusive, time-bounded seat locks in a shared
// key-value store. The store is the only source of truth for lock
// ownership.
package lockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"busline/internal/cache"
	"busline/internal/clock"
	"busline/internal/domain"
)

// DefaultTTL bounds every seat lock that is not converted or released.
const DefaultTTL = 5 * time.Minute

// KeyValueStore is the shared store contract. Get returns nil, nil on a
// miss and SetNX must set-if-absent with TTL as one indivisible operation.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type Metrics interface {
	LockAttempt(result string)
	LockExpired()
}

type Lock struct {
	TripID    string    `json:"tripId"`
	SeatID    string    `json:"seatId"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExpireFunc runs once for each lock that lapses without being released.
type ExpireFunc func(ctx context.Context, lock Lock)

type lockValue struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Store struct {
	kv      KeyValueStore
	ttl     time.Duration
	clock   clock.Clock
	metrics Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	tracked  map[string]Lock
	onExpire ExpireFunc
}

func New(kv KeyValueStore, ttl time.Duration, clk clock.Clock, metrics Metrics, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		kv:      kv,
		ttl:     ttl,
		clock:   clk,
		metrics: metrics,
		logger:  logger.With("component", "seat_lock_store"),
		tracked: make(map[string]Lock),
	}
}

func (s *Store) OnExpire(fn ExpireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = fn
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// TryAcquire takes the lock if no lock exists for the seat. A second call
// by the same holder returns false.
func (s *Store) TryAcquire(ctx context.Context, tripID, seatID, holder string) (bool, error) {
	key := cache.KeySeatLock(tripID, seatID)
	expires := s.clock.Now().Add(s.ttl)

	value, err := json.Marshal(lockValue{Holder: holder, ExpiresAt: expires})
	if err != nil {
		return false, fmt.Errorf("encode lock: %w", err)
	}

	ok, err := s.kv.SetNX(ctx, key, value, s.ttl)
	if err != nil {
		s.observe("error")
		return false, fmt.Errorf("%w: acquire %s: %v", domain.ErrLockStoreUnavailable, key, err)
	}
	if !ok {
		s.observe("contended")
		s.logger.Debug("seat lock contended", "trip_id", tripID, "seat_id", seatID, "holder", holder)
		return false, nil
	}

	s.observe("acquired")
	s.mu.Lock()
	s.tracked[key] = Lock{TripID: tripID, SeatID: seatID, Holder: holder, ExpiresAt: expires}
	s.mu.Unlock()

	s.logger.Debug("seat lock acquired", "trip_id", tripID, "seat_id", seatID, "holder", holder, "expires_at", expires)
	return true, nil
}

// Release removes the lock unconditionally. Releasing a missing lock is a
// no-op.
func (s *Store) Release(ctx context.Context, tripID, seatID string) error {
	key := cache.KeySeatLock(tripID, seatID)
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: release %s: %v", domain.ErrLockStoreUnavailable, key, err)
	}
	s.mu.Lock()
	delete(s.tracked, key)
	s.mu.Unlock()
	return nil
}

// Holder returns the live lock for a seat, if any. A lock whose recorded
// expiry has passed is treated as absent, and if this Store acquired it
// the expire callback fires once.
func (s *Store) Holder(ctx context.Context, tripID, seatID string) (Lock, bool, error) {
	key := cache.KeySeatLock(tripID, seatID)
	lock, found, err := s.read(ctx, key, tripID, seatID)
	if err != nil {
		return Lock{}, false, err
	}
	if !found {
		return Lock{}, false, nil
	}
	if s.lapsed(lock) {
		s.expire(ctx, key, lock)
		return Lock{}, false, nil
	}
	return lock, true, nil
}

// Live is Holder without reconciliation: it never fires the expire
// callback, so it is safe to call from inside one.
func (s *Store) Live(ctx context.Context, tripID, seatID string) (Lock, bool, error) {
	lock, found, err := s.read(ctx, cache.KeySeatLock(tripID, seatID), tripID, seatID)
	if err != nil || !found || s.lapsed(lock) {
		return Lock{}, false, err
	}
	return lock, true, nil
}

// Sweep reconciles the locks acquired through this Store. A lock that has
// lapsed or vanished from the shared store fires the expire callback once.
// It returns the number of locks reconciled.
func (s *Store) Sweep(ctx context.Context) int {
	s.mu.Lock()
	candidates := make(map[string]Lock, len(s.tracked))
	for k, l := range s.tracked {
		candidates[k] = l
	}
	s.mu.Unlock()

	swept := 0
	for key, lock := range candidates {
		exists, err := s.kv.Exists(ctx, key)
		if err != nil {
			s.logger.Warn("sweep could not check lock", "key", key, "error", err)
			continue
		}
		if exists && !s.lapsed(lock) {
			current, found, err := s.read(ctx, key, lock.TripID, lock.SeatID)
			if err != nil {
				s.logger.Warn("sweep could not read lock", "key", key, "error", err)
				continue
			}
			if found && current.Holder == lock.Holder && current.ExpiresAt.Equal(lock.ExpiresAt) {
				continue
			}
		}
		if s.expire(ctx, key, lock) {
			swept++
		}
	}

	if swept > 0 {
		s.logger.Info("swept expired seat locks", "count", swept)
	}
	return swept
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Tracked returns the number of locks this Store is reconciling.
func (s *Store) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

func (s *Store) read(ctx context.Context, key, tripID, seatID string) (Lock, bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return Lock{}, false, fmt.Errorf("%w: read %s: %v", domain.ErrLockStoreUnavailable, key, err)
	}
	if raw == nil {
		return Lock{}, false, nil
	}
	var v lockValue
	if err := json.Unmarshal(raw, &v); err != nil {
		// bare holder written by an older client
		v = lockValue{Holder: string(raw)}
	}
	return Lock{TripID: tripID, SeatID: seatID, Holder: v.Holder, ExpiresAt: v.ExpiresAt}, true, nil
}

func (s *Store) lapsed(l Lock) bool {
	return !l.ExpiresAt.IsZero() && !s.clock.Now().Before(l.ExpiresAt)
}

// expire fires the callback for a lapsed lock only if it removes the lock
// from the tracked set, so each lock is reported at most once whether the
// sweep or a lazy read finds it first.
func (s *Store) expire(ctx context.Context, key string, lock Lock) bool {
	s.mu.Lock()
	t, ok := s.tracked[key]
	removed := ok && t.Holder == lock.Holder && t.ExpiresAt.Equal(lock.ExpiresAt)
	if removed {
		delete(s.tracked, key)
	}
	fn := s.onExpire
	s.mu.Unlock()

	if !removed {
		return false
	}

	if s.metrics != nil {
		s.metrics.LockExpired()
	}
	s.logger.Info("seat lock expired", "trip_id", lock.TripID, "seat_id", lock.SeatID, "holder", lock.Holder)
	if fn != nil {
		fn(ctx, lock)
	}
	return true
}

func (s *Store) observe(result string) {
	if s.metrics != nil {
		s.metrics.LockAttempt(result)
	}
}
