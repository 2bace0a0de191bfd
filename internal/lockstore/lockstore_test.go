package lockstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"busline/internal/cache"
	"busline/internal/clock"
	"busline/internal/domain"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryLocks(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	return New(cache.NewMemoryStore(clk), DefaultTTL, clk, nil, discardLogger()), clk
}

func TestTryAcquireIsExclusiveAndNotReentrant(t *testing.T) {
	s, _ := newMemoryLocks(t)
	ctx := context.Background()

	ok, err := s.TryAcquire(ctx, "T1", "R3", "alice")
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := s.TryAcquire(ctx, "T1", "R3", "bob"); ok {
		t.Fatal("second holder must not acquire")
	}
	if ok, _ := s.TryAcquire(ctx, "T1", "R3", "alice"); ok {
		t.Fatal("same holder must not re-acquire")
	}
	if ok, _ := s.TryAcquire(ctx, "T1", "R4", "bob"); !ok {
		t.Fatal("a different seat should be free")
	}

	lock, found, err := s.Holder(ctx, "T1", "R3")
	if err != nil || !found || lock.Holder != "alice" {
		t.Fatalf("Holder() = %+v, %v, %v", lock, found, err)
	}
	if !lock.ExpiresAt.Equal(t0.Add(DefaultTTL)) {
		t.Fatalf("expires at %v, want %v", lock.ExpiresAt, t0.Add(DefaultTTL))
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, _ := newMemoryLocks(t)
	ctx := context.Background()

	s.TryAcquire(ctx, "T1", "R3", "alice")
	if err := s.Release(ctx, "T1", "R3"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Release(ctx, "T1", "R3"); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if ok, _ := s.TryAcquire(ctx, "T1", "R3", "bob"); !ok {
		t.Fatal("seat should be free after release")
	}
	if s.Tracked() != 1 {
		t.Fatalf("tracked = %d, want 1", s.Tracked())
	}
}

func TestLockAbsentAfterTTL(t *testing.T) {
	s, clk := newMemoryLocks(t)
	ctx := context.Background()

	s.TryAcquire(ctx, "T1", "R3", "alice")
	clk.Advance(DefaultTTL - time.Second)
	if _, found, _ := s.Holder(ctx, "T1", "R3"); !found {
		t.Fatal("lock should be live before ttl")
	}

	clk.Advance(2 * time.Second)
	if _, found, _ := s.Holder(ctx, "T1", "R3"); found {
		t.Fatal("lock should be absent after ttl")
	}
	if ok, _ := s.TryAcquire(ctx, "T1", "R3", "bob"); !ok {
		t.Fatal("expired lock should not block a new holder")
	}
}

func TestSweepFiresOncePerExpiredLock(t *testing.T) {
	s, clk := newMemoryLocks(t)
	ctx := context.Background()

	var mu sync.Mutex
	var expired []Lock
	s.OnExpire(func(_ context.Context, l Lock) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, l)
	})

	s.TryAcquire(ctx, "T1", "R1", "alice")
	s.TryAcquire(ctx, "T1", "R2", "alice")
	s.Release(ctx, "T1", "R2")

	if n := s.Sweep(ctx); n != 0 {
		t.Fatalf("sweep before ttl reconciled %d locks", n)
	}

	clk.Advance(DefaultTTL + time.Second)
	if n := s.Sweep(ctx); n != 1 {
		t.Fatalf("sweep reconciled %d locks, want 1", n)
	}
	if n := s.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep reconciled %d locks, want 0", n)
	}

	if len(expired) != 1 || expired[0].SeatID != "R1" || expired[0].Holder != "alice" {
		t.Fatalf("unexpected expire callbacks: %+v", expired)
	}
	if s.Tracked() != 0 {
		t.Fatalf("tracked = %d, want 0", s.Tracked())
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	s, _ := newMemoryLocks(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.TryAcquire(ctx, "T1", "R3", string(rune('a'+i%26)))
			if err != nil {
				t.Errorf("acquire: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d holders acquired the same seat", wins.Load())
	}
}

func TestRedisBackedLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clk := clock.NewFake(t0)
	kv := cache.NewRedisCacheFromClient(client, "busline:", discardLogger())
	s := New(kv, DefaultTTL, clk, nil, discardLogger())
	ctx := context.Background()

	if ok, err := s.TryAcquire(ctx, "T1", "R3", "alice"); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if !mr.Exists("busline:seat_lock:T1:R3") {
		t.Fatal("expected seat_lock key in redis")
	}
	if ttl := mr.TTL("busline:seat_lock:T1:R3"); ttl != DefaultTTL {
		t.Fatalf("redis ttl = %v, want %v", ttl, DefaultTTL)
	}
	if ok, _ := s.TryAcquire(ctx, "T1", "R3", "bob"); ok {
		t.Fatal("bob must not acquire a held seat")
	}

	mr.FastForward(DefaultTTL + time.Second)
	clk.Advance(DefaultTTL + time.Second)

	if ok, err := s.TryAcquire(ctx, "T1", "R3", "bob"); err != nil || !ok {
		t.Fatalf("acquire after ttl = %v, %v", ok, err)
	}
}

type failingKV struct{}

var errDown = errors.New("connection refused")

func (failingKV) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (failingKV) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (failingKV) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errDown
}
func (failingKV) Delete(context.Context, string) error         { return errDown }
func (failingKV) Exists(context.Context, string) (bool, error) { return false, errDown }

func TestStoreUnavailable(t *testing.T) {
	s := New(failingKV{}, DefaultTTL, clock.NewFake(t0), nil, discardLogger())
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "T1", "R3", "alice"); !errors.Is(err, domain.ErrLockStoreUnavailable) {
		t.Fatalf("TryAcquire error = %v", err)
	}
	if err := s.Release(ctx, "T1", "R3"); !errors.Is(err, domain.ErrLockStoreUnavailable) {
		t.Fatalf("Release error = %v", err)
	}
	if _, _, err := s.Holder(ctx, "T1", "R3"); !errors.Is(err, domain.ErrLockStoreUnavailable) {
		t.Fatalf("Holder error = %v", err)
	}
}

func TestLazyExpiryFiresOnceWithReentrantCallback(t *testing.T) {
	appClock := clock.NewFake(t0)
	kvClock := clock.NewFake(t0)
	s := New(cache.NewMemoryStore(kvClock), DefaultTTL, appClock, nil, discardLogger())
	ctx := context.Background()

	calls := 0
	s.OnExpire(func(ctx context.Context, l Lock) {
		calls++
		if calls > 1 {
			t.Fatalf("expire callback fired %d times", calls)
		}
		if _, found, _ := s.Holder(ctx, l.TripID, l.SeatID); found {
			t.Error("lapsed lock reported live inside the callback")
		}
	})

	s.TryAcquire(ctx, "T1", "R3", "alice")
	appClock.Advance(DefaultTTL + time.Second)

	for i := 0; i < 3; i++ {
		if _, found, err := s.Holder(ctx, "T1", "R3"); err != nil || found {
			t.Fatalf("Holder() = %v, %v, want absent", found, err)
		}
	}
	if n := s.Sweep(ctx); n != 0 {
		t.Fatalf("sweep reconciled %d locks, want 0", n)
	}
	if calls != 1 {
		t.Fatalf("callbacks = %d, want 1", calls)
	}

	if _, found, err := s.Live(ctx, "T1", "R3"); err != nil || found {
		t.Fatalf("Live() = %v, %v, want absent", found, err)
	}
}

func TestLiveHasNoSideEffects(t *testing.T) {
	s, clk := newMemoryLocks(t)
	ctx := context.Background()

	calls := 0
	s.OnExpire(func(context.Context, Lock) { calls++ })

	s.TryAcquire(ctx, "T1", "R3", "alice")
	if lock, found, _ := s.Live(ctx, "T1", "R3"); !found || lock.Holder != "alice" {
		t.Fatalf("Live() = %+v, %v", lock, found)
	}

	clk.Advance(DefaultTTL + time.Second)
	if _, found, _ := s.Live(ctx, "T1", "R3"); found {
		t.Fatal("lapsed lock reported live")
	}
	if calls != 0 || s.Tracked() != 1 {
		t.Fatalf("Live reconciled: calls = %d, tracked = %d", calls, s.Tracked())
	}
}
