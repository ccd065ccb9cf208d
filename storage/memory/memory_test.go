package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/internal/testutil"
	"github.com/giantswarm/tokensync/storage"
)

func newTestStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	clk := testutil.NewFakeClock(testutil.Epoch)
	s.SetClock(clk)
	return s, clk
}

func TestStore_SetGetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !storage.IsNotFound(err) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	testutil.AssertNoError(t, s.Set(ctx, "k", "v1", 0))
	got, err := s.Get(ctx, "k")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got, "v1")

	testutil.AssertNoError(t, s.Set(ctx, "k", "v2", 0))
	got, _ = s.Get(ctx, "k")
	testutil.AssertEqual(t, got, "v2")

	testutil.AssertNoError(t, s.Delete(ctx, "k"))
	if _, err := s.Get(ctx, "k"); !storage.IsNotFound(err) {
		t.Errorf("Get() after Delete() error = %v, want ErrNotFound", err)
	}
	testutil.AssertNoError(t, s.Delete(ctx, "k"))

	if err := s.Set(ctx, "", "v", 0); err == nil {
		t.Error("Set() with empty key should fail")
	}
}

func TestStore_TTL(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.Set(ctx, "short", "v", 10*time.Minute))
	testutil.AssertNoError(t, s.Set(ctx, "forever", "v", 0))

	clk.Advance(9 * time.Minute)
	if _, err := s.Get(ctx, "short"); err != nil {
		t.Errorf("Get() before expiry error = %v", err)
	}

	clk.Advance(time.Minute)
	if _, err := s.Get(ctx, "short"); !storage.IsNotFound(err) {
		t.Errorf("Get() at expiry error = %v, want ErrNotFound", err)
	}
	keys, _ := s.Keys(ctx, "")
	if len(keys) != 1 || keys[0] != "forever" {
		t.Errorf("Keys() = %v, want [forever]", keys)
	}

	s.cleanup()
	if s.Len() != 1 {
		t.Errorf("Len() after cleanup = %d, want 1", s.Len())
	}
}

func TestStore_Keys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"tokensync.b", "tokensync.a", "other.c"} {
		testutil.AssertNoError(t, s.Set(ctx, k, "v", 0))
	}

	keys, err := s.Keys(ctx, "tokensync.")
	testutil.AssertNoError(t, err)
	if len(keys) != 2 || keys[0] != "tokensync.a" || keys[1] != "tokensync.b" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestStore_Watch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var changes []storage.Change
	cancel := s.Watch(func(c storage.Change) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})

	testutil.AssertNoError(t, s.Set(ctx, "sentinel", "payload", 0))
	testutil.AssertNoError(t, s.Delete(ctx, "sentinel"))
	testutil.AssertNoError(t, s.Delete(ctx, "never-existed"))

	cancel()
	cancel()
	testutil.AssertNoError(t, s.Set(ctx, "after", "x", 0))

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2: %+v", len(changes), changes)
	}
	if changes[0].Kind != storage.ChangeSet || changes[0].Value != "payload" {
		t.Errorf("first change = %+v", changes[0])
	}
	if changes[1].Kind != storage.ChangeDelete || changes[1].Key != "sentinel" {
		t.Errorf("second change = %+v", changes[1])
	}
}

func TestStore_WatchMayWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// A watcher that writes back must not deadlock.
	s.Watch(func(c storage.Change) {
		if c.Key == "ping" && c.Kind == storage.ChangeSet {
			_ = s.Set(ctx, "pong", c.Value, 0)
		}
	})

	testutil.AssertNoError(t, s.Set(ctx, "ping", "1", 0))
	got, err := s.Get(ctx, "pong")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got, "1")
}

func TestStore_Concurrent(t *testing.T) {
	s, _ := newTestStore(t)
	s.SetInstrumentation(instrumentation.NewNoop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Set(ctx, "k", "v", 0)
				_, _ = s.Get(ctx, "k")
				_, _ = s.Keys(ctx, "")
			}
		}(i)
	}
	wg.Wait()
}

func TestStore_StopIdempotent(t *testing.T) {
	s := NewWithInterval(10 * time.Millisecond)
	s.Stop()
	s.Stop()
}
