package retry

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBudget() (*Budget, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBudget(Config{Base: time.Second, Multiplier: 2, Ceiling: 10 * time.Second}).WithClock(clk.now)
	return b, clk
}

func TestCanAttemptBeforeFailure(t *testing.T) {
	b, _ := newTestBudget()
	if !b.CanAttempt("place_order:BTCUSDT") {
		t.Fatal("unknown key must be attemptable")
	}
}

func TestBackoffGrowsAndGates(t *testing.T) {
	b, clk := newTestBudget()
	key := "sl:BTCUSDT"

	for f := 1; f <= 3; f++ {
		d := b.RecordFailure(key)
		want := time.Second * time.Duration(1<<f)
		if d != want {
			t.Fatalf("failure %d: delay got %v want %v", f, d, want)
		}
		if b.CanAttempt(key) {
			t.Fatalf("failure %d: attempt allowed immediately", f)
		}
		clk.advance(want - time.Millisecond)
		if b.CanAttempt(key) {
			t.Fatalf("failure %d: attempt allowed before delay elapsed", f)
		}
		clk.advance(time.Millisecond)
		if b.CanAttempt(key) {
			t.Fatalf("failure %d: attempt allowed exactly at the delay", f)
		}
		clk.advance(time.Millisecond)
		if !b.CanAttempt(key) {
			t.Fatalf("failure %d: attempt blocked after delay", f)
		}
	}
	if b.Failures(key) != 3 {
		t.Fatalf("failures got %d want 3", b.Failures(key))
	}
}

func TestCeiling(t *testing.T) {
	b, _ := newTestBudget()
	var d time.Duration
	for i := 0; i < 50; i++ {
		d = b.RecordFailure("k")
	}
	if d != 10*time.Second {
		t.Fatalf("delay got %v want ceiling 10s", d)
	}
}

func TestSuccessResets(t *testing.T) {
	b, _ := newTestBudget()
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	if !b.CanAttempt("k") || b.Failures("k") != 0 {
		t.Fatal("success must clear failures")
	}
	if d := b.RecordFailure("k"); d != 2*time.Second {
		t.Fatalf("first failure after reset got %v want 2s", d)
	}
}

func TestKeysIndependent(t *testing.T) {
	b, _ := newTestBudget()
	b.RecordFailure("tp:ETHUSDT")
	if !b.CanAttempt("sl:ETHUSDT") {
		t.Fatal("failure on one key must not gate another")
	}
	if b.NextRetry("tp:ETHUSDT") != 2*time.Second {
		t.Fatalf("next retry got %v", b.NextRetry("tp:ETHUSDT"))
	}
	if len(b.Snapshot()) != 1 {
		t.Fatalf("snapshot got %v", b.Snapshot())
	}
}

func TestConcurrentUse(t *testing.T) {
	b := NewBudget(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.CanAttempt("k")
				if j%3 == 0 {
					b.RecordFailure("k")
				} else if j%7 == 0 {
					b.RecordSuccess("k")
				}
			}
		}()
	}
	wg.Wait()
}
