package window

import "testing"

func TestRetainsLastN(t *testing.T) {
	for n := 1; n <= 6; n++ {
		for k := 0; k <= 13; k++ {
			w := New[int](n)
			total := n + k
			for i := 0; i < total; i++ {
				w.Push(i)
			}
			got := w.Snapshot()
			if len(got) != n {
				t.Fatalf("n=%d k=%d: len got %d want %d", n, k, len(got), n)
			}
			for i, v := range got {
				if want := total - n + i; v != want {
					t.Fatalf("n=%d k=%d: snapshot[%d] got %d want %d", n, k, i, v, want)
				}
			}
		}
	}
}

func TestPartialFill(t *testing.T) {
	w := New[string](4)
	if w.Len() != 0 || len(w.Snapshot()) != 0 {
		t.Fatal("new window must be empty")
	}
	w.Push("a")
	w.Push("b")
	got := w.Snapshot()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("snapshot got %v", got)
	}
	if w.Full() {
		t.Fatal("window of 4 with 2 items is not full")
	}
}

func TestLast(t *testing.T) {
	w := New[int](3)
	if _, ok := w.Last(0); ok {
		t.Fatal("empty window has no last")
	}
	for i := 1; i <= 5; i++ {
		w.Push(i)
	}
	if v, _ := w.Last(0); v != 5 {
		t.Fatalf("last(0) got %d want 5", v)
	}
	if v, _ := w.Last(2); v != 3 {
		t.Fatalf("last(2) got %d want 3", v)
	}
	if _, ok := w.Last(3); ok {
		t.Fatal("last(3) out of range")
	}
}

func TestSnapshotDoesNotMutate(t *testing.T) {
	w := New[int](2)
	w.Push(1)
	w.Push(2)
	s := w.Snapshot()
	s[0] = 99
	if v, _ := w.Last(1); v != 1 {
		t.Fatalf("snapshot aliased buffer, got %d", v)
	}
	w.Reset()
	if w.Len() != 0 {
		t.Fatal("reset must empty the window")
	}
}

func TestZeroCapacity(t *testing.T) {
	w := New[int](0)
	w.Push(1)
	w.Push(2)
	if w.Cap() != 1 || w.Len() != 1 {
		t.Fatalf("cap=%d len=%d", w.Cap(), w.Len())
	}
}
