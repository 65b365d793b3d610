package queue

import (
	"testing"
	"time"
)

func TestHistoryAddAndSnapshot(t *testing.T) {
	h := NewHistory[int](8)
	base := time.Now()

	for i := 0; i < 5; i++ {
		h.Add(base.Add(time.Duration(i)*time.Second), i)
	}

	if h.Len() != 5 {
		t.Errorf("Len() = %d, want 5", h.Len())
	}

	snap := h.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("Snapshot() len = %d, want 5", len(snap))
	}
	for i, v := range snap {
		if v != i {
			t.Errorf("snap[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestHistoryEvictionAtCapacity(t *testing.T) {
	h := NewHistory[int](3)
	base := time.Now()

	for i := 0; i < 5; i++ {
		h.Add(base.Add(time.Duration(i)*time.Second), i)
	}

	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}

	snap := h.Snapshot()
	want := []int{2, 3, 4}
	for i, v := range snap {
		if v != want[i] {
			t.Errorf("snap[%d] = %d, want %d", i, v, want[i])
		}
	}

	m := h.Metrics()
	if m.Added != 5 {
		t.Errorf("Added = %d, want 5", m.Added)
	}
	if m.Evicted != 2 {
		t.Errorf("Evicted = %d, want 2", m.Evicted)
	}
}

func TestHistoryRecent(t *testing.T) {
	h := NewHistory[string](10)
	base := time.Now()

	h.Add(base, "old")
	h.Add(base.Add(1*time.Minute), "mid")
	h.Add(base.Add(2*time.Minute), "new")

	got := h.Recent(base.Add(30*time.Second), 0)
	if len(got) != 2 {
		t.Fatalf("Recent() len = %d, want 2", len(got))
	}
	if got[0] != "mid" || got[1] != "new" {
		t.Errorf("Recent() = %v, want [mid new]", got)
	}

	limited := h.Recent(base.Add(30*time.Second), 1)
	if len(limited) != 1 || limited[0] != "new" {
		t.Errorf("Recent(limit=1) = %v, want [new]", limited)
	}
}

func TestHistoryCountSince(t *testing.T) {
	h := NewHistory[int](10)
	base := time.Now()

	for i := 0; i < 6; i++ {
		h.Add(base.Add(time.Duration(i)*time.Minute), i)
	}

	if n := h.CountSince(base.Add(3 * time.Minute)); n != 3 {
		t.Errorf("CountSince() = %d, want 3", n)
	}
	if n := h.CountSince(base.Add(time.Hour)); n != 0 {
		t.Errorf("CountSince(future) = %d, want 0", n)
	}
}

func TestHistoryPruneBefore(t *testing.T) {
	h := NewHistory[int](10)
	base := time.Now()

	for i := 0; i < 6; i++ {
		h.Add(base.Add(time.Duration(i)*time.Minute), i)
	}

	removed := h.PruneBefore(base.Add(4 * time.Minute))
	if removed != 4 {
		t.Errorf("PruneBefore() = %d, want 4", removed)
	}
	if h.Len() != 2 {
		t.Errorf("Len() after prune = %d, want 2", h.Len())
	}

	if removed := h.PruneBefore(base); removed != 0 {
		t.Errorf("second PruneBefore() = %d, want 0", removed)
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	h := NewHistory[int](10)
	base := time.Now()
	h.Add(base, 1)
	h.Add(base.Add(time.Second), 2)

	snap := h.Snapshot()
	h.PruneBefore(base.Add(time.Hour))

	if len(snap) != 2 || snap[0] != 1 || snap[1] != 2 {
		t.Errorf("snapshot mutated by prune: %v", snap)
	}
}

func BenchmarkHistoryAdd(b *testing.B) {
	h := NewHistory[int](10000)
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Add(now, i)
	}
}
