package ids

import (
	"sync"
	"testing"
)

func TestNewIsUniqueAndSortable(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("unexpected id length: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if id <= prev {
			t.Fatalf("ids not monotonic: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestAllocatorSeedsAboveHighWater(t *testing.T) {
	a := NewAllocator(41)
	if got := a.Next(); got != 42 {
		t.Fatalf("Next() = %d, want 42", got)
	}
	if got := a.Peek(); got != 42 {
		t.Fatalf("Peek() = %d, want 42", got)
	}
}

func TestAllocatorConcurrentUnique(t *testing.T) {
	a := NewAllocator(0)
	const workers, perWorker = 8, 500

	var (
		mu  sync.Mutex
		ids = make(map[int64]bool, workers*perWorker)
		wg  sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := a.Next()
				mu.Lock()
				if ids[id] {
					mu.Unlock()
					t.Errorf("duplicate id %d", id)
					return
				}
				ids[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(ids) != workers*perWorker {
		t.Fatalf("issued %d unique ids, want %d", len(ids), workers*perWorker)
	}
}
