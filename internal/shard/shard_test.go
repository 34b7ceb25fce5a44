package shard

import (
	"fmt"
	"sync"
	"testing"
)

type counter struct {
	mu sync.Mutex
	n  int
}

func TestGetCreatesOnce(t *testing.T) {
	m := New[counter](4, nil)
	a := m.Get("device-1")
	b := m.Get("device-1")
	if a != b {
		t.Fatal("Get returned different values for the same key")
	}
	if m.Len() != 1 {
		t.Errorf("Len: got %d, want 1", m.Len())
	}
	if _, ok := m.Peek("device-2"); ok {
		t.Error("Peek created an entry")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	m := New[counter](8, nil)
	const workers = 32
	const perWorker = 200

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			key := fmt.Sprintf("device-%d", w%4)
			for i := 0; i < perWorker; i++ {
				c := m.Get(key)
				c.mu.Lock()
				c.n++
				c.mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	total := 0
	m.Range(func(_ string, c *counter) bool {
		total += c.n
		return true
	})
	if total != workers*perWorker {
		t.Errorf("total: got %d, want %d", total, workers*perWorker)
	}
}

func TestDeleteIf(t *testing.T) {
	m := New[counter](0, nil)
	m.Get("keep").n = 1
	m.Get("drop").n = 0

	for _, key := range []string{"keep", "drop"} {
		m.DeleteIf(key, func(c *counter) bool { return c.n == 0 })
	}
	if _, ok := m.Peek("keep"); !ok {
		t.Error("keep: removed, want kept")
	}
	if _, ok := m.Peek("drop"); ok {
		t.Error("drop: kept, want removed")
	}
	m.Delete("keep")
	if m.Len() != 0 {
		t.Errorf("Len after Delete: got %d, want 0", m.Len())
	}
}
