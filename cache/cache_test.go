package cache

import (
	"sync"
	"testing"
	"time"
)

func TestCacheManagerEvictsOverBudget(t *testing.T) {
	cm := NewCacheManager(100)

	var mu sync.Mutex
	evicted := make(map[int]bool)
	lastUsed := map[int]time.Time{
		1: time.Now().Add(-3 * time.Hour),
		2: time.Now().Add(-2 * time.Hour),
		3: time.Now().Add(-1 * time.Hour),
	}
	cleanup := func(pointer interface{}) {
		mu.Lock()
		evicted[pointer.(int)] = true
		mu.Unlock()
	}
	getLastUsed := func(pointer interface{}) time.Time {
		mu.Lock()
		defer mu.Unlock()
		return lastUsed[pointer.(int)]
	}

	cm.AddItem(1, 40, 0, cleanup, getLastUsed)
	cm.AddItem(2, 40, 0, cleanup, getLastUsed)
	cm.AddItem(3, 40, 0, cleanup, getLastUsed) // pushes total to 120 > 100 budget

	// cleanup runs synchronously inside the manager's goroutine before the
	// third AddItem's blocking round-trip returns; the bounded wait below
	// only guards against that ordering changing.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := evicted[1]
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !evicted[1] {
		t.Fatalf("expected the least-recently-used item to be evicted")
	}
	if evicted[3] {
		t.Fatalf("expected the most-recently-used item to survive")
	}
}

func TestCacheManagerDeleteSkipsCleanup(t *testing.T) {
	cm := NewCacheManager(1000)
	called := false
	cm.AddItem("k", 10, 0, func(interface{}) { called = true }, func(interface{}) time.Time { return time.Now() })
	cm.Delete("k")
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Fatalf("expected Delete not to invoke the cleanup callback")
	}
}
