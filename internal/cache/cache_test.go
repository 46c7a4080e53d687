package cache

import (
	"sync"
	"testing"
	"time"
)

func TestOfAddGetRemove(t *testing.T) {
	c, err := New[string, int](2)
	if err != nil {
		t.Fatal(err)
	}
	c.Add("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expected a=1, got %d ok=%v", v, ok)
	}
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a removed after Remove")
	}
}

func TestOfEvictsLeastRecentlyUsedPastCapacity(t *testing.T) {
	c, err := New[string, int](2)
	if err != nil {
		t.Fatal(err)
	}
	c.Add("a", 1)
	c.Add("b", 2)
	c.Get("a") // touch a so b becomes the least recently used
	c.Add("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b evicted as the least recently used entry")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive since it was touched more recently")
	}
	if c.Len() != 2 {
		t.Fatalf("expected capacity held at 2, got %d", c.Len())
	}
}

func TestOfPurgeClearsEverything(t *testing.T) {
	c, err := New[string, int](4)
	if err != nil {
		t.Fatal(err)
	}
	c.Add("a", 1)
	c.Add("b", 2)
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected an empty cache after Purge, got len %d", c.Len())
	}
}

func TestPartitionedMutexLockIsStablePerKey(t *testing.T) {
	p := NewPartitionedMutex(8)
	var order []string
	var mu sync.Mutex

	unlock := p.Lock("same-key")
	mu.Lock()
	order = append(order, "first-acquired")
	mu.Unlock()

	released := make(chan struct{})
	go func() {
		unlock2 := p.Lock("same-key")
		mu.Lock()
		order = append(order, "second-acquired")
		mu.Unlock()
		unlock2()
		close(released)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	gotLen := len(order)
	mu.Unlock()
	if gotLen != 1 {
		t.Fatalf("expected the second Lock on the same key to still be blocked, order=%v", order)
	}
	unlock()
	<-released

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first-acquired" || order[1] != "second-acquired" {
		t.Fatalf("expected first-then-second acquisition order, got %v", order)
	}
}

func TestPartitionedMutexDistinctKeysDoNotBlock(t *testing.T) {
	p := NewPartitionedMutex(64)
	unlockA := p.Lock("key-a")
	defer unlockA()

	done := make(chan bool, 1)
	go func() {
		unlockB := p.Lock("key-b")
		unlockB()
		done <- true
	}()
	<-done
}
