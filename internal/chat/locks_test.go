package chat

import (
	"sync"
	"testing"
	"time"
)

func TestLockTableSerializesSameSession(t *testing.T) {
	table := NewLockTable()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock("session-1")
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most one concurrent holder, saw %d", maxActive)
	}
}

func TestLockTableIndependentSessions(t *testing.T) {
	table := NewLockTable()

	unlockA := table.Lock("session-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := table.Lock("session-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different sessions should not block each other")
	}
}
