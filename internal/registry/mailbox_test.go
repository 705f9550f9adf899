package registry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMailboxPreservesOrderPerKey(t *testing.T) {
	g := newMailboxGroup(time.Minute)
	defer g.Close()

	var mu sync.Mutex
	got := map[int64][]int{}
	var wg sync.WaitGroup

	const perKey = 200
	for _, key := range []int64{1, 2, 3} {
		key := key
		for i := 0; i < perKey; i++ {
			i := i
			wg.Add(1)
			if err := g.Submit(key, func(context.Context) {
				defer wg.Done()
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	wg.Wait()

	for key, seq := range got {
		if len(seq) != perKey {
			t.Fatalf("key %d: expected %d tasks, got %d", key, perKey, len(seq))
		}
		for i, v := range seq {
			if v != i {
				t.Fatalf("key %d: task %d ran at position %d", key, v, i)
			}
		}
	}
}

func TestMailboxCloseWaitsForQueuedTasks(t *testing.T) {
	g := newMailboxGroup(time.Minute)

	done := make(chan struct{})
	release := make(chan struct{})
	if err := g.Submit(1, func(context.Context) {
		<-release
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	if err := g.Submit(1, func(context.Context) {
		close(done)
	}); err != nil {
		t.Fatalf("submit follower: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	g.Close()

	select {
	case <-done:
	default:
		t.Fatal("Close returned before queued task ran")
	}

	if err := g.Submit(1, func(context.Context) {}); err != errMailboxClosed {
		t.Fatalf("expected errMailboxClosed after Close, got %v", err)
	}
}

func TestMailboxReapsIdleConsumers(t *testing.T) {
	g := newMailboxGroup(10 * time.Millisecond)
	defer g.Close()

	ran := make(chan struct{})
	if err := g.Submit(7, func(context.Context) { close(ran) }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-ran

	deadline := time.After(2 * time.Second)
	for {
		g.mu.Lock()
		n := len(g.boxes)
		g.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("idle mailbox never reaped, %d left", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
