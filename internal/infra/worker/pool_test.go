package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telegram-session-bot/internal/infra/logging"
)

func TestPool_RunsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(3, logging.Nop())
	p.Start(ctx)
	defer p.Stop()

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := p.SubmitWait(ctx, int64(i), func(ctx context.Context) error {
			defer wg.Done()
			atomic.AddInt32(&n, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("SubmitWait: %v", err)
		}
	}
	wg.Wait()
	if got := atomic.LoadInt32(&n); got != 10 {
		t.Fatalf("expected 10 tasks, got %d", got)
	}
}

func TestPool_SameKeyRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(4, logging.Nop())
	p.Start(ctx)
	defer p.Stop()

	const perKey = 30
	keys := []int64{77, 78, 1001, -5}

	var mu sync.Mutex
	seen := make(map[int64][]int)
	var wg sync.WaitGroup
	for i := 0; i < perKey; i++ {
		for _, key := range keys {
			i, key := i, key
			wg.Add(1)
			err := p.SubmitWait(ctx, key, func(ctx context.Context) error {
				defer wg.Done()
				time.Sleep(time.Duration(rand.Intn(300)) * time.Microsecond)
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatalf("SubmitWait: %v", err)
			}
		}
	}
	wg.Wait()

	for _, key := range keys {
		got := seen[key]
		if len(got) != perKey {
			t.Fatalf("key %d: expected %d tasks, got %d", key, perKey, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("key %d ran out of order: %v", key, got)
			}
		}
	}
}

func TestPool_SurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(1, logging.Nop())
	p.Start(ctx)
	defer p.Stop()

	_ = p.SubmitWait(ctx, 1, func(ctx context.Context) error { panic("boom") })

	done := make(chan struct{})
	if err := p.SubmitWait(ctx, 1, func(ctx context.Context) error { close(done); return nil }); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := NewPool(1, logging.Nop())
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	if err := p.SubmitWait(context.Background(), 1, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestPool_SubmitWaitHonorsContext(t *testing.T) {
	p := NewPool(2, logging.Nop())
	noop := func(ctx context.Context) error { return nil }
	// not started: the queue of key 0 fills up and nothing drains it
	for i := 0; i < queueSize; i++ {
		if err := p.SubmitWait(context.Background(), 0, noop); err != nil {
			t.Fatalf("SubmitWait %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.SubmitWait(ctx, 0, noop); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := p.SubmitWait(context.Background(), 1, noop); err != nil {
		t.Fatalf("other key blocked by a full queue: %v", err)
	}
}
