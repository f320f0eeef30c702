package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolSubmitRunsJob(t *testing.T) {
	p := NewPool(Config{Workers: 2, QueueSize: 4, JobTimeout: time.Second, QueueTimeout: time.Second})
	defer p.Shutdown(time.Second)

	var ran atomic.Bool
	err := p.Submit(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("expected job to run")
	}
}

func TestPoolSubmitPropagatesError(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1, JobTimeout: time.Second, QueueTimeout: time.Second})
	defer p.Shutdown(time.Second)

	want := errors.New("boom")
	err := p.Submit(context.Background(), func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestPoolJobTimeout(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1, JobTimeout: 10 * time.Millisecond, QueueTimeout: time.Second})
	defer p.Shutdown(time.Second)

	err := p.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestIteratorForEachVisitsAllItems(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum atomic.Int64
	it := NewIterator(items, 3)
	err := it.ForEach(func(i int) error {
		sum.Add(int64(i))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Load() != 15 {
		t.Fatalf("expected sum 15, got %d", sum.Load())
	}
}

func TestIteratorMapPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3}
	it := NewIterator(items, 2)
	out, err := Map(it, func(i int) (int, error) { return i * i, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{1, 4, 9}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}

func TestFanOutFanInRoundTrips(t *testing.T) {
	ctx := context.Background()
	input := make(chan int, 10)
	for i := 0; i < 10; i++ {
		input <- i
	}
	close(input)

	outs := FanOut(ctx, input, 3)
	merged := FanIn(ctx, outs...)

	seen := make(map[int]bool)
	for v := range merged {
		seen[v] = true
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct values, got %d", len(seen))
	}
}
