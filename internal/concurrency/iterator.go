package concurrency

import (
	"context"
	"runtime"
	"sync"
)

// Iterator drives fn or Map over a fixed slice of items across a bounded
// number of goroutines, generalized from tinySQL's ParallelIterator
// (internal/storage/concurrency.go) to a generic element type — used by
// the model-update coordinator to sweep a class store's scan chunks.
type Iterator[T any] struct {
	items   []T
	workers int
	ctx     context.Context
}

// NewIterator creates a parallel iterator over items. workers<=0 defaults
// to runtime.NumCPU().
func NewIterator[T any](items []T, workers int) *Iterator[T] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Iterator[T]{items: items, workers: workers, ctx: context.Background()}
}

// WithContext attaches a cancellation context.
func (it *Iterator[T]) WithContext(ctx context.Context) *Iterator[T] {
	it.ctx = ctx
	return it
}

// ForEach applies fn to every item concurrently and returns the first
// error encountered. A worker stops at its own first error; the other
// workers go on with the remaining items.
func (it *Iterator[T]) ForEach(fn func(T) error) error {
	if len(it.items) == 0 {
		return nil
	}

	workCh := make(chan T, len(it.items))
	errCh := make(chan error, it.workers)

	var wg sync.WaitGroup
	for i := 0; i < it.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workCh {
				select {
				case <-it.ctx.Done():
					errCh <- it.ctx.Err()
					return
				default:
					if err := fn(item); err != nil {
						errCh <- err
						return
					}
				}
			}
		}()
	}

	go func() {
		defer close(workCh)
		for _, item := range it.items {
			select {
			case <-it.ctx.Done():
				return
			case workCh <- item:
			}
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// Map applies fn to every item of it concurrently and returns the
// results in input order. It is a free function, not a method, because
// Go forbids a method from introducing a new type parameter.
func Map[T, R any](it *Iterator[T], fn func(T) (R, error)) ([]R, error) {
	if len(it.items) == 0 {
		return nil, nil
	}

	type indexed struct {
		index int
		item  T
	}
	type result struct {
		index int
		value R
		err   error
	}

	results := make([]R, len(it.items))
	workCh := make(chan indexed, len(it.items))
	resCh := make(chan result, len(it.items))

	var wg sync.WaitGroup
	for i := 0; i < it.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				select {
				case <-it.ctx.Done():
					resCh <- result{index: w.index, err: it.ctx.Err()}
					return
				default:
					v, err := fn(w.item)
					resCh <- result{index: w.index, value: v, err: err}
				}
			}
		}()
	}

	go func() {
		defer close(workCh)
		for i, item := range it.items {
			select {
			case <-it.ctx.Done():
				return
			case workCh <- indexed{index: i, item: item}:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resCh)
	}()

	for res := range resCh {
		if res.err != nil {
			return nil, res.err
		}
		results[res.index] = res.value
	}
	return results, nil
}

// FanOut distributes items read from input to n output channels,
// generalized from tinySQL's FanOut (internal/storage/concurrency.go).
func FanOut[T any](ctx context.Context, input <-chan T, n int) []<-chan T {
	outs := make([]<-chan T, n)
	for i := 0; i < n; i++ {
		ch := make(chan T)
		outs[i] = ch
		go func(out chan T) {
			defer close(out)
			for item := range input {
				select {
				case <-ctx.Done():
					return
				case out <- item:
				}
			}
		}(ch)
	}
	return outs
}

// FanIn merges several channels into one, generalized from tinySQL's
// FanIn.
func FanIn[T any](ctx context.Context, channels ...<-chan T) <-chan T {
	out := make(chan T)
	var wg sync.WaitGroup
	wg.Add(len(channels))
	for _, ch := range channels {
		go func(c <-chan T) {
			defer wg.Done()
			for item := range c {
				select {
				case <-ctx.Done():
					return
				case out <- item:
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
