// Package concurrency provides the worker-pool, parallel-iterator and
// fan-out/fan-in primitives spec §1 names as an external input and §5
// describes generically ("a worker-pool abstraction... sized by
// available cores").
//
// Grounded on tinySQL's hand-rolled channel+semaphore worker pool
// (internal/storage/concurrency.go): WorkerPool/worker/processWithTimeout
// and ParallelIterator/FanOut/FanIn carry over in shape, generalized from
// tinySQL's SQL-specific WorkRequest/WorkResult envelope to plain
// `func(context.Context) error` jobs and Go generics, since nothing here
// is SQL-read/write-shaped.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one unit of work submitted to a Pool.
type Job func(ctx context.Context) error

// Config sizes a Pool and its queue, scaled off available cores the
// way tinySQL's DefaultConcurrencyConfig scales read/write worker counts.
type Config struct {
	Workers      int
	QueueSize    int
	JobTimeout   time.Duration
	QueueTimeout time.Duration
}

// DefaultConfig returns per-core-scaled defaults.
func DefaultConfig() Config {
	cpus := runtime.NumCPU()
	return Config{
		Workers:      cpus,
		QueueSize:    cpus * 64,
		JobTimeout:   30 * time.Second,
		QueueTimeout: time.Second,
	}
}

// Stats tracks pool activity.
type Stats struct {
	Submitted atomic.Uint64
	Completed atomic.Uint64
	Failed    atomic.Uint64
	Active    atomic.Int64
}

// Pool runs Jobs across a bounded set of worker goroutines.
type Pool struct {
	cfg   Config
	queue chan queuedJob
	ctx   context.Context
	cancel context.CancelFunc
	wg    sync.WaitGroup
	stats Stats
}

type queuedJob struct {
	ctx    context.Context
	job    Job
	result chan error
}

// NewPool creates and starts a worker pool.
func NewPool(cfg Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		queue:  make(chan queuedJob, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case qj, ok := <-p.queue:
			if !ok {
				return
			}
			p.stats.Active.Add(1)
			err := p.runWithTimeout(qj)
			p.stats.Active.Add(-1)
			select {
			case qj.result <- err:
			case <-qj.ctx.Done():
			case <-p.ctx.Done():
			}
		}
	}
}

func (p *Pool) runWithTimeout(qj queuedJob) error {
	ctx := qj.ctx
	var cancel context.CancelFunc
	if p.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- qj.job(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			p.stats.Failed.Add(1)
		} else {
			p.stats.Completed.Add(1)
		}
		return err
	case <-ctx.Done():
		p.stats.Failed.Add(1)
		return fmt.Errorf("concurrency: job timed out: %w", ctx.Err())
	}
}

// Submit enqueues a job and blocks until it completes, the queue times
// out, or ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.ctx.Err() != nil {
		return errors.New("concurrency: pool is shut down")
	}
	p.stats.Submitted.Add(1)
	result := make(chan error, 1)
	qj := queuedJob{ctx: ctx, job: job, result: result}

	select {
	case p.queue <- qj:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.QueueTimeout):
		p.stats.Failed.Add(1)
		return errors.New("concurrency: submit queue timeout")
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of pool activity counters.
func (p *Pool) Stats() *Stats { return &p.stats }

// Shutdown stops accepting new work and waits for in-flight jobs to
// finish, up to timeout.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("concurrency: shutdown timeout")
	}
}
