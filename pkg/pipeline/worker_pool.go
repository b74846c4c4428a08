package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Processor handles one task taken from a WorkerPool.
type Processor[T any] interface {
	Process(ctx context.Context, task T) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, task T) error

func (f ProcessorFunc[T]) Process(ctx context.Context, task T) error { return f(ctx, task) }

// WorkerPool runs tasks on a fixed set of goroutines with a bounded queue.
type WorkerPool[T any] struct {
	workers   int
	inputCh   chan T
	wg        sync.WaitGroup
	processor Processor[T]
	stats     PoolStats
	started   atomic.Bool
	stopOnce  sync.Once
}

type PoolStats struct {
	Processed atomic.Uint64
	Dropped   atomic.Uint64
	Errors    atomic.Uint64
	TaskTime  atomic.Uint64 // microseconds, last task
}

// PoolSnapshot is a point-in-time snapshot of pool statistics.
type PoolSnapshot struct {
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
	TaskTime  uint64 `json:"taskTimeMicros"`
}

// NewWorkerPool creates a pool; non-positive sizes fall back to 4 workers
// and a queue depth of 64.
func NewWorkerPool[T any](workers, queueDepth int, proc Processor[T]) *WorkerPool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &WorkerPool[T]{
		workers:   workers,
		inputCh:   make(chan T, queueDepth),
		processor: proc,
	}
}

// Start launches the worker goroutines. Workers exit when ctx is cancelled
// or Stop is called.
func (p *WorkerPool[T]) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit enqueues a task without blocking. It returns false when the queue
// is full, leaving the caller to retry later.
func (p *WorkerPool[T]) Submit(task T) bool {
	select {
	case p.inputCh <- task:
		return true
	default:
		p.stats.Dropped.Add(1)
		return false
	}
}

func (p *WorkerPool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.inputCh:
			if !ok {
				return
			}
			start := time.Now()
			if err := p.processor.Process(ctx, task); err != nil {
				p.stats.Errors.Add(1)
			} else {
				p.stats.Processed.Add(1)
			}
			p.stats.TaskTime.Store(uint64(time.Since(start).Microseconds()))
		}
	}
}

// Stop closes the queue, lets workers finish queued tasks and waits for them.
// Submit must not be called after Stop.
func (p *WorkerPool[T]) Stop() {
	p.stopOnce.Do(func() { close(p.inputCh) })
	p.wg.Wait()
}

// Snapshot returns a point-in-time copy of pool statistics.
func (p *WorkerPool[T]) Snapshot() PoolSnapshot {
	return PoolSnapshot{
		Processed: p.stats.Processed.Load(),
		Dropped:   p.stats.Dropped.Load(),
		Errors:    p.stats.Errors.Load(),
		TaskTime:  p.stats.TaskTime.Load(),
	}
}

// QueueDepth returns current input queue utilization.
func (p *WorkerPool[T]) QueueDepth() int {
	return len(p.inputCh)
}
