package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestWorkerPoolProcessesTasks(t *testing.T) {
	var sum atomic.Int64
	p := NewWorkerPool[int](3, 16, ProcessorFunc[int](func(_ context.Context, v int) error {
		if v < 0 {
			return errors.New("negative")
		}
		sum.Add(int64(v))
		return nil
	}))
	p.Start(context.Background())

	for i := 1; i <= 10; i++ {
		if !p.Submit(i) {
			t.Fatalf("Submit(%d) rejected", i)
		}
	}
	p.Submit(-1)
	p.Stop()

	if sum.Load() != 55 {
		t.Fatalf("sum = %d, want 55", sum.Load())
	}
	s := p.Snapshot()
	if s.Processed != 10 || s.Errors != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestWorkerPoolSubmitBackpressure(t *testing.T) {
	block := make(chan struct{})
	p := NewWorkerPool[int](1, 1, ProcessorFunc[int](func(context.Context, int) error {
		<-block
		return nil
	}))
	// not started: the queue fills after one task
	if !p.Submit(1) {
		t.Fatalf("first Submit rejected")
	}
	if p.Submit(2) {
		t.Fatalf("Submit on full queue accepted")
	}
	if p.Snapshot().Dropped != 1 || p.QueueDepth() != 1 {
		t.Fatalf("snapshot = %+v depth=%d", p.Snapshot(), p.QueueDepth())
	}
	p.Start(context.Background())
	close(block)
	p.Stop()
	if p.Snapshot().Processed != 1 {
		t.Fatalf("queued task not processed")
	}
}

func TestWorkerPoolStopIsIdempotent(t *testing.T) {
	p := NewWorkerPool[int](0, 0, ProcessorFunc[int](func(context.Context, int) error { return nil }))
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
