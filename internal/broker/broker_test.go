package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"swiftbuf/pkg/buffer/spill"
	"swiftbuf/pkg/pipeline"
)

func testOptions() Options {
	return Options{
		Partitions:       4,
		ArenaBytes:       4 * 10 * testBlock,
		BlockSize:        testBlock,
		PayloadBytes:     4 * 8 * 512,
		PayloadBlockSize: 512,
		FlushInterval:    10 * time.Millisecond,
		FlushMaxBatch:    20,
		FlushWorkers:     2,
		FlushQueueDepth:  8,
	}
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"no partitions", func(o *Options) { o.Partitions = 0 }, "partitions must be positive"},
		{"shared without concurrent", func(o *Options) { o.Shared = true }, "require concurrent"},
		{"batch below block", func(o *Options) { o.FlushMaxBatch = 4 }, "below block capacity"},
		{"arena too small", func(o *Options) { o.ArenaBytes = testBlock }, "smaller than one block"},
		{"payload too small", func(o *Options) { o.PayloadBytes = 100 }, "payload arena share"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(&opts)
			_, err := New(opts, newMemSink())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("New error = %v, want %q", err, tt.want)
			}
		})
	}
	if _, err := New(testOptions(), nil); err == nil {
		t.Fatalf("New accepted nil sink")
	}
}

func TestProduceRoutesByKey(t *testing.T) {
	b, err := New(testOptions(), newMemSink())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("user-%d", i))
		part, _, err := b.Produce(key, []byte("v"))
		if err != nil {
			t.Fatalf("Produce: %v", err)
		}
		if part != b.PartitionFor(key) {
			t.Fatalf("key %s routed to %d, PartitionFor says %d", key, part, b.PartitionFor(key))
		}
		again, _, _ := b.Produce(key, []byte("v"))
		if again != part {
			t.Fatalf("key %s routed to %d then %d", key, part, again)
		}
	}
	if _, err := b.Partition(4); !errors.Is(err, ErrUnknownPartition) {
		t.Fatalf("Partition(4) = %v, want ErrUnknownPartition", err)
	}
}

func TestRunFlushesAndDrains(t *testing.T) {
	for _, shared := range []bool{false, true} {
		t.Run(fmt.Sprintf("shared=%v", shared), func(t *testing.T) {
			opts := testOptions()
			opts.Shared = shared
			opts.Concurrent = shared
			sink := newMemSink()
			b, err := New(opts, sink)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- b.Run(ctx) }()

			const total = 120
			for i := 0; i < total; i++ {
				key := []byte(fmt.Sprintf("k%d", i%7))
				for {
					_, _, err := b.Produce(key, []byte(fmt.Sprintf("v%d", i)))
					if err == nil {
						break
					}
					if !errors.Is(err, ErrBufferFull) {
						t.Fatalf("Produce: %v", err)
					}
					time.Sleep(time.Millisecond)
				}
			}
			time.Sleep(30 * time.Millisecond)
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Run: %v", err)
			}

			if sink.total() != total {
				t.Fatalf("sink got %d records, want %d", sink.total(), total)
			}
			for i := 0; i < b.NumPartitions(); i++ {
				for j, r := range sink.records(i) {
					if r.Offset != int64(j) || r.Partition != i {
						t.Fatalf("partition %d record %d = %+v", i, j, r)
					}
				}
			}
			if err := b.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
		})
	}
}

func TestFlushBreakerOpensOnSinkFailure(t *testing.T) {
	opts := testOptions()
	opts.Partitions = 1
	opts.BreakerMaxFailures = 2
	opts.BreakerTimeout = time.Hour
	sink := newMemSink()
	sink.fail = errors.New("downstream unavailable")
	b, err := New(opts, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	p, _ := b.Partition(0)
	for round := 0; round < 2; round++ {
		if _, err := p.Produce(nil, []byte("x")); err != nil {
			t.Fatalf("Produce: %v", err)
		}
		if _, err := b.FlushPartition(context.Background(), 0); !errors.Is(err, sink.fail) {
			t.Fatalf("FlushPartition = %v, want sink error", err)
		}
	}

	if _, err := p.Produce(nil, []byte("kept")); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if _, err := b.FlushPartition(context.Background(), 0); !errors.Is(err, pipeline.ErrOpen) {
		t.Fatalf("FlushPartition = %v, want ErrOpen", err)
	}
	// an open breaker leaves data buffered
	if p.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", p.Depth())
	}
	st := b.Stats()
	if st.Breakers[0].State != "open" {
		t.Fatalf("breaker stats = %+v", st.Breakers[0])
	}
	evs := b.Events(10)
	if len(evs) != 1 || evs[0].Kind != "breaker_open" || evs[0].Partition != 0 {
		t.Fatalf("events = %+v", evs)
	}
}

func TestCloseIsIdempotentAndRejectsProduce(t *testing.T) {
	b, err := New(testOptions(), newMemSink())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := b.Produce([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, _, err := b.Produce([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Produce after close = %v, want ErrClosed", err)
	}
	msg, pay := b.ArenaMetrics()
	if msg.UsedBlocks != 0 || pay.UsedBlocks != 0 {
		t.Fatalf("blocks in use after close: msg=%d pay=%d", msg.UsedBlocks, pay.UsedBlocks)
	}
}

func TestCloseWaitsForDetachedBlocks(t *testing.T) {
	opts := testOptions()
	opts.Concurrent = true
	b, err := New(opts, newMemSink())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := b.parts[0]
	for i := 0; i < 7; i++ {
		if _, err := p.Produce(nil, []byte("v")); err != nil {
			t.Fatalf("Produce: %v", err)
		}
	}

	// hold blocks the way an in-flight flush does between steal and release
	stolen, _ := p.detach(opts.FlushMaxBatch)
	if stolen.Count != 7 {
		t.Fatalf("detached %d messages, want 7", stolen.Count)
	}
	done := make(chan error, 1)
	go func() { done <- b.Close() }()
	select {
	case err := <-done:
		t.Fatalf("Close returned while blocks were detached: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.release(&stolen)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not return after blocks came back")
	}
}

func TestStats(t *testing.T) {
	opts := testOptions()
	b, err := New(opts, newMemSink())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	p, _ := b.Partition(2)
	for i := 0; i < 6; i++ {
		if _, err := p.Produce(nil, []byte("x")); err != nil {
			t.Fatalf("Produce: %v", err)
		}
	}
	st := b.Stats()
	if st.NodeID == "" || len(st.Partitions) != 4 || len(st.Breakers) != 4 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Partitions[2].Depth != 6 || st.Partitions[2].Blocks != 2 {
		t.Fatalf("partition 2 stats = %+v", st.Partitions[2])
	}
	if st.MessageArena.TotalBlocks != 40 || st.MessageArena.UsedBlocks != 2 {
		t.Fatalf("message arena = %+v", st.MessageArena)
	}
	if st.PayloadArena.UsedBlocks != 1 {
		t.Fatalf("payload arena = %+v", st.PayloadArena)
	}
}

func TestDrainToSpill(t *testing.T) {
	q, err := spill.NewQueue(spill.Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	opts := testOptions()
	opts.Partitions = 2
	b, err := New(opts, NewSpillSink(q))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	for i := 0; i < 13; i++ {
		if _, _, err := b.Produce([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Produce: %v", err)
		}
	}
	if err := b.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if q.Segments() == 0 {
		t.Fatalf("no spill segments written")
	}

	seen := 0
	err = q.Replay(func(batch spill.Batch) error {
		for _, r := range batch.Records {
			if !strings.HasPrefix(string(r.Payload), "value-") {
				return fmt.Errorf("unexpected payload %q", r.Payload)
			}
		}
		seen += len(batch.Records)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if seen != 13 {
		t.Fatalf("replayed %d records, want 13", seen)
	}
}
