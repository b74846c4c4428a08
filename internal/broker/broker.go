package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swiftbuf/internal/metrics"
	"swiftbuf/pkg/arena"
	"swiftbuf/pkg/buffer"
	"swiftbuf/pkg/pipeline"
	"swiftbuf/pkg/slots"
)

// Options configures a Broker. Zero durations and counts take defaults.
type Options struct {
	Partitions int

	// Message slot arena. Without Shared the budget is split evenly across
	// partitions.
	ArenaBytes int
	BlockSize  int
	// Payload byte arena, split the same way.
	PayloadBytes     int
	PayloadBlockSize int
	// Shared draws every partition from one arena pair and requires Concurrent.
	Shared bool
	// Concurrent uses goroutine-safe arenas so flushes consume detached
	// blocks outside the partition lock.
	Concurrent bool

	FlushInterval   time.Duration
	FlushMaxBatch   int
	FlushWorkers    int
	FlushQueueDepth int

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerSuccesses   uint32

	Logger *zap.Logger
}

// Broker owns a fixed set of partitions and flushes them to a Sink.
type Broker struct {
	opts     Options
	nodeID   string
	log      *zap.Logger
	sink     Sink
	parts    []*Partition
	breakers []*pipeline.CircuitBreaker
	pool     *pipeline.WorkerPool[int]
	events   *buffer.Ring[Event]

	// set only when Shared
	msgPool arena.Pool
	payPool arena.Pool

	closed atomic.Bool
}

// Stats is a point-in-time view of the broker.
type Stats struct {
	NodeID       string                  `json:"nodeId"`
	Partitions   []PartitionStats        `json:"partitions"`
	MessageArena arena.Metrics           `json:"messageArena"`
	PayloadArena arena.Metrics           `json:"payloadArena"`
	Flush        pipeline.PoolSnapshot   `json:"flush"`
	Breakers     []pipeline.CircuitStats `json:"breakers"`
}

// MessagesPerBlock returns how many messages fit in a message block.
func MessagesPerBlock(blockSize int) int { return slots.Capacity[Message](blockSize) }

// New builds a broker writing flushed records to sink.
func New(opts Options, sink Sink) (*Broker, error) {
	if opts.Partitions <= 0 {
		return nil, fmt.Errorf("broker: partitions must be positive, got %d", opts.Partitions)
	}
	if opts.Shared && !opts.Concurrent {
		return nil, errors.New("broker: shared arenas require concurrent arenas")
	}
	if sink == nil {
		return nil, errors.New("broker: sink required")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = arena.DefaultBlockSize
	}
	if opts.PayloadBlockSize <= 0 {
		opts.PayloadBlockSize = arena.DefaultBlockSize
	}
	perBlock := MessagesPerBlock(opts.BlockSize)
	if perBlock == 0 {
		return nil, fmt.Errorf("broker: block size %d smaller than a message", opts.BlockSize)
	}
	if opts.FlushMaxBatch <= 0 {
		opts.FlushMaxBatch = 8 * perBlock
	}
	if opts.FlushMaxBatch < perBlock {
		// a full front block would never fit and nothing could be flushed
		return nil, fmt.Errorf("broker: flush max batch %d below block capacity %d", opts.FlushMaxBatch, perBlock)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	msgBytes, payBytes := opts.ArenaBytes, opts.PayloadBytes
	if !opts.Shared {
		msgBytes /= opts.Partitions
		payBytes /= opts.Partitions
	}
	if msgBytes < opts.BlockSize {
		return nil, fmt.Errorf("broker: message arena share %d smaller than one block of %d", msgBytes, opts.BlockSize)
	}
	if payBytes < opts.PayloadBlockSize {
		return nil, fmt.Errorf("broker: payload arena share %d smaller than one block of %d", payBytes, opts.PayloadBlockSize)
	}

	b := &Broker{
		opts:   opts,
		nodeID: uuid.NewString(),
		log:    opts.Logger.Named("broker"),
		sink:   sink,
		events: newEventLog(),
	}
	newPool := func(total, block int) arena.Pool {
		if opts.Concurrent {
			return arena.NewSafe(total, block)
		}
		return arena.New(total, block)
	}
	if opts.Shared {
		b.msgPool = newPool(msgBytes, opts.BlockSize)
		b.payPool = newPool(payBytes, opts.PayloadBlockSize)
	}
	for i := 0; i < opts.Partitions; i++ {
		msgPool, payPool := b.msgPool, b.payPool
		if !opts.Shared {
			msgPool = newPool(msgBytes, opts.BlockSize)
			payPool = newPool(payBytes, opts.PayloadBlockSize)
		}
		b.parts = append(b.parts, NewPartition(i, msgPool, payPool, opts.Concurrent))

		cb := pipeline.NewCircuitBreaker(fmt.Sprintf("partition-%d", i), opts.BreakerMaxFailures, opts.BreakerTimeout, opts.BreakerSuccesses)
		cb.OnStateChange = b.onBreakerChange
		b.breakers = append(b.breakers, cb)
	}
	b.pool = pipeline.NewWorkerPool[int](opts.FlushWorkers, opts.FlushQueueDepth, pipeline.ProcessorFunc[int](b.flushTask))

	b.log.Info("broker initialised",
		zap.String("node_id", b.nodeID),
		zap.Int("partitions", opts.Partitions),
		zap.Int("messages_per_block", perBlock),
		zap.Bool("shared", opts.Shared),
		zap.Bool("concurrent", opts.Concurrent),
	)
	return b, nil
}

// NodeID returns the identifier generated for this broker instance.
func (b *Broker) NodeID() string { return b.nodeID }

// NumPartitions returns the partition count.
func (b *Broker) NumPartitions() int { return len(b.parts) }

// Partition returns partition i.
func (b *Broker) Partition(i int) (*Partition, error) {
	if i < 0 || i >= len(b.parts) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, i)
	}
	return b.parts[i], nil
}

// PartitionFor returns the partition index a key routes to.
func (b *Broker) PartitionFor(key []byte) int {
	return int(HashKey(key) % uint64(len(b.parts)))
}

// Produce routes a message by key hash and appends it to that partition.
func (b *Broker) Produce(key, payload []byte) (partition int, offset int64, err error) {
	if b.closed.Load() {
		return -1, -1, ErrClosed
	}
	h := HashKey(key)
	partition = int(h % uint64(len(b.parts)))
	p := b.parts[partition]
	offset, err = p.produceHashed(h, payload, p.now())
	return partition, offset, err
}

// Run schedules partition flushes every FlushInterval until ctx is cancelled,
// then waits for in-flight flushes and drains every partition once more.
func (b *Broker) Run(ctx context.Context) error {
	// in-flight flushes finish even after ctx is cancelled
	b.pool.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(b.opts.FlushInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				b.schedule()
			}
		}
	})
	g.Go(func() error {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				b.publishArenaMetrics()
			}
		}
	})
	err := g.Wait()
	b.pool.Stop()

	b.log.Info("draining partitions")
	return multierr.Append(err, b.Drain(context.WithoutCancel(ctx)))
}

func (b *Broker) schedule() {
	for i, p := range b.parts {
		if p.Depth() == 0 {
			continue
		}
		if !p.flushing.CompareAndSwap(false, true) {
			continue
		}
		if !b.pool.Submit(i) {
			p.flushing.Store(false)
			b.log.Debug("flush queue full", zap.Int("partition", i))
		}
	}
}

// maxFlushRounds bounds how many batches one flush task writes.
const maxFlushRounds = 16

func (b *Broker) flushTask(ctx context.Context, i int) error {
	p := b.parts[i]
	defer p.flushing.Store(false)

	for round := 0; round < maxFlushRounds; round++ {
		var n int
		err := b.breakers[i].Execute(func() error {
			var err error
			n, err = p.Flush(ctx, b.sink, b.opts.FlushMaxBatch)
			return err
		})
		switch {
		case errors.Is(err, pipeline.ErrOpen):
			return nil
		case err != nil:
			b.log.Warn("flush failed", zap.Int("partition", i), zap.Error(err))
			b.event("flush_failed", i, err.Error())
			return err
		case n == 0:
			return nil
		}
	}
	return nil
}

// Drain flushes every partition until empty, bypassing the circuit breakers.
func (b *Broker) Drain(ctx context.Context) error {
	var errs error
	for _, p := range b.parts {
		for {
			n, err := p.Flush(ctx, b.sink, b.opts.FlushMaxBatch)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("drain partition %d: %w", p.id, err))
				b.event("drain_failed", p.id, err.Error())
				break
			}
			if n == 0 {
				break
			}
		}
	}
	return errs
}

// FlushPartition runs one flush of partition i through its circuit breaker.
func (b *Broker) FlushPartition(ctx context.Context, i int) (int, error) {
	p, err := b.Partition(i)
	if err != nil {
		return 0, err
	}
	var n int
	err = b.breakers[i].Execute(func() error {
		var err error
		n, err = p.Flush(ctx, b.sink, b.opts.FlushMaxBatch)
		return err
	})
	return n, err
}

func (b *Broker) onBreakerChange(name string, from, to pipeline.CircuitState) {
	b.log.Warn("flush breaker state change",
		zap.String("breaker", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	for i, cb := range b.breakers {
		if cb.Name() == name {
			metrics.RecordBreakerState(i, int(to))
			b.event("breaker_"+to.String(), i, from.String()+" -> "+to.String())
		}
	}
}

// ArenaMetrics returns message and payload arena usage across all partitions.
func (b *Broker) ArenaMetrics() (msg, pay arena.Metrics) {
	if b.opts.Shared {
		return arena.Snapshot(b.msgPool), arena.Snapshot(b.payPool)
	}
	for _, p := range b.parts {
		m, py := p.arenaMetrics()
		msg = addMetrics(msg, m)
		pay = addMetrics(pay, py)
	}
	return msg, pay
}

func addMetrics(a, b arena.Metrics) arena.Metrics {
	out := arena.Metrics{
		BlockSize:   b.BlockSize,
		TotalBlocks: a.TotalBlocks + b.TotalBlocks,
		UsedBlocks:  a.UsedBlocks + b.UsedBlocks,
		FreeBlocks:  a.FreeBlocks + b.FreeBlocks,
		Allocations: a.Allocations + b.Allocations,
		Releases:    a.Releases + b.Releases,
		Failures:    a.Failures + b.Failures,
	}
	if out.TotalBlocks > 0 {
		out.Utilization = float64(out.UsedBlocks) / float64(out.TotalBlocks)
	}
	return out
}

func (b *Broker) publishArenaMetrics() {
	msg, pay := b.ArenaMetrics()
	metrics.RecordArena("message", msg)
	metrics.RecordArena("payload", pay)
}

// Stats returns a snapshot of every partition, the arenas and the flush pool.
func (b *Broker) Stats() Stats {
	s := Stats{
		NodeID: b.nodeID,
		Flush:  b.pool.Snapshot(),
	}
	for _, p := range b.parts {
		s.Partitions = append(s.Partitions, p.Stats())
	}
	for _, cb := range b.breakers {
		s.Breakers = append(s.Breakers, cb.Stats())
	}
	s.MessageArena, s.PayloadArena = b.ArenaMetrics()
	return s
}

// Close waits for in-flight flushes to return their blocks, drops all
// buffered messages, checks that every block went back to its arena and
// closes the sink if it is an io.Closer. Call Drain first to keep buffered
// data. Produce on any partition returns ErrClosed afterwards.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	for _, p := range b.parts {
		p.close()
	}
	msg, pay := b.ArenaMetrics()
	if msg.UsedBlocks != 0 {
		errs = multierr.Append(errs, fmt.Errorf("broker: %d message blocks still in use after close", msg.UsedBlocks))
	}
	if pay.UsedBlocks != 0 {
		errs = multierr.Append(errs, fmt.Errorf("broker: %d payload blocks still in use after close", pay.UsedBlocks))
	}
	if c, ok := b.sink.(io.Closer); ok {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}
