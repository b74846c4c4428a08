package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"swiftbuf/internal/metrics"
	"swiftbuf/pkg/arena"
	"swiftbuf/pkg/queue"
	"swiftbuf/pkg/slots"
)

var tracer trace.Tracer = otel.Tracer("swiftbuf/broker")

// Partition is one ordered message buffer. Produce, Read, Trim and Reset are
// serialised by the partition lock. Flush detaches blocks under the lock and,
// when the arenas are goroutine-safe, consumes them after dropping it.
type Partition struct {
	id int

	mu         sync.Mutex
	q          *queue.BlockQueue[Message]
	msgPool    arena.Pool
	payPool    arena.Pool
	cur        *arena.Block // payload block being filled
	curOff     int
	nextOffset int64
	holdLock   bool
	closed     bool
	// flushes holding stolen blocks outside mu; idle is signalled at zero
	detached int
	idle     *sync.Cond

	produced    atomic.Uint64
	rejected    atomic.Uint64
	flushed     atomic.Uint64
	flushFailed atomic.Uint64
	flushing    atomic.Bool

	now func() time.Time
}

// PartitionStats is a point-in-time view of a partition.
type PartitionStats struct {
	ID            int    `json:"id"`
	FirstOffset   int64  `json:"firstOffset"`
	NextOffset    int64  `json:"nextOffset"`
	Depth         int    `json:"depth"`
	Blocks        int    `json:"blocks"`
	Reserved      int    `json:"reserved"`
	BlockCapacity int    `json:"blockCapacity"`
	Produced      uint64 `json:"produced"`
	Rejected      uint64 `json:"rejected"`
	Flushed       uint64 `json:"flushed"`
	FlushFailed   uint64 `json:"flushFailed"`
}

// NewPartition creates a partition drawing message slots from msgPool and
// payload bytes from payPool. When concurrent is false the pools are assumed
// to be plain arenas and every pool call happens under the partition lock.
func NewPartition(id int, msgPool, payPool arena.Pool, concurrent bool) *Partition {
	p := &Partition{
		id:       id,
		msgPool:  msgPool,
		payPool:  payPool,
		holdLock: !concurrent,
		now:      time.Now,
	}
	p.idle = sync.NewCond(&p.mu)
	p.q = queue.New[Message](msgPool, queue.WithHooks(slots.Hooks[Message]{
		Destroy: func(m *Message) {
			if m.Payload != nil {
				payPool.Release(m.Payload)
			}
		},
	}))
	return p
}

// ID returns the partition index.
func (p *Partition) ID() int { return p.id }

// Produce appends one message and returns its offset.
func (p *Partition) Produce(key, payload []byte) (int64, error) {
	return p.produceHashed(HashKey(key), payload, p.now())
}

func (p *Partition) produceHashed(keyHash uint64, payload []byte, ts time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return -1, ErrClosed
	}
	if len(payload) > p.payPool.BlockSize() {
		p.reject("too_large", 1)
		return -1, ErrPayloadTooLarge
	}
	if !p.q.Reserve(1) {
		p.reject("full", 1)
		return -1, ErrBufferFull
	}
	blk, off, err := p.placePayload(payload)
	if err != nil {
		p.q.Shrink()
		p.reject("full", 1)
		return -1, err
	}
	offset := p.nextOffset
	p.q.PushBack(Message{
		Offset:     offset,
		Timestamp:  ts.UnixNano(),
		KeyHash:    keyHash,
		Payload:    blk,
		PayloadOff: off,
		PayloadLen: int32(len(payload)),
	})
	p.nextOffset++
	p.produced.Add(1)
	metrics.RecordProduce(p.id, 1, p.q.Len())
	return offset, nil
}

// ProduceBatch appends every entry or none of them and returns the offset of
// the first one.
func (p *Partition) ProduceBatch(entries []Entry) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return -1, ErrClosed
	}
	if len(entries) == 0 {
		return p.nextOffset, nil
	}
	for _, e := range entries {
		if len(e.Payload) > p.payPool.BlockSize() {
			p.reject("too_large", len(entries))
			return -1, ErrPayloadTooLarge
		}
	}
	if !p.q.Reserve(len(entries)) {
		p.reject("full", len(entries))
		return -1, ErrBufferFull
	}

	type placed struct {
		blk *arena.Block
		off int32
	}
	staged := make([]placed, 0, len(entries))
	for _, e := range entries {
		blk, off, err := p.placePayload(e.Payload)
		if err != nil {
			for _, s := range staged {
				if s.blk != nil {
					p.payPool.Release(s.blk)
				}
			}
			p.q.Shrink()
			p.reject("full", len(entries))
			return -1, err
		}
		staged = append(staged, placed{blk, off})
	}

	first := p.nextOffset
	now := p.now()
	for i, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now
		}
		p.q.PushBack(Message{
			Offset:     p.nextOffset,
			Timestamp:  ts.UnixNano(),
			KeyHash:    HashKey(e.Key),
			Payload:    staged[i].blk,
			PayloadOff: staged[i].off,
			PayloadLen: int32(len(e.Payload)),
		})
		p.nextOffset++
	}
	p.produced.Add(uint64(len(entries)))
	metrics.RecordProduce(p.id, len(entries), p.q.Len())
	return first, nil
}

// placePayload copies data into the current payload block and returns a new
// reference to it. Caller holds p.mu.
func (p *Partition) placePayload(data []byte) (*arena.Block, int32, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	size := p.payPool.BlockSize()
	if p.cur == nil || p.curOff+len(data) > size {
		switch {
		case p.cur != nil && p.cur.Refs() == 1:
			// no message references the block any more; refill it
			p.curOff = 0
		default:
			b, err := p.payPool.Allocate()
			if err != nil {
				return nil, 0, ErrBufferFull
			}
			if p.cur != nil {
				p.payPool.Release(p.cur)
			}
			p.cur, p.curOff = b, 0
		}
	}
	off := p.curOff
	copy(p.cur.Bytes()[off:], data)
	p.curOff += len(data)
	p.cur.Retain()
	return p.cur, int32(off), nil
}

func (p *Partition) reject(reason string, n int) {
	p.rejected.Add(uint64(n))
	metrics.RecordReject(p.id, reason, n)
}

// Read copies up to limit messages starting at offset from without consuming
// them. Offsets before the oldest buffered message start at the oldest.
func (p *Partition) Read(from int64, limit int) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.q.Len()
	if n == 0 || limit <= 0 {
		return nil
	}
	first := p.nextOffset - int64(n)
	start := 0
	if from > first {
		start = int(from - first)
	}
	if start >= n {
		return nil
	}
	end := min(n, start+limit)
	out := make([]Record, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, p.record(p.q.At(i)))
	}
	return out
}

// Trim drops every buffered message with an offset at or below upTo and
// returns how many were dropped.
func (p *Partition) Trim(upTo int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for !p.q.Empty() && p.q.Front().Offset <= upTo {
		p.q.PopFront()
		n++
	}
	return n
}

// Flush detaches whole blocks holding at most maxCount messages, copies them
// out, returns the blocks to their arenas and writes the records to sink.
// It returns the number of records written. Detached messages are released
// exactly once whether or not the sink accepts them.
func (p *Partition) Flush(ctx context.Context, sink Sink, maxCount int) (int, error) {
	start := time.Now()
	records, blocks, depth := p.steal(maxCount)
	if len(records) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "partition.flush", trace.WithAttributes(
		attribute.Int("partition", p.id),
		attribute.Int("records", len(records)),
		attribute.Int("blocks", blocks),
	))
	defer span.End()

	err := sink.Write(ctx, p.id, records)
	if err != nil {
		p.flushFailed.Add(uint64(len(records)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		p.flushed.Add(uint64(len(records)))
	}
	metrics.RecordFlush(p.id, len(records), blocks, depth, err, time.Since(start))
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (p *Partition) steal(maxCount int) ([]Record, int, int) {
	stolen, depth := p.detach(maxCount)
	defer p.release(&stolen)

	blocks := len(stolen.Blocks)
	if blocks == 0 {
		return nil, 0, depth
	}
	records := make([]Record, 0, stolen.Count)
	for _, m := range stolen.All() {
		records = append(records, p.record(m))
	}
	return records, blocks, depth
}

// detach steals blocks from the front of the queue. With holdLock it returns
// with p.mu still held; otherwise the stolen blocks count as detached until
// release.
func (p *Partition) detach(maxCount int) (queue.Stolen[Message], int) {
	p.mu.Lock()
	stolen := p.q.StealBlock(maxCount)
	depth := p.q.Len()
	if !p.holdLock {
		if len(stolen.Blocks) > 0 {
			p.detached++
		}
		p.mu.Unlock()
	}
	return stolen, depth
}

// release returns blocks taken by detach to their arenas.
func (p *Partition) release(s *queue.Stolen[Message]) {
	if p.holdLock {
		s.Release()
		p.mu.Unlock()
		return
	}
	if len(s.Blocks) == 0 {
		return
	}
	s.Release()
	p.mu.Lock()
	p.detached--
	if p.detached == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

func (p *Partition) record(m *Message) Record {
	r := Record{
		Partition: p.id,
		Offset:    m.Offset,
		Timestamp: time.Unix(0, m.Timestamp).UTC(),
		KeyHash:   m.KeyHash,
	}
	if m.PayloadLen > 0 {
		r.Payload = append([]byte(nil), m.payload()...)
	}
	return r
}

// Reset drops every buffered message and returns all blocks, including the
// payload block being filled. Offsets keep counting from where they were.
func (p *Partition) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.q.Clear()
	if p.cur != nil {
		p.payPool.Release(p.cur)
		p.cur, p.curOff = nil, 0
	}
}

// close waits for detached blocks to come back, drops every buffered message
// and rejects later produces with ErrClosed.
func (p *Partition) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for p.detached > 0 {
		p.idle.Wait()
	}
	p.q.Clear()
	if p.cur != nil {
		p.payPool.Release(p.cur)
		p.cur, p.curOff = nil, 0
	}
}

// Depth returns the number of buffered messages.
func (p *Partition) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Len()
}

// Stats returns a snapshot of the partition.
func (p *Partition) Stats() PartitionStats {
	p.mu.Lock()
	qs := p.q.Stats()
	next := p.nextOffset
	p.mu.Unlock()

	return PartitionStats{
		ID:            p.id,
		FirstOffset:   next - int64(qs.Size),
		NextOffset:    next,
		Depth:         qs.Size,
		Blocks:        qs.Blocks,
		Reserved:      qs.Reserved,
		BlockCapacity: qs.BlockCapacity,
		Produced:      p.produced.Load(),
		Rejected:      p.rejected.Load(),
		Flushed:       p.flushed.Load(),
		FlushFailed:   p.flushFailed.Load(),
	}
}

// arenaMetrics snapshots the partition's private pools under its lock.
func (p *Partition) arenaMetrics() (msg, pay arena.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return arena.Snapshot(p.msgPool), arena.Snapshot(p.payPool)
}
