package queue

import (
	"swiftbuf/pkg/arena"
	"swiftbuf/pkg/slots"
)

// Stats summarizes queue state.
type Stats struct {
	Size          int // live elements
	Blocks        int // blocks held
	BlockCapacity int // elements per block
	Reserved      int // slots available to PushBack without another Reserve
}

// Option configures a BlockQueue.
type Option[T any] func(*BlockQueue[T])

// WithHooks sets per-slot construction/destruction hooks.
func WithHooks[T any](h slots.Hooks[T]) Option[T] {
	return func(q *BlockQueue[T]) { q.hooks = h }
}

// BlockQueue is a FIFO of T stored in fixed-capacity slot arrays drawn from
// one arena. Capacity is claimed with Reserve; every other operation assumes
// its preconditions and panics when they do not hold. Not goroutine-safe.
type BlockQueue[T any] struct {
	pool     arena.Pool
	hooks    slots.Hooks[T]
	blocks   []*slots.Array[T]
	blockCap int
	front    int // valid-start offset within blocks[0]
	size     int
}

// New creates an empty queue backed by pool.
func New[T any](pool arena.Pool, opts ...Option[T]) *BlockQueue[T] {
	q := &BlockQueue[T]{pool: pool, blockCap: slots.Capacity[T](pool.BlockSize())}
	if q.blockCap == 0 {
		panic("queue: element larger than block")
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Len returns the number of live elements.
func (q *BlockQueue[T]) Len() int { return q.size }

// Empty reports whether the queue holds no elements.
func (q *BlockQueue[T]) Empty() bool { return q.size == 0 }

// BlockCapacity returns the number of elements per block.
func (q *BlockQueue[T]) BlockCapacity() int { return q.blockCap }

// BlockCount returns the number of blocks the queue holds.
func (q *BlockQueue[T]) BlockCount() int { return len(q.blocks) }

// Stats returns a snapshot of queue state.
func (q *BlockQueue[T]) Stats() Stats {
	return Stats{
		Size:          q.size,
		Blocks:        len(q.blocks),
		BlockCapacity: q.blockCap,
		Reserved:      q.reserved(),
	}
}

func (q *BlockQueue[T]) reserved() int {
	return len(q.blocks)*q.blockCap - q.front - q.size
}

// Reserve makes room for n more elements. It either allocates every block
// needed or none: on failure the queue is left exactly as it was and false
// is returned.
func (q *BlockQueue[T]) Reserve(n int) bool {
	if n <= 0 {
		return true
	}
	free := q.pool.TotalCapacityInBlocks() - q.pool.UsedBlockCount()
	if n > q.reserved()+free*q.blockCap {
		return false
	}
	need := (q.front + q.size + n + q.blockCap - 1) / q.blockCap
	extra := need - len(q.blocks)
	if extra <= 0 {
		return true
	}
	fresh := make([]*arena.Block, 0, extra)
	for i := 0; i < extra; i++ {
		b, err := q.pool.Allocate()
		if err != nil {
			for _, got := range fresh {
				q.pool.Release(got)
			}
			return false
		}
		fresh = append(fresh, b)
	}
	for _, b := range fresh {
		q.blocks = append(q.blocks, slots.New(q.pool, b, q.hooks))
	}
	return true
}

// Shrink returns reserved blocks that hold no live element to the arena and
// reports how many were released.
func (q *BlockQueue[T]) Shrink() int {
	keep := (q.front + q.size + q.blockCap - 1) / q.blockCap
	n := len(q.blocks) - keep
	if n <= 0 {
		return 0
	}
	for _, b := range q.blocks[keep:] {
		b.Release()
	}
	clear(q.blocks[keep:])
	q.blocks = q.blocks[:keep]
	return n
}

// PushBack assigns v into the next reserved slot.
func (q *BlockQueue[T]) PushBack(v T) {
	pos := q.front + q.size
	bi := pos / q.blockCap
	if bi >= len(q.blocks) {
		panic("queue: push without reserved capacity")
	}
	*q.blocks[bi].At(pos % q.blockCap) = v
	q.size++
}

// PopFront destroys the front element. A block whose last slot is popped is
// returned to the arena.
func (q *BlockQueue[T]) PopFront() {
	if q.size == 0 {
		panic("queue: pop from empty queue")
	}
	q.blocks[0].DestroyBefore(q.front)
	q.front++
	q.size--
	if q.front == q.blockCap {
		q.blocks[0].Release()
		q.dropFront(1)
		q.front = 0
	}
}

// dropFront removes the first n blocks from the list without releasing them.
func (q *BlockQueue[T]) dropFront(n int) {
	rest := copy(q.blocks, q.blocks[n:])
	clear(q.blocks[rest:])
	q.blocks = q.blocks[:rest]
}

// At returns the i-th element counting from the front.
func (q *BlockQueue[T]) At(i int) *T {
	if i < 0 || i >= q.size {
		panic("queue: index out of range")
	}
	pos := q.front + i
	return q.blocks[pos/q.blockCap].At(pos % q.blockCap)
}

// Front returns the oldest element.
func (q *BlockQueue[T]) Front() *T { return q.At(0) }

// Back returns the newest element.
func (q *BlockQueue[T]) Back() *T { return q.At(q.size - 1) }

// Clear destroys every element and returns all blocks, reserved ones
// included, to the arena.
func (q *BlockQueue[T]) Clear() {
	for _, b := range q.blocks {
		b.Release()
	}
	clear(q.blocks)
	q.blocks = q.blocks[:0]
	q.front = 0
	q.size = 0
}
