package queue

import (
	"iter"

	"swiftbuf/pkg/slots"
)

// Stolen is a run of whole blocks detached from the front of a queue by
// StealBlock. The holder owns the blocks: it must consume the elements and
// call Release exactly once.
type Stolen[T any] struct {
	Blocks      []*slots.Array[T]
	StartOffset int // first valid slot in Blocks[0]
	Count       int // elements across all Blocks
}

// All returns the detached elements in queue order.
func (s *Stolen[T]) All() iter.Seq2[int, *T] {
	return func(yield func(int, *T) bool) {
		c := newCursor(s.Blocks, s.StartOffset, s.Count)
		for i := 0; c.next(); i++ {
			if !yield(i, c.cur) {
				return
			}
		}
	}
}

// Release destroys the detached elements and returns every block to its
// arena. A second call is a no-op.
func (s *Stolen[T]) Release() {
	left := s.Count
	for i, b := range s.Blocks {
		start := 0
		if i == 0 {
			start = s.StartOffset
		}
		n := min(b.Len()-start, left)
		if n > 0 {
			b.DestroyBefore(start + n - 1)
		}
		left -= n
		b.Release()
	}
	s.Blocks = nil
	s.Count = 0
}

// StealBlock detaches whole blocks from the front of the queue and hands
// them to the caller without destroying anything.
//
// The first block contributes its elements from the front cursor onward and
// every later block contributes its valid elements. Blocks are taken in order
// while the running total stays within maxCount; the walk stops at the first
// block that would push it over. A block is never split, so when the front
// block alone holds more than maxCount elements nothing is detached.
func (q *BlockQueue[T]) StealBlock(maxCount int) Stolen[T] {
	end := q.front + q.size
	total, taken := 0, 0
	for taken < len(q.blocks) {
		start := 0
		if taken == 0 {
			start = q.front
		}
		stop := min(q.blockCap, end-taken*q.blockCap)
		n := stop - start
		if n <= 0 || total+n > maxCount {
			break
		}
		total += n
		taken++
	}
	if taken == 0 {
		return Stolen[T]{}
	}

	out := Stolen[T]{
		Blocks:      make([]*slots.Array[T], taken),
		StartOffset: q.front,
		Count:       total,
	}
	copy(out.Blocks, q.blocks[:taken])
	q.dropFront(taken)
	q.size -= total
	q.front = 0
	return out
}
