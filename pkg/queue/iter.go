package queue

import (
	"iter"

	"swiftbuf/pkg/slots"
)

// Iterator walks the queue front to back. It is invalidated by any call that
// mutates the queue.
type Iterator[T any] struct {
	c cursor[T]
}

// Iter returns an iterator positioned before the front element.
func (q *BlockQueue[T]) Iter() *Iterator[T] {
	return &Iterator[T]{c: newCursor(q.blocks, q.front, q.size)}
}

// Next advances to the next element and reports whether one exists.
func (it *Iterator[T]) Next() bool { return it.c.next() }

// Value returns the element at the current position.
func (it *Iterator[T]) Value() *T { return it.c.cur }

// All returns a sequence of (index, element) pairs from the front.
func (q *BlockQueue[T]) All() iter.Seq2[int, *T] {
	return func(yield func(int, *T) bool) {
		c := newCursor(q.blocks, q.front, q.size)
		for i := 0; c.next(); i++ {
			if !yield(i, c.cur) {
				return
			}
		}
	}
}

// cursor walks count elements across a block list starting at offset start
// in the first block.
type cursor[T any] struct {
	blocks []*slots.Array[T]
	cur    *T
	block  int
	off    int
	left   int
}

func newCursor[T any](blocks []*slots.Array[T], start, count int) cursor[T] {
	return cursor[T]{blocks: blocks, off: start, left: count}
}

func (c *cursor[T]) next() bool {
	if c.left == 0 {
		c.cur = nil
		return false
	}
	if c.off == c.blocks[c.block].Len() {
		c.block++
		c.off = 0
	}
	c.cur = c.blocks[c.block].At(c.off)
	c.off++
	c.left--
	return true
}
