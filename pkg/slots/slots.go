// Package slots overlays a typed, fixed-length array of T on one arena block.
//
// All slots are constructed when the array is created. Slots are destroyed
// front to back with DestroyBefore, and Release destroys whatever is left, so
// every constructed slot is destroyed exactly once over the array's lifetime.
package slots

import (
	"unsafe"

	"swiftbuf/pkg/arena"
)

// Hooks customise slot construction and destruction. Both are optional.
// A destroyed slot is always reset to the zero value after Destroy runs.
type Hooks[T any] struct {
	Construct func(*T)
	Destroy   func(*T)
}

// Array is a typed view of one block. Not goroutine-safe.
type Array[T any] struct {
	pool          arena.Pool
	block         *arena.Block
	slots         []T
	hooks         Hooks[T]
	destroyedUpTo int
}

// Capacity returns how many T fit in a block of blockSize bytes.
func Capacity[T any](blockSize int) int {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 {
		size = 1
	}
	return blockSize / size
}

// New overlays block b (allocated from pool) and constructs every slot.
// Ownership of the block's reference passes to the array.
func New[T any](pool arena.Pool, b *arena.Block, hooks Hooks[T]) *Array[T] {
	n := Capacity[T](b.Size())
	if n == 0 {
		panic("slots: element larger than block")
	}
	s, ok := b.Overlay().([]T)
	if !ok || len(s) != n {
		s = make([]T, n)
		b.SetOverlay(s)
	}
	a := &Array[T]{pool: pool, block: b, slots: s, hooks: hooks, destroyedUpTo: -1}
	var zero T
	for i := range s {
		s[i] = zero
		if hooks.Construct != nil {
			hooks.Construct(&s[i])
		}
	}
	return a
}

// Len returns the number of slots.
func (a *Array[T]) Len() int { return len(a.slots) }

// DestroyedUpTo returns the highest destroyed index, or -1 if none.
func (a *Array[T]) DestroyedUpTo() int { return a.destroyedUpTo }

// Block returns the underlying block, or nil once released.
func (a *Array[T]) Block() *arena.Block { return a.block }

// At returns slot i. Only slots after DestroyedUpTo are live.
func (a *Array[T]) At(i int) *T {
	if i <= a.destroyedUpTo || i >= len(a.slots) {
		panic("slots: index out of live range")
	}
	return &a.slots[i]
}

// DestroyBefore destroys every live slot at or before pos. Calls with a pos
// that is not past DestroyedUpTo do nothing.
func (a *Array[T]) DestroyBefore(pos int) {
	if pos <= a.destroyedUpTo {
		return
	}
	if pos >= len(a.slots) {
		panic("slots: destroy past end of block")
	}
	var zero T
	for i := a.destroyedUpTo + 1; i <= pos; i++ {
		if a.hooks.Destroy != nil {
			a.hooks.Destroy(&a.slots[i])
		}
		a.slots[i] = zero
	}
	a.destroyedUpTo = pos
}

// Release destroys any live slots and returns the block to its pool.
func (a *Array[T]) Release() {
	if a.block == nil {
		panic("slots: array released twice")
	}
	a.DestroyBefore(len(a.slots) - 1)
	b := a.block
	a.block = nil
	a.slots = nil
	a.pool.Release(b)
}
