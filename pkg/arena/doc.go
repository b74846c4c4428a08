// Package arena implements a fixed-capacity block allocator for Go.
//
// # Overview
//
// An Arena owns a byte budget split into equally-sized blocks. Blocks are
// handed out by Allocate and returned by Release; the arena never grows, so
// the number of blocks in use is a hard memory ceiling shared by every
// consumer of the arena.
//
// # Basic Usage
//
//	a := arena.New(64<<20, 64<<10) // 64 MiB budget, 64 KiB blocks
//
//	b, err := a.Allocate()
//	if errors.Is(err, arena.ErrExhausted) {
//		// apply backpressure
//	}
//	copy(b.Bytes(), payload)
//	a.Release(b)
//
// # Reference Counting
//
// Allocate returns a block holding one reference. Retain adds a reference
// and every reference is dropped with Release; the block returns to the free
// list when the count reaches zero. Releasing more often than the block was
// retained panics.
//
// # Thread Safety
//
// Arena is not goroutine-safe. When one arena is shared by queues driven
// from different goroutines, use SafeArena:
//
//	shared := arena.NewSafe(64<<20, 64<<10)
//
// Both implement Pool, which is what the slots and queue packages consume.
//
// # Failure Semantics
//
// Running out of blocks is a normal outcome reported as ErrExhausted.
// Allocate never blocks waiting for a release.
package arena
