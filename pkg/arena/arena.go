package arena

import (
	"errors"
	"sync/atomic"
)

// DefaultBlockSize is the block size used when New is given a non-positive size (64 KiB).
const DefaultBlockSize = 1 << 16

// ErrExhausted is returned by Allocate when every block is in use.
var ErrExhausted = errors.New("arena: no free block")

// Pool is the allocation contract shared by Arena and SafeArena.
type Pool interface {
	Allocate() (*Block, error)
	Release(b *Block)
	BlockSize() int
	UsedBlockCount() int
	TotalCapacityInBlocks() int
}

// Block is a handle to one fixed-size block drawn from an arena.
// A freshly allocated block holds one reference.
type Block struct {
	owner   any
	buf     []byte
	overlay any
	index   int
	size    int
	refs    atomic.Int32
}

// Index returns the block's slot in its arena's block table.
func (b *Block) Index() int { return b.index }

// Size returns the block size in bytes.
func (b *Block) Size() int { return b.size }

// Refs returns the current reference count.
func (b *Block) Refs() int32 { return b.refs.Load() }

// Retain adds a reference. Each Retain must be paired with one Release.
func (b *Block) Retain() {
	if b.refs.Add(1) <= 1 {
		panic("arena: retain of released block")
	}
}

// Bytes returns the block's raw byte storage. The storage is created on first
// use and reused for every later lifetime of the same block.
func (b *Block) Bytes() []byte {
	if b.buf == nil {
		b.buf = make([]byte, b.size)
	}
	return b.buf
}

// Overlay returns the typed view cached on this block by a previous owner, if any.
func (b *Block) Overlay() any { return b.overlay }

// SetOverlay caches a typed view of the block so later owners can reuse it.
func (b *Block) SetOverlay(v any) { b.overlay = v }

// Arena hands out equally-sized blocks from a fixed budget. Not goroutine-safe.
// Use SafeArena for concurrent access.
type Arena struct {
	blocks     []Block
	free       []int // stack of free block indices
	blockSize  int
	totalBytes int
	used       int

	allocations uint64
	releases    uint64
	failures    uint64
}

// New creates an arena of totalCapacityBytes split into blocks of blockSizeBytes.
// If blockSizeBytes <= 0, DefaultBlockSize is used. A budget smaller than one
// block yields an arena whose every Allocate fails.
func New(totalCapacityBytes, blockSizeBytes int) *Arena {
	if blockSizeBytes <= 0 {
		blockSizeBytes = DefaultBlockSize
	}
	if totalCapacityBytes < 0 {
		totalCapacityBytes = 0
	}
	n := totalCapacityBytes / blockSizeBytes
	a := &Arena{
		blocks:     make([]Block, n),
		free:       make([]int, n),
		blockSize:  blockSizeBytes,
		totalBytes: totalCapacityBytes,
	}
	for i := range a.blocks {
		a.blocks[i].owner = a
		a.blocks[i].index = i
		a.blocks[i].size = blockSizeBytes
		// lowest index on top so blocks are handed out in order
		a.free[i] = n - 1 - i
	}
	return a
}

// Allocate returns a free block holding one reference, or ErrExhausted.
// It never waits for a block to be released.
func (a *Arena) Allocate() (*Block, error) {
	top := len(a.free) - 1
	if top < 0 {
		a.failures++
		return nil, ErrExhausted
	}
	idx := a.free[top]
	a.free = a.free[:top]
	b := &a.blocks[idx]
	b.refs.Store(1)
	a.used++
	a.allocations++
	return b, nil
}

// Release drops one reference to b. When the last reference drops the block
// returns to the free list.
func (a *Arena) Release(b *Block) {
	if b == nil {
		panic("arena: release of nil block")
	}
	if b.owner != any(a) {
		panic("arena: block released to foreign arena")
	}
	switch refs := b.refs.Add(-1); {
	case refs > 0:
		return
	case refs < 0:
		panic("arena: block released twice")
	}
	a.free = append(a.free, b.index)
	a.used--
	a.releases++
}

// BlockSize returns the size of every block in bytes.
func (a *Arena) BlockSize() int { return a.blockSize }

// UsedBlockCount returns the number of blocks currently handed out.
func (a *Arena) UsedBlockCount() int { return a.used }

// TotalCapacityInBlocks returns how many blocks the arena can hand out at once.
func (a *Arena) TotalCapacityInBlocks() int { return len(a.blocks) }

// TotalCapacityBytes returns the configured byte budget.
func (a *Arena) TotalCapacityBytes() int { return a.totalBytes }
