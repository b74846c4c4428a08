package arena

import "sync"

// SafeArena is a mutex-protected wrapper around Arena for arenas shared by
// queues owned by different goroutines.
type SafeArena struct {
	mu sync.Mutex
	a  *Arena
}

// NewSafe creates a goroutine-safe arena. Arguments are as for New.
func NewSafe(totalCapacityBytes, blockSizeBytes int) *SafeArena {
	s := &SafeArena{a: New(totalCapacityBytes, blockSizeBytes)}
	// blocks must report the wrapper as their owner so Release checks still hold
	for i := range s.a.blocks {
		s.a.blocks[i].owner = s
	}
	return s
}

// Allocate thread-safely returns a free block or ErrExhausted.
func (s *SafeArena) Allocate() (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Allocate()
}

// Release thread-safely drops one reference to b.
func (s *SafeArena) Release(b *Block) {
	if b == nil {
		panic("arena: release of nil block")
	}
	if b.owner != any(s) {
		panic("arena: block released to foreign arena")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch refs := b.refs.Add(-1); {
	case refs > 0:
		return
	case refs < 0:
		panic("arena: block released twice")
	}
	s.a.free = append(s.a.free, b.index)
	s.a.used--
	s.a.releases++
}

// BlockSize returns the size of every block in bytes.
func (s *SafeArena) BlockSize() int { return s.a.blockSize }

// TotalCapacityInBlocks returns how many blocks the arena can hand out at once.
func (s *SafeArena) TotalCapacityInBlocks() int { return len(s.a.blocks) }

// UsedBlockCount thread-safely returns the number of blocks handed out.
func (s *SafeArena) UsedBlockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.used
}

// Metrics thread-safely returns a snapshot of arena statistics.
func (s *SafeArena) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Metrics()
}
