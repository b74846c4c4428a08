package queue

import (
	"math"
	"math/rand"
	"testing"

	"swiftbuf/pkg/arena"
	"swiftbuf/pkg/slots"
)

// item is 24 bytes so a 72-byte block holds exactly 3.
type item struct {
	id int64
	a  int64
	b  int64
}

const threePerBlock = 72

// lifecycle counts slot construction and destruction.
type lifecycle struct {
	constructed int
	destroyed   int
}

func (l *lifecycle) hooks() slots.Hooks[item] {
	return slots.Hooks[item]{
		Construct: func(*item) { l.constructed++ },
		Destroy:   func(*item) { l.destroyed++ },
	}
}

func newQueue(t *testing.T, blocks int, l *lifecycle) (*arena.Arena, *BlockQueue[item]) {
	t.Helper()
	a := arena.New(blocks*threePerBlock, threePerBlock)
	var opts []Option[item]
	if l != nil {
		opts = append(opts, WithHooks(l.hooks()))
	}
	q := New[item](a, opts...)
	if q.BlockCapacity() != 3 {
		t.Fatalf("block capacity = %d, want 3", q.BlockCapacity())
	}
	return a, q
}

func fill(t *testing.T, q *BlockQueue[item], from, n int) {
	t.Helper()
	if !q.Reserve(n) {
		t.Fatalf("Reserve(%d) failed", n)
	}
	for i := from; i < from+n; i++ {
		q.PushBack(item{id: int64(i)})
	}
}

func TestReserveThenPush(t *testing.T) {
	a, q := newQueue(t, 10, nil)
	for _, n := range []int{1, 2, 3, 7} {
		before := q.Len()
		if !q.Reserve(n) {
			t.Fatalf("Reserve(%d) failed", n)
		}
		used := a.UsedBlockCount()
		for i := 0; i < n; i++ {
			q.PushBack(item{id: int64(before + i)})
		}
		if a.UsedBlockCount() != used {
			t.Fatalf("push allocated blocks: %d -> %d", used, a.UsedBlockCount())
		}
		if q.Len() != before+n {
			t.Fatalf("Len = %d, want %d", q.Len(), before+n)
		}
	}
	if q.BlockCount() != 5 {
		t.Fatalf("BlockCount = %d, want 5", q.BlockCount())
	}
}

func TestReserveFailureLeavesQueueUnchanged(t *testing.T) {
	a, q := newQueue(t, 4, nil)
	fill(t, q, 0, 5) // two blocks, one slot spare

	before := q.Stats()
	blocks := append([]*slots.Array[item](nil), q.blocks...)
	used := a.UsedBlockCount()

	// 5+8 = 13 slots needs 5 blocks, arena has 4
	if q.Reserve(8) {
		t.Fatalf("Reserve(8) succeeded on exhausted arena")
	}
	if q.Stats() != before {
		t.Fatalf("stats changed: %+v -> %+v", before, q.Stats())
	}
	if len(q.blocks) != len(blocks) {
		t.Fatalf("block list length changed")
	}
	for i := range blocks {
		if q.blocks[i] != blocks[i] {
			t.Fatalf("block %d replaced", i)
		}
	}
	if a.UsedBlockCount() != used {
		t.Fatalf("arena used %d -> %d after failed reserve", used, a.UsedBlockCount())
	}
	// still exactly enough room for what fits
	if !q.Reserve(7) {
		t.Fatalf("Reserve(7) should fit in remaining blocks")
	}
}

func TestReserveWithinHeldBlocksAllocatesNothing(t *testing.T) {
	a, q := newQueue(t, 4, nil)
	fill(t, q, 0, 1)
	used := a.UsedBlockCount()
	if !q.Reserve(2) || !q.Reserve(0) || !q.Reserve(-3) {
		t.Fatalf("Reserve within held block failed")
	}
	if a.UsedBlockCount() != used {
		t.Fatalf("unexpected allocation")
	}
}

func TestReserveBeyondArenaCapacity(t *testing.T) {
	a, q := newQueue(t, 4, nil)
	fill(t, q, 0, 2)
	blocks, size, used := q.BlockCount(), q.Len(), a.UsedBlockCount()

	// one spare slot in the held block plus three free blocks of three
	fits := 1 + 3*3
	for _, n := range []int{math.MaxInt, 1 << 62, fits + 1} {
		if q.Reserve(n) {
			t.Fatalf("Reserve(%d) succeeded", n)
		}
		if q.BlockCount() != blocks || q.Len() != size || a.UsedBlockCount() != used {
			t.Fatalf("Reserve(%d) changed state: blocks %d len %d used %d", n, q.BlockCount(), q.Len(), a.UsedBlockCount())
		}
	}
	if !q.Reserve(fits) {
		t.Fatalf("Reserve(%d) should use every free block", fits)
	}
	if a.UsedBlockCount() != 4 {
		t.Fatalf("used = %d, want 4", a.UsedBlockCount())
	}
}

func TestShrinkReleasesUnusedReservation(t *testing.T) {
	a, q := newQueue(t, 6, nil)
	fill(t, q, 0, 4) // two blocks
	if !q.Reserve(8) {
		t.Fatalf("Reserve(8) failed")
	}
	if q.BlockCount() != 4 {
		t.Fatalf("BlockCount = %d, want 4", q.BlockCount())
	}
	if n := q.Shrink(); n != 2 {
		t.Fatalf("Shrink = %d, want 2", n)
	}
	if q.BlockCount() != 2 || a.UsedBlockCount() != 2 || q.Len() != 4 {
		t.Fatalf("after shrink: blocks %d used %d len %d", q.BlockCount(), a.UsedBlockCount(), q.Len())
	}
	if n := q.Shrink(); n != 0 {
		t.Fatalf("second Shrink = %d", n)
	}
	for i := 0; i < 4; i++ {
		if q.At(i).id != int64(i) {
			t.Fatalf("At(%d) = %d", i, q.At(i).id)
		}
	}

	q.Clear()
	if !q.Reserve(3) {
		t.Fatalf("Reserve(3) failed")
	}
	if n := q.Shrink(); n != 1 || a.UsedBlockCount() != 0 {
		t.Fatalf("empty shrink = %d, used %d", n, a.UsedBlockCount())
	}
}

func TestFIFO(t *testing.T) {
	_, q := newQueue(t, 50, nil)
	fill(t, q, 0, 100)
	for want := int64(0); want < 100; want++ {
		if got := q.Front().id; got != want {
			t.Fatalf("Front = %d, want %d", got, want)
		}
		q.PopFront()
	}
	if !q.Empty() {
		t.Fatalf("queue not empty")
	}
}

func TestPopReleasesExhaustedBlocks(t *testing.T) {
	a, q := newQueue(t, 10, nil)
	fill(t, q, 0, 7) // 3 blocks
	if a.UsedBlockCount() != 3 {
		t.Fatalf("used = %d, want 3", a.UsedBlockCount())
	}
	wantUsed := []int{3, 3, 2, 2, 2, 1, 1}
	for i, want := range wantUsed {
		q.PopFront()
		if a.UsedBlockCount() != want {
			t.Fatalf("after pop %d used = %d, want %d", i+1, a.UsedBlockCount(), want)
		}
	}
	// the partially used back block stays for further pushes
	fill(t, q, 7, 2)
	if q.Front().id != 7 || q.Back().id != 8 {
		t.Fatalf("front/back = %d/%d", q.Front().id, q.Back().id)
	}
}

func TestRandomAccess(t *testing.T) {
	_, q := newQueue(t, 20, nil)
	fill(t, q, 0, 20)
	q.PopFront()
	q.PopFront()
	for i := 0; i < q.Len(); i++ {
		if got := q.At(i).id; got != int64(i+2) {
			t.Fatalf("At(%d) = %d, want %d", i, got, i+2)
		}
	}
	if q.Back().id != 19 {
		t.Fatalf("Back = %d, want 19", q.Back().id)
	}
}

func TestIteration(t *testing.T) {
	_, q := newQueue(t, 20, nil)
	fill(t, q, 0, 11)
	q.PopFront()

	it := q.Iter()
	want := int64(1)
	for it.Next() {
		if it.Value().id != want {
			t.Fatalf("iterator = %d, want %d", it.Value().id, want)
		}
		want++
	}
	if want != 11 {
		t.Fatalf("iterator stopped at %d", want)
	}
	if it.Next() || it.Value() != nil {
		t.Fatalf("exhausted iterator advanced")
	}

	// restartable, and early exit from range
	count := 0
	for i, v := range q.All() {
		if v.id != int64(i+1) {
			t.Fatalf("All()[%d] = %d", i, v.id)
		}
		count++
		if count == 4 {
			break
		}
	}
	if count != 4 {
		t.Fatalf("range visited %d", count)
	}
}

func TestIterationEmptyQueue(t *testing.T) {
	_, q := newQueue(t, 2, nil)
	if q.Iter().Next() {
		t.Fatalf("empty queue iterator advanced")
	}
	for range q.All() {
		t.Fatalf("empty queue yielded")
	}
}

func TestClear(t *testing.T) {
	var l lifecycle
	a, q := newQueue(t, 10, &l)
	fill(t, q, 0, 8)
	q.PopFront()
	q.Reserve(10)
	q.Clear()
	if q.Len() != 0 || q.BlockCount() != 0 || a.UsedBlockCount() != 0 {
		t.Fatalf("Clear left len=%d blocks=%d used=%d", q.Len(), q.BlockCount(), a.UsedBlockCount())
	}
	if l.constructed != l.destroyed {
		t.Fatalf("constructed %d destroyed %d", l.constructed, l.destroyed)
	}
	fill(t, q, 0, 4)
	if q.Front().id != 0 {
		t.Fatalf("queue unusable after Clear")
	}
}

func TestPreconditionPanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(q *BlockQueue[item])
	}{
		{"pop empty", func(q *BlockQueue[item]) { q.PopFront() }},
		{"push unreserved", func(q *BlockQueue[item]) { q.PushBack(item{}) }},
		{"push past reservation", func(q *BlockQueue[item]) {
			q.Reserve(3)
			for i := 0; i < 4; i++ {
				q.PushBack(item{})
			}
		}},
		{"front of empty", func(q *BlockQueue[item]) { q.Front() }},
		{"at out of range", func(q *BlockQueue[item]) {
			q.Reserve(1)
			q.PushBack(item{})
			q.At(1)
		}},
		{"negative index", func(q *BlockQueue[item]) { q.At(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, q := newQueue(t, 4, nil)
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("expected panic")
				}
			}()
			tt.fn(q)
		})
	}
}

func TestNewPanicsWhenElementExceedsBlock(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic")
		}
	}()
	New[item](arena.New(64, 16))
}

// TestRandomOpsDestroyExactlyOnce drives arbitrary push/pop/steal sequences
// and checks the queue against a reference slice and the arena accounting.
func TestRandomOpsDestroyExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		var l lifecycle
		a, q := newQueue(t, 12, &l)
		var model []int64
		next := int64(0)

		for step := 0; step < 300; step++ {
			switch op := rng.Intn(10); {
			case op < 5:
				n := 1 + rng.Intn(5)
				if !q.Reserve(n) {
					continue
				}
				for i := 0; i < n; i++ {
					q.PushBack(item{id: next})
					model = append(model, next)
					next++
				}
			case op < 8:
				if q.Empty() {
					continue
				}
				if q.Front().id != model[0] {
					t.Fatalf("round %d: front %d, want %d", round, q.Front().id, model[0])
				}
				q.PopFront()
				model = model[1:]
			default:
				max := rng.Intn(12)
				s := q.StealBlock(max)
				if s.Count > max {
					t.Fatalf("round %d: stole %d > max %d", round, s.Count, max)
				}
				for i, v := range s.All() {
					if v.id != model[i] {
						t.Fatalf("round %d: stolen[%d] = %d, want %d", round, i, v.id, model[i])
					}
				}
				model = model[s.Count:]
				s.Release()
			}
			if q.Len() != len(model) {
				t.Fatalf("round %d: len %d, want %d", round, q.Len(), len(model))
			}
			if a.UsedBlockCount() != q.BlockCount() {
				t.Fatalf("round %d: arena used %d, queue holds %d", round, a.UsedBlockCount(), q.BlockCount())
			}
		}
		q.Clear()
		if a.UsedBlockCount() != 0 {
			t.Fatalf("round %d: leaked %d blocks", round, a.UsedBlockCount())
		}
		if l.constructed != l.destroyed {
			t.Fatalf("round %d: constructed %d destroyed %d", round, l.constructed, l.destroyed)
		}
	}
}
