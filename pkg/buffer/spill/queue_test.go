package spill

import (
	"errors"
	"os"
	"testing"
)

func records(from, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{Offset: int64(from + i), Timestamp: 1, KeyHash: 9, Payload: []byte("payload")}
	}
	return out
}

func TestAppendReplay(t *testing.T) {
	q, err := NewQueue(Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := q.Append(0, records(0, 3)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := q.Append(1, records(3, 2)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := q.Append(1, nil); err != nil {
		t.Fatalf("Append empty: %v", err)
	}
	if q.Segments() != 2 || q.Bytes() == 0 {
		t.Fatalf("segments=%d bytes=%d", q.Segments(), q.Bytes())
	}

	var got []Batch
	if err := q.Replay(func(b Batch) error { got = append(got, b); return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 || got[0].Partition != 0 || got[1].Partition != 1 {
		t.Fatalf("replayed %+v", got)
	}
	if len(got[0].Records) != 3 || string(got[0].Records[2].Payload) != "payload" || got[1].Records[0].Offset != 3 {
		t.Fatalf("records not preserved: %+v", got)
	}
	if q.Segments() != 0 || q.Bytes() != 0 {
		t.Fatalf("segments=%d bytes=%d after replay", q.Segments(), q.Bytes())
	}
}

func TestReplayStopsOnHandlerError(t *testing.T) {
	dir := t.TempDir()
	q, _ := NewQueue(Config{Directory: dir})
	_ = q.Append(0, records(0, 1))
	_ = q.Append(0, records(1, 1))

	boom := errors.New("boom")
	calls := 0
	err := q.Replay(func(Batch) error { calls++; return boom })
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("Replay err=%v calls=%d", err, calls)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("segment removed despite handler error: %d left", len(entries))
	}
}

func TestAppendSplitsLargeBatches(t *testing.T) {
	q, _ := NewQueue(Config{Directory: t.TempDir(), SegmentSize: 256})
	if err := q.Append(0, records(0, 16)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if q.Segments() < 2 {
		t.Fatalf("expected batch to be split, got %d segments", q.Segments())
	}
	total := 0
	_ = q.Replay(func(b Batch) error { total += len(b.Records); return nil })
	if total != 16 {
		t.Fatalf("replayed %d records, want 16", total)
	}
}

func TestMaxBytesDropsOldest(t *testing.T) {
	q, _ := NewQueue(Config{Directory: t.TempDir(), MaxBytes: 400})
	for i := 0; i < 10; i++ {
		if err := q.Append(0, records(i, 1)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if q.Bytes() > 400 {
		t.Fatalf("bytes %d over limit", q.Bytes())
	}
	var first int64 = -1
	_ = q.Replay(func(b Batch) error {
		if first < 0 {
			first = b.Records[0].Offset
		}
		return nil
	})
	if first <= 0 {
		t.Fatalf("oldest segment not dropped, first offset %d", first)
	}
}

func TestReopenCountsExistingSegments(t *testing.T) {
	dir := t.TempDir()
	q, _ := NewQueue(Config{Directory: dir})
	_ = q.Append(2, records(0, 2))
	size := q.Bytes()

	q2, err := NewQueue(Config{Directory: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if q2.Bytes() != size || q2.Segments() != 1 {
		t.Fatalf("reopened bytes=%d segments=%d, want %d/1", q2.Bytes(), q2.Segments(), size)
	}
}

func TestNewQueueRequiresDirectory(t *testing.T) {
	if _, err := NewQueue(Config{Directory: "  "}); err == nil {
		t.Fatalf("expected error")
	}
}
