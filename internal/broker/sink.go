package broker

import (
	"context"

	"swiftbuf/internal/metrics"
	"swiftbuf/pkg/buffer/spill"
)

// SpillSink writes flushed records to spill segments on disk.
type SpillSink struct {
	q *spill.Queue
}

// NewSpillSink wraps a spill queue.
func NewSpillSink(q *spill.Queue) *SpillSink { return &SpillSink{q: q} }

func (s *SpillSink) Write(ctx context.Context, partition int, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := make([]spill.Record, len(records))
	for i, r := range records {
		out[i] = spill.Record{
			Offset:    r.Offset,
			Timestamp: r.Timestamp.UnixNano(),
			KeyHash:   r.KeyHash,
			Payload:   r.Payload,
		}
	}
	if err := s.q.Append(partition, out); err != nil {
		return err
	}
	metrics.SpillBytes.Set(float64(s.q.Bytes()))
	return nil
}

// Queue returns the underlying spill queue.
func (s *SpillSink) Queue() *spill.Queue { return s.q }
