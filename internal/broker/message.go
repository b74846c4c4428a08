// Package broker buffers produced messages in per-partition block queues and
// flushes whole blocks of them to a Sink.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"

	"swiftbuf/pkg/arena"
)

var (
	// ErrBufferFull is returned when the partition's arenas cannot hold the
	// message. Callers should back off and retry.
	ErrBufferFull = errors.New("broker: partition buffer full")
	// ErrPayloadTooLarge is returned for payloads larger than one payload block.
	ErrPayloadTooLarge = errors.New("broker: payload larger than payload block")
	// ErrUnknownPartition is returned for partition indices outside the broker.
	ErrUnknownPartition = errors.New("broker: unknown partition")
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker: closed")
)

// Message is the fixed-layout record kept in queue slots. Payload bytes live
// in a payload arena block; each message holds one reference to that block.
type Message struct {
	Offset     int64
	Timestamp  int64 // unix nanos
	KeyHash    uint64
	Payload    *arena.Block
	PayloadOff int32
	PayloadLen int32
}

func (m *Message) payload() []byte {
	if m.Payload == nil {
		return nil
	}
	return m.Payload.Bytes()[m.PayloadOff : m.PayloadOff+m.PayloadLen]
}

// Record is a heap-owned copy of a message handed to sinks and readers.
type Record struct {
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
	KeyHash   uint64    `json:"keyHash"`
	Payload   []byte    `json:"payload"`
}

// Entry is one message submitted to ProduceBatch. A zero Timestamp means now.
type Entry struct {
	Key       []byte
	Payload   []byte
	Timestamp time.Time
}

// Sink receives flushed records. Write owns records once called.
type Sink interface {
	Write(ctx context.Context, partition int, records []Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, partition int, records []Record) error

func (f SinkFunc) Write(ctx context.Context, partition int, records []Record) error {
	return f(ctx, partition, records)
}

// HashKey is the key hash used for routing and stored with each message.
func HashKey(key []byte) uint64 { return xxhash.Sum64(key) }
