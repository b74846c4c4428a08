package broker

import (
	"time"

	"swiftbuf/pkg/buffer"
)

const eventLogSize = 256

// Event is a notable broker occurrence kept in a bounded in-memory log.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Partition int       `json:"partition"`
	Detail    string    `json:"detail,omitempty"`
}

func newEventLog() *buffer.Ring[Event] { return buffer.NewRing[Event](eventLogSize) }

func (b *Broker) event(kind string, partition int, detail string) {
	b.events.Add(Event{Time: time.Now().UTC(), Kind: kind, Partition: partition, Detail: detail})
}

// Events returns up to the n most recent events, oldest first.
func (b *Broker) Events(n int) []Event { return b.events.Tail(n) }
