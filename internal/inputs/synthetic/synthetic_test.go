package synthetic

import (
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"swiftbuf/internal/broker"
)

type fakeProducer struct {
	mu       sync.Mutex
	fullLeft int // calls to refuse with ErrBufferFull
	err      error
	payloads [][]byte
	keys     map[string]int
}

func (f *fakeProducer) Produce(key, payload []byte) (int, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return -1, -1, f.err
	}
	if f.fullLeft > 0 {
		f.fullLeft--
		return -1, -1, broker.ErrBufferFull
	}
	if f.keys == nil {
		f.keys = map[string]int{}
	}
	f.keys[string(key)]++
	f.payloads = append(f.payloads, payload)
	return 0, int64(len(f.payloads) - 1), nil
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGeneratorRetriesFullBuffer(t *testing.T) {
	p := &fakeProducer{fullLeft: 3}
	g := New(p, nil)
	g.Start(context.Background(), Options{Rate: 2000, Workers: 2, Size: 64, Keys: 4})
	waitFor(t, func() bool { return p.count() >= 20 })
	g.Stop()

	st := g.Status()
	if st.Running {
		t.Fatalf("generator still running after Stop")
	}
	if st.Retries < 3 {
		t.Fatalf("retries = %d, want at least 3", st.Retries)
	}
	if st.Dropped != 0 {
		t.Fatalf("dropped = %d, want 0", st.Dropped)
	}
	if st.Produced != uint64(p.count()) {
		t.Fatalf("produced = %d, producer saw %d", st.Produced, p.count())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) > 4 {
		t.Fatalf("used %d keys, want at most 4", len(p.keys))
	}
	for _, pl := range p.payloads {
		if len(pl) < 64 || !strings.HasPrefix(string(pl), "synthetic event ") {
			t.Fatalf("unexpected payload %q", pl)
		}
	}
}

func TestGeneratorDropsOnPermanentError(t *testing.T) {
	p := &fakeProducer{err: errors.New("closed")}
	g := New(p, nil)
	g.Start(context.Background(), Options{Rate: 1000})
	waitFor(t, func() bool { return g.Dropped() >= 5 })
	g.Stop()

	if st := g.Status(); st.Retries != 0 || st.Produced != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestGeneratorStopsWithContext(t *testing.T) {
	p := &fakeProducer{}
	g := New(p, nil)
	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx, Options{Rate: 500})
	waitFor(t, func() bool { return p.count() > 0 })
	cancel()
	g.Stop()
	n := p.count()
	time.Sleep(20 * time.Millisecond)
	if p.count() != n {
		t.Fatalf("generator kept producing after stop")
	}
}

func TestRender(t *testing.T) {
	if got := render("evt ${seq}", 0, 42); got != "evt 42" {
		t.Fatalf("render = %q", got)
	}
	if got := render("evt ${seq}", 10, 7); got != "evt 7xxxxx" {
		t.Fatalf("render padded = %q", got)
	}
}

func TestCompressAndB64(t *testing.T) {
	enc := compressAndB64("hello hello hello")
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	zr, err := gzip.NewReader(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil || string(out) != "hello hello hello" {
		t.Fatalf("round trip = %q, %v", out, err)
	}
}
