// Package synthetic produces generated messages into the broker for load testing.
package synthetic

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swiftbuf/internal/broker"
)

// Producer accepts generated messages. *broker.Broker implements it.
type Producer interface {
	Produce(key, payload []byte) (partition int, offset int64, err error)
}

// Options control one generator run. Zero values take defaults.
type Options struct {
	Rate     int           `json:"rate"` // messages per second across all workers
	Size     int           `json:"size"` // minimum payload bytes
	Workers  int           `json:"workers"`
	Keys     int           `json:"keys"`     // distinct routing keys
	Template string        `json:"template"` // ${seq} is replaced with the sequence number
	Compress bool          `json:"compress"` // gzip then base64 the rendered payload
	MaxRetry time.Duration `json:"maxRetry"` // give up on a full buffer after this long
}

func (o *Options) defaults() {
	if o.Rate <= 0 {
		o.Rate = 1000
	}
	if o.Size < 0 {
		o.Size = 0
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Keys <= 0 {
		o.Keys = 64
	}
	if o.Template == "" {
		o.Template = "synthetic event ${seq}"
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 2 * time.Second
	}
}

// Generator produces synthetic messages at a target rate. Messages refused
// with broker.ErrBufferFull are retried with exponential backoff.
type Generator struct {
	producer Producer
	log      *zap.Logger

	mu      sync.Mutex
	opts    Options
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	produced atomic.Uint64
	dropped  atomic.Uint64
	retries  atomic.Uint64
}

// Status is a snapshot of the generator.
type Status struct {
	Running  bool    `json:"running"`
	Options  Options `json:"options"`
	Produced uint64  `json:"produced"`
	Dropped  uint64  `json:"dropped"`
	Retries  uint64  `json:"retries"`
}

func New(p Producer, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{producer: p, log: log.Named("synthetic")}
}

// Start launches the workers, stopping a previous run first. Workers exit
// when ctx is cancelled or Stop is called.
func (g *Generator) Start(ctx context.Context, opts Options) {
	g.Stop()
	opts.defaults()

	g.mu.Lock()
	defer g.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	g.opts = opts
	g.cancel = cancel
	g.produced.Store(0)
	g.dropped.Store(0)
	g.retries.Store(0)
	g.running.Store(true)

	limiter := rate.NewLimiter(rate.Limit(opts.Rate), max(1, opts.Rate/10))
	for w := 0; w < opts.Workers; w++ {
		g.wg.Add(1)
		go g.worker(ctx, w, limiter, opts)
	}
	g.log.Info("generator started",
		zap.Int("rate", opts.Rate),
		zap.Int("workers", opts.Workers),
		zap.Int("size", opts.Size),
	)
}

func (g *Generator) worker(ctx context.Context, wid int, limiter *rate.Limiter, opts Options) {
	defer g.wg.Done()
	seqBase := uint64(wid) << 32
	for i := uint64(0); ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		seq := seqBase + i
		begin := time.Now()
		payload := render(opts.Template, opts.Size, seq)
		if opts.Compress {
			payload = compressAndB64(payload)
		}
		synthGenSeconds.Observe(time.Since(begin).Seconds())

		key := []byte("synthetic-" + strconv.FormatUint(seq%uint64(opts.Keys), 10))
		if err := g.produce(ctx, key, []byte(payload), opts.MaxRetry); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.dropped.Add(1)
			synthMessages.WithLabelValues("dropped").Inc()
			g.log.Debug("synthetic message dropped", zap.Error(err))
			continue
		}
		g.produced.Add(1)
		synthMessages.WithLabelValues("produced").Inc()
		synthBytes.Add(float64(len(payload)))
	}
}

func (g *Generator) produce(ctx context.Context, key, payload []byte, maxRetry time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = maxRetry

	attempt := 0
	op := func() error {
		if attempt > 0 {
			g.retries.Add(1)
		}
		attempt++
		_, _, err := g.producer.Produce(key, payload)
		if err == nil || errors.Is(err, broker.ErrBufferFull) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Stop cancels the workers and waits for them to exit.
func (g *Generator) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	g.wg.Wait()
	g.running.Store(false)
	g.log.Info("generator stopped", zap.Uint64("produced", g.produced.Load()), zap.Uint64("dropped", g.dropped.Load()))
}

// Status returns counters for the current or last run.
func (g *Generator) Status() Status {
	g.mu.Lock()
	opts := g.opts
	g.mu.Unlock()
	return Status{
		Running:  g.running.Load(),
		Options:  opts,
		Produced: g.produced.Load(),
		Dropped:  g.dropped.Load(),
		Retries:  g.retries.Load(),
	}
}

// Produced returns the total produced events since last Start.
func (g *Generator) Produced() uint64 { return g.produced.Load() }

// Dropped returns the total dropped events since last Start.
func (g *Generator) Dropped() uint64 { return g.dropped.Load() }

func render(template string, size int, seq uint64) string {
	t := strings.ReplaceAll(template, "${seq}", strconv.FormatUint(seq, 10))
	if size <= 0 || len(t) >= size {
		return t
	}
	return t + strings.Repeat("x", size-len(t))
}

func compressAndB64(s string) string {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(s))
	_ = zw.Close()
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
