package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swiftbuf/internal/broker"
	"swiftbuf/internal/config"
	"swiftbuf/internal/inputs/synthetic"
	"swiftbuf/internal/metrics"
	"swiftbuf/internal/platform/logger"
	"swiftbuf/internal/version"
	tlsutil "swiftbuf/pkg/tls"
)

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	broker  *broker.Broker
	gen     *synthetic.Generator
	log     *zap.Logger
	tracer  trace.Tracer
	workers sync.WaitGroup
	ready   func() bool
}

// NewServer builds the admin HTTP server. gen may be nil when the synthetic
// generator is not wired.
func NewServer(cfg *config.Config, b *broker.Broker, gen *synthetic.Generator) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		BodyLimit:             cfg.Server.MaxRequestBytes,
		DisableStartupMessage: true,
	})

	log := logger.Zap().Named("api")
	metrics.Init()

	srv := &Server{
		app:    app,
		cfg:    cfg,
		broker: b,
		gen:    gen,
		log:    log,
		tracer: otel.Tracer("swiftbuf/server"),
		ready:  func() bool { return true },
	}
	limiter := newRateLimiter(cfg.Server.RateLimitPerMin)

	// Panic recovery, auth & logging middleware
	app.Use(func(c *fiber.Ctx) (err error) {
		start := time.Now()
		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()
		rid := c.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
			c.Request().Header.Set("X-Request-Id", rid)
		}
		c.Set("X-Request-Id", rid)
		path := c.Path()
		if limiter != nil && requiresAuth(path) && !limiter.Allow() {
			c.Set("Retry-After", "1")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limited", "requestId": rid})
		}
		if cfg.Server.AuthToken != "" && requiresAuth(path) {
			auth := c.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != cfg.Server.AuthToken {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "requestId": rid})
			}
		}
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic", zap.Any("err", rec), zap.String("requestId", rid))
				err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error", "requestId": rid})
			}
			lat := time.Since(start)
			status := c.Response().StatusCode()
			metrics.RecordHTTPRequest(c.Method(), routeLabel(path), status, lat)
			log.Debug("req",
				zap.String("method", c.Method()),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Duration("latency", lat),
				zap.String("requestId", rid),
			)
		}()
		return c.Next()
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      metrics.Registry(),
	})))

	app.Get("/api/v1/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "nodeId": b.NodeID()})
	})
	app.Get("/api/v1/version", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"version": version.Version, "commit": version.Commit, "date": version.Date})
	})
	app.Get("/ready", func(c *fiber.Ctx) error {
		if !srv.ready() {
			return c.SendStatus(http.StatusServiceUnavailable)
		}
		return c.SendStatus(http.StatusOK)
	})
	app.Get("/live", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		return c.Next()
	})

	muxRouter := mux.NewRouter()
	srv.RegisterRoutes(muxRouter)
	app.Use("/api", adaptor.HTTPHandler(muxRouter))
	return srv
}

// newRateLimiter returns a token bucket refilled at maxPerMin per minute with a
// burst of maxPerMin, or nil when limiting is disabled.
func newRateLimiter(maxPerMin int) *rate.Limiter {
	if maxPerMin <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(maxPerMin)/60.0), maxPerMin)
}

// requiresAuth reports whether path is behind the bearer token.
func requiresAuth(path string) bool {
	switch {
	case strings.HasPrefix(path, "/metrics"),
		strings.HasSuffix(path, "/health"),
		strings.HasSuffix(path, "/version"),
		path == "/ready", path == "/live":
		return false
	}
	return true
}

// routeLabel collapses partition ids so metric label cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if parts[i-1] == "partitions" && parts[i] != "" {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// SetReadiness replaces the readiness probe used by /ready.
func (s *Server) SetReadiness(fn func() bool) { s.ready = fn }

func (s *Server) Start() error {
	addr := s.cfg.HTTPAddr()
	if s.cfg.TLSConfigured() {
		minVersion := uint16(tls.VersionTLS12)
		if s.cfg.Server.TLS.MinVersion == "1.3" {
			minVersion = tls.VersionTLS13
		}
		certFile, keyFile := s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile
		if s.cfg.Server.TLS.SelfSigned {
			var err error
			certFile, keyFile, err = tlsutil.EnsurePairExists(certFile, keyFile, []string{s.cfg.Server.Host, "localhost"}, 0)
			if err != nil {
				return err
			}
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		tlsCfg := &tls.Config{MinVersion: minVersion, Certificates: []tls.Certificate{cert}}
		s.log.Info("starting HTTPS server", zap.String("addr", addr), zap.String("min_tls", s.cfg.Server.TLS.MinVersion))
		ln, err := tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return err
		}
		return s.app.Listener(ln)
	}

	s.log.Info("starting HTTP server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error { return s.ShutdownWithContext(context.Background()) }

func (s *Server) ShutdownWithContext(ctx context.Context) error {
	c, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { s.workers.Wait(); close(done) }()
	select {
	case <-done:
	case <-c.Done():
	}
	return s.app.ShutdownWithContext(c)
}

// RegisterWorker increments the background worker WaitGroup and returns a done func to call when the worker exits.
func (s *Server) RegisterWorker() func() {
	s.workers.Add(1)
	once := sync.Once{}
	return func() { once.Do(func() { s.workers.Done() }) }
}

// structuredError writes a standardized error JSON
func structuredError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	requestId := r.Header.Get("X-Request-Id")
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "code": code, "requestId": requestId})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
