package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"swiftbuf/internal/api"
	"swiftbuf/internal/broker"
	"swiftbuf/internal/config"
	"swiftbuf/internal/diagnostics"
	"swiftbuf/internal/diagnostics/selfcheck"
	"swiftbuf/internal/inputs/synthetic"
	"swiftbuf/internal/metrics"
	"swiftbuf/internal/platform/logger"
	"swiftbuf/internal/secrets"
	"swiftbuf/internal/secrets/vault"
	"swiftbuf/internal/telemetry"
	"swiftbuf/internal/version"
	"swiftbuf/pkg/buffer/spill"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	printConfig := flag.String("print-config", "", "Print the effective config (yaml|json) and exit")
	showDiag := flag.String("diagnostics", "", "Print diagnostics (text|json) and exit")
	exportSpill := flag.Bool("export-spill", false, "Write spilled records to stdout as JSON lines, deleting each segment, and exit")
	hostFlag := flag.String("host", "", "Server host to bind (overrides config)")
	portFlag := flag.Int("port", 0, "Server port to bind (overrides config, default 9480)")
	tlsCert := flag.String("tls-cert", "", "Path to TLS certificate (PEM)")
	tlsKey := flag.String("tls-key", "", "Path to TLS private key (PEM)")
	tlsMin := flag.String("tls-min", "", "Minimum TLS version (1.2 or 1.3)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	cfg := config.Load()
	if *hostFlag != "" {
		cfg.Server.Host = *hostFlag
	}
	if *portFlag > 0 {
		cfg.Server.Port = *portFlag
	}
	if *tlsCert != "" {
		cfg.Server.TLS.CertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.Server.TLS.KeyFile = *tlsKey
	}
	if *tlsMin != "" {
		cfg.Server.TLS.MinVersion = *tlsMin
	}

	if *printConfig != "" {
		out, err := cfg.MarshalEffective(*printConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "print config: %v\n", err)
			os.Exit(2)
		}
		os.Stdout.Write(out)
		return
	}
	if *showDiag != "" {
		if err := diagnostics.Print(diagnostics.Collect(cfg, true), *showDiag); err != nil {
			fmt.Fprintf(os.Stderr, "diagnostics: %v\n", err)
			os.Exit(2)
		}
		return
	}

	if err := hydrateSecrets(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "secrets: %v\n", err)
		os.Exit(2)
	}

	// Validate config early (separate errors and warnings)
	if errs, warns := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %s\n", e)
		}
		os.Exit(2)
	} else if len(warns) > 0 {
		for _, w := range warns {
			fmt.Fprintf(os.Stderr, "config warning: %s\n", w)
		}
	}

	if *exportSpill {
		if err := runExportSpill(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "export spill: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer func() { _ = logger.Sync() }()
	log := logger.Zap()
	log.Info("starting swiftbuf",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("date", version.Date),
	)

	metrics.Init()
	metrics.SetBuildInfo(version.Version, version.Commit, version.Date)
	if err := synthetic.Register(metrics.Registry()); err != nil {
		log.Warn("synthetic metrics registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkCtx, cancelCheck := context.WithTimeout(ctx, 5*time.Second)
	if err := selfcheck.Run(checkCtx, cfg); err != nil {
		log.Warn("self-check reported a problem", zap.Error(err))
	}
	cancelCheck()

	sink, err := newSink(cfg, log)
	if err != nil {
		log.Fatal("spill queue init failed", zap.Error(err))
	}
	b, err := broker.New(brokerOptions(cfg, log), sink)
	if err != nil {
		log.Fatal("broker init failed", zap.Error(err))
	}

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, b.NodeID())
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()

	gen := synthetic.New(b, log)
	if cfg.Synthetic.Enabled {
		gen.Start(ctx, synthetic.Options{
			Rate:    cfg.Synthetic.Rate,
			Size:    cfg.Synthetic.Size,
			Workers: cfg.Synthetic.Workers,
			Keys:    cfg.Synthetic.Keys,
		})
	}

	srv := api.NewServer(cfg, b, gen)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	srv.SetReadiness(func() bool { return false })
	gen.Stop()

	sdCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.ShutdownWithContext(sdCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	select {
	case err := <-runDone:
		if err != nil {
			log.Error("final drain incomplete", zap.Error(err))
		}
	case <-sdCtx.Done():
		log.Error("timed out waiting for final drain")
	}
	if err := b.Close(); err != nil {
		log.Error("broker close", zap.Error(err))
	}
	if err := shutdownTracing(sdCtx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// hydrateSecrets replaces vault:// references in cfg when Vault is enabled.
func hydrateSecrets(cfg *config.Config) error {
	vc, err := vault.NewClient(cfg.Secrets.Vault)
	if err != nil || vc == nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := vc.HealthCheck(ctx); err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	n, err := secrets.Hydrate(ctx, cfg, vc)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "resolved %d secret reference(s) from vault\n", n)
	return nil
}

func brokerOptions(cfg *config.Config, log *zap.Logger) broker.Options {
	bc := cfg.Broker
	return broker.Options{
		Partitions:         bc.Partitions,
		ArenaBytes:         bc.Arena.TotalBytes,
		BlockSize:          bc.Arena.BlockSize,
		PayloadBytes:       bc.Payload.TotalBytes,
		PayloadBlockSize:   bc.Payload.BlockSize,
		Shared:             bc.Arena.Shared,
		Concurrent:         bc.Arena.Concurrent,
		FlushInterval:      bc.Flush.Interval,
		FlushMaxBatch:      bc.Flush.MaxBatch,
		FlushWorkers:       bc.Flush.Workers,
		FlushQueueDepth:    bc.Flush.QueueDepth,
		BreakerMaxFailures: uint32(bc.Breaker.MaxFailures),
		BreakerTimeout:     bc.Breaker.Timeout,
		BreakerSuccesses:   uint32(bc.Breaker.Successes),
		Logger:             log,
	}
}

// newSink spills flushed records to disk, or discards them when no spill
// directory is configured.
func newSink(cfg *config.Config, log *zap.Logger) (broker.Sink, error) {
	sc := cfg.Broker.Spill
	if sc.Directory == "" {
		log.Warn("no spill directory configured, flushed records are discarded")
		return broker.SinkFunc(func(context.Context, int, []broker.Record) error { return nil }), nil
	}
	q, err := spill.NewQueue(spill.Config{Directory: sc.Directory, MaxBytes: sc.MaxBytes, SegmentSize: sc.SegmentSize})
	if err != nil {
		return nil, err
	}
	log.Info("spilling flushed records", zap.String("dir", sc.Directory), zap.Int("segments", q.Segments()))
	return broker.NewSpillSink(q), nil
}

type exportedRecord struct {
	Partition int `json:"partition"`
	spill.Record
}

func runExportSpill(cfg *config.Config) error {
	sc := cfg.Broker.Spill
	q, err := spill.NewQueue(spill.Config{Directory: sc.Directory, MaxBytes: sc.MaxBytes, SegmentSize: sc.SegmentSize})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	return q.Replay(func(batch spill.Batch) error {
		for _, r := range batch.Records {
			if err := enc.Encode(exportedRecord{Partition: batch.Partition, Record: r}); err != nil {
				return err
			}
		}
		return nil
	})
}
