package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"swiftbuf/internal/broker"
)

type TLSConfig struct {
	CertFile   string
	KeyFile    string
	MinVersion string // e.g. "1.2", "1.3"
	SelfSigned bool   // generate CertFile/KeyFile when missing
}

type OTLPConfig struct {
	Endpoint    string
	Insecure    bool
	Timeout     time.Duration
	Compression string // "" or gzip
	Headers     map[string]string
	SampleRatio float64
}

type TelemetryConfig struct {
	OTLP OTLPConfig
}

type ArenaConfig struct {
	TotalBytes int
	BlockSize  int
	Shared     bool // one arena pair for all partitions; needs Concurrent
	Concurrent bool // goroutine-safe arenas, flush consumes outside the partition lock
}

type PayloadConfig struct {
	TotalBytes int
	BlockSize  int
}

type FlushConfig struct {
	Interval   time.Duration
	MaxBatch   int // 0 picks eight message blocks
	Workers    int
	QueueDepth int
}

type SpillConfig struct {
	Directory   string
	MaxBytes    int64
	SegmentSize int64
}

type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	Successes   int
}

type BrokerConfig struct {
	Partitions int
	Arena      ArenaConfig
	Payload    PayloadConfig
	Flush      FlushConfig
	Spill      SpillConfig
	Breaker    BreakerConfig
}

// VaultConfig locates the Vault server used to resolve vault:// references
// in string settings.
type VaultConfig struct {
	Enabled        bool
	Address        string
	Token          string
	TokenFile      string
	Namespace      string
	MountPath      string
	KVVersion      int
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	TLSSkipVerify  bool
	TLS            struct {
		CAFile   string
		CertFile string
		KeyFile  string
	}
}

type SecretsConfig struct {
	Vault VaultConfig
}

type SyntheticConfig struct {
	Enabled bool
	Rate    int // messages per second across all workers
	Size    int // payload bytes
	Workers int
	Keys    int // distinct routing keys
}

type Config struct {
	Server struct {
		Host            string
		Port            int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		TLS             TLSConfig
		MaxRequestBytes int
		AuthToken       string // static bearer token for mutating admin routes
		RateLimitPerMin int    // global admin API request budget, 0 disables
	}
	Logging struct {
		Level  string // debug|info|warn|error
		Format string // text|json
	}
	Broker    BrokerConfig
	Telemetry TelemetryConfig
	Secrets   SecretsConfig
	Synthetic SyntheticConfig
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	// Environment variable support. Example: SWIFTBUF_BROKER_PARTITIONS=8
	v.SetEnvPrefix("SWIFTBUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9480)
	v.SetDefault("server.readtimeout", "15s")
	v.SetDefault("server.writetimeout", "15s")
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.tls.self_signed", false)
	v.SetDefault("server.max_request_bytes", 4*1024*1024)
	v.SetDefault("server.auth_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("broker.partitions", 4)
	v.SetDefault("broker.arena.total_bytes", 64*1024*1024)
	v.SetDefault("broker.arena.block_size", 64*1024)
	v.SetDefault("broker.arena.shared", false)
	v.SetDefault("broker.arena.concurrent", true)
	v.SetDefault("broker.payload.total_bytes", 256*1024*1024)
	v.SetDefault("broker.payload.block_size", 64*1024)
	v.SetDefault("broker.flush.interval", "250ms")
	v.SetDefault("broker.flush.max_batch", 0)
	v.SetDefault("broker.flush.workers", 4)
	v.SetDefault("broker.flush.queue_depth", 64)
	v.SetDefault("broker.spill.directory", "./data/spill")
	v.SetDefault("broker.spill.max_bytes", int64(1024*1024*1024))
	v.SetDefault("broker.spill.segment_size", int64(1024*1024))
	v.SetDefault("broker.breaker.max_failures", 5)
	v.SetDefault("broker.breaker.timeout", "10s")
	v.SetDefault("broker.breaker.successes", 2)

	v.SetDefault("telemetry.otlp.endpoint", "")
	v.SetDefault("telemetry.otlp.insecure", false)
	v.SetDefault("telemetry.otlp.timeout", "10s")
	v.SetDefault("telemetry.otlp.compression", "")
	v.SetDefault("telemetry.otlp.headers", map[string]string{})
	v.SetDefault("telemetry.otlp.sample_ratio", 1.0)

	v.SetDefault("secrets.vault.enabled", false)
	v.SetDefault("secrets.vault.mount_path", "secret")
	v.SetDefault("secrets.vault.kv_version", 2)
	v.SetDefault("secrets.vault.cache_ttl", "5m")
	v.SetDefault("secrets.vault.request_timeout", "10s")

	v.SetDefault("synthetic.enabled", false)
	v.SetDefault("synthetic.rate", 1000)
	v.SetDefault("synthetic.size", 256)
	v.SetDefault("synthetic.workers", 2)
	v.SetDefault("synthetic.keys", 64)

	_ = v.ReadInConfig()

	cfg := &Config{}
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9480
	}
	cfg.Server.ReadTimeout = v.GetDuration("server.readtimeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.writetimeout")
	cfg.Server.TLS.CertFile = v.GetString("server.tls.cert_file")
	cfg.Server.TLS.KeyFile = v.GetString("server.tls.key_file")
	cfg.Server.TLS.MinVersion = v.GetString("server.tls.min_version")
	cfg.Server.TLS.SelfSigned = v.GetBool("server.tls.self_signed")
	cfg.Server.MaxRequestBytes = v.GetInt("server.max_request_bytes")
	cfg.Server.AuthToken = v.GetString("server.auth_token")
	cfg.Server.RateLimitPerMin = v.GetInt("server.rate_limit_per_min")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")

	b := &cfg.Broker
	b.Partitions = v.GetInt("broker.partitions")
	b.Arena.TotalBytes = v.GetInt("broker.arena.total_bytes")
	b.Arena.BlockSize = v.GetInt("broker.arena.block_size")
	b.Arena.Shared = v.GetBool("broker.arena.shared")
	b.Arena.Concurrent = v.GetBool("broker.arena.concurrent")
	b.Payload.TotalBytes = v.GetInt("broker.payload.total_bytes")
	b.Payload.BlockSize = v.GetInt("broker.payload.block_size")
	b.Flush.Interval = v.GetDuration("broker.flush.interval")
	b.Flush.MaxBatch = v.GetInt("broker.flush.max_batch")
	b.Flush.Workers = v.GetInt("broker.flush.workers")
	b.Flush.QueueDepth = v.GetInt("broker.flush.queue_depth")
	b.Spill.Directory = v.GetString("broker.spill.directory")
	b.Spill.MaxBytes = v.GetInt64("broker.spill.max_bytes")
	b.Spill.SegmentSize = v.GetInt64("broker.spill.segment_size")
	b.Breaker.MaxFailures = v.GetInt("broker.breaker.max_failures")
	b.Breaker.Timeout = v.GetDuration("broker.breaker.timeout")
	b.Breaker.Successes = v.GetInt("broker.breaker.successes")

	o := &cfg.Telemetry.OTLP
	o.Endpoint = v.GetString("telemetry.otlp.endpoint")
	o.Insecure = v.GetBool("telemetry.otlp.insecure")
	o.Timeout = v.GetDuration("telemetry.otlp.timeout")
	o.Compression = v.GetString("telemetry.otlp.compression")
	o.Headers = v.GetStringMapString("telemetry.otlp.headers")
	o.SampleRatio = v.GetFloat64("telemetry.otlp.sample_ratio")

	vc := &cfg.Secrets.Vault
	vc.Enabled = v.GetBool("secrets.vault.enabled")
	vc.Address = v.GetString("secrets.vault.address")
	vc.Token = v.GetString("secrets.vault.token")
	vc.TokenFile = v.GetString("secrets.vault.token_file")
	vc.Namespace = v.GetString("secrets.vault.namespace")
	vc.MountPath = v.GetString("secrets.vault.mount_path")
	vc.KVVersion = v.GetInt("secrets.vault.kv_version")
	vc.CacheTTL = v.GetDuration("secrets.vault.cache_ttl")
	vc.RequestTimeout = v.GetDuration("secrets.vault.request_timeout")
	vc.TLSSkipVerify = v.GetBool("secrets.vault.tls_skip_verify")
	vc.TLS.CAFile = v.GetString("secrets.vault.tls.ca_file")
	vc.TLS.CertFile = v.GetString("secrets.vault.tls.cert_file")
	vc.TLS.KeyFile = v.GetString("secrets.vault.tls.key_file")

	cfg.Synthetic.Enabled = v.GetBool("synthetic.enabled")
	cfg.Synthetic.Rate = v.GetInt("synthetic.rate")
	cfg.Synthetic.Size = v.GetInt("synthetic.size")
	cfg.Synthetic.Workers = v.GetInt("synthetic.workers")
	cfg.Synthetic.Keys = v.GetInt("synthetic.keys")
	return cfg
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) TLSConfigured() bool {
	return c.Server.TLS.SelfSigned || (c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != "")
}

// Validate performs static validation and returns error and warning messages (empty if valid).
func (c *Config) Validate() (errors []string, warnings []string) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, "server.port must be 1-65535")
	}
	if c.Server.MaxRequestBytes <= 0 || c.Server.MaxRequestBytes > 100*1024*1024 {
		errors = append(errors, "server.max_request_bytes out of range (1 .. 104857600)")
	}
	switch c.Server.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		errors = append(errors, "server.tls.min_version must be 1.2 or 1.3")
	}
	if c.Server.RateLimitPerMin < 0 {
		errors = append(errors, "server.rate_limit_per_min must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, "logging.level must be debug|info|warn|error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errors = append(errors, "logging.format must be text|json")
	}

	b := c.Broker
	if b.Partitions <= 0 {
		errors = append(errors, "broker.partitions must be positive")
	}
	perBlock := broker.MessagesPerBlock(b.Arena.BlockSize)
	if b.Arena.BlockSize <= 0 || perBlock == 0 {
		errors = append(errors, "broker.arena.block_size too small to hold one message")
	}
	if b.Payload.BlockSize <= 0 {
		errors = append(errors, "broker.payload.block_size must be positive")
	}
	if b.Arena.Shared && !b.Arena.Concurrent {
		errors = append(errors, "broker.arena.shared requires broker.arena.concurrent")
	}
	if b.Partitions > 0 && b.Arena.BlockSize > 0 && b.Payload.BlockSize > 0 {
		share, payShare := b.Arena.TotalBytes, b.Payload.TotalBytes
		if !b.Arena.Shared {
			share /= b.Partitions
			payShare /= b.Partitions
		}
		if share < b.Arena.BlockSize {
			errors = append(errors, "broker.arena.total_bytes leaves less than one block per partition")
		}
		if payShare < b.Payload.BlockSize {
			errors = append(errors, "broker.payload.total_bytes leaves less than one block per partition")
		}
	}
	if b.Flush.MaxBatch != 0 && b.Flush.MaxBatch < perBlock {
		errors = append(errors, fmt.Sprintf("broker.flush.max_batch must be 0 or at least %d (messages per block)", perBlock))
	}
	if b.Flush.Interval <= 0 {
		errors = append(errors, "broker.flush.interval must be positive")
	}
	if b.Breaker.MaxFailures < 0 || b.Breaker.Successes < 0 {
		errors = append(errors, "broker.breaker counts must not be negative")
	}
	if r := c.Telemetry.OTLP.SampleRatio; r < 0 || r > 1 {
		errors = append(errors, "telemetry.otlp.sample_ratio must be within 0..1")
	}
	if vc := c.Secrets.Vault; vc.Enabled {
		if vc.Token == "" && vc.TokenFile == "" {
			errors = append(errors, "secrets.vault requires token or token_file when enabled")
		}
		if vc.KVVersion != 1 && vc.KVVersion != 2 {
			errors = append(errors, "secrets.vault.kv_version must be 1 or 2")
		}
	}
	if c.Synthetic.Enabled && (c.Synthetic.Rate <= 0 || c.Synthetic.Workers <= 0) {
		errors = append(errors, "synthetic.rate and synthetic.workers must be positive when enabled")
	}

	// warnings (do not block startup)
	if c.Server.AuthToken == "" {
		warnings = append(warnings, "server.auth_token empty - mutating API routes unprotected")
	}
	if strings.TrimSpace(b.Spill.Directory) == "" {
		warnings = append(warnings, "broker.spill.directory empty - flushed records are discarded")
	}
	if c.Server.TLS.SelfSigned {
		warnings = append(warnings, "server.tls.self_signed enabled - clients must trust a generated certificate")
	}
	if !b.Arena.Concurrent {
		warnings = append(warnings, "broker.arena.concurrent disabled - flushes hold the partition lock while copying")
	}
	return
}
