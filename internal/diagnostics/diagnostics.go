// Package diagnostics reports build, runtime tuning and arena sizing facts
// for the -diagnostics flag and the admin API.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"swiftbuf/internal/broker"
	"swiftbuf/internal/config"
	"swiftbuf/internal/version"
)

// SystemInfo contains diagnostic information about the process and the
// buffer layout its configuration produces.
type SystemInfo struct {
	Version   VersionInfo   `json:"version"`
	Runtime   RuntimeInfo   `json:"runtime"`
	Config    ConfigSummary `json:"config"`
	Sizing    Sizing        `json:"sizing"`
	Timestamp string        `json:"timestamp"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// RuntimeInfo holds the settings that bound arena memory next to the Go heap.
type RuntimeInfo struct {
	GOMAXPROCS  int    `json:"gomaxprocs"`
	MemoryLimit int64  `json:"memory_limit_bytes"`
	GOGC        string `json:"gogc,omitempty"`
	HeapAlloc   uint64 `json:"heap_alloc_bytes"`
}

type ConfigSummary struct {
	ServerAddr       string `json:"server_addr"`
	TLSEnabled       bool   `json:"tls_enabled"`
	AuthTokenSet     bool   `json:"auth_token_set"`
	Partitions       int    `json:"partitions"`
	ArenaBytes       int    `json:"arena_bytes"`
	ArenaBlockSize   int    `json:"arena_block_size"`
	PayloadBytes     int    `json:"payload_bytes"`
	PayloadBlockSize int    `json:"payload_block_size"`
	SharedArena      bool   `json:"shared_arena"`
	ConcurrentArena  bool   `json:"concurrent_arena"`
	FlushMaxBatch    int    `json:"flush_max_batch"`
	SpillDirectory   string `json:"spill_directory"`
}

// Sizing is the per-partition layout broker.New derives from the config.
// With a shared arena the figures describe the whole arena.
type Sizing struct {
	MessagesPerBlock  int      `json:"messages_per_block"`
	MessageBlocks     int      `json:"message_blocks"`
	MessageCapacity   int      `json:"message_capacity"`
	PayloadBlocks     int      `json:"payload_blocks"`
	MaxPayloadBytes   int      `json:"max_payload_bytes"`
	FlushBatch        int      `json:"flush_batch"`
	BlocksPerFlushMax int      `json:"blocks_per_flush_max"`
	Problems          []string `json:"problems,omitempty"`
}

// Collect gathers diagnostic information. includeRuntime adds live heap
// figures, which the API leaves out to keep responses stable.
func Collect(cfg *config.Config, includeRuntime bool) SystemInfo {
	info := SystemInfo{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version: VersionInfo{
			Version:   version.Version,
			Commit:    version.Commit,
			BuildDate: version.Date,
			GoVersion: runtime.Version(),
		},
		Runtime: RuntimeInfo{
			GOMAXPROCS:  runtime.GOMAXPROCS(0),
			MemoryLimit: debug.SetMemoryLimit(-1),
			GOGC:        os.Getenv("GOGC"),
		},
	}
	if includeRuntime {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		info.Runtime.HeapAlloc = m.HeapAlloc
	}
	if cfg == nil {
		return info
	}

	bc := cfg.Broker
	info.Config = ConfigSummary{
		ServerAddr:       fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		TLSEnabled:       cfg.TLSConfigured(),
		AuthTokenSet:     cfg.Server.AuthToken != "",
		Partitions:       bc.Partitions,
		ArenaBytes:       bc.Arena.TotalBytes,
		ArenaBlockSize:   bc.Arena.BlockSize,
		PayloadBytes:     bc.Payload.TotalBytes,
		PayloadBlockSize: bc.Payload.BlockSize,
		SharedArena:      bc.Arena.Shared,
		ConcurrentArena:  bc.Arena.Concurrent,
		FlushMaxBatch:    bc.Flush.MaxBatch,
		SpillDirectory:   bc.Spill.Directory,
	}
	info.Sizing = computeSizing(info.Config)
	return info
}

func computeSizing(c ConfigSummary) Sizing {
	var s Sizing
	msgBytes, payBytes := c.ArenaBytes, c.PayloadBytes
	if !c.SharedArena && c.Partitions > 0 {
		msgBytes /= c.Partitions
		payBytes /= c.Partitions
	}
	s.MessagesPerBlock = broker.MessagesPerBlock(c.ArenaBlockSize)
	if c.ArenaBlockSize > 0 {
		s.MessageBlocks = msgBytes / c.ArenaBlockSize
	}
	s.MessageCapacity = s.MessageBlocks * s.MessagesPerBlock
	if c.PayloadBlockSize > 0 {
		s.PayloadBlocks = payBytes / c.PayloadBlockSize
	}
	s.MaxPayloadBytes = c.PayloadBlockSize
	batch := c.FlushMaxBatch
	if batch <= 0 {
		batch = 8 * s.MessagesPerBlock
	}
	s.FlushBatch = batch
	if s.MessagesPerBlock > 0 {
		s.BlocksPerFlushMax = batch / s.MessagesPerBlock
	}

	switch {
	case s.MessagesPerBlock == 0:
		s.Problems = append(s.Problems, fmt.Sprintf("message block of %d bytes holds no message", c.ArenaBlockSize))
	case s.BlocksPerFlushMax == 0:
		s.Problems = append(s.Problems, fmt.Sprintf("flush max batch %d below block capacity %d", batch, s.MessagesPerBlock))
	}
	if s.MessageBlocks == 0 {
		s.Problems = append(s.Problems, "message arena share smaller than one block")
	}
	if s.PayloadBlocks == 0 {
		s.Problems = append(s.Problems, "payload arena share smaller than one block")
	}
	return s
}

// Print writes info to stdout in the given format.
func Print(info SystemInfo, format string) error {
	return Write(os.Stdout, info, format)
}

// Write renders info as "json" or "text".
func Write(w io.Writer, info SystemInfo, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text":
	default:
		return fmt.Errorf("unsupported format: %s (use 'json' or 'text')", format)
	}

	c, s := info.Config, info.Sizing
	fmt.Fprintf(w, "swiftbuf %s (%s, %s) built %s\n\n", info.Version.Version, info.Version.Commit, info.Version.GoVersion, info.Version.BuildDate)
	fmt.Fprintf(w, "Runtime:\n")
	fmt.Fprintf(w, "  GOMAXPROCS:    %d\n", info.Runtime.GOMAXPROCS)
	fmt.Fprintf(w, "  Memory limit:  %d\n", info.Runtime.MemoryLimit)
	if info.Runtime.HeapAlloc > 0 {
		fmt.Fprintf(w, "  Heap:          %d MB\n", info.Runtime.HeapAlloc/1024/1024)
	}
	fmt.Fprintf(w, "\nServer: %s (tls: %v, auth: %v)\n\n", c.ServerAddr, c.TLSEnabled, c.AuthTokenSet)

	scope := "per partition"
	if c.SharedArena {
		scope = "shared"
	}
	fmt.Fprintf(w, "Buffer (%d partitions, arenas %s, concurrent: %v):\n", c.Partitions, scope, c.ConcurrentArena)
	fmt.Fprintf(w, "  Message blocks:  %d x %d bytes, %d messages each, %d messages total\n",
		s.MessageBlocks, c.ArenaBlockSize, s.MessagesPerBlock, s.MessageCapacity)
	fmt.Fprintf(w, "  Payload blocks:  %d x %d bytes\n", s.PayloadBlocks, c.PayloadBlockSize)
	fmt.Fprintf(w, "  Flush:           up to %d messages (%d whole blocks)\n", s.FlushBatch, s.BlocksPerFlushMax)
	if c.SpillDirectory != "" {
		fmt.Fprintf(w, "  Spill:           %s\n", c.SpillDirectory)
	}
	for _, p := range s.Problems {
		fmt.Fprintf(w, "  PROBLEM: %s\n", p)
	}
	fmt.Fprintf(w, "\nTimestamp: %s\n", info.Timestamp)
	return nil
}
