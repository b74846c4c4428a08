package diagnostics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"swiftbuf/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9480
	cfg.Server.AuthToken = "secret"
	cfg.Broker.Partitions = 4
	cfg.Broker.Arena.TotalBytes = 4 * 10 * 4000
	cfg.Broker.Arena.BlockSize = 4000
	cfg.Broker.Arena.Concurrent = true
	cfg.Broker.Payload.TotalBytes = 4 * 16 * 65536
	cfg.Broker.Payload.BlockSize = 65536
	cfg.Broker.Flush.MaxBatch = 250
	return cfg
}

func TestCollectSizing(t *testing.T) {
	info := Collect(testConfig(), false)
	if info.Config.Partitions != 4 || !info.Config.ConcurrentArena || !info.Config.AuthTokenSet {
		t.Fatalf("config summary = %+v", info.Config)
	}
	s := info.Sizing
	if s.MessagesPerBlock != 100 || s.MessageBlocks != 10 || s.MessageCapacity != 1000 {
		t.Fatalf("message sizing = %+v", s)
	}
	if s.PayloadBlocks != 16 || s.MaxPayloadBytes != 65536 || s.BlocksPerFlushMax != 2 {
		t.Fatalf("payload/flush sizing = %+v", s)
	}
	if len(s.Problems) != 0 {
		t.Fatalf("unexpected problems: %v", s.Problems)
	}
	if info.Runtime.GOMAXPROCS == 0 || info.Version.GoVersion == "" {
		t.Fatalf("runtime info missing: %+v", info.Runtime)
	}
	if info.Runtime.HeapAlloc != 0 {
		t.Fatalf("heap reported without includeRuntime")
	}
}

func TestCollectSharedArenaAndDefaultBatch(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Arena.Shared = true
	cfg.Broker.Flush.MaxBatch = 0
	s := Collect(cfg, true).Sizing
	if s.MessageBlocks != 40 || s.PayloadBlocks != 64 {
		t.Fatalf("shared sizing = %+v", s)
	}
	if s.BlocksPerFlushMax != 8 {
		t.Fatalf("default flush blocks = %d, want 8", s.BlocksPerFlushMax)
	}
}

func TestCollectReportsProblems(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Flush.MaxBatch = 50
	cfg.Broker.Payload.TotalBytes = 65536 // below one block per partition
	s := Collect(cfg, false).Sizing
	if len(s.Problems) != 2 {
		t.Fatalf("problems = %v", s.Problems)
	}
	if !strings.Contains(s.Problems[0], "flush max batch 50") || !strings.Contains(s.Problems[1], "payload arena") {
		t.Fatalf("problems = %v", s.Problems)
	}
}

func TestWriteFormats(t *testing.T) {
	info := Collect(testConfig(), false)

	var text bytes.Buffer
	if err := Write(&text, info, "text"); err != nil {
		t.Fatalf("text: %v", err)
	}
	for _, want := range []string{"127.0.0.1:9480", "10 x 4000 bytes, 100 messages each", "16 x 65536 bytes"} {
		if !strings.Contains(text.String(), want) {
			t.Fatalf("text output missing %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := Write(&js, info, "json"); err != nil {
		t.Fatalf("json: %v", err)
	}
	var back SystemInfo
	if err := json.Unmarshal(js.Bytes(), &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Sizing.MessageCapacity != 1000 {
		t.Fatalf("json sizing = %+v", back.Sizing)
	}

	if err := Write(&js, info, "xml"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
