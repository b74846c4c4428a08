package selfcheck

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"swiftbuf/internal/config"
)

// Run executes startup dependency validation.
func Run(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if dir := strings.TrimSpace(cfg.Broker.Spill.Directory); dir != "" {
		if err := ensureWritableDir(dir); err != nil {
			return err
		}
	}
	if ep := strings.TrimSpace(cfg.Telemetry.OTLP.Endpoint); ep != "" {
		if err := checkEndpoint(ctx, ep); err != nil {
			return err
		}
	}
	return nil
}

func checkEndpoint(ctx context.Context, endpoint string) error {
	host := endpoint
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "4317")
	}
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("otlp collector connectivity (%s) failed: %w", host, err)
	}
	_ = conn.Close()
	return nil
}

func ensureWritableDir(dir string) error {
	path := strings.TrimSpace(dir)
	if path == "" {
		return fmt.Errorf("spill directory not configured")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create spill directory %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(path, ".probe-*")
	if err != nil {
		return fmt.Errorf("write probe file in %s: %w", path, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())
	_, err = filepath.Abs(path)
	return err
}
