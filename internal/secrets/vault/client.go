// Package vault resolves vault://path#field references against a HashiCorp
// Vault KV mount.
package vault

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"swiftbuf/internal/config"
	"swiftbuf/internal/secrets"
)

// Client wraps a Vault API client with a per-path read cache.
type Client struct {
	cfg config.VaultConfig
	api *vaultapi.Client

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	data    map[string]any
	expires time.Time
}

var _ secrets.Resolver = (*Client)(nil)

// NewClient returns nil, nil when Vault is disabled.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	conf := vaultapi.DefaultConfig()
	if cfg.Address != "" {
		conf.Address = cfg.Address
	}
	if cfg.RequestTimeout > 0 {
		conf.Timeout = cfg.RequestTimeout
	}
	err := conf.ConfigureTLS(&vaultapi.TLSConfig{
		CACert:     cfg.TLS.CAFile,
		ClientCert: cfg.TLS.CertFile,
		ClientKey:  cfg.TLS.KeyFile,
		Insecure:   cfg.TLSSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("configure vault tls: %w", err)
	}
	api, err := vaultapi.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}
	token, err := loadToken(cfg)
	if err != nil {
		return nil, err
	}
	api.SetToken(token)
	return &Client{cfg: cfg, api: api, cache: make(map[string]cachedSecret)}, nil
}

func loadToken(cfg config.VaultConfig) (string, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" && cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read vault token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return "", fmt.Errorf("vault token required when vault enabled")
	}
	return token, nil
}

// Resolve returns the field named by ref, or "value" when ref has no #field.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	if c == nil {
		return ref, nil
	}
	p, field, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	data, err := c.read(ctx, c.fullPath(p))
	if err != nil {
		return "", err
	}
	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("vault field %s missing at %s", field, p)
	}
	switch v := val.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// HealthCheck validates connectivity to Vault.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c == nil {
		return nil
	}
	_, err := c.api.Sys().HealthWithContext(ctx)
	return err
}

func (c *Client) read(ctx context.Context, full string) (map[string]any, error) {
	now := time.Now()
	c.mu.RLock()
	cached, ok := c.cache[full]
	c.mu.RUnlock()
	if ok && now.Before(cached.expires) {
		return cached.data, nil
	}

	secret, err := c.api.Logical().ReadWithContext(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", full, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("vault secret %s not found", full)
	}
	data := secret.Data
	if c.cfg.KVVersion == 2 {
		if nested, ok := data["data"].(map[string]any); ok {
			data = nested
		}
	}
	if c.cfg.CacheTTL > 0 {
		c.mu.Lock()
		c.cache[full] = cachedSecret{data: data, expires: now.Add(c.cfg.CacheTTL)}
		c.mu.Unlock()
	}
	return data, nil
}

// fullPath prefixes p with the configured mount, inserting data/ for KV v2.
func (c *Client) fullPath(p string) string {
	p = strings.TrimLeft(p, "/")
	mount := strings.Trim(c.cfg.MountPath, "/")
	switch {
	case p == "":
		return mount
	case mount == "" || strings.HasPrefix(p, mount+"/"):
		return p
	case c.cfg.KVVersion == 2:
		return path.Join(mount, "data", p)
	default:
		return path.Join(mount, p)
	}
}

func parseRef(ref string) (string, string, error) {
	raw := strings.TrimSpace(ref)
	if !strings.HasPrefix(raw, secrets.Scheme) {
		return "", "", fmt.Errorf("invalid vault reference %q", raw)
	}
	p, field, _ := strings.Cut(strings.TrimPrefix(raw, secrets.Scheme), "#")
	if field == "" {
		field = "value"
	}
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", "", fmt.Errorf("vault reference %q missing path", ref)
	}
	return p, field, nil
}
