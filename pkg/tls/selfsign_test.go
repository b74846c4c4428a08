package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsurePairExistsGeneratesLoadablePair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "nested", "server.crt")
	keyPath := filepath.Join(dir, "nested", "server.key")

	c, k, err := EnsurePairExists(certPath, keyPath, []string{"localhost", "127.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatalf("EnsurePairExists: %v", err)
	}
	if c != certPath || k != keyPath {
		t.Fatalf("paths = %s %s", c, k)
	}
	pair, err := stdtls.LoadX509KeyPair(c, k)
	if err != nil {
		t.Fatalf("LoadX509KeyPair: %v", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" || len(leaf.IPAddresses) != 1 {
		t.Fatalf("SANs = %v %v", leaf.DNSNames, leaf.IPAddresses)
	}
	if leaf.NotAfter.After(time.Now().Add(2 * time.Hour)) {
		t.Fatalf("NotAfter = %v", leaf.NotAfter)
	}
}

func TestEnsurePairExistsKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "a.crt")
	keyPath := filepath.Join(dir, "a.key")
	if _, _, err := EnsurePairExists(certPath, keyPath, nil, 0); err != nil {
		t.Fatalf("first: %v", err)
	}
	before, _ := os.ReadFile(certPath)
	if _, _, err := EnsurePairExists(certPath, keyPath, nil, 0); err != nil {
		t.Fatalf("second: %v", err)
	}
	after, _ := os.ReadFile(certPath)
	if string(before) != string(after) {
		t.Fatalf("existing certificate was regenerated")
	}
}
