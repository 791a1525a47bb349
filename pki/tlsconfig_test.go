package pki

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"
)

func TestCachedCRLLoadAndIsRevoked(t *testing.T) {
	dir := t.TempDir()
	ca, err := LoadOrCreateCA(dir, SubjectAttrs{CommonName: "test-root"})
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}
	_, _, serial, err := ca.IssueWithGeneratedKey(SubjectAttrs{CommonName: "node-1"}, "")
	if err != nil {
		t.Fatalf("IssueWithGeneratedKey: %v", err)
	}
	if err := ca.Revoke(serial); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	crlPEM, err := ca.CRLPEM()
	if err != nil {
		t.Fatalf("CRLPEM: %v", err)
	}

	cache := NewCachedCRL()
	if cache.IsRevoked(serial) {
		t.Fatalf("expected an empty cache to report nothing revoked")
	}
	if err := cache.LoadPEM(crlPEM); err != nil {
		t.Fatalf("LoadPEM: %v", err)
	}
	if !cache.IsRevoked(serial) {
		t.Fatalf("expected the cache to report the serial revoked after LoadPEM")
	}
}

func TestVerifyPeerCertificateRejectsRevokedLeaf(t *testing.T) {
	dir := t.TempDir()
	ca, err := LoadOrCreateCA(dir, SubjectAttrs{CommonName: "test-root"})
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}
	_, certPEM, serial, err := ca.IssueWithGeneratedKey(SubjectAttrs{CommonName: "node-1"}, "127.0.0.1")
	if err != nil {
		t.Fatalf("IssueWithGeneratedKey: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM(ca.RootCertPEM())

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatalf("failed to decode issued cert PEM")
	}

	verify := VerifyPeerCertificate(roots, ca)
	if err := verify([][]byte{block.Bytes}, nil); err != nil {
		t.Fatalf("expected an unrevoked, validly chained cert to pass verification, got %v", err)
	}

	if err := ca.Revoke(serial); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := verify([][]byte{block.Bytes}, nil); err == nil {
		t.Fatalf("expected verification to fail once the serial is revoked")
	}
}

func TestBuildNodeTLSConfigLoadsKeypairAndRoot(t *testing.T) {
	caDir := t.TempDir()
	ca, err := LoadOrCreateCA(caDir, SubjectAttrs{CommonName: "test-root"})
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}
	keyPEM, certPEM, _, err := ca.IssueWithGeneratedKey(SubjectAttrs{CommonName: "node-1"}, "127.0.0.1")
	if err != nil {
		t.Fatalf("IssueWithGeneratedKey: %v", err)
	}

	sslDir := t.TempDir()
	paths := NodeCertPaths{Dir: sslDir}
	if err := os.WriteFile(paths.KeyPath(), keyPEM, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(paths.CertPath(), certPEM, 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(paths.RootPath(), ca.RootCertPEM(), 0644); err != nil {
		t.Fatalf("write root: %v", err)
	}

	cfg, err := BuildNodeTLSConfig(paths.CertPath(), paths.KeyPath(), paths.RootPath(), ca)
	if err != nil {
		t.Fatalf("BuildNodeTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one configured certificate")
	}
	if cfg.ClientAuth != 4 { // tls.RequireAndVerifyClientCert
		t.Fatalf("expected mutual TLS to be required, got ClientAuth=%v", cfg.ClientAuth)
	}
	if cfg.VerifyPeerCertificate == nil {
		t.Fatalf("expected VerifyPeerCertificate to be installed")
	}
}
