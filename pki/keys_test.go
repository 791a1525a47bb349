package pki

import (
	"bytes"
	"crypto/x509"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadPlaintextPrivateKey(t *testing.T) {
	_, priv, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}

	path := filepath.Join(t.TempDir(), "node.key")
	if err := SavePrivateKey(path, priv, nil); err != nil {
		t.Fatalf("SavePrivateKey: %v", err)
	}

	got, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	if !bytes.Equal(got, priv) {
		t.Fatalf("loaded key does not match the saved one")
	}
}

func TestEncryptDecryptPrivateKeyRoundTrip(t *testing.T) {
	_, priv, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}

	params := DefaultEncryptionParameters
	params.Memory = 8 * 1024 // keep the test fast; correctness doesn't depend on the cost parameter
	encPEM, err := encryptPrivateKey(der, []byte("correct horse battery staple"), &params)
	if err != nil {
		t.Fatalf("encryptPrivateKey: %v", err)
	}

	got, err := decryptPrivateKey(encPEM, []byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("decryptPrivateKey: %v", err)
	}
	if !bytes.Equal(got, priv) {
		t.Fatalf("decrypted key does not match the original")
	}

	if _, err := decryptPrivateKey(encPEM, []byte("wrong passphrase")); err == nil {
		t.Fatalf("expected decryption with the wrong passphrase to fail")
	}
}

func TestMakeCSRProducesAValidRequest(t *testing.T) {
	_, priv, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}
	csrPEM, err := MakeCSR(priv, SubjectAttrs{CommonName: "node-3"})
	if err != nil {
		t.Fatalf("MakeCSR: %v", err)
	}
	if len(csrPEM) == 0 {
		t.Fatalf("expected non-empty CSR PEM")
	}

	dir := t.TempDir()
	ca, err := LoadOrCreateCA(dir, SubjectAttrs{CommonName: "test-root"})
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}
	if _, _, err := ca.IssueFromCSR(csrPEM, ""); err != nil {
		t.Fatalf("expected the CA to accept a CSR produced by MakeCSR: %v", err)
	}
}
