package pki

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

// EncryptionParameters names the Argon2id/AES-GCM parameters a node's
// private key is optionally encrypted under on disk, matching the
// PEM-header-carried scheme the node runtime's own key storage uses so
// a key file is self-describing: no side-channel config is needed to
// decrypt it later, only the passphrase.
type EncryptionParameters struct {
	Time      uint32
	Memory    uint32
	Threads   uint8
	KeyLength uint32
	Salt      []byte
	Nonce     []byte
}

// DefaultEncryptionParameters favors a 1 GiB Argon2id memory cost,
// matching the node runtime's own default; callers on memory-constrained
// hosts should lower Memory explicitly.
var DefaultEncryptionParameters = EncryptionParameters{
	Time:      2,
	Memory:    1024 * 1024,
	Threads:   1,
	KeyLength: 32,
}

// GenerateNodeKey returns a fresh Ed25519 keypair for a node to submit a
// CSR with.
func GenerateNodeKey() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SavePrivateKey writes priv to path, either in plaintext PEM (password
// nil) or Argon2id+AES-GCM encrypted PEM (password non-nil).
func SavePrivateKey(path string, priv ed25519.PrivateKey, password []byte) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	if password == nil {
		return writePEMBytesAtomic(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	}
	encPEM, err := encryptPrivateKey(der, password, &DefaultEncryptionParameters)
	if err != nil {
		return err
	}
	return writePEMBytesAtomic(path, encPEM)
}

// LoadPrivateKey reads path, transparently decrypting if it is an
// "ENCRYPTED PRIVATE KEY" block; prompts on the controlling terminal for
// a passphrase whenever the block is encrypted.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("pki: malformed key PEM at %q", path)
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("pki: %q is not an Ed25519 private key", path)
		}
		return priv, nil

	case "ENCRYPTED PRIVATE KEY":
		password, err := promptPassphrase(fmt.Sprintf("passphrase for %s: ", path))
		if err != nil {
			return nil, err
		}
		return decryptPrivateKey(data, password)

	default:
		return nil, fmt.Errorf("pki: unrecognized PEM block type %q in %q", block.Type, path)
	}
}

func promptPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	return pw, err
}

func encryptPrivateKey(privateKey, password []byte, params *EncryptionParameters) ([]byte, error) {
	if params == nil {
		params = &DefaultEncryptionParameters
	}
	params.Salt = make([]byte, 16)
	if _, err := rand.Read(params.Salt); err != nil {
		return nil, fmt.Errorf("pki: failed to generate salt: %w", err)
	}

	key := argon2.IDKey(password, params.Salt, params.Time, params.Memory, params.Threads, params.KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("pki: failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, privateKey, nil)

	headers := map[string]string{
		"Argon2id.Time":      strconv.FormatUint(uint64(params.Time), 10),
		"Argon2id.Memory":    strconv.FormatUint(uint64(params.Memory), 10),
		"Argon2id.Threads":   strconv.FormatUint(uint64(params.Threads), 10),
		"Argon2id.KeyLength": strconv.FormatUint(uint64(params.KeyLength), 10),
		"Argon2id.Salt":      hex.EncodeToString(params.Salt),
	}
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Headers: headers, Bytes: ciphertext}), nil
}

func decryptPrivateKey(encryptedPEM, password []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(encryptedPEM)
	if block == nil || block.Type != "ENCRYPTED PRIVATE KEY" {
		return nil, errors.New("pki: not an ENCRYPTED PRIVATE KEY block")
	}

	params, err := parseEncryptionHeaders(block.Headers)
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey(password, params.Salt, params.Time, params.Memory, params.Threads, params.KeyLength)
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) < gcm.NonceSize() {
		return nil, errors.New("pki: ciphertext too short")
	}
	nonce, ciphertext := block.Bytes[:gcm.NonceSize()], block.Bytes[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("pki: wrong passphrase or corrupted key: %w", err)
	}

	key2, err := x509.ParsePKCS8PrivateKey(plaintext)
	if err != nil {
		return nil, err
	}
	priv, ok := key2.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("pki: decrypted key is not Ed25519")
	}
	return priv, nil
}

func parseEncryptionHeaders(h map[string]string) (*EncryptionParameters, error) {
	p := &EncryptionParameters{}
	var err error
	if p.Time, err = parseUint32(h["Argon2id.Time"]); err != nil {
		return nil, err
	}
	if p.Memory, err = parseUint32(h["Argon2id.Memory"]); err != nil {
		return nil, err
	}
	threads, err := parseUint32(h["Argon2id.Threads"])
	if err != nil {
		return nil, err
	}
	p.Threads = uint8(threads)
	if p.KeyLength, err = parseUint32(h["Argon2id.KeyLength"]); err != nil {
		return nil, err
	}
	if p.Salt, err = hex.DecodeString(h["Argon2id.Salt"]); err != nil {
		return nil, err
	}
	return p, nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

// MakeCSR creates a PKCS#10 certificate signing request for priv with
// the given subject, PEM-encoded.
func MakeCSR(priv ed25519.PrivateKey, subject SubjectAttrs) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject: subject.toName(),
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}
