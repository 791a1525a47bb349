package chaski

import (
	"os"
	"path/filepath"
	"time"
)

// Config centralizes every tunable named by the node runtime so no
// timeout or cap is a magic constant buried in a function body, in the
// same spirit as the teacher's config.go directory helpers.
type Config struct {
	// Address this node binds its listener to. Empty Host listens on all
	// interfaces; Port 0 picks an ephemeral port.
	Host string
	Port int

	// Address class advertised for this node: ChaskiNode, ChaskiStreamer,
	// ChaskiRemote, or ChaskiCA.
	Class AddressClass

	// Local topic subscriptions at startup.
	Subscriptions []string

	// MaxConnections caps the number of live edges this node will hold,
	// inbound and outbound combined.
	MaxConnections int

	// Reconnections is the max number of reconnect attempts for an
	// explicitly connect()ed peer; nil means infinite.
	Reconnections *int

	// Discovery.
	DiscoveryInterval  time.Duration
	DiscoveryTTL       int
	PairingIdleTimeout time.Duration
	PairingWaitTimeout time.Duration

	// Keepalive / latency.
	LatencyUpdateInterval time.Duration
	KeepaliveMissInterval time.Duration

	// Request/response correlation.
	RequestTimeout time.Duration

	// Streaming plane.
	DeliveryQueueCapacity int

	// File transfer.
	MaxConcurrentFiles int
	DefaultChunkSize   int
	FileChunkIdleTimeout time.Duration
	MaxChunkRetries    int

	// Remote proxy.
	MaxInFlightProxyCalls int

	// Codec.
	MaxFrameSize int
	Compression  CompressionAlgo

	// TLS / CA.
	TLSEnabled bool
	SSLDir     string // node.key, node.crt, ca.crt, crl.pem live here
	CAAddress  string

	// Transport: when true, this node additionally accepts/dials edges
	// over QUIC (see quic_transport.go) in addition to TCP+TLS.
	QUICEnabled bool

	Verbose bool
}

// NewConfig returns the spec's documented defaults.
func NewConfig() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Class:                 ClassNode,
		MaxConnections:        32,
		DiscoveryInterval:     30 * time.Second,
		DiscoveryTTL:          64,
		PairingIdleTimeout:    600 * time.Second,
		PairingWaitTimeout:    5 * time.Second,
		LatencyUpdateInterval: 60 * time.Second,
		KeepaliveMissInterval: 14 * time.Second,
		RequestTimeout:        10 * time.Second,
		DeliveryQueueCapacity: 1024,
		MaxConcurrentFiles:    8,
		DefaultChunkSize:      1 << 20, // 1 MiB
		FileChunkIdleTimeout:  30 * time.Second,
		MaxChunkRetries:       3,
		MaxInFlightProxyCalls: 16,
		MaxFrameSize:          64 << 20, // 64 MiB
		Compression:           CompressNone,
	}
}

// GetCertsDir resolves where node TLS material is read from and written
// to, following the teacher's
// XDG_CONFIG_HOME-aware convention: prefer $XDG_CONFIG_HOME, fall back to
// $HOME, fall back to the working directory. The directory is created if
// missing; a failure to create it is fatal, mirroring the teacher's
// GetCertsDir panicOn.
func GetCertsDir() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	suffix := filepath.Join(".config", "chaski", "certs")
	switch {
	case dir != "":
		path = filepath.Join(dir, "chaski", "certs")
	case home != "":
		path = filepath.Join(home, suffix)
	default:
		path = "certs"
	}
	panicOn(os.MkdirAll(path, 0700))
	return path
}

// GetPrivateCertificateAuthorityDir resolves where the CA's root private
// key and issued-certificate ledger live, kept separate from the certs
// directory used by ordinary nodes so the root key is not casually
// distributed alongside working node keypairs.
func GetPrivateCertificateAuthorityDir() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	suffix := filepath.Join(".config", "chaski", "ca-private")
	switch {
	case dir != "":
		path = filepath.Join(dir, "chaski", "ca-private")
	case home != "":
		path = filepath.Join(home, suffix)
	default:
		path = "ca-private"
	}
	panicOn(os.MkdirAll(path, 0700))
	return path
}
