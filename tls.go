package chaski

import (
	"crypto/tls"
	"os"

	"github.com/chaski-confluent/chaski/pki"
)

func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// buildTLSConfig assembles a node's mutual-TLS configuration from the
// node.key/node.crt/ca.crt/crl.pem layout under sslDir. The returned
// CachedCRL is refreshed by the node's ca_get_crl_response handler so
// later handshakes see revocations without restarting the node.
func buildTLSConfig(sslDir string) (*tls.Config, *pki.CachedCRL, error) {
	paths := pki.NodeCertPaths{Dir: sslDir}
	checker := pki.NewCachedCRL()
	if data, err := readFileIfExists(paths.CRLPath()); err == nil && data != nil {
		checker.LoadPEM(data)
	}
	cfg, err := pki.BuildNodeTLSConfig(paths.CertPath(), paths.KeyPath(), paths.RootPath(), checker)
	return cfg, checker, err
}

