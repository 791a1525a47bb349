package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaski-confluent/chaski"
	"github.com/chaski-confluent/chaski/pki"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var addr = flag.String("s", "0.0.0.0:8843", "address to bind and listen on")
	var caDir = flag.String("ca-dir", "", "directory holding ca.key/ca.crt/crl.pem; defaults to the XDG ca-private dir")
	var country = flag.String("country", "US", "CA certificate subject country")
	var org = flag.String("org", "chaski-confluent", "CA certificate subject organization")
	var cn = flag.String("cn", "chaski-root-ca", "CA certificate subject common name")
	var tcp = flag.Bool("tcp", false, "use plain TCP instead of TLS for the control edge")
	flag.Parse()

	host, portStr := splitHostPort(*addr)
	port := atoiMust(portStr)

	dir := *caDir
	if dir == "" {
		dir = chaski.GetPrivateCertificateAuthorityDir()
	}

	cfg := chaski.NewConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Class = chaski.ClassCA
	cfg.TLSEnabled = !*tcp
	if cfg.TLSEnabled {
		cfg.SSLDir = chaski.GetCertsDir()
	}

	node, err := chaski.NewNode(cfg)
	if err != nil {
		log.Fatalf("chaski_certificate_authority: bad config: %v", err)
	}

	subject := pki.SubjectAttrs{Country: *country, Organization: *org, CommonName: *cn}
	if err := node.EnableCA(dir, subject); err != nil {
		log.Fatalf("chaski_certificate_authority: could not load or create CA in %v: %v", dir, err)
	}

	bound, err := node.Listen()
	if err != nil {
		log.Fatalf("chaski_certificate_authority: listen failed: %v", err)
	}
	log.Printf("chaski_certificate_authority listening at %v, ca root in %v", bound, dir)

	waitForSignalAndClose(node)
}

func waitForSignalAndClose(node *chaski.Node) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("chaski_certificate_authority: signal received, shutting down")
	node.Close()
}

func splitHostPort(addr string) (host, port string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return "0.0.0.0", addr
}

func atoiMust(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
