package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaski-confluent/chaski"
)

// chaski_streamer_root runs a node advertised as ChaskiStreamer: a
// well-known rendezvous point other nodes dial into for topic pairing,
// rather than a node expected to dial out itself.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var addr = flag.String("s", "0.0.0.0:8744", "address to bind and listen on")
	var tcp = flag.Bool("tcp", false, "use plain TCP instead of TLS")
	var subs = flag.String("topics", "", "comma-separated list of topics to subscribe to at startup")
	flag.Parse()

	host, portStr := splitHostPort(*addr)

	cfg := chaski.NewConfig()
	cfg.Host = host
	cfg.Port = atoiMust(portStr)
	cfg.Class = chaski.ClassStreamer
	cfg.TLSEnabled = !*tcp
	if cfg.TLSEnabled {
		cfg.SSLDir = chaski.GetCertsDir()
	}
	if *subs != "" {
		cfg.Subscriptions = strings.Split(*subs, ",")
	}

	node, err := chaski.NewNode(cfg)
	if err != nil {
		log.Fatalf("chaski_streamer_root: bad config: %v", err)
	}

	bound, err := node.Listen()
	if err != nil {
		log.Fatalf("chaski_streamer_root: listen failed: %v", err)
	}
	log.Printf("chaski_streamer_root listening at %v, subscriptions=%v", bound, cfg.Subscriptions)

	waitForSignalAndClose(node)
}

func waitForSignalAndClose(node *chaski.Node) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("chaski_streamer_root: signal received, shutting down")
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
