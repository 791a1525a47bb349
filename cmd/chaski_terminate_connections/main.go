package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/chaski-confluent/chaski"
)

// chaski_terminate_connections <start>-<end> dials every port in the
// inclusive range on the given host and asks each one to shut down,
// for clearing out a block of test or stale nodes in one call.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var host = flag.String("host", "127.0.0.1", "host the target ports are listening on")
	var class = flag.String("class", string(chaski.ClassNode), "address class of the target nodes")
	var tcp = flag.Bool("tcp", false, "use plain TCP instead of TLS for the control edge")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("usage: chaski_terminate_connections [-host H] [-class C] <start>-<end>")
	}
	start, end, err := parseRange(flag.Arg(0))
	if err != nil {
		log.Fatalf("chaski_terminate_connections: %v", err)
	}

	cfg := chaski.NewConfig()
	cfg.TLSEnabled = !*tcp
	if cfg.TLSEnabled {
		cfg.SSLDir = chaski.GetCertsDir()
	}

	node, err := chaski.NewNode(cfg)
	if err != nil {
		log.Fatalf("chaski_terminate_connections: bad config: %v", err)
	}
	if _, err := node.Listen(); err != nil {
		log.Fatalf("chaski_terminate_connections: could not bind local control edge: %v", err)
	}
	defer node.Close()

	failures := 0
	for port := start; port <= end; port++ {
		addr := chaski.Address{Class: chaski.AddressClass(*class), Host: *host, Port: port}
		if err := node.Terminate(addr); err != nil {
			log.Printf("chaski_terminate_connections: %v: %v", addr.Canonical(), err)
			failures++
			continue
		}
		log.Printf("chaski_terminate_connections: sent terminate to %v", addr.Canonical())
	}

	if failures > 0 {
		os.Exit(1)
	}
}

func parseRange(s string) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected <start>-<end>, got %q", s)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}
