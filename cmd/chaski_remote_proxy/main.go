package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaski-confluent/chaski"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var port = flag.Int("p", 8744, "port to bind and listen on")
	var name = flag.String("n", "", "address class name this proxy advertises itself as")
	var host = flag.String("host", "0.0.0.0", "host to bind")
	var tcp = flag.Bool("tcp", false, "use plain TCP instead of TLS for the control edge")
	flag.Parse()

	modules := flag.Args()
	if len(modules) == 0 {
		log.Fatalf("chaski_remote_proxy: at least one module_path must be named on the command line")
	}

	cfg := chaski.NewConfig()
	cfg.Host = *host
	cfg.Port = *port
	cfg.Class = chaski.ClassRemote
	cfg.TLSEnabled = !*tcp
	if cfg.TLSEnabled {
		cfg.SSLDir = chaski.GetCertsDir()
	}

	node, err := chaski.NewNode(cfg)
	if err != nil {
		log.Fatalf("chaski_remote_proxy: bad config: %v", err)
	}

	node.EnableProxy(denyAllProxy, chaski.NewAllowedModulePaths(modules...))

	bound, err := node.Listen()
	if err != nil {
		log.Fatalf("chaski_remote_proxy: listen failed: %v", err)
	}
	label := *name
	if label == "" {
		label = string(bound.Class)
	}
	log.Printf("chaski_remote_proxy %q listening at %v, serving module paths: %v", label, bound, modules)

	waitForSignalAndClose(node)
}

// denyAllProxy is the CLI wrapper's stand-in proxy_call handler: it only
// demonstrates that the allowed module_path restriction is enforced by
// the dispatcher before this function is ever reached. Embedders
// linking the node package directly should call EnableProxy with their
// own ProxyFunc instead of running this binary.
func denyAllProxy(modulePath, attrPath string, args []json.RawMessage, kwargs map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("chaski_remote_proxy: no handler registered for %s.%s", modulePath, attrPath)
}

func waitForSignalAndClose(node *chaski.Node) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("chaski_remote_proxy: signal received, shutting down")
	node.Close()
}
