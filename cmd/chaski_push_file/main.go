package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/apoorvam/goterminal"
	"github.com/chaski-confluent/chaski"
)

// chaski_push_file is a thin wrapper around Node.PushFileWithProgress:
// it pairs on one topic with a peer, streams one file, and renders a
// single-line progress meter the way the teacher's jcp tool does.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var dest = flag.String("to", "", "destination address, e.g. ChaskiNode@127.0.0.1:9000")
	var topic = flag.String("topic", "", "topic to pair on and push the file under")
	var tcp = flag.Bool("tcp", false, "use plain TCP instead of TLS for the control edge")
	var quiet = flag.Bool("quiet", false, "suppress the progress meter")
	flag.Parse()

	if *dest == "" || *topic == "" || flag.NArg() != 1 {
		log.Fatalf("usage: chaski_push_file -to <address> -topic <topic> <path>")
	}
	path := flag.Arg(0)

	addr, err := chaski.ParseAddress("*" + *dest)
	if err != nil {
		log.Fatalf("chaski_push_file: bad -to address %q: %v", *dest, err)
	}

	cfg := chaski.NewConfig()
	cfg.TLSEnabled = !*tcp
	if cfg.TLSEnabled {
		cfg.SSLDir = chaski.GetCertsDir()
	}
	cfg.Subscriptions = []string{*topic}

	node, err := chaski.NewNode(cfg)
	if err != nil {
		log.Fatalf("chaski_push_file: bad config: %v", err)
	}
	if _, err := node.Listen(); err != nil {
		log.Fatalf("chaski_push_file: could not bind local control edge: %v", err)
	}
	defer node.Close()

	if _, err := node.Connect(addr); err != nil {
		log.Fatalf("chaski_push_file: connect to %v failed: %v", addr.Canonical(), err)
	}

	// pairing is asynchronous; give the remote a moment to reply with
	// report_paired before the first chunk goes out.
	time.Sleep(200 * time.Millisecond)

	eraseAndCR := append([]byte{0x1b}, []byte("[0K\r")...)
	goTermWriter := goterminal.New(os.Stdout)
	lastUpdate := time.Now()

	onProgress := func(fileID string, sent, total int64) {
		if *quiet {
			return
		}
		if time.Since(lastUpdate) < 100*time.Millisecond && sent != total {
			return
		}
		lastUpdate = time.Now()
		pct := float64(sent) / float64(total) * 100
		str := fmt.Sprintf("%s: %d/%d bytes (%.1f%%)", path, sent, total, pct)
		goTermWriter.Clear()
		goTermWriter.Write(append([]byte(str), eraseAndCR...))
		goTermWriter.Print()
	}

	if err := node.PushFileWithProgress(*topic, path, onProgress); err != nil {
		log.Fatalf("chaski_push_file: push failed: %v", err)
	}
	if !*quiet {
		fmt.Println()
	}
}
