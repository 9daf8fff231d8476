// Command etp-expose exposes a file over ETP, answering pull requests from
// whichever receivers show up at the configured destination address.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exposurenet/etp"
)

func main() {
	input := flag.String("input", "", "file to expose (required)")
	listen := flag.String("listen", "0.0.0.0:4433", "local address to bind")
	dest := flag.String("dest", "", "address manifests are advertised to (required)")
	chunkSize := flag.Int("chunk-size", 65536, "bytes per chunk")
	fecK := flag.Int("fec-k", 223, "data chunks per FEC block")
	fecR := flag.Int("fec-r", 32, "parity chunks per FEC block")
	digest := flag.String("digest", "additive", "payload digest: additive or crc32c")
	manifestInterval := flag.Duration("manifest-interval", 500*time.Millisecond, "manifest re-emit period")
	flag.Parse()

	if *input == "" || *dest == "" {
		fmt.Fprintln(os.Stderr, "usage: etp-expose -input <file> -dest <addr> [flags]")
		os.Exit(2)
	}

	object, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("etp-expose: read %s: %v", *input, err)
	}

	cfg := etp.DefaultConfig()
	if _, err := cfg.WithChunkSize(*chunkSize); err != nil {
		log.Fatalf("etp-expose: %v", err)
	}
	if _, err := cfg.WithFec(*fecK, *fecR); err != nil {
		log.Fatalf("etp-expose: %v", err)
	}
	if _, err := cfg.WithManifestInterval(*manifestInterval); err != nil {
		log.Fatalf("etp-expose: %v", err)
	}

	var digestAlg etp.DigestAlgorithm
	switch *digest {
	case "additive":
		digestAlg = etp.DigestAdditive
	case "crc32c":
		digestAlg = etp.DigestCRC32C
	default:
		log.Fatalf("etp-expose: unknown -digest %q (want additive or crc32c)", *digest)
	}

	destAddr, err := net.ResolveUDPAddr("udp", *dest)
	if err != nil {
		log.Fatalf("etp-expose: resolve -dest %s: %v", *dest, err)
	}

	ep, err := etp.Listen("udp", *listen, cfg)
	if err != nil {
		log.Fatalf("etp-expose: %v", err)
	}
	defer ep.Close()

	handle, err := ep.Expose(object, destAddr, cfg, digestAlg)
	if err != nil {
		log.Fatalf("etp-expose: %v", err)
	}
	defer etp.Release(handle)

	log.Printf("exposing %s (%d bytes) as %s, manifests -> %s", *input, len(object), handle.ID(), destAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			stats := etp.SnapshotExposureStats(handle)
			log.Printf("shutting down: bytes_emitted=%d chunks_served=%d pull_pressure=%.2f",
				stats.BytesEmitted, stats.ChunksServed, stats.PullPressure)
			return
		case <-ticker.C:
			stats := etp.SnapshotExposureStats(handle)
			log.Printf("bytes_emitted=%d chunks_served=%d malformed=%d pull_pressure=%.2f",
				stats.BytesEmitted, stats.ChunksServed, stats.MalformedRequests, stats.PullPressure)
		}
	}
}
