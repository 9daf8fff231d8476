// Command etp-pull pulls one exposure from a peer over ETP and writes the
// reconstructed object to a file. If -exposure-id is omitted, it receives
// whichever exposure the peer announces next.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/exposurenet/etp"
	"github.com/exposurenet/etp/internal/ident"
)

func main() {
	output := flag.String("output", "", "file to write the reconstructed object to (required)")
	listen := flag.String("listen", "0.0.0.0:0", "local address to bind")
	peer := flag.String("peer", "", "exposing peer's address (required)")
	exposureID := flag.String("exposure-id", "", "hex-encoded exposure id (omit to discover)")
	chunkSize := flag.Int("chunk-size", 65536, "bytes per chunk, must match the sender")
	fecK := flag.Int("fec-k", 223, "data chunks per FEC block (validated only; the reception uses the sender's manifest value)")
	fecR := flag.Int("fec-r", 32, "parity chunks per FEC block (validated only; the reception uses the sender's manifest value)")
	idleDeadline := flag.Duration("idle-deadline", 30*time.Second, "fail if no valid chunk arrives for this long")
	timeout := flag.Duration("timeout", 0, "overall deadline for the pull; 0 means no deadline")
	flag.Parse()

	if *output == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "usage: etp-pull -peer <addr> -output <file> [flags]")
		os.Exit(2)
	}

	cfg := etp.DefaultConfig()
	if _, err := cfg.WithChunkSize(*chunkSize); err != nil {
		log.Fatalf("etp-pull: %v", err)
	}
	if _, err := cfg.WithFec(*fecK, *fecR); err != nil {
		log.Fatalf("etp-pull: %v", err)
	}
	if _, err := cfg.WithIdleDeadline(*idleDeadline); err != nil {
		log.Fatalf("etp-pull: %v", err)
	}

	var id *etp.ExposureId
	if *exposureID != "" {
		raw, err := hex.DecodeString(*exposureID)
		if err != nil || len(raw) != ident.Size {
			log.Fatalf("etp-pull: -exposure-id must be %d hex bytes", ident.Size)
		}
		parsed := ident.FromBytes(raw)
		id = &parsed
	}

	peerAddr, err := net.ResolveUDPAddr("udp", *peer)
	if err != nil {
		log.Fatalf("etp-pull: resolve -peer %s: %v", *peer, err)
	}

	ep, err := etp.Listen("udp", *listen, cfg)
	if err != nil {
		log.Fatalf("etp-pull: %v", err)
	}
	defer ep.Close()

	if id != nil {
		log.Printf("pulling %s from %s", *id, peerAddr)
	} else {
		log.Printf("discovering next exposure from %s", peerAddr)
	}
	handle := ep.Pull(id, peerAddr, cfg)

	ctx := context.Background()
	var cancel context.CancelFunc
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	object, err := etp.WaitComplete(ctx, handle)
	if err != nil {
		ep.Cancel(handle)
		log.Fatalf("etp-pull: %v", err)
	}

	if err := os.WriteFile(*output, object, 0o644); err != nil {
		log.Fatalf("etp-pull: write %s: %v", *output, err)
	}

	stats := etp.SnapshotReceptionStats(handle)
	log.Printf("wrote %s (%d bytes): chunks_received=%d retransmits=%d",
		*output, len(object), stats.ChunksReceived, stats.Retransmits)
}
