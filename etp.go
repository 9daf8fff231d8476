// Package etp is the stable core API from spec §6: expose/release an
// object over a datagram endpoint, pull/wait_complete/cancel a reception,
// and snapshot_stats on either kind of handle. Everything else in this
// module is an implementation detail reachable only through this surface
// (and the cmd/ wrappers built on it).
package etp

import (
	"context"
	"fmt"
	"net"

	"github.com/exposurenet/etp/internal/config"
	"github.com/exposurenet/etp/internal/endpoint"
	"github.com/exposurenet/etp/internal/ident"
	"github.com/exposurenet/etp/internal/reception"
	"github.com/exposurenet/etp/internal/surface"
	"github.com/exposurenet/etp/internal/wire"
)

// Re-exported types so callers never need to import internal/ packages
// directly.
type (
	// ExposureHandle is returned by Expose; see endpoint.SurfaceHandle.
	ExposureHandle = endpoint.SurfaceHandle
	// ReceptionHandle is returned by Pull; see endpoint.ReceptionHandle.
	ReceptionHandle = endpoint.ReceptionHandle
	// Config is the typed configuration consumed by every operation below.
	Config = config.Config
	// ExposureId is the 128-bit wire identifier for one exposed object.
	ExposureId = ident.ExposureId
	// ExposureStats is the counters snapshot for an ExposureHandle.
	ExposureStats = surface.Stats
	// ReceptionStats is the counters snapshot for a ReceptionHandle.
	ReceptionStats = reception.Stats
	// ReceptionState is the receiver-side lifecycle state.
	ReceptionState = reception.State
	// DigestAlgorithm selects the payload checksum negotiated via MANIFEST.
	DigestAlgorithm = wire.DigestAlgorithm
)

// DefaultConfig returns the canonical configuration from spec §4.9.
func DefaultConfig() *Config { return config.Default() }

const (
	DigestAdditive = wire.DigestAdditive
	DigestCRC32C   = wire.DigestCRC32C
)

// readBufferMargin is extra slack added on top of the header and the
// configured chunk size when sizing the receive buffer.
const readBufferMargin = 256

// Endpoint owns one UDP socket and every Surface/Reception driven over it.
// One Endpoint can expose objects and pull receptions concurrently; the
// caller is responsible for choosing one Config per operation (spec §6:
// "all configuration is via the Config struct").
type Endpoint struct {
	conn net.PacketConn
	ep   *endpoint.Endpoint
	stop context.CancelFunc
	done chan struct{}
}

// Listen opens a datagram socket at address (e.g. "udp", "0.0.0.0:4433")
// and starts the endpoint driver. cfg's ChunkSize bounds the receive
// buffer; pass the largest ChunkSize any Config given to Expose or Pull on
// this Endpoint will use.
func Listen(network, address string, cfg *Config) (*Endpoint, error) {
	conn, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, fmt.Errorf("etp.Listen: %w", err)
	}

	readBufSize := wire.HeaderSize + cfg.ChunkSize + readBufferMargin
	ep := endpoint.New(conn, readBufSize, nil)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{conn: conn, ep: ep, stop: cancel, done: make(chan struct{})}
	go func() {
		defer close(e.done)
		ep.Run(ctx)
	}()
	return e, nil
}

// LocalAddr returns the socket's bound local address.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Close stops the driver and closes the underlying socket. Any Expose'd
// Surface not yet Release'd stops responding; any Reception not yet
// terminal never completes.
func (e *Endpoint) Close() error {
	e.stop()
	err := e.conn.Close()
	<-e.done
	return err
}

// Expose exposes object for pulling, advertised via MANIFEST packets sent
// to dest, per spec §6 expose(). digestAlg selects the payload checksum
// negotiated to receivers through the manifest.
func (e *Endpoint) Expose(object []byte, dest net.Addr, cfg *Config, digestAlg DigestAlgorithm) (*ExposureHandle, error) {
	return e.ep.Expose(object, dest, cfg, digestAlg)
}

// Pull starts receiving from peer, per spec §6 pull(). If id is nil, the
// returned handle completes discovery automatically on the first manifest
// observed from peer ("the next exposure discovered at this address").
func (e *Endpoint) Pull(id *ExposureId, peer net.Addr, cfg *Config) *ReceptionHandle {
	return e.ep.Pull(id, peer, cfg)
}

// Cancel moves h to CANCELLED immediately, per spec §6 cancel().
func (e *Endpoint) Cancel(h *ReceptionHandle) {
	e.ep.Cancel(h)
}

// Release stops further manifest emission and request service for h's
// Surface, per spec §6 release().
func Release(h *ExposureHandle) { h.Release() }

// WaitComplete blocks until h reaches a terminal state or ctx is
// cancelled, per spec §6 wait_complete(). Returns the reconstructed object
// on COMPLETE, or the failure/cancellation error otherwise.
func WaitComplete(ctx context.Context, h *ReceptionHandle) ([]byte, error) {
	return h.WaitComplete(ctx)
}

// SnapshotExposureStats reads h's counters without mutating state, per
// spec §6 snapshot_stats().
func SnapshotExposureStats(h *ExposureHandle) ExposureStats { return h.Stats() }

// SnapshotReceptionStats reads h's counters without mutating state, per
// spec §6 snapshot_stats().
func SnapshotReceptionStats(h *ReceptionHandle) ReceptionStats { return h.Stats() }
