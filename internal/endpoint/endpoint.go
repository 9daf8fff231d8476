// Package endpoint implements spec §4.6 (C6): the single datagram endpoint
// driver that owns every Surface and Reception registered against one
// net.PacketConn, dispatches inbound packets, services per-component
// timers, and offloads CPU-bound FEC reconstruction to a worker pool.
//
// Grounded on the teacher's cmd/dns-server request-dispatch shape (decode,
// switch on request kind, hand off to the owning component) generalized
// from DNS query parsing to the protocol's four wire packet types, and on
// internal/dns-server's QueueManager for the handle/registry bookkeeping
// pattern (map keyed by id, entries carrying their own bookkeeping state).
package endpoint

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/exposurenet/etp/internal/chunkcodec"
	"github.com/exposurenet/etp/internal/config"
	"github.com/exposurenet/etp/internal/etperrors"
	"github.com/exposurenet/etp/internal/ident"
	"github.com/exposurenet/etp/internal/pacer"
	"github.com/exposurenet/etp/internal/reception"
	"github.com/exposurenet/etp/internal/surface"
	"github.com/exposurenet/etp/internal/wire"
)

// driverTick is the internal scheduling granularity the single-threaded
// poll loop uses to check per-Surface/per-Reception timers (manifest
// re-emit, pacer updates, retransmit scans, idle deadlines). Spec §4.6
// leaves the exact timer implementation unspecified; this value is well
// below the smallest configurable interval (retry_initial_ms default 200)
// so no timer fires more than one tick late.
const driverTick = 50 * time.Millisecond

type surfaceEntry struct {
	surface          *surface.Surface
	addr             net.Addr
	pacer            *pacer.SenderPacer
	manifestInterval time.Duration
	lastManifestAt   time.Time
	lastPacerTick    time.Time
}

type receptionEntry struct {
	r             *reception.Reception
	addr          net.Addr
	handle        *ReceptionHandle
	lastPacerTick time.Time
	notified      bool
}

type discoveringEntry struct {
	cfg    *config.Config
	handle *ReceptionHandle
}

type inboundPacket struct {
	addr net.Addr
	data []byte
}

// Endpoint owns one datagram socket and every Surface/Reception registered
// against it. All component state (the two registries below) is mutated
// only from within Run's goroutine; Expose/Pull/Cancel post closures onto
// a command channel so callers on other goroutines never touch that state
// directly, per spec §5 ("No shared mutable state crosses drivers except
// through explicit queues").
type Endpoint struct {
	conn   net.PacketConn
	logger *log.Logger

	surfaces    map[ident.ExposureId]*surfaceEntry
	receptions  map[ident.ExposureId]*receptionEntry
	discovering map[string]*discoveringEntry

	cmds    chan func()
	inbound chan inboundPacket
	errCh   chan error

	readBufSize int
}

// New builds an Endpoint over conn. readBufSize should be at least
// wire.HeaderSize plus the largest chunk_size any registered Surface or
// expected Reception will use.
func New(conn net.PacketConn, readBufSize int, logger *log.Logger) *Endpoint {
	if logger == nil {
		logger = log.Default()
	}
	return &Endpoint{
		conn:        conn,
		logger:      logger,
		surfaces:    make(map[ident.ExposureId]*surfaceEntry),
		receptions:  make(map[ident.ExposureId]*receptionEntry),
		discovering: make(map[string]*discoveringEntry),
		cmds:        make(chan func()),
		inbound:     make(chan inboundPacket, 64),
		errCh:       make(chan error, 1),
		readBufSize: readBufSize,
	}
}

// Errors returns the channel fatal per-endpoint errors (socket death) are
// reported on, per spec §7 ("Per-endpoint errors... are fatal for that
// driver and reported via the caller's handle").
func (e *Endpoint) Errors() <-chan error { return e.errCh }

// Run drives the poll loop until ctx is cancelled or the socket dies. Must
// be called exactly once, typically as `go ep.Run(ctx)`; Expose/Pull/Cancel
// must be called from a different goroutine than the one running Run.
func (e *Endpoint) Run(ctx context.Context) error {
	go e.readLoop(ctx)

	ticker := time.NewTicker(driverTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.cmds:
			cmd()
			e.serviceFEC(ctx)
		case pkt, ok := <-e.inbound:
			if !ok {
				select {
				case err := <-e.errCh:
					return err
				default:
					return nil
				}
			}
			e.dispatch(pkt.addr, pkt.data, time.Now())
			e.serviceFEC(ctx)
		case now := <-ticker.C:
			e.serviceTimers(now)
			e.serviceFEC(ctx)
		}
	}
}

func (e *Endpoint) readLoop(ctx context.Context) {
	buf := make([]byte, e.readBufSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case e.errCh <- etperrors.Wrap(etperrors.ResourceExhausted, "endpoint: socket read", err):
			default:
			}
			close(e.inbound)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.inbound <- inboundPacket{addr: addr, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch decodes one inbound datagram and hands it to the owning
// component, per spec §4.6 step 2. Every failure path counts and drops;
// the protocol has no NACK.
func (e *Endpoint) dispatch(addr net.Addr, data []byte, now time.Time) {
	h, body, err := wire.DecodeHeader(data)
	if err != nil {
		return
	}

	switch h.Type {
	case wire.TypePullRequest:
		e.handlePullRequest(h, body, addr, now)
	case wire.TypeManifest:
		e.handleManifest(h, body, addr, now)
	case wire.TypeChunkData:
		e.handleChunkData(h, body, now)
	case wire.TypeExposureComplete:
		// Best-effort courtesy only; no state transition required.
	}
}

func (e *Endpoint) handlePullRequest(h wire.Header, body []byte, addr net.Addr, now time.Time) {
	se, ok := e.surfaces[h.ExposureId]
	if !ok {
		return
	}
	if _, err := wire.VerifyPayload(h, body, wire.AdditiveDigest{}); err != nil {
		return
	}
	if !se.pacer.Allow() {
		return
	}
	packet := se.surface.HandlePullRequest(addr.String(), h.ChunkId, now)
	if packet == nil {
		return
	}
	if _, err := e.conn.WriteTo(packet, addr); err != nil {
		e.logger.Printf("endpoint: write CHUNK_DATA to %s: %v", addr, err)
	}
}

func (e *Endpoint) handleManifest(h wire.Header, body []byte, addr net.Addr, now time.Time) {
	payload, err := wire.VerifyPayload(h, body, wire.AdditiveDigest{})
	if err != nil {
		return
	}
	mp, err := wire.DecodeManifestPayload(payload)
	if err != nil {
		return
	}

	if re, ok := e.receptions[h.ExposureId]; ok {
		re.r.ObserveManifest(mp, now)
		return
	}

	key := addr.String()
	pending, ok := e.discovering[key]
	if !ok {
		return
	}
	delete(e.discovering, key)

	r := reception.New(h.ExposureId, key, pending.cfg)
	if err := r.ObserveManifest(mp, now); err != nil {
		pending.handle.finish(nil, err)
		return
	}
	entry := &receptionEntry{r: r, addr: addr, handle: pending.handle, lastPacerTick: now}
	e.receptions[h.ExposureId] = entry
	pending.handle.bind(h.ExposureId, r)
}

func (e *Endpoint) handleChunkData(h wire.Header, body []byte, now time.Time) {
	re, ok := e.receptions[h.ExposureId]
	if !ok || re.r.State() != reception.Receiving {
		return
	}
	payload, err := wire.VerifyPayload(h, body, re.r.Digest())
	if err != nil {
		return
	}
	re.r.HandleChunkData(h.ChunkId, payload, now)
}

// serviceTimers runs spec §4.6 step 3 (manifest emission per Surface,
// retransmit scan per Reception) and step 4 (pacer gating is applied
// inline by handlePullRequest for responses and here for new requests).
func (e *Endpoint) serviceTimers(now time.Time) {
	for id, se := range e.surfaces {
		if se.surface.Released() {
			delete(e.surfaces, id)
			continue
		}
		if now.Sub(se.lastManifestAt) >= se.manifestInterval {
			if _, err := e.conn.WriteTo(se.surface.ManifestPacket(), se.addr); err != nil {
				e.logger.Printf("endpoint: write MANIFEST for %s: %v", id, err)
			}
			se.lastManifestAt = now
		}
		if now.Sub(se.lastPacerTick) >= pacer.UpdateInterval {
			se.pacer.Update(se.surface.Stats().PullPressure)
			se.lastPacerTick = now
		}
	}

	for _, re := range e.receptions {
		if re.r.CheckIdle(now) {
			continue
		}
		if now.Sub(re.lastPacerTick) >= pacer.UpdateInterval {
			re.r.PacerTick()
			re.lastPacerTick = now
		}
		for _, chunkID := range re.r.ServiceRetries(now) {
			e.sendPullRequest(re, chunkID)
		}
		for _, chunkID := range re.r.NextRequests(re.r.Window(), now) {
			e.sendPullRequest(re, chunkID)
		}
	}

	e.reapTerminal()
}

func (e *Endpoint) sendPullRequest(re *receptionEntry, chunkID uint32) {
	h := wire.Header{Version: wire.Version, Type: wire.TypePullRequest, ExposureId: re.r.ID(), ChunkId: chunkID}
	packet := wire.Encode(h, nil, wire.AdditiveDigest{})
	if _, err := e.conn.WriteTo(packet, re.addr); err != nil {
		e.logger.Printf("endpoint: write PULL_REQUEST to %s: %v", re.addr, err)
	}
}

// reapTerminal notifies each Reception's handle exactly once after it
// reaches a terminal state, per spec §6's wait_complete contract.
func (e *Endpoint) reapTerminal() {
	for id, re := range e.receptions {
		if re.notified {
			continue
		}
		switch re.r.State() {
		case reception.Complete:
			obj, _ := re.r.Object()
			re.handle.finish(obj, nil)
			re.notified = true
		case reception.Failed:
			_, err := re.r.Object()
			re.handle.finish(nil, err)
			re.notified = true
		case reception.Cancelled:
			re.handle.finish(nil, etperrors.New(etperrors.Cancelled, "endpoint: reception cancelled"))
			re.notified = true
		}
		_ = id
	}
}

// serviceFEC batches every block across every Reception that has reached
// threshold K but hasn't been decoded yet, decodes them concurrently on a
// worker pool, and merges the results back into driver state, per spec §5
// ("parallelism inside a single exposure is permitted only for CPU-bound
// FEC encoding/decoding... results are merged back into the driver's state
// at packet boundaries").
func (e *Endpoint) serviceFEC(ctx context.Context) {
	type job struct {
		id    ident.ExposureId
		block int
	}
	var jobs []job
	for id, re := range e.receptions {
		for _, b := range re.r.ReadyUndecodedBlocks() {
			jobs = append(jobs, job{id: id, block: b})
		}
	}
	if len(jobs) == 0 {
		return
	}

	chunks := make([][]chunkcodec.Chunk, len(jobs))
	errs := make([]error, len(jobs))

	g, _ := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		re := e.receptions[j.id]
		g.Go(func() error {
			chunks[i], errs[i] = re.r.DecodeBlockPure(j.block)
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range jobs {
		if re, ok := e.receptions[j.id]; ok {
			re.r.MergeDecodedBlock(j.block, chunks[i], errs[i])
		}
	}
}

// Expose registers a new Surface for object, returning a handle with the
// generated exposure id and read-only counters (spec §6 expose()). addr is
// the manifest destination configured at exposure time.
func (e *Endpoint) Expose(object []byte, addr net.Addr, cfg *config.Config, digestAlg wire.DigestAlgorithm) (*SurfaceHandle, error) {
	type result struct {
		h   *SurfaceHandle
		err error
	}
	resCh := make(chan result, 1)
	e.cmds <- func() {
		id := ident.Generate()
		s, err := surface.New(id, object, cfg, digestAlg)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		now := time.Now()
		e.surfaces[id] = &surfaceEntry{
			surface:          s,
			addr:             addr,
			pacer:            pacer.NewSenderPacer(cfg.EmitRateInitial, cfg.EmitRateMin, cfg.EmitRateMax),
			manifestInterval: cfg.ManifestInterval,
			lastManifestAt:   now.Add(-cfg.ManifestInterval), // emit the first manifest immediately
			lastPacerTick:    now,
		}
		resCh <- result{h: &SurfaceHandle{s: s}}
	}
	r := <-resCh
	return r.h, r.err
}

// Pull registers a new Reception (spec §6 pull()). If id is nil, the
// returned handle completes discovery automatically on the first manifest
// observed from addr.
func (e *Endpoint) Pull(id *ident.ExposureId, addr net.Addr, cfg *config.Config) *ReceptionHandle {
	handle := &ReceptionHandle{doneCh: make(chan struct{})}
	e.cmds <- func() {
		if id != nil {
			r := reception.New(*id, addr.String(), cfg)
			e.receptions[*id] = &receptionEntry{r: r, addr: addr, handle: handle, lastPacerTick: time.Now()}
			handle.bind(*id, r)
			return
		}
		e.discovering[addr.String()] = &discoveringEntry{cfg: cfg, handle: handle}
	}
	return handle
}

// Cancel moves h's Reception to CANCELLED immediately, or, if discovery
// has not yet bound an exposure id, withdraws the pending discovery request
// (spec §6 cancel()).
func (e *Endpoint) Cancel(h *ReceptionHandle) {
	e.cmds <- func() {
		id, bound := h.boundID()
		if bound {
			if re, ok := e.receptions[id]; ok {
				re.r.Cancel()
			}
			return
		}
		for key, pending := range e.discovering {
			if pending.handle == h {
				delete(e.discovering, key)
				break
			}
		}
		h.finish(nil, etperrors.New(etperrors.Cancelled, "endpoint.Cancel: withdrawn before discovery"))
	}
}

// SurfaceHandle is the caller-facing handle for an exposed object (spec §6
// ExposureHandle). Release and Stats are safe to call from any goroutine:
// Surface's own counters and released flag are atomics.
type SurfaceHandle struct {
	s *surface.Surface
}

// ID returns the generated exposure id.
func (h *SurfaceHandle) ID() ident.ExposureId { return h.s.ID() }

// Release stops manifest emission and request service (spec §6 release()).
func (h *SurfaceHandle) Release() { h.s.Release() }

// Stats returns a read-only counters snapshot (spec §6 snapshot_stats()).
func (h *SurfaceHandle) Stats() surface.Stats { return h.s.Stats() }

// ReceptionHandle is the caller-facing handle for a pull in progress (spec
// §6 ReceptionHandle). Safe for concurrent use: all fields are guarded by
// mu, and completion is signaled once via doneCh.
type ReceptionHandle struct {
	mu    sync.Mutex
	id    ident.ExposureId
	bound bool
	r     *reception.Reception

	doneCh chan struct{}
	done   bool
	result []byte
	err    error
}

func (h *ReceptionHandle) bind(id ident.ExposureId, r *reception.Reception) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.id, h.r, h.bound = id, r, true
}

func (h *ReceptionHandle) boundID() (ident.ExposureId, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.bound
}

func (h *ReceptionHandle) finish(result []byte, err error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.result, h.err, h.done = result, err, true
	h.mu.Unlock()
	close(h.doneCh)
}

// State returns the current lifecycle state, or DISCOVERING if no exposure
// id has been bound yet.
func (h *ReceptionHandle) State() reception.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.bound {
		return reception.Discovering
	}
	return h.r.State()
}

// ID returns the bound exposure id, if discovery has completed.
func (h *ReceptionHandle) ID() (ident.ExposureId, bool) { return h.boundID() }

// WaitComplete blocks until the Reception reaches a terminal state or ctx
// is cancelled, per spec §6 wait_complete().
func (h *ReceptionHandle) WaitComplete(ctx context.Context) ([]byte, error) {
	select {
	case <-h.doneCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a read-only counters snapshot. Valid only once bound;
// returns the zero value while still DISCOVERING.
func (h *ReceptionHandle) Stats() reception.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.bound {
		return reception.Stats{State: reception.Discovering}
	}
	return h.r.Stats()
}
