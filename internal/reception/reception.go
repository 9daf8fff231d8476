// Package reception implements spec §4.4 (C4): the receiver-side state
// machine that discovers an exposure from its manifest, schedules and
// retries pull requests, assembles chunks into FEC blocks, and reconstructs
// the original object byte-for-byte.
//
// Grounded on the teacher's internal/dns-server QueueManager's per-consumer
// delivery-state tracking (StateNew/StateDelivered/StateConsumed plus a TTL
// sweep), generalized from a three-state delivery queue to the five-state
// exposure lifecycle spec §4.4 requires.
package reception

import (
	"sort"
	"time"

	"github.com/exposurenet/etp/internal/chunkcodec"
	"github.com/exposurenet/etp/internal/config"
	"github.com/exposurenet/etp/internal/etperrors"
	"github.com/exposurenet/etp/internal/ident"
	"github.com/exposurenet/etp/internal/pacer"
	"github.com/exposurenet/etp/internal/wire"
)

// State is one node of the receiver-side state machine from spec §4.4.
type State int

const (
	Discovering State = iota
	Receiving
	Complete
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "DISCOVERING"
	case Receiving:
		return "RECEIVING"
	case Complete:
		return "COMPLETE"
	case Cancelled:
		return "CANCELLED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type inFlightEntry struct {
	sentAt  time.Time
	backoff time.Duration
}

// Stats is a read-only counters snapshot.
type Stats struct {
	State          State
	ChunksReceived uint64
	BytesReceived  uint64
	Retransmits    uint64
	Window         int
}

// Reception is one exposure's receiver-side record (spec §3 "Reception").
// Exported methods are meant to be called only from the owning endpoint
// driver's single goroutine.
type Reception struct {
	id      ident.ExposureId
	peerKey string
	cfg     *config.Config

	state    State
	failKind etperrors.Kind
	failErr  error

	manifest     wire.ManifestPayload
	haveManifest bool
	codec        *chunkcodec.Codec
	numData      uint32
	totalChunks  uint32
	layouts      []chunkcodec.BlockLayout
	digest       wire.Digest

	blocks       []*chunkcodec.BlockReconstructor
	blockDecoded []bool
	chunkBitmap  *bitmap
	object       []byte

	pacer    *pacer.ReceiverPacer
	inFlight map[uint32]*inFlightEntry

	createdAt        time.Time
	lastValidChunkAt time.Time

	chunksReceived          uint64
	bytesReceived           uint64
	retransmits             uint64
	retransmitsThisInterval int
	receivedThisInterval    int
	malformed               uint64
}

// New creates a Reception in DISCOVERING state, waiting for its first
// manifest. peerKey identifies the exposing peer (e.g. its UDP address).
func New(id ident.ExposureId, peerKey string, cfg *config.Config) *Reception {
	now := time.Now()
	return &Reception{
		id:               id,
		peerKey:          peerKey,
		cfg:              cfg,
		state:            Discovering,
		pacer:            pacer.NewReceiverPacer(cfg.InitialWindow, cfg.MaxWindow),
		inFlight:         make(map[uint32]*inFlightEntry),
		createdAt:        now,
		lastValidChunkAt: now,
	}
}

// ID returns the exposure id being received.
func (r *Reception) ID() ident.ExposureId { return r.id }

// State returns the current lifecycle state.
func (r *Reception) State() State { return r.state }

// FailKind returns the error kind that moved this Reception to FAILED, valid
// only when State() == Failed.
func (r *Reception) FailKind() etperrors.Kind { return r.failKind }

// ObserveManifest records a MANIFEST payload, per spec §4.4 ("Transition to
// RECEIVING on the first valid manifest") and Invariant 1
// (InconsistentManifest on later disagreement, scenario S6).
func (r *Reception) ObserveManifest(payload wire.ManifestPayload, now time.Time) error {
	if r.state != Discovering && r.state != Receiving {
		return nil
	}

	if r.haveManifest {
		if r.manifest.ConsistentWith(payload) {
			return nil
		}
		r.fail(etperrors.InconsistentManifest, etperrors.New(etperrors.InconsistentManifest, "reception.ObserveManifest: manifest disagreement"))
		return r.failErr
	}

	codec, err := chunkcodec.New(int(payload.ChunkSize), int(payload.FecK), int(payload.FecR))
	if err != nil {
		r.fail(etperrors.InvalidArgument, err)
		return r.failErr
	}
	numData, err := codec.NumDataChunks(int64(payload.TotalSize))
	if err != nil {
		r.fail(etperrors.InvalidArgument, err)
		return r.failErr
	}
	totalChunks, err := codec.TotalChunks(int64(payload.TotalSize))
	if err != nil {
		r.fail(etperrors.InvalidArgument, err)
		return r.failErr
	}
	layouts := codec.BlockLayouts(numData, int64(payload.TotalSize))

	blocks := make([]*chunkcodec.BlockReconstructor, len(layouts))
	for i, layout := range layouts {
		blocks[i] = chunkcodec.NewBlockReconstructor(codec, layout)
	}

	r.manifest = payload
	r.haveManifest = true
	r.codec = codec
	r.numData = numData
	r.totalChunks = totalChunks
	r.layouts = layouts
	r.digest = payload.DigestAlgorithm.Resolve()
	r.blocks = blocks
	r.blockDecoded = make([]bool, len(layouts))
	r.chunkBitmap = newBitmap(int(totalChunks))
	r.object = make([]byte, payload.TotalSize)
	r.lastValidChunkAt = now
	r.state = Receiving
	return nil
}

func (r *Reception) fail(kind etperrors.Kind, err error) {
	if r.state == Complete || r.state == Cancelled || r.state == Failed {
		return
	}
	r.state = Failed
	r.failKind = kind
	r.failErr = err
	r.object = nil
	r.inFlight = nil
}

// HandleChunkData records one verified CHUNK_DATA payload. The caller is
// responsible for wire-level digest verification before calling this (spec
// Invariant 2: "a chunk stored in any Reception has been integrity-verified").
func (r *Reception) HandleChunkData(chunkID uint32, data []byte, now time.Time) {
	if r.state != Receiving {
		return
	}

	block, role, indexInBlock, ok := r.codec.Locate(chunkID, r.numData)
	if !ok {
		r.malformed++
		return
	}
	if r.blockDecoded[block] {
		delete(r.inFlight, chunkID)
		return
	}

	br := r.blocks[block]
	if br.Has(chunkID, role, indexInBlock) {
		// Duplicate valid chunk: still a liveness signal from the peer.
		r.lastValidChunkAt = now
		delete(r.inFlight, chunkID)
		return
	}

	if !br.Add(chunkID, role, indexInBlock, data) {
		r.malformed++
		return
	}

	r.chunkBitmap.Set(int(chunkID))
	delete(r.inFlight, chunkID)
	r.lastValidChunkAt = now
	r.chunksReceived++
	r.bytesReceived += uint64(len(data))
	r.receivedThisInterval++

	if role == chunkcodec.RoleData {
		layout := r.layouts[block]
		dataSeq := block*r.codec.K + indexInBlock
		offset := dataSeq * r.codec.ChunkSize
		copy(r.object[offset:offset+layout.DataLens[indexInBlock]], data)
	}

	// Decode is left to the caller: the endpoint driver batches every
	// newly-ready block (possibly across several Receptions) into its FEC
	// worker pool and calls MergeDecodedBlock once results come back, per
	// spec §5 ("parallelism inside a single exposure is permitted only for
	// CPU-bound FEC encoding/decoding... results are merged back into the
	// driver's state at packet boundaries").
}

// ReadyUndecodedBlocks returns the indices of blocks that have reached
// threshold K but have not yet been decoded, for the driver's FEC worker
// pool to pick up.
func (r *Reception) ReadyUndecodedBlocks() []int {
	if r.state != Receiving {
		return nil
	}
	var out []int
	for i, done := range r.blockDecoded {
		if !done && r.blocks[i].Ready() {
			out = append(out, i)
		}
	}
	return out
}

// DecodeBlockPure runs Reed-Solomon reconstruction for one ready block and
// returns its data chunks without touching any other Reception state. Safe
// to call concurrently with DecodeBlockPure calls for other blocks (on this
// Reception or any other) since it only reads the block's recorded shards.
func (r *Reception) DecodeBlockPure(block int) ([]chunkcodec.Chunk, error) {
	return r.blocks[block].Decode()
}

// MergeDecodedBlock applies the result of an out-of-band DecodeBlockPure
// call: writes recovered bytes into the object buffer, marks the block and
// any newly-known chunk bits, cancels in-flight requests for the block, and
// advances to COMPLETE if this was the last pending block. Must be called
// from the endpoint driver's own goroutine.
func (r *Reception) MergeDecodedBlock(block int, chunks []chunkcodec.Chunk, err error) {
	if r.state != Receiving || r.blockDecoded[block] {
		return
	}
	if err != nil {
		r.fail(etperrors.FecDecodeFailed, err)
		return
	}

	layout := r.layouts[block]
	dataSeqBase := block * r.codec.K
	for i, ch := range chunks {
		id := layout.DataChunkIDs[i]
		if !r.chunkBitmap.Get(int(id)) && ch.Data != nil {
			offset := (dataSeqBase + i) * r.codec.ChunkSize
			copy(r.object[offset:offset+len(ch.Data)], ch.Data)
		}
		r.chunkBitmap.Set(int(id))
	}

	r.blockDecoded[block] = true
	for _, id := range layout.DataChunkIDs {
		delete(r.inFlight, id)
	}
	for _, id := range layout.ParityChunkIDs {
		delete(r.inFlight, id)
	}

	for _, done := range r.blockDecoded {
		if !done {
			return
		}
	}
	r.state = Complete
	r.inFlight = nil
}

// candidateBlock scores a block by "closest to threshold K" for the
// scheduling policy: fewer chunks still needed sorts first.
type candidateBlock struct {
	index  int
	needed int
}

// NextRequests selects up to max chunk ids to request next, per spec §4.4's
// scheduling policy: prefer blocks closest to threshold K, then ascending id
// order within a block among chunks neither stored nor in-flight. Selected
// ids are marked in-flight with the configured initial retry backoff.
func (r *Reception) NextRequests(max int, now time.Time) []uint32 {
	if r.state != Receiving || max <= 0 {
		return nil
	}

	budget := r.pacer.Window() - len(r.inFlight)
	if budget <= 0 {
		return nil
	}
	if budget < max {
		max = budget
	}

	var candidates []candidateBlock
	for i, done := range r.blockDecoded {
		if done {
			continue
		}
		needed := r.codec.K - r.blocks[i].Known()
		candidates = append(candidates, candidateBlock{index: i, needed: needed})
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].needed < candidates[b].needed })

	var out []uint32
	for _, c := range candidates {
		if len(out) >= max {
			break
		}
		layout := r.layouts[c.index]
		ids := make([]uint32, 0, len(layout.DataChunkIDs)+len(layout.ParityChunkIDs))
		ids = append(ids, layout.DataChunkIDs...)
		ids = append(ids, layout.ParityChunkIDs...)
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

		for _, id := range ids {
			if len(out) >= max {
				break
			}
			if r.chunkBitmap.Get(int(id)) {
				continue
			}
			if _, inFlight := r.inFlight[id]; inFlight {
				continue
			}
			r.inFlight[id] = &inFlightEntry{sentAt: now, backoff: r.cfg.RetryInitial}
			out = append(out, id)
		}
	}
	return out
}

// ServiceRetries scans in-flight requests for expired retry deadlines,
// returning the chunk ids to retransmit. Backoff doubles per retransmit,
// capped at RetryMax, per spec §4.4.
func (r *Reception) ServiceRetries(now time.Time) []uint32 {
	if r.state != Receiving {
		return nil
	}

	var due []uint32
	for id, entry := range r.inFlight {
		if now.Sub(entry.sentAt) < entry.backoff {
			continue
		}
		due = append(due, id)
		entry.sentAt = now
		entry.backoff *= 2
		if entry.backoff > r.cfg.RetryMax {
			entry.backoff = r.cfg.RetryMax
		}
		r.retransmits++
		r.retransmitsThisInterval++
		r.pacer.OnRetransmit()
	}
	sort.Slice(due, func(a, b int) bool { return due[a] < due[b] })
	return due
}

// PacerTick applies one AIMD update step to the receiver pacer using the
// retransmit/received counts accumulated since the last tick, and resets
// those counters. Called once per pacer.UpdateInterval by the endpoint
// driver's timer service.
func (r *Reception) PacerTick() {
	r.pacer.Update(r.retransmitsThisInterval, r.receivedThisInterval)
	r.retransmitsThisInterval = 0
	r.receivedThisInterval = 0
}

// CheckIdle fails the Reception with PeerUnresponsive if no valid chunk (or
// manifest progress) has been observed within cfg.IdleDeadline, per spec §5
// and scenario S5. Returns true if the Reception just transitioned to
// FAILED.
func (r *Reception) CheckIdle(now time.Time) bool {
	if r.state != Discovering && r.state != Receiving {
		return false
	}
	if now.Sub(r.lastValidChunkAt) <= r.cfg.IdleDeadline {
		return false
	}
	r.fail(etperrors.PeerUnresponsive, etperrors.New(etperrors.PeerUnresponsive, "reception.CheckIdle: idle_deadline exceeded"))
	return true
}

// Cancel moves the Reception to CANCELLED immediately and releases its
// buffer, per spec §4.4 and §5 ("Reception cancellation is immediate").
func (r *Reception) Cancel() {
	if r.state == Complete || r.state == Cancelled || r.state == Failed {
		return
	}
	r.state = Cancelled
	r.object = nil
	r.inFlight = nil
}

// Object returns the reconstructed bytes once COMPLETE, or an error
// describing why it is not available yet or failed terminally.
func (r *Reception) Object() ([]byte, error) {
	switch r.state {
	case Complete:
		return r.object, nil
	case Failed:
		return nil, r.failErr
	case Cancelled:
		return nil, etperrors.New(etperrors.Cancelled, "reception.Object: reception was cancelled")
	default:
		return nil, etperrors.New(etperrors.InvalidArgument, "reception.Object: not complete")
	}
}

// Digest returns the negotiated payload digest, valid once a manifest has
// been observed (state >= RECEIVING). Used by the endpoint driver to verify
// inbound CHUNK_DATA packets before calling HandleChunkData.
func (r *Reception) Digest() wire.Digest { return r.digest }

// TotalChunks returns the manifest's advertised total chunk count, valid
// once a manifest has been observed.
func (r *Reception) TotalChunks() uint32 { return r.totalChunks }

// Window returns the receiver pacer's current in-flight window.
func (r *Reception) Window() int {
	if r.pacer == nil {
		return 0
	}
	return r.pacer.Window()
}

// Stats returns a point-in-time counters snapshot.
func (r *Reception) Stats() Stats {
	return Stats{
		State:          r.state,
		ChunksReceived: r.chunksReceived,
		BytesReceived:  r.bytesReceived,
		Retransmits:    r.retransmits,
		Window:         r.Window(),
	}
}
