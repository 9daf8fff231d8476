// Package surface implements spec §4.3 (C3): the sender-side Exposure
// record, pull-request servicing, manifest emission, pull-pressure tracking,
// and the lazy parity cache.
//
// Grounded on internal/dns-server/storage.go's MemoryStorage (mutex-guarded
// map plus a read-only StorageStats snapshot) and QueueManager's
// per-consumer bookkeeping pattern, scoped down to in-process-only state
// (spec §6: "Persisted state: none").
package surface

import (
	"crypto/sha256"
	"sync/atomic"
	"time"

	"github.com/exposurenet/etp/internal/chunkcodec"
	"github.com/exposurenet/etp/internal/config"
	"github.com/exposurenet/etp/internal/etperrors"
	"github.com/exposurenet/etp/internal/ident"
	"github.com/exposurenet/etp/internal/wire"
)

// Stats is a read-only counters snapshot, returned by value so the caller
// never holds a pointer into live Surface state — the same shape as the
// teacher's StorageStats returned from GetStats() under an RLock.
type Stats struct {
	BytesEmitted      uint64
	PullPressure      float64
	MalformedRequests uint64
	ChunksServed      uint64
}

// Surface holds one exposure's sender-side state: metadata, chunk store,
// pull-pressure counters (spec §3 "Exposure"). Exported methods other than
// Stats/Release are meant to be called only from the owning endpoint
// driver's single goroutine (spec §5); Stats and Release are safe to call
// from any goroutine.
type Surface struct {
	id        ident.ExposureId
	object    []byte
	codec     *chunkcodec.Codec
	numData   uint32
	totalChunks uint32
	layouts   []chunkcodec.BlockLayout
	digest    wire.Digest
	digestAlg wire.DigestAlgorithm

	manifestPayload wire.ManifestPayload
	createdAt       time.Time

	parity *parityCache
	dedupe *requestDedupe
	pressure *decayingCounter

	bytesEmitted      uint64
	malformedRequests uint64
	chunksServed      uint64

	released int32
}

// New builds a Surface for object under cfg, computing its FEC layout and
// manifest payload up front. object must be non-empty (spec §4.2 edge case).
func New(id ident.ExposureId, object []byte, cfg *config.Config, digestAlg wire.DigestAlgorithm) (*Surface, error) {
	if len(object) == 0 {
		return nil, etperrors.New(etperrors.InvalidArgument, "surface.New: object must be non-empty")
	}

	codec, err := chunkcodec.New(cfg.ChunkSize, cfg.FecK, cfg.FecR)
	if err != nil {
		return nil, err
	}

	numData, err := codec.NumDataChunks(int64(len(object)))
	if err != nil {
		return nil, err
	}
	totalChunks, err := codec.TotalChunks(int64(len(object)))
	if err != nil {
		return nil, err
	}
	layouts := codec.BlockLayouts(numData, int64(len(object)))

	now := time.Now()
	contentDigest := sha256.Sum256(object)

	s := &Surface{
		id:          id,
		object:      object,
		codec:       codec,
		numData:     numData,
		totalChunks: totalChunks,
		layouts:     layouts,
		digest:      digestAlg.Resolve(),
		digestAlg:   digestAlg,
		createdAt:   now,
		parity:      newParityCache(cfg.ParityCacheChunks),
		dedupe:      newRequestDedupe(cfg.ParityCacheChunks),
		pressure:    newDecayingCounter(now),
		manifestPayload: wire.ManifestPayload{
			TotalSize:       uint64(len(object)),
			ChunkSize:       uint32(cfg.ChunkSize),
			FecK:            uint8(cfg.FecK),
			FecR:             uint8(cfg.FecR),
			DigestAlgorithm: digestAlg,
			ContentDigest:   contentDigest,
		},
	}
	return s, nil
}

// ID returns the exposure id.
func (s *Surface) ID() ident.ExposureId { return s.id }

// TotalChunks returns the advertised total chunk count.
func (s *Surface) TotalChunks() uint32 { return s.totalChunks }

// Released reports whether Release has been called.
func (s *Surface) Released() bool { return atomic.LoadInt32(&s.released) != 0 }

// Release stops further manifest emission and request service. Immediate:
// in-flight emissions already handed to the OS may still be sent, but no new
// emissions occur after this returns (spec §5).
func (s *Surface) Release() { atomic.StoreInt32(&s.released, 1) }

// ManifestPacket returns the wire bytes of a MANIFEST packet for this
// exposure, computed fresh each call (TotalChunks/FecK/FecR never change
// after creation per spec Invariant 4, so the payload is identical every
// time; Header.TotalChunks is set from the live count for convenience).
//
// The MANIFEST's own payload checksum always uses the fixed additive
// digest, never the negotiated one carried inside the payload: a receiver
// has no algorithm to negotiate with until it has decoded a first manifest,
// so the manifest itself can't be checksummed with the thing it's
// announcing. Only CHUNK_DATA payloads use the negotiated digest.
func (s *Surface) ManifestPacket() []byte {
	h := wire.Header{
		Version:     wire.Version,
		Type:        wire.TypeManifest,
		ExposureId:  s.id,
		TotalChunks: s.totalChunks,
	}
	return wire.Encode(h, s.manifestPayload.Encode(), wire.AdditiveDigest{})
}

// ExposureCompletePacket returns the wire bytes of a best-effort
// EXPOSURE_COMPLETE announcement.
func (s *Surface) ExposureCompletePacket() []byte {
	h := wire.Header{Version: wire.Version, Type: wire.TypeExposureComplete, ExposureId: s.id}
	return wire.Encode(h, nil, wire.AdditiveDigest{})
}

// HandlePullRequest services one PULL_REQUEST for chunkID from peerKey
// (an opaque string identifying the requester, e.g. its UDP address), per
// spec §4.3 steps 2-5. Returns the CHUNK_DATA packet to emit, or nil if no
// packet should be sent (out-of-range id, coalesced duplicate, or a
// released Surface).
func (s *Surface) HandlePullRequest(peerKey string, chunkID uint32, now time.Time) []byte {
	if s.Released() {
		return nil
	}

	block, role, indexInBlock, ok := s.codec.Locate(chunkID, s.numData)
	if !ok {
		atomic.AddUint64(&s.malformedRequests, 1)
		return nil
	}

	s.pressure.Add(now, 1)

	if !s.dedupe.ShouldRespond(peerKey, chunkID, now) {
		return nil
	}

	chunk, err := s.materialize(block, role, indexInBlock, chunkID)
	if err != nil {
		atomic.AddUint64(&s.malformedRequests, 1)
		return nil
	}

	h := wire.Header{
		Version:    wire.Version,
		Type:       wire.TypeChunkData,
		ExposureId: s.id,
		ChunkId:    chunkID,
	}
	packet := wire.Encode(h, chunk.Data, s.digest)

	atomic.AddUint64(&s.bytesEmitted, uint64(len(packet)))
	atomic.AddUint64(&s.chunksServed, 1)
	return packet
}

func (s *Surface) materialize(block int, role chunkcodec.Role, indexInBlock int, chunkID uint32) (chunkcodec.Chunk, error) {
	layout := s.layouts[block]

	if role == chunkcodec.RoleData {
		dataSeq := block*s.codec.K + indexInBlock
		offset := dataSeq * s.codec.ChunkSize
		end := offset + layout.DataLens[indexInBlock]
		if end > len(s.object) {
			return chunkcodec.Chunk{}, etperrors.New(etperrors.UnknownExposure, "surface.materialize: chunk out of object bounds")
		}
		return chunkcodec.Chunk{ID: chunkID, Data: s.object[offset:end]}, nil
	}

	if data, ok := s.parity.Get(chunkID); ok {
		return chunkcodec.Chunk{ID: chunkID, Data: data}, nil
	}

	dataSeqBase := block * s.codec.K
	dataChunks := make([]chunkcodec.Chunk, len(layout.DataChunkIDs))
	for i, id := range layout.DataChunkIDs {
		offset := (dataSeqBase + i) * s.codec.ChunkSize
		end := offset + layout.DataLens[i]
		dataChunks[i] = chunkcodec.Chunk{ID: id, Data: s.object[offset:end]}
	}

	parity, err := s.codec.EncodeParity(dataChunks, layout)
	if err != nil {
		return chunkcodec.Chunk{}, err
	}
	s.parity.PutBlock(parity)

	for _, ch := range parity {
		if ch.ID == chunkID {
			return ch, nil
		}
	}
	return chunkcodec.Chunk{}, etperrors.New(etperrors.UnknownExposure, "surface.materialize: parity chunk not found after encode")
}

// Stats returns a point-in-time counters snapshot (spec §6 snapshot_stats:
// "counters only; never mutates state").
func (s *Surface) Stats() Stats {
	return Stats{
		BytesEmitted:      atomic.LoadUint64(&s.bytesEmitted),
		PullPressure:      s.pressure.Value(time.Now()),
		MalformedRequests: atomic.LoadUint64(&s.malformedRequests),
		ChunksServed:      atomic.LoadUint64(&s.chunksServed),
	}
}
