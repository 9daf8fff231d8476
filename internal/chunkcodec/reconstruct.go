package chunkcodec

import (
	"github.com/pkg/errors"

	"github.com/exposurenet/etp/internal/etperrors"
)

// BlockReconstructor accumulates valid chunks for one FEC block and decodes
// it once K are available, per spec §4.2 ("once K chunks of a block are
// available, decoding returns the original K data chunks. Reconstruction is
// deterministic and idempotent.").
type BlockReconstructor struct {
	codec  *Codec
	layout BlockLayout

	shards [][]byte // length K+R; nil until that shard id is seen valid
	known  int
}

// NewBlockReconstructor builds a reconstructor for one block.
func NewBlockReconstructor(codec *Codec, layout BlockLayout) *BlockReconstructor {
	return &BlockReconstructor{
		codec:  codec,
		layout: layout,
		shards: make([][]byte, codec.K+codec.R),
	}
}

// Add records one valid chunk's bytes against this block. data must already
// be integrity-verified by the caller (spec Invariant 2). Returns false if
// chunkID does not belong to this block or was already recorded.
func (br *BlockReconstructor) Add(chunkID uint32, role Role, indexInBlock int, data []byte) bool {
	var idx int
	switch role {
	case RoleData:
		if indexInBlock >= len(br.layout.DataChunkIDs) || br.layout.DataChunkIDs[indexInBlock] != chunkID {
			return false
		}
		idx = indexInBlock
	case RoleParity:
		if indexInBlock >= len(br.layout.ParityChunkIDs) || br.layout.ParityChunkIDs[indexInBlock] != chunkID {
			return false
		}
		idx = br.codec.K + indexInBlock
	default:
		return false
	}

	if br.shards[idx] != nil {
		return false
	}
	br.shards[idx] = padded(data, br.codec.ChunkSize)
	br.known++
	return true
}

// Ready reports whether the block is decodable: any K of its N conceptual
// shards are known. The zero-padding shards of a short final block are
// always known, so this holds once as many valid chunks have been recorded
// as the block has real data chunks.
func (br *BlockReconstructor) Ready() bool {
	return br.known >= br.layout.K()
}

// Known returns the number of distinct valid chunks recorded so far, used by
// the receiver's scheduling policy to prefer blocks closest to threshold K.
func (br *BlockReconstructor) Known() int {
	return br.known
}

// Has reports whether chunkID has already been recorded for this block.
func (br *BlockReconstructor) Has(chunkID uint32, role Role, indexInBlock int) bool {
	var idx int
	switch role {
	case RoleData:
		if indexInBlock >= len(br.layout.DataChunkIDs) || br.layout.DataChunkIDs[indexInBlock] != chunkID {
			return false
		}
		idx = indexInBlock
	case RoleParity:
		if indexInBlock >= len(br.layout.ParityChunkIDs) || br.layout.ParityChunkIDs[indexInBlock] != chunkID {
			return false
		}
		idx = br.codec.K + indexInBlock
	default:
		return false
	}
	return br.shards[idx] != nil
}

// Decode runs Reed-Solomon reconstruction and returns the block's K original
// data Chunks, trimmed to their real lengths per layout.DataLens. Safe to
// call more than once (idempotent) as long as Ready() holds.
func (br *BlockReconstructor) Decode() ([]Chunk, error) {
	if !br.Ready() {
		return nil, etperrors.New(etperrors.FecDecodeFailed, "chunkcodec.Decode: fewer than K valid chunks")
	}

	// Conceptual data shards beyond the real data count in a short final
	// block are known-zero padding, not unknowns — supply them directly so
	// the codec never needs to "recover" bytes both peers already agree on.
	work := make([][]byte, len(br.shards))
	copy(work, br.shards)
	for i := len(br.layout.DataChunkIDs); i < br.codec.K; i++ {
		if work[i] == nil {
			work[i] = make([]byte, br.codec.ChunkSize)
		}
	}

	if br.codec.R > 0 {
		if err := br.codec.rs.ReconstructData(work); err != nil {
			return nil, etperrors.Wrap(etperrors.FecDecodeFailed, "chunkcodec.Decode",
				errors.WithMessagef(err, "block %d", br.layout.Index))
		}
	} else {
		for i := 0; i < br.codec.K; i++ {
			if work[i] == nil {
				return nil, etperrors.New(etperrors.FecDecodeFailed, "chunkcodec.Decode: missing data shard with no parity configured")
			}
		}
	}

	out := make([]Chunk, len(br.layout.DataChunkIDs))
	for i, id := range br.layout.DataChunkIDs {
		out[i] = Chunk{ID: id, Data: work[i][:br.layout.DataLens[i]]}
	}
	return out, nil
}
