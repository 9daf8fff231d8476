// Package chunkcodec implements spec §4.2: splitting an object into fixed
// size chunks, grouping them into systematic Reed-Solomon FEC blocks, and
// reconstructing a block once K of its N chunks are known valid.
//
// Chunk-size/count arithmetic is grounded on
// internal/chunker.calculateTotalChunks's ceiling-division shape; FEC
// encode/decode is grounded on the reedsolomon.New/Encode/ReconstructData
// call shape from the safe-udp and kcptun FEC examples in the retrieval
// pack (github.com/klauspost/reedsolomon).
package chunkcodec

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"

	"github.com/exposurenet/etp/internal/etperrors"
)

// MaxChunkID is the largest addressable chunk id (spec §4.2 edge case:
// objects larger than 2^32-1 total chunks are rejected).
const MaxChunkID = 1<<32 - 1

// Chunk is a single FEC-block member as it appears on the wire: for data
// chunks this is the original object bytes (truncated for the final chunk in
// the final block); for parity chunks this is post-encoding parity bytes,
// always exactly ChunkSize long.
type Chunk struct {
	ID   uint32
	Data []byte
}

// BlockLayout describes the shape of one FEC block: which chunk ids are its
// data members and which are its parity members. Only the final block in an
// object may have fewer than K data members; every block always has exactly
// R parity members, per spec §4.2 ("A block whose bitmap bit is set...").
type BlockLayout struct {
	Index          int
	DataChunkIDs   []uint32
	ParityChunkIDs []uint32
	// DataLens holds the real (possibly truncated) byte length of each data
	// chunk in this block, in DataChunkIDs order.
	DataLens []int
}

// K returns the number of real data chunks in this block: Codec.K for every
// full block, fewer for a short final block (its missing tail shards are
// zero-padding known to both peers, not real chunks).
func (b BlockLayout) K() int { return len(b.DataChunkIDs) }

// N returns the total conceptual shard count (data + parity) fed to the
// Reed-Solomon codec for this block.
func (b BlockLayout) N(codecK int) int { return codecK + len(b.ParityChunkIDs) }

// Codec holds the fixed splitting/FEC parameters for one exposure.
type Codec struct {
	ChunkSize int
	K         int
	R         int

	rs reedsolomon.Encoder
}

// New validates (chunkSize, K, R) per spec §4.2 edge cases and builds a
// Codec. chunkSize must be > 0; K must be > 0; K+R must be <= 255.
func New(chunkSize, k, r int) (*Codec, error) {
	if chunkSize <= 0 {
		return nil, etperrors.New(etperrors.InvalidArgument, "chunkcodec.New: chunk_size must be > 0")
	}
	if k <= 0 {
		return nil, etperrors.New(etperrors.InvalidArgument, "chunkcodec.New: fec_k must be > 0")
	}
	if k+r > 255 {
		return nil, etperrors.New(etperrors.InvalidArgument, "chunkcodec.New: fec_k+fec_r must be <= 255")
	}

	var rs reedsolomon.Encoder
	if r > 0 {
		var err error
		rs, err = reedsolomon.New(k, r)
		if err != nil {
			return nil, etperrors.Wrap(etperrors.InvalidArgument, "chunkcodec.New: reedsolomon.New", err)
		}
	}

	return &Codec{ChunkSize: chunkSize, K: k, R: r, rs: rs}, nil
}

// NumDataChunks returns ceil(totalSize / ChunkSize), rejecting totalSize <= 0
// and objects whose chunk count would exceed MaxChunkID.
func (c *Codec) NumDataChunks(totalSize int64) (uint32, error) {
	if totalSize <= 0 {
		return 0, etperrors.New(etperrors.InvalidArgument, "chunkcodec.NumDataChunks: object must be non-empty")
	}
	n := (totalSize + int64(c.ChunkSize) - 1) / int64(c.ChunkSize)
	if n > MaxChunkID {
		return 0, etperrors.New(etperrors.ObjectTooLarge, "chunkcodec.NumDataChunks: chunk count exceeds 2^32-1")
	}
	return uint32(n), nil
}

// NumBlocks returns ceil(numDataChunks / K).
func (c *Codec) NumBlocks(numDataChunks uint32) int {
	if numDataChunks == 0 {
		return 0
	}
	return (int(numDataChunks) + c.K - 1) / c.K
}

// TotalChunks returns the full advertised chunk count for an object of
// totalSize bytes: data chunks plus R parity chunks per block, per spec
// §4.2 ("the manifest therefore declares a total chunk count of
// ceil(L/chunk_size) + num_blocks*R").
func (c *Codec) TotalChunks(totalSize int64) (uint32, error) {
	data, err := c.NumDataChunks(totalSize)
	if err != nil {
		return 0, err
	}
	blocks := c.NumBlocks(data)
	total := int64(data) + int64(blocks)*int64(c.R)
	if total > MaxChunkID {
		return 0, etperrors.New(etperrors.ObjectTooLarge, "chunkcodec.TotalChunks: chunk count exceeds 2^32-1")
	}
	return uint32(total), nil
}

// BlockLayouts computes the dense, zero-based chunk-id layout of every block
// in an object of numDataChunks data chunks, per spec §3 ("ChunkId... dense,
// zero-based") and §4.2 ("Parity chunks are assigned chunk ids immediately
// after the block's data chunks in the global chunk-id space").
func (c *Codec) BlockLayouts(numDataChunks uint32, totalSize int64) []BlockLayout {
	nblocks := c.NumBlocks(numDataChunks)
	layouts := make([]BlockLayout, 0, nblocks)

	var nextID uint32
	remaining := int(numDataChunks)
	remainingBytes := totalSize
	for b := 0; b < nblocks; b++ {
		dataCount := c.K
		if remaining < dataCount {
			dataCount = remaining
		}

		layout := BlockLayout{
			Index:          b,
			DataChunkIDs:   make([]uint32, dataCount),
			ParityChunkIDs: make([]uint32, c.R),
			DataLens:       make([]int, dataCount),
		}
		for i := 0; i < dataCount; i++ {
			layout.DataChunkIDs[i] = nextID
			nextID++
			l := int64(c.ChunkSize)
			if remainingBytes < l {
				l = remainingBytes
			}
			layout.DataLens[i] = int(l)
			remainingBytes -= l
		}
		for i := 0; i < c.R; i++ {
			layout.ParityChunkIDs[i] = nextID
			nextID++
		}

		layouts = append(layouts, layout)
		remaining -= dataCount
	}
	return layouts
}

// SplitAll slices the entire object into data Chunks across every block.
func (c *Codec) SplitAll(object []byte, layouts []BlockLayout) []Chunk {
	var all []Chunk
	offset := 0
	for _, layout := range layouts {
		for i, id := range layout.DataChunkIDs {
			l := layout.DataLens[i]
			all = append(all, Chunk{ID: id, Data: object[offset : offset+l]})
			offset += l
		}
	}
	return all
}

// padded returns data zero-extended to length n (copying, never mutating
// data in place).
func padded(data []byte, n int) []byte {
	if len(data) == n {
		return data
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

// shardsForEncode builds the full K+R shard matrix for a block, zero-padding
// real data (last-chunk truncation and any conceptual data shards beyond a
// short final block) up to ChunkSize, exactly as spec §4.2 describes
// ("the last block padded conceptually with zeros").
func (c *Codec) shardsForEncode(dataChunks []Chunk, layout BlockLayout) [][]byte {
	shards := make([][]byte, c.K+c.R)
	for i := 0; i < c.K; i++ {
		if i < len(dataChunks) {
			shards[i] = padded(dataChunks[i].Data, c.ChunkSize)
		} else {
			shards[i] = make([]byte, c.ChunkSize)
		}
	}
	for i := c.K; i < c.K+c.R; i++ {
		shards[i] = make([]byte, c.ChunkSize)
	}
	return shards
}

// Role identifies whether a chunk id names a data member or a parity member
// of its block.
type Role int

const (
	RoleData Role = iota
	RoleParity
)

// Locate maps a global chunk id to its (block index, role, index within that
// role's sequence), using direct arithmetic rather than a linear scan: only
// the final block can be short, so every block before it spans exactly K+R
// ids. O(1) regardless of object size.
func (c *Codec) Locate(chunkID uint32, numDataChunks uint32) (blockIndex int, role Role, indexInBlock int, ok bool) {
	nblocks := c.NumBlocks(numDataChunks)
	if nblocks == 0 {
		return 0, 0, 0, false
	}
	span := c.K + c.R
	lastBlockData := int(numDataChunks) - (nblocks-1)*c.K
	threshold := uint32((nblocks - 1) * span)

	var block int
	var offset int
	if chunkID < threshold {
		block = int(chunkID) / span
		offset = int(chunkID) % span
	} else {
		block = nblocks - 1
		offset = int(chunkID - threshold)
	}

	dataCount := c.K
	if block == nblocks-1 {
		dataCount = lastBlockData
	}

	switch {
	case offset < dataCount:
		return block, RoleData, offset, true
	case offset < dataCount+c.R:
		return block, RoleParity, offset - dataCount, true
	default:
		return 0, 0, 0, false
	}
}

// EncodeParity computes the R parity Chunks for one block from its data
// chunks. Deterministic: calling it twice for the same inputs yields
// byte-identical parity, which is what makes Surface's lazy parity cache
// safe to recompute on eviction.
func (c *Codec) EncodeParity(dataChunks []Chunk, layout BlockLayout) ([]Chunk, error) {
	if c.R == 0 {
		return nil, nil
	}
	shards := c.shardsForEncode(dataChunks, layout)
	if err := c.rs.Encode(shards); err != nil {
		return nil, etperrors.Wrap(etperrors.ResourceExhausted, "chunkcodec.EncodeParity",
			errors.WithMessagef(err, "block %d", layout.Index))
	}

	parity := make([]Chunk, c.R)
	for i := 0; i < c.R; i++ {
		parity[i] = Chunk{ID: layout.ParityChunkIDs[i], Data: shards[c.K+i]}
	}
	return parity, nil
}
