package reception

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exposurenet/etp/internal/chunkcodec"
	"github.com/exposurenet/etp/internal/config"
	"github.com/exposurenet/etp/internal/etperrors"
	"github.com/exposurenet/etp/internal/ident"
	"github.com/exposurenet/etp/internal/wire"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ChunkSize = 16
	cfg.FecK = 4
	cfg.FecR = 2
	cfg.IdleDeadline = 30 * time.Second
	return cfg
}

func manifestFor(object []byte, cfg *config.Config) wire.ManifestPayload {
	return wire.ManifestPayload{
		TotalSize:       uint64(len(object)),
		ChunkSize:       uint32(cfg.ChunkSize),
		FecK:            uint8(cfg.FecK),
		FecR:            uint8(cfg.FecR),
		DigestAlgorithm: wire.DigestAdditive,
	}
}

// buildChunks splits object the same way the Surface side would, returning
// every chunk (data then parity) so tests can feed a subset to the Reception.
func buildChunks(t *testing.T, object []byte, cfg *config.Config) []chunkcodec.Chunk {
	t.Helper()
	codec, err := chunkcodec.New(cfg.ChunkSize, cfg.FecK, cfg.FecR)
	require.NoError(t, err)
	numData, err := codec.NumDataChunks(int64(len(object)))
	require.NoError(t, err)
	layouts := codec.BlockLayouts(numData, int64(len(object)))

	var all []chunkcodec.Chunk
	for _, layout := range layouts {
		dataChunks := make([]chunkcodec.Chunk, len(layout.DataChunkIDs))
		base := layout.Index * cfg.FecK
		for i, id := range layout.DataChunkIDs {
			offset := (base + i) * cfg.ChunkSize
			dataChunks[i] = chunkcodec.Chunk{ID: id, Data: object[offset : offset+layout.DataLens[i]]}
		}
		all = append(all, dataChunks...)

		parity, err := codec.EncodeParity(dataChunks, layout)
		require.NoError(t, err)
		all = append(all, parity...)
	}
	return all
}

// driveDecode mimics the endpoint driver's FEC-merge step: decode and merge
// every block that has reached threshold K.
func driveDecode(r *Reception) {
	for _, block := range r.ReadyUndecodedBlocks() {
		chunks, err := r.DecodeBlockPure(block)
		r.MergeDecodedBlock(block, chunks, err)
	}
}

func TestReceptionDiscoversAndCompletes(t *testing.T) {
	cfg := testConfig()
	object := make([]byte, 64) // one block: 4 data chunks of 16 bytes
	for i := range object {
		object[i] = byte(i)
	}
	chunks := buildChunks(t, object, cfg)

	r := New(ident.Generate(), "sender", cfg)
	require.Equal(t, Discovering, r.State())

	now := time.Now()
	require.NoError(t, r.ObserveManifest(manifestFor(object, cfg), now))
	require.Equal(t, Receiving, r.State())

	// Feed 4 of the 6 chunks (any K of N) — drop one data, keep the rest.
	for _, ch := range chunks {
		if ch.ID == 1 {
			continue // simulate a lost chunk
		}
		if ch.ID == 5 {
			continue // keep exactly K=4 chunks: ids 0,2,3,4
		}
		r.HandleChunkData(ch.ID, ch.Data, now)
	}

	driveDecode(r)
	require.Equal(t, Complete, r.State())
	got, err := r.Object()
	require.NoError(t, err)
	require.Equal(t, object, got)
}

func TestReceptionRejectsInconsistentManifest(t *testing.T) {
	cfg := testConfig()
	object := make([]byte, 64)
	r := New(ident.Generate(), "sender", cfg)
	now := time.Now()
	require.NoError(t, r.ObserveManifest(manifestFor(object, cfg), now))

	bad := manifestFor(object, cfg)
	bad.ChunkSize = 32
	err := r.ObserveManifest(bad, now)
	require.Error(t, err)
	require.Equal(t, Failed, r.State())
	require.True(t, etperrors.Is(err, etperrors.InconsistentManifest))
}

func TestReceptionIdleDeadlineFails(t *testing.T) {
	cfg := testConfig()
	cfg.IdleDeadline = 100 * time.Millisecond
	object := make([]byte, 64)
	r := New(ident.Generate(), "sender", cfg)
	now := time.Now()
	require.NoError(t, r.ObserveManifest(manifestFor(object, cfg), now))

	require.False(t, r.CheckIdle(now.Add(50*time.Millisecond)))
	require.True(t, r.CheckIdle(now.Add(200*time.Millisecond)))
	require.Equal(t, Failed, r.State())
	require.Equal(t, etperrors.PeerUnresponsive, r.FailKind())
}

func TestReceptionNextRequestsPrefersNearlyCompleteBlocks(t *testing.T) {
	cfg := testConfig()
	object := make([]byte, 128) // two blocks of K=4 chunks
	chunks := buildChunks(t, object, cfg)

	r := New(ident.Generate(), "sender", cfg)
	now := time.Now()
	require.NoError(t, r.ObserveManifest(manifestFor(object, cfg), now))

	// Feed 3 of block 0's chunks (ids 0,1,2), none of block 1.
	for _, ch := range chunks {
		if ch.ID <= 2 {
			r.HandleChunkData(ch.ID, ch.Data, now)
		}
	}
	require.False(t, r.blockDecoded[0])

	reqs := r.NextRequests(1, now)
	require.Len(t, reqs, 1)
	require.Equal(t, uint32(3), reqs[0]) // block 0's last missing data chunk
}

func TestReceptionRetransmitBacksOff(t *testing.T) {
	cfg := testConfig()
	cfg.RetryInitial = 10 * time.Millisecond
	cfg.RetryMax = 40 * time.Millisecond
	object := make([]byte, 64)
	r := New(ident.Generate(), "sender", cfg)
	now := time.Now()
	require.NoError(t, r.ObserveManifest(manifestFor(object, cfg), now))

	reqs := r.NextRequests(1, now)
	require.Len(t, reqs, 1)

	due := r.ServiceRetries(now.Add(5 * time.Millisecond))
	require.Empty(t, due)

	due = r.ServiceRetries(now.Add(15 * time.Millisecond))
	require.Equal(t, reqs, due)
	require.EqualValues(t, 1, r.retransmits)
}

func TestReceptionCancelReleasesBuffer(t *testing.T) {
	cfg := testConfig()
	object := make([]byte, 64)
	r := New(ident.Generate(), "sender", cfg)
	require.NoError(t, r.ObserveManifest(manifestFor(object, cfg), time.Now()))

	r.Cancel()
	require.Equal(t, Cancelled, r.State())
	_, err := r.Object()
	require.Error(t, err)
	require.True(t, etperrors.Is(err, etperrors.Cancelled))
}
