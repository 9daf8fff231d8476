package chunkcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// s1 mirrors spec.md scenario S1: chunk_size=16, K=4, R=2, a 40-byte object.
func TestS1RoundTrip(t *testing.T) {
	object := []byte("The quick brown fox jumps over the lazy dog.")[:40] // spec.md S1: truncated to 40 bytes
	require.Len(t, object, 40)

	codec, err := New(16, 4, 2)
	require.NoError(t, err)

	numData, err := codec.NumDataChunks(int64(len(object)))
	require.NoError(t, err)
	require.EqualValues(t, 3, numData)

	layouts := codec.BlockLayouts(numData, int64(len(object)))
	require.Len(t, layouts, 1)
	require.Len(t, layouts[0].DataChunkIDs, 3)
	require.Len(t, layouts[0].ParityChunkIDs, 2)

	dataChunks := codec.SplitAll(object, layouts)
	require.Len(t, dataChunks, 3)

	parity, err := codec.EncodeParity(dataChunks, layouts[0])
	require.NoError(t, err)
	require.Len(t, parity, 2)

	// Any 4 of the 5 total chunks (3 data + 2 parity) must reconstruct.
	all := append(append([]Chunk{}, dataChunks...), parity...)
	for omit := 0; omit < len(all); omit++ {
		br := NewBlockReconstructor(codec, layouts[0])
		for i, ch := range all {
			if i == omit {
				continue
			}
			role, idx := RoleData, i
			if i >= len(dataChunks) {
				role, idx = RoleParity, i-len(dataChunks)
			}
			require.True(t, br.Add(ch.ID, role, idx, ch.Data))
		}
		require.True(t, br.Ready())
		recovered, err := br.Decode()
		require.NoError(t, err)

		var buf bytes.Buffer
		for _, c := range recovered {
			buf.Write(c.Data)
		}
		require.Equal(t, object, buf.Bytes())
	}
}

// TestS3OneMiBDefaults mirrors scenario S3: 1 MiB object, chunk_size=65536,
// default FEC parameters. Expects 16 data + 32 parity = 48 chunks.
func TestS3OneMiBDefaults(t *testing.T) {
	const size = 1 << 20
	object := make([]byte, size)
	for i := range object {
		object[i] = byte(i)
	}

	codec, err := New(65536, 223, 32)
	require.NoError(t, err)

	numData, err := codec.NumDataChunks(size)
	require.NoError(t, err)
	require.EqualValues(t, 16, numData)

	total, err := codec.TotalChunks(size)
	require.NoError(t, err)
	require.EqualValues(t, 48, total)

	layouts := codec.BlockLayouts(numData, size)
	require.Len(t, layouts, 1)

	dataChunks := codec.SplitAll(object, layouts)
	parity, err := codec.EncodeParity(dataChunks, layouts[0])
	require.NoError(t, err)
	require.Len(t, parity, 32)

	br := NewBlockReconstructor(codec, layouts[0])
	// Feed exactly 16 chunks: all 16 data chunks already happen to satisfy
	// Ready(), but exercise the "any combination" contract with a mix.
	for i := 0; i < 8; i++ {
		require.True(t, br.Add(dataChunks[i].ID, RoleData, i, dataChunks[i].Data))
	}
	for i := 0; i < 8; i++ {
		require.True(t, br.Add(parity[i].ID, RoleParity, i, parity[i].Data))
	}
	require.True(t, br.Ready())

	recovered, err := br.Decode()
	require.NoError(t, err)
	require.Len(t, recovered, 16)

	var buf bytes.Buffer
	for _, c := range recovered {
		buf.Write(c.Data)
	}
	require.Equal(t, object, buf.Bytes())
}

func TestLocate(t *testing.T) {
	codec, err := New(16, 4, 2)
	require.NoError(t, err)

	// 10 data chunks -> blocks of [4,4,2], spans of 6,6,4 -> ids:
	// block0: data 0-3, parity 4-5
	// block1: data 6-9, parity 10-11
	// block2: data 12-13, parity 14-15
	numData := uint32(10)
	layouts := codec.BlockLayouts(numData, 10*16)
	require.Len(t, layouts, 3)

	cases := []struct {
		id          uint32
		wantBlock   int
		wantRole    Role
		wantInBlock int
	}{
		{0, 0, RoleData, 0},
		{3, 0, RoleData, 3},
		{4, 0, RoleParity, 0},
		{5, 0, RoleParity, 1},
		{6, 1, RoleData, 0},
		{11, 1, RoleParity, 1},
		{12, 2, RoleData, 0},
		{13, 2, RoleData, 1},
		{14, 2, RoleParity, 0},
		{15, 2, RoleParity, 1},
	}
	for _, tc := range cases {
		block, role, inBlock, ok := codec.Locate(tc.id, numData)
		require.True(t, ok, "id %d", tc.id)
		require.Equal(t, tc.wantBlock, block, "id %d block", tc.id)
		require.Equal(t, tc.wantRole, role, "id %d role", tc.id)
		require.Equal(t, tc.wantInBlock, inBlock, "id %d inBlock", tc.id)
	}

	_, _, _, ok := codec.Locate(16, numData)
	require.False(t, ok)
}
