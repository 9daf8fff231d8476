package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exposurenet/etp/internal/ident"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	digest := AdditiveDigest{}
	id := ident.Generate()

	cases := []struct {
		name    string
		h       Header
		payload []byte
	}{
		{"pull request, empty payload", Header{Type: TypePullRequest, ExposureId: id, ChunkId: 7}, nil},
		{"chunk data", Header{Type: TypeChunkData, ExposureId: id, ChunkId: 3}, []byte("hello chunk bytes")},
		{"manifest", Header{Type: TypeManifest, ExposureId: id, TotalChunks: 48}, []byte("manifest payload here")},
		{"exposure complete", Header{Type: TypeExposureComplete, ExposureId: id}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.h.Version = Version
			datagram := Encode(tc.h, tc.payload, digest)

			pkt, err := Decode(datagram, digest)
			require.NoError(t, err)
			require.Equal(t, tc.h.Type, pkt.Header.Type)
			require.Equal(t, tc.h.ExposureId, pkt.Header.ExposureId)
			require.Equal(t, tc.h.ChunkId, pkt.Header.ChunkId)
			require.Equal(t, tc.payload, []byte(pkt.Payload))
		})
	}
}

func TestDecodeRejectsShortDatagram(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, AdditiveDigest{})
	require.Error(t, err)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	h := Header{Version: 9, Type: TypePullRequest}
	datagram := Encode(h, nil, AdditiveDigest{})
	datagram[0] = 9
	_, err := Decode(datagram, AdditiveDigest{})
	require.Error(t, err)
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	h := Header{Version: Version, Type: TypeChunkData, ChunkId: 1}
	datagram := Encode(h, []byte("payload"), AdditiveDigest{})
	// flip a payload byte after the checksum was already computed
	datagram[len(datagram)-1] ^= 0xFF
	_, err := Decode(datagram, AdditiveDigest{})
	require.Error(t, err)
}

func TestManifestPayloadRoundTrip(t *testing.T) {
	p := ManifestPayload{
		TotalSize:       1 << 20,
		ChunkSize:       65536,
		FecK:            223,
		FecR:            32,
		DigestAlgorithm: DigestCRC32C,
	}
	copy(p.ContentDigest[:], []byte("0123456789abcdef0123456789abcdef"))

	encoded := p.Encode()
	decoded, err := DecodeManifestPayload(encoded)
	require.NoError(t, err)
	require.True(t, p.ConsistentWith(decoded))
}

func TestManifestInconsistent(t *testing.T) {
	a := ManifestPayload{TotalSize: 100, ChunkSize: 16, FecK: 4, FecR: 2}
	b := ManifestPayload{TotalSize: 100, ChunkSize: 32, FecK: 4, FecR: 2}
	require.False(t, a.ConsistentWith(b))
}
