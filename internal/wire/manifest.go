package wire

import (
	"encoding/binary"

	"github.com/exposurenet/etp/internal/etperrors"
)

// ManifestPayload is the decoded payload of a MANIFEST packet (spec §4.1).
// DigestAlgorithm resolves the open question from spec §9: sender and
// receiver must agree on the per-chunk digest, negotiated here rather than
// out of band.
type ManifestPayload struct {
	TotalSize       uint64
	ChunkSize       uint32
	FecK            uint8
	FecR            uint8
	DigestAlgorithm DigestAlgorithm
	ContentDigest   [32]byte // sha256 of the full object; zero if unset
}

// ManifestPayloadSize is the fixed encoded size of a ManifestPayload.
const ManifestPayloadSize = 8 + 4 + 1 + 1 + 1 + 1 /* reserved */ + 32

// Encode serializes p into a MANIFEST payload.
func (p ManifestPayload) Encode() []byte {
	buf := make([]byte, ManifestPayloadSize)
	binary.BigEndian.PutUint64(buf[0:8], p.TotalSize)
	binary.BigEndian.PutUint32(buf[8:12], p.ChunkSize)
	buf[12] = p.FecK
	buf[13] = p.FecR
	buf[14] = uint8(p.DigestAlgorithm)
	// buf[15] reserved, left zero
	copy(buf[16:48], p.ContentDigest[:])
	return buf
}

// DecodeManifestPayload parses a MANIFEST packet payload.
func DecodeManifestPayload(payload []byte) (ManifestPayload, error) {
	if len(payload) < ManifestPayloadSize {
		return ManifestPayload{}, etperrors.New(etperrors.MalformedPacket, "wire.DecodeManifestPayload: short payload")
	}
	var p ManifestPayload
	p.TotalSize = binary.BigEndian.Uint64(payload[0:8])
	p.ChunkSize = binary.BigEndian.Uint32(payload[8:12])
	p.FecK = payload[12]
	p.FecR = payload[13]
	p.DigestAlgorithm = DigestAlgorithm(payload[14])
	copy(p.ContentDigest[:], payload[16:48])
	return p, nil
}

// ConsistentWith reports whether two manifests observed under the same
// exposure id agree on every parameter that matters for reconstruction, per
// spec Invariant 1 and error kind InconsistentManifest.
func (p ManifestPayload) ConsistentWith(other ManifestPayload) bool {
	return p.TotalSize == other.TotalSize &&
		p.ChunkSize == other.ChunkSize &&
		p.FecK == other.FecK &&
		p.FecR == other.FecR &&
		p.DigestAlgorithm == other.DigestAlgorithm &&
		p.ContentDigest == other.ContentDigest
}
