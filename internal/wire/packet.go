// Package wire implements the ETP binary framing: the fixed-layout packet
// header from spec §4.1, packet-type dispatch, and payload checksumming.
//
// Grounded on internal/chunker.ChunkMetadata's binary layout (magic + 128-bit
// id + sequence + total + checksum, encoded with encoding/binary in network
// byte order) generalized to the protocol's four real packet types, dispatch
// implemented as an exhaustive Go switch per spec §9 ("there are four real
// types and adding a fifth should cause a compile-time miss").
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/exposurenet/etp/internal/etperrors"
	"github.com/exposurenet/etp/internal/ident"
)

// Version is the only wire version this implementation emits or accepts.
const Version uint8 = 1

// Type identifies the packet kind carried in a header. It is a closed set:
// every switch over Type in this codebase names all four cases, and
// DecodeHeader rejects any other value. Go does not check switch
// exhaustiveness, so a fifth case added here is not flagged at compile time.
type Type uint8

const (
	// TypeManifest advertises an exposure's parameters (spec §4.1 MANIFEST).
	TypeManifest Type = iota + 1
	// TypePullRequest asks for one chunk by id (spec §4.1 PULL_REQUEST).
	TypePullRequest
	// TypeChunkData carries chunk bytes (spec §4.1 CHUNK_DATA).
	TypeChunkData
	// TypeExposureComplete is a best-effort sender courtesy announcement.
	TypeExposureComplete
)

func (t Type) String() string {
	switch t {
	case TypeManifest:
		return "MANIFEST"
	case TypePullRequest:
		return "PULL_REQUEST"
	case TypeChunkData:
		return "CHUNK_DATA"
	case TypeExposureComplete:
		return "EXPOSURE_COMPLETE"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// HeaderSize is the fixed number of bytes every packet header occupies:
// version(1) + type(1) + flags(2) + exposure_id(16) + chunk_id(4) +
// payload_size(4) + total_chunks(4) + payload_checksum(4).
const HeaderSize = 1 + 1 + 2 + ident.Size + 4 + 4 + 4 + 4

// Header is the fixed-layout packet header from spec §4.1.
type Header struct {
	Version         uint8
	Type            Type
	Flags           uint16
	ExposureId      ident.ExposureId
	ChunkId         uint32
	PayloadSize     uint32
	TotalChunks     uint32
	PayloadChecksum uint32
}

// Packet is a decoded header plus its payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// Encode serializes h and payload into a single datagram using digest to
// compute the payload checksum. Payload may be nil or empty for
// PULL_REQUEST/EXPOSURE_COMPLETE packets, in which case the checksum is 0
// per spec §4.1.
func Encode(h Header, payload []byte, digest Digest) []byte {
	h.PayloadSize = uint32(len(payload))
	if len(payload) > 0 {
		h.PayloadChecksum = digest.Sum(payload)
	} else {
		h.PayloadChecksum = 0
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], h.Flags)
	copy(buf[4:4+ident.Size], h.ExposureId[:])
	off := 4 + ident.Size
	binary.BigEndian.PutUint32(buf[off:off+4], h.ChunkId)
	binary.BigEndian.PutUint32(buf[off+4:off+8], h.PayloadSize)
	binary.BigEndian.PutUint32(buf[off+8:off+12], h.TotalChunks)
	binary.BigEndian.PutUint32(buf[off+12:off+16], h.PayloadChecksum)
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeHeader parses a raw datagram's header and returns it alongside the
// raw (not yet checksum-verified) payload bytes. Split out from Decode so
// the endpoint driver can read exposure_id off an inbound CHUNK_DATA packet
// — needed to look up which digest algorithm was negotiated for it — before
// committing to a digest for checksum verification (spec §4.1, §9: the
// digest is negotiated per exposure via the MANIFEST, so it isn't known
// until the header's exposure_id has been read).
func DecodeHeader(datagram []byte) (Header, []byte, error) {
	if len(datagram) < HeaderSize {
		return Header{}, nil, etperrors.New(etperrors.MalformedPacket, "wire.DecodeHeader: short datagram")
	}

	var h Header
	h.Version = datagram[0]
	if h.Version != Version {
		return Header{}, nil, etperrors.New(etperrors.MalformedPacket, fmt.Sprintf("wire.DecodeHeader: unknown version %d", h.Version))
	}

	h.Type = Type(datagram[1])
	switch h.Type {
	case TypeManifest, TypePullRequest, TypeChunkData, TypeExposureComplete:
		// recognized
	default:
		return Header{}, nil, etperrors.New(etperrors.MalformedPacket, fmt.Sprintf("wire.DecodeHeader: unknown type %d", uint8(h.Type)))
	}

	h.Flags = binary.BigEndian.Uint16(datagram[2:4])
	h.ExposureId = ident.FromBytes(datagram[4 : 4+ident.Size])
	off := 4 + ident.Size
	h.ChunkId = binary.BigEndian.Uint32(datagram[off : off+4])
	h.PayloadSize = binary.BigEndian.Uint32(datagram[off+4 : off+8])
	h.TotalChunks = binary.BigEndian.Uint32(datagram[off+8 : off+12])
	h.PayloadChecksum = binary.BigEndian.Uint32(datagram[off+12 : off+16])

	body := datagram[HeaderSize:]
	if int(h.PayloadSize) != len(body) {
		return Header{}, nil, etperrors.New(etperrors.MalformedPacket,
			fmt.Sprintf("wire.DecodeHeader: declared payload_size %d disagrees with datagram length %d", h.PayloadSize, len(body)))
	}
	return h, body, nil
}

// VerifyPayload checks body against h.PayloadChecksum using digest, and
// returns a defensive copy of body on success (nil for an empty body).
func VerifyPayload(h Header, body []byte, digest Digest) ([]byte, error) {
	if len(body) > 0 {
		if digest.Sum(body) != h.PayloadChecksum {
			return nil, etperrors.New(etperrors.ChecksumMismatch, "wire.VerifyPayload: payload checksum mismatch")
		}
	} else if h.PayloadChecksum != 0 {
		return nil, etperrors.New(etperrors.MalformedPacket, "wire.VerifyPayload: non-zero checksum on empty payload")
	}
	if len(body) == 0 {
		return nil, nil
	}
	payload := make([]byte, len(body))
	copy(payload, body)
	return payload, nil
}

// Decode parses a raw datagram into a Packet, validating version, declared
// length, and payload checksum against a single known digest. Returns a
// *etperrors.Error with Kind MalformedPacket or ChecksumMismatch on failure,
// per spec §4.1. Callers that need to resolve the digest from the header's
// exposure_id first (CHUNK_DATA on the receiver side) should use
// DecodeHeader + VerifyPayload instead.
func Decode(datagram []byte, digest Digest) (Packet, error) {
	h, body, err := DecodeHeader(datagram)
	if err != nil {
		return Packet{}, err
	}
	payload, err := VerifyPayload(h, body, digest)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Payload: payload}, nil
}
