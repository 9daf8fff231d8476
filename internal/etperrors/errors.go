// Package etperrors defines the stable error taxonomy surfaced across the
// ETP core (wire codec, chunk codec, surface, reception, endpoint driver).
package etperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the stable, non-overlapping error categories the
// core surfaces to callers. Kind values are never renumbered; add new ones
// at the end.
type Kind int

const (
	// InvalidArgument is returned when a caller supplies a bad config or an
	// empty object.
	InvalidArgument Kind = iota
	// ObjectTooLarge is returned when the chunk count would exceed 2^32-1.
	ObjectTooLarge
	// MalformedPacket is returned when wire-format decoding fails.
	MalformedPacket
	// ChecksumMismatch is returned when a payload digest fails verification.
	ChecksumMismatch
	// UnknownExposure is returned for a chunk or request against an id we
	// don't hold.
	UnknownExposure
	// InconsistentManifest is returned when two manifests under the same id
	// disagree on parameters.
	InconsistentManifest
	// PeerUnresponsive is returned when a Reception's idle deadline elapses.
	PeerUnresponsive
	// FecDecodeFailed is returned when fewer than K valid chunks are
	// available for a block despite exhaustion.
	FecDecodeFailed
	// ResourceExhausted is returned on OS or buffer allocation failure.
	ResourceExhausted
	// Cancelled is returned when the caller cancels a Reception.
	Cancelled
)

var kindNames = map[Kind]string{
	InvalidArgument:      "InvalidArgument",
	ObjectTooLarge:       "ObjectTooLarge",
	MalformedPacket:      "MalformedPacket",
	ChecksumMismatch:     "ChecksumMismatch",
	UnknownExposure:      "UnknownExposure",
	InconsistentManifest: "InconsistentManifest",
	PeerUnresponsive:     "PeerUnresponsive",
	FecDecodeFailed:      "FecDecodeFailed",
	ResourceExhausted:    "ResourceExhausted",
	Cancelled:            "Cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error wraps an underlying cause with a stable Kind so callers can branch
// on category via errors.As without parsing message text.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised the error, e.g. "wire.Decode"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no underlying cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error around an existing cause, annotated with op via
// github.com/pkg/errors.WithMessage (which records no stack trace).
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithMessage(err, op)}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
