package icap

import "fmt"

// ProtocolErrorKind enumerates the ways a message can fail to be valid
// ICAP before encapsulation or chunking are even considered.
type ProtocolErrorKind string

const (
	ErrMalformedRequestLine ProtocolErrorKind = "malformed_request_line"
	ErrUnknownMethod        ProtocolErrorKind = "unknown_method"
	ErrUnsupportedVersion   ProtocolErrorKind = "unsupported_version"
	ErrMalformedHeader      ProtocolErrorKind = "malformed_header"
	ErrNonASCIIHeader       ProtocolErrorKind = "non_ascii_header"
	ErrHeadersTooLarge      ProtocolErrorKind = "headers_too_large"
	ErrEmptyMessage         ProtocolErrorKind = "empty_message"
)

// ProtocolError reports a malformed ICAP message. Where records which
// parsing phase produced it, for logging/audit.
type ProtocolError struct {
	Kind  ProtocolErrorKind
	Where string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("icap: protocol error (%s) in %s", e.Kind, e.Where)
}

// NewProtocolError builds a ProtocolError.
func NewProtocolError(kind ProtocolErrorKind, where string) *ProtocolError {
	return &ProtocolError{Kind: kind, Where: where}
}

// EncapsulationError reports a bad Encapsulated header or bad section
// offsets: non-monotonic, past end of payload, or an unknown section name.
type EncapsulationError struct {
	Reason string
}

func (e *EncapsulationError) Error() string { return "icap: encapsulation error: " + e.Reason }

// NewEncapsulationError builds an EncapsulationError.
func NewEncapsulationError(reason string) *EncapsulationError {
	return &EncapsulationError{Reason: reason}
}

// ChunkedError reports malformed chunked transfer framing.
type ChunkedError struct {
	Reason string
}

func (e *ChunkedError) Error() string { return "icap: chunked framing error: " + e.Reason }

// NewChunkedError builds a ChunkedError.
func NewChunkedError(reason string) *ChunkedError {
	return &ChunkedError{Reason: reason}
}

// UnsupportedVersion is returned (wrapping ProtocolError) when the request
// line names a version other than ICAP/1.0; callers should respond 505.
type UnsupportedVersion struct {
	Got string
}

func (e *UnsupportedVersion) Error() string {
	return fmt.Sprintf("icap: unsupported version %q", e.Got)
}
