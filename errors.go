package beacon

import "fmt"

// ErrorKind tags the category of a RelayError, mirroring the error taxonomy
// a host is expected to branch on: transport failures close one socket,
// protocol failures disconnect one client, policy failures warn before they
// escalate, resource failures throttle, and address/config failures are
// synchronous mistakes by the caller.
type ErrorKind int

const (
	// ErrTransport covers socket-level I/O failures (read/write/accept).
	ErrTransport ErrorKind = iota
	// ErrProtocol covers on-wire framing, type, length or handshake violations.
	ErrProtocol
	// ErrPolicy covers codepoint allow-list and upload-cap rejections.
	ErrPolicy
	// ErrResource covers allocation failures (e.g. a datagram receive slot).
	ErrResource
	// ErrBadAddress covers an address that failed to resolve before use.
	ErrBadAddress
	// ErrConfig covers malformed or missing server configuration.
	ErrConfig
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransport:
		return "transport"
	case ErrProtocol:
		return "protocol"
	case ErrPolicy:
		return "policy"
	case ErrResource:
		return "resource"
	case ErrBadAddress:
		return "bad_address"
	case ErrConfig:
		return "config"
	default:
		return "unknown"
	}
}

// RelayError is the tagged error value reported through OnError and
// returned by synchronous operations. Op names the operation that failed
// ("udp.send", "stream.accept", "handshake.name", ...).
type RelayError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RelayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *RelayError {
	return &RelayError{Kind: kind, Op: op, Err: err}
}

// Reserved subchannels used by the policy layer to warn a client before it
// is disconnected for abuse. These are well-known on the wire: any host
// application is free to use other subchannel values for its own messages.
const (
	SubchannelUploadCapNoticeA byte = 0
	SubchannelUploadCapNoticeB byte = 1
)
