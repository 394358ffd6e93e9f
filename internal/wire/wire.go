// Package wire implements the relay protocol's on-wire framing: a
// length-prefixed binary record carrying a type/variant byte, a subchannel
// byte for user-data message types, and a payload.
//
// This supersedes internal/protocol's plain 4-byte command header (the
// shape used there for a command-pattern protocol) with the richer
// type/variant/subchannel framing the relay protocol needs, but keeps its
// habit of a fixed binary header plus a payload slice that references the
// original buffer instead of copying.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is the high-level message category carried in the top nibble of the
// first frame byte.
type Type byte

const (
	TypeRequest              Type = 0
	TypeResponse              Type = 1
	TypeServerMessage         Type = 2
	TypeChannelMessage        Type = 3
	TypePeerMessage           Type = 4
	TypeUDPHello              Type = 5
	TypeChannelMessageBlasted Type = 6
	TypePeerMessageBlasted    Type = 7
	TypeObjectMessage         Type = 8
	TypePing                  Type = 9
	TypeImplementationRelated Type = 10
)

// Request variants (low nibble when Type == TypeRequest).
const (
	VariantHandshakeName byte = 0
	VariantJoinChannel   byte = 1
	VariantLeaveChannel  byte = 2
	VariantListChannels  byte = 3
	VariantSetName       byte = 4
	VariantPong          byte = 5
)

// Response variants (low nibble when Type == TypeResponse).
const (
	VariantWelcome             byte = 0
	VariantConnectResponse     byte = 1
	VariantChannelJoinResponse byte = 2
	VariantChannelLeaveResponse byte = 3
	VariantChannelList         byte = 4
	VariantPeerJoined          byte = 5
	VariantChannelClosed       byte = 6
	VariantSetNameResponse     byte = 7
	VariantProtocolError       byte = 8
)

// ChannelMessage variants (low nibble when Type == TypeChannelMessage or
// TypeChannelMessageBlasted): whether the forwarding loop includes the
// sender among the recipients.
const (
	VariantChannelMessageExcludeSender byte = 0
	VariantChannelMessageIncludeSender byte = 1
)

const (
	headerSize        = 1 // type:variant byte
	lengthPrefixSize  = 4 // uint32 little-endian length of payload
	maxPayloadSize    = 1 << 20
	clientIDSize      = 2 // little-endian uint16 sender id on blasted frames
)

var (
	// ErrShortFrame is returned by Decode when fewer bytes than the header
	// require are present; callers should treat this as "need more data",
	// not a protocol violation.
	ErrShortFrame = errors.New("wire: frame too short")
	// ErrOversizedPayload is a genuine protocol violation.
	ErrOversizedPayload = errors.New("wire: payload exceeds maximum size")
	ErrTruncatedBlasted  = errors.New("wire: blasted payload missing sender id")
)

// Frame is a decoded relay message.
type Frame struct {
	Type    Type
	Variant byte
	Payload []byte
}

// TypeVariant packs a Type and a variant nibble into the wire's leading byte.
func TypeVariant(t Type, variant byte) byte {
	return byte(t)<<4 | (variant & 0x0F)
}

// SplitTypeVariant unpacks the wire's leading byte.
func SplitTypeVariant(b byte) (Type, byte) {
	return Type(b >> 4), b & 0x0F
}

// Encode produces a length-prefixed stream frame: <type:variant byte><uint32
// length><payload>. Used by the stream and framed-socket transports, which
// need an explicit boundary; the datagram transport uses EncodeDatagram
// instead, since "one datagram = one message" makes a length prefix
// redundant.
func Encode(t Type, variant byte, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversizedPayload, len(payload), maxPayloadSize)
	}
	out := make([]byte, headerSize+lengthPrefixSize+len(payload))
	out[0] = TypeVariant(t, variant)
	binary.LittleEndian.PutUint32(out[headerSize:headerSize+lengthPrefixSize], uint32(len(payload)))
	copy(out[headerSize+lengthPrefixSize:], payload)
	return out, nil
}

// Decode parses one stream frame out of buf, returning the decoded Frame,
// the number of bytes consumed, and an error. ErrShortFrame means the
// caller should keep reading; any other error is a protocol violation.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < headerSize+lengthPrefixSize {
		return Frame{}, 0, ErrShortFrame
	}
	t, variant := SplitTypeVariant(buf[0])
	length := binary.LittleEndian.Uint32(buf[headerSize : headerSize+lengthPrefixSize])
	if length > maxPayloadSize {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrOversizedPayload, length, maxPayloadSize)
	}
	total := headerSize + lengthPrefixSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrShortFrame
	}
	payload := buf[headerSize+lengthPrefixSize : total]
	return Frame{Type: t, Variant: variant, Payload: payload}, total, nil
}

// EncodeDatagram prepends the sender's numeric id to a frame body for
// delivery over the unreliable transport: a datagram carries exactly one
// message with no length prefix, so the only extra information it needs
// beyond the stream framing is the id used to demultiplex without a
// connection.
func EncodeDatagram(senderID uint16, t Type, variant byte, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversizedPayload, len(payload), maxPayloadSize)
	}
	out := make([]byte, clientIDSize+headerSize+len(payload))
	binary.LittleEndian.PutUint16(out[:clientIDSize], senderID)
	out[clientIDSize] = TypeVariant(t, variant)
	copy(out[clientIDSize+headerSize:], payload)
	return out, nil
}

// DatagramFrame is a decoded datagram message plus the sender id it claims.
type DatagramFrame struct {
	SenderID uint16
	Type     Type
	Variant  byte
	Payload  []byte
}

// DecodeDatagram parses exactly one in-memory datagram. There is no
// "need more data" case: either the whole datagram is well-formed or it
// is a protocol violation (in practice: dropped as noise, per §4.6).
func DecodeDatagram(buf []byte) (DatagramFrame, error) {
	if len(buf) < clientIDSize+headerSize {
		return DatagramFrame{}, ErrTruncatedBlasted
	}
	senderID := binary.LittleEndian.Uint16(buf[:clientIDSize])
	t, variant := SplitTypeVariant(buf[clientIDSize])
	payload := buf[clientIDSize+headerSize:]
	return DatagramFrame{SenderID: senderID, Type: t, Variant: variant, Payload: payload}, nil
}
