// Package relay implements the connection/channel registries, handshake
// state machine, and message dispatch described in §4.6/§4.7: the part of
// the system every transport (stream, datagram, framed) ultimately feeds
// into and every host hook is invoked from.
//
// Grounded on original_source/POSIXMain.cpp for the handshake and dispatch
// semantics (OnConnectRequest, OnServerMessage's subchannel validation,
// OnChannelMessage/OnPeerMessage's permit-then-forward shape, OnTimerTick's
// exceeded-client disconnect sequence) and on internal/websocket.Server's
// shared-registry shape for the Go realization of it (sync.Map-free here:
// registry changes other than Accept's pending insert happen on the single
// pump dispatch goroutine, per §5, and a plain mutex covers the accesses
// made from transport goroutines).
package relay

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/arlobridge/beacon/internal/addr"
	"github.com/arlobridge/beacon/internal/policy"
	"github.com/arlobridge/beacon/internal/pump"
)

// State is a client's position in the handshake/lifecycle state machine
// (§4.6): Accepted -> PendingApproval -> Ready -> Closing -> Closed.
type State int

const (
	StateAccepted State = iota
	StatePendingApproval
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StatePendingApproval:
		return "pending_approval"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// JoinFlags carries the original host's per-channel join options (§4.7),
// supplemented from POSIXMain.cpp/Bluewing's channel-join flags that the
// distilled spec dropped: a channel can be hidden from the channel list
// and can auto-close when its master leaves. Only the flags of the join
// that creates a channel are kept.
type JoinFlags uint8

const (
	// JoinHidden excludes the channel from ListChannels responses.
	JoinHidden JoinFlags = 1 << iota
	// JoinAutoClose closes the channel as soon as its master leaves,
	// sending channel-closed to the remaining members. A channel is always
	// removed once it has no members, with or without this flag.
	JoinAutoClose
)

func (f JoinFlags) Hidden() bool    { return f&JoinHidden != 0 }
func (f JoinFlags) AutoClose() bool { return f&JoinAutoClose != 0 }

// transport is the minimum surface internal/stream.Socket, internal/framed.Socket,
// and a datagram-backed pseudo-transport all satisfy, letting the relay
// treat every connection kind identically once it has been accepted.
type transport interface {
	Send(data []byte) bool
	Close()
	RemoteAddr() net.Addr
}

// Client is one connected, registered participant. Its fields are
// only ever mutated from the dispatch goroutine (§5); reads from other
// goroutines must go through the accessor methods, which is why Name and
// state are unexported.
type Client struct {
	id     uint16
	name   atomic.Pointer[string]
	trust  atomic.Bool
	master atomic.Bool

	transport transport
	remote    net.Addr

	state State

	channels map[string]*Channel

	inbox chan clientEvent
	watch *pump.Watch

	uploadAccount *policy.UploadAccount

	// datagramRemote, set by HandleDatagram from the source of the latest
	// accepted datagram claiming this client's id, is the address blasted
	// messages for this client are sent to.
	datagramRemote *addr.Addr

	// connectedAt/lastActivity/pingSentAt/pingAwaiting implement §5's
	// handshake and ping timeouts: a client that never completes the name
	// handshake within 30s of accept is disconnected, and a Ready client
	// idle for 30s is sent a Ping and disconnected if it does not respond
	// within 60s.
	connectedAt  time.Time
	lastActivity time.Time
	pingSentAt   time.Time
	pingAwaiting bool
}

// ID returns the client's numeric identifier, used as the sender id on
// blasted datagram frames.
func (c *Client) ID() uint16 { return c.id }

// Name returns the client's current display name, or "" before the
// handshake completes.
func (c *Client) Name() string {
	if p := c.name.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Client) setName(name string) { c.name.Store(&name) }

// IsMaster reports whether this client is ch's master (§4.7): the client
// whose join created ch, until that client leaves.
func (c *Client) IsMaster(ch *Channel) bool { return ch.master == c }

// Trusted reports whether this client has not yet committed a protocol
// violation (§3/§4.5). It starts true on accept and is flipped to false by
// protocolViolation; teardown uses it to decide whether a disconnect also
// bans the client's IP.
func (c *Client) Trusted() bool { return c.trust.Load() }

// SetTrusted sets the trust flag directly. Exported so transport glue and
// tests can drive it; within the relay package only Accept (true) and
// protocolViolation (false) call it.
func (c *Client) SetTrusted(trusted bool) { c.trust.Store(trusted) }

// RemoteAddr returns the client's transport-level remote address.
func (c *Client) RemoteAddr() net.Addr { return c.remote }

// State returns the client's current lifecycle state.
func (c *Client) State() State { return c.state }

// Channel is a named group of clients (§4.7). The client whose join
// creates it becomes its master; no later joiner is ever made master.
type Channel struct {
	name    string
	members map[uint16]*Client
	master  *Client
	flags   JoinFlags
}

// Name returns the channel's name.
func (ch *Channel) Name() string { return ch.name }

// Members returns a snapshot slice of current members. Safe to call only
// from the dispatch goroutine, like every other Channel/Client access.
func (ch *Channel) Members() []*Client {
	out := make([]*Client, 0, len(ch.members))
	for _, c := range ch.members {
		out = append(out, c)
	}
	return out
}

// Master returns the channel's current master client, or nil once the
// master has left (no one is promoted in its place).
func (ch *Channel) Master() *Client { return ch.master }

// Empty reports whether the channel currently has no members.
func (ch *Channel) Empty() bool { return len(ch.members) == 0 }
