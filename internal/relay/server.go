package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arlobridge/beacon/internal/addr"
	"github.com/arlobridge/beacon/internal/datagram"
	"github.com/arlobridge/beacon/internal/policy"
	"github.com/arlobridge/beacon/internal/pump"
	"github.com/arlobridge/beacon/internal/timer"
	"github.com/arlobridge/beacon/internal/wire"
)

// handshakeTimeout/pingInterval/pongTimeout implement §5's timeout table,
// taken verbatim (30s, 30s, 60s) from the distilled spec.
const (
	handshakeTimeout = 30 * time.Second
	pingInterval     = 30 * time.Second
	pongTimeout      = 60 * time.Second
)

// Hooks are the host-supplied callbacks invoked from the single dispatch
// goroutine (§5). None of them may block for long, since doing so stalls
// every other client.
type Hooks struct {
	// OnConnectRequest is invoked once the client's handshake-name request
	// arrives, before the client is accepted. The host must eventually call
	// ConnectResponse to accept or reject.
	OnConnectRequest func(c *Client)
	// OnDisconnect fires exactly once per client, regardless of which
	// path (transport error, policy ban, explicit Disconnect, exceeded
	// upload cap) triggered the teardown.
	OnDisconnect func(c *Client)
	// OnServerMessage delivers a message addressed to the server itself
	// (subchannel 0 or 5 per §4.6; any other subchannel is counted as a
	// wasted message and never reaches this hook).
	OnServerMessage func(c *Client, subchannel byte, data []byte)
	// OnChannelMessage delivers a message a client sent to a channel it
	// belongs to. includeSender reflects the sender's variant flag (§4.5):
	// the host must pass it through to ChannelMessagePermit unchanged.
	OnChannelMessage func(c *Client, ch *Channel, blasted, includeSender bool, subchannel byte, data []byte)
	// OnPeerMessage delivers a message addressed to one other client of a
	// shared channel. The host must call ClientMessagePermit to forward it.
	OnPeerMessage func(from, to *Client, blasted bool, subchannel byte, data []byte)
	// OnError reports a non-fatal server-level error (a client's protocol
	// violation, a ban).
	OnError func(err error)
}

// Config configures a Server.
type Config struct {
	Hooks

	Log *slog.Logger

	// WelcomeMessage is sent as the first field of the welcome response on
	// every accepted connection (§3/§4.6: welcome(welcomeMessage, id)).
	WelcomeMessage string

	// AllowLists holds the four independently configurable codepoint
	// allow-lists (§3: ClientNames, ChannelNames, MessagesSentToServer,
	// MessagesSentToClients). The zero value permits everything.
	AllowLists policy.AllowListSet
	Bans       *policy.BanList
	ServerCap  *policy.ServerUploadCap

	// MaxWastedMessages is the number of invalid messages tolerated in a
	// session before the client is banned under policy.BanWastedMessages
	// (§4.8, POSIXMain.cpp: wastedServerMessages > 5).
	MaxWastedMessages int

	// BytesPerTickCap flags a client Exceeded when its per-tick upload
	// crosses this ceiling (§4.9). Zero disables the check.
	BytesPerTickCap int64

	// UploadAccountBytesPerSecond seeds each new client's
	// policy.UploadAccount pre-filter. Zero disables the pre-filter.
	UploadAccountBytesPerSecond int
}

// subchannelUploadCapNoticeA/B mirror the reserved subchannels the beacon
// package documents publicly (beacon.SubchannelUploadCapNoticeA/B); kept as
// unexported constants here since internal/relay cannot import the package
// that wraps it.
const (
	subchannelUploadCapNoticeA byte = 0
	subchannelUploadCapNoticeB byte = 1
)

// clientEvent is queued on a Client's inbox by a transport's callbacks and
// drained by the dispatch handler the pump invokes for that client's
// Watch, decoupling "how many bytes arrived" (what Pump.Post carries) from
// "what actually arrived" (the frame bytes themselves).
type clientEvent struct {
	frame  []byte
	closed bool
	err    error
}

// Server is the relay's connection/channel registry and dispatch core.
// Every exported method that touches shared state is only safe to call
// from within a Hooks callback or from the goroutine that called Start;
// transports must hand off through PostInbound instead of calling into a
// Server directly from their own I/O goroutines.
type Server struct {
	cfg Config
	log *slog.Logger
	p   *pump.Pump

	accounting *timer.Registry
	tmr        *timer.Timer

	mu       sync.Mutex // guards ID allocation and both client registries
	nextID   uint16
	clients  map[uint16]*Client
	// pending holds clients that have not yet been assigned an id: accepted
	// but still in StateAccepted or StatePendingApproval. sweepTimeouts
	// consults this alongside clients so a socket that never completes the
	// handshake still times out (§4.6 steps 1-2 defer allocID/OnConnectRequest
	// past raw accept, so such a client never appears in clients at all).
	pending  map[*Client]struct{}
	channels map[string]*Channel

	datagramEngine *datagram.Engine
}

// New creates a Server. Call Start to begin processing.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxWastedMessages <= 0 {
		cfg.MaxWastedMessages = 5
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		p:          pump.New(log),
		accounting: timer.NewRegistry(),
		clients:    make(map[uint16]*Client),
		pending:    make(map[*Client]struct{}),
		channels:   make(map[string]*Channel),
	}

	sweepers := []timer.Sweeper{}
	if cfg.Bans != nil {
		sweepers = append(sweepers, cfg.Bans)
	}
	s.tmr = timer.New(s.accounting, timer.Config{
		BytesPerTickCap: cfg.BytesPerTickCap,
		Log:             log,
	}, s.onClientExceeded, sweepers...)

	return s
}

// AttachDatagramEngine wires a running datagram.Engine into the server so
// blasted (§4.6) ChannelMessage/PeerMessage variants can be sent over it.
// The caller retains ownership of the Engine's lifecycle.
func (s *Server) AttachDatagramEngine(e *datagram.Engine) { s.datagramEngine = e }

// Start runs the dispatch loop and the accounting timer until ctx is
// cancelled. The timer's fold-and-flag pass is driven through the same
// pump as every client event, so a tick never races a concurrent message
// dispatch over the same ClientStats value.
func (s *Server) Start(ctx context.Context) error {
	tickWatch := s.p.Add(nil, func(any, int, error) {
		s.tmr.Tick()
		if s.cfg.ServerCap != nil {
			s.cfg.ServerCap.Reset()
		}
		s.sweepTimeouts(time.Now())
	})
	go func() {
		for range s.tmr.Ticks(ctx) {
			s.p.Post(tickWatch, 0, nil)
		}
	}()
	return s.p.StartEventloop(ctx)
}

// Stop requests the dispatch loop to exit after draining queued work.
func (s *Server) Stop() { s.p.PostEventloopExit() }

// allocID returns a fresh client id, skipping any currently in use. Wraps
// around uint16's range; a relay handling more than 65535 concurrent
// clients is out of scope (§1 Non-goals: no clustering/federation).
func (s *Server) allocID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.nextID++
		if _, taken := s.clients[s.nextID]; !taken && s.nextID != 0 {
			return s.nextID
		}
	}
}

// Accept registers a newly connected transport and checks it against the
// ban list. It returns nil if the connection was banned and immediately
// closed. Per §4.6 step 1, the server emits nothing and invokes no hook
// yet: the client sits in StateAccepted, unregistered and without an id,
// until it sends a handshake-name request (see handleRequest's
// VariantHandshakeName case, which is what actually fires
// OnConnectRequest).
func (s *Server) Accept(tr transport, remote net.Addr) *Client {
	if s.cfg.Bans != nil {
		if host, _, err := net.SplitHostPort(remote.String()); err == nil {
			if ip := net.ParseIP(host); ip != nil && s.cfg.Bans.IsBanned(ip) {
				tr.Close()
				return nil
			}
		}
	}

	now := time.Now()
	c := &Client{
		transport:    tr,
		remote:       remote,
		state:        StateAccepted,
		channels:     make(map[string]*Channel),
		connectedAt:  now,
		lastActivity: now,
	}
	if s.cfg.UploadAccountBytesPerSecond > 0 {
		c.uploadAccount = policy.NewUploadAccount(s.cfg.UploadAccountBytesPerSecond)
	}
	// §3/§4.6: trusted starts true and is only ever flipped false by a
	// protocol violation.
	c.SetTrusted(true)

	inbox := make(chan clientEvent, 256)
	watch := s.p.Add(c, func(_ any, _ int, _ error) {
		for {
			select {
			case ev := <-inbox:
				s.handleEvent(c, ev)
			default:
				return
			}
		}
	})
	c.inbox = inbox
	c.watch = watch

	s.mu.Lock()
	s.pending[c] = struct{}{}
	s.mu.Unlock()

	return c
}

// PostInbound is called by a transport's own I/O goroutine to hand off one
// received frame for dispatch. Safe to call concurrently from many
// transports; the frame is queued and processed serially.
func (s *Server) PostInbound(c *Client, frame []byte) {
	select {
	case c.inbox <- clientEvent{frame: frame}:
	default:
		s.log.Warn("client inbox full, dropping frame", "client", c.id)
		return
	}
	s.p.Post(c.watch, len(frame), nil)
}

// PostTransportClosed is called by a transport once its socket has fully
// closed, from any goroutine.
func (s *Server) PostTransportClosed(c *Client, err error) {
	select {
	case c.inbox <- clientEvent{closed: true, err: err}:
	default:
	}
	s.p.Post(c.watch, 0, err)
}

func (s *Server) handleEvent(c *Client, ev clientEvent) {
	if c.state == StateClosed {
		return
	}
	if ev.closed {
		s.teardown(c)
		return
	}
	s.dispatchFrame(c, ev.frame)
}

// HandleDatagram is called by the transport glue wiring a running
// datagram.Engine into the relay: every accepted (non-spoofed, per
// internal/datagram's own filter) datagram is decoded and, if its claimed
// sender id names a known client whose stream-registered IP matches the
// datagram's source, dispatched exactly like a stream frame. A sender id
// claimed from a non-matching IP is a spoof (§4.6) and is dropped silently:
// no hook fires and no counters change, since this is expected background
// noise rather than a violation by the claimed client.
func (s *Server) HandleDatagram(source addr.Addr, raw []byte) {
	df, err := wire.DecodeDatagram(raw)
	if err != nil {
		return
	}

	s.mu.Lock()
	c, ok := s.clients[df.SenderID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if !remoteIPMatches(c.remote, source) {
		return
	}

	if c.datagramRemote == nil || !c.datagramRemote.IPEqual(source) {
		src := source
		c.datagramRemote = &src
	}

	select {
	case c.inbox <- clientEvent{frame: encodeStreamEquivalent(df)}:
	default:
		return
	}
	s.p.Post(c.watch, len(df.Payload), nil)
}

// remoteIPMatches reports whether source's IP matches the TCP-registered
// remote address a client was accepted from.
func remoteIPMatches(remote net.Addr, source addr.Addr) bool {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.Equal(source.IP)
}

// encodeStreamEquivalent re-wraps a decoded datagram frame as a stream
// frame so dispatchFrame has one decode path regardless of transport.
func encodeStreamEquivalent(df wire.DatagramFrame) []byte {
	out, err := wire.Encode(df.Type, df.Variant, df.Payload)
	if err != nil {
		return nil
	}
	return out
}

func (s *Server) dispatchFrame(c *Client, raw []byte) {
	if raw == nil {
		return
	}
	frame, _, err := wire.Decode(raw)
	if err != nil {
		s.protocolViolation(c, "malformed frame")
		return
	}

	c.lastActivity = time.Now()

	if stats := s.accounting.Get(uint64(c.id)); stats != nil {
		stats.AddIncoming(len(raw))
	}

	switch frame.Type {
	case wire.TypeRequest:
		s.handleRequest(c, frame.Variant, frame.Payload)
	case wire.TypeServerMessage:
		s.handleServerMessage(c, frame.Payload, false)
	case wire.TypeChannelMessage, wire.TypeChannelMessageBlasted:
		s.handleChannelMessage(c, frame.Variant, frame.Payload, frame.Type == wire.TypeChannelMessageBlasted)
	case wire.TypePeerMessage, wire.TypePeerMessageBlasted:
		s.handlePeerMessage(c, frame.Payload, frame.Type == wire.TypePeerMessageBlasted)
	default:
		// TypePing is server-to-client only (§4.5); a client sending one,
		// or any other unrecognized type, is a protocol violation.
		s.protocolViolation(c, "unexpected frame type")
	}
}

// sweepTimeouts applies §5's handshake and ping timeouts. Called once per
// accounting tick from the same dispatch goroutine as every other client
// mutation.
func (s *Server) sweepTimeouts(now time.Time) {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients)+len(s.pending))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	for c := range s.pending {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		switch c.state {
		case StateAccepted, StatePendingApproval:
			if now.Sub(c.connectedAt) > handshakeTimeout {
				s.teardown(c)
			}
		case StateReady:
			if c.pingAwaiting {
				if now.Sub(c.pingSentAt) > pongTimeout {
					s.teardown(c)
				}
				continue
			}
			if now.Sub(c.lastActivity) > pingInterval {
				c.transport.Send(mustEncode(wire.TypePing, 0, nil))
				c.pingAwaiting = true
				c.pingSentAt = now
			}
		}
	}
}

func (s *Server) handleRequest(c *Client, variant byte, payload []byte) {
	switch variant {
	case wire.VariantHandshakeName:
		// §4.6 steps 1-2: this is the first request a freshly accepted
		// client may send. A repeat while already pending/ready is a
		// protocol violation, not a second handshake attempt.
		if c.state != StateAccepted {
			s.protocolViolation(c, "handshake-name outside StateAccepted")
			return
		}
		if !s.cfg.AllowLists.Allows(policy.AllowListClientNames, payload) {
			// Testable Scenario 3: a codepoint-rejected name is denied
			// outright, never tolerated on the wasted-message track, and
			// never assigned an id.
			s.denyConnect(c, "name contains disallowed codepoints")
			return
		}
		c.setName(string(payload))
		c.state = StatePendingApproval
		if s.cfg.OnConnectRequest != nil {
			s.cfg.OnConnectRequest(c)
		}
	case wire.VariantSetName:
		name := string(payload)
		if !s.cfg.AllowLists.Allows(policy.AllowListClientNames, payload) {
			s.wasted(c, "disallowed codepoint in name")
			return
		}
		c.setName(name)
		resp, _ := wire.Encode(wire.TypeResponse, wire.VariantSetNameResponse, payload)
		c.transport.Send(resp)
	case wire.VariantJoinChannel:
		if len(payload) < 1 {
			s.protocolViolation(c, "malformed join request")
			return
		}
		s.joinChannel(c, string(payload[1:]), JoinFlags(payload[0]))
	case wire.VariantLeaveChannel:
		s.leaveChannel(c, string(payload))
	case wire.VariantListChannels:
		s.sendChannelList(c)
	case wire.VariantPong:
		c.pingAwaiting = false
	default:
		s.protocolViolation(c, "unknown request variant")
	}
}

func (s *Server) handleServerMessage(c *Client, payload []byte, _ bool) {
	if len(payload) < 1 {
		s.wasted(c, "empty server message")
		return
	}
	subchannel, data := payload[0], payload[1:]
	// §4.6: only subchannel 0 (general) and 5 (upload-cap notice ack) are
	// valid on a server message; anything else is a wasted message.
	if subchannel != 0 && subchannel != 5 {
		s.wasted(c, "invalid server-message subchannel")
		return
	}
	if !s.cfg.AllowLists.Allows(policy.AllowListMessagesSentToServer, data) {
		s.wasted(c, "disallowed codepoint in server message")
		return
	}
	if !s.chargeUpload(c, len(data)) {
		return
	}
	if s.cfg.OnServerMessage != nil {
		s.cfg.OnServerMessage(c, subchannel, data)
	}
}

func (s *Server) handleChannelMessage(c *Client, variant byte, payload []byte, blasted bool) {
	if len(payload) < 2 {
		s.protocolViolation(c, "malformed channel message")
		return
	}
	nameLen := int(payload[0])
	if len(payload) < 1+nameLen+1 {
		s.protocolViolation(c, "malformed channel message")
		return
	}
	name := string(payload[1 : 1+nameLen])
	subchannel := payload[1+nameLen]
	data := payload[1+nameLen+1:]

	ch, ok := c.channels[name]
	if !ok {
		s.protocolViolation(c, "channel message to unjoined channel")
		return
	}
	if !s.cfg.AllowLists.Allows(policy.AllowListMessagesSentToClients, data) {
		s.wasted(c, "disallowed codepoint in channel message")
		return
	}
	if !s.chargeUpload(c, len(data)) {
		return
	}
	if blasted && !s.admitBlasted(len(data)) {
		return
	}
	includeSender := variant == wire.VariantChannelMessageIncludeSender
	if s.cfg.OnChannelMessage != nil {
		s.cfg.OnChannelMessage(c, ch, blasted, includeSender, subchannel, data)
	}
}

func (s *Server) handlePeerMessage(c *Client, payload []byte, blasted bool) {
	if len(payload) < 3 {
		s.protocolViolation(c, "malformed peer message")
		return
	}
	targetID := uint16(payload[0]) | uint16(payload[1])<<8
	subchannel := payload[2]
	data := payload[3:]

	s.mu.Lock()
	target, ok := s.clients[targetID]
	s.mu.Unlock()
	if !ok {
		s.protocolViolation(c, "peer message to unknown client")
		return
	}
	if !sharesChannel(c, target) {
		s.protocolViolation(c, "peer message without a shared channel")
		return
	}
	if !s.cfg.AllowLists.Allows(policy.AllowListMessagesSentToClients, data) {
		s.wasted(c, "disallowed codepoint in peer message")
		return
	}
	if !s.chargeUpload(c, len(data)) {
		return
	}
	if blasted && !s.admitBlasted(len(data)) {
		return
	}
	if s.cfg.OnPeerMessage != nil {
		s.cfg.OnPeerMessage(c, target, blasted, subchannel, data)
	}
}

func sharesChannel(a, b *Client) bool {
	for name := range a.channels {
		if _, ok := b.channels[name]; ok {
			return true
		}
	}
	return false
}

// chargeUpload enforces the per-second upload pre-filter; trusted has no
// bearing here (§3/§4.5: trusted influences ban accounting, not upload
// accounting).
func (s *Server) chargeUpload(c *Client, n int) bool {
	if c.uploadAccount != nil && !c.uploadAccount.Charge(n) {
		s.wasted(c, "per-second upload cap exceeded")
		return false
	}
	return true
}

func (s *Server) admitBlasted(n int) bool {
	if s.cfg.ServerCap == nil {
		return true
	}
	return s.cfg.ServerCap.Admit(int64(n))
}

// wasted tolerates up to MaxWastedMessages (5) occurrences before banning
// (§4.8): the policy-violation track (disallowed codepoint, invalid
// ServerMessage subchannel, per-second upload cap), not the protocol-error
// track. Does not touch trusted — §7 only ties that to protocolViolation.
func (s *Server) wasted(c *Client, reason string) {
	if stats := s.accounting.Get(uint64(c.id)); stats != nil {
		stats.AddWasted()
		if stats.WastedServerMessages > s.cfg.MaxWastedMessages {
			s.banAndDisconnect(c, policy.BanWastedMessages, reason)
			return
		}
	}
	s.log.Debug("wasted server message", "client", c.id, "reason", reason)
}

// protocolViolation handles a genuine protocol error per §7: mark the
// client untrusted, send a single descriptive error frame if the
// transport can still take a write, then disconnect. Unlike wasted, there
// is no multi-strike tolerance — framing, unknown-type, and routing
// violations (malformed frame, unjoined channel, no shared channel, …)
// are immediate. teardown bans the IP because the client is untrusted,
// mirroring POSIXMain.cpp's disconnect-time check rather than banning
// here directly.
func (s *Server) protocolViolation(c *Client, reason string) {
	c.SetTrusted(false)
	if errFrame, err := wire.Encode(wire.TypeResponse, wire.VariantProtocolError, []byte(reason)); err == nil {
		c.transport.Send(errFrame)
	}
	if s.cfg.OnError != nil {
		s.cfg.OnError(errProtocolViolation(reason))
	}
	s.teardown(c)
}

func (s *Server) banAndDisconnect(c *Client, reason policy.BanReason, why string) {
	s.banIP(c, reason)
	if s.cfg.OnError != nil {
		s.cfg.OnError(errBanned(why))
	}
	s.teardown(c)
}

// banIP records a ban for c's remote IP under reason. Shared by the
// explicit upload-cap/wasted-message bans above and teardown's generic
// any-untrusted-client-disconnect sweep.
func (s *Server) banIP(c *Client, reason policy.BanReason) {
	if s.cfg.Bans == nil {
		return
	}
	host, _, err := net.SplitHostPort(c.remote.String())
	if err != nil {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return
	}
	s.cfg.Bans.Ban(ip, reason)
}

// denyConnect rejects a prospective client before it is ever registered
// under an id (Testable Scenario 3: "connect-response deny ... no id
// assigned"). Used both for a handshake name that fails the ClientNames
// allow-list and for ConnectResponse's own denyReason path.
func (s *Server) denyConnect(c *Client, reason string) {
	payload, _ := wire.Encode(wire.TypeResponse, wire.VariantConnectResponse, []byte(reason))
	c.transport.Send(payload)
	s.teardown(c)
}

// ConnectResponse is called by the host from within OnConnectRequest (or
// asynchronously later, still from the dispatch goroutine) to accept or
// reject a pending client. A non-empty denyReason rejects the connection.
// Only on acceptance does the client receive an id (§4.6 step 3): allocID
// and registration into clients happen here, not at raw accept.
func (s *Server) ConnectResponse(c *Client, denyReason string) {
	if c.state != StatePendingApproval {
		return
	}
	if denyReason != "" {
		s.denyConnect(c, denyReason)
		return
	}

	c.id = s.allocID()
	s.mu.Lock()
	s.clients[c.id] = c
	delete(s.pending, c)
	s.mu.Unlock()
	s.accounting.Track(uint64(c.id))
	c.state = StateReady

	welcome, _ := wire.Encode(wire.TypeResponse, wire.VariantWelcome, encodeWelcome(s.cfg.WelcomeMessage, c.id))
	c.transport.Send(welcome)
}

// joinChannel adds c to the named channel, creating it (and assigning
// master, §4.7) if it does not already exist.
func (s *Server) joinChannel(c *Client, name string, flags JoinFlags) {
	// §4.8 groups ChannelNames with ClientNames as "denied" rather than
	// "dropped and counted as wasted", but unlike a codepoint-rejected
	// handshake name (Testable Scenario 3) nothing in §4.6 disconnects the
	// client over a bad join request: the join is simply refused and no
	// channel-join-response is sent, leaving the client free to retry with
	// a different name.
	if !s.cfg.AllowLists.Allows(policy.AllowListChannelNames, []byte(name)) {
		s.log.Debug("join refused", "client", c.id, "reason", "channel name contains disallowed codepoints")
		return
	}
	if _, already := c.channels[name]; already {
		return
	}
	ch, ok := s.channels[name]
	if !ok {
		ch = &Channel{name: name, members: make(map[uint16]*Client), flags: flags, master: c}
		s.channels[name] = ch
	}
	existingMembers := ch.Members()
	ch.members[c.id] = c
	c.channels[name] = ch

	resp, _ := wire.Encode(wire.TypeResponse, wire.VariantChannelJoinResponse, []byte(name))
	c.transport.Send(resp)

	notice := encodeDeliverHeader(c.id, 0, []byte(name))
	joined, _ := wire.Encode(wire.TypeResponse, wire.VariantPeerJoined, notice)
	for _, m := range existingMembers {
		m.transport.Send(joined)
	}
}

// leaveChannel removes c from the named channel and acknowledges the
// request; removeMember handles the empty/auto-close/master-left rules.
func (s *Server) leaveChannel(c *Client, name string) {
	ch, ok := c.channels[name]
	if !ok {
		return
	}
	s.removeMember(c, ch)

	resp, _ := wire.Encode(wire.TypeResponse, wire.VariantChannelLeaveResponse, []byte(name))
	c.transport.Send(resp)
}

// removeMember drops c from ch. If c was the channel's master, the channel
// becomes masterless — §4.7 is explicit that no one is promoted in its
// place — unless ch is flagged AutoClose, in which case the channel is
// closed outright (broadcasting channel-closed to whoever remains) rather
// than waiting for it to empty out on its own.
func (s *Server) removeMember(c *Client, ch *Channel) {
	wasMaster := ch.master == c
	delete(ch.members, c.id)
	delete(c.channels, ch.name)

	if wasMaster {
		ch.master = nil
		if ch.flags.AutoClose() {
			s.broadcastChannelClosed(ch)
			for _, m := range ch.members {
				delete(m.channels, ch.name)
			}
			delete(s.channels, ch.name)
			return
		}
	}

	if ch.Empty() {
		delete(s.channels, ch.name)
	}
}

func (s *Server) broadcastChannelClosed(ch *Channel) {
	notice, _ := wire.Encode(wire.TypeResponse, wire.VariantChannelClosed, []byte(ch.name))
	for _, m := range ch.members {
		m.transport.Send(notice)
	}
}

func (s *Server) sendChannelList(c *Client) {
	var names []byte
	for name, ch := range s.channels {
		if ch.flags.Hidden() {
			continue
		}
		names = append(names, byte(len(name)))
		names = append(names, name...)
	}
	resp, _ := wire.Encode(wire.TypeResponse, wire.VariantChannelList, names)
	c.transport.Send(resp)
}

// onClientExceeded implements §4.9's exceeded-client disconnect sequence:
// two warning notices on the reserved subchannels, then teardown.
// Grounded on POSIXMain.cpp's OnTimerTick, which sends the same notice
// twice (subchannel 1, then subchannel 0) before calling disconnect().
func (s *Server) onClientExceeded(id uint64, _ *timer.ClientStats) {
	s.mu.Lock()
	c, ok := s.clients[uint16(id)]
	s.mu.Unlock()
	if !ok {
		return
	}
	noticeB, _ := wire.Encode(wire.TypeServerMessage, 0, []byte{subchannelUploadCapNoticeB})
	noticeA, _ := wire.Encode(wire.TypeServerMessage, 0, []byte{subchannelUploadCapNoticeA})
	c.transport.Send(noticeB)
	c.transport.Send(noticeA)
	s.banAndDisconnect(c, policy.BanUploadCap, "per-tick upload cap exceeded")
}

// Disconnect requests a client be torn down. Safe to call from any
// goroutine, including a host hook running from the dispatch goroutine
// itself. Idempotent: calling it more than once, or after the transport
// already closed on its own, is a no-op past the first call.
func (s *Server) Disconnect(c *Client) { s.PostTransportClosed(c, nil) }

func (s *Server) teardown(c *Client) {
	if c.state == StateClosed || c.state == StateClosing {
		return
	}
	c.state = StateClosing

	// POSIXMain.cpp bans/escalates on every disconnect of an untrusted
	// client, regardless of which path tore it down; protocolViolation
	// relies on this rather than banning directly.
	if !c.Trusted() {
		s.banIP(c, policy.BanProtocolViolation)
	}

	for _, ch := range c.channels {
		s.removeMember(c, ch)
	}

	s.mu.Lock()
	delete(s.clients, c.id)
	delete(s.pending, c)
	s.mu.Unlock()
	if c.id != 0 {
		s.accounting.Untrack(uint64(c.id))
	}

	c.transport.Close()
	s.p.PostRemove(c.watch)

	c.state = StateClosed
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(c)
	}
}

func encodeClientID(id uint16) []byte {
	return []byte{byte(id), byte(id >> 8)}
}

// encodeWelcome lays out welcome(welcomeMessage, id) (§3/§4.6) as a
// length-prefixed string followed by the fixed 2-byte client id, matching
// the nameLen-prefix convention handleChannelMessage uses for its own
// variable-length field.
func encodeWelcome(message string, id uint16) []byte {
	msg := []byte(message)
	out := make([]byte, 0, 1+len(msg)+2)
	out = append(out, byte(len(msg)))
	out = append(out, msg...)
	out = append(out, byte(id), byte(id>>8))
	return out
}

func mustEncode(t wire.Type, variant byte, payload []byte) []byte {
	out, err := wire.Encode(t, variant, payload)
	if err != nil {
		// Only reachable if payload exceeds the wire package's own limit,
		// which the caller already controls (a fixed-size ping frame).
		return nil
	}
	return out
}

type bannedError string

func (e bannedError) Error() string { return "relay: client banned: " + string(e) }

func errBanned(reason string) error { return bannedError(reason) }

type protocolViolationError string

func (e protocolViolationError) Error() string { return "relay: protocol violation: " + string(e) }

func errProtocolViolation(reason string) error { return protocolViolationError(reason) }

// ChannelMessagePermit forwards a channel message to every other member of
// ch, or drops it silently if permit is false. includeSender mirrors the
// sender's variant flag (§4.5): when true the sender itself also receives
// the forwarded frame. Called by the host from inside OnChannelMessage
// (§4.7) after applying whatever policy it wants beyond the built-in
// upload/codepoint checks.
func (s *Server) ChannelMessagePermit(from *Client, ch *Channel, blasted, includeSender bool, subchannel byte, data []byte, permit bool) error {
	if !permit {
		return nil
	}
	if blasted {
		return s.SendBlastedChannelMessage(from, ch, includeSender, subchannel, data)
	}
	payload := encodeDeliverHeader(from.id, subchannel, data)
	frame, err := wire.Encode(wire.TypeChannelMessage, 0, payload)
	if err != nil {
		return err
	}
	for _, m := range ch.members {
		if m == from && !includeSender {
			continue
		}
		m.transport.Send(frame)
	}
	return nil
}

// ClientMessagePermit forwards a peer message from one client to another,
// or drops it silently if permit is false.
func (s *Server) ClientMessagePermit(from, to *Client, blasted bool, subchannel byte, data []byte, permit bool) error {
	if !permit {
		return nil
	}
	if blasted {
		if s.datagramEngine == nil {
			return errNoDatagramEngine
		}
		remote, ok := datagramRemote(to)
		if !ok {
			return errNoDatagramRemote
		}
		payload := append([]byte{subchannel}, data...)
		frame, err := wire.EncodeDatagram(from.id, wire.TypePeerMessageBlasted, 0, payload)
		if err != nil {
			return err
		}
		return s.datagramEngine.Send(remote, frame)
	}
	payload := encodeDeliverHeader(from.id, subchannel, data)
	frame, err := wire.Encode(wire.TypePeerMessage, 0, payload)
	if err != nil {
		return err
	}
	to.transport.Send(frame)
	return nil
}

func encodeDeliverHeader(senderID uint16, subchannel byte, data []byte) []byte {
	out := make([]byte, 0, 3+len(data))
	out = append(out, byte(senderID), byte(senderID>>8), subchannel)
	return append(out, data...)
}

// SendServerMessage sends a server-originated message directly to c,
// bypassing channel/peer routing — used for host-to-client notices such
// as a chat command's reply.
func (c *Client) SendServerMessage(subchannel byte, data []byte) bool {
	payload := append([]byte{subchannel}, data...)
	frame, err := wire.Encode(wire.TypeServerMessage, 0, payload)
	if err != nil {
		return false
	}
	return c.transport.Send(frame)
}

// SendBlastedChannelMessage transmits a channel message over the datagram
// transport to every member that has a datagram address on file, excluding
// the sender unless includeSender is set; members with no datagram address
// are skipped. Used by ChannelMessagePermit when forwarding a blasted
// message.
func (s *Server) SendBlastedChannelMessage(from *Client, ch *Channel, includeSender bool, subchannel byte, data []byte) error {
	if s.datagramEngine == nil {
		return errNoDatagramEngine
	}
	payload := append([]byte{subchannel}, data...)
	frame, err := wire.EncodeDatagram(from.id, wire.TypeChannelMessageBlasted, 0, payload)
	if err != nil {
		return err
	}
	var firstErr error
	for _, m := range ch.members {
		if m == from && !includeSender {
			continue
		}
		if remoteAddr, ok := datagramRemote(m); ok {
			if err := s.datagramEngine.Send(remoteAddr, frame); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func datagramRemote(c *Client) (addr.Addr, bool) {
	if c.datagramRemote == nil {
		return addr.Addr{}, false
	}
	return *c.datagramRemote, true
}

var errNoDatagramEngine = errors.New("relay: no datagram engine attached")
var errNoDatagramRemote = errors.New("relay: client has no datagram address on file")
