package beacon

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/arlobridge/beacon/internal/addr"
	"github.com/arlobridge/beacon/internal/datagram"
	"github.com/arlobridge/beacon/internal/framed"
	"github.com/arlobridge/beacon/internal/policy"
	"github.com/arlobridge/beacon/internal/relay"
	"github.com/arlobridge/beacon/internal/stream"
	"github.com/arlobridge/beacon/internal/wire"
)

// Client and Channel are the only per-connection types a host ever
// touches; both are opaque handles into internal/relay's registries.
type Client = relay.Client
type Channel = relay.Channel

// ServerConfig configures every transport and policy knob a host can set.
// Use DefaultConfig for sensible defaults and override only what differs.
type ServerConfig struct {
	// StreamAddr, if non-empty, opens the raw length-prefixed stream
	// listener (§4.3) on this address.
	StreamAddr string
	// DatagramAddr, if non-empty, opens the shared UDP socket (§4.2).
	DatagramAddr string
	// FramedAddr, if non-empty, opens the plain WebSocket listener (§4.4).
	FramedAddr string
	// FramedTLSAddr and TLSConfig, both non-empty/non-nil, open a second,
	// TLS-wrapped WebSocket listener. A failure to start this listener
	// (bad certificate, port in use) is logged and treated as non-fatal
	// to the non-secure listeners, matching this repo's Open Question
	// resolution recorded in DESIGN.md.
	FramedTLSAddr string
	TLSConfig     *tls.Config

	// Hooks the host supplies to drive policy decisions and observe
	// lifecycle events. See internal/relay.Hooks for the exact contract;
	// these are the same callbacks with *Server prepended so a host
	// closure can call back into ConnectResponse/ChannelMessagePermit/
	// ClientMessagePermit without capturing the server in an outer var.
	OnConnectRequest func(srv *Server, c *Client)
	OnDisconnect     func(srv *Server, c *Client)
	OnServerMessage  func(srv *Server, c *Client, subchannel byte, data []byte)
	OnChannelMessage func(srv *Server, c *Client, ch *Channel, blasted, includeSender bool, subchannel byte, data []byte)
	OnPeerMessage    func(srv *Server, from, to *Client, blasted bool, subchannel byte, data []byte)
	OnError          func(err error)

	// ClientNameAllowList/ChannelNameAllowList/ServerMessageAllowList/
	// ClientMessageAllowList configure the four independently switchable
	// codepoint allow-lists (§3): a string is rejected if it contains a
	// rune outside the configured Unicode general categories or extra
	// codepoints. A zero-value AllowListSpec means "allow everything" for
	// that category, matching original_source/POSIXMain.cpp's practice of
	// only restricting the categories a deployment cares about (it leaves
	// MessagesSentToClients unconfigured in its own default setup).
	ClientNameAllowList    AllowListSpec
	ChannelNameAllowList   AllowListSpec
	ServerMessageAllowList AllowListSpec
	ClientMessageAllowList AllowListSpec

	// BanListCapacity bounds the number of distinct banned IPs tracked at
	// once (§4.8).
	BanListCapacity int
	// MaxWastedMessages is the number of invalid messages tolerated per
	// session before a ban (§4.8). Zero uses the package default of 5.
	MaxWastedMessages int
	// BytesPerTickCap flags a client for disconnection once its per-tick
	// upload crosses this ceiling (§4.9). Zero disables the check.
	BytesPerTickCap int64
	// UploadAccountBytesPerSecond seeds each client's sustained-rate
	// pre-filter (§4.8). Zero disables it.
	UploadAccountBytesPerSecond int
	// TotalBlastedUploadCap is the supplemented server-wide ceiling on
	// cumulative blasted (datagram) traffic per accounting tick (§4.8).
	// Zero disables it.
	TotalBlastedUploadCap int64

	// WelcomeMessage is sent as part of the welcome response on every
	// accepted connection (§3/§4.6).
	WelcomeMessage string

	Log *slog.Logger
}

// AllowListSpec configures one of the four codepoint allow-list categories:
// Unicode general categories (e.g. "L", "M", "N", "P") plus a set of extra
// literal codepoints (typically whitespace, e.g. 32 for space). The zero
// value permits everything.
type AllowListSpec struct {
	Categories []string
	Extra      []rune
}

func (a AllowListSpec) build() *policy.AllowList {
	if len(a.Categories) == 0 && len(a.Extra) == 0 {
		return nil
	}
	return policy.NewAllowList(a.Categories, a.Extra)
}

// DefaultConfig returns a ServerConfig with every transport disabled, the
// ban list and wasted-message limit at their defaults, and the upload caps
// off; a host enables the transports it wants and only tightens policy
// where it needs to.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		MaxWastedMessages: 5,
		BanListCapacity:   4096,
	}
}

// Server is a running (or not-yet-started) relay instance: a
// *relay.Server plus the transport listeners feeding it.
type Server struct {
	cfg   ServerConfig
	log   *slog.Logger
	relay *relay.Server

	streamListener net.Listener
	framedListener *framed.Listener
	framedTLS      *framed.Listener
	datagramEngine *datagram.Engine
}

// New validates cfg and builds a Server. It does not open any sockets
// until Start is called.
func New(cfg ServerConfig) (*Server, error) {
	if cfg.StreamAddr == "" && cfg.DatagramAddr == "" && cfg.FramedAddr == "" && cfg.FramedTLSAddr == "" {
		return nil, newError(ErrConfig, "beacon.New", errors.New("at least one transport address must be set"))
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	var bans *policy.BanList
	if cfg.BanListCapacity > 0 {
		var err error
		bans, err = policy.NewBanList(cfg.BanListCapacity, nil)
		if err != nil {
			return nil, newError(ErrConfig, "beacon.New", err)
		}
	}

	allowLists := policy.NewAllowListSet(
		cfg.ClientNameAllowList.build(),
		cfg.ChannelNameAllowList.build(),
		cfg.ServerMessageAllowList.build(),
		cfg.ClientMessageAllowList.build(),
	)

	var serverCap *policy.ServerUploadCap
	if cfg.TotalBlastedUploadCap > 0 {
		serverCap = policy.NewServerUploadCap(cfg.TotalBlastedUploadCap)
	}

	s := &Server{cfg: cfg, log: log}

	s.relay = relay.New(relay.Config{
		Log:                         log,
		WelcomeMessage:              cfg.WelcomeMessage,
		AllowLists:                  allowLists,
		Bans:                        bans,
		ServerCap:                   serverCap,
		MaxWastedMessages:           cfg.MaxWastedMessages,
		BytesPerTickCap:             cfg.BytesPerTickCap,
		UploadAccountBytesPerSecond: cfg.UploadAccountBytesPerSecond,
		Hooks: relay.Hooks{
			OnConnectRequest: func(c *Client) {
				if cfg.OnConnectRequest != nil {
					cfg.OnConnectRequest(s, c)
				} else {
					s.relay.ConnectResponse(c, "")
				}
			},
			OnDisconnect: func(c *Client) {
				if cfg.OnDisconnect != nil {
					cfg.OnDisconnect(s, c)
				}
			},
			OnServerMessage: func(c *Client, subchannel byte, data []byte) {
				if cfg.OnServerMessage != nil {
					cfg.OnServerMessage(s, c, subchannel, data)
				}
			},
			OnChannelMessage: func(c *Client, ch *Channel, blasted, includeSender bool, subchannel byte, data []byte) {
				if cfg.OnChannelMessage != nil {
					cfg.OnChannelMessage(s, c, ch, blasted, includeSender, subchannel, data)
				} else {
					s.relay.ChannelMessagePermit(c, ch, blasted, includeSender, subchannel, data, true)
				}
			},
			OnPeerMessage: func(from, to *Client, blasted bool, subchannel byte, data []byte) {
				if cfg.OnPeerMessage != nil {
					cfg.OnPeerMessage(s, from, to, blasted, subchannel, data)
				} else {
					s.relay.ClientMessagePermit(from, to, blasted, subchannel, data, true)
				}
			},
			OnError: func(err error) {
				if cfg.OnError != nil {
					cfg.OnError(err)
				} else {
					log.Warn("relay error", "error", err)
				}
			},
		},
	})

	return s, nil
}

// Start opens every configured transport and blocks, dispatching until ctx
// is cancelled or an unrecoverable listener error occurs.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.StreamAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.StreamAddr)
		if err != nil {
			return newError(ErrTransport, "stream.listen", err)
		}
		s.streamListener = ln
		go s.acceptStreams(ctx, ln)
	}

	if s.cfg.DatagramAddr != "" {
		host, portStr, err := net.SplitHostPort(s.cfg.DatagramAddr)
		if err != nil {
			return newError(ErrBadAddress, "datagram.addr", err)
		}
		port := 0
		if portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil {
				return newError(ErrBadAddress, "datagram.addr", err)
			}
			port = p
		}
		engine, err := datagram.Listen(addr.Filter{LocalAddr: net.ParseIP(host), LocalPort: port}, datagram.Config{
			OnData:  s.relay.HandleDatagram,
			OnError: func(op string, err error) { s.log.Debug("datagram error", "op", op, "error", err) },
			Log:     s.log,
		})
		if err != nil {
			return newError(ErrTransport, "datagram.listen", err)
		}
		s.datagramEngine = engine
		s.relay.AttachDatagramEngine(engine)
		go func() {
			<-ctx.Done()
			engine.Close()
		}()
	}

	if s.cfg.FramedAddr != "" {
		l, err := framed.Listen(ctx, s.cfg.FramedAddr, nil, s.framedConfig())
		if err != nil {
			return newError(ErrTransport, "framed.listen", err)
		}
		s.framedListener = l
	}

	if s.cfg.FramedTLSAddr != "" && s.cfg.TLSConfig != nil {
		l, err := framed.Listen(ctx, s.cfg.FramedTLSAddr, s.cfg.TLSConfig, s.framedConfig())
		if err != nil {
			// A secure-listener failure is treated as non-fatal to the
			// rest of the server (see DESIGN.md's Open Question
			// resolution): log it and keep running the other transports.
			s.log.Error("framed TLS listener failed to start", "addr", s.cfg.FramedTLSAddr, "error", err)
		} else {
			s.framedTLS = l
		}
	}

	return s.relay.Start(ctx)
}

// Stop requests the dispatch loop to exit after draining queued work.
func (s *Server) Stop() { s.relay.Stop() }

// ConnectResponse accepts or rejects a client pending approval.
func (s *Server) ConnectResponse(c *Client, denyReason string) { s.relay.ConnectResponse(c, denyReason) }

// ChannelMessagePermit forwards or drops a channel message. includeSender
// mirrors the sender's variant flag (§4.5) and should normally be passed
// through unchanged from the OnChannelMessage callback.
func (s *Server) ChannelMessagePermit(c *Client, ch *Channel, blasted, includeSender bool, subchannel byte, data []byte, permit bool) error {
	return s.relay.ChannelMessagePermit(c, ch, blasted, includeSender, subchannel, data, permit)
}

// ClientMessagePermit forwards or drops a peer message.
func (s *Server) ClientMessagePermit(from, to *Client, blasted bool, subchannel byte, data []byte, permit bool) error {
	return s.relay.ClientMessagePermit(from, to, blasted, subchannel, data, permit)
}

// Disconnect tears a client down.
func (s *Server) Disconnect(c *Client) { s.relay.Disconnect(c) }

func (s *Server) acceptStreams(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Error("stream accept failed", "error", err)
				return
			}
		}
		s.acceptStream(conn)
	}
}

func (s *Server) acceptStream(conn net.Conn) {
	traceID := uuid.NewString()
	s.log.Debug("stream connection accepted", "trace", traceID, "remote", conn.RemoteAddr())

	var c *Client
	ready := make(chan struct{})
	sock := stream.New(conn, streamFramer{}, stream.Config{
		OnData: func(_ *stream.Socket, data []byte) {
			<-ready
			if c != nil {
				s.relay.PostInbound(c, data)
			}
		},
		OnError: func(_ *stream.Socket, err error) {
			s.log.Debug("stream error", "trace", traceID, "error", err)
		},
		OnClose: func(*stream.Socket) {
			<-ready
			if c != nil {
				s.relay.PostTransportClosed(c, nil)
			}
		},
	})
	c = s.relay.Accept(sock, conn.RemoteAddr())
	close(ready)
}

func (s *Server) framedConfig() framed.Config {
	return framed.Config{
		Log: s.log,
		OnAccept: func(sock *framed.Socket) {
			traceID := uuid.NewString()
			s.log.Debug("framed connection accepted", "trace", traceID, "remote", sock.RemoteAddr())
			c := s.relay.Accept(sock, sock.RemoteAddr())
			sockClients.set(sock, c)
		},
		OnData: func(sock *framed.Socket, data []byte) {
			if c := sockClients.get(sock); c != nil {
				s.relay.PostInbound(c, data)
			}
		},
		OnError: func(sock *framed.Socket, err error) {
			s.log.Debug("framed socket error", "error", err)
		},
		OnClose: func(sock *framed.Socket) {
			if c := sockClients.get(sock); c != nil {
				s.relay.PostTransportClosed(c, nil)
			}
			sockClients.delete(sock)
		},
	}
}

// streamFramer adapts wire.Decode to stream.Framer.
type streamFramer struct{}

func (streamFramer) Feed(buf []byte) ([]byte, int, error) {
	frame, consumed, err := wire.Decode(buf)
	if err != nil {
		if errors.Is(err, wire.ErrShortFrame) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	raw := buf[:consumed]
	_ = frame
	return raw, consumed, nil
}

// sockClients maps each framed.Socket to the relay.Client that OnAccept
// registered for it. framed.Listener runs OnAccept before it starts the
// socket's read loop, so the entry exists before the first OnData fires.
var sockClients = newSocketClientMap()

type socketClientMap struct {
	mu sync.Mutex
	m  map[*framed.Socket]*Client
}

func newSocketClientMap() *socketClientMap {
	return &socketClientMap{m: make(map[*framed.Socket]*Client)}
}

func (s *socketClientMap) set(sock *framed.Socket, c *Client) {
	s.mu.Lock()
	s.m[sock] = c
	s.mu.Unlock()
}

func (s *socketClientMap) get(sock *framed.Socket) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[sock]
}

func (s *socketClientMap) delete(sock *framed.Socket) {
	s.mu.Lock()
	delete(s.m, sock)
	s.mu.Unlock()
}
