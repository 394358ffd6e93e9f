// Package beacon is a real-time relay server for client-to-client messaging.
//
// A long-lived Server accepts clients over a reliable stream transport, an
// unreliable datagram transport, and browser-style framed-socket transports
// (plain and TLS-wrapped), authenticates each one through a name handshake,
// groups them into named channels, and forwards binary messages between
// peers with server-directed, channel-broadcast, and peer-to-peer routing.
//
// # Architecture
//
// Every socket variant (stream, datagram, framed) funnels its decoded frames
// through the same relay wire codec and the same dispatch state machine in
// internal/relay. The embedding host only ever sees the Client, Channel and
// hook types in this package; it supplies policy decisions (connect/deny,
// channel-message permit, peer-message permit) through callbacks and never
// touches a socket directly.
//
// # Quick start
//
//	cfg := beacon.DefaultConfig()
//	cfg.StreamAddr = ":6121"
//	cfg.DatagramAddr = ":6121"
//	cfg.FramedAddr = ":8087"
//
//	cfg.OnConnectRequest = func(srv *beacon.Server, c *beacon.Client) {
//	    srv.ConnectResponse(c, "") // accept
//	}
//	cfg.OnChannelMessage = func(srv *beacon.Server, c *beacon.Client, ch *beacon.Channel, blasted, includeSender bool, subchannel byte, data []byte) {
//	    srv.ChannelMessagePermit(c, ch, blasted, includeSender, subchannel, data, true)
//	}
//
//	srv, err := beacon.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(srv.Start(context.Background()))
//
// # Non-goals
//
// Persistent message storage, reliable delivery over the datagram
// transport, authentication beyond the name/channel handshake,
// cross-server federation, an administrative HTTP API, and NAT traversal
// assistance are all out of scope for this package.
package beacon
