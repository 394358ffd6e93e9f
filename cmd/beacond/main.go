// Command beacond runs a standalone relay server, wiring the hooks a host
// application would normally supply itself. It doubles as a runnable
// example of the beacon package's API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arlobridge/beacon"
)

func main() {
	streamAddr := flag.String("stream", ":6121", "address for the raw stream transport")
	datagramAddr := flag.String("datagram", ":6121", "address for the datagram transport")
	framedAddr := flag.String("framed", ":8087", "address for the WebSocket transport")
	uploadCapBytes := flag.Int64("upload-cap", 1<<20, "per-tick upload cap in bytes per client, 0 disables")
	welcome := flag.String("welcome", "welcome to beacond", "welcome message sent to every accepted client")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := beacon.DefaultConfig()
	cfg.StreamAddr = *streamAddr
	cfg.DatagramAddr = *datagramAddr
	cfg.FramedAddr = *framedAddr
	cfg.BytesPerTickCap = *uploadCapBytes
	cfg.WelcomeMessage = *welcome
	cfg.Log = log

	cfg.OnConnectRequest = func(srv *beacon.Server, c *beacon.Client) {
		log.Info("connect request", "client", c.ID(), "remote", c.RemoteAddr())
		srv.ConnectResponse(c, "")
	}
	cfg.OnDisconnect = func(srv *beacon.Server, c *beacon.Client) {
		log.Info("client disconnected", "client", c.ID(), "name", c.Name())
	}
	cfg.OnServerMessage = func(srv *beacon.Server, c *beacon.Client, subchannel byte, data []byte) {
		log.Debug("server message", "client", c.ID(), "subchannel", subchannel, "bytes", len(data))
	}
	cfg.OnChannelMessage = func(srv *beacon.Server, c *beacon.Client, ch *beacon.Channel, blasted, includeSender bool, subchannel byte, data []byte) {
		if err := srv.ChannelMessagePermit(c, ch, blasted, includeSender, subchannel, data, true); err != nil {
			log.Warn("channel message forward failed", "client", c.ID(), "channel", ch.Name(), "error", err)
		}
	}
	cfg.OnPeerMessage = func(srv *beacon.Server, from, to *beacon.Client, blasted bool, subchannel byte, data []byte) {
		if err := srv.ClientMessagePermit(from, to, blasted, subchannel, data, true); err != nil {
			log.Warn("peer message forward failed", "from", from.ID(), "to", to.ID(), "error", err)
		}
	}
	cfg.OnError = func(err error) {
		log.Error("relay error", "error", err)
	}

	srv, err := beacon.New(cfg)
	if err != nil {
		log.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("beacond starting", "stream", *streamAddr, "datagram", *datagramAddr, "framed", *framedAddr)
	if err := srv.Start(ctx); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("beacond stopped")
}
