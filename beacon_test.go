package beacon_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/arlobridge/beacon"
	"github.com/arlobridge/beacon/internal/wire"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestStreamClientReceivesWelcome(t *testing.T) {
	t.Parallel()

	cfg := beacon.DefaultConfig()
	cfg.StreamAddr = freeTCPAddr(t)
	cfg.OnConnectRequest = func(srv *beacon.Server, c *beacon.Client) {
		srv.ConnectResponse(c, "")
	}

	srv, err := beacon.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	// Give the listener a moment to bind.
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", cfg.StreamAddr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// The server sends nothing until the client's handshake-name request.
	name, _ := wire.Encode(wire.TypeRequest, wire.VariantHandshakeName, []byte("tester"))
	if _, err := conn.Write(name); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	frame, _, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("wire.Decode() error = %v", err)
	}
	if frame.Type != wire.TypeResponse || frame.Variant != wire.VariantWelcome {
		t.Errorf("frame = %+v, want a welcome response", frame)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestNewRejectsConfigWithNoTransports(t *testing.T) {
	t.Parallel()

	if _, err := beacon.New(beacon.ServerConfig{}); err == nil {
		t.Error("New() with no transport addresses configured should return an error")
	}
}
