package datagram

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/arlobridge/beacon/internal/addr"
)

func TestSendAndReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 1)
	server, err := Listen(addr.Filter{}, Config{
		OnData: func(_ addr.Addr, buf []byte) {
			received <- append([]byte(nil), buf...)
		},
	})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer server.Close()

	client, err := Listen(addr.Filter{}, Config{OnData: func(addr.Addr, []byte) {}})
	if err != nil {
		t.Fatalf("Listen() client error = %v", err)
	}
	defer client.Close()

	dst := server.LocalAddr().(*net.UDPAddr)
	if err := client.Send(addr.FromUDPAddr(dst), []byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Errorf("received %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never received")
	}
}

func TestReceiveRingStaysAtIdealCount(t *testing.T) {
	t.Parallel()

	e, err := Listen(addr.Filter{}, Config{OnData: func(addr.Addr, []byte) {}})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer e.Close()

	// Give the ring goroutines a moment to reach their blocking read.
	time.Sleep(50 * time.Millisecond)
	if got := e.ReceivesInFlight(); got != idealPendingReceiveCount {
		t.Errorf("ReceivesInFlight() = %d, want %d", got, idealPendingReceiveCount)
	}
}

func TestCloseDrainsAllPostedReceives(t *testing.T) {
	t.Parallel()

	e, err := Listen(addr.Filter{}, Config{OnData: func(addr.Addr, []byte) {}})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := WaitDrained(ctx, e); err != nil {
		t.Fatalf("WaitDrained() error = %v", err)
	}
	if got := e.ReceivesInFlight(); got != 0 {
		t.Errorf("ReceivesInFlight() after Close = %d, want 0", got)
	}
	if got := e.WritesInFlight(); got != 0 {
		t.Errorf("WritesInFlight() after Close = %d, want 0", got)
	}
}

func TestSpoofedSourceIsDropped(t *testing.T) {
	t.Parallel()

	legit, err := Listen(addr.Filter{LocalAddr: net.ParseIP("127.0.0.1")}, Config{OnData: func(addr.Addr, []byte) {}})
	if err != nil {
		t.Fatalf("Listen() legit error = %v", err)
	}
	defer legit.Close()

	legitAddr := addr.FromUDPAddr(legit.LocalAddr().(*net.UDPAddr))

	received := make(chan []byte, 1)
	server, err := Listen(addr.Filter{Remote: &legitAddr}, Config{
		OnData: func(_ addr.Addr, buf []byte) { received <- append([]byte(nil), buf...) },
	})
	if err != nil {
		t.Fatalf("Listen() server error = %v", err)
	}
	defer server.Close()

	impostor, err := Listen(addr.Filter{LocalAddr: net.ParseIP("127.0.0.2")}, Config{OnData: func(addr.Addr, []byte) {}})
	if err != nil {
		t.Fatalf("Listen() impostor error = %v", err)
	}
	defer impostor.Close()

	dst := addr.Addr{IP: net.ParseIP("127.0.0.1"), Port: server.LocalAddr().(*net.UDPAddr).Port}
	if err := impostor.Send(dst, []byte("spoofed")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := legit.Send(dst, []byte("legit")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "legit" {
			t.Errorf("received %q, want %q (spoofed datagram should have been dropped)", got, "legit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("legitimate datagram never received")
	}
}
