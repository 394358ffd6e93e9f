package framed

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestListener(t *testing.T, cfg Config) (addr string, cleanup func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	bind := "127.0.0.1"
	addrStr := (&net.TCPAddr{IP: net.ParseIP(bind), Port: port}).String()

	ctx, cancel := context.WithCancel(context.Background())
	l, err := Listen(ctx, addrStr, nil, cfg)
	if err != nil {
		cancel()
		t.Fatalf("Listen() error = %v", err)
	}
	// Give the HTTP server a moment to start accepting.
	time.Sleep(50 * time.Millisecond)
	return addrStr, func() {
		cancel()
		l.Close()
	}
}

func TestAcceptAndEchoBinaryFrame(t *testing.T) {
	t.Parallel()

	accepted := make(chan *Socket, 1)
	dataCh := make(chan []byte, 1)

	addrStr, cleanup := startTestListener(t, Config{
		OnAccept: func(s *Socket) { accepted <- s },
		OnData:   func(_ *Socket, b []byte) { dataCh <- append([]byte(nil), b...) },
		OnError:  func(*Socket, error) {},
		OnClose:  func(*Socket) {},
	})
	defer cleanup()

	u := url.URL{Scheme: "ws", Host: addrStr, Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("payload")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	select {
	case s := <-accepted:
		defer s.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("OnAccept never fired")
	}

	select {
	case got := <-dataCh:
		if string(got) != "payload" {
			t.Errorf("received %q, want %q", got, "payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestServerSendReachesClient(t *testing.T) {
	t.Parallel()

	accepted := make(chan *Socket, 1)
	addrStr, cleanup := startTestListener(t, Config{
		OnAccept: func(s *Socket) { accepted <- s },
		OnData:   func(*Socket, []byte) {},
		OnError:  func(*Socket, error) {},
		OnClose:  func(*Socket) {},
	})
	defer cleanup()

	u := url.URL{Scheme: "ws", Host: addrStr, Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	var s *Socket
	select {
	case s = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("OnAccept never fired")
	}
	defer s.Close()

	if !s.Send([]byte("hello")) {
		t.Fatal("Send() = false, want true")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("client received %q, want %q", data, "hello")
	}
}

func TestTextFrameIsProtocolViolation(t *testing.T) {
	t.Parallel()

	errCh := make(chan error, 1)
	closed := make(chan struct{})
	addrStr, cleanup := startTestListener(t, Config{
		OnAccept: func(*Socket) {},
		OnData:   func(*Socket, []byte) {},
		OnError:  func(_ *Socket, err error) { errCh <- err },
		OnClose:  func(*Socket) { close(closed) },
	})
	defer cleanup()

	u := url.URL{Scheme: "ws", Host: addrStr, Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not binary")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected a non-nil protocol error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never fired for text frame")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired after protocol violation")
	}
}
