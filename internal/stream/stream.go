// Package stream implements the per-connection reliable byte-stream socket
// described in §4.3: a read buffer fed to an upstream framer, a write queue
// with exactly one write in flight at a time, and cooperative close
// coordination (stop accepting writes, drain the queue, then actually
// close).
//
// Grounded on internal/websocket.Client: a buffered send channel drained
// by a dedicated writer goroutine, a context cancelled on close, and a
// mutex protecting the closed flag against a racing Send. This package
// generalizes that shape from "one gorilla/websocket connection" to "any
// net.Conn", since the relay's raw TCP listener and its framed-socket
// variant both ride on the same read/write/close discipline.
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Framer turns a growing byte buffer into discrete frames. It is called
// after every read with everything read so far that hasn't yet been
// consumed. consumed > 0 means that many bytes formed a complete, valid
// frame; consumed == 0 and err == nil means "need more data"; a non-nil err
// is a protocol violation.
type Framer interface {
	Feed(buf []byte) (frame []byte, consumed int, err error)
}

// Config bundles the hooks a Socket dispatches into.
type Config struct {
	OnData  func(*Socket, []byte) // one complete frame, per Framer.Feed
	OnError func(*Socket, error)
	OnClose func(*Socket)
}

// Socket is a reliable byte-stream connection with a read buffer, a write
// queue, and cooperative close.
type Socket struct {
	conn   net.Conn
	framer Framer
	cfg    Config

	sendCh chan []byte

	mu      sync.Mutex
	closing bool
	readBuf bytes.Buffer

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wraps conn in a Socket and starts its read and write pumps. The
// caller must not use conn directly again.
func New(conn net.Conn, framer Framer, cfg Config) *Socket {
	if cfg.OnData == nil || cfg.OnError == nil || cfg.OnClose == nil {
		panic("stream: Config requires OnData, OnError and OnClose")
	}
	s := &Socket{
		conn:   conn,
		framer: framer,
		cfg:    cfg,
		sendCh: make(chan []byte, 256),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go s.awaitFinish()
	return s
}

// RemoteAddr returns the underlying connection's remote address.
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Send enqueues data for delivery. Returns false if the socket is closing
// and the data was dropped.
func (s *Socket) Send(data []byte) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.sendCh <- data:
		return true
	default:
		// Queue is full: treat as a transport error on this socket rather
		// than blocking the caller (which, on the relay dispatch path,
		// would stall every other client).
		s.reportAndClose(errQueueFull)
		return false
	}
}

// Close requests a cooperative shutdown: no further writes are accepted,
// the queue is allowed to drain, then the connection is actually closed.
// Idempotent.
func (s *Socket) Close() {
	s.mu.Lock()
	already := s.closing
	s.closing = true
	s.mu.Unlock()
	if !already {
		close(s.sendCh)
	}
}

func (s *Socket) reportAndClose(err error) {
	s.cfg.OnError(s, err)
	s.Close()
	s.closeOnce.Do(func() { s.conn.Close() })
}

func (s *Socket) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.readBuf.Write(buf[:n])
			s.mu.Unlock()

			for {
				s.mu.Lock()
				pending := s.readBuf.Bytes()
				frame, consumed, ferr := s.framer.Feed(pending)
				if consumed > 0 {
					s.readBuf.Next(consumed)
				}
				s.mu.Unlock()

				if ferr != nil {
					s.reportAndClose(ferr)
					return
				}
				if consumed == 0 {
					break
				}
				s.cfg.OnData(s, frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.cfg.OnError(s, err)
			}
			s.Close()
			s.closeOnce.Do(func() { s.conn.Close() })
			return
		}
	}
}

func (s *Socket) writeLoop() {
	defer s.wg.Done()
	for data := range s.sendCh {
		if _, err := s.conn.Write(data); err != nil {
			s.cfg.OnError(s, err)
			s.closeOnce.Do(func() { s.conn.Close() })
			// Keep draining sendCh (without writing) so Send never blocks
			// a caller while the read side notices the connection is dead.
			for range s.sendCh {
			}
			return
		}
	}
	// sendCh was closed by Close and every queued write has gone out: now
	// actually close the connection, which also ends the read loop.
	s.closeOnce.Do(func() { s.conn.Close() })
}

// awaitFinish fires OnClose exactly once, after both the read and write
// goroutines have returned.
func (s *Socket) awaitFinish() {
	s.wg.Wait()
	s.closeOnce.Do(func() { s.conn.Close() })
	s.cfg.OnClose(s)
}

type queueFullError struct{}

func (queueFullError) Error() string { return "stream: send queue full" }

var errQueueFull = queueFullError{}

// SetDeadline forwards to the underlying connection.
func (s *Socket) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// WaitClosed blocks until the socket has fully closed or ctx is done.
// Provided for tests that need deterministic teardown.
func (s *Socket) WaitClosed(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
