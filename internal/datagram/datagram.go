// Package datagram implements the unreliable datagram transport described
// in §4.2: a single UDP socket shared by every client, with sender
// identification carried in the relay wire header rather than by one
// socket per peer.
//
// Grounded directly on original_source/Lacewing/src/windows/udp.c: that
// file keeps ideal_pending_receive_count = 16 WSARecvFrom operations
// outstanding at once, retains a refcounted context per posted operation,
// and asserts on dealloc that receives_posted == 0 && writes_posted == 0.
// Go has no WSARecvFrom to post; the idiomatic substitute kept here is to
// run exactly 16 goroutines that each block in ReadFromUDP and immediately
// "repost" (call ReadFromUDP again) once their read completes, which
// reproduces the same "16 reads always in flight" invariant using
// goroutines instead of overlapped I/O. The explicit atomic counters are
// kept, not for memory management (Go's GC owns that), but because
// receivesInFlight/writesInFlight are themselves testable invariants
// (§8) that a caller may want to assert against during shutdown.
package datagram

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arlobridge/beacon/internal/addr"
)

// idealPendingReceiveCount mirrors udp.c's ideal_pending_receive_count.
const idealPendingReceiveCount = 16

// maxDatagramSize is large enough for any realistic relay payload; a
// larger incoming datagram is simply truncated by ReadFromUDP like any UDP
// receive.
const maxDatagramSize = 65507

// Handler receives one already-filtered datagram payload plus its source
// address. It must not retain buf past the call.
type Handler func(source addr.Addr, buf []byte)

// ErrorHandler receives a non-fatal per-operation error (a single failed
// receive or send), mirroring udp.c's decision to log and keep the ring
// running rather than tear down the whole socket over one bad packet.
type ErrorHandler func(op string, err error)

// Engine is a single shared UDP socket with a fixed-size ring of
// outstanding receives.
type Engine struct {
	log     *slog.Logger
	conn    *net.UDPConn
	filter  addr.Filter
	onData  Handler
	onError ErrorHandler

	receivesInFlight atomic.Int32
	writesInFlight   atomic.Int32

	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
	stopOnce sync.Once
}

// Config bundles the hooks an Engine dispatches into.
type Config struct {
	OnData  Handler
	OnError ErrorHandler
	Log     *slog.Logger
}

// Listen opens a UDP socket per filter and starts the receive ring. The
// caller must eventually call Close.
func Listen(filter addr.Filter, cfg Config) (*Engine, error) {
	if cfg.OnData == nil {
		panic("datagram: Config requires OnData")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(string, error) {}
	}

	network := filter.NetworkFor("udp")
	local := &net.UDPAddr{IP: filter.LocalAddr, Port: filter.LocalPort}
	conn, err := net.ListenUDP(network, local)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:     log,
		conn:    conn,
		filter:  filter,
		onData:  cfg.OnData,
		onError: onError,
	}

	e.postReceives()
	return e, nil
}

// LocalAddr returns the bound local address.
func (e *Engine) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// postReceives starts the fixed-size ring of receive goroutines, each of
// which reposts itself after every completed read. Grounded on udp.c's
// post_receives loop, which submits new WSARecvFrom calls one at a time
// until receives_posted reaches ideal_pending_receive_count.
func (e *Engine) postReceives() {
	for i := 0; i < idealPendingReceiveCount; i++ {
		e.wg.Add(1)
		e.receivesInFlight.Add(1)
		go e.receiveLoop()
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	defer e.receivesInFlight.Add(-1)

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if e.isClosed() {
				return
			}
			e.onError("udp.receive", err)
			// A transient per-packet read error (e.g. ICMP port
			// unreachable surfacing as a WSAECONNRESET-equivalent on some
			// platforms) does not retire this slot; udp.c re-posts
			// unconditionally after every completion, error or not.
			continue
		}

		source := addr.FromUDPAddr(src)
		if !e.filter.Matches(source) {
			// Spoof check: silently drop, matching udp.c's
			// lw_addr_equal(&addr, filter_addr) rejection, which is
			// intentionally silent to avoid a log-flood amplification
			// vector when the mismatch is itself attacker-controlled.
			continue
		}

		e.onData(source, buf[:n])
	}
}

func (e *Engine) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}

// Send transmits one datagram. Safe to call concurrently.
func (e *Engine) Send(dst addr.Addr, payload []byte) error {
	e.writesInFlight.Add(1)
	defer e.writesInFlight.Add(-1)

	udpDst := &net.UDPAddr{IP: dst.IP, Port: dst.Port}
	_, err := e.conn.WriteToUDP(payload, udpDst)
	if err != nil {
		e.onError("udp.send", err)
	}
	return err
}

// Close shuts down the socket and waits for every receive goroutine to
// return, so ReceivesInFlight is zero once it returns. It does not wait for
// sends still in progress and does not check either counter itself.
func (e *Engine) Close() error {
	var closeErr error
	e.stopOnce.Do(func() {
		e.closeMu.Lock()
		e.closed = true
		e.closeMu.Unlock()
		closeErr = e.conn.Close()
		e.wg.Wait()
	})
	return closeErr
}

// ReceivesInFlight reports the number of receive goroutines currently
// blocked in a read. Used by tests to assert the ring stays at exactly
// idealPendingReceiveCount while running and drains to zero after Close.
func (e *Engine) ReceivesInFlight() int32 { return e.receivesInFlight.Load() }

// WritesInFlight reports the number of sends currently in progress.
func (e *Engine) WritesInFlight() int32 { return e.writesInFlight.Load() }

// ErrClosed is returned by Send after Close; exposed so callers can match
// it with errors.Is against the underlying net.ErrClosed wrapping.
var ErrClosed = net.ErrClosed

// WaitDrained blocks until every receive goroutine has returned, or ctx is
// done. Sends in progress are not waited for. Intended for
// shutdown-invariant tests.
func WaitDrained(ctx context.Context, e *Engine) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
