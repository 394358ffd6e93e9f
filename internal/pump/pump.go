// Package pump implements the single-thread completion dispatcher described
// in §4.1: sockets register a handler once, and every asynchronous I/O they
// perform posts exactly one completion back through the pump. The pump
// guarantees no two handlers ever run concurrently, so everything
// downstream (the relay server's client/channel registries) needs no
// locking as long as it only ever runs from inside a handler.
//
// A Windows IOCP or an epoll readiness loop would implement this natively
// on one OS thread. Go's runtime doesn't expose that primitive directly, so
// this is the idiomatic substitute: each socket does its own blocking I/O
// on its own goroutine (that part IS concurrent — it has to be, since
// net.Conn reads block) but never calls a handler itself. It only ever
// posts a completion value onto one channel, which a single dedicated
// dispatch goroutine drains and hands to the registered handler. That
// dispatch goroutine is the "pump" in every sense that matters here.
package pump

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler is invoked exactly once per posted completion, serialized with
// every other handler call on the same Pump.
type Handler func(tag any, bytesTransferred int, err error)

// Watch is a registration token. It is only meaningful to the Pump that
// created it.
type Watch struct {
	id      uint64
	tag     any
	handler Handler
	removed atomic.Bool
}

type completion struct {
	watch            *Watch
	bytesTransferred int
	err              error
}

type registration struct {
	tag     any
	handler Handler
	reply   chan *Watch
}

type removal struct {
	watch *Watch
}

// Pump is a single-thread completion dispatcher.
type Pump struct {
	log *slog.Logger

	completions  chan completion
	registration chan registration
	removals     chan removal
	exit         chan struct{}
	stopped      chan struct{}

	mu      sync.Mutex
	watches map[uint64]*Watch
	nextID  uint64

	started atomic.Bool
}

// New creates a Pump. It does nothing until StartEventloop is called.
func New(log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{
		log:          log,
		completions:  make(chan completion, 256),
		registration: make(chan registration),
		removals:     make(chan removal, 64),
		exit:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
		watches:      make(map[uint64]*Watch),
	}
}

// Add registers a new watch. Safe to call from any goroutine, including
// from inside a running Handler.
func (p *Pump) Add(tag any, handler Handler) *Watch {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	w := &Watch{id: p.nextID, tag: tag, handler: handler}
	p.watches[w.id] = w
	return w
}

// PostRemove asynchronously detaches a watch. It is always safe to call,
// including from within that watch's own completion handler; the watch is
// only physically removed from the dispatch table once the dispatch loop
// processes the removal, which happens after any completion already queued
// for it has been drained.
func (p *Pump) PostRemove(w *Watch) {
	if w == nil || !w.removed.CompareAndSwap(false, true) {
		return
	}
	select {
	case p.removals <- removal{watch: w}:
	default:
		// Removal queue is a best-effort hint for bookkeeping only — the
		// removed flag above is what actually stops future dispatch, so a
		// full queue (extremely unlikely at 64 slots) is not fatal.
	}
}

// Post delivers one completion for watch w. Called by a socket's own
// goroutine after it finishes a blocking read/write/accept. Safe to call
// concurrently from many sockets; completions are queued and dispatched
// one at a time.
func (p *Pump) Post(w *Watch, bytesTransferred int, err error) {
	if w == nil || w.removed.Load() {
		return
	}
	p.completions <- completion{watch: w, bytesTransferred: bytesTransferred, err: err}
}

// StartEventloop runs the dispatch loop until PostEventloopExit is called
// or ctx is cancelled, draining any completions already queued before it
// returns. It returns a descriptive error only on an unrecoverable reactor
// failure; per-socket errors are reported through the normal completion
// path instead.
func (p *Pump) StartEventloop(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	defer close(p.stopped)

	for {
		select {
		case reg := <-p.registration:
			p.mu.Lock()
			p.nextID++
			w := &Watch{id: p.nextID, tag: reg.tag, handler: reg.handler}
			p.watches[w.id] = w
			p.mu.Unlock()
			reg.reply <- w

		case rm := <-p.removals:
			p.mu.Lock()
			delete(p.watches, rm.watch.id)
			p.mu.Unlock()

		case c := <-p.completions:
			if c.watch.removed.Load() {
				continue
			}
			c.watch.handler(c.watch.tag, c.bytesTransferred, c.err)

		case <-p.exit:
			p.drain()
			return nil

		case <-ctx.Done():
			p.drain()
			return nil
		}
	}
}

// drain runs any completions already queued (but not new ones arriving
// after this call) so in-flight I/O is not silently dropped on shutdown.
func (p *Pump) drain() {
	for {
		select {
		case c := <-p.completions:
			if !c.watch.removed.Load() {
				c.watch.handler(c.watch.tag, c.bytesTransferred, c.err)
			}
		default:
			return
		}
	}
}

// PostEventloopExit causes StartEventloop to return after draining
// currently queued completions.
func (p *Pump) PostEventloopExit() {
	select {
	case p.exit <- struct{}{}:
	default:
	}
}
