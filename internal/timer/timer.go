// Package timer implements the periodic accounting tick described in §3
// and §4.9: once per second, every connected client's rolling byte/message
// counters are folded into running totals and high-water marks, clients
// that exceeded their per-second cap during the tick are flagged for
// disconnection, and expired bans are swept from the ban list.
//
// Grounded on original_source/POSIXMain.cpp's OnTimerTick, which does
// exactly this fold-and-flag pass once a second and logs a status line
// before iterating clientdata to disconnect anything marked exceeded. The
// clock is injected via github.com/benbjohnson/clock rather than
// time.NewTicker directly so tests can drive whole accounting ticks
// without sleeping, drawn from destiny-zmq4's test-clock usage pattern
// since nothing in the base websocket package had interval-based logic
// of its own to model this on.
package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ClientStats mirrors POSIXMain.cpp's clientstats, tracking one client's
// upload activity across the accounting window.
type ClientStats struct {
	// TotalBytesIn / TotalNumMessagesIn are lifetime totals, never reset.
	TotalBytesIn       int64
	TotalNumMessagesIn int64

	// BytesIn / NumMessagesIn accumulate within the current tick and are
	// folded into the totals (and compared against the cap) every tick.
	BytesIn       int64
	NumMessagesIn int64

	// WastedServerMessages counts messages the relay discarded as invalid
	// (bad subchannel, disallowed codepoints, per-second upload pre-filter);
	// more than five of these in a session (the relay's default limit)
	// escalates to a ban (§4.8).
	WastedServerMessages int

	// PeakBytesPerTick is the high-water mark of BytesIn across every
	// completed tick, exposed for diagnostics.
	PeakBytesPerTick int64

	// Exceeded is set by a tick that finds BytesIn over the configured
	// cap; the caller is responsible for disconnecting the client and
	// clearing this before reuse.
	Exceeded bool
}

// AddIncoming records n bytes and one message received from a client
// during the current tick.
func (s *ClientStats) AddIncoming(n int) {
	s.BytesIn += int64(n)
	s.NumMessagesIn++
}

// AddWasted records one message discarded as invalid.
func (s *ClientStats) AddWasted() {
	s.WastedServerMessages++
}

// Registry is the set of ClientStats a Timer folds every tick, keyed by
// whatever client identifier the caller uses. Track/Untrack/Get take a
// mutex so they are safe to call from any goroutine; the per-tick fold itself
// still assumes it is the only goroutine mutating an individual
// ClientStats value while it runs, which callers get for free by driving
// Tick from their single dispatch point (see Ticks).
type Registry struct {
	mu      sync.Mutex
	clients map[uint64]*ClientStats
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[uint64]*ClientStats)}
}

// Track begins accounting for a newly connected client.
func (r *Registry) Track(id uint64) *ClientStats {
	s := &ClientStats{}
	r.mu.Lock()
	r.clients[id] = s
	r.mu.Unlock()
	return s
}

// Untrack stops accounting for a disconnected client.
func (r *Registry) Untrack(id uint64) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Get returns the stats for id, or nil if it is not tracked.
func (r *Registry) Get(id uint64) *ClientStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[id]
}

// snapshot returns the current id->stats map for iteration by tick. The
// map itself is a fresh copy so tick can range over it without holding
// the lock across the whole fold (which would block a concurrent Track
// or Untrack for the entire tick).
func (r *Registry) snapshot() map[uint64]*ClientStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]*ClientStats, len(r.clients))
	for k, v := range r.clients {
		out[k] = v
	}
	return out
}

// Config configures a Timer's tick behavior.
type Config struct {
	// Interval between ticks; POSIXMain.cpp used one second.
	Interval time.Duration
	// BytesPerTickCap flags a client Exceeded when its per-tick BytesIn
	// crosses this ceiling. Zero disables the check.
	BytesPerTickCap int64
	// Clock, if nil, defaults to the real wall clock.
	Clock clock.Clock
	// Log receives one structured line per tick summarizing the sweep.
	Log *slog.Logger
}

// Sweeper is anything a tick can ask to expire stale entries — satisfied
// by *policy.BanList without this package importing it, keeping the
// dependency direction from policy/relay inward rather than timer
// depending on policy.
type Sweeper interface {
	Sweep(now time.Time)
}

// Timer drives the periodic accounting pass.
type Timer struct {
	cfg      Config
	clock    clock.Clock
	log      *slog.Logger
	registry *Registry
	sweepers []Sweeper
	onExceed func(id uint64, s *ClientStats)
}

// New creates a Timer over registry. onExceed is called once per tick for
// every client whose stats crossed BytesPerTickCap during that tick; the
// caller is expected to send the two disconnect notices (§4.9) and then
// disconnect the client.
func New(registry *Registry, cfg Config, onExceed func(id uint64, s *ClientStats), sweepers ...Sweeper) *Timer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Timer{
		cfg:      cfg,
		clock:    c,
		log:      log,
		registry: registry,
		sweepers: sweepers,
		onExceed: onExceed,
	}
}

// Run blocks, ticking until ctx is cancelled. Run performs the fold
// itself; callers that need every tick serialized against other
// registry-mutating work (as internal/relay does, via the pump) should use
// Ticks instead and call Tick() from their own serialized dispatch point.
func (t *Timer) Run(ctx context.Context) {
	ticker := t.clock.Ticker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.tick()
		case <-ctx.Done():
			return
		}
	}
}

// Ticks returns a channel that receives a value once per Interval until
// ctx is cancelled, without performing the fold itself. The caller must
// call Tick() upon receiving, from whatever goroutine it needs the fold
// serialized against.
func (t *Timer) Ticks(ctx context.Context) <-chan time.Time {
	out := make(chan time.Time)
	go func() {
		ticker := t.clock.Ticker(t.cfg.Interval)
		defer ticker.Stop()
		defer close(out)
		for {
			select {
			case tm := <-ticker.C:
				select {
				case out <- tm:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Tick performs one fold-and-flag pass immediately. Exported so a caller
// that needs ticks serialized against other work (internal/relay, via its
// pump) can drive it explicitly instead of using Run.
func (t *Timer) Tick() { t.tick() }

func (t *Timer) tick() {
	now := t.clock.Now()

	var totalBytes, totalMessages int64
	var exceededCount int

	clients := t.registry.snapshot()
	for id, s := range clients {
		s.TotalBytesIn += s.BytesIn
		s.TotalNumMessagesIn += s.NumMessagesIn
		if s.BytesIn > s.PeakBytesPerTick {
			s.PeakBytesPerTick = s.BytesIn
		}

		totalBytes += s.BytesIn
		totalMessages += s.NumMessagesIn

		if t.cfg.BytesPerTickCap > 0 && s.BytesIn > t.cfg.BytesPerTickCap {
			s.Exceeded = true
		}

		s.BytesIn = 0
		s.NumMessagesIn = 0

		if s.Exceeded {
			exceededCount++
			if t.onExceed != nil {
				t.onExceed(id, s)
			}
		}
	}

	for _, sw := range t.sweepers {
		sw.Sweep(now)
	}

	t.log.Info("accounting tick",
		"clients", len(clients),
		"bytes_in", totalBytes,
		"messages_in", totalMessages,
		"exceeded", exceededCount,
	)
}
