// Package policy implements the abuse-mitigation layer described in §4.8:
// a codepoint allow-list applied to every server/channel/peer message
// payload, per-client upload accounting against a rolling cap, ban-list
// storage with escalating cooldowns, and an optional server-wide upload
// ceiling on blasted (datagram) traffic.
//
// Grounded on original_source/POSIXMain.cpp: BanEntry's
// {ip, disconnects, reason, resetAt} shape and its escalation arithmetic
// (resetAt = now + (disconnects++ << 2) hours on repeat offense), the
// fixed 60s/60m/30m cooldowns for the TCP-upload-cap, wasted-message and
// raw-protocol-violation ban reasons, and OnServerMessage's subchannel
// validity check. The codepoint allow-list itself is new relative to the
// teacher (which never validated payload contents), built on
// golang.org/x/text/unicode/rangetable the way a Go relay would express
// "reject control characters outside a configured Unicode category set."
package policy

import (
	"net"
	"sync"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/unicode/rangetable"
	"golang.org/x/time/rate"
)

// BanReason distinguishes the escalation track a ban belongs to, since
// each track carries its own cooldown/escalation rule (POSIXMain.cpp).
type BanReason int

const (
	// BanUploadCap is a fixed 60-second cooldown on a first offense: a
	// client that blows its per-second upload cap is disconnected and may
	// reconnect after a minute.
	BanUploadCap BanReason = iota
	// BanWastedMessages is a fixed 60-minute cooldown: a client that sends
	// more than 5 messages the server discards as invalid in a session.
	BanWastedMessages
	// BanProtocolViolation is a fixed 30-minute cooldown: malformed wire
	// framing.
	BanProtocolViolation
	// BanRepeatOffender is the escalating track: any of the above bans,
	// once the same IP triggers a second one, escalates to
	// (disconnects << 2) hours instead of the fixed cooldown.
	BanRepeatOffender
)

const (
	uploadCapCooldown        = 60 * time.Second
	wastedMessagesCooldown   = 60 * time.Minute
	protocolViolationCooldow = 30 * time.Minute
)

// banEntry mirrors POSIXMain.cpp's BanEntry.
type banEntry struct {
	disconnects int
	reason      BanReason
	resetAt     time.Time
}

// BanList tracks banned IPs with escalating cooldowns, backed by a bounded
// LRU so a flood of distinct spoofed source IPs cannot grow this table
// without bound.
type BanList struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *banEntry]
	now   func() time.Time
}

// NewBanList creates a BanList holding at most capacity distinct IPs.
func NewBanList(capacity int, now func() time.Time) (*BanList, error) {
	cache, err := lru.New[string, *banEntry](capacity)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &BanList{cache: cache, now: now}, nil
}

// IsBanned reports whether ip is currently under an active ban.
func (b *BanList) IsBanned(ip net.IP) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := ip.String()
	entry, ok := b.cache.Get(key)
	if !ok {
		return false
	}
	if b.now().After(entry.resetAt) {
		b.cache.Remove(key)
		return false
	}
	return true
}

// Ban records a new offense for ip under reason, escalating the cooldown
// if ip already has an unexpired ban on file. Mirrors POSIXMain.cpp: the
// first offense gets the reason's fixed cooldown; a repeat offense (the IP
// already present with a non-expired ban) gets
// now + (disconnects << 2) hours, using the count before this offense, and
// disconnects is then incremented.
func (b *BanList) Ban(ip net.IP, reason BanReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := ip.String()
	now := b.now()
	entry, ok := b.cache.Get(key)
	if ok && now.Before(entry.resetAt) {
		entry.reason = BanRepeatOffender
		entry.resetAt = now.Add(time.Duration(entry.disconnects<<2) * time.Hour)
		entry.disconnects++
		b.cache.Add(key, entry)
		return
	}

	b.cache.Add(key, &banEntry{
		disconnects: 1,
		reason:      reason,
		resetAt:     now.Add(cooldownFor(reason)),
	})
}

// Sweep evicts every ban entry that has expired as of now, satisfying
// timer.Sweeper so a Timer tick can keep the ban table tidy between
// lookups instead of relying solely on lazy expiry in IsBanned.
func (b *BanList) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range b.cache.Keys() {
		entry, ok := b.cache.Peek(key)
		if ok && now.After(entry.resetAt) {
			b.cache.Remove(key)
		}
	}
}

func cooldownFor(reason BanReason) time.Duration {
	switch reason {
	case BanUploadCap:
		return uploadCapCooldown
	case BanWastedMessages:
		return wastedMessagesCooldown
	case BanProtocolViolation:
		return protocolViolationCooldow
	default:
		return uploadCapCooldown
	}
}

// AllowList validates message payloads against a configured set of
// permitted Unicode categories plus an explicit set of permitted single
// codepoints (typically whitespace/control values like 32 for space).
type AllowList struct {
	table *unicode.RangeTable
}

// NewAllowList builds an AllowList from Unicode general-category names
// (e.g. "L", "M", "N", "P" for letters/marks/numbers/punctuation) merged
// with an explicit list of extra permitted codepoints. An empty
// categories/extra pair means everything is allowed, which is the default
// when a host does not configure a stricter policy.
func NewAllowList(categories []string, extra []rune) *AllowList {
	if len(categories) == 0 && len(extra) == 0 {
		return &AllowList{table: nil}
	}

	tables := make([]*unicode.RangeTable, 0, len(categories)+1)
	for _, name := range categories {
		if rt, ok := unicode.Categories[name]; ok {
			tables = append(tables, rt)
		}
	}
	if len(extra) > 0 {
		tables = append(tables, rangetable.New(extra...))
	}
	return &AllowList{table: rangetable.Merge(tables...)}
}

// AllowListCategory selects one of the four independently configurable
// codepoint allow-lists described in §3: a server holds one per category,
// each validated against a different kind of string.
type AllowListCategory int

const (
	AllowListClientNames AllowListCategory = iota
	AllowListChannelNames
	AllowListMessagesSentToServer
	AllowListMessagesSentToClients

	numAllowListCategories
)

// AllowListSet holds one AllowList per AllowListCategory. The zero value
// permits everything in every category, matching POSIXMain.cpp's practice
// of only configuring the categories a deployment actually wants to
// restrict (its setup leaves MessagesSentToClients commented out by
// default).
type AllowListSet struct {
	lists [numAllowListCategories]*AllowList
}

// NewAllowListSet builds a set from one *AllowList per category; a nil
// entry permits everything for that category.
func NewAllowListSet(clientNames, channelNames, messagesToServer, messagesToClients *AllowList) AllowListSet {
	return AllowListSet{lists: [numAllowListCategories]*AllowList{
		AllowListClientNames:           clientNames,
		AllowListChannelNames:          channelNames,
		AllowListMessagesSentToServer:  messagesToServer,
		AllowListMessagesSentToClients: messagesToClients,
	}}
}

// Allows reports whether payload passes cat's allow-list. An out-of-range
// category permits everything, same as an unconfigured one.
func (s AllowListSet) Allows(cat AllowListCategory, payload []byte) bool {
	if cat < 0 || int(cat) >= len(s.lists) {
		return true
	}
	return s.lists[cat].Allows(payload)
}

// Allows reports whether every rune in payload is permitted. A nil table
// (the default AllowList) permits everything.
func (a *AllowList) Allows(payload []byte) bool {
	if a == nil || a.table == nil {
		return true
	}
	for _, r := range string(payload) {
		if !unicode.Is(a.table, r) {
			return false
		}
	}
	return true
}

// UploadAccount tracks one client's rolling upload usage against a
// per-second rate limit, used as a cheap pre-filter ahead of the exact
// byte-accounting done in internal/timer (§3's clientstats). Generalizes
// websocket_client.go's rate.Limiter usage from "messages per second" to
// bytes.
type UploadAccount struct {
	limiter *rate.Limiter
}

// NewUploadAccount creates an account allowing up to bytesPerSecond
// sustained, with burst headroom of the same size.
func NewUploadAccount(bytesPerSecond int) *UploadAccount {
	return &UploadAccount{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

// Charge reports whether n additional bytes are currently permitted.
func (u *UploadAccount) Charge(n int) bool {
	return u.limiter.AllowN(time.Now(), n)
}

// ServerUploadCap enforces the supplemented server-wide ceiling on
// cumulative blasted (datagram) traffic per accounting tick, grounded on
// POSIXMain.cpp's optional TOTAL_UPLOAD_CAP guard around blasted
// Channel/PeerMessages. It applies only to blasted traffic, from trusted
// and untrusted clients alike, and never changes a client's trusted flag.
type ServerUploadCap struct {
	mu        sync.Mutex
	limit     int64
	remaining int64
}

// NewServerUploadCap creates a cap of limit bytes per tick; limit <= 0
// disables the cap entirely.
func NewServerUploadCap(limit int64) *ServerUploadCap {
	return &ServerUploadCap{limit: limit, remaining: limit}
}

// Admit reports whether n more blasted-traffic bytes fit under the cap for
// the current tick, debiting the remaining budget if so.
func (c *ServerUploadCap) Admit(n int64) bool {
	if c.limit <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.remaining {
		return false
	}
	c.remaining -= n
	return true
}

// Reset restores the full budget; called once per accounting tick.
func (c *ServerUploadCap) Reset() {
	if c.limit <= 0 {
		return
	}
	c.mu.Lock()
	c.remaining = c.limit
	c.mu.Unlock()
}
