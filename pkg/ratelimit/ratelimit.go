// Package ratelimit charges every inbound message against a per-peer,
// per-class token bucket. No class bypasses charging: unknown classes
// drain the default bucket, so an unauthenticated peer can never reach
// an unbounded channel. Peer state is sharded so concurrent peers do
// not contend on one lock, and refill is computed lazily from elapsed
// time on access.
package ratelimit

import (
	"hash/maphash"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"p2p_presence/pkg/config"
)

// Class tags a message with its resource category.
type Class string

const (
	ClassDiscovery Class = "discovery"
	ClassInventory Class = "inventory"
	ClassGetData   Class = "getdata"
	ClassBulk      Class = "bulk"
	ClassControl   Class = "control"
	ClassDefault   Class = "default"
)

// Verdict is the admission decision for one message.
type Verdict int

const (
	Allow Verdict = iota
	Throttle
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Throttle:
		return "throttle"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

const shardCount = 16

const discourageCacheSize = 4096

type bucket struct {
	tokens float64
	last   time.Time
}

type peerState struct {
	buckets        map[Class]*bucket
	throttleStreak int
	buffered       int64
	lastAccess     time.Time
}

type shard struct {
	mu    sync.Mutex
	peers map[peer.ID]*peerState
}

// Limiter is the per-peer message admission gate.
type Limiter struct {
	cfg         config.RateLimitConfig
	maxBuffered int64

	shards [shardCount]*shard
	seed   maphash.Seed

	// Discouraged peers decay out of the cache by TTL; this layer never
	// bans permanently.
	discouraged *expirable.LRU[peer.ID, time.Time]

	clock  clock.Clock
	logger *zap.Logger
}

// Option configures optional Limiter collaborators.
type Option func(*Limiter)

// WithClock injects a clock for tests.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New creates a limiter from per-class bucket configuration.
func New(cfg config.RateLimitConfig, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:         cfg,
		maxBuffered: int64(cfg.MaxBufferedKB) * 1024,
		seed:        maphash.MakeSeed(),
		discouraged: expirable.NewLRU[peer.ID, time.Time](discourageCacheSize, nil, cfg.DiscourageTTL),
		clock:       clock.New(),
		logger:      logger,
	}
	for i := range l.shards {
		l.shards[i] = &shard{peers: make(map[peer.ID]*peerState)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) shardFor(p peer.ID) *shard {
	return l.shards[maphash.String(l.seed, string(p))%shardCount]
}

func (l *Limiter) classLimit(c Class) (config.ClassLimit, Class) {
	if cl, ok := l.cfg.Classes[string(c)]; ok {
		return cl, c
	}
	return l.cfg.Classes[string(ClassDefault)], ClassDefault
}

// Admit charges one message of the given class and cost. Repeated
// throttling escalates to temporary discouragement.
func (l *Limiter) Admit(p peer.ID, c Class, cost float64) Verdict {
	if _, bad := l.discouraged.Get(p); bad {
		return Reject
	}

	limit, effective := l.classLimit(c)
	now := l.clock.Now()

	sh := l.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.peers[p]
	if !ok {
		st = &peerState{buckets: make(map[Class]*bucket)}
		sh.peers[p] = st
	}
	st.lastAccess = now

	b, ok := st.buckets[effective]
	if !ok {
		b = &bucket{tokens: limit.Capacity, last: now}
		st.buckets[effective] = b
	}

	// Lazy refill from elapsed time; no background ticker.
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * limit.RefillRate
		if b.tokens > limit.Capacity {
			b.tokens = limit.Capacity
		}
		b.last = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		st.throttleStreak = 0
		return Allow
	}

	st.throttleStreak++
	if st.throttleStreak >= l.cfg.DiscourageAfter {
		l.discourageLocked(p, st)
		return Reject
	}
	return Throttle
}

// Discourage applies a temporary soft ban directly, used when the
// message layer detects integrity errors (malformed addresses, bad
// proofs) rather than volume abuse.
func (l *Limiter) Discourage(p peer.ID) {
	sh := l.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.peers[p]
	if !ok {
		st = &peerState{buckets: make(map[Class]*bucket)}
		sh.peers[p] = st
	}
	l.discourageLocked(p, st)
}

func (l *Limiter) discourageLocked(p peer.ID, st *peerState) {
	st.throttleStreak = 0
	l.discouraged.Add(p, l.clock.Now())
	l.logger.Debug("Peer discouraged", zap.String("peer", p.String()))
}

// IsDiscouraged reports whether a peer is currently soft-banned.
func (l *Limiter) IsDiscouraged(p peer.ID) bool {
	_, bad := l.discouraged.Get(p)
	return bad
}

// ReservePayload accounts buffered-but-unprocessed payload bytes for a
// peer. The cap is on bytes, independent of message count, so a flood
// of small messages cannot stand in for one large one. Callers must
// pair a successful reservation with ReleasePayload.
func (l *Limiter) ReservePayload(p peer.ID, size int64) bool {
	sh := l.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.peers[p]
	if !ok {
		st = &peerState{buckets: make(map[Class]*bucket)}
		sh.peers[p] = st
	}
	if st.buffered+size > l.maxBuffered {
		return false
	}
	st.buffered += size
	return true
}

// ReleasePayload returns reserved payload bytes after processing.
func (l *Limiter) ReleasePayload(p peer.ID, size int64) {
	sh := l.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if st, ok := sh.peers[p]; ok {
		st.buffered -= size
		if st.buffered < 0 {
			st.buffered = 0
		}
	}
}

// PruneIdle drops bucket state for peers unseen for the given window.
// Runs as low-priority maintenance.
func (l *Limiter) PruneIdle(maxIdle time.Duration) int {
	cutoff := l.clock.Now().Add(-maxIdle)
	pruned := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for p, st := range sh.peers {
			if st.lastAccess.Before(cutoff) && st.buffered == 0 {
				delete(sh.peers, p)
				pruned++
			}
		}
		sh.mu.Unlock()
	}
	return pruned
}

// TrackedPeers counts peers with live limiter state.
func (l *Limiter) TrackedPeers() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += len(sh.peers)
		sh.mu.Unlock()
	}
	return total
}
