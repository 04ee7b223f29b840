// Package connset tracks open peer connections, enforcing inbound
// capacity and netgroup diversity, and scoring eviction candidates when
// the node is full. Connections live in an owned arena and are referred
// to by handle+generation pairs, never raw pointers.
package connset

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"p2p_presence/pkg/addrbook"
	"p2p_presence/pkg/config"
	"p2p_presence/pkg/netgroup"
)

var (
	// ErrInboundFull reports that inbound capacity is exhausted and no
	// connection is evictable.
	ErrInboundFull = errors.New("inbound capacity full, nothing evictable")
	// ErrOutboundFull reports that outbound capacity is exhausted.
	ErrOutboundFull = errors.New("outbound capacity full")
	// ErrNetgroupFull reports that the peer's netgroup is at its cap.
	ErrNetgroupFull = errors.New("netgroup connection limit reached")
	// ErrStaleHandle reports a handle whose connection is gone.
	ErrStaleHandle = errors.New("stale connection handle")
)

// Direction of a connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Handle identifies a connection in the arena. The generation guards
// against reuse after release.
type Handle struct {
	idx uint32
	gen uint32
}

// Connection is a snapshot of one tracked connection.
type Connection struct {
	Handle      Handle
	Peer        peer.ID
	Addr        addrbook.NetAddress
	Direction   Direction
	Netgroup    string
	ConnectedAt time.Time
	PingRTT     time.Duration
	LastRelay   time.Time
}

type slot struct {
	gen  uint32
	conn Connection
	used bool
}

// EvictFunc runs outside the set's lock when an admission decision
// evicts a connection: close the socket and mark the address failed.
type EvictFunc func(Connection)

// Set is the synchronized connection registry.
type Set struct {
	mu sync.Mutex

	cfg        config.ConnConfig
	slots      []slot
	free       []uint32
	byNetgroup map[string]int
	inbound    int
	outbound   int

	onEvict EvictFunc
	clock   clock.Clock
	logger  *zap.Logger
}

// Option configures optional Set collaborators.
type Option func(*Set)

// WithClock injects a clock for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Set) { s.clock = c }
}

// WithEvictFunc wires the eviction side effect.
func WithEvictFunc(fn EvictFunc) Option {
	return func(s *Set) { s.onEvict = fn }
}

// SetEvictFunc wires the eviction side effect after construction, for
// collaborators created later than the set.
func (s *Set) SetEvictFunc(fn EvictFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// New creates a connection set.
func New(cfg config.ConnConfig, logger *zap.Logger, opts ...Option) *Set {
	s := &Set{
		cfg:        cfg,
		byNetgroup: make(map[string]int),
		clock:      clock.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanAcceptInbound reports whether a new inbound connection fits
// without eviction.
func (s *Set) CanAcceptInbound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound < s.cfg.MaxInbound
}

// Admit registers a connection. Netgroup diversity is enforced for both
// directions even when capacity remains. At inbound capacity the caller
// must evict first; Admit never evicts on its own.
func (s *Set) Admit(p peer.ID, addr addrbook.NetAddress, dir Direction) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := netgroup.KeyString(addr.Host)
	if s.byNetgroup[group] >= s.cfg.MaxPerNetgroup {
		return Handle{}, ErrNetgroupFull
	}
	switch dir {
	case Inbound:
		if s.inbound >= s.cfg.MaxInbound {
			return Handle{}, ErrInboundFull
		}
	case Outbound:
		if s.outbound >= s.cfg.MaxOutbound {
			return Handle{}, ErrOutboundFull
		}
	}

	h := s.allocLocked()
	s.slots[h.idx].conn = Connection{
		Handle:      h,
		Peer:        p,
		Addr:        addr,
		Direction:   dir,
		Netgroup:    group,
		ConnectedAt: s.clock.Now(),
	}
	s.byNetgroup[group]++
	if dir == Inbound {
		s.inbound++
	} else {
		s.outbound++
	}

	s.logger.Debug("Connection admitted",
		zap.String("peer", p.String()),
		zap.String("netgroup", group),
		zap.Int("inbound", s.inbound),
		zap.Int("outbound", s.outbound))
	return h, nil
}

// AcceptInbound runs the full admission protocol for a listener: check
// diversity, then capacity, evicting one unprotected connection if the
// node is full. The peer is rejected only when no eviction is possible.
func (s *Set) AcceptInbound(p peer.ID, addr addrbook.NetAddress) (Handle, error) {
	h, err := s.Admit(p, addr, Inbound)
	if !errors.Is(err, ErrInboundFull) {
		return h, err
	}

	victim, ok := s.SelectEvictionCandidate()
	if !ok {
		return Handle{}, ErrInboundFull
	}
	evicted, err := s.Evict(victim.Handle)
	if err != nil {
		return Handle{}, ErrInboundFull
	}
	s.mu.Lock()
	fn := s.onEvict
	s.mu.Unlock()
	if fn != nil {
		fn(evicted)
	}
	return s.Admit(p, addr, Inbound)
}

// Remove releases a connection's state synchronously; the handle is
// dead afterwards.
func (s *Set) Remove(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(h)
}

// Evict is Remove plus eviction bookkeeping; it returns the removed
// connection so the caller can run side effects (socket close, address
// failure mark) outside the lock.
func (s *Set) Evict(h Handle) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.getLocked(h)
	if err != nil {
		return Connection{}, err
	}
	if err := s.removeLocked(h); err != nil {
		return Connection{}, err
	}
	s.logger.Debug("Connection evicted",
		zap.String("peer", conn.Peer.String()),
		zap.String("netgroup", conn.Netgroup))
	return conn, nil
}

// RecordPing updates a connection's latency estimate.
func (s *Set) RecordPing(h Handle, rtt time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(h); err != nil {
		return err
	}
	s.slots[h.idx].conn.PingRTT = rtt
	return nil
}

// RecordRelay marks recent useful relay activity on a connection.
func (s *Set) RecordRelay(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(h); err != nil {
		return err
	}
	s.slots[h.idx].conn.LastRelay = s.clock.Now()
	return nil
}

// Get returns a snapshot of the connection behind a live handle.
func (s *Set) Get(h Handle) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.getLocked(h)
	if err != nil {
		return Connection{}, false
	}
	return conn, true
}

// HasAddress reports whether any live connection uses the address.
// The address book consults this before displacing tried entries.
func (s *Set) HasAddress(addr addrbook.NetAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if s.slots[i].used && s.slots[i].conn.Addr == addr {
			return true
		}
	}
	return false
}

// Counts reports current inbound/outbound totals.
func (s *Set) Counts() (inbound, outbound int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound, s.outbound
}

func (s *Set) allocLocked() Handle {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[idx].used = true
		return Handle{idx: idx, gen: s.slots[idx].gen}
	}
	idx := uint32(len(s.slots))
	s.slots = append(s.slots, slot{used: true})
	return Handle{idx: idx}
}

func (s *Set) getLocked(h Handle) (Connection, error) {
	if int(h.idx) >= len(s.slots) {
		return Connection{}, ErrStaleHandle
	}
	sl := &s.slots[h.idx]
	if !sl.used || sl.gen != h.gen {
		return Connection{}, ErrStaleHandle
	}
	return sl.conn, nil
}

func (s *Set) removeLocked(h Handle) error {
	conn, err := s.getLocked(h)
	if err != nil {
		return err
	}

	sl := &s.slots[h.idx]
	sl.used = false
	sl.gen++
	sl.conn = Connection{}
	s.free = append(s.free, h.idx)

	if s.byNetgroup[conn.Netgroup] <= 1 {
		delete(s.byNetgroup, conn.Netgroup)
	} else {
		s.byNetgroup[conn.Netgroup]--
	}
	if conn.Direction == Inbound {
		s.inbound--
	} else {
		s.outbound--
	}
	return nil
}
