// Package addrbook maintains the candidate peer address catalog, split
// into an unverified "new" table and a previously-reachable "tried"
// table. Both tables are arrays of fixed-capacity buckets keyed by a
// secret hash of source and address groups, so an attacker's addresses
// only ever contest their own deterministic bucket.
package addrbook

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	mrand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"p2p_presence/pkg/config"
	"p2p_presence/pkg/netgroup"
)

var (
	// ErrSlotOccupied reports that a better candidate already holds the
	// deterministic slot for the incoming address.
	ErrSlotOccupied = errors.New("bucket slot held by better candidate")
	// ErrProtectedOccupant reports that a tried-table collision would
	// displace a protected peer.
	ErrProtectedOccupant = errors.New("tried slot held by protected peer")
	// ErrInvalidAddress reports a malformed candidate address.
	ErrInvalidAddress = errors.New("invalid network address")
)

// NetAddress identifies a peer endpoint.
type NetAddress struct {
	Host string
	Port uint16
}

// Key returns the identity key of the address within a table.
func (a NetAddress) Key() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Valid reports whether the address parses as an IP endpoint with a port.
func (a NetAddress) Valid() bool {
	return net.ParseIP(a.Host) != nil && a.Port != 0
}

func (a NetAddress) group() string {
	return netgroup.KeyString(a.Host)
}

// entry is a single catalog record. An address appears in exactly one
// table at a time.
type entry struct {
	addr        NetAddress
	source      NetAddress
	lastSeen    time.Time
	lastSuccess time.Time
	attempts    int
	tried       bool
}

// Record is the durable form of an entry, used by the storage layer.
type Record struct {
	Host        string
	Port        uint16
	SourceHost  string
	SourcePort  uint16
	Tried       bool
	LastSeen    time.Time
	LastSuccess time.Time
	Attempts    int
}

// ProtectedFunc reports whether displacing the given address from the
// tried table is disallowed. Wired to the connection set so collision
// engineering cannot evict peers in a protected class.
type ProtectedFunc func(NetAddress) bool

// AddressBook is the two-table peer address catalog.
type AddressBook struct {
	mu sync.Mutex

	cfg       config.AddrBookConfig
	secret    [32]byte
	newTable  [][]*entry
	tried     [][]*entry
	index     map[string]*entry
	protected ProtectedFunc

	clock  clock.Clock
	rng    *mrand.Rand
	logger *zap.Logger
}

// Option configures optional AddressBook collaborators.
type Option func(*AddressBook)

// WithClock injects a clock, used by tests to control staleness.
func WithClock(c clock.Clock) Option {
	return func(b *AddressBook) { b.clock = c }
}

// WithProtectedFunc wires the displacement guard.
func WithProtectedFunc(fn ProtectedFunc) Option {
	return func(b *AddressBook) { b.protected = fn }
}

// WithSecret fixes the bucket key, used to restore a persisted book so
// addresses land back in their original slots.
func WithSecret(secret [32]byte) Option {
	return func(b *AddressBook) { b.secret = secret }
}

// New creates an address book with freshly drawn bucket secret.
func New(cfg config.AddrBookConfig, logger *zap.Logger, opts ...Option) (*AddressBook, error) {
	if cfg.NewBuckets <= 0 || cfg.TriedBuckets <= 0 || cfg.BucketSize <= 0 {
		return nil, fmt.Errorf("invalid table sizing: %d/%d buckets of %d",
			cfg.NewBuckets, cfg.TriedBuckets, cfg.BucketSize)
	}

	b := &AddressBook{
		cfg:    cfg,
		index:  make(map[string]*entry),
		clock:  clock.New(),
		logger: logger,
	}
	if _, err := rand.Read(b.secret[:]); err != nil {
		return nil, fmt.Errorf("drawing bucket secret: %w", err)
	}
	for _, opt := range opts {
		opt(b)
	}

	seed, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("seeding selector: %w", err)
	}
	b.rng = mrand.New(mrand.NewSource(seed.Int64()))

	b.newTable = make([][]*entry, cfg.NewBuckets)
	for i := range b.newTable {
		b.newTable[i] = make([]*entry, cfg.BucketSize)
	}
	b.tried = make([][]*entry, cfg.TriedBuckets)
	for i := range b.tried {
		b.tried[i] = make([]*entry, cfg.BucketSize)
	}
	return b, nil
}

// Secret exposes the bucket key for persistence alongside the tables.
func (b *AddressBook) Secret() [32]byte {
	return b.secret
}

// newBucketFor derives the deterministic new-table position of an
// address learned from a source.
func (b *AddressBook) newBucketFor(addr, source NetAddress) (int, int) {
	h := b.keyedHash("new", source.group(), addr.group())
	bucket := int(h % uint64(b.cfg.NewBuckets))
	s := b.keyedHash("slot", addr.Key(), "")
	return bucket, int(s % uint64(b.cfg.BucketSize))
}

// triedBucketFor derives the deterministic tried-table position.
func (b *AddressBook) triedBucketFor(addr NetAddress) (int, int) {
	h := b.keyedHash("tried", addr.group(), addr.Key())
	bucket := int(h % uint64(b.cfg.TriedBuckets))
	s := b.keyedHash("slot", addr.Key(), "")
	return bucket, int(s % uint64(b.cfg.BucketSize))
}

func (b *AddressBook) keyedHash(kind, a, c string) uint64 {
	h := sha3.New256()
	h.Write(b.secret[:])
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(c))
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// Add inserts a gossiped or discovered address into the new table. When
// the deterministic slot is occupied, the incoming candidate is dropped
// unless the occupant is terminally stale; a better occupant is never
// evicted by an unproven address.
func (b *AddressBook) Add(addr, source NetAddress) error {
	if !addr.Valid() {
		return ErrInvalidAddress
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if e, ok := b.index[addr.Key()]; ok {
		e.lastSeen = now
		return nil
	}

	_, err := b.addLocked(addr, source, now)
	return err
}

func (b *AddressBook) addLocked(addr, source NetAddress, now time.Time) (*entry, error) {
	bucket, slot := b.newBucketFor(addr, source)
	if occ := b.newTable[bucket][slot]; occ != nil {
		if !b.terminallyStale(occ, now) {
			return nil, ErrSlotOccupied
		}
		// Lazy purge on contention.
		delete(b.index, occ.addr.Key())
		b.logger.Debug("Purged stale address on slot contention",
			zap.String("address", occ.addr.Key()))
	}

	e := &entry{addr: addr, source: source, lastSeen: now}
	b.newTable[bucket][slot] = e
	b.index[addr.Key()] = e
	return e, nil
}

// MarkConnected promotes an address into the tried table after a
// successful handshake. A colliding tried occupant is displaced back
// into the new table, never deleted; displacing a protected occupant is
// disallowed and the promotion is deferred instead.
func (b *AddressBook) MarkConnected(addr NetAddress) error {
	if !addr.Valid() {
		return ErrInvalidAddress
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	e, ok := b.index[addr.Key()]
	if !ok {
		// Inbound peers connect before they are gossiped to us.
		var err error
		e, err = b.addLocked(addr, addr, now)
		if err != nil {
			return err
		}
	}
	e.lastSeen = now
	e.lastSuccess = now
	e.attempts = 0

	if e.tried {
		return nil
	}

	tb, ts := b.triedBucketFor(addr)
	occ := b.tried[tb][ts]
	if occ != nil && b.protected != nil && b.protected(occ.addr) {
		// Collision engineering must not displace protected peers; the
		// promoted address stays in new instead.
		return ErrProtectedOccupant
	}

	b.removeFromNewLocked(e)
	if occ != nil {
		b.demoteLocked(occ, now)
	}
	e.tried = true
	b.tried[tb][ts] = e
	return nil
}

// MarkFailed records a failed connection attempt.
func (b *AddressBook) MarkFailed(addr NetAddress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.index[addr.Key()]; ok {
		e.attempts++
	}
}

// demoteLocked moves a displaced tried entry back into the new table.
// If its new slot is contested, the entry with the more recent success
// survives.
func (b *AddressBook) demoteLocked(e *entry, now time.Time) {
	tb, ts := b.triedBucketFor(e.addr)
	b.tried[tb][ts] = nil
	e.tried = false

	bucket, slot := b.newBucketFor(e.addr, e.source)
	occ := b.newTable[bucket][slot]
	if occ != nil && !b.terminallyStale(occ, now) && occ.lastSuccess.After(e.lastSuccess) {
		delete(b.index, e.addr.Key())
		return
	}
	if occ != nil {
		delete(b.index, occ.addr.Key())
	}
	b.newTable[bucket][slot] = e
}

func (b *AddressBook) removeFromNewLocked(e *entry) {
	bucket, slot := b.newBucketFor(e.addr, e.source)
	if b.newTable[bucket][slot] == e {
		b.newTable[bucket][slot] = nil
	}
}

// terminallyStale reports whether an entry has aged past the terminal
// window without a successful connection inside it.
func (b *AddressBook) terminallyStale(e *entry, now time.Time) bool {
	ref := e.lastSuccess
	if ref.IsZero() {
		ref = e.lastSeen
	}
	return now.Sub(ref) > b.cfg.TerminalStale
}

// SelectCandidate returns a pseudo-random outbound target, weighted
// toward the tried table by the bias factor in [0,1].
func (b *AddressBook) SelectCandidate(bias float64) (NetAddress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fromTried := b.rng.Float64() < bias
	if addr, ok := b.pickLocked(fromTried); ok {
		return addr, true
	}
	return b.pickLocked(!fromTried)
}

const pickAttempts = 64

func (b *AddressBook) pickLocked(fromTried bool) (NetAddress, bool) {
	table := b.newTable
	if fromTried {
		table = b.tried
	}
	for i := 0; i < pickAttempts; i++ {
		bucket := table[b.rng.Intn(len(table))]
		if e := bucket[b.rng.Intn(len(bucket))]; e != nil {
			return e.addr, true
		}
	}
	// Dense fallback when random probing misses a sparse table.
	for _, bucket := range table {
		for _, e := range bucket {
			if e != nil {
				return e.addr, true
			}
		}
	}
	return NetAddress{}, false
}

// PruneStale removes terminally stale entries. Runs as low-priority
// maintenance; the same check also fires lazily on slot contention.
func (b *AddressBook) PruneStale() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	pruned := 0
	for _, table := range [][][]*entry{b.newTable, b.tried} {
		for _, bucket := range table {
			for i, e := range bucket {
				if e != nil && b.terminallyStale(e, now) {
					bucket[i] = nil
					delete(b.index, e.addr.Key())
					pruned++
				}
			}
		}
	}
	if pruned > 0 {
		b.logger.Debug("Pruned stale addresses", zap.Int("count", pruned))
	}
	return pruned
}

// Stats summarizes table occupancy for operator counters.
type Stats struct {
	NewCount   int
	TriedCount int
}

// Stats returns current table occupancy.
func (b *AddressBook) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{}
	for _, e := range b.index {
		if e.tried {
			s.TriedCount++
		} else {
			s.NewCount++
		}
	}
	return s
}

// DialBias returns the configured tried-table weighting for
// SelectCandidate.
func (b *AddressBook) DialBias() float64 {
	return b.cfg.TriedBias
}

// InTried reports which table currently holds the address.
func (b *AddressBook) InTried(addr NetAddress) (tried bool, known bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.index[addr.Key()]
	if !ok {
		return false, false
	}
	return e.tried, true
}

// Snapshot exports all entries for the durable store.
func (b *AddressBook) Snapshot() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := make([]Record, 0, len(b.index))
	for _, e := range b.index {
		records = append(records, Record{
			Host:        e.addr.Host,
			Port:        e.addr.Port,
			SourceHost:  e.source.Host,
			SourcePort:  e.source.Port,
			Tried:       e.tried,
			LastSeen:    e.lastSeen,
			LastSuccess: e.lastSuccess,
			Attempts:    e.attempts,
		})
	}
	return records
}

// Restore reloads persisted records. Restoring with the persisted
// secret reproduces the original slot assignment; with a fresh secret
// the entries simply rebucket.
func (b *AddressBook) Restore(records []Record) {
	for _, r := range records {
		addr := NetAddress{Host: r.Host, Port: r.Port}
		source := NetAddress{Host: r.SourceHost, Port: r.SourcePort}
		if err := b.Add(addr, source); err != nil {
			continue
		}
		b.mu.Lock()
		if e, ok := b.index[addr.Key()]; ok {
			e.lastSeen = r.LastSeen
			e.lastSuccess = r.LastSuccess
			e.attempts = r.Attempts
		}
		b.mu.Unlock()
		if r.Tried {
			_ = b.MarkConnected(addr)
			b.mu.Lock()
			if e, ok := b.index[addr.Key()]; ok {
				e.lastSeen = r.LastSeen
				e.lastSuccess = r.LastSuccess
			}
			b.mu.Unlock()
		}
	}
}
