// Package presence is the join ledger. Every new-identity registration
// is counted into a fixed-duration presence window; closed-window
// statistics drive an adaptive cooldown that prices Sybil identity
// creation in wall-clock presence rather than work or stake.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"p2p_presence/pkg/config"
)

// Tier classifies a registered identity.
type Tier int

const (
	TierFullNode Tier = iota
	TierVerifiedUser

	tierCount
)

func (t Tier) String() string {
	switch t {
	case TierFullNode:
		return "full_node"
	case TierVerifiedUser:
		return "verified_user"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicateIdentity = errors.New("identity already registered")
	ErrInvalidPubKey     = errors.New("invalid public key")
	ErrInvalidTier       = errors.New("invalid tier")
)

// UniquenessOracle answers whether a public key corresponds to a
// first-time registration. Real-world uniqueness is enforced outside
// this core; the registry only consumes the verdict.
type UniquenessOracle interface {
	IsFirstRegistration(ctx context.Context, pubKey []byte) (bool, error)
}

// Identity is one registered participant. Immutable after creation.
type Identity struct {
	PubKey       []byte
	Tier         Tier
	RegisteredAt time.Time
	Window       int64
	UserPresent  bool
	UserVerified bool
	EligibleAt   time.Time
}

// Eligible reports whether the identity may participate in leader
// selection at the given time. Verified users additionally need both
// authenticator flags.
func (id *Identity) Eligible(now time.Time) bool {
	if now.Before(id.EligibleAt) {
		return false
	}
	if id.Tier == TierVerifiedUser {
		return id.UserPresent && id.UserVerified
	}
	return true
}

// WindowRecord is the durable form of one closed window's count for a
// tier.
type WindowRecord struct {
	Window int64
	Tier   Tier
	Count  int
}

// Snapshot is the lock-free read view, swapped atomically at window
// close.
type Snapshot struct {
	Window         int64
	Applied        [tierCount]int
	SmoothedMedian [tierCount]float64
	Identities     []*Identity
}

// AppliedCooldown returns the tier's current cooldown in window units.
func (s *Snapshot) AppliedCooldown(t Tier) int {
	if t < 0 || t >= tierCount {
		return 0
	}
	return s.Applied[t]
}

// EligibleIdentities filters the snapshot down to participants past
// their cooldown with valid tier gating.
func (s *Snapshot) EligibleIdentities(now time.Time) []*Identity {
	out := make([]*Identity, 0, len(s.Identities))
	for _, id := range s.Identities {
		if id.Eligible(now) {
			out = append(out, id)
		}
	}
	return out
}

// Registry tracks registrations per window and maintains the per-tier
// adaptive cooldown. Writes are serialized through one mutex; reads go
// through the atomic snapshot.
type Registry struct {
	cfg    config.PresenceConfig
	params CooldownParams
	oracle UniquenessOracle
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	epoch      time.Time
	window     int64
	count      [tierCount]int
	graced     [tierCount]int
	history    [tierCount][]int
	medians    [tierCount][]float64
	applied    [tierCount]int
	identities map[string]*Identity

	snap atomic.Pointer[Snapshot]
}

// Option configures optional Registry collaborators.
type Option func(*Registry)

// WithClock injects a clock for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry creates a presence registry starting a fresh window
// sequence at the current time.
func NewRegistry(cfg config.PresenceConfig, oracle UniquenessOracle, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if oracle == nil {
		return nil, fmt.Errorf("uniqueness oracle is required")
	}

	r := &Registry{
		cfg:        cfg,
		params:     ParamsFromConfig(cfg),
		oracle:     oracle,
		clock:      clock.New(),
		logger:     logger,
		identities: make(map[string]*Identity),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.epoch = r.clock.Now()
	for t := range r.applied {
		r.applied[t] = r.params.Min
	}
	r.publishLocked()
	return r, nil
}

// Register records a new identity. The returned identity carries the
// time it becomes eligible for leader selection, derived from the
// tier's applied cooldown at registration time.
func (r *Registry) Register(ctx context.Context, pubKey []byte, tier Tier, userPresent, userVerified bool) (*Identity, error) {
	if len(pubKey) == 0 {
		return nil, ErrInvalidPubKey
	}
	if tier < 0 || tier >= tierCount {
		return nil, ErrInvalidTier
	}

	first, err := r.oracle.IsFirstRegistration(ctx, pubKey)
	if err != nil {
		return nil, fmt.Errorf("uniqueness check failed: %w", err)
	}
	if !first {
		return nil, ErrDuplicateIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.rollForwardLocked(now)

	if _, exists := r.identities[string(pubKey)]; exists {
		return nil, ErrDuplicateIdentity
	}

	// Registrations landing in the final moments of a closing window
	// count toward the next window, so a boundary race cannot split one
	// coordinated burst across two windows.
	window := r.window
	windowEnd := r.epoch.Add(time.Duration(r.window+1) * r.cfg.WindowDuration)
	if windowEnd.Sub(now) <= r.cfg.GracePeriod {
		r.graced[tier]++
		window = r.window + 1
	} else {
		r.count[tier]++
	}

	cooldown := r.applied[tier]
	id := &Identity{
		PubKey:       append([]byte(nil), pubKey...),
		Tier:         tier,
		RegisteredAt: now,
		Window:       window,
		UserPresent:  userPresent,
		UserVerified: userVerified,
		EligibleAt:   now.Add(time.Duration(cooldown) * r.cfg.WindowDuration),
	}
	r.identities[string(pubKey)] = id

	r.logger.Info("Identity registered",
		zap.String("tier", tier.String()),
		zap.Int64("window", window),
		zap.Int("cooldown_windows", cooldown))
	return id, nil
}

// Lookup returns a registered identity by public key.
func (r *Registry) Lookup(pubKey []byte) (*Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identities[string(pubKey)]
	return id, ok
}

// Snapshot returns the current lock-free read view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// CooldownFor reports the applied cooldown for a tier, in presence
// windows.
func (r *Registry) CooldownFor(tier Tier) int {
	return r.Snapshot().AppliedCooldown(tier)
}

// Rollover advances the window sequence to the current time. Called
// periodically by maintenance so windows close even when no
// registration arrives.
func (r *Registry) Rollover() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollForwardLocked(r.clock.Now())
}

// rollForwardLocked closes every window that has elapsed since the last
// call. Closing a window appends its count to history, recomputes the
// per-tier median and smoothed median, and derives the next applied
// cooldown under the rate-limit.
func (r *Registry) rollForwardLocked(now time.Time) {
	idx := int64(now.Sub(r.epoch) / r.cfg.WindowDuration)
	if idx <= r.window {
		return
	}

	for r.window < idx {
		for t := 0; t < int(tierCount); t++ {
			r.history[t] = append(r.history[t], r.count[t])
			if len(r.history[t]) > r.cfg.WindowsPerStats {
				r.history[t] = r.history[t][1:]
			}

			r.medians[t] = append(r.medians[t], Median(r.history[t]))
			if len(r.medians[t]) > r.params.SmoothWindows {
				r.medians[t] = r.medians[t][1:]
			}

			// Cold start keeps the default until enough history exists.
			if len(r.medians[t]) < r.params.SmoothWindows {
				r.applied[t] = r.params.Min
			} else {
				smoothed := Mean(r.medians[t])
				raw := RawCooldown(r.params, r.count[t], smoothed)
				r.applied[t] = LimitChange(r.params, raw, r.applied[t])
			}

			r.count[t] = r.graced[t]
			r.graced[t] = 0
		}
		r.window++
	}

	r.publishLocked()
	r.logger.Debug("Presence window closed",
		zap.Int64("window", r.window),
		zap.Int("full_node_cooldown", r.applied[TierFullNode]),
		zap.Int("verified_user_cooldown", r.applied[TierVerifiedUser]))
}

func (r *Registry) publishLocked() {
	snap := &Snapshot{
		Window:     r.window,
		Applied:    r.applied,
		Identities: make([]*Identity, 0, len(r.identities)),
	}
	for t := 0; t < int(tierCount); t++ {
		snap.SmoothedMedian[t] = Mean(r.medians[t])
	}
	for _, id := range r.identities {
		snap.Identities = append(snap.Identities, id)
	}
	r.snap.Store(snap)
}

// ExportState returns the closed-window counts and identities for
// persistence. Losing this history resets Sybil cost to genesis
// defaults, so it survives restarts.
func (r *Registry) ExportState() ([]WindowRecord, []*Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recs []WindowRecord
	for t := 0; t < int(tierCount); t++ {
		base := r.window - int64(len(r.history[t]))
		for i, c := range r.history[t] {
			recs = append(recs, WindowRecord{Window: base + int64(i), Tier: Tier(t), Count: c})
		}
	}
	ids := make([]*Identity, 0, len(r.identities))
	for _, id := range r.identities {
		ids = append(ids, id)
	}
	return recs, ids
}

// RestoreState rebuilds window history and identities from persisted
// records, replaying the cooldown rate-limit across the restored
// windows so the applied value matches what a continuously-running node
// would hold.
func (r *Registry) RestoreState(recs []WindowRecord, ids []*Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byTier := [tierCount]map[int64]int{}
	var minWindow, maxWindow int64 = -1, -1
	for t := range byTier {
		byTier[t] = make(map[int64]int)
	}
	for _, rec := range recs {
		if rec.Tier < 0 || rec.Tier >= tierCount {
			return fmt.Errorf("window record %d: %w", rec.Window, ErrInvalidTier)
		}
		byTier[rec.Tier][rec.Window] = rec.Count
		if minWindow < 0 || rec.Window < minWindow {
			minWindow = rec.Window
		}
		if rec.Window > maxWindow {
			maxWindow = rec.Window
		}
	}

	for t := 0; t < int(tierCount); t++ {
		r.history[t] = nil
		r.medians[t] = nil
		r.applied[t] = r.params.Min
		r.count[t] = 0
		r.graced[t] = 0
	}

	// Replay starts at the earliest persisted window. Storage keeps only
	// the most recent windows, so earlier indexes carry no record and
	// replaying them as zero counts would understate the cooldown.
	for w := minWindow; maxWindow >= 0 && w <= maxWindow; w++ {
		for t := 0; t < int(tierCount); t++ {
			c := byTier[t][w]
			r.history[t] = append(r.history[t], c)
			if len(r.history[t]) > r.cfg.WindowsPerStats {
				r.history[t] = r.history[t][1:]
			}
			r.medians[t] = append(r.medians[t], Median(r.history[t]))
			if len(r.medians[t]) > r.params.SmoothWindows {
				r.medians[t] = r.medians[t][1:]
			}
			if len(r.medians[t]) < r.params.SmoothWindows {
				r.applied[t] = r.params.Min
			} else {
				raw := RawCooldown(r.params, c, Mean(r.medians[t]))
				r.applied[t] = LimitChange(r.params, raw, r.applied[t])
			}
		}
	}
	r.window = maxWindow + 1
	r.epoch = r.clock.Now().Add(-time.Duration(r.window) * r.cfg.WindowDuration)

	r.identities = make(map[string]*Identity, len(ids))
	for _, id := range ids {
		if len(id.PubKey) == 0 {
			return ErrInvalidPubKey
		}
		if id.Tier < 0 || id.Tier >= tierCount {
			return fmt.Errorf("identity %x: %w", id.PubKey, ErrInvalidTier)
		}
		r.identities[string(id.PubKey)] = id
	}

	r.publishLocked()
	return nil
}

// Stats summarizes registry state for operator counters.
type Stats struct {
	Window       int64
	Identities   int
	CurrentCount [tierCount]int
	Applied      [tierCount]int
}

// Stats returns aggregate registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Window:       r.window,
		Identities:   len(r.identities),
		CurrentCount: r.count,
		Applied:      r.applied,
	}
}
