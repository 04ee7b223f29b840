// Package leader picks the producer for each consensus slot. Selection
// is a verifiable lottery: every eligible participant's ticket is a
// VRF output over a seed derived only from the anchoring checkpoint,
// so nobody can grind participant-supplied material into a better
// draw, and anyone can recheck the winner from public data.
package leader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"p2p_presence/pkg/config"
	"p2p_presence/pkg/presence"
	"p2p_presence/pkg/security"
)

var (
	ErrInvalidCheckpoint      = errors.New("invalid checkpoint")
	ErrTooManyParticipants    = errors.New("participant set exceeds maximum")
	ErrNoEligibleParticipants = errors.New("no eligible participants for slot")
)

// Checkpoint anchors one slot to verified delay-function output. It is
// produced and verified by the time oracle; the selector consumes it
// read-only.
type Checkpoint struct {
	Output     []byte
	PrevOutput []byte
	Iterations uint64
	Sequence   uint64
	Timestamp  time.Time
}

// Participant is one lottery entry: a registered identity plus its VRF
// proof over the slot seed.
type Participant struct {
	Identity *presence.Identity
	Proof    []byte
}

// Result is the outcome of one slot selection.
type Result struct {
	Leader   *Participant
	Ticket   []byte
	SlotTier presence.Tier
	Deadline time.Time

	// InvalidProofs lists public keys whose VRF proofs failed
	// verification; callers degrade those peers' behavior scores.
	InvalidProofs [][]byte
}

// Selector implements checkpoint-seeded leader selection.
type Selector struct {
	cfg      config.LeaderConfig
	verifier security.Verifier
	logger   *zap.Logger
}

// New creates a selector. The tier split must cover the whole output
// space.
func New(cfg config.LeaderConfig, verifier security.Verifier, logger *zap.Logger) (*Selector, error) {
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if cfg.FullNodePercent+cfg.VerifiedUserPercent != 100 {
		return nil, fmt.Errorf("tier percentages must sum to 100")
	}
	return &Selector{cfg: cfg, verifier: verifier, logger: logger}, nil
}

// Seed derives the slot seed from checkpoint data alone.
func Seed(cp Checkpoint) []byte {
	h := sha3.New256()
	h.Write(cp.Output)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], cp.Sequence)
	h.Write(seq[:])
	return h.Sum(nil)
}

// VerifyCheckpoint rechecks the delay-function output chaining a
// checkpoint to its predecessor.
func (s *Selector) VerifyCheckpoint(cp Checkpoint) error {
	if len(cp.Output) == 0 {
		return ErrInvalidCheckpoint
	}
	if err := s.verifier.VerifyVDF(cp.PrevOutput, cp.Output, cp.Iterations); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	return nil
}

// SlotTier maps the slot seed onto the tier owning this slot. Each
// tier owns a disjoint sub-range of the output space proportional to
// its target share, so across many slots full nodes and verified users
// win with their configured relative frequency without a second
// lottery.
func (s *Selector) SlotTier(seed []byte) presence.Tier {
	h := sha3.New256()
	h.Write(seed)
	h.Write([]byte("slot-tier"))
	v := binary.BigEndian.Uint64(h.Sum(nil)[:8])

	threshold := uint64(float64(math.MaxUint64) / 100 * float64(s.cfg.FullNodePercent))
	if v < threshold {
		return presence.TierFullNode
	}
	return presence.TierVerifiedUser
}

type candidate struct {
	participant *Participant
	ticket      []byte
}

// beats reports whether the (ticket, pubkey) pair orders before the
// current best. Lowest ticket wins; the lexicographically smaller
// public key breaks ties.
func (c *candidate) beats(best *candidate) bool {
	if best == nil {
		return true
	}
	switch bytes.Compare(c.ticket, best.ticket) {
	case -1:
		return true
	case 1:
		return false
	default:
		return bytes.Compare(c.participant.Identity.PubKey, best.participant.Identity.PubKey) < 0
	}
}

// Select picks the leader for the slot anchored by the checkpoint.
// Participants that are still cooling down, missing required
// authenticator flags, or carrying an invalid proof never win. The
// selection is deterministic: the same checkpoint and participant set
// always produce the same leader.
func (s *Selector) Select(cp Checkpoint, participants []Participant, now time.Time) (*Result, error) {
	if len(cp.Output) == 0 {
		return nil, ErrInvalidCheckpoint
	}
	if s.cfg.MaxParticipants > 0 && len(participants) > s.cfg.MaxParticipants {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyParticipants, len(participants), s.cfg.MaxParticipants)
	}

	seed := Seed(cp)
	slotTier := s.SlotTier(seed)

	var bestByTier [2]*candidate
	var invalid [][]byte
	for i := range participants {
		p := &participants[i]
		if p.Identity == nil || !p.Identity.Eligible(now) {
			continue
		}

		ticket, err := s.verifier.VerifyVRF(seed, p.Proof, p.Identity.PubKey)
		if err != nil {
			invalid = append(invalid, p.Identity.PubKey)
			continue
		}

		t := p.Identity.Tier
		if t != presence.TierFullNode && t != presence.TierVerifiedUser {
			continue
		}
		c := &candidate{participant: p, ticket: ticket}
		if c.beats(bestByTier[t]) {
			bestByTier[t] = c
		}
	}

	// The slot's tier wins it; an empty tier cedes the slot to the
	// other rather than stalling.
	chosen := bestByTier[slotTier]
	if chosen == nil {
		chosen = bestByTier[1-slotTier]
	}
	if chosen == nil {
		return nil, ErrNoEligibleParticipants
	}

	s.logger.Debug("Leader selected",
		zap.Uint64("sequence", cp.Sequence),
		zap.String("slot_tier", slotTier.String()),
		zap.String("leader_tier", chosen.participant.Identity.Tier.String()))

	return &Result{
		Leader:        chosen.participant,
		Ticket:        chosen.ticket,
		SlotTier:      slotTier,
		Deadline:      cp.Timestamp.Add(s.cfg.SlotTimeout),
		InvalidProofs: invalid,
	}, nil
}

// Missed reports whether a slot's production deadline has passed. A
// missed slot is surfaced to the surrounding protocol; the next
// checkpoint proceeds independently with no in-slot fallback leader.
func (r *Result) Missed(now time.Time) bool {
	return now.After(r.Deadline)
}
