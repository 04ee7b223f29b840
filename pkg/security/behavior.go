package security

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

const (
	// Behavior score bounds
	MinBehaviorScore = 0.0
	MaxBehaviorScore = 1.0
	InitialScore     = 0.5

	// Score adjustments
	ValidMessageBonus   = 0.01
	IntegrityPenalty    = 0.1
	MalformedPenalty    = 0.05
	DiscourageThreshold = 0.2
)

// BehaviorAction classifies one observed peer action.
type BehaviorAction int

const (
	// ValidMessage is a message that passed all checks.
	ValidMessage BehaviorAction = iota
	// IntegrityError is a failed proof or signature check.
	IntegrityError
	// MalformedMessage is an unparseable address or payload.
	MalformedMessage
)

// PeerScore tracks one peer's behavior.
type PeerScore struct {
	ID              peer.ID
	Score           float64
	IntegrityErrors uint64
	TotalActions    uint64
	LastAction      time.Time
}

// BehaviorTracker degrades a peer's score on integrity errors and
// promotes persistent offenders to discouragement through a callback.
// Volume abuse is the rate limiter's job; this tracker only sees
// message validity.
type BehaviorTracker struct {
	scores       map[peer.ID]*PeerScore
	onDiscourage func(peer.ID)
	clock        clock.Clock
	logger       *zap.Logger
	mu           sync.Mutex
}

// NewBehaviorTracker creates a tracker. onDiscourage fires once each
// time a peer's score crosses below the threshold.
func NewBehaviorTracker(onDiscourage func(peer.ID), logger *zap.Logger) *BehaviorTracker {
	return &BehaviorTracker{
		scores:       make(map[peer.ID]*PeerScore),
		onDiscourage: onDiscourage,
		clock:        clock.New(),
		logger:       logger,
	}
}

// SetClock injects a clock for tests.
func (bt *BehaviorTracker) SetClock(c clock.Clock) {
	bt.clock = c
}

// Record applies one observed action to a peer's score.
func (bt *BehaviorTracker) Record(peerID peer.ID, action BehaviorAction) {
	bt.mu.Lock()

	score, exists := bt.scores[peerID]
	if !exists {
		score = &PeerScore{ID: peerID, Score: InitialScore}
		bt.scores[peerID] = score
	}

	wasAbove := score.Score >= DiscourageThreshold
	switch action {
	case ValidMessage:
		score.Score += ValidMessageBonus
	case IntegrityError:
		score.Score -= IntegrityPenalty
		score.IntegrityErrors++
	case MalformedMessage:
		score.Score -= MalformedPenalty
	}
	score.Score = math.Max(MinBehaviorScore, math.Min(MaxBehaviorScore, score.Score))
	score.TotalActions++
	score.LastAction = bt.clock.Now()

	newScore := score.Score
	crossed := wasAbove && newScore < DiscourageThreshold
	bt.mu.Unlock()

	if crossed {
		bt.logger.Warn("Peer behavior below threshold",
			zap.String("peer", peerID.String()),
			zap.Float64("score", newScore))
		if bt.onDiscourage != nil {
			bt.onDiscourage(peerID)
		}
	}
}

// Score returns a peer's current score, or the initial score for an
// unknown peer.
func (bt *BehaviorTracker) Score(peerID peer.ID) float64 {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if s, ok := bt.scores[peerID]; ok {
		return s.Score
	}
	return InitialScore
}

// PruneIdle drops score state for peers unseen within the window.
func (bt *BehaviorTracker) PruneIdle(maxIdle time.Duration) int {
	cutoff := bt.clock.Now().Add(-maxIdle)
	bt.mu.Lock()
	defer bt.mu.Unlock()

	pruned := 0
	for id, s := range bt.scores {
		if s.LastAction.Before(cutoff) {
			delete(bt.scores, id)
			pruned++
		}
	}
	return pruned
}

// TrackedPeers counts peers with live score state.
func (bt *BehaviorTracker) TrackedPeers() int {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return len(bt.scores)
}
