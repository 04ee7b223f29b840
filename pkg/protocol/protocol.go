// Package protocol binds the control-plane operations onto the
// message dispatcher: identity registration with authenticator
// gating, and the per-slot leader lottery.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p_presence/pkg/leader"
	"p2p_presence/pkg/metrics"
	"p2p_presence/pkg/p2p"
	"p2p_presence/pkg/presence"
	"p2p_presence/pkg/ratelimit"
	"p2p_presence/pkg/security"
)

// Control message type tags.
const (
	msgRegister = "register"
	msgLottery  = "lottery"
)

// ticketGrace keeps issued tickets valid for a day past eligibility.
const ticketGrace = 24 * time.Hour

// maxVDFIterations caps the recompute cost of checkpoint verification.
// A claimed iteration count above this is rejected before any hashing,
// so an oversized checkpoint cannot buy CPU time here.
const maxVDFIterations = 1 << 24

// ControlMessage is the framed control-plane payload.
type ControlMessage struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// RegisterRequest asks for a new identity. Verified users must carry
// an authenticator assertion; full nodes register with the key alone.
type RegisterRequest struct {
	PubKey         []byte `json:"pub_key"`
	Tier           int    `json:"tier"`
	AuthData       []byte `json:"auth_data,omitempty"`
	ClientDataHash []byte `json:"client_data_hash,omitempty"`
	Signature      []byte `json:"signature,omitempty"`
}

// RegisterResult is a successful registration: the stored identity
// plus a signed ticket proving when it becomes eligible.
type RegisterResult struct {
	Identity *presence.Identity
	Ticket   string
}

// LotteryEntry is one participant's claim on the slot.
type LotteryEntry struct {
	PubKey []byte `json:"pub_key"`
	Proof  []byte `json:"proof"`
}

// LotteryRequest carries the anchoring checkpoint and the entries.
type LotteryRequest struct {
	Output     []byte         `json:"output"`
	PrevOutput []byte         `json:"prev_output"`
	Iterations uint64         `json:"iterations"`
	Sequence   uint64         `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	Entries    []LotteryEntry `json:"entries"`
}

// Service implements the control-plane operations.
type Service struct {
	registry *presence.Registry
	selector *leader.Selector
	verifier security.Verifier
	tickets  *security.TicketIssuer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu   sync.Mutex
	last *leader.Result
}

// NewService wires the control plane together.
func NewService(registry *presence.Registry, selector *leader.Selector, verifier security.Verifier,
	tickets *security.TicketIssuer, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		selector: selector,
		verifier: verifier,
		tickets:  tickets,
		metrics:  m,
		logger:   logger,
	}
}

// Bind registers the control handler on the dispatcher.
func (s *Service) Bind(d *p2p.Dispatcher) {
	d.Handle(ratelimit.ClassControl, s.handleControl)
}

func (s *Service) handleControl(ctx context.Context, env p2p.Envelope) error {
	var msg ControlMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", p2p.ErrMalformed, err)
	}

	switch msg.Type {
	case msgRegister:
		var req RegisterRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrMalformed, err)
		}
		_, err := s.Register(ctx, &req)
		return err
	case msgLottery:
		var req LotteryRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrMalformed, err)
		}
		_, err := s.RunLottery(req, time.Now())
		return err
	default:
		return fmt.Errorf("%w: unknown control type %q", p2p.ErrMalformed, msg.Type)
	}
}

// Register admits one identity. Verified-user requests must present a
// fresh authenticator assertion over the registration key; the parsed
// presence and verification flags gate later lottery eligibility.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResult, error) {
	tier := presence.Tier(req.Tier)

	var userPresent, userVerified bool
	if tier == presence.TierVerifiedUser {
		flags, err := s.verifier.VerifyFIDO2Assertion(security.Assertion{
			AuthData:       req.AuthData,
			ClientDataHash: req.ClientDataHash,
			Signature:      req.Signature,
			PubKey:         req.PubKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", p2p.ErrIntegrity, err)
		}
		userPresent = flags.UserPresent
		userVerified = flags.UserVerified
	}

	id, err := s.registry.Register(ctx, req.PubKey, tier, userPresent, userVerified)
	if err != nil {
		return nil, fmt.Errorf("registering identity: %w", err)
	}
	s.metrics.Registrations.WithLabelValues(tier.String()).Inc()

	ttl := time.Until(id.EligibleAt) + ticketGrace
	ticket, err := s.tickets.Issue(id.PubKey, tier.String(), id.Window, ttl)
	if err != nil {
		return nil, fmt.Errorf("issuing ticket: %w", err)
	}

	return &RegisterResult{Identity: id, Ticket: ticket}, nil
}

// RunLottery verifies the anchoring checkpoint, resolves the entries
// against registered identities, and runs slot selection. Entries for
// unknown keys are dropped before selection; proof failures are
// reported by the selector.
func (s *Service) RunLottery(req LotteryRequest, now time.Time) (*leader.Result, error) {
	cp := leader.Checkpoint{
		Output:     req.Output,
		PrevOutput: req.PrevOutput,
		Iterations: req.Iterations,
		Sequence:   req.Sequence,
		Timestamp:  req.Timestamp,
	}

	if cp.Iterations > maxVDFIterations {
		return nil, fmt.Errorf("%w: claimed iterations %d exceed %d",
			p2p.ErrIntegrity, cp.Iterations, maxVDFIterations)
	}
	if err := s.selector.VerifyCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("%w: %v", p2p.ErrIntegrity, err)
	}

	participants := make([]leader.Participant, 0, len(req.Entries))
	for _, e := range req.Entries {
		id, ok := s.registry.Lookup(e.PubKey)
		if !ok {
			continue
		}
		participants = append(participants, leader.Participant{Identity: id, Proof: e.Proof})
	}

	result, err := s.selector.Select(cp, participants, now)
	if err != nil {
		return nil, fmt.Errorf("selecting leader: %w", err)
	}

	s.metrics.LeadersSelected.WithLabelValues(result.SlotTier.String()).Inc()
	if n := len(result.InvalidProofs); n > 0 {
		s.metrics.InvalidProofs.Add(float64(n))
	}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	s.logger.Info("Leader selected",
		zap.Uint64("sequence", req.Sequence),
		zap.String("tier", result.SlotTier.String()),
		zap.Time("deadline", result.Deadline),
	)
	return result, nil
}

// CheckMissedSlot reports whether the most recent slot's deadline
// passed without the result being consumed, counting it once.
func (s *Service) CheckMissedSlot(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil || !s.last.Missed(now) {
		return false
	}
	s.metrics.MissedSlots.Inc()
	s.logger.Warn("Slot deadline passed without production",
		zap.Time("deadline", s.last.Deadline))
	s.last = nil
	return true
}
