package leader

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2p_presence/pkg/config"
	"p2p_presence/pkg/presence"
	"p2p_presence/pkg/security"
)

func testLeaderConfig() config.LeaderConfig {
	return config.LeaderConfig{
		FullNodePercent:     80,
		VerifiedUserPercent: 20,
		SlotTimeout:         30 * time.Second,
		MaxParticipants:     1000,
	}
}

func newTestSelector(t *testing.T) *Selector {
	t.Helper()
	s, err := New(testLeaderConfig(), security.NewVerifier(), zap.NewNop())
	require.NoError(t, err)
	return s
}

type entrant struct {
	kp *security.KeyPair
	id *presence.Identity
}

// makeEntrant builds an already-eligible participant identity.
func makeEntrant(t *testing.T, tier presence.Tier, up, uv bool) *entrant {
	t.Helper()
	kp, err := security.GenerateKeyPair()
	require.NoError(t, err)
	return &entrant{
		kp: kp,
		id: &presence.Identity{
			PubKey:       kp.PublicKey,
			Tier:         tier,
			UserPresent:  up,
			UserVerified: uv,
			EligibleAt:   time.Unix(0, 0),
		},
	}
}

func (e *entrant) participant(t *testing.T, cp Checkpoint) Participant {
	t.Helper()
	proof, _, err := security.ProveVRF(e.kp.PrivateKey, Seed(cp))
	require.NoError(t, err)
	return Participant{Identity: e.id, Proof: proof}
}

func checkpointAt(seq uint64) Checkpoint {
	return Checkpoint{
		Output:    security.EvalVDF([]byte(fmt.Sprintf("chain-%d", seq)), 10),
		Sequence:  seq,
		Timestamp: time.Unix(int64(seq)*600, 0),
	}
}

// checkpointForTier scans sequence numbers until the slot lands in the
// wanted tier.
func checkpointForTier(t *testing.T, s *Selector, tier presence.Tier) Checkpoint {
	t.Helper()
	for seq := uint64(0); seq < 1000; seq++ {
		cp := checkpointAt(seq)
		if s.SlotTier(Seed(cp)) == tier {
			return cp
		}
	}
	t.Fatal("no checkpoint found for tier")
	return Checkpoint{}
}

func TestSelectDeterministic(t *testing.T) {
	s := newTestSelector(t)
	cp := checkpointAt(42)
	now := time.Unix(1000, 0)

	var parts []Participant
	for i := 0; i < 10; i++ {
		parts = append(parts, makeEntrant(t, presence.TierFullNode, false, false).participant(t, cp))
	}

	first, err := s.Select(cp, parts, now)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Select(cp, parts, now)
		require.NoError(t, err)
		assert.Equal(t, first.Leader.Identity.PubKey, again.Leader.Identity.PubKey)
		assert.Equal(t, first.Ticket, again.Ticket)
	}
}

func TestSelectLowestTicketWins(t *testing.T) {
	s := newTestSelector(t)
	cp := checkpointForTier(t, s, presence.TierFullNode)
	now := time.Unix(1000, 0)

	verifier := security.NewVerifier()
	seed := Seed(cp)

	var parts []Participant
	var lowest []byte
	var lowestKey []byte
	for i := 0; i < 20; i++ {
		p := makeEntrant(t, presence.TierFullNode, false, false).participant(t, cp)
		parts = append(parts, p)

		out, err := verifier.VerifyVRF(seed, p.Proof, p.Identity.PubKey)
		require.NoError(t, err)
		if lowest == nil || string(out) < string(lowest) {
			lowest = out
			lowestKey = p.Identity.PubKey
		}
	}

	res, err := s.Select(cp, parts, now)
	require.NoError(t, err)
	assert.Equal(t, lowestKey, []byte(res.Leader.Identity.PubKey))
	assert.Equal(t, lowest, res.Ticket)
}

func TestSlotTierSplit(t *testing.T) {
	s := newTestSelector(t)

	fullNode := 0
	const slots = 5000
	for seq := uint64(0); seq < slots; seq++ {
		if s.SlotTier(Seed(checkpointAt(seq))) == presence.TierFullNode {
			fullNode++
		}
	}

	// 80% target; allow a generous band for a 5000-slot sample.
	share := float64(fullNode) / slots
	assert.InDelta(t, 0.80, share, 0.03)
}

func TestSlotTierDecidesWinner(t *testing.T) {
	s := newTestSelector(t)
	now := time.Unix(1000, 0)

	fn := makeEntrant(t, presence.TierFullNode, false, false)
	vu := makeEntrant(t, presence.TierVerifiedUser, true, true)

	cpFN := checkpointForTier(t, s, presence.TierFullNode)
	res, err := s.Select(cpFN, []Participant{fn.participant(t, cpFN), vu.participant(t, cpFN)}, now)
	require.NoError(t, err)
	assert.Equal(t, presence.TierFullNode, res.Leader.Identity.Tier)

	cpVU := checkpointForTier(t, s, presence.TierVerifiedUser)
	res, err = s.Select(cpVU, []Participant{fn.participant(t, cpVU), vu.participant(t, cpVU)}, now)
	require.NoError(t, err)
	assert.Equal(t, presence.TierVerifiedUser, res.Leader.Identity.Tier)
}

func TestEmptyTierCedesSlot(t *testing.T) {
	s := newTestSelector(t)
	now := time.Unix(1000, 0)

	fn := makeEntrant(t, presence.TierFullNode, false, false)
	cp := checkpointForTier(t, s, presence.TierVerifiedUser)

	res, err := s.Select(cp, []Participant{fn.participant(t, cp)}, now)
	require.NoError(t, err)
	assert.Equal(t, presence.TierFullNode, res.Leader.Identity.Tier)
	assert.Equal(t, presence.TierVerifiedUser, res.SlotTier)
}

func TestVerifiedUserWithoutUVExcluded(t *testing.T) {
	s := newTestSelector(t)
	now := time.Unix(1000, 0)

	// User-Present alone is not enough; both flags are required.
	presentOnly := makeEntrant(t, presence.TierVerifiedUser, true, false)
	full := makeEntrant(t, presence.TierVerifiedUser, true, true)

	cp := checkpointForTier(t, s, presence.TierVerifiedUser)
	res, err := s.Select(cp, []Participant{presentOnly.participant(t, cp), full.participant(t, cp)}, now)
	require.NoError(t, err)
	assert.Equal(t, full.id.PubKey, res.Leader.Identity.PubKey)

	_, err = s.Select(cp, []Participant{presentOnly.participant(t, cp)}, now)
	assert.ErrorIs(t, err, ErrNoEligibleParticipants)
}

func TestCoolingDownParticipantExcluded(t *testing.T) {
	s := newTestSelector(t)
	now := time.Unix(1000, 0)

	cooling := makeEntrant(t, presence.TierFullNode, false, false)
	cooling.id.EligibleAt = now.Add(time.Hour)
	ready := makeEntrant(t, presence.TierFullNode, false, false)

	cp := checkpointAt(1)
	res, err := s.Select(cp, []Participant{cooling.participant(t, cp), ready.participant(t, cp)}, now)
	require.NoError(t, err)
	assert.Equal(t, ready.id.PubKey, res.Leader.Identity.PubKey)
}

func TestUnknownTierSkipped(t *testing.T) {
	s := newTestSelector(t)
	now := time.Unix(1000, 0)
	cp := checkpointAt(11)

	// A corrupted restore could hand the selector an identity whose
	// tier is outside the known range. It must be ignored, not crash
	// the lottery.
	rogue := makeEntrant(t, presence.Tier(5), false, false)
	honest := makeEntrant(t, presence.TierFullNode, false, false)

	res, err := s.Select(cp, []Participant{rogue.participant(t, cp), honest.participant(t, cp)}, now)
	require.NoError(t, err)
	assert.Equal(t, honest.id.PubKey, res.Leader.Identity.PubKey)
}

func TestInvalidProofSkippedAndReported(t *testing.T) {
	s := newTestSelector(t)
	now := time.Unix(1000, 0)
	cp := checkpointAt(7)

	honest := makeEntrant(t, presence.TierFullNode, false, false)
	cheat := makeEntrant(t, presence.TierFullNode, false, false)
	cheatPart := cheat.participant(t, cp)
	cheatPart.Proof[0] ^= 0xff

	res, err := s.Select(cp, []Participant{honest.participant(t, cp), cheatPart}, now)
	require.NoError(t, err)
	assert.Equal(t, honest.id.PubKey, res.Leader.Identity.PubKey)
	require.Len(t, res.InvalidProofs, 1)
	assert.Equal(t, []byte(cheat.id.PubKey), res.InvalidProofs[0])
}

func TestSelectErrors(t *testing.T) {
	s := newTestSelector(t)
	now := time.Unix(1000, 0)

	t.Run("empty checkpoint", func(t *testing.T) {
		_, err := s.Select(Checkpoint{}, nil, now)
		assert.ErrorIs(t, err, ErrInvalidCheckpoint)
	})

	t.Run("no participants", func(t *testing.T) {
		_, err := s.Select(checkpointAt(1), nil, now)
		assert.ErrorIs(t, err, ErrNoEligibleParticipants)
	})

	t.Run("too many participants", func(t *testing.T) {
		small, err := New(config.LeaderConfig{
			FullNodePercent:     80,
			VerifiedUserPercent: 20,
			SlotTimeout:         time.Second,
			MaxParticipants:     1,
		}, security.NewVerifier(), zap.NewNop())
		require.NoError(t, err)

		cp := checkpointAt(1)
		a := makeEntrant(t, presence.TierFullNode, false, false).participant(t, cp)
		b := makeEntrant(t, presence.TierFullNode, false, false).participant(t, cp)
		_, err = small.Select(cp, []Participant{a, b}, now)
		assert.ErrorIs(t, err, ErrTooManyParticipants)
	})

	t.Run("bad tier split", func(t *testing.T) {
		_, err := New(config.LeaderConfig{FullNodePercent: 70, VerifiedUserPercent: 20}, security.NewVerifier(), zap.NewNop())
		assert.Error(t, err)
	})
}

func TestVerifyCheckpoint(t *testing.T) {
	s := newTestSelector(t)

	prev := security.EvalVDF([]byte("genesis"), 5)
	cp := Checkpoint{
		Output:     security.EvalVDF(prev, 100),
		PrevOutput: prev,
		Iterations: 100,
		Sequence:   1,
	}
	require.NoError(t, s.VerifyCheckpoint(cp))

	cp.Iterations = 99
	assert.ErrorIs(t, s.VerifyCheckpoint(cp), ErrInvalidCheckpoint)

	assert.ErrorIs(t, s.VerifyCheckpoint(Checkpoint{}), ErrInvalidCheckpoint)
}

func TestMissedSlot(t *testing.T) {
	s := newTestSelector(t)
	cp := checkpointAt(3)

	p := makeEntrant(t, presence.TierFullNode, false, false)
	res, err := s.Select(cp, []Participant{p.participant(t, cp)}, time.Unix(5000, 0))
	require.NoError(t, err)

	assert.False(t, res.Missed(cp.Timestamp.Add(10*time.Second)))
	assert.True(t, res.Missed(cp.Timestamp.Add(31*time.Second)))
}
