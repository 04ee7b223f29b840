package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2p_presence/pkg/config"
)

// dayParams expresses the cooldown curve in day units for readability.
var dayParams = CooldownParams{
	Min:              1,
	Mid:              7,
	Max:              180,
	SmoothWindows:    4,
	MaxChangePercent: 20,
}

func TestRawCooldownCurve(t *testing.T) {
	t.Run("ratio of one lands on mid", func(t *testing.T) {
		assert.Equal(t, 7, RawCooldown(dayParams, 100, 100))
	})

	t.Run("below median interpolates min to mid", func(t *testing.T) {
		assert.Equal(t, 4, RawCooldown(dayParams, 50, 100))
		assert.Equal(t, 1, RawCooldown(dayParams, 0, 100))
	})

	t.Run("surge clamps to max", func(t *testing.T) {
		// ratio 3.0: 7 + 2*173 = 353, clamped.
		assert.Equal(t, 180, RawCooldown(dayParams, 300, 100))
	})

	t.Run("above median interpolates mid to max", func(t *testing.T) {
		// ratio 1.5: 7 + 0.5*173 = 93.5
		assert.Equal(t, 94, RawCooldown(dayParams, 150, 100))
	})

	t.Run("no history falls back to min", func(t *testing.T) {
		assert.Equal(t, 1, RawCooldown(dayParams, 500, 0))
	})
}

func TestLimitChange(t *testing.T) {
	assert.Equal(t, 120, LimitChange(dayParams, 353, 100))
	assert.Equal(t, 80, LimitChange(dayParams, 1, 100))
	assert.Equal(t, 105, LimitChange(dayParams, 105, 100))
	// No previous value: raw passes through.
	assert.Equal(t, 353, LimitChange(dayParams, 353, 0))
}

func TestMedianAndMean(t *testing.T) {
	assert.Equal(t, 3.0, Median([]int{5, 1, 3}))
	assert.Equal(t, 2.5, Median([]int{1, 4, 2, 3}))
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 2.0, Mean([]float64{1, 2, 3}))
	assert.Equal(t, 0.0, Mean(nil))
}

type stubOracle struct {
	dup map[string]bool
	err error
}

func (o *stubOracle) IsFirstRegistration(_ context.Context, pubKey []byte) (bool, error) {
	if o.err != nil {
		return false, o.err
	}
	return !o.dup[string(pubKey)], nil
}

func testPresenceConfig() config.PresenceConfig {
	return config.PresenceConfig{
		WindowDuration:   10 * time.Minute,
		WindowsPerStats:  8,
		CooldownMin:      2,
		CooldownMid:      10,
		CooldownMax:      50,
		SmoothWindows:    4,
		MaxChangePercent: 20,
		GracePeriod:      30 * time.Second,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	r, err := NewRegistry(testPresenceConfig(), &stubOracle{}, zap.NewNop(), WithClock(mock))
	require.NoError(t, err)
	return r, mock
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("pubkey-%04d", i))
}

func registerN(t *testing.T, r *Registry, n, offset int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := r.Register(context.Background(), key(offset+i), TierFullNode, false, false)
		require.NoError(t, err)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Register(context.Background(), key(1), TierVerifiedUser, true, true)
	require.NoError(t, err)
	assert.Equal(t, TierVerifiedUser, id.Tier)
	assert.Equal(t, int64(0), id.Window)

	got, ok := r.Lookup(key(1))
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = r.Lookup(key(2))
	assert.False(t, ok)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(context.Background(), nil, TierFullNode, false, false)
	assert.ErrorIs(t, err, ErrInvalidPubKey)

	_, err = r.Register(context.Background(), key(1), Tier(9), false, false)
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestRegisterDuplicate(t *testing.T) {
	mock := clock.NewMock()
	oracle := &stubOracle{dup: map[string]bool{string(key(7)): true}}
	r, err := NewRegistry(testPresenceConfig(), oracle, zap.NewNop(), WithClock(mock))
	require.NoError(t, err)

	// Oracle says the key is already claimed elsewhere.
	_, err = r.Register(context.Background(), key(7), TierFullNode, false, false)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	// A locally known key is rejected even if the oracle passes it.
	_, err = r.Register(context.Background(), key(1), TierFullNode, false, false)
	require.NoError(t, err)
	_, err = r.Register(context.Background(), key(1), TierFullNode, false, false)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestRegisterOracleFailure(t *testing.T) {
	mock := clock.NewMock()
	oracle := &stubOracle{err: fmt.Errorf("oracle down")}
	r, err := NewRegistry(testPresenceConfig(), oracle, zap.NewNop(), WithClock(mock))
	require.NoError(t, err)

	_, err = r.Register(context.Background(), key(1), TierFullNode, false, false)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateIdentity)
}

func TestColdStartUsesMin(t *testing.T) {
	r, mock := newTestRegistry(t)

	// Heavy registration with no history must not spike the cooldown.
	registerN(t, r, 50, 0)
	mock.Add(10 * time.Minute)
	r.Rollover()

	assert.Equal(t, 2, r.CooldownFor(TierFullNode))
}

func TestAdaptiveCooldownRampsUnderRateLimit(t *testing.T) {
	r, mock := newTestRegistry(t)

	// Four steady windows of 10 registrations each fill the smoothing
	// horizon. Closing the fourth computes ratio 1.0 against the
	// smoothed median, targeting mid (10), but the applied value may
	// rise at most 20% per window from min (2).
	for w := 0; w < 4; w++ {
		registerN(t, r, 10, w*10)
		mock.Add(10 * time.Minute)
		r.Rollover()
	}
	assert.Equal(t, 3, r.CooldownFor(TierFullNode))

	registerN(t, r, 10, 40)
	mock.Add(10 * time.Minute)
	r.Rollover()
	assert.Equal(t, 4, r.CooldownFor(TierFullNode))
}

func TestCooldownPerTier(t *testing.T) {
	r, mock := newTestRegistry(t)

	// Only the full-node tier sees registrations; the verified-user
	// cooldown stays at min.
	for w := 0; w < 5; w++ {
		registerN(t, r, 10, w*10)
		mock.Add(10 * time.Minute)
		r.Rollover()
	}
	assert.Greater(t, r.CooldownFor(TierFullNode), 2)
	assert.Equal(t, 2, r.CooldownFor(TierVerifiedUser))
}

func TestQuietWindowsDecayCooldown(t *testing.T) {
	r, mock := newTestRegistry(t)

	for w := 0; w < 6; w++ {
		registerN(t, r, 10, w*10)
		mock.Add(10 * time.Minute)
		r.Rollover()
	}
	before := r.CooldownFor(TierFullNode)
	require.Greater(t, before, 2)

	// Silence decays the cooldown back toward min, also rate-limited.
	mock.Add(100 * time.Minute)
	r.Rollover()
	after := r.CooldownFor(TierFullNode)
	assert.Less(t, after, before)
	assert.GreaterOrEqual(t, after, 2)
}

func TestGracePeriodDefersToNextWindow(t *testing.T) {
	r, mock := newTestRegistry(t)

	// Register 15 seconds before the window closes, inside the 30s
	// grace period.
	mock.Add(10*time.Minute - 15*time.Second)
	id, err := r.Register(context.Background(), key(1), TierFullNode, false, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Window)
	assert.Equal(t, [2]int{0, 0}, r.Stats().CurrentCount)

	mock.Add(15 * time.Second)
	r.Rollover()
	assert.Equal(t, 1, r.Stats().CurrentCount[TierFullNode])
}

func TestEligibilityAfterCooldown(t *testing.T) {
	r, mock := newTestRegistry(t)

	id, err := r.Register(context.Background(), key(1), TierFullNode, false, false)
	require.NoError(t, err)

	// Applied cooldown is 2 windows of 10 minutes.
	assert.False(t, id.Eligible(mock.Now()))
	mock.Add(20 * time.Minute)
	assert.True(t, id.Eligible(mock.Now()))
}

func TestVerifiedUserNeedsBothFlags(t *testing.T) {
	r, mock := newTestRegistry(t)

	presentOnly, err := r.Register(context.Background(), key(1), TierVerifiedUser, true, false)
	require.NoError(t, err)
	both, err := r.Register(context.Background(), key(2), TierVerifiedUser, true, true)
	require.NoError(t, err)

	mock.Add(time.Hour)
	assert.False(t, presentOnly.Eligible(mock.Now()))
	assert.True(t, both.Eligible(mock.Now()))
}

func TestSnapshotSwapsAtWindowClose(t *testing.T) {
	r, mock := newTestRegistry(t)

	before := r.Snapshot()
	_, err := r.Register(context.Background(), key(1), TierFullNode, false, false)
	require.NoError(t, err)

	// Mid-window the published snapshot is unchanged.
	assert.Same(t, before, r.Snapshot())

	mock.Add(10 * time.Minute)
	r.Rollover()
	after := r.Snapshot()
	assert.NotSame(t, before, after)
	assert.Len(t, after.Identities, 1)
	assert.Equal(t, int64(1), after.Window)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	r, mock := newTestRegistry(t)
	for w := 0; w < 6; w++ {
		registerN(t, r, 10, w*10)
		mock.Add(10 * time.Minute)
		r.Rollover()
	}
	recs, ids := r.ExportState()
	require.NotEmpty(t, recs)
	require.Len(t, ids, 60)

	fresh, err := NewRegistry(testPresenceConfig(), &stubOracle{}, zap.NewNop(), WithClock(clock.NewMock()))
	require.NoError(t, err)
	require.NoError(t, fresh.RestoreState(recs, ids))

	// The replayed cooldown matches what the continuously-running
	// registry holds, and the window sequence continues.
	assert.Equal(t, r.CooldownFor(TierFullNode), fresh.CooldownFor(TierFullNode))
	assert.Equal(t, r.Stats().Window, fresh.Stats().Window)
	assert.Equal(t, 60, fresh.Stats().Identities)

	_, ok := fresh.Lookup(key(15))
	assert.True(t, ok)
}

func TestRestoreReplayStartsAtEarliestWindow(t *testing.T) {
	// Storage retains only the most recent windows, so restored records
	// begin at a high window index. The replay must treat the missing
	// earlier windows as absent history, not as windows of zero count.
	counts := []int{40, 36, 32, 28, 24, 20, 16, 12}

	recsAt := func(base int64) []WindowRecord {
		recs := make([]WindowRecord, 0, len(counts))
		for i, c := range counts {
			recs = append(recs, WindowRecord{Window: base + int64(i), Tier: TierFullNode, Count: c})
		}
		return recs
	}

	zero, err := NewRegistry(testPresenceConfig(), &stubOracle{}, zap.NewNop(), WithClock(clock.NewMock()))
	require.NoError(t, err)
	require.NoError(t, zero.RestoreState(recsAt(0), nil))

	shifted, err := NewRegistry(testPresenceConfig(), &stubOracle{}, zap.NewNop(), WithClock(clock.NewMock()))
	require.NoError(t, err)
	require.NoError(t, shifted.RestoreState(recsAt(100), nil))

	// The same counts produce the same cooldown regardless of where in
	// the window sequence they sit.
	assert.Equal(t, zero.CooldownFor(TierFullNode), shifted.CooldownFor(TierFullNode))
	assert.Equal(t, int64(108), shifted.Stats().Window)
}

func TestRestoreRejectsInvalidIdentityTier(t *testing.T) {
	r, _ := newTestRegistry(t)

	bad := &Identity{PubKey: key(1), Tier: Tier(5)}
	err := r.RestoreState(nil, []*Identity{bad})
	assert.ErrorIs(t, err, ErrInvalidTier)
}
