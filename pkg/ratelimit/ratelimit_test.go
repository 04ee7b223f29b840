package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2p_presence/pkg/config"
)

func testLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Classes: map[string]config.ClassLimit{
			"discovery": {Capacity: 10, RefillRate: 1},
			"bulk":      {Capacity: 100, RefillRate: 100},
			"default":   {Capacity: 5, RefillRate: 0.5},
		},
		MaxBufferedKB:   64,
		DiscourageAfter: 50,
		DiscourageTTL:   10 * time.Minute,
	}
}

func newTestLimiter(t *testing.T) (*Limiter, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	l := New(testLimitConfig(), zap.NewNop(), WithClock(mock))
	return l, mock
}

func pid(i int) peer.ID {
	return peer.ID(fmt.Sprintf("peer-%d", i))
}

func TestAdmitWithinCapacity(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		assert.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))
	}
	assert.Equal(t, Throttle, l.Admit(pid(1), ClassDiscovery, 1))
}

func TestLazyRefill(t *testing.T) {
	l, mock := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		require.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))
	}
	require.Equal(t, Throttle, l.Admit(pid(1), ClassDiscovery, 1))

	// 3 tokens refill at 1/sec.
	mock.Add(3 * time.Second)
	assert.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))
	assert.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))
	assert.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))
	assert.Equal(t, Throttle, l.Admit(pid(1), ClassDiscovery, 1))

	// Refill never exceeds capacity.
	mock.Add(time.Hour)
	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Admit(pid(1), ClassDiscovery, 1) == Allow {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestUnknownClassUsesDefault(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		assert.Equal(t, Allow, l.Admit(pid(1), Class("made-up"), 1))
	}
	assert.Equal(t, Throttle, l.Admit(pid(1), Class("made-up"), 1))
	// Unknown classes share the one default bucket.
	assert.Equal(t, Throttle, l.Admit(pid(1), Class("other"), 1))
}

func TestBucketsIndependentPerPeerAndClass(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		require.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))
	}
	require.Equal(t, Throttle, l.Admit(pid(1), ClassDiscovery, 1))

	// Same peer, different class: unaffected.
	assert.Equal(t, Allow, l.Admit(pid(1), ClassBulk, 1))
	// Different peer, same class: unaffected.
	assert.Equal(t, Allow, l.Admit(pid(2), ClassDiscovery, 1))
}

func TestBulkFloodThrottledNotBuffered(t *testing.T) {
	l, _ := newTestLimiter(t)

	// A burst of 10000 bulk messages inside one second against a bucket
	// sized for 100/sec: the first 100 pass, the rest get throttled or
	// rejected. Nothing is admitted beyond the bucket.
	allowed, other := 0, 0
	for i := 0; i < 10000; i++ {
		if l.Admit(pid(1), ClassBulk, 1) == Allow {
			allowed++
		} else {
			other++
		}
	}
	assert.Equal(t, 100, allowed)
	assert.Equal(t, 9900, other)

	// The flood also cannot reserve unbounded payload bytes: the cap is
	// 64 KB regardless of how many messages attempt reservations.
	reserved := 0
	for i := 0; i < 10000; i++ {
		if l.ReservePayload(pid(1), 1024) {
			reserved++
		}
	}
	assert.Equal(t, 64, reserved)
}

func TestPayloadCapIsBytesNotMessages(t *testing.T) {
	l, _ := newTestLimiter(t)

	// One large reservation consumes what many small ones would.
	require.True(t, l.ReservePayload(pid(1), 60*1024))
	assert.False(t, l.ReservePayload(pid(1), 8*1024))
	assert.True(t, l.ReservePayload(pid(1), 4*1024))

	l.ReleasePayload(pid(1), 60*1024)
	assert.True(t, l.ReservePayload(pid(1), 32*1024))
}

func TestPayloadCapPerPeer(t *testing.T) {
	l, _ := newTestLimiter(t)

	require.True(t, l.ReservePayload(pid(1), 64*1024))
	assert.False(t, l.ReservePayload(pid(1), 1))
	// Another peer has its own budget.
	assert.True(t, l.ReservePayload(pid(2), 64*1024))
}

func TestDiscourageEscalation(t *testing.T) {
	l, _ := newTestLimiter(t)

	// Drain the bucket, then keep hammering until the throttle streak
	// crosses the discourage threshold.
	for i := 0; i < 10; i++ {
		require.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))
	}
	last := Throttle
	for i := 0; i < 60; i++ {
		last = l.Admit(pid(1), ClassDiscovery, 1)
		if last == Reject {
			break
		}
	}
	require.Equal(t, Reject, last)
	assert.True(t, l.IsDiscouraged(pid(1)))

	// Everything is rejected while discouraged, even classes with
	// available tokens.
	assert.Equal(t, Reject, l.Admit(pid(1), ClassBulk, 1))
}

func TestDiscourageDirect(t *testing.T) {
	l, _ := newTestLimiter(t)

	assert.False(t, l.IsDiscouraged(pid(1)))
	l.Discourage(pid(1))
	assert.True(t, l.IsDiscouraged(pid(1)))
	assert.Equal(t, Reject, l.Admit(pid(1), ClassControl, 1))
}

func TestAllowResetsThrottleStreak(t *testing.T) {
	l, mock := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		require.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))
	}
	// 40 throttles, below the threshold of 50.
	for i := 0; i < 40; i++ {
		require.Equal(t, Throttle, l.Admit(pid(1), ClassDiscovery, 1))
	}
	mock.Add(time.Second)
	require.Equal(t, Allow, l.Admit(pid(1), ClassDiscovery, 1))

	// Streak restarted: 40 more throttles still do not discourage.
	for i := 0; i < 40; i++ {
		assert.Equal(t, Throttle, l.Admit(pid(1), ClassDiscovery, 1))
	}
	assert.False(t, l.IsDiscouraged(pid(1)))
}

func TestPruneIdle(t *testing.T) {
	l, mock := newTestLimiter(t)

	l.Admit(pid(1), ClassDiscovery, 1)
	l.Admit(pid(2), ClassDiscovery, 1)
	require.Equal(t, 2, l.TrackedPeers())

	mock.Add(30 * time.Minute)
	l.Admit(pid(2), ClassDiscovery, 1)

	pruned := l.PruneIdle(15 * time.Minute)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 1, l.TrackedPeers())

	// Peers with outstanding payload reservations are kept.
	l.Admit(pid(3), ClassDiscovery, 1)
	require.True(t, l.ReservePayload(pid(3), 1024))
	mock.Add(30 * time.Minute)
	assert.Equal(t, 1, l.PruneIdle(15*time.Minute))
	assert.Equal(t, 1, l.TrackedPeers())
}
