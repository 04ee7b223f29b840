package connset

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2p_presence/pkg/addrbook"
	"p2p_presence/pkg/config"
)

func testConfig() config.ConnConfig {
	return config.ConnConfig{
		MaxInbound:         8,
		MaxOutbound:        4,
		MaxPerNetgroup:     2,
		ProtectLowLatency:  2,
		ProtectRecentRelay: 10 * time.Minute,
		ProtectLongevity:   2,
	}
}

func pid(i int) peer.ID {
	return peer.ID(fmt.Sprintf("peer-%d", i))
}

// addrIn returns an address inside the given /16.
func addrIn(group, host int) addrbook.NetAddress {
	return addrbook.NetAddress{
		Host: fmt.Sprintf("10.%d.0.%d", group, host+1),
		Port: 9000,
	}
}

func TestAdmitCountsAndDirections(t *testing.T) {
	s := New(testConfig(), zap.NewNop())

	_, err := s.Admit(pid(1), addrIn(1, 1), Inbound)
	require.NoError(t, err)
	_, err = s.Admit(pid(2), addrIn(2, 1), Outbound)
	require.NoError(t, err)

	in, out := s.Counts()
	assert.Equal(t, 1, in)
	assert.Equal(t, 1, out)
	assert.True(t, s.CanAcceptInbound())
}

func TestNetgroupDiversityEnforced(t *testing.T) {
	s := New(testConfig(), zap.NewNop())

	// Two connections from the same /16 fill its cap.
	_, err := s.Admit(pid(1), addrIn(5, 1), Inbound)
	require.NoError(t, err)
	_, err = s.Admit(pid(2), addrIn(5, 2), Inbound)
	require.NoError(t, err)

	// Free capacity elsewhere does not matter.
	assert.True(t, s.CanAcceptInbound())
	_, err = s.Admit(pid(3), addrIn(5, 3), Inbound)
	assert.ErrorIs(t, err, ErrNetgroupFull)

	// Also enforced for outbound.
	_, err = s.Admit(pid(4), addrIn(5, 4), Outbound)
	assert.ErrorIs(t, err, ErrNetgroupFull)

	// A different netgroup still gets in.
	_, err = s.Admit(pid(5), addrIn(6, 1), Inbound)
	assert.NoError(t, err)
}

func TestOutboundCapacity(t *testing.T) {
	s := New(testConfig(), zap.NewNop())

	for i := 0; i < 4; i++ {
		_, err := s.Admit(pid(i), addrIn(10+i, 1), Outbound)
		require.NoError(t, err)
	}
	_, err := s.Admit(pid(9), addrIn(20, 1), Outbound)
	assert.ErrorIs(t, err, ErrOutboundFull)
}

func TestHandleGeneration(t *testing.T) {
	s := New(testConfig(), zap.NewNop())

	h, err := s.Admit(pid(1), addrIn(1, 1), Inbound)
	require.NoError(t, err)
	require.NoError(t, s.Remove(h))

	// Dead handle stays dead even after the slot is reused.
	_, err = s.Admit(pid(2), addrIn(2, 1), Inbound)
	require.NoError(t, err)
	_, ok := s.Get(h)
	assert.False(t, ok)
	assert.ErrorIs(t, s.RecordPing(h, time.Millisecond), ErrStaleHandle)
	assert.ErrorIs(t, s.Remove(h), ErrStaleHandle)
}

func TestEvictionNeverPicksProtected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInbound = 6
	cfg.ProtectLowLatency = 1
	cfg.ProtectLongevity = 1
	mock := clock.NewMock()
	s := New(cfg, zap.NewNop(), WithClock(mock))

	// Two peers share one netgroup so neither is a sole representative;
	// the rest are singleton representatives and protected by class (a).
	h1, err := s.Admit(pid(1), addrIn(1, 1), Inbound)
	require.NoError(t, err)
	mock.Add(time.Minute)
	h2, err := s.Admit(pid(2), addrIn(1, 2), Inbound)
	require.NoError(t, err)
	mock.Add(time.Minute)
	for i := 3; i <= 6; i++ {
		_, err := s.Admit(pid(i), addrIn(i, 1), Inbound)
		require.NoError(t, err)
		mock.Add(time.Minute)
	}

	// h1 is longest-lived (class d); h2 is the only unprotected peer.
	require.NoError(t, s.RecordPing(h1, time.Millisecond))

	victim, ok := s.SelectEvictionCandidate()
	require.True(t, ok)
	got, found := s.Get(h2)
	require.True(t, found)
	assert.Equal(t, got.Peer, victim.Peer)
}

func TestEvictionPrefersYoungestHighestLatency(t *testing.T) {
	cfg := testConfig()
	cfg.ProtectLowLatency = 0
	cfg.ProtectLongevity = 0
	cfg.ProtectRecentRelay = time.Minute
	mock := clock.NewMock()
	s := New(cfg, zap.NewNop(), WithClock(mock))

	// Same netgroup pair: no sole-representative protection.
	hOld, err := s.Admit(pid(1), addrIn(1, 1), Inbound)
	require.NoError(t, err)
	mock.Add(time.Hour)
	hNew, err := s.Admit(pid(2), addrIn(1, 2), Inbound)
	require.NoError(t, err)

	_ = hOld
	victim, ok := s.SelectEvictionCandidate()
	require.True(t, ok)
	got, _ := s.Get(hNew)
	assert.Equal(t, got.Peer, victim.Peer)
}

func TestRecentRelayProtects(t *testing.T) {
	cfg := testConfig()
	cfg.ProtectLowLatency = 0
	cfg.ProtectLongevity = 0
	mock := clock.NewMock()
	s := New(cfg, zap.NewNop(), WithClock(mock))

	h1, err := s.Admit(pid(1), addrIn(1, 1), Inbound)
	require.NoError(t, err)
	mock.Add(time.Minute)
	h2, err := s.Admit(pid(2), addrIn(1, 2), Inbound)
	require.NoError(t, err)

	// The younger peer relayed recently, so the older one goes.
	require.NoError(t, s.RecordRelay(h2))

	victim, ok := s.SelectEvictionCandidate()
	require.True(t, ok)
	got, _ := s.Get(h1)
	assert.Equal(t, got.Peer, victim.Peer)
}

func TestAcceptInboundEvictsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInbound = 3
	cfg.ProtectLowLatency = 0
	cfg.ProtectLongevity = 0
	mock := clock.NewMock()

	var evicted []Connection
	s := New(cfg, zap.NewNop(), WithClock(mock), WithEvictFunc(func(c Connection) {
		evicted = append(evicted, c)
	}))

	// Fill capacity with two sharing a netgroup (evictable) and one
	// singleton (protected representative).
	_, err := s.Admit(pid(1), addrIn(1, 1), Inbound)
	require.NoError(t, err)
	mock.Add(time.Minute)
	_, err = s.Admit(pid(2), addrIn(1, 2), Inbound)
	require.NoError(t, err)
	mock.Add(time.Minute)
	_, err = s.Admit(pid(3), addrIn(2, 1), Inbound)
	require.NoError(t, err)

	h, err := s.AcceptInbound(pid(4), addrIn(3, 1))
	require.NoError(t, err)
	_, ok := s.Get(h)
	assert.True(t, ok)

	require.Len(t, evicted, 1)
	assert.Equal(t, pid(2), evicted[0].Peer)

	in, _ := s.Counts()
	assert.Equal(t, 3, in)
}

func TestAcceptInboundRejectsWhenNothingEvictable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInbound = 2
	s := New(cfg, zap.NewNop())

	// Every connection is the sole representative of its netgroup.
	_, err := s.Admit(pid(1), addrIn(1, 1), Inbound)
	require.NoError(t, err)
	_, err = s.Admit(pid(2), addrIn(2, 1), Inbound)
	require.NoError(t, err)

	_, err = s.AcceptInbound(pid(3), addrIn(3, 1))
	assert.ErrorIs(t, err, ErrInboundFull)
}

func TestNetgroupCapAtFullScale(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInbound = 117
	s := New(cfg, zap.NewNop())

	// 117 inbound slots filled across many netgroups.
	n := 0
	for g := 1; n < 117; g++ {
		for h := 0; h < 2 && n < 117; h++ {
			_, err := s.Admit(pid(n), addrIn(g%250, h), Inbound)
			require.NoError(t, err)
			n++
		}
	}

	in, _ := s.Counts()
	require.Equal(t, 117, in)

	// A netgroup already at its cap is rejected regardless of capacity.
	_, err := s.Admit(pid(999), addrIn(1, 5), Inbound)
	assert.ErrorIs(t, err, ErrNetgroupFull)
}

func TestHasAddress(t *testing.T) {
	s := New(testConfig(), zap.NewNop())

	a := addrIn(1, 1)
	h, err := s.Admit(pid(1), a, Inbound)
	require.NoError(t, err)
	assert.True(t, s.HasAddress(a))

	require.NoError(t, s.Remove(h))
	assert.False(t, s.HasAddress(a))
}
