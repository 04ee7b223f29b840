package connset

import (
	"sort"
)

// SelectEvictionCandidate picks one inbound connection to make room for
// a new peer. Protected classes, in priority order: the sole
// representative of an otherwise-unrepresented netgroup, the lowest-
// latency peers, peers with recent relay activity, and the longest-
// lived connections. A connection is evictable only if it falls outside
// every class; the youngest, highest-latency evictable connection goes
// first. Outbound connections are never candidates.
func (s *Set) SelectEvictionCandidate() (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conns []Connection
	for i := range s.slots {
		if s.slots[i].used && s.slots[i].conn.Direction == Inbound {
			conns = append(conns, s.slots[i].conn)
		}
	}
	if len(conns) == 0 {
		return Connection{}, false
	}

	protected := make(map[Handle]bool)

	// (a) sole netgroup representatives
	for _, c := range conns {
		if s.byNetgroup[c.Netgroup] == 1 {
			protected[c.Handle] = true
		}
	}

	// (b) lowest-latency top-K; unmeasured pings do not count
	byLatency := append([]Connection(nil), conns...)
	sort.Slice(byLatency, func(i, j int) bool {
		return byLatency[i].PingRTT < byLatency[j].PingRTT
	})
	kept := 0
	for _, c := range byLatency {
		if kept >= s.cfg.ProtectLowLatency {
			break
		}
		if c.PingRTT > 0 {
			protected[c.Handle] = true
			kept++
		}
	}

	// (c) recent successful relay
	cutoff := s.clock.Now().Add(-s.cfg.ProtectRecentRelay)
	for _, c := range conns {
		if !c.LastRelay.IsZero() && c.LastRelay.After(cutoff) {
			protected[c.Handle] = true
		}
	}

	// (d) longest-lived connections
	byAge := append([]Connection(nil), conns...)
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].ConnectedAt.Before(byAge[j].ConnectedAt)
	})
	for i := 0; i < s.cfg.ProtectLongevity && i < len(byAge); i++ {
		protected[byAge[i].Handle] = true
	}

	var evictable []Connection
	for _, c := range conns {
		if !protected[c.Handle] {
			evictable = append(evictable, c)
		}
	}
	if len(evictable) == 0 {
		return Connection{}, false
	}

	sort.Slice(evictable, func(i, j int) bool {
		if !evictable[i].ConnectedAt.Equal(evictable[j].ConnectedAt) {
			return evictable[i].ConnectedAt.After(evictable[j].ConnectedAt)
		}
		return evictable[i].PingRTT > evictable[j].PingRTT
	})
	return evictable[0], true
}
