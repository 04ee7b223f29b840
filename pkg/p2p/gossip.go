package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"p2p_presence/pkg/addrbook"
	"p2p_presence/pkg/ratelimit"
	"p2p_presence/pkg/security"
	"p2p_presence/pkg/utils"
)

const (
	// Bloom filter sizing for gossip dedup; the filter is reset once
	// the insert estimate is exhausted.
	gossipBloomItems = 100000
	gossipBloomFP    = 0.01
)

// AddrAnnouncement is the wire form of one gossiped address.
type AddrAnnouncement struct {
	PeerID string `json:"peer_id"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

// AddrGossip relays peer addresses over pubsub into the address book.
// Every incoming announcement is charged against the sender's
// discovery bucket before any parsing happens.
type AddrGossip struct {
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	self     peer.ID
	book     *addrbook.AddressBook
	limiter  *ratelimit.Limiter
	behavior *security.BehaviorTracker
	onAddr   func(addrbook.NetAddress, peer.ID)
	logger   *zap.Logger

	mu      sync.Mutex
	seen    *bloom.BloomFilter
	inserts int
}

// NewAddrGossip joins the address topic.
func NewAddrGossip(ps *pubsub.PubSub, topicName string, self peer.ID, book *addrbook.AddressBook, limiter *ratelimit.Limiter, behavior *security.BehaviorTracker, onAddr func(addrbook.NetAddress, peer.ID), logger *zap.Logger) (*AddrGossip, error) {
	topic, err := ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("joining topic %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topicName, err)
	}

	return &AddrGossip{
		topic:    topic,
		sub:      sub,
		self:     self,
		book:     book,
		limiter:  limiter,
		behavior: behavior,
		onAddr:   onAddr,
		logger:   logger,
		seen:     bloom.NewWithEstimates(gossipBloomItems, gossipBloomFP),
	}, nil
}

// Start begins consuming announcements.
func (g *AddrGossip) Start(ctx context.Context) {
	utils.SafeGo(g.logger, func() {
		g.readLoop(ctx)
	})
}

// Announce publishes one address to the network.
func (g *AddrGossip) Announce(ctx context.Context, addr addrbook.NetAddress, owner peer.ID) error {
	raw, err := json.Marshal(AddrAnnouncement{
		PeerID: owner.String(),
		Host:   addr.Host,
		Port:   addr.Port,
	})
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}
	return g.topic.Publish(ctx, raw)
}

func (g *AddrGossip) readLoop(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == g.self {
			continue
		}
		g.handle(msg)
	}
}

// handle admits, parses, dedups, and books one announcement.
func (g *AddrGossip) handle(msg *pubsub.Message) {
	from := msg.GetFrom()
	if g.limiter.Admit(from, ratelimit.ClassDiscovery, 1) != ratelimit.Allow {
		return
	}

	var ann AddrAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		g.behavior.Record(from, security.MalformedMessage)
		return
	}
	addr := addrbook.NetAddress{Host: ann.Host, Port: ann.Port}
	if !addr.Valid() {
		g.behavior.Record(from, security.MalformedMessage)
		return
	}
	owner, err := peer.Decode(ann.PeerID)
	if err != nil {
		g.behavior.Record(from, security.MalformedMessage)
		return
	}

	if g.dedup(addr) {
		return
	}

	if err := g.book.Add(addr, addr); err != nil {
		return
	}
	g.behavior.Record(from, security.ValidMessage)
	if g.onAddr != nil {
		g.onAddr(addr, owner)
	}
}

// dedup reports whether the address was already seen this filter
// generation.
func (g *AddrGossip) dedup(addr addrbook.NetAddress) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inserts >= gossipBloomItems {
		g.seen.ClearAll()
		g.inserts = 0
	}
	if g.seen.TestOrAdd([]byte(addr.Key())) {
		return true
	}
	g.inserts++
	return false
}
