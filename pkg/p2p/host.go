// Package p2p wires the defense core into the transport: a libp2p host
// whose admission path runs through the connection set, an address
// gossip feeding the address book, DHT-based discovery, and a message
// dispatcher gated by the rate limiter.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"p2p_presence/pkg/addrbook"
	"p2p_presence/pkg/config"
	"p2p_presence/pkg/connset"
	"p2p_presence/pkg/metrics"
	"p2p_presence/pkg/ratelimit"
	"p2p_presence/pkg/utils"
)

const (
	dialTimeout      = 30 * time.Second
	outboundInterval = 30 * time.Second
	discoveryPeriod  = 2 * time.Minute

	// Candidates examined per fill pass before giving up. Bounds the
	// work when the book is full of unusable addresses.
	maxDialAttempts = 10

	peerstoreAddrTTL = time.Hour
)

// Host manages the node's network surface.
type Host struct {
	cfg     config.P2PConfig
	host    host.Host
	pubsub  *pubsub.PubSub
	dht     *dht.IpfsDHT
	book    *addrbook.AddressBook
	conns   *connset.Set
	limiter *ratelimit.Limiter
	gossip  *AddrGossip
	metrics *metrics.Metrics
	logger  *zap.Logger

	// handles maps live connection IDs to their admission handles.
	handles map[string]connset.Handle
	// addrPeers remembers which peer last announced an address, so a
	// dial candidate from the book resolves to a dialable identity.
	// Entries for addresses the book no longer tracks are dropped by
	// PruneRoutes.
	addrPeers map[addrbook.NetAddress]peer.ID

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewHost creates the libp2p host with the admission gater installed.
// The metrics may be nil.
func NewHost(ctx context.Context, cfg config.P2PConfig, book *addrbook.AddressBook, conns *connset.Set, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *zap.Logger) (*Host, error) {
	priv, err := loadOrGenerateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("key management error: %w", err)
	}

	gater := NewGater(conns, limiter, logger)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)),
		libp2p.ConnectionGater(gater),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating pubsub: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating DHT: %w", err)
	}

	hh := &Host{
		cfg:       cfg,
		host:      h,
		pubsub:    ps,
		dht:       kad,
		book:      book,
		conns:     conns,
		limiter:   limiter,
		metrics:   m,
		logger:    logger,
		handles:   make(map[string]connset.Handle),
		addrPeers: make(map[addrbook.NetAddress]peer.ID),
	}

	// Eviction closes the socket and marks the address failed, never
	// banning it.
	conns.SetEvictFunc(func(c connset.Connection) {
		_ = h.Network().ClosePeer(c.Peer)
		book.MarkFailed(c.Addr)
		if m != nil {
			m.Evictions.Inc()
		}
	})

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    hh.onConnected,
		DisconnectedF: hh.onDisconnected,
	})
	return hh, nil
}

// ID returns the local peer identity.
func (hh *Host) ID() peer.ID {
	return hh.host.ID()
}

// PubSub exposes the gossip router for collaborators.
func (hh *Host) PubSub() *pubsub.PubSub {
	return hh.pubsub
}

// Start bootstraps discovery and begins the outbound dial loop.
func (hh *Host) Start(ctx context.Context, gossip *AddrGossip) error {
	ctx, cancel := context.WithCancel(ctx)
	hh.cancel = cancel
	hh.gossip = gossip

	for _, raw := range hh.cfg.BootstrapPeers {
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			hh.logger.Warn("Skipping bad bootstrap peer", zap.String("addr", raw), zap.Error(err))
			continue
		}
		dialCtx, done := context.WithTimeout(ctx, dialTimeout)
		if err := hh.host.Connect(dialCtx, *info); err != nil {
			hh.logger.Warn("Bootstrap connect failed", zap.String("peer", info.ID.String()), zap.Error(err))
		}
		done()
	}

	if err := hh.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping DHT: %w", err)
	}

	hh.wg.Add(2)
	utils.SafeGo(hh.logger, func() {
		defer hh.wg.Done()
		hh.outboundLoop(ctx)
	})
	utils.SafeGo(hh.logger, func() {
		defer hh.wg.Done()
		hh.discoveryLoop(ctx)
	})
	return nil
}

// Stop shuts the host down, releasing all connection state.
func (hh *Host) Stop() error {
	if hh.cancel != nil {
		hh.cancel()
	}
	hh.wg.Wait()

	if err := hh.dht.Close(); err != nil {
		hh.logger.Warn("Closing DHT", zap.Error(err))
	}
	return hh.host.Close()
}

// onConnected runs admission for every new connection. Inbound
// connections at capacity trigger the eviction protocol; a connection
// rejected by admission is closed immediately.
func (hh *Host) onConnected(_ network.Network, c network.Conn) {
	addr, err := netAddressFromMultiaddr(c.RemoteMultiaddr())
	if err != nil {
		_ = c.Close()
		return
	}

	var handle connset.Handle
	if c.Stat().Direction == network.DirInbound {
		handle, err = hh.conns.AcceptInbound(c.RemotePeer(), addr)
	} else {
		handle, err = hh.conns.Admit(c.RemotePeer(), addr, connset.Outbound)
	}
	if err != nil {
		hh.logger.Debug("Connection refused",
			zap.String("peer", c.RemotePeer().String()),
			zap.String("addr", addr.Key()),
			zap.Error(err))
		if hh.metrics != nil {
			hh.metrics.AdmissionDenied.WithLabelValues(denialReason(err)).Inc()
		}
		_ = c.Close()
		return
	}

	hh.mu.Lock()
	hh.handles[c.ID()] = handle
	hh.addrPeers[addr] = c.RemotePeer()
	hh.mu.Unlock()

	// A dialed peer that completed the handshake earns promotion to
	// the tried table; an inbound peer only proves its address exists.
	if c.Stat().Direction == network.DirOutbound {
		if err := hh.book.MarkConnected(addr); err != nil {
			hh.logger.Debug("Tried promotion skipped", zap.String("addr", addr.Key()), zap.Error(err))
		}
	} else {
		_ = hh.book.Add(addr, addr)
	}
}

// onDisconnected releases admission state synchronously.
func (hh *Host) onDisconnected(_ network.Network, c network.Conn) {
	hh.mu.Lock()
	handle, ok := hh.handles[c.ID()]
	delete(hh.handles, c.ID())
	hh.mu.Unlock()
	if ok {
		_ = hh.conns.Remove(handle)
	}
}

// outboundLoop keeps outbound slots filled with candidates drawn from
// the address book.
func (hh *Host) outboundLoop(ctx context.Context) {
	ticker := time.NewTicker(outboundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hh.fillOutbound(ctx)
		}
	}
}

func (hh *Host) fillOutbound(ctx context.Context) {
	_, outbound := hh.conns.Counts()
	attempts := 0
	for outbound < hh.cfg.TargetOutbound && attempts < maxDialAttempts {
		attempts++
		addr, pid, ok := hh.nextCandidate()
		if !ok {
			continue
		}

		maddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", addr.Host, addr.Port))
		if err != nil {
			hh.book.MarkFailed(addr)
			continue
		}
		hh.host.Peerstore().AddAddr(pid, maddr, peerstoreAddrTTL)

		dialCtx, done := context.WithTimeout(ctx, dialTimeout)
		err = hh.host.Connect(dialCtx, peer.AddrInfo{ID: pid, Addrs: []multiaddr.Multiaddr{maddr}})
		done()
		if err != nil {
			hh.book.MarkFailed(addr)
			hh.logger.Debug("Outbound dial failed", zap.String("addr", addr.Key()), zap.Error(err))
			continue
		}
		_, outbound = hh.conns.Counts()
	}
}

// nextCandidate draws one dial target from the book, skipping addresses
// that are already connected or that no peer identity resolves. A skip
// only burns the attempt, it never ends the fill pass.
func (hh *Host) nextCandidate() (addrbook.NetAddress, peer.ID, bool) {
	addr, ok := hh.book.SelectCandidate(hh.book.DialBias())
	if !ok {
		return addrbook.NetAddress{}, "", false
	}
	if hh.conns.HasAddress(addr) {
		return addrbook.NetAddress{}, "", false
	}

	hh.mu.Lock()
	pid, known := hh.addrPeers[addr]
	hh.mu.Unlock()
	if !known {
		hh.book.MarkFailed(addr)
		return addrbook.NetAddress{}, "", false
	}
	return addr, pid, true
}

// PruneRoutes drops address-to-peer routes for addresses the book no
// longer tracks, keeping the table bounded by the book's capacity.
func (hh *Host) PruneRoutes() int {
	hh.mu.Lock()
	defer hh.mu.Unlock()
	pruned := 0
	for addr := range hh.addrPeers {
		if _, known := hh.book.InTried(addr); !known {
			delete(hh.addrPeers, addr)
			pruned++
		}
	}
	return pruned
}

// discoveryLoop walks the DHT routing table and feeds newly learned
// addresses into the book.
func (hh *Host) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(discoveryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pid := range hh.dht.RoutingTable().ListPeers() {
				for _, maddr := range hh.host.Peerstore().Addrs(pid) {
					addr, err := netAddressFromMultiaddr(maddr)
					if err != nil {
						continue
					}
					if err := hh.book.Add(addr, addr); err != nil {
						continue
					}
					hh.mu.Lock()
					hh.addrPeers[addr] = pid
					hh.mu.Unlock()
				}
			}
		}
	}
}

// RememberPeer records which peer announced an address. Called by the
// gossip layer so dial candidates resolve to identities.
func (hh *Host) RememberPeer(addr addrbook.NetAddress, pid peer.ID) {
	hh.mu.Lock()
	defer hh.mu.Unlock()
	hh.addrPeers[addr] = pid
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, connset.ErrInboundFull):
		return "inbound_full"
	case errors.Is(err, connset.ErrOutboundFull):
		return "outbound_full"
	case errors.Is(err, connset.ErrNetgroupFull):
		return "netgroup_full"
	default:
		return "other"
	}
}

func loadOrGenerateKey(path string) (crypto.PrivKey, error) {
	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			return crypto.UnmarshalPrivateKey(raw)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}

	if path != "" {
		raw, err := crypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("marshaling host key: %w", err)
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("persisting host key: %w", err)
		}
	}
	return priv, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return uint16(p), nil
}
