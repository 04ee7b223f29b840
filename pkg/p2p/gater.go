package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"p2p_presence/pkg/addrbook"
	"p2p_presence/pkg/connset"
	"p2p_presence/pkg/ratelimit"
)

// Gater refuses connections from discouraged peers and unparseable
// addresses before any handshake work is spent on them. Full capacity
// and diversity admission runs after the handshake, when the remote
// identity is known.
type Gater struct {
	conns   *connset.Set
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewGater creates a connection gater.
func NewGater(conns *connset.Set, limiter *ratelimit.Limiter, logger *zap.Logger) *Gater {
	return &Gater{conns: conns, limiter: limiter, logger: logger}
}

// InterceptPeerDial blocks outbound dials to discouraged peers.
func (g *Gater) InterceptPeerDial(p peer.ID) bool {
	return !g.limiter.IsDiscouraged(p)
}

// InterceptAddrDial allows any address the peer-level check passed.
func (g *Gater) InterceptAddrDial(_ peer.ID, _ multiaddr.Multiaddr) bool {
	return true
}

// InterceptAccept drops inbound connections whose address cannot be
// attributed to a netgroup.
func (g *Gater) InterceptAccept(cm network.ConnMultiaddrs) bool {
	_, err := netAddressFromMultiaddr(cm.RemoteMultiaddr())
	if err != nil {
		g.logger.Debug("Rejecting unattributable address",
			zap.String("addr", cm.RemoteMultiaddr().String()))
		return false
	}
	return true
}

// InterceptSecured blocks discouraged peers once their identity is
// known.
func (g *Gater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.limiter.IsDiscouraged(p)
}

// InterceptUpgraded always allows; admission runs in the connect
// notification.
func (g *Gater) InterceptUpgraded(_ network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// netAddressFromMultiaddr extracts the transport address. Addresses
// without an IP and port component are rejected.
func netAddressFromMultiaddr(m multiaddr.Multiaddr) (addrbook.NetAddress, error) {
	host, err := m.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		host, err = m.ValueForProtocol(multiaddr.P_IP6)
		if err != nil {
			return addrbook.NetAddress{}, err
		}
	}

	portStr, err := m.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		portStr, err = m.ValueForProtocol(multiaddr.P_UDP)
		if err != nil {
			return addrbook.NetAddress{}, err
		}
	}

	port, err := parsePort(portStr)
	if err != nil {
		return addrbook.NetAddress{}, err
	}
	return addrbook.NetAddress{Host: host, Port: port}, nil
}
