package mesh

import (
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"

	"superpeer/pkg/utils"
)

// connGater enforces the operator's IP allowlist at the transport layer.
// With no configured CIDRs the gater is skipped entirely.
type connGater struct {
	allowed []net.IPNet
	log     *utils.Logger
}

func newGater(cidrs []string, log *utils.Logger) *connGater {
	var allowed []net.IPNet
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(raw)
		if err != nil {
			log.Warn("ignoring bad allowlist CIDR", utils.ZapString("cidr", raw), utils.ZapError(err))
			continue
		}
		allowed = append(allowed, *ipnet)
	}
	if len(allowed) == 0 {
		return nil
	}
	return &connGater{allowed: allowed, log: log}
}

func (g *connGater) allowIP(addr multiaddr.Multiaddr) bool {
	var ip net.IP
	multiaddr.ForEach(addr, func(c multiaddr.Component) bool {
		switch c.Protocol().Code {
		case multiaddr.P_IP4, multiaddr.P_IP6:
			ip = net.ParseIP(c.Value())
			return false
		}
		return true
	})
	if ip == nil {
		g.log.Warn("could not extract IP from multiaddr", utils.ZapString("addr", addr.String()))
		return false
	}
	for _, n := range g.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *connGater) InterceptAddrDial(_ peer.ID, addr multiaddr.Multiaddr) bool {
	return g.allowIP(addr)
}

func (g *connGater) InterceptPeerDial(peer.ID) bool { return true }

func (g *connGater) InterceptAccept(addr network.ConnMultiaddrs) bool {
	return g.allowIP(addr.RemoteMultiaddr())
}

func (g *connGater) InterceptSecured(_ network.Direction, _ peer.ID, addr network.ConnMultiaddrs) bool {
	return g.allowIP(addr.RemoteMultiaddr())
}

func (g *connGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
