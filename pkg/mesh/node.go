// Package mesh implements the peer transport: a libp2p host carrying
// settlement messages over authenticated streams. Trust derives entirely
// from the stream security handshake; the remote's settlement address is
// recovered from its peer ID.
package mesh

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	tlsp2p "github.com/libp2p/go-libp2p/p2p/security/tls"
	multiaddr "github.com/multiformats/go-multiaddr"

	"superpeer/pkg/channel"
	"superpeer/pkg/dispatch"
	"superpeer/pkg/utils"
)

// PayProtocolID is the stream protocol for settlement messages. One frame
// per stream; replies arrive on a fresh stream from the responder.
const PayProtocolID = protocol.ID("/superpeer/pay/1.0.0")

const frameHeaderSize = 4

// PeerWatcher observes peer lifecycle; the topology recorder implements it.
// A nil watcher is allowed.
type PeerWatcher interface {
	PeerConnected(addr channel.Address, remote string)
	PeerDisconnected(addr channel.Address)
}

// Config holds transport tuning.
type Config struct {
	ListenPort     int
	Rendezvous     string
	EnableMDNS     bool
	EnableTLS      bool
	PreferNoise    bool
	ConnLow        int
	ConnHigh       int
	GracePeriod    time.Duration
	BootstrapAddrs []string
	AllowedCIDRs   []string
	MaxMessageSize int
	SendTimeout    time.Duration
}

// DefaultConfig returns transport defaults sized for a single superpeer
// serving a neighborhood of clients.
func DefaultConfig() Config {
	return Config{
		ListenPort:     9650,
		Rendezvous:     "superpeer/pay",
		EnableMDNS:     true,
		PreferNoise:    true,
		ConnLow:        16,
		ConnHigh:       256,
		GracePeriod:    60 * time.Second,
		MaxMessageSize: 256 << 10,
		SendTimeout:    15 * time.Second,
	}
}

// Node is the running transport.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	host   host.Host
	logger *utils.Logger
	audit  *utils.AuditLogger

	receiver interface {
		Enqueue(dispatch.InboundEvent) bool
	}
	watcher PeerWatcher

	mu        sync.RWMutex
	addrByPID map[peer.ID]channel.Address
}

// NewNode builds and starts the libp2p host. seed is the settlement key's
// private seed so the mesh identity and settlement address match. receiver
// gets every inbound frame; watcher and audit may be nil.
func NewNode(parent context.Context, cfg Config, seed []byte, receiver interface {
	Enqueue(dispatch.InboundEvent) bool
}, watcher PeerWatcher, logger *utils.Logger, audit *utils.AuditLogger) (*Node, error) {
	if receiver == nil || logger == nil {
		return nil, fmt.Errorf("mesh: receiver and logger are required")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}

	ctx, cancel := context.WithCancel(parent)

	priv, pid, err := identityFromSeed(seed)
	if err != nil {
		cancel()
		return nil, err
	}
	logger.Info("mesh identity derived", utils.ZapString("peer_id", pid.String()))

	cm, err := connmgr.NewConnManager(cfg.ConnLow, cfg.ConnHigh, connmgr.WithGracePeriod(cfg.GracePeriod))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mesh: connmgr: %w", err)
	}

	listenAddrs := []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)}
	if hasIPv6() {
		listenAddrs = append(listenAddrs, fmt.Sprintf("/ip6/::/tcp/%d", cfg.ListenPort))
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.ConnectionManager(cm),
	}
	if gater := newGater(cfg.AllowedCIDRs, logger); gater != nil {
		hostOpts = append(hostOpts, libp2p.ConnectionGater(gater))
	}
	if cfg.PreferNoise || !cfg.EnableTLS {
		hostOpts = append(hostOpts, libp2p.Security(noise.ID, noise.New))
	}
	if cfg.EnableTLS {
		hostOpts = append(hostOpts, libp2p.Security(tlsp2p.ID, tlsp2p.New))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mesh: host: %w", err)
	}

	n := &Node{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		host:      h,
		logger:    logger,
		audit:     audit,
		receiver:  receiver,
		watcher:   watcher,
		addrByPID: make(map[peer.ID]channel.Address),
	}

	h.SetStreamHandler(PayProtocolID, n.handleStream)
	h.Network().Notify(&netNotifiee{n: n})

	if cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, cfg.Rendezvous, &mdnsNotifee{n: n})
		if err := svc.Start(); err != nil {
			logger.Warn("mDNS discovery failed to start", utils.ZapError(err))
		} else {
			logger.Info("mDNS local discovery enabled", utils.ZapString("rendezvous", cfg.Rendezvous))
		}
	}

	go n.dialBootstrapPeers()

	if audit != nil {
		_ = audit.Security("mesh_started", map[string]interface{}{
			"peer_id":     pid.String(),
			"listen_port": cfg.ListenPort,
		})
	}
	return n, nil
}

// LocalPeerID returns the host's peer ID
func (n *Node) LocalPeerID() peer.ID { return n.host.ID() }

// ListenAddrs returns the host's listen multiaddrs as strings
func (n *Node) ListenAddrs() []string {
	addrs := n.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// Peers returns the settlement addresses of currently connected peers
func (n *Node) Peers() []channel.Address {
	pids := n.host.Network().Peers()
	out := make([]channel.Address, 0, len(pids))
	for _, pid := range pids {
		if addr, err := AddressFromPeer(pid); err == nil {
			out = append(out, addr)
		}
	}
	return out
}

// SendReliable delivers one frame to the peer's settlement address over a
// fresh authenticated stream, bounded by the send timeout and ctx.
func (n *Node) SendReliable(ctx context.Context, addr channel.Address, data []byte) error {
	if len(data) > n.cfg.MaxMessageSize {
		return fmt.Errorf("mesh: message size %d exceeds limit %d", len(data), n.cfg.MaxMessageSize)
	}
	pid, err := PeerFromAddress(addr)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	defer cancel()

	s, err := n.host.NewStream(sendCtx, pid, PayProtocolID)
	if err != nil {
		return fmt.Errorf("mesh: stream to %s: %w", addr, err)
	}
	defer s.Close()

	if deadline, ok := sendCtx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := s.Write(header[:]); err != nil {
		s.Reset()
		return fmt.Errorf("mesh: write header to %s: %w", addr, err)
	}
	if _, err := s.Write(data); err != nil {
		s.Reset()
		return fmt.Errorf("mesh: write frame to %s: %w", addr, err)
	}
	return s.CloseWrite()
}

// Connect dials a peer multiaddr; used by the operator console.
func (n *Node) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("mesh: bad multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("mesh: %q carries no peer info: %w", addr, err)
	}
	return n.host.Connect(ctx, *info)
}

// Close shuts the transport down
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// handleStream reads one frame and hands it to the receiver. Peers with
// non-recoverable identities are reset immediately; their address can never
// participate in settlement.
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	addr, err := AddressFromPeer(remote)
	if err != nil {
		n.logger.Warn("rejecting stream from peer without settlement identity",
			utils.ZapString("peer_id", remote.String()),
			utils.ZapError(err))
		s.Reset()
		return
	}

	_ = s.SetReadDeadline(time.Now().Add(n.cfg.SendTimeout))

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(s, header[:]); err != nil {
		s.Reset()
		return
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > uint32(n.cfg.MaxMessageSize) {
		n.logger.Warn("oversize frame rejected",
			utils.ZapString("peer", addr.String()),
			utils.ZapUint64("size", uint64(size)))
		s.Reset()
		return
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(s, data); err != nil {
		n.logger.Debug("truncated frame",
			utils.ZapString("peer", addr.String()),
			utils.ZapError(err))
		s.Reset()
		return
	}

	n.receiver.Enqueue(dispatch.InboundEvent{Peer: addr, Data: data})
}

func (n *Node) dialBootstrapPeers() {
	for _, raw := range n.cfg.BootstrapAddrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err := n.Connect(ctx, raw)
		cancel()
		if err != nil {
			n.logger.Debug("bootstrap dial failed",
				utils.ZapString("addr", raw),
				utils.ZapError(err))
		} else {
			n.logger.Info("bootstrap peer connected", utils.ZapString("addr", raw))
		}
	}
}

// netNotifiee relays connection events to the watcher, translating peer IDs
// to settlement addresses once per connection.
type netNotifiee struct{ n *Node }

func (nn *netNotifiee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (nn *netNotifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}

func (nn *netNotifiee) Connected(_ network.Network, c network.Conn) {
	n := nn.n
	addr, err := AddressFromPeer(c.RemotePeer())
	if err != nil {
		return
	}
	n.mu.Lock()
	n.addrByPID[c.RemotePeer()] = addr
	n.mu.Unlock()

	n.logger.Info("peer connected",
		utils.ZapString("peer", addr.String()),
		utils.ZapString("remote", c.RemoteMultiaddr().String()),
		utils.ZapString("direction", c.Stat().Direction.String()))
	if n.watcher != nil {
		n.watcher.PeerConnected(addr, c.RemoteMultiaddr().String())
	}
}

func (nn *netNotifiee) Disconnected(_ network.Network, c network.Conn) {
	n := nn.n
	n.mu.Lock()
	addr, ok := n.addrByPID[c.RemotePeer()]
	delete(n.addrByPID, c.RemotePeer())
	n.mu.Unlock()
	if !ok {
		return
	}
	n.logger.Info("peer disconnected", utils.ZapString("peer", addr.String()))
	if n.watcher != nil {
		n.watcher.PeerDisconnected(addr)
	}
}

// mdnsNotifee dials LAN-discovered peers and protects them from connection
// manager pruning.
type mdnsNotifee struct{ n *Node }

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n := m.n
	if pi.ID == n.host.ID() {
		return
	}
	n.logger.Info("mDNS peer discovered", utils.ZapString("peer_id", pi.ID.String()))
	if err := n.host.Connect(n.ctx, pi); err != nil {
		n.logger.Warn("mDNS peer dial failed",
			utils.ZapString("peer_id", pi.ID.String()),
			utils.ZapError(err))
		return
	}
	n.host.ConnManager().TagPeer(pi.ID, "neighbor", 100)
	n.host.ConnManager().Protect(pi.ID, "neighbor-peer")
}

func hasIPv6() bool {
	ifcs, _ := net.Interfaces()
	for _, ifc := range ifcs {
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To16() != nil && ipnet.IP.To4() == nil {
				return true
			}
		}
	}
	return false
}
