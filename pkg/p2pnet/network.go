package p2pnet

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/deaddrop/internal/auth"
	"github.com/shurlinet/deaddrop/internal/config"
)

// Network wraps a libp2p host and its gossipsub router, configured the way
// a ghost-mode node needs: TCP/QUIC/WS transports, optional relay and hole
// punching, an optional connection gater, and mDNS for LAN discovery.
type Network struct {
	host    host.Host
	pubsub  *pubsub.PubSub
	mdns    *MDNSDiscovery
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures a new Network.
type Config struct {
	KeyFile        string
	AuthorizedKeys string
	Net            *config.Config

	EnableRelay        bool
	RelayAddrs         []string
	ForcePrivate       bool
	EnableNATPortMap   bool
	EnableHolePunching bool

	Metrics *Metrics
}

// New brings up a libp2p host and joins gossipsub on it. If cfg.Net
// enables mDNS, LAN discovery is also started.
func New(cfg *Config) (*Network, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	priv, err := LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(ws.New),
	}

	if cfg.Net != nil && len(cfg.Net.Network.ListenAddresses) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(cfg.Net.Network.ListenAddresses...))
	}

	if cfg.EnableRelay {
		relayInfos, err := ParseRelayAddrs(cfg.RelayAddrs)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to parse relay addresses: %w", err)
		}
		if len(relayInfos) > 0 {
			hostOpts = append(hostOpts, libp2p.EnableAutoRelayWithStaticRelays(relayInfos))
		}
		if cfg.EnableNATPortMap {
			hostOpts = append(hostOpts, libp2p.NATPortMap())
		}
		if cfg.EnableHolePunching {
			hostOpts = append(hostOpts, libp2p.EnableHolePunching())
		}
		if cfg.ForcePrivate {
			hostOpts = append(hostOpts, libp2p.ForceReachabilityPrivate())
		}
	}

	if cfg.AuthorizedKeys != "" {
		authorizedPeers, err := auth.LoadAuthorizedKeys(cfg.AuthorizedKeys)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load authorized_keys: %w", err)
		}
		gater := auth.NewAuthorizedPeerGater(authorizedPeers)
		hostOpts = append(hostOpts, libp2p.ConnectionGater(gater))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := newGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}

	net := &Network{
		host:    h,
		pubsub:  ps,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Net == nil || cfg.Net.Discovery.IsMDNSEnabled() {
		net.mdns = NewMDNSDiscovery(h, cfg.Metrics)
		if err := net.mdns.Start(ctx); err != nil {
			net.Close()
			return nil, fmt.Errorf("failed to start mdns: %w", err)
		}
	}

	return net, nil
}

// Host returns the underlying libp2p host.
func (n *Network) Host() host.Host {
	return n.host
}

// PubSub returns the gossipsub router joined on this host.
func (n *Network) PubSub() *pubsub.PubSub {
	return n.pubsub
}

// PeerID returns the peer ID of this network node.
func (n *Network) PeerID() peer.ID {
	return n.host.ID()
}

// Close shuts down mDNS discovery, if running, and the libp2p host.
func (n *Network) Close() error {
	n.cancel()
	if n.mdns != nil {
		n.mdns.Close()
	}
	return n.host.Close()
}

// ParseRelayAddrs parses relay multiaddrs into peer.AddrInfo slices,
// deduplicating by peer ID and merging addresses for the same relay peer.
func ParseRelayAddrs(relayAddrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	seen := make(map[peer.ID]bool)

	for _, s := range relayAddrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid relay addr %s: %w", s, err)
		}
		ai, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("cannot parse relay addr %s: %w", s, err)
		}
		if !seen[ai.ID] {
			seen[ai.ID] = true
			infos = append(infos, *ai)
			continue
		}
		for i := range infos {
			if infos[i].ID == ai.ID {
				infos[i].Addrs = append(infos[i].Addrs, ai.Addrs...)
			}
		}
	}
	return infos, nil
}
