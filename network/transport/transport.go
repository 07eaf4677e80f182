// Package transport builds the node's dual-path connection layer.
//
// Path A is QUIC (encrypted and multiplexed by construction). Path B is raw TCP
// upgraded with a mandatory Noise handshake and yamux stream multiplexing.
// Both are registered on one libp2p host; dials race the two paths against each
// other and listens are routed to whichever path accepts the address. Either
// way the caller gets a Link, a transport-agnostic multiplexed connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	yamux "github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/thrylos-labs/clcat/crypto"
)

var log = logging.Logger("clcat/transport")

var (
	// ErrUnsupportedAddr is returned by a path that cannot handle an address.
	ErrUnsupportedAddr = errors.New("address not supported by transport")
	// ErrNoTransport is returned when neither path can handle any of the addresses.
	ErrNoTransport = errors.New("no transport for address")
	// ErrMissingPeerID is returned for dial addresses without a /p2p component.
	ErrMissingPeerID = errors.New(`dial address must end with /p2p/<peer-id>; the remote node logs its full address as "Local node is listening on"`)
	// ErrDialSelf is returned when asked to dial the local node.
	ErrDialSelf = errors.New("cannot dial self")
)

// Kind names one of the two transport paths.
type Kind string

const (
	KindQUIC Kind = "quic-v1"
	KindTCP  Kind = "tcp"
)

// DefaultListenAddrs are bound when no listen or dial address is configured:
// an ephemeral QUIC UDP port and an ephemeral TCP port on all interfaces.
var DefaultListenAddrs = []string{
	"/ip4/0.0.0.0/udp/0/quic-v1",
	"/ip4/0.0.0.0/tcp/0",
}

// Config holds transport tuning.
type Config struct {
	HandshakeTimeout time.Duration
	ConnLow          int
	ConnHigh         int
	ConnGracePeriod  time.Duration
	EventBuffer      int
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 20 * time.Second,
		ConnLow:          16,
		ConnHigh:         64,
		ConnGracePeriod:  30 * time.Second,
		EventBuffer:      256,
	}
}

// Link is an established, authenticated, multiplexed connection to one remote node.
type Link struct {
	Peer       peer.ID
	Transport  string
	Security   protocol.ID
	Muxer      protocol.ID
	RemoteAddr ma.Multiaddr
	Direction  network.Direction
	Opened     time.Time

	conn network.Conn
}

// NewStream opens a new logical stream over the link.
func (l *Link) NewStream(ctx context.Context) (network.Stream, error) {
	if l.conn == nil {
		return nil, errors.New("link has no connection")
	}
	return l.conn.NewStream(ctx)
}

func (l *Link) String() string {
	return fmt.Sprintf("%s via %s (%s)", l.Peer, l.Transport, l.RemoteAddr)
}

// Transport owns the libp2p host and its event subscription.
type Transport struct {
	host host.Host
	cfg  Config
	sub  event.Subscription
}

// New builds a host for id with both transport paths and no listeners.
// Listeners are added later with Listen.
func New(id *crypto.Identity, cfg Config) (*Transport, error) {
	if id == nil {
		return nil, errors.New("identity cannot be nil")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	cm, err := connmgr.NewConnManager(cfg.ConnLow, cfg.ConnHigh, connmgr.WithGracePeriod(cfg.ConnGracePeriod))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(id.PrivKey),
		libp2p.NoListenAddrs,
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(tcp.NewTCPTransport, tcp.WithConnectionTimeout(cfg.HandshakeTimeout)),
		// Noise is the only security protocol offered, so unauthenticated
		// TCP connections never complete the upgrade.
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
		libp2p.WithDialTimeout(cfg.HandshakeTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	sub, err := h.EventBus().Subscribe(
		[]interface{}{new(event.EvtLocalAddressesUpdated), new(event.EvtPeerConnectednessChanged)},
		eventbus.BufSize(cfg.EventBuffer),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to subscribe to host events: %w", err)
	}

	return &Transport{host: h, cfg: cfg, sub: sub}, nil
}

// Host returns the underlying libp2p host.
func (t *Transport) Host() host.Host {
	return t.host
}

// ID returns the local peer ID.
func (t *Transport) ID() peer.ID {
	return t.host.ID()
}

// Events delivers event.EvtLocalAddressesUpdated and
// event.EvtPeerConnectednessChanged values.
func (t *Transport) Events() <-chan interface{} {
	return t.sub.Out()
}

// Classify reports which path handles addr.
func Classify(addr ma.Multiaddr) (Kind, bool) {
	if addr == nil {
		return "", false
	}
	if _, err := addr.ValueForProtocol(ma.P_QUIC_V1); err == nil {
		return KindQUIC, true
	}
	if _, err := addr.ValueForProtocol(ma.P_UDP); err == nil {
		return "", false
	}
	if _, err := addr.ValueForProtocol(ma.P_TCP); err == nil {
		return KindTCP, true
	}
	return "", false
}

// Listen binds addr on whichever path accepts it.
func (t *Transport) Listen(ctx context.Context, addr ma.Multiaddr) error {
	_, err := Race(ctx, t.listenVia(KindQUIC, addr), t.listenVia(KindTCP, addr))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return nil
}

func (t *Transport) listenVia(kind Kind, addr ma.Multiaddr) Attempt[Kind] {
	return func(ctx context.Context) (Kind, error) {
		if k, ok := Classify(addr); !ok || k != kind {
			return "", fmt.Errorf("%s: %w", kind, ErrUnsupportedAddr)
		}
		if err := t.host.Network().Listen(addr); err != nil {
			return "", fmt.Errorf("%s: %w", kind, err)
		}
		return kind, nil
	}
}

// ListenAddrs returns the addresses the host is currently bound to.
func (t *Transport) ListenAddrs() []ma.Multiaddr {
	return t.host.Network().ListenAddresses()
}

// Dial parses a /p2p-terminated multiaddr and dials it.
func (t *Transport) Dial(ctx context.Context, addr ma.Multiaddr) (*Link, error) {
	info, err := ParseDialAddr(addr)
	if err != nil {
		return nil, err
	}
	return t.DialPeer(ctx, *info)
}

// ParseDialAddr splits a dial multiaddr into peer ID and transport address.
func ParseDialAddr(addr ma.Multiaddr) (*peer.AddrInfo, error) {
	if addr == nil {
		return nil, ErrMissingPeerID
	}
	if _, err := addr.ValueForProtocol(ma.P_P2P); err != nil {
		return nil, fmt.Errorf("%s: %w", addr, ErrMissingPeerID)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %s: %w", addr, err)
	}
	return info, nil
}

// DialPeer races a QUIC dial against a TCP dial to info, bounded by the
// handshake timeout. The losing attempt is cancelled.
func (t *Transport) DialPeer(ctx context.Context, info peer.AddrInfo) (*Link, error) {
	if info.ID == t.host.ID() {
		return nil, ErrDialSelf
	}

	var quicAddrs, tcpAddrs []ma.Multiaddr
	for _, a := range info.Addrs {
		switch k, _ := Classify(a); k {
		case KindQUIC:
			quicAddrs = append(quicAddrs, a)
		case KindTCP:
			tcpAddrs = append(tcpAddrs, a)
		}
	}
	if len(quicAddrs) == 0 && len(tcpAddrs) == 0 {
		if link, ok := t.Link(info.ID); ok {
			return link, nil
		}
		return nil, fmt.Errorf("dial %s: %w", info.ID, ErrNoTransport)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	link, err := Race(ctx,
		t.dialVia(KindQUIC, info.ID, quicAddrs),
		t.dialVia(KindTCP, info.ID, tcpAddrs),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", info.ID, err)
	}
	return link, nil
}

func (t *Transport) dialVia(kind Kind, id peer.ID, addrs []ma.Multiaddr) Attempt[*Link] {
	return func(ctx context.Context) (*Link, error) {
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%s: %w", kind, ErrUnsupportedAddr)
		}
		log.Debugw("dialling", "peer", id, "transport", kind, "addrs", addrs)
		if err := t.host.Connect(ctx, peer.AddrInfo{ID: id, Addrs: addrs}); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		link, ok := t.Link(id)
		if !ok {
			return nil, fmt.Errorf("%s: connection to %s closed during setup", kind, id)
		}
		return link, nil
	}
}

// Link returns the oldest live connection to p as a Link. Several
// connections to the same remote still yield a single Link.
func (t *Transport) Link(p peer.ID) (*Link, bool) {
	conns := t.host.Network().ConnsToPeer(p)
	if len(conns) == 0 {
		return nil, false
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Stat().Opened.Before(conns[j].Stat().Opened)
	})
	return newLink(conns[0]), true
}

func newLink(c network.Conn) *Link {
	state := c.ConnState()
	stat := c.Stat()
	transport := state.Transport
	if transport == "" {
		if k, ok := Classify(c.RemoteMultiaddr()); ok {
			transport = string(k)
		}
	}
	return &Link{
		Peer:       c.RemotePeer(),
		Transport:  transport,
		Security:   state.Security,
		Muxer:      state.StreamMultiplexer,
		RemoteAddr: c.RemoteMultiaddr(),
		Direction:  stat.Direction,
		Opened:     stat.Opened,
		conn:       c,
	}
}

// Close tears down the event subscription and the host.
func (t *Transport) Close() error {
	if t.sub != nil {
		t.sub.Close()
	}
	if err := t.host.Close(); err != nil {
		return fmt.Errorf("error closing libp2p host: %w", err)
	}
	return nil
}
