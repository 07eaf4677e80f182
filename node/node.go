package node

// node/node.go - Gossip node wiring: identity, transport, router, discovery, session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/thrylos-labs/clcat/config"
	"github.com/thrylos-labs/clcat/crypto"
	"github.com/thrylos-labs/clcat/network/discovery"
	"github.com/thrylos-labs/clcat/network/gossip"
	"github.com/thrylos-labs/clcat/network/topics"
	"github.com/thrylos-labs/clcat/network/transport"
)

var log = logging.Logger("clcat/node")

// Node owns every component of a running gossip node.
type Node struct {
	config      *config.Config
	fork        topics.ForkName
	identity    *crypto.Identity
	listenAddrs []ma.Multiaddr
	dialPeers   []peer.AddrInfo
	input       io.Reader

	transport *transport.Transport
	router    *gossip.Router
	watcher   *discovery.Watcher
	session   *Session

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	isRunning bool
}

// New validates cfg, parses every address and builds the host. Nothing is
// bound until Start. Lines read from input are published; input may be nil.
func New(cfg *config.Config, input io.Reader) (*Node, error) {
	if cfg == nil {
		return nil, newError(CodeConfig, "config cannot be nil", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, newError(CodeConfig, "invalid configuration", err)
	}
	fork, _ := cfg.ForkName()

	listenAddrs, err := parseAddrs(cfg.Network.ListenAddrs)
	if err != nil {
		return nil, newError(CodeMalformedAddr, "invalid listen address", err)
	}

	var dialPeers []peer.AddrInfo
	for _, s := range cfg.Network.DialAddrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, newError(CodeMalformedAddr, "invalid dial address", fmt.Errorf("%q: %w", s, err))
		}
		info, err := transport.ParseDialAddr(addr)
		if err != nil {
			return nil, newError(CodeMalformedAddr, "invalid dial address", err)
		}
		dialPeers = append(dialPeers, *info)
	}

	if len(listenAddrs) == 0 && len(dialPeers) == 0 {
		listenAddrs, _ = parseAddrs(transport.DefaultListenAddrs)
	}

	identity, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, newError(CodeIdentity, "failed to generate identity", err)
	}

	tr, err := transport.New(identity, transport.Config{
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
		ConnLow:          cfg.Network.ConnLow,
		ConnHigh:         cfg.Network.ConnHigh,
		ConnGracePeriod:  cfg.Network.ConnGracePeriod,
	})
	if err != nil {
		return nil, newError(CodeTransport, "failed to create transport", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		config:      cfg,
		fork:        fork,
		identity:    identity,
		listenAddrs: listenAddrs,
		dialPeers:   dialPeers,
		input:       input,
		transport:   tr,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func parseAddrs(ss []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(ss))
	for _, s := range ss {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Start binds listeners, joins the fork's topics, starts discovery and queues
// the configured dials.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.isRunning {
		return fmt.Errorf("node is already running")
	}

	log.Infow("Local peer id", "peer", n.identity.ID)

	for _, addr := range n.listenAddrs {
		if err := n.transport.Listen(ctx, addr); err != nil {
			return newError(CodeListen, "failed to bind listen address", err)
		}
	}

	router, err := gossip.NewRouter(n.ctx, n.transport.Host(), gossip.Config{
		MaxMessageSize:    n.config.Gossip.MaxMessageSize,
		HeartbeatInterval: n.config.Gossip.HeartbeatInterval,
		PublishRate:       n.config.Gossip.PublishRate,
		PublishBurst:      n.config.Gossip.PublishBurst,
		InboundBuffer:     n.config.Gossip.InboundBuffer,
	})
	if err != nil {
		return newError(CodeClientInit, "failed to start gossip router", err)
	}
	n.router = router

	for _, t := range topics.TopicsFor(n.fork) {
		if err := router.Subscribe(t.String()); err != nil {
			return newError(CodeSubscribe, "failed to subscribe", err)
		}
	}

	var discoveryEvents <-chan discovery.Event
	if n.config.Network.EnableMDNS {
		n.watcher = discovery.NewWatcher(n.transport.Host(), discovery.Config{
			ServiceName: n.config.Network.MDNSServiceName,
			TTL:         n.config.Network.DiscoveryTTL,
		})
		if err := n.watcher.Start(); err != nil {
			return newError(CodeClientInit, "failed to start discovery", err)
		}
		discoveryEvents = n.watcher.Events()
	}

	var lines <-chan string
	if n.input != nil {
		lines = ReadLines(n.ctx, n.input)
	}

	n.session = NewSession(SessionConfig{
		Self:      n.identity.ID,
		Fork:      n.fork,
		Router:    router,
		Dialer:    n.transport,
		Lines:     lines,
		Discovery: discoveryEvents,
		Inbound:   router.Inbound(),
		Network:   n.transport.Events(),
	})

	for _, info := range n.dialPeers {
		n.session.Dial(n.ctx, info)
	}

	n.isRunning = true
	return nil
}

// Run drives the session loop until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	session := n.session
	n.mu.Unlock()

	if session == nil {
		return errors.New("node is not started")
	}
	return session.Run(ctx)
}

// Status returns a snapshot from the running session.
func (n *Node) Status(ctx context.Context) (*Status, error) {
	n.mu.Lock()
	session := n.session
	n.mu.Unlock()

	if session == nil {
		return nil, errors.New("node is not started")
	}
	return session.Status(ctx)
}

// ID returns the local peer ID.
func (n *Node) ID() peer.ID {
	return n.identity.ID
}

// ListenAddrs returns the bound addresses, each with the local /p2p suffix.
func (n *Node) ListenAddrs() []ma.Multiaddr {
	suffix := ma.StringCast("/p2p/" + n.identity.ID.String())
	var out []ma.Multiaddr
	for _, a := range n.transport.ListenAddrs() {
		out = append(out, a.Encapsulate(suffix))
	}
	return out
}

// Close stops discovery, the router and the host.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cancel()

	var errs []error
	if n.watcher != nil {
		if err := n.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close discovery: %w", err))
		}
	}
	if n.router != nil {
		if err := n.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
	}
	if err := n.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	n.isRunning = false
	return errors.Join(errs...)
}
