package node

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/thrylos-labs/clcat/network/discovery"
	"github.com/thrylos-labs/clcat/network/gossip"
	"github.com/thrylos-labs/clcat/network/topics"
	"github.com/thrylos-labs/clcat/network/transport"
	"github.com/thrylos-labs/clcat/telemetry"
)

// Router is the part of the gossip router the session drives.
type Router interface {
	Publish(ctx context.Context, topic string, data []byte) (gossip.MessageID, error)
	AddExplicitPeer(info peer.AddrInfo) bool
	RemoveExplicitPeer(id peer.ID) bool
	ExplicitPeers() []gossip.PeerRecord
	Topics() []string
	SeenCount() int
	Failures() map[peer.ID]uint64
}

// Dialer is the part of the transport the session drives.
type Dialer interface {
	DialPeer(ctx context.Context, info peer.AddrInfo) (*transport.Link, error)
	Link(p peer.ID) (*transport.Link, bool)
	ListenAddrs() []ma.Multiaddr
}

// SessionConfig wires a session to its collaborators and event sources.
// Any source may be nil.
type SessionConfig struct {
	Self   peer.ID
	Fork   topics.ForkName
	Router Router
	Dialer Dialer

	Lines     <-chan string
	Discovery <-chan discovery.Event
	Inbound   <-chan gossip.Message
	Network   <-chan interface{}
}

// recentMessages bounds the inbound history kept for status.
const recentMessages = 32

// SessionState is owned by the loop and never touched from another goroutine.
type SessionState struct {
	Fork     topics.ForkName
	Links    map[peer.ID]*transport.Link
	Received uint64
	Recent   []MessageStatus
}

type dialResult struct {
	peer peer.ID
	link *transport.Link
	err  error
}

type statusRequest struct {
	ResponseCh chan *Status
}

// Session is the node's single-threaded event loop. Every event is handled
// to completion before the next one is taken.
type Session struct {
	self   peer.ID
	router Router
	dialer Dialer
	state  SessionState

	lines     <-chan string
	discovery <-chan discovery.Event
	inbound   <-chan gossip.Message
	network   <-chan interface{}

	dials    chan dialResult
	statusCh chan statusRequest
	done     chan struct{}
}

// NewSession creates a session. It does nothing until Run is called.
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		self:   cfg.Self,
		router: cfg.Router,
		dialer: cfg.Dialer,
		state: SessionState{
			Fork:  cfg.Fork,
			Links: make(map[peer.ID]*transport.Link),
		},
		lines:     cfg.Lines,
		discovery: cfg.Discovery,
		inbound:   cfg.Inbound,
		network:   cfg.Network,
		dials:     make(chan dialResult, 16),
		statusCh:  make(chan statusRequest),
		done:      make(chan struct{}),
	}
}

// Run processes events until ctx is done. Select picks uniformly among ready
// sources so none of them can starve the others. Closed sources are dropped
// from the merge; the loop keeps running on whatever remains.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	lines, disc, inbound, netEvents := s.lines, s.discovery, s.inbound, s.network
	for {
		select {
		case <-ctx.Done():
			log.Infow("session stopped")
			return nil

		case line, ok := <-lines:
			if !ok {
				log.Infow("local input closed, continuing on network events")
				lines = nil
				continue
			}
			s.handleLine(ctx, line)

		case ev, ok := <-disc:
			if !ok {
				disc = nil
				continue
			}
			s.handleDiscovery(ctx, ev)

		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			s.handleInbound(msg)

		case ev, ok := <-netEvents:
			if !ok {
				netEvents = nil
				continue
			}
			s.handleNetwork(ev)

		case res := <-s.dials:
			s.handleDial(res)

		case req := <-s.statusCh:
			req.ResponseCh <- s.snapshot()
		}
	}
}

// handleLine publishes one input line to every topic of the current fork.
func (s *Session) handleLine(ctx context.Context, line string) {
	data := []byte(line)
	for _, t := range topics.TopicsFor(s.state.Fork) {
		id, err := s.router.Publish(ctx, t.String(), data)
		switch {
		case err == nil:
			log.Infow("published", "topic", t.Kind, "id", id)
		case errors.Is(err, gossip.ErrDuplicate):
			log.Infow("already published", "topic", t.Kind, "id", id.Short())
		default:
			log.Warnw("publish failed", "topic", t.Kind, "id", id.Short(), "error", err)
		}
	}
}

func (s *Session) handleDiscovery(ctx context.Context, ev discovery.Event) {
	telemetry.DiscoveryEvents.WithLabelValues(ev.Kind.String()).Inc()

	switch ev.Kind {
	case discovery.Arrived:
		log.Infow("discovered peer", "peer", ev.Peer.ID, "addrs", ev.Peer.Addrs)
		if !s.router.AddExplicitPeer(ev.Peer) {
			return
		}
		if _, linked := s.state.Links[ev.Peer.ID]; !linked && len(ev.Peer.Addrs) > 0 {
			s.dialAsync(ctx, ev.Peer)
		}

	case discovery.Expired:
		log.Infow("peer expired", "peer", ev.Peer.ID)
		s.router.RemoveExplicitPeer(ev.Peer.ID)
	}
}

func (s *Session) handleInbound(msg gossip.Message) {
	text := strings.ToValidUTF8(string(msg.Data), "\uFFFD")
	s.state.Received++
	log.Infow("got message",
		"peer", msg.From,
		"via", msg.ReceivedFrom,
		"id", msg.ID,
		"text", text,
	)

	if len(s.state.Recent) == recentMessages {
		s.state.Recent = append(s.state.Recent[:0], s.state.Recent[1:]...)
	}
	s.state.Recent = append(s.state.Recent, MessageStatus{
		ID:    msg.ID.String(),
		From:  msg.From.String(),
		Via:   msg.ReceivedFrom.String(),
		Topic: msg.Topic,
		Text:  text,
	})
}

func (s *Session) handleNetwork(ev interface{}) {
	switch e := ev.(type) {
	case event.EvtLocalAddressesUpdated:
		for _, a := range e.Current {
			if a.Action != event.Added {
				continue
			}
			addr := a.Address
			if s.self != "" {
				addr = addr.Encapsulate(ma.StringCast("/p2p/" + s.self.String()))
			}
			log.Infow("Local node is listening on", "address", addr)
		}

	case event.EvtPeerConnectednessChanged:
		switch e.Connectedness {
		case network.Connected:
			if link, ok := s.dialer.Link(e.Peer); ok {
				s.trackLink(link)
			}
		case network.NotConnected:
			s.untrackLink(e.Peer)
		}
	}
}

func (s *Session) handleDial(res dialResult) {
	if res.err != nil {
		telemetry.DialTotal.WithLabelValues("error").Inc()
		log.Warnw("dial failed", "peer", res.peer, "error", res.err)
		return
	}
	telemetry.DialTotal.WithLabelValues("ok").Inc()
	log.Infow("dialled peer", "link", res.link.String())
	s.trackLink(res.link)
}

// trackLink records at most one link per remote peer.
func (s *Session) trackLink(link *transport.Link) {
	if _, ok := s.state.Links[link.Peer]; ok {
		return
	}
	s.state.Links[link.Peer] = link
	telemetry.Links.WithLabelValues(link.Transport).Inc()
	log.Infow("link established", "peer", link.Peer, "transport", link.Transport, "muxer", link.Muxer, "direction", link.Direction)
}

func (s *Session) untrackLink(p peer.ID) {
	link, ok := s.state.Links[p]
	if !ok {
		return
	}
	delete(s.state.Links, p)
	telemetry.Links.WithLabelValues(link.Transport).Dec()
	log.Infow("link closed", "peer", p)
}

// dialAsync runs the transport race off the loop and posts the result back.
func (s *Session) dialAsync(ctx context.Context, info peer.AddrInfo) {
	log.Infow("dialling", "peer", info.ID, "addrs", info.Addrs)
	go func() {
		link, err := s.dialer.DialPeer(ctx, info)
		select {
		case s.dials <- dialResult{peer: info.ID, link: link, err: err}:
		case <-ctx.Done():
		}
	}()
}

// Dial starts an outbound dial. The result is handled by the loop.
func (s *Session) Dial(ctx context.Context, info peer.AddrInfo) {
	s.dialAsync(ctx, info)
}

// LinkStatus describes one tracked link.
type LinkStatus struct {
	Peer       string    `json:"peer"`
	Transport  string    `json:"transport"`
	Security   string    `json:"security"`
	Muxer      string    `json:"muxer"`
	RemoteAddr string    `json:"remote_addr"`
	Direction  string    `json:"direction"`
	Opened     time.Time `json:"opened"`
}

// MessageStatus describes one received message.
type MessageStatus struct {
	ID    string `json:"id"`
	From  string `json:"from"`
	Via   string `json:"via"`
	Topic string `json:"topic"`
	Text  string `json:"text"`
}

// Status is a point-in-time view of the session.
type Status struct {
	PeerID           string            `json:"peer_id"`
	Fork             string            `json:"fork"`
	ForkDigest       string            `json:"fork_digest"`
	ListenAddrs      []string          `json:"listen_addrs"`
	Links            []LinkStatus      `json:"links"`
	ExplicitPeers    []string          `json:"explicit_peers"`
	Topics           []string          `json:"topics"`
	SeenMessages     int               `json:"seen_messages"`
	ReceivedMessages uint64            `json:"received_messages"`
	RecentMessages   []MessageStatus   `json:"recent_messages"`
	LinkFailures     map[string]uint64 `json:"link_failures,omitempty"`
}

// Status asks the loop for a snapshot. It fails if the loop has stopped or
// ctx ends first.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	req := statusRequest{ResponseCh: make(chan *Status, 1)}
	select {
	case s.statusCh <- req:
	case <-s.done:
		return nil, errors.New("session is not running")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case st := <-req.ResponseCh:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) snapshot() *Status {
	st := &Status{
		PeerID:           s.self.String(),
		Fork:             s.state.Fork.String(),
		ForkDigest:       s.state.Fork.Digest().String(),
		Links:            make([]LinkStatus, 0, len(s.state.Links)),
		Topics:           s.router.Topics(),
		SeenMessages:     s.router.SeenCount(),
		ReceivedMessages: s.state.Received,
		RecentMessages:   append([]MessageStatus(nil), s.state.Recent...),
	}

	for _, a := range s.dialer.ListenAddrs() {
		st.ListenAddrs = append(st.ListenAddrs, a.String())
	}
	for _, l := range s.state.Links {
		st.Links = append(st.Links, LinkStatus{
			Peer:       l.Peer.String(),
			Transport:  l.Transport,
			Security:   string(l.Security),
			Muxer:      string(l.Muxer),
			RemoteAddr: multiaddrString(l.RemoteAddr),
			Direction:  l.Direction.String(),
			Opened:     l.Opened,
		})
	}
	sort.Slice(st.Links, func(i, j int) bool { return st.Links[i].Peer < st.Links[j].Peer })

	for _, rec := range s.router.ExplicitPeers() {
		st.ExplicitPeers = append(st.ExplicitPeers, rec.ID.String())
	}
	if failures := s.router.Failures(); len(failures) > 0 {
		st.LinkFailures = make(map[string]uint64, len(failures))
		for p, n := range failures {
			st.LinkFailures[p.String()] = n
		}
	}
	return st
}

func multiaddrString(a ma.Multiaddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
