// Package gossip wraps a libp2p gossipsub instance with the node's relay
// rules: every message is signed, ids are content addresses, duplicates are
// dropped for the life of the process, and discovered peers are kept in an
// explicit relay set.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/thrylos-labs/clcat/telemetry"
)

var log = logging.Logger("clcat/gossip")

var (
	// ErrInsufficientPeers is returned when nobody is subscribed to the topic.
	ErrInsufficientPeers = errors.New("no peers subscribed to topic")
	// ErrDuplicate is returned when the payload was already published or received.
	ErrDuplicate = errors.New("duplicate message")
	// ErrMessageTooLarge is returned when the payload exceeds the frame ceiling.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// explicitTag protects explicit peers from connection trimming.
const explicitTag = "clcat-explicit"

// envelopeOverhead is the room left on top of the payload ceiling for the
// signature, key, sequence number and topic.
const envelopeOverhead = 4 << 10

// Config holds router tuning.
type Config struct {
	MaxMessageSize    int
	HeartbeatInterval time.Duration
	PublishRate       float64
	PublishBurst      int
	InboundBuffer     int
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    1 << 20,
		HeartbeatInterval: 10 * time.Second,
		PublishRate:       100,
		PublishBurst:      200,
		InboundBuffer:     256,
	}
}

// Message is an accepted inbound message.
type Message struct {
	ID           MessageID
	From         peer.ID
	ReceivedFrom peer.ID
	Topic        string
	Data         []byte
}

// PeerRecord is one member of the explicit relay set.
type PeerRecord struct {
	ID    peer.ID
	Addrs []ma.Multiaddr
}

type joinedTopic struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// Router owns the pubsub instance, the joined topics and the explicit peer set.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc

	host    host.Host
	ps      *pubsub.PubSub
	cfg     Config
	tracer  *tracer
	limiter *rate.Limiter
	seen    *seenSet
	inbound chan Message

	topicsMu sync.RWMutex
	topics   map[string]*joinedTopic
	order    []string

	explicitMu sync.Mutex
	explicit   map[peer.ID]PeerRecord
}

// NewRouter starts gossipsub on h.
func NewRouter(ctx context.Context, h host.Host, cfg Config) (*Router, error) {
	def := DefaultConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PublishRate <= 0 {
		cfg.PublishRate = def.PublishRate
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = def.PublishBurst
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = def.InboundBuffer
	}

	ctx, cancel := context.WithCancel(ctx)
	tr := newTracer()

	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = cfg.HeartbeatInterval

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(messageIDFn),
		pubsub.WithMaxMessageSize(cfg.MaxMessageSize+envelopeOverhead),
		pubsub.WithGossipSubParams(params),
		pubsub.WithFloodPublish(true),
		pubsub.WithRawTracer(tr),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}

	return &Router{
		ctx:      ctx,
		cancel:   cancel,
		host:     h,
		ps:       ps,
		cfg:      cfg,
		tracer:   tr,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst),
		seen:     newSeenSet(),
		inbound:  make(chan Message, cfg.InboundBuffer),
		topics:   make(map[string]*joinedTopic),
		explicit: make(map[peer.ID]PeerRecord),
	}, nil
}

// getOrJoinTopic returns an existing topic or joins a new one
func (r *Router) getOrJoinTopic(name string) (*joinedTopic, error) {
	r.topicsMu.RLock()
	if jt, ok := r.topics[name]; ok {
		r.topicsMu.RUnlock()
		return jt, nil
	}
	r.topicsMu.RUnlock()

	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()

	if jt, ok := r.topics[name]; ok {
		return jt, nil
	}

	if err := r.ps.RegisterTopicValidator(name, r.validate); err != nil {
		return nil, fmt.Errorf("failed to register validator for %s: %w", name, err)
	}
	t, err := r.ps.Join(name)
	if err != nil {
		r.ps.UnregisterTopicValidator(name)
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}

	jt := &joinedTopic{topic: t}
	r.topics[name] = jt
	r.order = append(r.order, name)
	return jt, nil
}

// validate runs inside pubsub before a message is delivered or relayed.
// Rejected messages are never forwarded.
func (r *Router) validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if _, err := verifySignature(msg.Message); err != nil {
		return pubsub.ValidationReject
	}
	return pubsub.ValidationAccept
}

// Subscribe joins topic and starts delivering its messages to Inbound.
// Subscribing again is a no-op.
func (r *Router) Subscribe(topic string) error {
	jt, err := r.getOrJoinTopic(topic)
	if err != nil {
		return err
	}

	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	if jt.sub != nil {
		return nil
	}

	sub, err := jt.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	jt.sub = sub
	log.Infow("subscribed", "topic", topic)

	go r.consume(topic, sub)
	return nil
}

func (r *Router) consume(topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(r.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				log.Warnw("topic consumer stopped", "topic", topic, "error", err)
			}
			return
		}

		accepted, ok := r.Accept(msg.Message, msg.ReceivedFrom)
		if !ok {
			continue
		}

		select {
		case r.inbound <- accepted:
		case <-r.ctx.Done():
			return
		}
	}
}

// Accept validates a received frame. It returns false for frames that are
// unsigned, badly signed, looped back from the local node, or already seen.
func (r *Router) Accept(m *pb.Message, receivedFrom peer.ID) (Message, bool) {
	if m == nil {
		return Message{}, false
	}
	if receivedFrom == r.host.ID() {
		return Message{}, false
	}

	from, err := verifySignature(m)
	if err != nil {
		telemetry.MessagesDropped.WithLabelValues("signature").Inc()
		log.Debugw("dropping message", "from", receivedFrom, "error", err)
		return Message{}, false
	}

	if !r.seen.Add(digestOf(m.GetData())) {
		telemetry.MessagesDropped.WithLabelValues("duplicate").Inc()
		return Message{}, false
	}

	telemetry.MessagesReceived.Inc()
	return Message{
		ID:           MessageIDOf(m.GetData()),
		From:         from,
		ReceivedFrom: receivedFrom,
		Topic:        m.GetTopic(),
		Data:         m.GetData(),
	}, true
}

// Publish signs data and floods it to every peer subscribed to topic.
// Sends are paced by the limiter rather than dropped. The id is only recorded
// as seen once the publish succeeds.
func (r *Router) Publish(ctx context.Context, topic string, data []byte) (MessageID, error) {
	digest := digestOf(data)
	id := MessageIDOf(data)

	if r.seen.Has(digest) {
		telemetry.PublishTotal.WithLabelValues("duplicate").Inc()
		return id, ErrDuplicate
	}
	if len(data) > r.cfg.MaxMessageSize {
		telemetry.PublishTotal.WithLabelValues("too_large").Inc()
		return id, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), r.cfg.MaxMessageSize)
	}
	jt, err := r.getOrJoinTopic(topic)
	if err != nil {
		telemetry.PublishTotal.WithLabelValues("error").Inc()
		return id, err
	}
	if len(jt.topic.ListPeers()) == 0 {
		telemetry.PublishTotal.WithLabelValues("no_peers").Inc()
		return id, ErrInsufficientPeers
	}
	if err := r.limiter.Wait(ctx); err != nil {
		telemetry.PublishTotal.WithLabelValues("cancelled").Inc()
		return id, fmt.Errorf("publish to topic %s not sent: %w", topic, err)
	}

	if err := jt.topic.Publish(ctx, data); err != nil {
		telemetry.PublishTotal.WithLabelValues("error").Inc()
		return id, fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	r.seen.Add(digest)
	telemetry.PublishTotal.WithLabelValues("ok").Inc()
	return id, nil
}

// AddExplicitPeer adds info to the relay set and protects its connections.
// It reports false if the peer was already present.
func (r *Router) AddExplicitPeer(info peer.AddrInfo) bool {
	if info.ID == "" || info.ID == r.host.ID() {
		return false
	}

	r.explicitMu.Lock()
	defer r.explicitMu.Unlock()

	if _, ok := r.explicit[info.ID]; ok {
		return false
	}
	addrs := append([]ma.Multiaddr(nil), info.Addrs...)
	r.explicit[info.ID] = PeerRecord{ID: info.ID, Addrs: addrs}
	if len(addrs) > 0 {
		r.host.Peerstore().AddAddrs(info.ID, addrs, peerstore.TempAddrTTL)
	}
	r.host.ConnManager().Protect(info.ID, explicitTag)
	telemetry.ExplicitPeers.Set(float64(len(r.explicit)))
	return true
}

// RemoveExplicitPeer drops id from the relay set. It reports false if the
// peer was not present.
func (r *Router) RemoveExplicitPeer(id peer.ID) bool {
	r.explicitMu.Lock()
	defer r.explicitMu.Unlock()

	if _, ok := r.explicit[id]; !ok {
		return false
	}
	delete(r.explicit, id)
	r.host.ConnManager().Unprotect(id, explicitTag)
	telemetry.ExplicitPeers.Set(float64(len(r.explicit)))
	return true
}

// ExplicitPeers returns the relay set ordered by peer id.
func (r *Router) ExplicitPeers() []PeerRecord {
	r.explicitMu.Lock()
	defer r.explicitMu.Unlock()

	out := make([]PeerRecord, 0, len(r.explicit))
	for _, rec := range r.explicit {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Topics returns joined topics in join order.
func (r *Router) Topics() []string {
	r.topicsMu.RLock()
	defer r.topicsMu.RUnlock()
	return append([]string(nil), r.order...)
}

// Peers returns the peers pubsub knows to be subscribed to topic.
func (r *Router) Peers(topic string) []peer.ID {
	return r.ps.ListPeers(topic)
}

// Failures returns dropped outbound RPC counts per peer link.
func (r *Router) Failures() map[peer.ID]uint64 {
	return r.tracer.failures()
}

// SeenCount returns the size of the dedup set.
func (r *Router) SeenCount() int {
	return r.seen.Len()
}

// Inbound delivers accepted messages from every subscribed topic.
func (r *Router) Inbound() <-chan Message {
	return r.inbound
}

// Close cancels every subscription and stops gossipsub.
func (r *Router) Close() error {
	r.topicsMu.Lock()
	for _, jt := range r.topics {
		if jt.sub != nil {
			jt.sub.Cancel()
		}
	}
	r.topicsMu.Unlock()

	r.cancel()
	return nil
}
