package gossip

import (
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/thrylos-labs/clcat/telemetry"
)

// tracer turns pubsub internals into per-peer failure reports. A dropped RPC
// only affects the one peer link it was queued for; fan-out to the others
// continues.
type tracer struct {
	mu      sync.Mutex
	dropped map[peer.ID]uint64
}

var _ pubsub.RawTracer = (*tracer)(nil)

func newTracer() *tracer {
	return &tracer{dropped: make(map[peer.ID]uint64)}
}

func (t *tracer) failures() map[peer.ID]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[peer.ID]uint64, len(t.dropped))
	for p, n := range t.dropped {
		out[p] = n
	}
	return out
}

func (t *tracer) DropRPC(rpc *pubsub.RPC, p peer.ID) {
	t.mu.Lock()
	t.dropped[p]++
	t.mu.Unlock()

	telemetry.RPCDropped.Inc()
	log.Warnw("dropped outbound RPC", "peer", p, "messages", len(rpc.GetPublish()))
}

func (t *tracer) RejectMessage(msg *pubsub.Message, reason string) {
	telemetry.MessagesDropped.WithLabelValues(reason).Inc()
	log.Debugw("message rejected", "from", msg.ReceivedFrom, "reason", reason)
}

func (t *tracer) UndeliverableMessage(msg *pubsub.Message) {
	log.Debugw("message undeliverable", "topic", msg.GetTopic(), "from", msg.ReceivedFrom)
}

func (t *tracer) ThrottlePeer(p peer.ID) {
	log.Warnw("peer throttled", "peer", p)
}

func (t *tracer) AddPeer(p peer.ID, proto protocol.ID) {
	log.Debugw("pubsub peer added", "peer", p, "protocol", proto)
}

func (t *tracer) RemovePeer(p peer.ID) {
	t.mu.Lock()
	delete(t.dropped, p)
	t.mu.Unlock()
	log.Debugw("pubsub peer removed", "peer", p)
}

func (t *tracer) Join(topic string) {}
func (t *tracer) Leave(topic string) {}
func (t *tracer) Graft(p peer.ID, topic string) {}
func (t *tracer) Prune(p peer.ID, topic string) {}
func (t *tracer) ValidateMessage(msg *pubsub.Message) {}
func (t *tracer) DeliverMessage(msg *pubsub.Message) {}
func (t *tracer) DuplicateMessage(msg *pubsub.Message) {}
func (t *tracer) RecvRPC(rpc *pubsub.RPC) {}
func (t *tracer) SendRPC(rpc *pubsub.RPC, p peer.ID) {}
