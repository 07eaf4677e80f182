// Package discovery watches the local network for peers advertising the
// node's mDNS service and reports their arrival and expiry.
//
// Go's mDNS service only reports sightings, and reports a peer again only
// after its advertised record has expired (RecordTTL). Expiry is derived from
// that: a peer not sighted again within TTL, which is never shorter than one
// record lifetime plus a requery window, and that the host is not connected
// to, is reported as expired.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

var log = logging.Logger("clcat/discovery")

// EventKind distinguishes arrivals from expiries.
type EventKind int

const (
	Arrived EventKind = iota
	Expired
)

func (k EventKind) String() string {
	switch k {
	case Arrived:
		return "arrived"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a single discovery observation.
type Event struct {
	Kind EventKind
	Peer peer.AddrInfo
}

// RecordTTL is the lifetime of the records the mDNS service advertises. The
// browser suppresses repeat sightings of a peer until its record expires.
const RecordTTL = 3200 * time.Second

// MinTTL is the shortest expiry NewWatcher accepts: one record lifetime plus
// time for the browser to requery and report the peer again.
const MinTTL = RecordTTL + 2*time.Minute

// minSweepInterval bounds how often the expiry sweep runs.
const minSweepInterval = time.Second

// Config for the watcher.
type Config struct {
	ServiceName string
	TTL         time.Duration
	Buffer      int
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		ServiceName: "clcat",
		TTL:         MinTTL,
		Buffer:      64,
	}
}

// Watcher implements mdns.Notifee and turns sightings into an event stream.
type Watcher struct {
	self      peer.ID
	cfg       Config
	host      host.Host
	connected func(peer.ID) bool
	now       func() time.Time

	service mdns.Service
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	known map[peer.ID]time.Time
}

var _ mdns.Notifee = (*Watcher)(nil)

// NewWatcher creates a watcher for h. Call Start to begin advertising and
// browsing. A TTL shorter than MinTTL is raised to MinTTL, since a peer that
// is still advertising would otherwise expire before mDNS can report it again.
func NewWatcher(h host.Host, cfg Config) *Watcher {
	if cfg.TTL > 0 && cfg.TTL < MinTTL {
		log.Warnw("discovery ttl raised to the mDNS record lifetime", "configured", cfg.TTL, "ttl", MinTTL)
		cfg.TTL = MinTTL
	}
	w := newWatcher(h.ID(), cfg, func(p peer.ID) bool {
		return h.Network().Connectedness(p) == network.Connected
	})
	w.host = h
	return w
}

func newWatcher(self peer.ID, cfg Config, connected func(peer.ID) bool) *Watcher {
	def := DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		self:      self,
		cfg:       cfg,
		connected: connected,
		now:       time.Now,
		events:    make(chan Event, cfg.Buffer),
		ctx:       ctx,
		cancel:    cancel,
		known:     make(map[peer.ID]time.Time),
	}
}

// Start begins mDNS advertisement and browsing plus the expiry sweep.
// A watcher cannot be restarted.
func (w *Watcher) Start() error {
	if w.host == nil {
		return fmt.Errorf("watcher has no host")
	}
	if w.service != nil {
		return fmt.Errorf("watcher already started")
	}

	w.service = mdns.NewMdnsService(w.host, w.cfg.ServiceName, w)
	if err := w.service.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS discovery: %w", err)
	}
	log.Infow("mDNS discovery started", "service", w.cfg.ServiceName, "ttl", w.cfg.TTL)

	go w.sweepLoop()
	return nil
}

// Events returns the infinite stream of discovery events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// HandlePeerFound is called by the mDNS service for every sighting.
func (w *Watcher) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == w.self || pi.ID == "" {
		return
	}

	w.mu.Lock()
	_, seen := w.known[pi.ID]
	w.known[pi.ID] = w.now()
	w.mu.Unlock()

	if seen {
		return
	}
	log.Debugw("mDNS sighting", "peer", pi.ID, "addrs", pi.Addrs)
	w.emit(Event{Kind: Arrived, Peer: pi})
}

// Sweep expires every peer last seen more than TTL before now and not connected.
// It returns the number of peers expired.
func (w *Watcher) Sweep(now time.Time) int {
	var expired []peer.ID

	w.mu.Lock()
	for id, last := range w.known {
		if now.Sub(last) < w.cfg.TTL {
			continue
		}
		if w.connected != nil && w.connected(id) {
			w.known[id] = now
			continue
		}
		delete(w.known, id)
		expired = append(expired, id)
	}
	w.mu.Unlock()

	for _, id := range expired {
		w.emit(Event{Kind: Expired, Peer: peer.AddrInfo{ID: id}})
	}
	return len(expired)
}

// Known returns how many peers are currently considered present.
func (w *Watcher) Known() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.known)
}

func (w *Watcher) sweepLoop() {
	interval := w.cfg.TTL / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep(w.now())
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

// Close stops the mDNS service and the sweep. Pending sends are abandoned.
func (w *Watcher) Close() error {
	w.cancel()
	if w.service != nil {
		return w.service.Close()
	}
	return nil
}
