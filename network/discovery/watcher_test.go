package discovery

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrylos-labs/clcat/crypto"
)

func testPeer(t *testing.T) peer.ID {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id.ID
}

func nextEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no discovery event")
		return Event{}
	}
}

func nextEventWithin(t *testing.T, w *Watcher, d time.Duration) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(d):
		t.Fatal("no discovery event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %s for %s", ev.Kind, ev.Peer.ID)
	default:
	}
}

func TestArrivedOncePerPeer(t *testing.T) {
	self := testPeer(t)
	w := newWatcher(self, Config{TTL: time.Minute}, nil)
	defer w.Close()

	other := peer.AddrInfo{ID: testPeer(t), Addrs: []ma.Multiaddr{ma.StringCast("/ip4/192.168.1.5/tcp/4001")}}
	w.HandlePeerFound(other)
	w.HandlePeerFound(other)

	ev := nextEvent(t, w)
	assert.Equal(t, Arrived, ev.Kind)
	assert.Equal(t, other.ID, ev.Peer.ID)
	assert.Len(t, ev.Peer.Addrs, 1)
	assertNoEvent(t, w)
	assert.Equal(t, 1, w.Known())
}

func TestIgnoresSelf(t *testing.T) {
	self := testPeer(t)
	w := newWatcher(self, Config{}, nil)
	defer w.Close()

	w.HandlePeerFound(peer.AddrInfo{ID: self})
	assertNoEvent(t, w)
	assert.Equal(t, 0, w.Known())
}

func TestSweepExpiresAfterTTL(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	w := newWatcher(testPeer(t), Config{TTL: time.Minute}, func(peer.ID) bool { return false })
	defer w.Close()
	w.now = func() time.Time { return start }

	other := testPeer(t)
	w.HandlePeerFound(peer.AddrInfo{ID: other})
	require.Equal(t, Arrived, nextEvent(t, w).Kind)

	assert.Equal(t, 0, w.Sweep(start.Add(30*time.Second)))
	assertNoEvent(t, w)

	assert.Equal(t, 1, w.Sweep(start.Add(time.Minute)))
	ev := nextEvent(t, w)
	assert.Equal(t, Expired, ev.Kind)
	assert.Equal(t, other, ev.Peer.ID)
	assert.Equal(t, 0, w.Known())

	// A later sighting is a fresh arrival
	w.HandlePeerFound(peer.AddrInfo{ID: other})
	assert.Equal(t, Arrived, nextEvent(t, w).Kind)
}

func TestSweepKeepsConnectedPeers(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	connected := true
	w := newWatcher(testPeer(t), Config{TTL: time.Minute}, func(peer.ID) bool { return connected })
	defer w.Close()
	w.now = func() time.Time { return start }

	w.HandlePeerFound(peer.AddrInfo{ID: testPeer(t)})
	nextEvent(t, w)

	assert.Equal(t, 0, w.Sweep(start.Add(5*time.Minute)))
	assert.Equal(t, 1, w.Known())

	connected = false
	assert.Equal(t, 0, w.Sweep(start.Add(5*time.Minute+30*time.Second)), "refreshed at last sweep")
	assert.Equal(t, 1, w.Sweep(start.Add(6*time.Minute)))
}

func TestSightingAfterRecordExpiryRefreshes(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	now := start
	w := newWatcher(testPeer(t), DefaultConfig(), func(peer.ID) bool { return false })
	defer w.Close()
	w.now = func() time.Time { return now }

	other := peer.AddrInfo{ID: testPeer(t)}
	w.HandlePeerFound(other)
	nextEvent(t, w)

	// The browser reports the peer again once its first record has expired.
	now = start.Add(RecordTTL + 30*time.Second)
	w.HandlePeerFound(other)
	assertNoEvent(t, w)

	assert.Equal(t, 0, w.Sweep(start.Add(MinTTL)), "still advertising")
	assert.Equal(t, 0, w.Sweep(now.Add(RecordTTL)))
	assert.Equal(t, 1, w.Sweep(now.Add(MinTTL)))
}

func TestUnconnectedPeerOutlivesOneRecord(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	w := newWatcher(testPeer(t), DefaultConfig(), func(peer.ID) bool { return false })
	defer w.Close()
	w.now = func() time.Time { return start }

	w.HandlePeerFound(peer.AddrInfo{ID: testPeer(t)})
	nextEvent(t, w)

	// No sighting can arrive before the record expires, so no expiry either.
	assert.Equal(t, 0, w.Sweep(start.Add(2*time.Minute)))
	assert.Equal(t, 0, w.Sweep(start.Add(RecordTTL)))
	assert.Equal(t, 1, w.Known())
}

func TestNewWatcherRaisesShortTTL(t *testing.T) {
	h, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	defer h.Close()

	w := NewWatcher(h, Config{TTL: 2 * time.Minute})
	defer w.Close()
	assert.Equal(t, MinTTL, w.cfg.TTL)

	longer := NewWatcher(h, Config{TTL: 2 * MinTTL})
	defer longer.Close()
	assert.Equal(t, 2*MinTTL, longer.cfg.TTL)
}

func TestSweepLoopWithTinyTTL(t *testing.T) {
	w := newWatcher(testPeer(t), Config{TTL: time.Nanosecond}, func(peer.ID) bool { return false })
	w.HandlePeerFound(peer.AddrInfo{ID: testPeer(t)})
	nextEvent(t, w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.sweepLoop()
	}()

	ev := nextEventWithin(t, w, 3*time.Second)
	assert.Equal(t, Expired, ev.Kind)
	require.NoError(t, w.Close())
	<-done
}

func TestStartWithoutHost(t *testing.T) {
	w := newWatcher(testPeer(t), Config{}, nil)
	defer w.Close()
	require.Error(t, w.Start())
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "arrived", Arrived.String())
	assert.Equal(t, "expired", Expired.String())
	assert.Equal(t, "EventKind(9)", EventKind(9).String())
}
