package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrylos-labs/clcat/crypto"
)

func newTestTransport(t *testing.T, listen ...string) *Transport {
	t.Helper()

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	tr, err := New(id, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	for _, s := range listen {
		require.NoError(t, tr.Listen(context.Background(), ma.StringCast(s)))
	}
	return tr
}

func addrOfKind(t *testing.T, tr *Transport, kind Kind) ma.Multiaddr {
	t.Helper()
	for _, a := range tr.ListenAddrs() {
		if k, ok := Classify(a); ok && k == kind {
			return a
		}
	}
	t.Fatalf("no %s listen address on %s", kind, tr.ID())
	return nil
}

func p2pAddr(t *testing.T, tr *Transport, kind Kind) ma.Multiaddr {
	t.Helper()
	return addrOfKind(t, tr, kind).Encapsulate(ma.StringCast("/p2p/" + tr.ID().String()))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		addr string
		kind Kind
		ok   bool
	}{
		{"/ip4/127.0.0.1/udp/4001/quic-v1", KindQUIC, true},
		{"/ip4/0.0.0.0/tcp/0", KindTCP, true},
		{"/ip6/::1/tcp/4001", KindTCP, true},
		{"/ip4/127.0.0.1/udp/4001", "", false},
		{"/dns4/example.com/tcp/443/ws", KindTCP, true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			kind, ok := Classify(ma.StringCast(tt.addr))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}

	_, ok := Classify(nil)
	assert.False(t, ok)
}

func TestListenBindsBothPaths(t *testing.T) {
	tr := newTestTransport(t, "/ip4/127.0.0.1/udp/0/quic-v1", "/ip4/127.0.0.1/tcp/0")

	assert.NotNil(t, addrOfKind(t, tr, KindQUIC))
	assert.NotNil(t, addrOfKind(t, tr, KindTCP))
}

func TestListenRejectsUnsupportedAddr(t *testing.T) {
	tr := newTestTransport(t)

	err := tr.Listen(context.Background(), ma.StringCast("/ip4/127.0.0.1/udp/0"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedAddr)
}

func TestListenEmitsAddressEvent(t *testing.T) {
	tr := newTestTransport(t, "/ip4/127.0.0.1/tcp/0")

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			upd, ok := ev.(event.EvtLocalAddressesUpdated)
			if !ok {
				continue
			}
			for _, a := range upd.Current {
				if k, ok := Classify(a.Address); ok && k == KindTCP {
					return
				}
			}
		case <-deadline:
			t.Fatal("no local address event after listen")
		}
	}
}

func TestDialOverEachPath(t *testing.T) {
	server := newTestTransport(t, "/ip4/127.0.0.1/udp/0/quic-v1", "/ip4/127.0.0.1/tcp/0")

	for _, kind := range []Kind{KindQUIC, KindTCP} {
		t.Run(string(kind), func(t *testing.T) {
			client := newTestTransport(t)

			link, err := client.Dial(context.Background(), p2pAddr(t, server, kind))
			require.NoError(t, err)
			assert.Equal(t, server.ID(), link.Peer)
			assert.Equal(t, string(kind), link.Transport)
			assert.Equal(t, network.DirOutbound, link.Direction)

			s, err := link.NewStream(context.Background())
			if err == nil {
				s.Reset()
			}
		})
	}
}

func TestDialRacesBothPaths(t *testing.T) {
	server := newTestTransport(t, "/ip4/127.0.0.1/udp/0/quic-v1", "/ip4/127.0.0.1/tcp/0")
	client := newTestTransport(t)

	info := peer.AddrInfo{
		ID:    server.ID(),
		Addrs: []ma.Multiaddr{addrOfKind(t, server, KindQUIC), addrOfKind(t, server, KindTCP)},
	}
	link, err := client.DialPeer(context.Background(), info)
	require.NoError(t, err)
	assert.Contains(t, []string{string(KindQUIC), string(KindTCP)}, link.Transport)

	again, ok := client.Link(server.ID())
	require.True(t, ok)
	assert.Equal(t, server.ID(), again.Peer)
}

func TestDialFailures(t *testing.T) {
	client := newTestTransport(t)
	other, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	t.Run("missing peer id", func(t *testing.T) {
		_, err := client.Dial(context.Background(), ma.StringCast("/ip4/127.0.0.1/tcp/1"))
		assert.ErrorIs(t, err, ErrMissingPeerID)
	})

	t.Run("self", func(t *testing.T) {
		_, err := client.DialPeer(context.Background(), peer.AddrInfo{ID: client.ID()})
		assert.ErrorIs(t, err, ErrDialSelf)
	})

	t.Run("no usable address", func(t *testing.T) {
		_, err := client.DialPeer(context.Background(), peer.AddrInfo{
			ID:    other.ID,
			Addrs: []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/udp/9")},
		})
		assert.ErrorIs(t, err, ErrNoTransport)
	})

	t.Run("unreachable", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := client.Dial(ctx, ma.StringCast("/ip4/127.0.0.1/tcp/1/p2p/"+other.ID.String()))
		require.Error(t, err)

		_, ok := client.Link(other.ID)
		assert.False(t, ok)
	})
}

func TestUnauthenticatedTCPIsRejected(t *testing.T) {
	server := newTestTransport(t, "/ip4/127.0.0.1/tcp/0")

	netw, addr, err := manet.DialArgs(addrOfKind(t, server, KindTCP))
	require.NoError(t, err)
	conn, err := net.DialTimeout(netw, addr, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(bytes.Repeat([]byte("not a noise handshake\n"), 64))
	require.NoError(t, err)

	// The server drops the connection instead of upgrading it.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, err = io.Copy(io.Discard, conn)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection left open: %v", err)

	assert.Empty(t, server.Host().Network().Conns())
	assert.Empty(t, server.Host().Network().Peers())

	// The listener keeps serving authenticated peers.
	client := newTestTransport(t)
	link, err := client.Dial(context.Background(), p2pAddr(t, server, KindTCP))
	require.NoError(t, err)
	assert.Equal(t, server.ID(), link.Peer)
}
