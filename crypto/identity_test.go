package crypto

import (
	"bytes"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func seedReader(b byte) *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{b}, 32))
}

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NotNil(t, id)

	// The node id must be derivable from the public key alone
	derived, err := peer.IDFromPublicKey(id.PubKey)
	require.NoError(t, err)
	require.Equal(t, derived, id.ID)
	require.True(t, id.ID.MatchesPrivateKey(id.PrivKey))

	other, err := GenerateIdentity()
	require.NoError(t, err)
	require.NotEqual(t, id.ID, other.ID, "two fresh identities should differ")
}

func TestGenerateIdentityFromIsDeterministic(t *testing.T) {
	a, err := GenerateIdentityFrom(seedReader(7))
	require.NoError(t, err)
	b, err := GenerateIdentityFrom(seedReader(7))
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	c, err := GenerateIdentityFrom(seedReader(8))
	require.NoError(t, err)
	require.NotEqual(t, a.ID, c.ID)
}

func TestGenerateIdentityFromShortReader(t *testing.T) {
	_, err := GenerateIdentityFrom(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)

	_, err = GenerateIdentityFrom(nil)
	require.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentityFrom(seedReader(1))
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, id.Verify(msg, sig))

	require.Error(t, id.Verify([]byte("hellO"), sig), "tampered data must not verify")

	raw, err := id.PublicKeyBytes()
	require.NoError(t, err)
	require.Len(t, raw, 32)

	var nilID *Identity
	_, err = nilID.Sign(msg)
	require.Error(t, err)
	require.Equal(t, "Identity(nil)", nilID.String())
}
