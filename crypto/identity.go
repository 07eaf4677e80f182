// identity.go
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the node's keypair and the peer ID derived from it.
// It is created once at startup and never persisted.
type Identity struct {
	PrivKey lcrypto.PrivKey
	PubKey  lcrypto.PubKey
	ID      peer.ID
}

// GenerateIdentity creates a fresh Ed25519 identity from the system entropy source.
func GenerateIdentity() (*Identity, error) {
	return GenerateIdentityFrom(rand.Reader)
}

// GenerateIdentityFrom creates an Ed25519 identity reading key material from r.
// A reader that yields the same 32 bytes always produces the same identity.
func GenerateIdentityFrom(r io.Reader) (*Identity, error) {
	if r == nil {
		return nil, errors.New("entropy source cannot be nil")
	}

	priv, pub, err := lcrypto.GenerateEd25519Key(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}

	return &Identity{
		PrivKey: priv,
		PubKey:  pub,
		ID:      id,
	}, nil
}

// Sign signs data with the identity's private key.
func (i *Identity) Sign(data []byte) ([]byte, error) {
	if i == nil || i.PrivKey == nil {
		return nil, errors.New("cannot sign with nil identity")
	}
	return i.PrivKey.Sign(data)
}

// Verify checks sig over data against the identity's public key.
func (i *Identity) Verify(data, sig []byte) error {
	if i == nil || i.PubKey == nil {
		return errors.New("cannot verify with nil identity")
	}
	ok, err := i.PubKey.Verify(data, sig)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	if !ok {
		return errors.New("invalid signature: ed25519 verification failed")
	}
	return nil
}

// PublicKeyBytes returns the raw public key bytes.
func (i *Identity) PublicKeyBytes() ([]byte, error) {
	if i == nil || i.PubKey == nil {
		return nil, errors.New("cannot marshal nil public key")
	}
	return i.PubKey.Raw()
}

func (i *Identity) String() string {
	if i == nil {
		return "Identity(nil)"
	}
	return fmt.Sprintf("Identity(%s)", i.ID)
}
