package gossip

import (
	"errors"
	"fmt"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// signPrefix is prepended to the marshalled message before signing.
const signPrefix = "libp2p-pubsub:"

var (
	errUnsigned      = errors.New("message is not signed")
	errBadSignature  = errors.New("invalid message signature")
	errKeyMismatch   = errors.New("signing key does not match publisher id")
	errNoPublisherID = errors.New("message has no publisher id")
)

// signingBytes returns what the publisher signed: the message without its
// signature and key fields.
func signingBytes(m *pb.Message) ([]byte, error) {
	unsigned := pb.Message{
		Data:  m.Data,
		From:  m.From,
		Seqno: m.Seqno,
		Topic: m.Topic,
	}
	raw, err := unsigned.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append([]byte(signPrefix), raw...), nil
}

// publisherKey resolves the key a message claims to be signed with. Inline
// keys must hash to the declared publisher id.
func publisherKey(m *pb.Message) (peer.ID, lcrypto.PubKey, error) {
	if len(m.From) == 0 {
		return "", nil, errNoPublisherID
	}
	pid, err := peer.IDFromBytes(m.From)
	if err != nil {
		return "", nil, fmt.Errorf("invalid publisher id: %w", err)
	}

	if len(m.Key) == 0 {
		pub, err := pid.ExtractPublicKey()
		if err != nil {
			return "", nil, fmt.Errorf("cannot extract key from %s: %w", pid, err)
		}
		return pid, pub, nil
	}

	pub, err := lcrypto.UnmarshalPublicKey(m.Key)
	if err != nil {
		return "", nil, fmt.Errorf("invalid inline key: %w", err)
	}
	if !pid.MatchesPublicKey(pub) {
		return "", nil, errKeyMismatch
	}
	return pid, pub, nil
}

// verifySignature checks that m carries a valid signature by its declared publisher.
func verifySignature(m *pb.Message) (peer.ID, error) {
	if len(m.Signature) == 0 {
		return "", errUnsigned
	}
	pid, pub, err := publisherKey(m)
	if err != nil {
		return "", err
	}
	data, err := signingBytes(m)
	if err != nil {
		return "", err
	}
	ok, err := pub.Verify(data, m.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadSignature, err)
	}
	if !ok {
		return "", errBadSignature
	}
	return pid, nil
}
