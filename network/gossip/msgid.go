package gossip

import (
	"encoding/hex"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"golang.org/x/crypto/blake2b"
)

// MessageID is the hex blake2b-256 digest of a message payload. Origin and
// topic do not take part: identical bytes are the same message everywhere.
type MessageID string

func digestOf(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// MessageIDOf returns the content address of data.
func MessageIDOf(data []byte) MessageID {
	d := digestOf(data)
	return MessageID(hex.EncodeToString(d[:]))
}

// messageIDFn is installed as the pubsub message id function so the
// library's own dedup and gossip announcements agree with ours.
func messageIDFn(m *pb.Message) string {
	return string(MessageIDOf(m.GetData()))
}

func (id MessageID) String() string {
	return string(id)
}

// Short returns the first 12 hex characters, for log lines.
func (id MessageID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}
