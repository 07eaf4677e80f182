package topics

import (
	"fmt"
)

// GossipKind is one of the protocol-defined gossip channels.
type GossipKind string

const (
	BeaconBlock                GossipKind = "beacon_block"
	BeaconAggregateAndProof    GossipKind = "beacon_aggregate_and_proof"
	VoluntaryExit              GossipKind = "voluntary_exit"
	ProposerSlashing           GossipKind = "proposer_slashing"
	AttesterSlashing           GossipKind = "attester_slashing"
	SignedContributionAndProof GossipKind = "sync_committee_contribution_and_proof"
	BlsToExecutionChange       GossipKind = "bls_to_execution_change"
)

// Encoding is the payload encoding suffix carried in every topic.
type Encoding string

// DefaultEncoding is the only encoding in use.
const DefaultEncoding Encoding = "ssz_snappy"

const topicPrefix = "eth2"

var (
	coreKinds    = []GossipKind{BeaconBlock, BeaconAggregateAndProof, VoluntaryExit, ProposerSlashing, AttesterSlashing}
	altairKinds  = []GossipKind{SignedContributionAndProof}
	capellaKinds = []GossipKind{BlsToExecutionChange}
)

// Topic is a fully-qualified gossip topic for one fork digest.
type Topic struct {
	Kind     GossipKind
	Encoding Encoding
	Digest   ForkDigest
}

// NewTopic builds a topic with the default encoding.
func NewTopic(kind GossipKind, digest ForkDigest) Topic {
	return Topic{Kind: kind, Encoding: DefaultEncoding, Digest: digest}
}

// String returns the wire topic identifier, e.g. /eth2/bba4da96/beacon_block/ssz_snappy.
func (t Topic) String() string {
	return fmt.Sprintf("/%s/%s/%s/%s", topicPrefix, t.Digest, t.Kind, t.Encoding)
}

// CoreKinds returns the ordered topic kinds a node subscribes to on fork f.
func CoreKinds(f ForkName) []GossipKind {
	if !f.Valid() {
		panic(fmt.Sprintf("topics: unknown fork %d", int(f)))
	}

	kinds := make([]GossipKind, 0, len(coreKinds)+len(altairKinds)+len(capellaKinds))
	kinds = append(kinds, coreKinds...)
	if f >= Altair {
		kinds = append(kinds, altairKinds...)
	}
	if f >= Capella {
		kinds = append(kinds, capellaKinds...)
	}
	return kinds
}

// TopicsFor expands the core kinds of f into topics under f's digest.
// The result is deterministic; its order only matters for log readability.
func TopicsFor(f ForkName) []Topic {
	digest := f.Digest()
	kinds := CoreKinds(f)

	out := make([]Topic, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, NewTopic(kind, digest))
	}
	return out
}

// Strings renders topics as wire identifiers.
func Strings(ts []Topic) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}
