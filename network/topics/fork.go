// Package topics resolves a protocol fork into the gossip topics a node joins.
//
// The fork set is closed: every ForkName has exactly one 4-byte digest, held in
// a fixed table indexed by the enum value. Topics are derived on demand and
// never stored.
package topics

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ForkName identifies a versioned protocol-parameter set.
type ForkName int

const (
	Base ForkName = iota
	Altair
	Merge
	Capella

	numForks
)

// DefaultFork is the fork a node joins when none is configured.
const DefaultFork = Capella

// ForkDigest is the 4-byte namespace prefix of every topic for a fork.
type ForkDigest [4]byte

var forkDigests = [numForks]ForkDigest{
	Base:    {181, 48, 63, 42},
	Altair:  {175, 202, 171, 160},
	Merge:   {74, 38, 197, 139},
	Capella: {187, 164, 218, 150},
}

var forkNames = [numForks]string{
	Base:    "base",
	Altair:  "altair",
	Merge:   "merge",
	Capella: "capella",
}

// AllForks returns every supported fork in protocol order.
func AllForks() []ForkName {
	return []ForkName{Base, Altair, Merge, Capella}
}

// Valid reports whether f is a member of the closed fork set.
func (f ForkName) Valid() bool {
	return f >= Base && f < numForks
}

// Digest returns the fixed digest for f. An unknown fork is a programming
// error and panics.
func (f ForkName) Digest() ForkDigest {
	if !f.Valid() {
		panic(fmt.Sprintf("topics: unknown fork %d", int(f)))
	}
	return forkDigests[f]
}

func (f ForkName) String() string {
	if !f.Valid() {
		return fmt.Sprintf("ForkName(%d)", int(f))
	}
	return forkNames[f]
}

// ParseForkName maps a case-insensitive fork name to its ForkName.
func ParseForkName(s string) (ForkName, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for f, n := range forkNames {
		if n == name {
			return ForkName(f), nil
		}
	}
	return 0, fmt.Errorf("unknown fork %q (expected one of %s)", s, strings.Join(forkNames[:], ", "))
}

func (d ForkDigest) String() string {
	return hex.EncodeToString(d[:])
}
