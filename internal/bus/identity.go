package bus

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"clustercore/internal/slotmap"
)

// IDSize is the length in bytes of a node identity (§3: "opaque 40-byte
// random identifier assigned at first boot").
const IDSize = 40

// ID is a node identity. The zero value denotes "no peer" (e.g. an
// unset replicates-of reference).
type ID [IDSize]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero identity.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Owner adapts id for use as a slotmap.OwnerID; the slot map itself is
// owner-agnostic and just stores the hex string.
func (id ID) Owner() slotmap.OwnerID {
	return slotmap.OwnerID(id.String())
}

// NewID generates a fresh random identity, stable for the lifetime of
// the node (§3). Ported from the teacher's internal/crypto random-key
// generation idiom (crypto/rand.Read into a fixed-size buffer).
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("bus: generate node identity: %w", err)
	}
	return id, nil
}

// ParseID decodes a hex-encoded identity, as found in the config file
// and in CLI arguments.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("bus: invalid identity %q: %w", s, err)
	}
	if len(b) != IDSize {
		return ID{}, fmt.Errorf("bus: invalid identity %q: want %d bytes, got %d", s, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}
