// Package plutusid generates the 64-bit peer identifiers Replicas and
// Agents use (spec §3 "64-bit peer identifier, stable for the process
// lifetime"), derived from a version-4 UUID's entropy rather than a raw
// os-random read, since google/uuid is already the module's dependency
// for unique identifiers.
package plutusid

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// New generates a fresh, statistically unique 64-bit peer-id by folding a
// random UUID's 16 bytes of entropy down to 8 via XOR.
func New() uint64 {
	id := uuid.New()
	hi := binary.BigEndian.Uint64(id[0:8])
	lo := binary.BigEndian.Uint64(id[8:16])
	return hi ^ lo
}
