package proxy

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// HashKey derives the 64-bit content hash spec.md §3 defines as the
// meaning of Key, from an arbitrary application-level key. Every client
// sharing a cluster tier must agree on the same hash of a given key, so
// this uses a fixed cryptographic-strength primitive (blake2b) rather
// than a process-seeded hash like hash/maphash, the same module the
// teacher already depends on for SASL/SCRAM — repurposed here since this
// proxy has no SASL surface of its own.
func HashKey(appKey []byte) transport.Key {
	sum := blake2b.Sum512(appKey)
	return transport.Key(binary.BigEndian.Uint64(sum[:8]))
}
