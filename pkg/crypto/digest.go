package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Digest hashes parts with Keccak256. Each part is length-prefixed so that
// moving bytes between neighbouring parts changes the result.
func Digest(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum(nil)
}
