// Package digest derives deterministic keys and hash chains with BLAKE2b.
package digest

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Key hashes the parts into a hex-encoded 256-bit key. Each part is length
// prefixed so that ("ab","c") and ("a","bc") never collide.
func Key(parts ...string) string {
	h, _ := blake2b.New256(nil)
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Chain links payload to the previous link. The first link uses an empty prev.
func Chain(prev string, number int, payload []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prev))
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], uint64(number))
	h.Write(nb[:])
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Sum returns the hex BLAKE2b-256 of data.
func Sum(data []byte) string {
	s := blake2b.Sum256(data)
	return hex.EncodeToString(s[:])
}
