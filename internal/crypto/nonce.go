package crypto

import (
	"encoding/binary"
	"math"
)

// MaxChunkIndex is the last chunk index ChunkNonce can address.
const MaxChunkIndex = math.MaxUint32

// ChunkNonce derives the nonce for chunk index from a per-file seed.
// The last four bytes of the seed are XORed with the big-endian index, so
// nonces are unique per index without storing one per chunk.
func ChunkNonce(seed []byte, index uint32) []byte {
	nonce := make([]byte, len(seed))
	copy(nonce, seed)

	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)

	for i := 0; i < 4 && i < len(nonce); i++ {
		nonce[len(nonce)-1-i] ^= indexBytes[3-i]
	}

	return nonce
}
