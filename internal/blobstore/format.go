package blobstore

import (
	"encoding/binary"
	"fmt"

	"github.com/kenneth/sealed-store/internal/crypto"
)

// Blob file layout, all integers big-endian:
//
//	magic[4] version[1] alg[1] flags[1] reserved[1] chunkSize[4] seed[12]
//	totalLen[8] reserved[4]
//
// followed by the sealed chunks.
const (
	headerSize = 40

	// headerAADSize is the prefix of the header bound into every chunk.
	// totalLen is written after the payload and is bound through the final
	// chunk instead.
	headerAADSize = 24

	offTotalLen = 24
	offReserved = 32

	formatMagic   = "SBLB"
	formatVersion = 1

	flagGzip byte = 1 << 0
)

// Chunk size limits.
const (
	DefaultChunkSize = 4096
	MinChunkSize     = 1024
	MaxChunkSize     = 1 << 20
)

type header struct {
	algorithm byte
	flags     byte
	chunkSize uint32
	seed      [crypto.NonceSize]byte
	totalLen  uint64
}

func (h *header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], formatMagic)
	b[4] = formatVersion
	b[5] = h.algorithm
	b[6] = h.flags
	binary.BigEndian.PutUint32(b[8:12], h.chunkSize)
	copy(b[12:24], h.seed[:])
	binary.BigEndian.PutUint64(b[offTotalLen:offReserved], h.totalLen)
	return b
}

func (h *header) compressed() bool {
	return h.flags&flagGzip != 0
}

// parseHeader validates and decodes a header. A structurally invalid header
// is reported as an authentication failure; the file cannot be trusted.
func parseHeader(b []byte) (*header, error) {
	if len(b) != headerSize {
		return nil, fmt.Errorf("%w: short header", crypto.ErrAuthenticationFailed)
	}
	if string(b[0:4]) != formatMagic {
		return nil, fmt.Errorf("%w: bad magic", crypto.ErrAuthenticationFailed)
	}
	if b[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", crypto.ErrAuthenticationFailed, b[4])
	}
	if _, err := crypto.AlgorithmName(b[5]); err != nil {
		return nil, fmt.Errorf("%w: unknown algorithm", crypto.ErrAuthenticationFailed)
	}
	if b[6]&^flagGzip != 0 || b[7] != 0 {
		return nil, fmt.Errorf("%w: unknown flags", crypto.ErrAuthenticationFailed)
	}
	for _, r := range b[offReserved:headerSize] {
		if r != 0 {
			return nil, fmt.Errorf("%w: reserved bytes set", crypto.ErrAuthenticationFailed)
		}
	}

	h := &header{
		algorithm: b[5],
		flags:     b[6],
		chunkSize: binary.BigEndian.Uint32(b[8:12]),
		totalLen:  binary.BigEndian.Uint64(b[offTotalLen:offReserved]),
	}
	if h.chunkSize < MinChunkSize || h.chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size out of range", crypto.ErrAuthenticationFailed)
	}
	copy(h.seed[:], b[12:24])
	return h, nil
}

// chunkAAD binds a chunk to the header prefix, its position and whether it
// is last. The final chunk also binds the payload length.
func chunkAAD(prefix []byte, index uint32, final bool, totalLen uint64) []byte {
	n := headerAADSize + 5
	if final {
		n += 8
	}
	aad := make([]byte, 0, n)
	aad = append(aad, prefix[:headerAADSize]...)
	aad = binary.BigEndian.AppendUint32(aad, index)
	if final {
		aad = append(aad, 1)
		aad = binary.BigEndian.AppendUint64(aad, totalLen)
	} else {
		aad = append(aad, 0)
	}
	return aad
}
