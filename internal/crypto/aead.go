package crypto

import (
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrAuthenticationFailed is returned whenever a tag does not verify.
// Callers must treat it as a hard failure: no plaintext accompanies it.
var ErrAuthenticationFailed = errors.New("authentication failed")

// AEAD seals and opens byte buffers with caller-supplied nonces.
//
// The engine never generates nonces itself, so callers can use
// deterministic schemes (see ChunkNonce). A nonce must never repeat
// for the same key.
type AEAD struct {
	algorithm string
	aead      cipher.AEAD
}

// NewAEAD creates an AEAD for the given algorithm and 32-byte key.
func NewAEAD(algorithm string, key []byte) (*AEAD, error) {
	if algorithm == "" {
		algorithm = AlgorithmAES256GCM
	}
	aead, err := createAEADCipher(algorithm, key)
	if err != nil {
		return nil, err
	}
	return &AEAD{algorithm: algorithm, aead: aead}, nil
}

// Algorithm returns the algorithm name.
func (a *AEAD) Algorithm() string {
	return a.algorithm
}

// Overhead returns the number of bytes Seal adds to the plaintext.
func (a *AEAD) Overhead() int {
	return a.aead.Overhead()
}

// Seal encrypts and authenticates plaintext and aad, returning ciphertext||tag.
func (a *AEAD) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != a.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", a.aead.NonceSize(), len(nonce))
	}
	return a.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext||tag. Any verification
// failure is reported as ErrAuthenticationFailed.
func (a *AEAD) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != a.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", a.aead.NonceSize(), len(nonce))
	}
	if len(ciphertext) < a.aead.Overhead() {
		return nil, ErrAuthenticationFailed
	}
	plaintext, err := a.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
