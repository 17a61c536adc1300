package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default AES-256-GCM algorithm.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 algorithm.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	// KeySize is the key size shared by both algorithms (256 bits).
	KeySize = 32
	// NonceSize is the nonce size shared by both algorithms (96 bits).
	NonceSize = 12
	// TagSize is the authentication tag size (128 bits).
	TagSize = 16
)

// Algorithm identifiers as persisted in binary headers.
const (
	algorithmIDAES256GCM        byte = 1
	algorithmIDChaCha20Poly1305 byte = 2
)

// SupportedAlgorithms lists every algorithm NewAEAD accepts.
func SupportedAlgorithms() []string {
	return []string{AlgorithmAES256GCM, AlgorithmChaCha20Poly1305}
}

// IsAlgorithmSupported checks if an algorithm is supported.
func IsAlgorithmSupported(algorithm string) bool {
	_, err := AlgorithmID(algorithm)
	return err == nil
}

// AlgorithmID returns the single-byte identifier used in persisted headers.
func AlgorithmID(algorithm string) (byte, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return algorithmIDAES256GCM, nil
	case AlgorithmChaCha20Poly1305:
		return algorithmIDChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// AlgorithmName is the inverse of AlgorithmID.
func AlgorithmName(id byte) (string, error) {
	switch id {
	case algorithmIDAES256GCM:
		return AlgorithmAES256GCM, nil
	case algorithmIDChaCha20Poly1305:
		return AlgorithmChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("unsupported algorithm id: %d", id)
	}
}

// createAEADCipher creates an AEAD cipher for the given algorithm and key.
func createAEADCipher(algorithm string, key []byte) (cipher.AEAD, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return createAESGCMCipher(key)
	case AlgorithmChaCha20Poly1305:
		return createChaCha20Poly1305Cipher(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// createAESGCMCipher creates an AES-GCM cipher.
func createAESGCMCipher(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

// createChaCha20Poly1305Cipher creates a ChaCha20-Poly1305 cipher.
func createChaCha20Poly1305Cipher(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key size for ChaCha20: expected %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return aead, nil
}
