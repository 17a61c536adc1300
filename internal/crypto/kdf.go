package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purpose labels for keys derived from the master key. Distinct labels
// give cryptographically independent keys.
const (
	LabelPrefsKeyEnc   = "prefs-key-enc"
	LabelPrefsValueEnc = "prefs-value-enc"
	LabelPrefsKeyIndex = "prefs-key-index"
	LabelFileEnc       = "file-enc"
)

// DeriveKey derives a KeySize key from secret using HKDF-SHA256.
// The result is deterministic for the same secret, salt and info.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("key derivation requires a non-empty secret")
	}
	out := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
