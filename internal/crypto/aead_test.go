package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)
	return key
}

func TestNewAEAD_Algorithms(t *testing.T) {
	for _, alg := range SupportedAlgorithms() {
		t.Run(alg, func(t *testing.T) {
			a, err := NewAEAD(alg, testKey(t))
			require.NoError(t, err)
			assert.Equal(t, alg, a.Algorithm())
			assert.Equal(t, TagSize, a.Overhead())
		})
	}
}

func TestNewAEAD_DefaultsToAES(t *testing.T) {
	a, err := NewAEAD("", testKey(t))
	require.NoError(t, err)
	assert.Equal(t, AlgorithmAES256GCM, a.Algorithm())
}

func TestNewAEAD_InvalidAlgorithm(t *testing.T) {
	_, err := NewAEAD("INVALID", testKey(t))
	if err == nil {
		t.Fatal("expected error for invalid algorithm")
	}
}

func TestNewAEAD_InvalidKeySize(t *testing.T) {
	for _, alg := range SupportedAlgorithms() {
		_, err := NewAEAD(alg, make([]byte, 16))
		if err == nil {
			t.Fatalf("%s: expected error for invalid key size", alg)
		}
	}
}

func TestAEAD_SealOpenRoundTrip(t *testing.T) {
	for _, alg := range SupportedAlgorithms() {
		t.Run(alg, func(t *testing.T) {
			a, err := NewAEAD(alg, testKey(t))
			require.NoError(t, err)

			nonce, err := RandomBytes(NonceSize)
			require.NoError(t, err)
			plaintext := []byte("the quick brown fox")
			aad := []byte("context")

			sealed, err := a.Seal(nonce, plaintext, aad)
			require.NoError(t, err)
			assert.Len(t, sealed, len(plaintext)+TagSize)
			assert.False(t, bytes.Contains(sealed, plaintext))

			opened, err := a.Open(nonce, sealed, aad)
			require.NoError(t, err)
			assert.Equal(t, plaintext, opened)
		})
	}
}

func TestAEAD_OpenDetectsTampering(t *testing.T) {
	a, err := NewAEAD(AlgorithmAES256GCM, testKey(t))
	require.NoError(t, err)
	nonce, err := RandomBytes(NonceSize)
	require.NoError(t, err)
	aad := []byte("aad")

	sealed, err := a.Seal(nonce, []byte("payload"), aad)
	require.NoError(t, err)

	for i := range sealed {
		for _, bit := range []byte{0x01, 0x80} {
			tampered := append([]byte(nil), sealed...)
			tampered[i] ^= bit
			out, err := a.Open(nonce, tampered, aad)
			if !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("byte %d bit %#x: expected ErrAuthenticationFailed, got %v", i, bit, err)
			}
			if out != nil {
				t.Fatalf("byte %d: plaintext returned alongside failure", i)
			}
		}
	}

	_, err = a.Open(nonce, sealed, []byte("other"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	otherNonce := ChunkNonce(nonce, 1)
	_, err = a.Open(otherNonce, sealed, aad)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = a.Open(nonce, sealed[:TagSize-1], aad)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAEAD_RejectsBadNonceSize(t *testing.T) {
	a, err := NewAEAD(AlgorithmChaCha20Poly1305, testKey(t))
	require.NoError(t, err)

	_, err = a.Seal(make([]byte, 8), []byte("x"), nil)
	assert.Error(t, err)
	_, err = a.Open(make([]byte, 8), make([]byte, 32), nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAlgorithmID_RoundTrip(t *testing.T) {
	for _, alg := range SupportedAlgorithms() {
		id, err := AlgorithmID(alg)
		require.NoError(t, err)
		name, err := AlgorithmName(id)
		require.NoError(t, err)
		assert.Equal(t, alg, name)
	}

	_, err := AlgorithmID("DES")
	assert.Error(t, err)
	_, err = AlgorithmName(0)
	assert.Error(t, err)
	assert.False(t, IsAlgorithmSupported("DES"))
}
