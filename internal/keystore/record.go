package keystore

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kenneth/sealed-store/internal/crypto"
)

const (
	recordVersion = 1
	recordSumInfo = "sealed-store/master-key/v1"

	// ProtectorFile stores the key as-is, relying on file permissions.
	ProtectorFile = "file"
	// ProtectorPassphrase wraps the key with a passphrase-derived KEK.
	ProtectorPassphrase = "passphrase"
)

// record is the persisted master key document.
type record struct {
	Version   int       `json:"v"`
	Protector string    `json:"protector"`
	Created   time.Time `json:"created"`
	Key       []byte    `json:"key"`
	Sum       []byte    `json:"sum"`
}

func recordSum(version int, protector string, key []byte) []byte {
	h := sha256.New()
	h.Write([]byte(recordSumInfo))
	h.Write([]byte{byte(version)})
	h.Write([]byte(protector))
	h.Write([]byte{0})
	h.Write(key)
	return h.Sum(nil)
}

// Protector wraps and unwraps raw key material for storage.
type Protector interface {
	Name() string
	Wrap(key []byte) ([]byte, error)
	Unwrap(wrapped []byte) ([]byte, error)
}

// encodeRecord wraps key with p and serializes the record.
func encodeRecord(p Protector, key []byte, created time.Time) ([]byte, error) {
	wrapped, err := p.Wrap(key)
	if err != nil {
		return nil, err
	}
	rec := record{
		Version:   recordVersion,
		Protector: p.Name(),
		Created:   created.UTC(),
		Key:       wrapped,
		Sum:       recordSum(recordVersion, p.Name(), wrapped),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key record: %w", err)
	}
	return data, nil
}

// decodeRecord parses and verifies a record, returning the raw key.
func decodeRecord(p Protector, data []byte) ([]byte, error) {
	var rec record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("key record is malformed")
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported key record version %d", rec.Version)
	}
	if rec.Protector != p.Name() {
		return nil, fmt.Errorf("key record protector %q does not match configured %q", rec.Protector, p.Name())
	}
	if subtle.ConstantTimeCompare(rec.Sum, recordSum(rec.Version, rec.Protector, rec.Key)) != 1 {
		return nil, fmt.Errorf("key record checksum mismatch")
	}
	key, err := p.Unwrap(rec.Key)
	if err != nil {
		return nil, err
	}
	if len(key) != crypto.KeySize {
		crypto.Zero(key)
		return nil, fmt.Errorf("key record holds a key of unexpected size")
	}
	return key, nil
}

// plainProtector stores key material unchanged.
type plainProtector struct{}

// NewPlainProtector returns the file protector.
func NewPlainProtector() Protector { return plainProtector{} }

func (plainProtector) Name() string { return ProtectorFile }

func (plainProtector) Wrap(key []byte) ([]byte, error) {
	return append([]byte(nil), key...), nil
}

func (plainProtector) Unwrap(wrapped []byte) ([]byte, error) {
	return append([]byte(nil), wrapped...), nil
}

// Argon2Params configures the passphrase KEK derivation.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultArgon2Params are the argon2id parameters used in production.
var DefaultArgon2Params = Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 4}

const passphraseSaltSize = 16

// passphraseProtector wraps the key with XChaCha20-Poly1305 under
// argon2id(passphrase, salt). Layout: salt || nonce || sealed key.
type passphraseProtector struct {
	passphrase []byte
	params     Argon2Params
}

// NewPassphraseProtector returns a protector deriving its KEK from passphrase.
func NewPassphraseProtector(passphrase string, params Argon2Params) (Protector, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		params = DefaultArgon2Params
	}
	return &passphraseProtector{passphrase: []byte(passphrase), params: params}, nil
}

func (p *passphraseProtector) Name() string { return ProtectorPassphrase }

func (p *passphraseProtector) kek(salt []byte) []byte {
	return argon2.IDKey(p.passphrase, salt, p.params.Time, p.params.Memory, p.params.Threads, chacha20poly1305.KeySize)
}

func (p *passphraseProtector) Wrap(key []byte) ([]byte, error) {
	salt, err := crypto.RandomBytes(passphraseSaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	kek := p.kek(salt)
	defer crypto.Zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create key wrapping cipher: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(key)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, key, []byte(recordSumInfo)), nil
}

func (p *passphraseProtector) Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < passphraseSaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("wrapped key is too short")
	}
	salt := wrapped[:passphraseSaltSize]
	nonce := wrapped[passphraseSaltSize : passphraseSaltSize+chacha20poly1305.NonceSizeX]
	sealed := wrapped[passphraseSaltSize+chacha20poly1305.NonceSizeX:]

	kek := p.kek(salt)
	defer crypto.Zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create key wrapping cipher: %w", err)
	}
	key, err := aead.Open(nil, nonce, sealed, []byte(recordSumInfo))
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or corrupted key record")
	}
	return key, nil
}
