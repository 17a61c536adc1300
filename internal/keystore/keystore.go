package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kenneth/sealed-store/internal/crypto"
)

// ErrKeyUnavailable is returned when the master key cannot be loaded or
// created. Callers must treat it as fatal for the operation.
var ErrKeyUnavailable = errors.New("master key unavailable")

var tracer = otel.Tracer("github.com/kenneth/sealed-store/internal/keystore")

// KeyStore provisions the single process-wide master key.
type KeyStore struct {
	backend Backend
	logger  *logrus.Logger

	mu  sync.Mutex
	key *MasterKey

	onGenerate func()
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(ks *KeyStore) {
		ks.logger = logger
	}
}

// WithGenerateHook registers fn to run each time a new key is generated.
func WithGenerateHook(fn func()) Option {
	return func(ks *KeyStore) {
		ks.onGenerate = fn
	}
}

// New creates a KeyStore on backend.
func New(backend Backend, opts ...Option) *KeyStore {
	ks := &KeyStore{backend: backend}
	for _, opt := range opts {
		opt(ks)
	}
	if ks.logger == nil {
		ks.logger = logrus.New()
	}
	return ks
}

// GetOrCreateMasterKey returns the master key, generating and persisting it
// on first use. Concurrent first callers observe the same key.
func (ks *KeyStore) GetOrCreateMasterKey(ctx context.Context) (*MasterKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.key != nil {
		return ks.key, nil
	}

	ctx, span := tracer.Start(ctx, "keystore.GetOrCreateMasterKey")
	defer span.End()
	span.SetAttributes(attribute.String("keystore.backend", ks.backend.Name()))

	raw, generated, err := ks.loadOrCreate(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "master key unavailable")
		ks.logger.WithFields(logrus.Fields{
			"backend": ks.backend.Name(),
			"error":   err.Error(),
		}).Error("Master key unavailable")
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	span.SetAttributes(attribute.Bool("keystore.generated", generated))

	key := newMasterKey(raw)
	if err := crypto.LockMemory(key.key); err != nil {
		ks.logger.WithError(err).Warn("Failed to lock master key memory")
	} else {
		key.locked = true
	}
	ks.key = key

	entry := ks.logger.WithField("backend", ks.backend.Name())
	if generated {
		entry.Info("Generated new master key")
		if ks.onGenerate != nil {
			ks.onGenerate()
		}
	} else {
		entry.Debug("Loaded master key")
	}
	return key, nil
}

func (ks *KeyStore) loadOrCreate(ctx context.Context) ([]byte, bool, error) {
	raw, err := ks.backend.Load(ctx)
	if err == nil {
		return raw, false, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, false, err
	}

	raw, err = crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, false, err
	}
	err = ks.backend.Create(ctx, raw)
	if err == nil {
		return raw, true, nil
	}
	crypto.Zero(raw)
	if !errors.Is(err, ErrRecordExists) {
		return nil, false, err
	}

	// Another process won the race; use its key.
	raw, err = ks.backend.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	return raw, false, nil
}

// Close zeroes the cached key. Subsequent calls reload it from the backend.
func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.key == nil {
		return nil
	}
	ks.key.destroy()
	ks.key = nil
	return nil
}

// MasterKey is the root secret. It is never exposed; only derived keys are.
type MasterKey struct {
	mu     sync.RWMutex
	key    []byte
	locked bool
}

func newMasterKey(raw []byte) *MasterKey {
	return &MasterKey{key: raw}
}

// Derive returns the subkey for label.
func (k *MasterKey) Derive(label string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return nil, ErrKeyUnavailable
	}
	return crypto.DeriveKey(k.key, nil, label)
}

// DeriveWithSalt returns a key derived from the label subkey, salt and info.
func (k *MasterKey) DeriveWithSalt(label string, salt []byte, info string) ([]byte, error) {
	sub, err := k.Derive(label)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(sub)
	return crypto.DeriveKey(sub, salt, info)
}

// String never prints key material.
func (k *MasterKey) String() string {
	return "MasterKey(redacted)"
}

// GoString never prints key material.
func (k *MasterKey) GoString() string {
	return k.String()
}

func (k *MasterKey) destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locked {
		_ = crypto.UnlockMemory(k.key)
		k.locked = false
	}
	crypto.Zero(k.key)
	k.key = nil
}
