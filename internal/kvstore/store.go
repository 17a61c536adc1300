package kvstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/sealed-store/internal/cache"
	"github.com/kenneth/sealed-store/internal/crypto"
	"github.com/kenneth/sealed-store/internal/lockmap"
)

var tracer = otel.Tracer("github.com/kenneth/sealed-store/internal/kvstore")

const cacheNamespace = "kv"

// KeyDeriver yields purpose-bound subkeys of the master key.
type KeyDeriver interface {
	Derive(label string) ([]byte, error)
}

// Store is an encrypted string-to-string map. Neither keys nor values are
// ever persisted in plaintext.
type Store struct {
	backend   Backend
	keyAEAD   *crypto.AEAD
	valueAEAD *crypto.AEAD
	indexKey  []byte
	algorithm string

	locks *lockmap.Map

	cache    cache.Cache
	cacheTTL time.Duration
	logger   *logrus.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithAlgorithm selects the AEAD used for new and existing entries.
func WithAlgorithm(algorithm string) Option {
	return func(s *Store) {
		s.algorithm = algorithm
	}
}

// WithCache keeps decrypted values in c for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Store) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New derives the store's keys from master and opens it on backend.
func New(master KeyDeriver, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:   backend,
		algorithm: crypto.AlgorithmAES256GCM,
		locks:     lockmap.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}

	keyEnc, err := master.Derive(crypto.LabelPrefsKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key encryption key: %w", err)
	}
	defer crypto.Zero(keyEnc)
	valueEnc, err := master.Derive(crypto.LabelPrefsValueEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to derive value encryption key: %w", err)
	}
	defer crypto.Zero(valueEnc)
	s.indexKey, err = master.Derive(crypto.LabelPrefsKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index key: %w", err)
	}

	if s.keyAEAD, err = crypto.NewAEAD(s.algorithm, keyEnc); err != nil {
		return nil, err
	}
	if s.valueAEAD, err = crypto.NewAEAD(s.algorithm, valueEnc); err != nil {
		return nil, err
	}
	return s, nil
}

// LookupID returns the deterministic, non-reversible storage id of plainKey.
func (s *Store) LookupID(plainKey string) string {
	mac := hmac.New(sha256.New, s.indexKey)
	mac.Write([]byte(plainKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "kvstore.Put")
	defer span.End()

	id := s.LookupID(key)
	unlock := s.locks.Lock(id)
	defer unlock()

	nonce, err := crypto.RandomBytes(crypto.NonceSize)
	if err != nil {
		return spanError(span, err)
	}
	aad := []byte(id)
	encKey, err := s.keyAEAD.Seal(nonce, []byte(key), aad)
	if err != nil {
		return spanError(span, err)
	}
	encValue, err := s.valueAEAD.Seal(nonce, []byte(value), aad)
	if err != nil {
		return spanError(span, err)
	}

	if err := s.backend.Put(ctx, id, &Entry{EncKey: encKey, EncValue: encValue, Nonce: nonce}); err != nil {
		return spanError(span, fmt.Errorf("failed to store entry: %w", err))
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, cacheNamespace, id)
	}
	return nil
}

// Get returns the value stored under key. A missing key yields ok=false and
// a nil error. Any integrity failure is crypto.ErrAuthenticationFailed.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "kvstore.Get")
	defer span.End()

	id := s.LookupID(key)
	unlock := s.locks.RLock(id)
	defer unlock()

	if s.cache != nil {
		if entry, ok := s.cache.Get(ctx, cacheNamespace, id); ok {
			return string(entry.Data), true, nil
		}
	}

	e, err := s.backend.Get(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, spanError(span, fmt.Errorf("failed to read entry: %w", err))
	}

	plainKey, err := s.keyAEAD.Open(e.Nonce, e.EncKey, []byte(id))
	if err != nil {
		return "", false, spanError(span, s.authFailed(id, err))
	}
	if subtle.ConstantTimeCompare(plainKey, []byte(key)) != 1 {
		return "", false, spanError(span, s.authFailed(id, crypto.ErrAuthenticationFailed))
	}
	value, err := s.valueAEAD.Open(e.Nonce, e.EncValue, []byte(id))
	if err != nil {
		return "", false, spanError(span, s.authFailed(id, err))
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheNamespace, id, value, s.cacheTTL)
	}
	return string(value), true, nil
}

// Delete removes key. Deleting a missing key reports false with no error.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := tracer.Start(ctx, "kvstore.Delete")
	defer span.End()

	id := s.LookupID(key)
	unlock := s.locks.Lock(id)
	defer unlock()

	if s.cache != nil {
		_ = s.cache.Delete(ctx, cacheNamespace, id)
	}
	deleted, err := s.backend.Delete(ctx, id)
	if err != nil {
		return false, spanError(span, fmt.Errorf("failed to delete entry: %w", err))
	}
	return deleted, nil
}

// Keys decrypts and returns every stored key name, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "kvstore.Keys")
	defer span.End()

	ids, err := s.backend.List(ctx)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to list entries: %w", err))
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		e, err := s.backend.Get(ctx, id)
		if errors.Is(err, ErrEntryNotFound) {
			// Deleted since List.
			continue
		}
		if err != nil {
			return nil, spanError(span, fmt.Errorf("failed to read entry: %w", err))
		}
		plainKey, err := s.keyAEAD.Open(e.Nonce, e.EncKey, []byte(id))
		if err != nil {
			return nil, spanError(span, s.authFailed(id, err))
		}
		if !hmac.Equal([]byte(s.LookupID(string(plainKey))), []byte(id)) {
			return nil, spanError(span, s.authFailed(id, crypto.ErrAuthenticationFailed))
		}
		keys = append(keys, string(plainKey))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the backend and wipes derived key material.
func (s *Store) Close() error {
	crypto.Zero(s.indexKey)
	if s.cache != nil {
		_ = s.cache.Clear(context.Background())
	}
	return s.backend.Close()
}

func (s *Store) authFailed(id string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"lookup_id": shortID(id),
	}).Warn("Secret failed authentication")
	if errors.Is(err, crypto.ErrAuthenticationFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", crypto.ErrAuthenticationFailed, err)
}

// shortID truncates a lookup id for logs.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
