package kvstore

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrEntryNotFound is returned by a Backend for an unknown lookup id.
var ErrEntryNotFound = errors.New("entry not found")

// Entry is one persisted secret. Both ciphertexts carry their tag and share
// Nonce; they are sealed under independent keys.
type Entry struct {
	EncKey   []byte `json:"k"`
	EncValue []byte `json:"v"`
	Nonce    []byte `json:"n"`
}

func (e *Entry) clone() *Entry {
	return &Entry{
		EncKey:   append([]byte(nil), e.EncKey...),
		EncValue: append([]byte(nil), e.EncValue...),
		Nonce:    append([]byte(nil), e.Nonce...),
	}
}

// Backend persists entries by lookup id. Implementations must make each Put
// and Delete atomic with respect to concurrent readers.
type Backend interface {
	Get(ctx context.Context, lookupID string) (*Entry, error)
	Put(ctx context.Context, lookupID string, entry *Entry) error
	Delete(ctx context.Context, lookupID string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryBackend is a non-persistent Backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

func (b *MemoryBackend) Get(_ context.Context, lookupID string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[lookupID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.clone(), nil
}

func (b *MemoryBackend) Put(_ context.Context, lookupID string, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[lookupID] = entry.clone()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, lookupID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[lookupID]; !ok {
		return false, nil
	}
	delete(b.entries, lookupID)
	return true, nil
}

func (b *MemoryBackend) List(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *MemoryBackend) Close() error { return nil }
