package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const fileTableVersion = 1

type fileTable struct {
	Version int               `json:"v"`
	Entries map[string]*Entry `json:"entries"`
}

// FileBackend keeps every entry in one JSON document. The document is
// rewritten whole on each change, via temp file and rename, so readers of
// the file always see either the old or the new table.
type FileBackend struct {
	path string

	mu      sync.RWMutex
	entries map[string]*Entry
}

// OpenFileBackend loads the table at path, creating an empty one if absent.
func OpenFileBackend(path string) (*FileBackend, error) {
	b := &FileBackend{path: path, entries: make(map[string]*Entry)}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create kv directory: %w", err)
		}
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read kv table: %w", err)
	}

	var table fileTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse kv table: %w", err)
	}
	if table.Version != fileTableVersion {
		return nil, fmt.Errorf("unsupported kv table version %d", table.Version)
	}
	for id, e := range table.Entries {
		if e == nil {
			return nil, fmt.Errorf("kv table has an empty entry")
		}
		b.entries[id] = e
	}
	return b, nil
}

func (b *FileBackend) Get(_ context.Context, lookupID string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[lookupID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.clone(), nil
}

func (b *FileBackend) Put(_ context.Context, lookupID string, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.entries[lookupID]
	b.entries[lookupID] = entry.clone()
	if err := b.flushLocked(); err != nil {
		if had {
			b.entries[lookupID] = prev
		} else {
			delete(b.entries, lookupID)
		}
		return err
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, lookupID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.entries[lookupID]
	if !ok {
		return false, nil
	}
	delete(b.entries, lookupID)
	if err := b.flushLocked(); err != nil {
		b.entries[lookupID] = prev
		return false, err
	}
	return true, nil
}

func (b *FileBackend) List(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *FileBackend) Close() error { return nil }

// flushLocked writes the table atomically (must be called with lock held).
func (b *FileBackend) flushLocked() error {
	data, err := json.Marshal(fileTable{Version: fileTableVersion, Entries: b.entries})
	if err != nil {
		return fmt.Errorf("failed to encode kv table: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp := filepath.Join(dir, "."+filepath.Base(b.path)+"-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp kv table: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write kv table: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync kv table: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close kv table: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace kv table: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
