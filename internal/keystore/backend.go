package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRecordNotFound is returned by a Backend when no key has been stored yet.
	ErrRecordNotFound = errors.New("master key record not found")
	// ErrRecordExists is returned by Backend.Create when a key is already stored.
	ErrRecordExists = errors.New("master key record already exists")
)

// Backend is the protected location holding the master key.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Load returns the stored key or ErrRecordNotFound.
	Load(ctx context.Context) ([]byte, error)

	// Create atomically stores key. It must fail with ErrRecordExists if a
	// key is already present, and must never replace one.
	Create(ctx context.Context, key []byte) error
}

// FileBackend stores the master key record in a single 0600 file.
type FileBackend struct {
	path      string
	protector Protector
	now       func() time.Time
}

// NewFileBackend creates a file backend at path using protector.
func NewFileBackend(path string, protector Protector) *FileBackend {
	if protector == nil {
		protector = NewPlainProtector()
	}
	return &FileBackend{path: path, protector: protector, now: time.Now}
}

// Name returns the backend name.
func (b *FileBackend) Name() string {
	return "file/" + b.protector.Name()
}

// Path returns the record location.
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads and verifies the key record.
func (b *FileBackend) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read key record: %w", err)
	}
	return decodeRecord(b.protector, data)
}

// Create writes the record to a temp file and links it into place, so a
// reader never sees a partial record and an existing record is never
// replaced. Concurrent creators across processes serialize on a lock file.
func (b *FileBackend) Create(ctx context.Context, key []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	unlock, err := lockFile(ctx, b.path+".lock")
	if err != nil {
		return fmt.Errorf("failed to lock key record: %w", err)
	}
	defer unlock()

	if _, err := os.Stat(b.path); err == nil {
		return ErrRecordExists
	}

	data, err := encodeRecord(b.protector, key, b.now())
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, ".master-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp key record: %w", err)
	}
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync key record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close key record: %w", err)
	}

	if err := os.Link(tmp, b.path); err != nil {
		if os.IsExist(err) {
			return ErrRecordExists
		}
		return fmt.Errorf("failed to install key record: %w", err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// MemoryBackend keeps the key in process memory. A single MemoryBackend
// shared by two KeyStores behaves like one persisted key across a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	key     []byte
	creates int
	loadErr error
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Name returns the backend name.
func (b *MemoryBackend) Name() string { return "memory" }

// Load returns a copy of the stored key.
func (b *MemoryBackend) Load(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if b.key == nil {
		return nil, ErrRecordNotFound
	}
	return append([]byte(nil), b.key...), nil
}

// Create stores a copy of key.
func (b *MemoryBackend) Create(_ context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.key != nil {
		return ErrRecordExists
	}
	b.key = append([]byte(nil), key...)
	b.creates++
	return nil
}

// Creates reports how many keys were ever created.
func (b *MemoryBackend) Creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

// SetLoadError makes subsequent loads fail with err (nil clears it).
func (b *MemoryBackend) SetLoadError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadErr = err
}
