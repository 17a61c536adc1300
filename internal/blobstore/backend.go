package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Stage is an uncommitted blob being written. Exactly one of Commit or
// Abort ends it; Abort after Commit is a no-op.
type Stage interface {
	io.Writer
	io.WriterAt

	// Commit publishes the staged bytes under the stage's name. It fails
	// with ErrAlreadyExists, leaving the existing blob untouched, if the
	// name was committed in the meantime.
	Commit(ctx context.Context) error

	// Abort discards the staged bytes.
	Abort() error
}

// Backend persists sealed blob files.
type Backend interface {
	Name() string
	Exists(ctx context.Context, name string) (bool, error)
	Stage(ctx context.Context, name string) (Stage, error)
	// Open returns the persisted bytes or ErrNotFound.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes name, reporting whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

const (
	blobExt    = ".blob"
	stagingDir = ".staging"
)

// FSBackend stores each blob as <dir>/<name>.blob.
type FSBackend struct {
	dir     string
	staging string
}

// NewFSBackend prepares dir and discards staging files left by a crash.
func NewFSBackend(dir string) (*FSBackend, error) {
	b := &FSBackend{dir: dir, staging: filepath.Join(dir, stagingDir)}
	if err := os.MkdirAll(b.staging, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	leftovers, err := os.ReadDir(b.staging)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}
	for _, e := range leftovers {
		_ = os.Remove(filepath.Join(b.staging, e.Name()))
	}
	return b, nil
}

// Name returns the backend name.
func (b *FSBackend) Name() string { return "fs" }

// Dir returns the blob directory.
func (b *FSBackend) Dir() string { return b.dir }

func (b *FSBackend) path(name string) string {
	return filepath.Join(b.dir, name+blobExt)
}

func (b *FSBackend) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(b.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob: %w", err)
}

func (b *FSBackend) Stage(_ context.Context, name string) (Stage, error) {
	f, err := os.CreateTemp(b.staging, name+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return &fsStage{f: f, target: b.path(name), dir: b.dir}, nil
}

func (b *FSBackend) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

func (b *FSBackend) Delete(_ context.Context, name string) (bool, error) {
	err := os.Remove(b.path(name))
	if err == nil {
		syncDir(b.dir)
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to delete blob: %w", err)
}

func (b *FSBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), blobExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), blobExt))
	}
	sort.Strings(names)
	return names, nil
}

type fsStage struct {
	f      *os.File
	target string
	dir    string
	done   bool
}

func (s *fsStage) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *fsStage) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }

// Commit links the staged file into place. Link fails if the target exists,
// so a committed blob is never replaced.
func (s *fsStage) Commit(_ context.Context) error {
	if s.done {
		return errors.New("stage already finished")
	}
	s.done = true
	tmp := s.f.Name()
	defer os.Remove(tmp)

	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Link(tmp, s.target); err != nil {
		if os.IsExist(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	syncDir(s.dir)
	return nil
}

func (s *fsStage) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	s.f.Close()
	if err := os.Remove(s.f.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
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
