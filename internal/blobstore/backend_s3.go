package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kenneth/sealed-store/internal/s3"
)

// S3Backend stores blobs as objects under prefix. Blobs are staged in a
// local temp file and uploaded on commit with a create-only condition.
type S3Backend struct {
	client   s3.Client
	prefix   string
	stageDir string
}

// NewS3Backend creates a backend on client. stageDir may be empty for the
// system temp directory.
func NewS3Backend(client s3.Client, prefix, stageDir string) *S3Backend {
	return &S3Backend{client: client, prefix: prefix, stageDir: stageDir}
}

// Name returns the backend name.
func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) key(name string) string {
	return b.prefix + name + blobExt
}

func (b *S3Backend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.HeadObject(ctx, b.key(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, s3.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

func (b *S3Backend) Stage(_ context.Context, name string) (Stage, error) {
	f, err := os.CreateTemp(b.stageDir, "sealed-store-"+name+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return &s3Stage{f: f, key: b.key(name), client: b.client}, nil
}

func (b *S3Backend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	body, err := b.client.GetObject(ctx, b.key(name))
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

// Delete checks for the object first since S3 deletes are silent about
// missing keys.
func (b *S3Backend) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := b.Exists(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := b.client.DeleteObject(ctx, b.key(name)); err != nil {
		return false, err
	}
	return true, nil
}

func (b *S3Backend) List(ctx context.Context) ([]string, error) {
	objects, err := b.client.ListObjects(ctx, b.prefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, o := range objects {
		rest := strings.TrimPrefix(o.Key, b.prefix)
		if strings.Contains(rest, "/") || !strings.HasSuffix(rest, blobExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(rest, blobExt))
	}
	sort.Strings(names)
	return names, nil
}

type s3Stage struct {
	f      *os.File
	key    string
	client s3.Client
	done   bool
}

func (s *s3Stage) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *s3Stage) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }

func (s *s3Stage) Commit(ctx context.Context) error {
	if s.done {
		return errors.New("stage already finished")
	}
	s.done = true
	defer func() {
		s.f.Close()
		os.Remove(s.f.Name())
	}()

	size, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size staged blob: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind staged blob: %w", err)
	}

	if err := s.client.PutObjectIfAbsent(ctx, s.key, s.f, size); err != nil {
		if errors.Is(err, s3.ErrPreconditionFailed) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *s3Stage) Abort() error {
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
