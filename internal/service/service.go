// Package service composes the key store, the encrypted key-value store and
// the encrypted blob store into the operations exposed by the API.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/sealed-store/internal/audit"
	"github.com/kenneth/sealed-store/internal/blobstore"
	"github.com/kenneth/sealed-store/internal/crypto"
	"github.com/kenneth/sealed-store/internal/fetch"
	"github.com/kenneth/sealed-store/internal/keystore"
	"github.com/kenneth/sealed-store/internal/kvstore"
	"github.com/kenneth/sealed-store/internal/metrics"
)

var tracer = otel.Tracer("github.com/kenneth/sealed-store/internal/service")

// Deriver is the view of the master key the stores are built from.
type Deriver interface {
	Derive(label string) ([]byte, error)
}

// Config wires a Service. KeyStore, OpenKV, OpenBlobs and Fetcher are
// required.
type Config struct {
	KeyStore *keystore.KeyStore
	// OpenKV and OpenBlobs build the stores once the master key is
	// available. They are called at most once on success.
	OpenKV    func(master Deriver) (*kvstore.Store, error)
	OpenBlobs func(master Deriver) (*blobstore.Store, error)
	Fetcher   *fetch.Fetcher
	Audit     audit.Logger
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Service implements the secret and blob operations. The master key is
// loaded, or generated, on the first operation that needs it.
type Service struct {
	keys      *keystore.KeyStore
	openKV    func(master Deriver) (*kvstore.Store, error)
	openBlobs func(master Deriver) (*blobstore.Store, error)
	fetcher   *fetch.Fetcher
	audit     audit.Logger
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	mu    sync.Mutex
	kv    *kvstore.Store
	blobs *blobstore.Store
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.KeyStore == nil || cfg.OpenKV == nil || cfg.OpenBlobs == nil || cfg.Fetcher == nil {
		return nil, fmt.Errorf("service: key store, store openers and fetcher are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		keys:      cfg.KeyStore,
		openKV:    cfg.OpenKV,
		openBlobs: cfg.OpenBlobs,
		fetcher:   cfg.Fetcher,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// stores returns the opened stores, loading the master key on first use.
// Failures are not cached; the next call tries again.
func (s *Service) stores(ctx context.Context) (*kvstore.Store, *blobstore.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kv != nil && s.blobs != nil {
		return s.kv, s.blobs, nil
	}

	master, err := s.keys.GetOrCreateMasterKey(ctx)
	if err != nil {
		return nil, nil, err
	}
	if s.kv == nil {
		kv, err := s.openKV(master)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open secret store: %w", err)
		}
		s.kv = kv
	}
	if s.blobs == nil {
		blobs, err := s.openBlobs(master)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open blob store: %w", err)
		}
		s.blobs = blobs
	}
	return s.kv, s.blobs, nil
}

// Ready reports whether the master key and stores are usable.
func (s *Service) Ready(ctx context.Context) error {
	_, _, err := s.stores(ctx)
	return err
}

// SaveSecret stores value under key, replacing any previous value.
func (s *Service) SaveSecret(ctx context.Context, key, value string) (err error) {
	ctx, span := tracer.Start(ctx, "service.SaveSecret")
	start := time.Now()
	var lookupID string
	defer func() {
		s.finishSecret(ctx, span, audit.EventTypeSecretPut, lookupID, int64(len(value)), start, err)
	}()

	kv, _, err := s.stores(ctx)
	if err != nil {
		return err
	}
	lookupID = kv.LookupID(key)
	return kv.Put(ctx, key, value)
}

// LoadSecret returns the value stored under key. ok is false if the key is
// absent.
func (s *Service) LoadSecret(ctx context.Context, key string) (value string, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "service.LoadSecret")
	start := time.Now()
	var lookupID string
	defer func() {
		if err == nil && !ok {
			s.record("secret_get", "not_found", start)
			span.End()
			return
		}
		s.finishSecret(ctx, span, audit.EventTypeSecretGet, lookupID, int64(len(value)), start, err)
	}()

	kv, _, err := s.stores(ctx)
	if err != nil {
		return "", false, err
	}
	lookupID = kv.LookupID(key)
	return kv.Get(ctx, key)
}

// DeleteSecret removes key. deleted is false if it was absent.
func (s *Service) DeleteSecret(ctx context.Context, key string) (deleted bool, err error) {
	ctx, span := tracer.Start(ctx, "service.DeleteSecret")
	start := time.Now()
	var lookupID string
	defer func() {
		if err == nil && !deleted {
			s.record("secret_delete", "not_found", start)
			span.End()
			return
		}
		s.finishSecret(ctx, span, audit.EventTypeSecretDelete, lookupID, 0, start, err)
	}()

	kv, _, err := s.stores(ctx)
	if err != nil {
		return false, err
	}
	lookupID = kv.LookupID(key)
	return kv.Delete(ctx, key)
}

// ListSecrets returns the names of all stored secrets.
func (s *Service) ListSecrets(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "service.ListSecrets")
	defer span.End()
	start := time.Now()

	kv, _, err := s.stores(ctx)
	if err == nil {
		var keys []string
		keys, err = kv.Keys(ctx)
		if err == nil {
			s.record("secret_list", "ok", start)
			return keys, nil
		}
	}
	s.record("secret_list", Classify(err), start)
	s.noteAuthFailure("secret", err)
	return nil, spanError(span, err)
}

// DownloadAndStoreBlob fetches rawURL and seals the body as name. An
// existing name fails with blobstore.ErrAlreadyExists before any network
// I/O. A failed transfer leaves nothing under name.
func (s *Service) DownloadAndStoreBlob(ctx context.Context, name, rawURL string) (blob *blobstore.Blob, err error) {
	ctx, span := tracer.Start(ctx, "service.DownloadAndStoreBlob")
	start := time.Now()
	defer func() {
		s.finishBlob(ctx, span, audit.EventTypeBlobCreate, name, blob, start, err)
	}()

	_, blobs, err := s.stores(ctx)
	if err != nil {
		return nil, err
	}
	exists, err := blobs.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrAlreadyExists, name)
	}

	resp, err := s.fetcher.Get(ctx, rawURL)
	if err != nil {
		s.recordDownload(err)
		return nil, err
	}
	defer resp.Body.Close()

	blob, err = blobs.Create(ctx, name, resp.Body,
		blobstore.WithContentType(resp.ContentType),
		blobstore.WithSizeHint(resp.ContentLength),
	)
	s.recordDownload(err)
	return blob, err
}

// StoreBlob seals the contents of r as name.
func (s *Service) StoreBlob(ctx context.Context, name string, r io.Reader, opts ...blobstore.CreateOption) (blob *blobstore.Blob, err error) {
	ctx, span := tracer.Start(ctx, "service.StoreBlob")
	start := time.Now()
	defer func() {
		s.finishBlob(ctx, span, audit.EventTypeBlobCreate, name, blob, start, err)
	}()

	_, blobs, err := s.stores(ctx)
	if err != nil {
		return nil, err
	}
	return blobs.Create(ctx, name, r, opts...)
}

// DeleteBlob removes name. deleted is false if it was absent.
func (s *Service) DeleteBlob(ctx context.Context, name string) (deleted bool, err error) {
	ctx, span := tracer.Start(ctx, "service.DeleteBlob")
	start := time.Now()
	defer func() {
		if err == nil && !deleted {
			s.record("blob_delete", "not_found", start)
			span.End()
			return
		}
		s.finishBlob(ctx, span, audit.EventTypeBlobDelete, name, nil, start, err)
	}()

	_, blobs, err := s.stores(ctx)
	if err != nil {
		return false, err
	}
	return blobs.Delete(ctx, name)
}

// ReadPlainFile returns the stored, still encrypted bytes of name.
func (s *Service) ReadPlainFile(ctx context.Context, name string) (rc io.ReadCloser, err error) {
	ctx, span := tracer.Start(ctx, "service.ReadPlainFile")
	start := time.Now()
	defer func() {
		s.finishBlob(ctx, span, audit.EventTypeBlobReadRaw, name, nil, start, err)
	}()

	_, blobs, err := s.stores(ctx)
	if err != nil {
		return nil, err
	}
	return blobs.OpenRaw(ctx, name)
}

// ReadAndDecryptBlob returns a stream of the plaintext of name. Read errors
// on the stream, including crypto.ErrAuthenticationFailed, end it; the
// operation is audited when the stream is closed.
func (s *Service) ReadAndDecryptBlob(ctx context.Context, name string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "service.ReadAndDecryptBlob")
	start := time.Now()

	_, blobs, err := s.stores(ctx)
	if err == nil {
		var rc io.ReadCloser
		rc, err = blobs.Open(ctx, name)
		if err == nil {
			return &auditedReader{rc: rc, done: func(n int64, readErr error) {
				blob := &blobstore.Blob{Name: name, Size: n}
				s.finishBlob(ctx, span, audit.EventTypeBlobRead, name, blob, start, readErr)
			}}, nil
		}
	}
	s.finishBlob(ctx, span, audit.EventTypeBlobRead, name, nil, start, err)
	return nil, err
}

// StatBlob describes name without decrypting its payload.
func (s *Service) StatBlob(ctx context.Context, name string) (*blobstore.Blob, error) {
	_, blobs, err := s.stores(ctx)
	if err != nil {
		return nil, err
	}
	return blobs.Stat(ctx, name)
}

// ListBlobs returns the names of all sealed blobs.
func (s *Service) ListBlobs(ctx context.Context) ([]string, error) {
	_, blobs, err := s.stores(ctx)
	if err != nil {
		return nil, err
	}
	return blobs.List(ctx)
}

// Close closes the stores and wipes the master key.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.kv != nil {
		errs = append(errs, s.kv.Close())
		s.kv = nil
	}
	if s.blobs != nil {
		errs = append(errs, s.blobs.Close())
		s.blobs = nil
	}
	errs = append(errs, s.keys.Close())
	return errors.Join(errs...)
}

// Classify maps an operation error to a metrics result label.
func Classify(err error) string {
	var terr *fetch.TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, keystore.ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, blobstore.ErrAlreadyExists):
		return "conflict"
	case errors.Is(err, blobstore.ErrNotFound):
		return "not_found"
	case errors.Is(err, blobstore.ErrInvalidName):
		return "invalid"
	case errors.As(err, &terr):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (s *Service) finishSecret(ctx context.Context, span trace.Span, event audit.EventType, lookupID string, n int64, start time.Time, err error) {
	defer span.End()
	s.record(string(event), Classify(err), start)
	if err != nil {
		spanError(span, err)
		s.noteAuthFailure("secret", err)
	} else if s.metrics != nil {
		s.metrics.RecordBytes(string(event), n)
	}
	if s.audit != nil {
		s.audit.LogSecret(ctx, event, lookupID, err, time.Since(start))
	}
}

func (s *Service) finishBlob(ctx context.Context, span trace.Span, event audit.EventType, name string, blob *blobstore.Blob, start time.Time, err error) {
	defer span.End()
	s.record(string(event), Classify(err), start)

	var algorithm string
	var n int64
	if blob != nil {
		algorithm = blob.Algorithm
		n = blob.Size
	}
	if err != nil {
		spanError(span, err)
		s.noteAuthFailure("blob", err)
	} else if s.metrics != nil {
		s.metrics.RecordBytes(string(event), n)
	}
	if s.audit != nil {
		s.audit.LogBlob(ctx, event, name, algorithm, n, err, time.Since(start))
	}
}

func (s *Service) record(operation, result string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordOperation(operation, result, time.Since(start))
	}
}

func (s *Service) recordDownload(err error) {
	if s.metrics != nil {
		s.metrics.RecordDownload(Classify(err))
	}
}

func (s *Service) noteAuthFailure(resource string, err error) {
	if s.metrics != nil && errors.Is(err, crypto.ErrAuthenticationFailed) {
		s.metrics.RecordAuthFailure(resource)
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// auditedReader reports the bytes read and the first read error once, on
// Close.
type auditedReader struct {
	rc   io.ReadCloser
	n    int64
	err  error
	once sync.Once
	done func(n int64, err error)
}

func (r *auditedReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.n += int64(n)
	if err != nil && err != io.EOF && r.err == nil {
		r.err = err
	}
	return n, err
}

func (r *auditedReader) Close() error {
	err := r.rc.Close()
	r.once.Do(func() { r.done(r.n, r.err) })
	return err
}
