package blobstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/sealed-store/internal/crypto"
	"github.com/kenneth/sealed-store/internal/lockmap"
)

var (
	// ErrAlreadyExists is returned when creating a name that is already sealed.
	ErrAlreadyExists = errors.New("blob already exists")
	// ErrNotFound is returned when opening a name that does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidName is returned for names outside the allowed character set.
	ErrInvalidName = errors.New("invalid blob name")
)

var tracer = otel.Tracer("github.com/kenneth/sealed-store/internal/blobstore")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,199}$`)

// ValidateName checks that name is usable as a blob name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// KeyDeriver yields purpose-bound subkeys of the master key.
type KeyDeriver interface {
	Derive(label string) ([]byte, error)
}

// Blob describes a sealed blob.
type Blob struct {
	Name string `json:"name"`
	// Size is the plaintext length, or -1 when the payload is compressed
	// and the length is only known after decoding.
	Size int64 `json:"size"`
	// StoredSize is the length of the payload fed to the chunker.
	StoredSize int64  `json:"stored_size"`
	ChunkSize  int    `json:"chunk_size"`
	Algorithm  string `json:"algorithm"`
	Compressed bool   `json:"compressed"`
}

// Store encrypts named byte streams into sealed blobs.
type Store struct {
	backend     Backend
	fileKey     []byte
	chunkSize   int
	algorithm   string
	compression *Compression
	locks       *lockmap.Map
	logger      *logrus.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithChunkSize sets the plaintext chunk size for new blobs.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		s.chunkSize = n
	}
}

// WithAlgorithm sets the AEAD for new blobs. Existing blobs record their own.
func WithAlgorithm(algorithm string) Option {
	return func(s *Store) {
		s.algorithm = algorithm
	}
}

// WithCompression sets the compression policy for new blobs.
func WithCompression(c *Compression) Option {
	return func(s *Store) {
		s.compression = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store on backend, deriving the file key from master.
func New(master KeyDeriver, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:   backend,
		chunkSize: DefaultChunkSize,
		algorithm: crypto.AlgorithmAES256GCM,
		locks:     lockmap.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}

	if s.chunkSize < MinChunkSize || s.chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d outside [%d, %d]", s.chunkSize, MinChunkSize, MaxChunkSize)
	}
	if !crypto.IsAlgorithmSupported(s.algorithm) {
		return nil, fmt.Errorf("unsupported algorithm: %s", s.algorithm)
	}

	key, err := master.Derive(crypto.LabelFileEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to derive file key: %w", err)
	}
	s.fileKey = key
	return s, nil
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// blobAEAD derives the per-blob key from the seed and name.
func (s *Store) blobAEAD(algorithm string, seed []byte, name string) (*crypto.AEAD, error) {
	key, err := crypto.DeriveKey(s.fileKey, seed, name)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)
	return crypto.NewAEAD(algorithm, key)
}

// CreateOption carries hints about the source stream.
type CreateOption func(*createOptions)

type createOptions struct {
	contentType string
	sizeHint    int64
}

// WithContentType records the source media type for the compression decision.
func WithContentType(ct string) CreateOption {
	return func(o *createOptions) {
		o.contentType = ct
	}
}

// WithSizeHint records the expected source length, -1 if unknown.
func WithSizeHint(n int64) CreateOption {
	return func(o *createOptions) {
		o.sizeHint = n
	}
}

// Exists reports whether name is sealed.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	return s.backend.Exists(ctx, name)
}

// Create encrypts src into a new blob called name. Nothing is visible under
// name unless the whole stream was sealed and committed; on any error the
// staged data is discarded.
func (s *Store) Create(ctx context.Context, name string, src io.Reader, opts ...CreateOption) (*Blob, error) {
	ctx, span := tracer.Start(ctx, "blobstore.Create", trace.WithAttributes(
		attribute.String("blob.backend", s.backend.Name()),
	))
	defer span.End()

	if err := ValidateName(name); err != nil {
		return nil, spanError(span, err)
	}
	o := createOptions{sizeHint: -1}
	for _, opt := range opts {
		opt(&o)
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	exists, err := s.backend.Exists(ctx, name)
	if err != nil {
		return nil, spanError(span, err)
	}
	if exists {
		return nil, spanError(span, ErrAlreadyExists)
	}

	algID, err := crypto.AlgorithmID(s.algorithm)
	if err != nil {
		return nil, spanError(span, err)
	}
	h := &header{algorithm: algID, chunkSize: uint32(s.chunkSize)}
	seed, err := crypto.RandomBytes(crypto.NonceSize)
	if err != nil {
		return nil, spanError(span, err)
	}
	copy(h.seed[:], seed)

	counter := &countingReader{ctx: ctx, r: src}
	var payload io.Reader = counter
	if s.compression.ShouldCompress(o.sizeHint, o.contentType) {
		h.flags |= flagGzip
		zr := s.compression.compress(counter)
		defer zr.Close()
		payload = zr
	}

	aead, err := s.blobAEAD(s.algorithm, seed, name)
	if err != nil {
		return nil, spanError(span, err)
	}

	stage, err := s.backend.Stage(ctx, name)
	if err != nil {
		return nil, spanError(span, err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := stage.Abort(); err != nil {
				s.logger.WithError(err).WithField("blob", name).Warn("Failed to discard staged blob")
			}
		}
	}()

	total, err := s.sealChunks(ctx, stage, h, aead, payload)
	if err != nil {
		return nil, spanError(span, err)
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], total)
	if _, err := stage.WriteAt(lenBuf[:], offTotalLen); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to finalize blob header: %w", err))
	}

	if err := stage.Commit(ctx); err != nil {
		return nil, spanError(span, err)
	}
	committed = true

	blob := &Blob{
		Name:       name,
		Size:       counter.n,
		StoredSize: int64(total),
		ChunkSize:  s.chunkSize,
		Algorithm:  s.algorithm,
		Compressed: h.compressed(),
	}
	span.SetAttributes(attribute.Int64("blob.size", blob.Size))
	s.logger.WithFields(logrus.Fields{
		"blob":       name,
		"size":       blob.Size,
		"compressed": blob.Compressed,
	}).Debug("Sealed blob")
	return blob, nil
}

// sealChunks writes the header and every sealed chunk to w, returning the
// payload length. It reads one chunk ahead so the last chunk can be marked
// final; an empty payload still produces one empty final chunk.
func (s *Store) sealChunks(ctx context.Context, w io.Writer, h *header, aead *crypto.AEAD, payload io.Reader) (uint64, error) {
	hdr := h.marshal()
	if _, err := w.Write(hdr); err != nil {
		return 0, fmt.Errorf("failed to write blob header: %w", err)
	}

	br := bufio.NewReaderSize(payload, s.chunkSize+1)
	buf := make([]byte, s.chunkSize)
	var total uint64

	for index := uint32(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := io.ReadFull(br, buf)
		final := false
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			final = true
		case err != nil:
			return 0, fmt.Errorf("failed to read source: %w", err)
		default:
			if _, perr := br.Peek(1); perr == io.EOF {
				final = true
			} else if perr != nil {
				return 0, fmt.Errorf("failed to read source: %w", perr)
			}
		}
		total += uint64(n)

		if !final && index == crypto.MaxChunkIndex {
			return 0, fmt.Errorf("blob exceeds maximum chunk count")
		}

		sealed, err := aead.Seal(crypto.ChunkNonce(h.seed[:], index), buf[:n], chunkAAD(hdr, index, final, total))
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(sealed); err != nil {
			return 0, fmt.Errorf("failed to write blob chunk: %w", err)
		}
		if final {
			return total, nil
		}
	}
}

// Open returns a stream of the decrypted blob. Each chunk is authenticated
// before any of its plaintext is returned.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "blobstore.Open")
	defer span.End()

	if err := ValidateName(name); err != nil {
		return nil, spanError(span, err)
	}

	unlock := s.locks.RLock(name)
	defer unlock()

	raw, err := s.backend.Open(ctx, name)
	if err != nil {
		return nil, spanError(span, err)
	}
	br := bufio.NewReader(raw)

	h, hdr, err := readHeader(br)
	if err != nil {
		raw.Close()
		s.logAuthFailure(name, err)
		return nil, spanError(span, err)
	}
	algorithm, _ := crypto.AlgorithmName(h.algorithm)
	aead, err := s.blobAEAD(algorithm, h.seed[:], name)
	if err != nil {
		raw.Close()
		return nil, spanError(span, err)
	}

	r := &decryptReader{
		ctx:    ctx,
		src:    br,
		closer: raw,
		aead:   aead,
		hdr:    h,
		prefix: hdr,
		buf:    make([]byte, int(h.chunkSize)+aead.Overhead()),
		onAuthFailure: func(err error) {
			s.logAuthFailure(name, err)
		},
	}
	if h.compressed() {
		return newGunzipReader(r), nil
	}
	return r, nil
}

// Stat reads only the header of name.
func (s *Store) Stat(ctx context.Context, name string) (*Blob, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	unlock := s.locks.RLock(name)
	defer unlock()

	raw, err := s.backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	h, _, err := readHeader(raw)
	if err != nil {
		return nil, err
	}
	algorithm, _ := crypto.AlgorithmName(h.algorithm)
	blob := &Blob{
		Name:       name,
		Size:       int64(h.totalLen),
		StoredSize: int64(h.totalLen),
		ChunkSize:  int(h.chunkSize),
		Algorithm:  algorithm,
		Compressed: h.compressed(),
	}
	if blob.Compressed {
		blob.Size = -1
	}
	return blob, nil
}

// OpenRaw returns the persisted bytes of name without decrypting them.
func (s *Store) OpenRaw(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	unlock := s.locks.RLock(name)
	defer unlock()
	return s.backend.Open(ctx, name)
}

// Delete removes name. Deleting a missing blob reports false and no error.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	ctx, span := tracer.Start(ctx, "blobstore.Delete")
	defer span.End()

	if err := ValidateName(name); err != nil {
		return false, spanError(span, err)
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	deleted, err := s.backend.Delete(ctx, name)
	if err != nil {
		return false, spanError(span, err)
	}
	return deleted, nil
}

// List returns the names of all sealed blobs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// Close wipes the derived file key.
func (s *Store) Close() error {
	crypto.Zero(s.fileKey)
	return nil
}

func (s *Store) logAuthFailure(name string, err error) {
	if !isAuthError(err) {
		return
	}
	s.logger.WithField("blob", name).Warn("Blob failed authentication")
}

func readHeader(r io.Reader) (*header, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil, fmt.Errorf("%w: truncated header", crypto.ErrAuthenticationFailed)
		}
		return nil, nil, fmt.Errorf("failed to read blob header: %w", err)
	}
	h, err := parseHeader(hdr)
	if err != nil {
		return nil, nil, err
	}
	return h, hdr, nil
}

func isAuthError(err error) bool {
	return errors.Is(err, crypto.ErrAuthenticationFailed)
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// countingReader counts source bytes and stops on cancellation.
type countingReader struct {
	ctx context.Context
	r   io.Reader
	n   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
