package blobstore

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/kenneth/sealed-store/internal/crypto"
)

// decryptReader yields plaintext chunk by chunk. The first failure is
// sticky: every later Read returns the same error.
type decryptReader struct {
	ctx    context.Context
	src    *bufio.Reader
	closer io.Closer
	aead   *crypto.AEAD
	hdr    *header
	prefix []byte

	buf     []byte // ciphertext scratch, chunkSize+tag
	plain   []byte // authenticated plaintext not yet returned
	index   uint32
	payload uint64
	final   bool
	err     error
	closed  bool

	onAuthFailure func(error)
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.final {
			return 0, io.EOF
		}
		if err := r.nextChunk(); err != nil {
			r.err = err
			if isAuthError(err) && r.onAuthFailure != nil {
				r.onAuthFailure(err)
			}
			return 0, err
		}
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *decryptReader) nextChunk() error {
	if r.closed {
		return fmt.Errorf("read on closed blob")
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}

	n, err := io.ReadFull(r.src, r.buf)
	final := false
	switch {
	case err == io.EOF:
		// The previous chunk was not final, so the file was cut short.
		return fmt.Errorf("%w: missing final chunk", crypto.ErrAuthenticationFailed)
	case err == io.ErrUnexpectedEOF:
		final = true
	case err != nil:
		return fmt.Errorf("failed to read blob: %w", err)
	default:
		if _, perr := r.src.Peek(1); perr == io.EOF {
			final = true
		} else if perr != nil {
			return fmt.Errorf("failed to read blob: %w", perr)
		}
	}

	if n < r.aead.Overhead() {
		return fmt.Errorf("%w: short chunk", crypto.ErrAuthenticationFailed)
	}
	if !final && r.index == crypto.MaxChunkIndex {
		return fmt.Errorf("%w: too many chunks", crypto.ErrAuthenticationFailed)
	}

	plain, err := r.aead.Open(
		crypto.ChunkNonce(r.hdr.seed[:], r.index),
		r.buf[:n],
		chunkAAD(r.prefix, r.index, final, r.hdr.totalLen),
	)
	if err != nil {
		return err
	}

	r.payload += uint64(len(plain))
	if final && r.payload != r.hdr.totalLen {
		return fmt.Errorf("%w: length mismatch", crypto.ErrAuthenticationFailed)
	}
	if final {
		r.closeSource()
	}

	r.plain = plain
	r.final = final
	r.index++
	return nil
}

func (r *decryptReader) closeSource() {
	if !r.closed {
		r.closed = true
		r.closer.Close()
	}
}

// Close releases the underlying handle.
func (r *decryptReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.closer.Close()
}
