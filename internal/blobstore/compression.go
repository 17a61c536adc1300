package blobstore

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"
)

// Compression decides whether a payload is gzipped before encryption and
// performs the streaming transform.
type Compression struct {
	enabled      bool
	minSize      int64
	contentTypes []string
	level        int
}

// NewCompression creates a compression policy. An empty contentTypes list
// uses the built-in set of text-like types.
func NewCompression(enabled bool, minSize int64, contentTypes []string, level int) (*Compression, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid gzip level %d", level)
	}
	return &Compression{
		enabled:      enabled,
		minSize:      minSize,
		contentTypes: contentTypes,
		level:        level,
	}, nil
}

// ShouldCompress determines if a payload should be compressed. size is -1
// when unknown, which skips the minimum size check.
func (c *Compression) ShouldCompress(size int64, contentType string) bool {
	if c == nil || !c.enabled {
		return false
	}

	if size >= 0 && size < c.minSize {
		return false
	}

	// Skip known non-compressible types
	if isNonCompressibleType(contentType) {
		return false
	}

	if len(c.contentTypes) == 0 {
		return isCompressibleType(contentType, defaultCompressibleTypes)
	}
	return isCompressibleType(contentType, c.contentTypes)
}

var defaultCompressibleTypes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/javascript",
	"application/x-javascript",
	"application/x-sh",
	"application/x-yaml",
}

// isNonCompressibleType returns true for content types that should not be compressed.
func isNonCompressibleType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return false
	}
	nonPrefixes := []string{
		"image/",
		"video/",
		"audio/",
		"application/zip",
		"application/gzip",
		"application/x-gzip",
		"application/x-7z-compressed",
		"application/x-rar-compressed",
		"application/pdf",
	}
	for _, p := range nonPrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

func isCompressibleType(contentType string, compressibleTypes []string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "" {
		return false
	}
	for _, ct := range compressibleTypes {
		ct = strings.ToLower(strings.TrimSpace(ct))
		if strings.HasPrefix(contentType, ct) {
			return true
		}
	}
	return false
}

// compress returns a reader yielding gzip(src). The returned reader must be
// closed to stop the compressing goroutine.
func (c *Compression) compress(src io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		zw, err := gzip.NewWriterLevel(pw, c.level)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(zw, src); err != nil {
			zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()
	return pr
}

// gunzipReader defers reading the gzip header until the first Read so that
// opening a compressed blob does no decryption work.
type gunzipReader struct {
	src io.ReadCloser
	zr  *gzip.Reader
	err error
}

func newGunzipReader(src io.ReadCloser) *gunzipReader {
	return &gunzipReader{src: src}
}

func (g *gunzipReader) Read(p []byte) (int, error) {
	if g.err != nil {
		return 0, g.err
	}
	if g.zr == nil {
		zr, err := gzip.NewReader(g.src)
		if err != nil {
			g.err = decompressError(err)
			return 0, g.err
		}
		g.zr = zr
	}
	n, err := g.zr.Read(p)
	if err != nil && err != io.EOF {
		g.err = decompressError(err)
		return n, g.err
	}
	return n, err
}

func (g *gunzipReader) Close() error {
	if g.zr != nil {
		g.zr.Close()
	}
	return g.src.Close()
}

// decompressError keeps authentication failures from the underlying stream
// visible through the gzip layer.
func decompressError(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	if isAuthError(err) {
		return err
	}
	return fmt.Errorf("failed to decompress blob: %w", err)
}
