package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("github.com/kenneth/sealed-store/internal/fetch")

// TransportError reports a failed download. It never carries the response
// body.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrTooLarge is wrapped by a TransportError when the body exceeds MaxBytes.
var ErrTooLarge = errors.New("response body exceeds limit")

// Options configures a Fetcher.
type Options struct {
	Timeout        time.Duration // per attempt, until response headers
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxBytes       int64 // 0 means unlimited
	UserAgent      string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		UserAgent:      "sealed-store/1",
	}
}

// Response is a successful download. The caller must close Body.
type Response struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 if unknown
}

// Fetcher downloads remote resources with retries.
type Fetcher struct {
	client *http.Client
	opts   Options
	logger *logrus.Logger
}

// New creates a Fetcher. A nil client uses a client with opts.Timeout as
// its response header timeout.
func New(client *http.Client, opts Options, logger *logrus.Logger) *Fetcher {
	def := DefaultOptions()
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Timeout > 0 {
			transport.ResponseHeaderTimeout = opts.Timeout
		}
		client = &http.Client{Transport: transport}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Fetcher{client: client, opts: opts, logger: logger}
}

// Get issues a GET for rawURL. Connection failures, 429 and 5xx responses
// are retried with exponential backoff; other statuses fail immediately.
// Read errors on the returned body are TransportErrors too.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "fetch.Get")
	defer span.End()

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		terr := &TransportError{URL: redact(rawURL), Err: errors.New("unsupported url")}
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Error())
		return nil, terr
	}
	display := redact(rawURL)
	span.SetAttributes(attribute.String("http.url", display))

	requestID := uuid.NewString()
	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)
		req.Header.Set("X-Request-Id", requestID)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			drain(resp.Body)
			return nil, &TransportError{URL: display, StatusCode: resp.StatusCode}
		default:
			drain(resp.Body)
			return nil, backoff.Permanent(&TransportError{URL: display, StatusCode: resp.StatusCode})
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = f.opts.InitialBackoff
	expo.MaxInterval = f.opts.MaxBackoff

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(f.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.WithFields(logrus.Fields{
				"url":        display,
				"attempt":    attempt,
				"retry_in":   next.String(),
				"request_id": requestID,
				"error":      err.Error(),
			}).Warn("Download attempt failed, retrying")
		}),
	)
	span.SetAttributes(attribute.Int("fetch.attempts", attempt))
	if err != nil {
		var terr *TransportError
		if !errors.As(err, &terr) {
			terr = &TransportError{URL: display, Err: err}
		}
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Error())
		return nil, terr
	}

	f.logger.WithFields(logrus.Fields{
		"url":            display,
		"status":         resp.StatusCode,
		"content_length": resp.ContentLength,
		"request_id":     requestID,
	}).Debug("Download started")

	if f.opts.MaxBytes > 0 && resp.ContentLength > f.opts.MaxBytes {
		drain(resp.Body)
		return nil, &TransportError{URL: display, Err: ErrTooLarge}
	}

	return &Response{
		Body:          &body{rc: resp.Body, url: display, limit: f.opts.MaxBytes},
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

// body turns read failures into TransportErrors and enforces the size limit.
type body struct {
	rc    io.ReadCloser
	url   string
	limit int64
	read  int64
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.read += int64(n)
	if b.limit > 0 && b.read > b.limit {
		return 0, &TransportError{URL: b.url, Err: ErrTooLarge}
	}
	if err != nil && err != io.EOF {
		return n, &TransportError{URL: b.url, Err: err}
	}
	return n, err
}

func (b *body) Close() error {
	return b.rc.Close()
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	rc.Close()
}

// redact strips credentials and the query string from a URL for logs and
// errors.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
