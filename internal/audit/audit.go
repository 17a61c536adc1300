package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventTypeSecretPut    EventType = "secret_put"
	EventTypeSecretGet    EventType = "secret_get"
	EventTypeSecretDelete EventType = "secret_delete"
	EventTypeBlobCreate   EventType = "blob_create"
	EventTypeBlobRead     EventType = "blob_read"
	EventTypeBlobReadRaw  EventType = "blob_read_raw"
	EventTypeBlobDelete   EventType = "blob_delete"
	EventTypeKeyGenerated EventType = "key_generated"
)

// Event represents a single audit log event. Secrets are identified only by
// a prefix of their lookup id, never by name.
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Resource  string        `json:"resource,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Algorithm string        `json:"algorithm,omitempty"`
	Bytes     int64         `json:"bytes,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an event.
	Log(event *Event)

	// LogSecret records a secret operation identified by lookupID.
	LogSecret(ctx context.Context, eventType EventType, lookupID string, err error, duration time.Duration)

	// LogBlob records a blob operation.
	LogBlob(ctx context.Context, eventType EventType, name, algorithm string, bytes int64, err error, duration time.Duration)

	// LogKeyGenerated records creation of a new master key.
	LogKeyGenerated(backend string)

	// Events returns the buffered events, oldest first.
	Events() []*Event
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// auditLogger keeps a bounded in-memory buffer and forwards to a writer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger. A nil writer discards events after
// buffering them.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

func (l *auditLogger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// Audit output failures must not fail the audited operation.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *auditLogger) LogSecret(ctx context.Context, eventType EventType, lookupID string, err error, duration time.Duration) {
	if len(lookupID) > 12 {
		lookupID = lookupID[:12]
	}
	event := &Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Resource:  "secret:" + lookupID,
		RequestID: RequestIDFromContext(ctx),
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogBlob(ctx context.Context, eventType EventType, name, algorithm string, bytes int64, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Resource:  "blob:" + name,
		RequestID: RequestIDFromContext(ctx),
		Algorithm: algorithm,
		Bytes:     bytes,
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogKeyGenerated(backend string) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventTypeKeyGenerated,
		Resource:  "keystore:" + backend,
		Success:   true,
	})
}

func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes events as structured log entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer emitting one entry per event on logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

func (w *LogrusWriter) WriteEvent(event *Event) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  string(event.EventType),
		"resource":    event.Resource,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.Bytes > 0 {
		fields["bytes"] = event.Bytes
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	w.logger.WithFields(fields).WithTime(event.Timestamp).Info("audit")
	return nil
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
