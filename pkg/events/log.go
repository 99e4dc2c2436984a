// Package events is the engine's append-only audit stream. Every entry is
// persisted as a legal artifact and mirrored to slog for operators.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// Log is the sole write surface of the event stream.
type Log struct {
	store  *store.EventStore
	logger *slog.Logger
}

// NewLog wraps the event store.
func NewLog(s *store.EventStore) *Log {
	return &Log{
		store:  s,
		logger: slog.Default().With("component", "events"),
	}
}

// Record appends one event. Failures to persist are themselves logged but
// do not fail the caller's operation; the audit stream must never block the
// legal record path.
func (l *Log) Record(ctx context.Context, eventType store.EventType, severity store.Severity, message string, recordID string, details map[string]any) store.Event {
	evt, err := l.store.Append(ctx, store.Event{
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		RecordID:  recordID,
		Details:   details,
	})
	if err != nil {
		l.logger.Error("event append failed", "event_type", eventType, "error", err)
	}

	attrs := []any{"event_type", string(eventType)}
	if recordID != "" {
		attrs = append(attrs, "record_id", recordID)
	}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	switch severity {
	case store.SeverityDebug:
		l.logger.Debug(message, attrs...)
	case store.SeverityWarning:
		l.logger.Warn(message, attrs...)
	case store.SeverityError, store.SeverityCritical:
		l.logger.Error(message, attrs...)
	default:
		l.logger.Info(message, attrs...)
	}
	return evt
}

// Query exposes the read side of the stream.
func (l *Log) Query(ctx context.Context, f store.EventFilter) ([]store.Event, error) {
	return l.store.Query(ctx, f)
}

// Since is a convenience filter for recent events.
func (l *Log) Since(ctx context.Context, t time.Time, limit int) ([]store.Event, error) {
	return l.store.Query(ctx, store.EventFilter{Since: t, Limit: limit})
}
