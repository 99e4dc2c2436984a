package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventRecordCreated       EventType = "record_created"
	EventTransmissionAttempt EventType = "transmission_attempt"
	EventTransmissionSuccess EventType = "transmission_success"
	EventTransmissionFailure EventType = "transmission_failure"
	EventRetryScheduled      EventType = "retry_scheduled"
	EventConnectionError     EventType = "connection_error"
	EventAuthorityError      EventType = "authority_error"
	EventChainValidation     EventType = "chain_validation"
	EventChainError          EventType = "chain_error"
	EventChainRecovered      EventType = "chain_recovered"
	EventCertificateWarning  EventType = "certificate_warning"
	EventConfigChanged       EventType = "config_changed"
	EventContingencyStart    EventType = "contingency_start"
	EventContingencyEnd      EventType = "contingency_end"
)

// Severity grades an event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a single immutable entry of the audit stream. The record
// reference is weak: records are never deleted, but an event survives any
// logical detachment from its record.
type Event struct {
	ID        string         `json:"id"`
	EventType EventType      `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RecordID  string         `json:"record_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventStore is an append-only audit log. There is no update and no delete.
type EventStore struct {
	db *sql.DB
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}',
	record_id TEXT,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_severity ON events (severity);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);
`

// NewEventStore migrates and returns the event store.
func NewEventStore(ctx context.Context, db *sql.DB) (*EventStore, error) {
	for _, stmt := range strings.Split(eventSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate events: %w", err)
		}
	}
	return &EventStore{db: db}, nil
}

// Append writes one event and returns it with ID and timestamp assigned.
func (s *EventStore) Append(ctx context.Context, evt Event) (Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Details == nil {
		evt.Details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(evt.Details)
	if err != nil {
		return Event{}, fmt.Errorf("serialize event details: %w", err)
	}

	var recordID any
	if evt.RecordID != "" {
		recordID = evt.RecordID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, severity, message, details, record_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		evt.ID, evt.EventType, evt.Severity, evt.Message, string(detailsJSON), recordID, formatTime(evt.Timestamp),
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

// EventFilter narrows Query results. Zero values mean "any".
type EventFilter struct {
	EventType EventType
	Severity  Severity
	RecordID  string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Query lists events newest first.
func (s *EventStore) Query(ctx context.Context, f EventFilter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.EventType != "" {
		where = append(where, "event_type = "+arg(string(f.EventType)))
	}
	if f.Severity != "" {
		where = append(where, "severity = "+arg(string(f.Severity)))
	}
	if f.RecordID != "" {
		where = append(where, "record_id = "+arg(f.RecordID))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= "+arg(formatTime(f.Since)))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp < "+arg(formatTime(f.Until)))
	}

	query := `SELECT id, event_type, severity, message, details, record_id, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			evt         Event
			detailsJSON string
			recordID    sql.NullString
			ts          string
		)
		if err := rows.Scan(&evt.ID, &evt.EventType, &evt.Severity, &evt.Message, &detailsJSON, &recordID, &ts); err != nil {
			return nil, err
		}
		if detailsJSON != "" {
			_ = json.Unmarshal([]byte(detailsJSON), &evt.Details)
		}
		evt.RecordID = recordID.String
		evt.Timestamp = parseTime(ts)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
