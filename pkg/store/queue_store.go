package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/veritax-labs/verifactu-core/pkg/record"
)

// QueuePriority orders contingency retries; lower values drain first.
type QueuePriority int

const (
	PriorityHigh   QueuePriority = 1
	PriorityNormal QueuePriority = 2
	PriorityLow    QueuePriority = 3
)

// QueueStatus is the lifecycle of a queue entry.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueRetrying  QueueStatus = "retrying"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
	QueueCancelled QueueStatus = "cancelled"
)

// QueueEntry tracks one record awaiting transmission. At most one entry
// exists per record.
type QueueEntry struct {
	ID            string        `json:"id"`
	RecordID      string        `json:"record_id"`
	Priority      QueuePriority `json:"priority"`
	Status        QueueStatus   `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	QueuedAt      time.Time     `json:"queued_at"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
}

// ErrAlreadyQueued is returned when a record already has a queue entry.
var ErrAlreadyQueued = errors.New("record already queued")

// QueueStore persists the contingency retry queue.
type QueueStore struct {
	db *sql.DB
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS contingency_queue (
	id TEXT PRIMARY KEY,
	record_id TEXT NOT NULL UNIQUE,
	priority INTEGER NOT NULL DEFAULT 2,
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT NOT NULL DEFAULT '',
	queued_at TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON contingency_queue (status);
CREATE INDEX IF NOT EXISTS idx_queue_order ON contingency_queue (priority, queued_at);
`

// NewQueueStore migrates and returns the queue store.
func NewQueueStore(ctx context.Context, db *sql.DB) (*QueueStore, error) {
	for _, stmt := range strings.Split(queueSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate contingency queue: %w", err)
		}
	}
	return &QueueStore{db: db}, nil
}

// Enqueue inserts a new entry for the record.
func (s *QueueStore) Enqueue(ctx context.Context, recordID, reason string, priority QueuePriority, now time.Time) (QueueEntry, error) {
	entry := QueueEntry{
		ID:            uuid.New().String(),
		RecordID:      recordID,
		Priority:      priority,
		Status:        QueuePending,
		Reason:        reason,
		QueuedAt:      now,
		NextAttemptAt: &now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contingency_queue (id, record_id, priority, status, reason, queued_at, attempts, last_attempt_at, last_error, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NULL, '', $7)`,
		entry.ID, entry.RecordID, int(entry.Priority), entry.Status, entry.Reason,
		formatTime(entry.QueuedAt), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return QueueEntry{}, fmt.Errorf("%w: record %s", ErrAlreadyQueued, recordID)
		}
		return QueueEntry{}, fmt.Errorf("enqueue record: %w", err)
	}
	return entry, nil
}

const queueColumns = `id, record_id, priority, status, reason, queued_at, attempts, last_attempt_at, last_error, next_attempt_at`

// Get loads a queue entry by record ID.
func (s *QueueStore) Get(ctx context.Context, recordID string) (QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM contingency_queue WHERE record_id = $1`, recordID)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, record.ErrNotFound
	}
	return entry, err
}

// Due returns pending and retrying entries whose next attempt is at or
// before now, ordered by priority then insertion.
func (s *QueueStore) Due(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM contingency_queue
		 WHERE status IN ('pending', 'retrying') AND next_attempt_at <= $1
		 ORDER BY priority ASC, queued_at ASC
		 LIMIT $2`,
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select due queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountOpen counts pending and retrying entries.
func (s *QueueStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contingency_queue WHERE status IN ('pending', 'retrying')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open queue entries: %w", err)
	}
	return n, nil
}

// CountOlderThan counts open entries queued before the cutoff.
func (s *QueueStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contingency_queue WHERE status IN ('pending', 'retrying') AND queued_at < $1`,
		formatTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count aged queue entries: %w", err)
	}
	return n, nil
}

// Update rewrites the mutable fields of an entry.
func (s *QueueStore) Update(ctx context.Context, entry QueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contingency_queue
		SET priority = $1, status = $2, attempts = $3, last_attempt_at = $4, last_error = $5, next_attempt_at = $6
		WHERE id = $7`,
		int(entry.Priority), entry.Status, entry.Attempts,
		formatNullableTime(entry.LastAttemptAt), entry.LastError, formatNullableTime(entry.NextAttemptAt),
		entry.ID,
	)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	return nil
}

func scanQueueEntry(row rowScanner) (QueueEntry, error) {
	var (
		entry       QueueEntry
		priority    int
		queuedAt    string
		lastAttempt sql.NullString
		nextAttempt sql.NullString
	)
	err := row.Scan(&entry.ID, &entry.RecordID, &priority, &entry.Status, &entry.Reason,
		&queuedAt, &entry.Attempts, &lastAttempt, &entry.LastError, &nextAttempt)
	if err != nil {
		return QueueEntry{}, err
	}
	entry.Priority = QueuePriority(priority)
	entry.QueuedAt = parseTime(queuedAt)
	entry.LastAttemptAt = parseNullableTime(lastAttempt)
	entry.NextAttemptAt = parseNullableTime(nextAttempt)
	return entry, nil
}
