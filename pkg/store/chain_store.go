package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/money"
	"github.com/veritax-labs/verifactu-core/pkg/record"
)

// ChainStore is the persistent, append-oriented log of invoice records.
// Records are never deleted; the interface has no delete operation.
type ChainStore struct {
	db *sql.DB
}

const chainSchema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	record_type TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	issuer_nif TEXT NOT NULL,
	issuer_name TEXT NOT NULL,
	invoice_number TEXT NOT NULL,
	invoice_date TEXT NOT NULL,
	invoice_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	base_amount INTEGER NOT NULL,
	tax_rate INTEGER NOT NULL,
	tax_amount INTEGER NOT NULL,
	total_amount INTEGER NOT NULL,
	previous_hash TEXT NOT NULL DEFAULT '',
	record_hash TEXT NOT NULL,
	is_first_record INTEGER NOT NULL DEFAULT 0,
	generation_timestamp TEXT NOT NULL,
	status TEXT NOT NULL,
	transmission_timestamp TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT,
	authority_code TEXT NOT NULL DEFAULT '',
	authority_message TEXT NOT NULL DEFAULT '',
	authority_csv TEXT NOT NULL DEFAULT '',
	qr_url TEXT NOT NULL DEFAULT '',
	xml_content TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (issuer_nif, invoice_number, invoice_date, record_type),
	UNIQUE (issuer_nif, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_records_status ON records (status);
CREATE INDEX IF NOT EXISTS idx_records_issuer_invoice ON records (issuer_nif, invoice_number);
CREATE INDEX IF NOT EXISTS idx_records_generation ON records (generation_timestamp);
`

// NewChainStore migrates and returns the chain store.
func NewChainStore(ctx context.Context, db *sql.DB) (*ChainStore, error) {
	s := &ChainStore{db: db}
	for _, stmt := range strings.Split(chainSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate records: %w", err)
		}
	}
	return s, nil
}

const recordColumns = `id, record_type, sequence_number, issuer_nif, issuer_name,
	invoice_number, invoice_date, invoice_type, description,
	base_amount, tax_rate, tax_amount, total_amount,
	previous_hash, record_hash, is_first_record, generation_timestamp,
	status, transmission_timestamp, retry_count, next_retry_at,
	authority_code, authority_message, authority_csv,
	qr_url, xml_content, created_at, updated_at`

// Head returns the record with the highest sequence number for the issuer,
// or record.ErrNotFound when the chain is empty.
func (s *ChainStore) Head(ctx context.Context, issuerNIF string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE issuer_nif = $1 ORDER BY sequence_number DESC LIMIT 1`,
		issuerNIF)
	return scanRecord(row)
}

// headTx is Head inside an open transaction.
func headTx(ctx context.Context, tx *sql.Tx, issuerNIF string) (*record.Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE issuer_nif = $1 ORDER BY sequence_number DESC LIMIT 1`,
		issuerNIF)
	return scanRecord(row)
}

// Append persists a fully-built record. The sequence and linkage are
// re-validated against the live head inside the append transaction, so
// two concurrent builds on one issuer cannot both commit. inTx, when
// non-nil, runs inside the same transaction after the insert; the builder
// uses it to flip the one-shot configuration lock atomically with the first
// append.
func (s *ChainStore) Append(ctx context.Context, rec *record.Record, inTx func(tx *sql.Tx) error) error {
	// SQLite transactions are serializable by construction; on Postgres the
	// unique (issuer, sequence) constraint backstops two concurrent builds
	// that both observed the same head.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := headTx(ctx, tx, rec.IssuerNIF)
	switch {
	case errors.Is(err, record.ErrNotFound):
		if rec.SequenceNumber != 1 {
			return fmt.Errorf("%w: first append must have sequence 1, got %d",
				record.ErrChainGap, rec.SequenceNumber)
		}
	case err != nil:
		return err
	default:
		if rec.SequenceNumber != head.SequenceNumber+1 {
			return fmt.Errorf("%w: head is %d, append is %d",
				record.ErrChainGap, head.SequenceNumber, rec.SequenceNumber)
		}
		if rec.PreviousHash != head.RecordHash {
			return fmt.Errorf("%w: head hash %s, record links to %s",
				record.ErrBadLinkage, head.RecordHash, rec.PreviousHash)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		rec.ID, rec.RecordType, rec.SequenceNumber, rec.IssuerNIF, rec.IssuerName,
		rec.InvoiceNumber, formatDate(rec.InvoiceDate), rec.InvoiceType, rec.Description,
		rec.BaseAmount.Cents, rec.TaxRate.Cents, rec.TaxAmount.Cents, rec.TotalAmount.Cents,
		rec.PreviousHash, rec.RecordHash, boolToInt(rec.IsFirstRecord), formatLocalTime(rec.GenerationTimestamp),
		rec.Status, formatNullableTime(rec.TransmissionTimestamp), rec.RetryCount, formatNullableTime(rec.NextRetryAt),
		rec.AuthorityCode, rec.AuthorityMessage, rec.AuthorityCSV,
		rec.QRURL, rec.XMLContent, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s/%s/%s", record.ErrDuplicateRecord,
				rec.IssuerNIF, rec.InvoiceNumber, formatDate(rec.InvoiceDate), rec.RecordType)
		}
		return fmt.Errorf("insert record: %w", err)
	}

	if inTx != nil {
		if err := inTx(tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Get loads a record by ID.
func (s *ChainStore) Get(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	return scanRecord(row)
}

// FindByInvoice locates a record by the reconciliation key.
func (s *ChainStore) FindByInvoice(ctx context.Context, issuerNIF, invoiceNumber string, invoiceDate time.Time) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE issuer_nif = $1 AND invoice_number = $2 AND invoice_date = $3
		 ORDER BY sequence_number DESC LIMIT 1`,
		issuerNIF, invoiceNumber, formatDate(invoiceDate))
	return scanRecord(row)
}

// FindByHash reports whether the issuer's history contains a record with the
// given fingerprint. Used by reconciliation to tell "local behind" apart
// from corruption.
func (s *ChainStore) FindByHash(ctx context.Context, issuerNIF, hash string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE issuer_nif = $1 AND record_hash = $2 LIMIT 1`,
		issuerNIF, hash)
	return scanRecord(row)
}

// CountByIssuer returns the number of records in the issuer's chain.
func (s *ChainStore) CountByIssuer(ctx context.Context, issuerNIF string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE issuer_nif = $1`, issuerNIF).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Filter narrows Query results. Zero values mean "any".
type Filter struct {
	IssuerNIF string
	Status    record.Status
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
	Ascending bool
}

// Query lists records ordered by sequence, descending by default.
func (s *ChainStore) Query(ctx context.Context, f Filter) ([]*record.Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.IssuerNIF != "" {
		where = append(where, "issuer_nif = "+arg(f.IssuerNIF))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if !f.Since.IsZero() {
		where = append(where, "generation_timestamp >= "+arg(formatTime(f.Since)))
	}
	if !f.Until.IsZero() {
		where = append(where, "generation_timestamp < "+arg(formatTime(f.Until)))
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY sequence_number ASC"
	} else {
		query += " ORDER BY sequence_number DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListByStatus returns records whose status is in the given set, ordered by
// sequence number.
func (s *ChainStore) ListByStatus(ctx context.Context, statuses []record.Status, ascending bool) ([]*record.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE status IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY sequence_number `+order,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list records by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTransmission patches transmission-side fields only. Identity,
// amounts, hashes and the generation timestamp are not reachable from here,
// and a record in a final status only accepts updates that keep the status.
func (s *ChainStore) UpdateTransmission(ctx context.Context, id string, patch record.TransmissionPatch) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Final() && patch.Status != "" && patch.Status != current.Status {
		return fmt.Errorf("%w: %s is %s", record.ErrImmutableRecord, id, current.Status)
	}

	set := []string{"updated_at = $1"}
	args := []any{formatTime(time.Now())}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != "" {
		add("status", string(patch.Status))
	}
	if patch.TransmissionTimestamp != nil {
		add("transmission_timestamp", formatTime(*patch.TransmissionTimestamp))
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.NextRetryAt != nil {
		add("next_retry_at", formatTime(*patch.NextRetryAt))
	}
	if patch.AuthorityCode != nil {
		add("authority_code", *patch.AuthorityCode)
	}
	if patch.AuthorityMessage != nil {
		add("authority_message", *patch.AuthorityMessage)
	}
	if patch.AuthorityCSV != nil {
		add("authority_csv", *patch.AuthorityCSV)
	}
	if patch.XMLContent != nil {
		add("xml_content", *patch.XMLContent)
	}

	args = append(args, id)
	_, err = s.db.ExecContext(ctx,
		`UPDATE records SET `+strings.Join(set, ", ")+fmt.Sprintf(` WHERE id = $%d`, len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update transmission fields: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	rec, err := scanRecordRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, record.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanRecordRow(row rowScanner) (*record.Record, error) {
	var (
		rec          record.Record
		invoiceDate  string
		genTS        string
		transTS      sql.NullString
		nextRetry    sql.NullString
		createdAt    string
		updatedAt    string
		isFirst      int
		base, rate   int64
		quota, total int64
	)
	err := row.Scan(
		&rec.ID, &rec.RecordType, &rec.SequenceNumber, &rec.IssuerNIF, &rec.IssuerName,
		&rec.InvoiceNumber, &invoiceDate, &rec.InvoiceType, &rec.Description,
		&base, &rate, &quota, &total,
		&rec.PreviousHash, &rec.RecordHash, &isFirst, &genTS,
		&rec.Status, &transTS, &rec.RetryCount, &nextRetry,
		&rec.AuthorityCode, &rec.AuthorityMessage, &rec.AuthorityCSV,
		&rec.QRURL, &rec.XMLContent, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.InvoiceDate = parseDate(invoiceDate)
	rec.GenerationTimestamp = parseTime(genTS)
	rec.TransmissionTimestamp = parseNullableTime(transTS)
	rec.NextRetryAt = parseNullableTime(nextRetry)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.IsFirstRecord = isFirst != 0
	rec.BaseAmount = money.FromCents(base)
	rec.TaxRate = money.FromCents(rate)
	rec.TaxAmount = money.FromCents(quota)
	rec.TotalAmount = money.FromCents(total)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches both SQLite and Postgres duplicate-key errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc.org/sqlite
		strings.Contains(msg, "duplicate key value") // lib/pq
}
