package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/record"
)

// PointerSource says where a recovery pointer came from.
type PointerSource string

const (
	PointerFromAuthority PointerSource = "authority"
	PointerFromManual    PointerSource = "manual"
)

// RecoveryPointer is the per-issuer chain-continuation hash used when the
// local store holds no records for the issuer. It is consumed by the first
// successful append but never deleted; the chain head then takes precedence.
type RecoveryPointer struct {
	IssuerNIF     string        `json:"issuer_nif"`
	Hash          string        `json:"hash"`
	Source        PointerSource `json:"source"`
	InvoiceNumber string        `json:"invoice_number,omitempty"`
	SetAt         time.Time     `json:"set_at"`
}

// PointerStore persists recovery pointers, one per issuer.
type PointerStore struct {
	db *sql.DB
}

const pointerSchema = `
CREATE TABLE IF NOT EXISTS recovery_pointers (
	issuer_nif TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	source TEXT NOT NULL,
	invoice_number TEXT NOT NULL DEFAULT '',
	set_at TEXT NOT NULL
);
`

// NewPointerStore migrates and returns the pointer store.
func NewPointerStore(ctx context.Context, db *sql.DB) (*PointerStore, error) {
	for _, stmt := range strings.Split(pointerSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate recovery pointers: %w", err)
		}
	}
	return &PointerStore{db: db}, nil
}

// Set writes or replaces the issuer's pointer.
func (s *PointerStore) Set(ctx context.Context, p RecoveryPointer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_pointers (issuer_nif, hash, source, invoice_number, set_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (issuer_nif) DO UPDATE SET
			hash = excluded.hash,
			source = excluded.source,
			invoice_number = excluded.invoice_number,
			set_at = excluded.set_at`,
		p.IssuerNIF, p.Hash, p.Source, p.InvoiceNumber, formatTime(p.SetAt),
	)
	if err != nil {
		return fmt.Errorf("set recovery pointer: %w", err)
	}
	return nil
}

// Get loads the issuer's pointer or record.ErrNotFound.
func (s *PointerStore) Get(ctx context.Context, issuerNIF string) (RecoveryPointer, error) {
	var (
		p     RecoveryPointer
		setAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT issuer_nif, hash, source, invoice_number, set_at FROM recovery_pointers WHERE issuer_nif = $1`,
		issuerNIF).Scan(&p.IssuerNIF, &p.Hash, &p.Source, &p.InvoiceNumber, &setAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RecoveryPointer{}, record.ErrNotFound
		}
		return RecoveryPointer{}, fmt.Errorf("get recovery pointer: %w", err)
	}
	p.SetAt = parseTime(setAt)
	return p, nil
}
