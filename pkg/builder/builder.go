// Package builder assembles invoice records: it resolves the chain head,
// links the previous hash, computes the fingerprint and persists the record.
// The head is read before the append transaction; the chain store re-checks
// sequence and linkage against the live head inside that transaction.
package builder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/veritax-labs/verifactu-core/pkg/aeat"
	"github.com/veritax-labs/verifactu-core/pkg/clock"
	"github.com/veritax-labs/verifactu-core/pkg/config"
	"github.com/veritax-labs/verifactu-core/pkg/events"
	"github.com/veritax-labs/verifactu-core/pkg/hashchain"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// Gate lets the contingency manager veto record creation while the chain is
// under recovery.
type Gate interface {
	CanCreateRecords() bool
}

// openGate is the default when no contingency manager is wired.
type openGate struct{}

func (openGate) CanCreateRecords() bool { return true }

// Builder drives the build-and-append path.
type Builder struct {
	chain    *store.ChainStore
	pointers *store.PointerStore
	keeper   *config.Keeper
	events   *events.Log
	clk      clock.Clock
	loc      *time.Location
	gate     Gate
	logger   *slog.Logger
}

// New wires a builder. loc is the zone attached to generation timestamps;
// nil means the system zone. gate may be nil.
func New(db *store.DB, keeper *config.Keeper, log *events.Log, clk clock.Clock, loc *time.Location, gate Gate) *Builder {
	if loc == nil {
		loc = time.Local
	}
	if gate == nil {
		gate = openGate{}
	}
	return &Builder{
		chain:    db.Chain,
		pointers: db.Pointers,
		keeper:   keeper,
		events:   log,
		clk:      clk,
		loc:      loc,
		gate:     gate,
		logger:   slog.Default().With("component", "builder"),
	}
}

// BuildAndAppend validates the invoice snapshot, builds the record linked to
// the issuer's chain head (or recovery pointer) and persists it. The first
// successful append also takes the configuration mode lock, inside the same
// transaction. A duplicate key surfaces as record.ErrDuplicateRecord so the
// caller can retry idempotently.
func (b *Builder) BuildAndAppend(ctx context.Context, view record.InvoiceView, recordType record.Type, actor string) (*record.Record, error) {
	if !b.gate.CanCreateRecords() {
		return nil, record.ErrChainCorrupted
	}
	if err := validate(view, recordType); err != nil {
		return nil, err
	}

	prevHash, first, err := b.resolvePreviousHash(ctx, view.IssuerNIF)
	if err != nil {
		return nil, err
	}
	seq, err := b.resolveSequence(ctx, view.IssuerNIF)
	if err != nil {
		return nil, err
	}

	now := b.clk.Now().In(b.loc).Truncate(time.Second)
	rec := &record.Record{
		ID:                  uuid.New().String(),
		SequenceNumber:      seq,
		RecordType:          recordType,
		IssuerNIF:           view.IssuerNIF,
		IssuerName:          view.IssuerName,
		InvoiceNumber:       view.InvoiceNumber,
		InvoiceDate:         view.InvoiceDate,
		InvoiceType:         view.InvoiceType,
		Description:         view.Description,
		BaseAmount:          view.BaseAmount,
		TaxRate:             view.TaxRate,
		TaxAmount:           view.TaxAmount,
		TotalAmount:         view.TotalAmount,
		PreviousHash:        prevHash,
		IsFirstRecord:       prevHash == "",
		GenerationTimestamp: now,
		Status:              record.StatusPending,
		CreatedAt:           b.clk.Now(),
		UpdatedAt:           b.clk.Now(),
	}
	rec.RecordHash = hashchain.Compute(rec)
	rec.QRURL = aeat.QRURL(rec.IssuerNIF, rec.InvoiceNumber, rec.InvoiceDate, rec.TotalAmount)

	var lock func(tx *sql.Tx) error
	if seq == 1 {
		lock = func(tx *sql.Tx) error {
			return b.keeper.LockModeTx(ctx, tx, actor)
		}
	}
	if err := b.chain.Append(ctx, rec, lock); err != nil {
		return nil, err
	}

	b.events.Record(ctx, store.EventRecordCreated, store.SeverityInfo,
		fmt.Sprintf("record %s created for invoice %s", rec.RecordType, rec.InvoiceNumber),
		rec.ID, map[string]any{
			"sequence_number": rec.SequenceNumber,
			"issuer_nif":      rec.IssuerNIF,
			"record_hash":     rec.RecordHash,
			"first":           rec.IsFirstRecord,
			"actor":           actor,
		})

	if first && prevHash != "" {
		b.logger.Info("chain continued from recovery pointer",
			"issuer_nif", rec.IssuerNIF, "previous_hash", prevHash)
	}
	return rec, nil
}

// resolvePreviousHash returns the hash the next record must link to: the
// chain head when one exists, else the recovery pointer, else the empty
// string of a first record. The second return reports whether the hash came
// from outside the chain (pointer consumption).
func (b *Builder) resolvePreviousHash(ctx context.Context, issuerNIF string) (string, bool, error) {
	head, err := b.chain.Head(ctx, issuerNIF)
	switch {
	case err == nil:
		return head.RecordHash, false, nil
	case !errors.Is(err, record.ErrNotFound):
		return "", false, err
	}

	ptr, err := b.pointers.Get(ctx, issuerNIF)
	switch {
	case err == nil:
		return ptr.Hash, true, nil
	case !errors.Is(err, record.ErrNotFound):
		return "", false, err
	}
	return "", false, nil
}

func (b *Builder) resolveSequence(ctx context.Context, issuerNIF string) (int64, error) {
	head, err := b.chain.Head(ctx, issuerNIF)
	switch {
	case err == nil:
		return head.SequenceNumber + 1, nil
	case errors.Is(err, record.ErrNotFound):
		return 1, nil
	default:
		return 0, err
	}
}

func validate(view record.InvoiceView, recordType record.Type) error {
	if view.IssuerNIF == "" {
		return record.ErrInvalidNIF
	}
	if view.InvoiceNumber == "" {
		return fmt.Errorf("invoice number is required")
	}
	if recordType == record.TypeRegistration {
		if view.TotalAmount != view.BaseAmount.Add(view.TaxAmount) {
			return fmt.Errorf("%w: base %s + tax %s != total %s",
				record.ErrInvalidAmount, view.BaseAmount, view.TaxAmount, view.TotalAmount)
		}
	}
	return nil
}
