package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritax-labs/verifactu-core/pkg/hashchain"
	"github.com/veritax-labs/verifactu-core/pkg/money"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"

	_ "modernc.org/sqlite"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newRecord(seq int64, number, previousHash string) *record.Record {
	rec := &record.Record{
		ID:                  uuid.New().String(),
		SequenceNumber:      seq,
		RecordType:          record.TypeRegistration,
		IssuerNIF:           "B12345678",
		IssuerName:          "Acme SL",
		InvoiceNumber:       number,
		InvoiceDate:         time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC),
		InvoiceType:         record.InvoiceF1,
		BaseAmount:          money.MustParse("100.00"),
		TaxRate:             money.MustParse("21.00"),
		TaxAmount:           money.MustParse("21.00"),
		TotalAmount:         money.MustParse("121.00"),
		PreviousHash:        previousHash,
		IsFirstRecord:       previousHash == "",
		GenerationTimestamp: time.Date(2024, 12, 25, 10, 30, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
		Status:              record.StatusPending,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}
	rec.RecordHash = hashchain.Compute(rec)
	return rec
}

func TestChainStore_AppendAndHead(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	_, err := db.Chain.Head(ctx, "B12345678")
	assert.ErrorIs(t, err, record.ErrNotFound)

	first := newRecord(1, "F2024-001", "")
	require.NoError(t, db.Chain.Append(ctx, first, nil))

	head, err := db.Chain.Head(ctx, "B12345678")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.SequenceNumber)
	assert.Equal(t, first.RecordHash, head.RecordHash)
	assert.True(t, head.IsFirstRecord)
	assert.Equal(t, "121.00", head.TotalAmount.String())

	second := newRecord(2, "F2024-002", first.RecordHash)
	require.NoError(t, db.Chain.Append(ctx, second, nil))

	head, err = db.Chain.Head(ctx, "B12345678")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.SequenceNumber)
	assert.Equal(t, first.RecordHash, head.PreviousHash)
}

func TestChainStore_AppendRejectsGap(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	require.NoError(t, db.Chain.Append(ctx, newRecord(1, "F2024-001", ""), nil))

	head, err := db.Chain.Head(ctx, "B12345678")
	require.NoError(t, err)

	gap := newRecord(3, "F2024-003", head.RecordHash)
	assert.ErrorIs(t, db.Chain.Append(ctx, gap, nil), record.ErrChainGap)

	// First append of a chain must start at one.
	other := newRecord(2, "X-001", "")
	other.IssuerNIF = "B87654321"
	other.RecordHash = hashchain.Compute(other)
	assert.ErrorIs(t, db.Chain.Append(ctx, other, nil), record.ErrChainGap)
}

func TestChainStore_AppendRejectsBadLinkage(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	require.NoError(t, db.Chain.Append(ctx, newRecord(1, "F2024-001", ""), nil))

	wrong := newRecord(2, "F2024-002", "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, db.Chain.Append(ctx, wrong, nil), record.ErrBadLinkage)
}

func TestChainStore_AppendRejectsDuplicate(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	first := newRecord(1, "F2024-001", "")
	require.NoError(t, db.Chain.Append(ctx, first, nil))

	dup := newRecord(2, "F2024-001", first.RecordHash)
	assert.ErrorIs(t, db.Chain.Append(ctx, dup, nil), record.ErrDuplicateRecord)
}

func TestChainStore_FindByInvoiceAndHash(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	first := newRecord(1, "F2024-001", "")
	require.NoError(t, db.Chain.Append(ctx, first, nil))

	byInvoice, err := db.Chain.FindByInvoice(ctx, "B12345678", "F2024-001", first.InvoiceDate)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byInvoice.ID)

	byHash, err := db.Chain.FindByHash(ctx, "B12345678", first.RecordHash)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byHash.ID)

	_, err = db.Chain.FindByHash(ctx, "B12345678", "missing")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestChainStore_QueryDefaultsDescending(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	first := newRecord(1, "F2024-001", "")
	require.NoError(t, db.Chain.Append(ctx, first, nil))
	require.NoError(t, db.Chain.Append(ctx, newRecord(2, "F2024-002", first.RecordHash), nil))

	records, err := db.Chain.Query(ctx, store.Filter{IssuerNIF: "B12345678"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].SequenceNumber)
	assert.Equal(t, int64(1), records[1].SequenceNumber)

	asc, err := db.Chain.Query(ctx, store.Filter{IssuerNIF: "B12345678", Ascending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, asc, 1)
	assert.Equal(t, int64(1), asc[0].SequenceNumber)
}

func TestChainStore_UpdateTransmissionRestricted(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	rec := newRecord(1, "F2024-001", "")
	require.NoError(t, db.Chain.Append(ctx, rec, nil))

	now := time.Now()
	csv := "CSV123"
	require.NoError(t, db.Chain.UpdateTransmission(ctx, rec.ID, record.TransmissionPatch{
		Status:                record.StatusAccepted,
		TransmissionTimestamp: &now,
		AuthorityCSV:          &csv,
	}))

	got, err := db.Chain.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusAccepted, got.Status)
	assert.Equal(t, "CSV123", got.AuthorityCSV)
	require.NotNil(t, got.TransmissionTimestamp)

	// Identity, hash and timestamp fields were untouched by the patch.
	assert.Equal(t, rec.RecordHash, got.RecordHash)
	assert.Equal(t, rec.GenerationTimestamp.Format(time.RFC3339), got.GenerationTimestamp.Format(time.RFC3339))

	// A final record refuses a status rewrite.
	err = db.Chain.UpdateTransmission(ctx, rec.ID, record.TransmissionPatch{Status: record.StatusPending})
	assert.ErrorIs(t, err, record.ErrImmutableRecord)
}

func TestChainStore_GenerationTimestampKeepsOffset(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	madrid := time.FixedZone("CET", 3600)
	rec := newRecord(1, "F2024-001", "")
	rec.GenerationTimestamp = time.Date(2025, 1, 15, 17, 22, 14, 0, madrid)
	rec.RecordHash = hashchain.Compute(rec)
	require.NoError(t, db.Chain.Append(ctx, rec, nil))

	got, err := db.Chain.Get(ctx, rec.ID)
	require.NoError(t, err)

	// The stored record must recompute to its stored fingerprint, which
	// only holds if the offset survived the round trip.
	require.NoError(t, hashchain.Verify(got))
	assert.Equal(t, "2025-01-15T17:22:14+01:00", hashchain.FormatTimestamp(got.GenerationTimestamp))
}

func TestChainStore_CountByIssuer(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	n, err := db.Chain.CountByIssuer(ctx, "B12345678")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, db.Chain.Append(ctx, newRecord(1, "F2024-001", ""), nil))
	n, err = db.Chain.CountByIssuer(ctx, "B12345678")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
