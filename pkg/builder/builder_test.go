package builder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritax-labs/verifactu-core/pkg/builder"
	"github.com/veritax-labs/verifactu-core/pkg/clock"
	"github.com/veritax-labs/verifactu-core/pkg/config"
	"github.com/veritax-labs/verifactu-core/pkg/events"
	"github.com/veritax-labs/verifactu-core/pkg/hashchain"
	"github.com/veritax-labs/verifactu-core/pkg/money"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"

	_ "modernc.org/sqlite"
)

type fixture struct {
	db      *store.DB
	keeper  *config.Keeper
	builder *builder.Builder
	clk     *clock.Fixed
}

type closedGate struct{}

func (closedGate) CanCreateRecords() bool { return false }

func setup(t *testing.T, gate builder.Gate) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFixed(time.Date(2024, 12, 25, 10, 30, 0, 0, time.UTC))
	keeper, err := config.NewKeeper(ctx, db, clk)
	require.NoError(t, err)
	log := events.NewLog(db.Events)
	b := builder.New(db, keeper, log, clk, time.UTC, gate)
	return fixture{db: db, keeper: keeper, builder: b, clk: clk}
}

func view(number string) record.InvoiceView {
	return record.InvoiceView{
		IssuerNIF:     "B12345678",
		IssuerName:    "Acme SL",
		InvoiceNumber: number,
		InvoiceDate:   time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC),
		InvoiceType:   record.InvoiceF1,
		BaseAmount:    money.MustParse("100.00"),
		TaxRate:       money.MustParse("21.00"),
		TaxAmount:     money.MustParse("21.00"),
		TotalAmount:   money.MustParse("121.00"),
	}
}

func TestBuildAndAppend_FirstRegistration(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	rec, err := f.builder.BuildAndAppend(ctx, view("F2024-001"), record.TypeRegistration, "admin")
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.SequenceNumber)
	assert.True(t, rec.IsFirstRecord)
	assert.Empty(t, rec.PreviousHash)
	assert.Len(t, rec.RecordHash, 64)
	assert.Equal(t, hashchain.Compute(rec), rec.RecordHash)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.Contains(t, rec.QRURL, "ValidarQR?nif=B12345678")
	assert.Contains(t, rec.QRURL, "importe=121.00")
	assert.Contains(t, hashchain.CanonicalString(rec), "FechaHoraHusoGenRegistro=2024-12-25T10:30:00+00:00")

	// The first append took the mode lock atomically.
	cfg, err := f.keeper.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.ModeLocked)
	assert.True(t, cfg.ModuleActivated)
	assert.Equal(t, 2024, cfg.FiscalYearLocked)

	// One RecordCreated event was emitted.
	evts, err := f.db.Events.Query(ctx, store.EventFilter{EventType: store.EventRecordCreated})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, rec.ID, evts[0].RecordID)
}

func TestBuildAndAppend_ChainLinkage(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	first, err := f.builder.BuildAndAppend(ctx, view("F2024-001"), record.TypeRegistration, "admin")
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	second := view("F2024-002")
	second.BaseAmount = money.MustParse("200.00")
	second.TaxAmount = money.MustParse("42.00")
	second.TotalAmount = money.MustParse("242.00")

	rec, err := f.builder.BuildAndAppend(ctx, second, record.TypeRegistration, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.SequenceNumber)
	assert.False(t, rec.IsFirstRecord)
	assert.Equal(t, first.RecordHash, rec.PreviousHash)
}

func TestBuildAndAppend_ConsumesRecoveryPointer(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	authorityHash := "AB12" + repeatHex(60)
	require.NoError(t, f.db.Pointers.Set(ctx, store.RecoveryPointer{
		IssuerNIF: "B12345678",
		Hash:      authorityHash,
		Source:    store.PointerFromAuthority,
		SetAt:     f.clk.Now(),
	}))

	rec, err := f.builder.BuildAndAppend(ctx, view("F2025-001"), record.TypeRegistration, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SequenceNumber)
	assert.Equal(t, authorityHash, rec.PreviousHash)
	assert.False(t, rec.IsFirstRecord)

	// The pointer is informational afterwards: the head takes precedence.
	next, err := f.builder.BuildAndAppend(ctx, view("F2025-002"), record.TypeRegistration, "admin")
	require.NoError(t, err)
	assert.Equal(t, rec.RecordHash, next.PreviousHash)
}

func TestBuildAndAppend_DuplicateIsIdempotencyKey(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.builder.BuildAndAppend(ctx, view("F2024-001"), record.TypeRegistration, "admin")
	require.NoError(t, err)

	_, err = f.builder.BuildAndAppend(ctx, view("F2024-001"), record.TypeRegistration, "admin")
	assert.ErrorIs(t, err, record.ErrDuplicateRecord)

	// A cancellation of the same invoice is a distinct record.
	_, err = f.builder.BuildAndAppend(ctx, view("F2024-001"), record.TypeCancellation, "admin")
	require.NoError(t, err)
}

func TestBuildAndAppend_IngressValidation(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	noNIF := view("F2024-001")
	noNIF.IssuerNIF = ""
	_, err := f.builder.BuildAndAppend(ctx, noNIF, record.TypeRegistration, "admin")
	assert.ErrorIs(t, err, record.ErrInvalidNIF)

	badSum := view("F2024-002")
	badSum.TotalAmount = money.MustParse("120.99")
	_, err = f.builder.BuildAndAppend(ctx, badSum, record.TypeRegistration, "admin")
	assert.ErrorIs(t, err, record.ErrInvalidAmount)

	// No partial state was left behind.
	n, err := f.db.Chain.CountByIssuer(ctx, "B12345678")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuildAndAppend_RefusedDuringRecovery(t *testing.T) {
	f := setup(t, closedGate{})
	_, err := f.builder.BuildAndAppend(context.Background(), view("F2024-001"), record.TypeRegistration, "admin")
	assert.ErrorIs(t, err, record.ErrChainCorrupted)
}

func TestBuildAndAppend_CancellationHashExcludesAmounts(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.builder.BuildAndAppend(ctx, view("F2024-001"), record.TypeRegistration, "admin")
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	rec, err := f.builder.BuildAndAppend(ctx, view("F2024-001"), record.TypeCancellation, "admin")
	require.NoError(t, err)

	canonical := hashchain.CanonicalString(rec)
	assert.NotContains(t, canonical, "CuotaTotal")
	assert.Equal(t, hashchain.Compute(rec), rec.RecordHash)
}

func repeatHex(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = "0123456789ABCDEF"[i%16]
	}
	return string(out)
}
