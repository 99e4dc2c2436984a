package contingency_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritax-labs/verifactu-core/pkg/clock"
	"github.com/veritax-labs/verifactu-core/pkg/config"
	"github.com/veritax-labs/verifactu-core/pkg/contingency"
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
	manager *contingency.Manager
	clk     *clock.Fixed
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFixed(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	keeper, err := config.NewKeeper(ctx, db, clk)
	require.NoError(t, err)
	log := events.NewLog(db.Events)
	manager := contingency.NewManager(db, keeper, log, clk)
	return fixture{db: db, keeper: keeper, manager: manager, clk: clk}
}

func appendRecord(t *testing.T, f fixture, seq int64, number, prev string) *record.Record {
	t.Helper()
	rec := &record.Record{
		ID:                  uuid.New().String(),
		SequenceNumber:      seq,
		RecordType:          record.TypeRegistration,
		IssuerNIF:           "B12345678",
		IssuerName:          "Acme SL",
		InvoiceNumber:       number,
		InvoiceDate:         time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		InvoiceType:         record.InvoiceF1,
		BaseAmount:          money.MustParse("100.00"),
		TaxRate:             money.MustParse("21.00"),
		TaxAmount:           money.MustParse("21.00"),
		TotalAmount:         money.MustParse("121.00"),
		PreviousHash:        prev,
		IsFirstRecord:       prev == "",
		GenerationTimestamp: f.clk.Now(),
		Status:              record.StatusPending,
		CreatedAt:           f.clk.Now(),
		UpdatedAt:           f.clk.Now(),
	}
	rec.RecordHash = hashchain.Compute(rec)
	require.NoError(t, f.db.Chain.Append(context.Background(), rec, nil))
	return rec
}

func TestModeTransitions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	assert.Equal(t, contingency.ModeNormal, f.manager.Mode())

	f.manager.RecordFailure(ctx, contingency.FailureNetwork, "down", "")
	assert.Equal(t, contingency.ModeDegraded, f.manager.Mode())

	f.manager.RecordFailure(ctx, contingency.FailureNetwork, "down", "")
	assert.Equal(t, contingency.ModeDegraded, f.manager.Mode())

	f.manager.RecordFailure(ctx, contingency.FailureAuthorityUnavailable, "down", "")
	assert.Equal(t, contingency.ModeOffline, f.manager.Mode())

	f.manager.RecordSuccess(ctx)
	assert.Equal(t, contingency.ModeNormal, f.manager.Mode())
}

func TestCertificateFailureGoesStraightOffline(t *testing.T) {
	f := setup(t)
	f.manager.RecordFailure(context.Background(), contingency.FailureCertificate, "expired", "")
	assert.Equal(t, contingency.ModeOffline, f.manager.Mode())
}

func TestHashChainFailureBlocksCreation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	assert.True(t, f.manager.CanCreateRecords())
	f.manager.RecordFailure(ctx, contingency.FailureHashChain, "corruption", "")
	assert.Equal(t, contingency.ModeRecovery, f.manager.Mode())
	assert.False(t, f.manager.CanCreateRecords())

	f.manager.Resolve(ctx)
	assert.Equal(t, contingency.ModeNormal, f.manager.Mode())
	assert.True(t, f.manager.CanCreateRecords())
}

func TestStatusSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.manager.QueueRecord(ctx, "rec-1", "test", store.PriorityNormal)
	require.NoError(t, err)

	st, err := f.manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, contingency.ModeNormal, st.Mode)
	assert.Equal(t, 1, st.QueueSize)
	assert.True(t, st.CanCreateRecords)
	assert.Nil(t, st.NextRetry)

	f.manager.RecordFailure(ctx, contingency.FailureNetwork, "down", "")
	st, err = f.manager.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.NextRetry)
	assert.Equal(t, f.clk.Now().Add(60*time.Second), *st.NextRetry)
}

func TestCheckHealth(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// No certificate configured yet.
	healthy, msg := f.manager.CheckHealth(ctx)
	assert.False(t, healthy)
	assert.Contains(t, msg, "no certificate configured")

	path := "/etc/certs/issuer.p12"
	password := "secret"
	expiry := f.clk.Now().Add(365 * 24 * time.Hour)
	_, err := f.keeper.Update(ctx, config.Patch{
		CertificatePath:     &path,
		CertificatePassword: &password,
		CertificateExpiry:   &expiry,
	}, "admin")
	require.NoError(t, err)

	healthy, msg = f.manager.CheckHealth(ctx)
	assert.True(t, healthy, msg)

	// Expiring certificate trips the warning window.
	soon := f.clk.Now().Add(10 * 24 * time.Hour)
	_, err = f.keeper.Update(ctx, config.Patch{CertificateExpiry: &soon}, "admin")
	require.NoError(t, err)
	healthy, msg = f.manager.CheckHealth(ctx)
	assert.False(t, healthy)
	assert.Contains(t, msg, "certificate expiring")

	// Aged queue entries are flagged.
	_, err = f.keeper.Update(ctx, config.Patch{CertificateExpiry: &expiry}, "admin")
	require.NoError(t, err)
	_, err = f.manager.QueueRecord(ctx, "rec-old", "stuck", store.PriorityNormal)
	require.NoError(t, err)
	f.clk.Advance(49 * time.Hour)
	healthy, msg = f.manager.CheckHealth(ctx)
	assert.False(t, healthy)
	assert.Contains(t, msg, "queued for more than")
}

func TestVerifyHashChain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := appendRecord(t, f, 1, "F-001", "")
	f.clk.Advance(time.Minute)
	second := appendRecord(t, f, 2, "F-002", first.RecordHash)

	for _, rec := range []*record.Record{first, second} {
		require.NoError(t, f.db.Chain.UpdateTransmission(ctx, rec.ID, record.TransmissionPatch{
			Status: record.StatusAccepted,
		}))
	}

	ok, seq, reason := f.manager.VerifyHashChain(ctx)
	assert.True(t, ok, reason)
	assert.Zero(t, seq)
	assert.Equal(t, contingency.ModeNormal, f.manager.Mode())
}

func TestVerifyHashChain_DetectsTampering(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := appendRecord(t, f, 1, "F-001", "")
	require.NoError(t, f.db.Chain.UpdateTransmission(ctx, first.ID, record.TransmissionPatch{
		Status: record.StatusAccepted,
	}))

	// Tamper with a stored amount behind the store's back.
	_, err := f.db.SQL.Exec(`UPDATE records SET total_amount = 999999 WHERE id = $1`, first.ID)
	require.NoError(t, err)

	ok, seq, reason := f.manager.VerifyHashChain(ctx)
	assert.False(t, ok)
	assert.Equal(t, int64(1), seq)
	assert.True(t, strings.Contains(reason, "hash mismatch"))
	assert.Equal(t, contingency.ModeRecovery, f.manager.Mode())
	assert.False(t, f.manager.CanCreateRecords())
}
