package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritax-labs/verifactu-core/pkg/clock"
	"github.com/veritax-labs/verifactu-core/pkg/config"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"

	_ "modernc.org/sqlite"
)

func setup(t *testing.T) (*store.DB, *config.Keeper, *clock.Fixed) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFixed(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	keeper, err := config.NewKeeper(ctx, db, clk)
	require.NoError(t, err)
	return db, keeper, clk
}

func lockNow(t *testing.T, db *store.DB, keeper *config.Keeper) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.SQL.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, keeper.LockModeTx(ctx, tx, "admin"))
	require.NoError(t, tx.Commit())
}

func TestKeeper_CanChangeModeUnlocked(t *testing.T) {
	_, keeper, _ := setup(t)
	ok, err := keeper.CanChangeMode(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeeper_LockFreezesModeForFiscalYear(t *testing.T) {
	db, keeper, clk := setup(t)
	ctx := context.Background()

	lockNow(t, db, keeper)

	cfg, err := keeper.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.ModeLocked)
	assert.Equal(t, 2025, cfg.FiscalYearLocked)
	assert.Equal(t, "admin", cfg.ModeLockedBy)
	assert.True(t, cfg.ModuleActivated)
	require.NotNil(t, cfg.FirstRecordDate)

	// Changing the mode within the locked fiscal year fails.
	mode := store.ModeNoVerifactu
	_, err = keeper.Update(ctx, config.Patch{Mode: &mode}, "admin")
	assert.ErrorIs(t, err, record.ErrModeLocked)

	// A new fiscal year releases the lock.
	clk.Set(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC))
	ok, err := keeper.CanChangeMode(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	cfg, err = keeper.Update(ctx, config.Patch{Mode: &mode}, "admin")
	require.NoError(t, err)
	assert.Equal(t, store.ModeNoVerifactu, cfg.Mode)
}

func TestKeeper_LockIsIdempotent(t *testing.T) {
	db, keeper, _ := setup(t)
	ctx := context.Background()

	lockNow(t, db, keeper)
	before, err := keeper.Get(ctx)
	require.NoError(t, err)

	lockNow(t, db, keeper)
	after, err := keeper.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.FiscalYearLocked, after.FiscalYearLocked)
	assert.Equal(t, before.ModeLockedBy, after.ModeLockedBy)
}

func TestKeeper_NonModeUpdatesSurviveLock(t *testing.T) {
	db, keeper, _ := setup(t)
	ctx := context.Background()
	lockNow(t, db, keeper)

	interval := 10
	cfg, err := keeper.Update(ctx, config.Patch{RetryInterval: &interval}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RetryInterval)
}

func TestKeeper_ModuleProtection(t *testing.T) {
	db, keeper, _ := setup(t)
	ctx := context.Background()

	ok, err := keeper.CanDeactivateModule(ctx, "B12345678")
	require.NoError(t, err)
	assert.True(t, ok)

	lockNow(t, db, keeper)

	ok, err = keeper.CanDeactivateModule(ctx, "B12345678")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, keeper.Deactivate(ctx, "B12345678", "admin"), record.ErrModuleProtected)
	assert.ErrorIs(t, keeper.Delete(ctx, "B12345678"), record.ErrConfigProtected)
}

func TestKeeper_MarkReconciliation(t *testing.T) {
	_, keeper, clk := setup(t)
	ctx := context.Background()

	require.NoError(t, keeper.MarkReconciliation(ctx, config.ReconciliationMark{
		Status:  "success",
		Message: "chain synchronized",
	}))

	cfg, err := keeper.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "success", cfg.LastReconciliationStatus)
	assert.Equal(t, "chain synchronized", cfg.LastReconciliationMessage)
	require.NotNil(t, cfg.LastReconciliationAt)
	assert.Equal(t, clk.Now().Unix(), cfg.LastReconciliationAt.Unix())
}

func TestKeeper_CertificateTriggerFires(t *testing.T) {
	_, keeper, _ := setup(t)
	ctx := context.Background()

	fired := 0
	keeper.OnCertificateConfigured(func(ctx context.Context) { fired++ })

	path := "/etc/certs/issuer.p12"
	password := "secret"
	_, err := keeper.Update(ctx, config.Patch{CertificatePath: &path}, "admin")
	require.NoError(t, err)
	assert.Zero(t, fired) // path alone is not a usable credential

	_, err = keeper.Update(ctx, config.Patch{CertificatePassword: &password}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// Unrelated updates do not re-trigger.
	interval := 7
	_, err = keeper.Update(ctx, config.Patch{RetryInterval: &interval}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}
