// Package config manages the engine's singleton configuration and enforces
// the once-only legal locks: the operating mode freezes for the fiscal year
// on the first record append, and the module cannot be deactivated once
// records exist.
package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/clock"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// ReconcileTrigger is invoked after a certificate is configured or changed.
// The reconciliation service registers itself here; the indirection keeps
// the packages from depending on each other.
type ReconcileTrigger func(ctx context.Context)

// Keeper owns the configuration row and its lock state machine.
type Keeper struct {
	mu          sync.Mutex
	cfgStore    *store.ConfigStore
	chain       *store.ChainStore
	events      *store.EventStore
	clk         clock.Clock
	logger      *slog.Logger
	onCertified ReconcileTrigger
}

// NewKeeper loads (or creates) the configuration and returns the keeper.
func NewKeeper(ctx context.Context, db *store.DB, clk clock.Clock) (*Keeper, error) {
	k := &Keeper{
		cfgStore: db.Config,
		chain:    db.Chain,
		events:   db.Events,
		clk:      clk,
		logger:   slog.Default().With("component", "config"),
	}
	if _, err := db.Config.GetOrCreate(ctx, clk.Now()); err != nil {
		return nil, fmt.Errorf("bootstrap configuration: %w", err)
	}
	return k, nil
}

// OnCertificateConfigured registers the reconciliation trigger.
func (k *Keeper) OnCertificateConfigured(fn ReconcileTrigger) {
	k.onCertified = fn
}

// Get returns the current configuration.
func (k *Keeper) Get(ctx context.Context) (store.Configuration, error) {
	return k.cfgStore.GetOrCreate(ctx, k.clk.Now())
}

// Patch carries the administrator-mutable fields; nil fields are unchanged.
type Patch struct {
	Enabled             *bool
	Mode                *store.OperatingMode
	Environment         *store.Environment
	SoftwareName        *string
	SoftwareVersion     *string
	SoftwareID          *string
	SoftwareNIF         *string
	InstallationNumber  *string
	CertificatePath     *string
	CertificatePassword *string
	CertificateExpiry   *time.Time
	AutoTransmit        *bool
	RetryInterval       *int
	MaxRetries          *int
}

// Update applies a patch. Changing the operating mode while the mode is
// locked for the current fiscal year fails with record.ErrModeLocked.
func (k *Keeper) Update(ctx context.Context, patch Patch, actor string) (store.Configuration, error) {
	k.mu.Lock()

	cfg, err := k.cfgStore.GetOrCreate(ctx, k.clk.Now())
	if err != nil {
		k.mu.Unlock()
		return store.Configuration{}, err
	}

	if patch.Mode != nil && *patch.Mode != cfg.Mode && !k.canChangeMode(cfg) {
		k.mu.Unlock()
		return store.Configuration{}, fmt.Errorf("%w: fiscal year %d",
			record.ErrModeLocked, cfg.FiscalYearLocked)
	}

	certBefore := cfg.CertificatePath + "\x00" + cfg.CertificatePassword

	apply(&cfg, patch)
	if err := k.cfgStore.Save(ctx, cfg); err != nil {
		k.mu.Unlock()
		return store.Configuration{}, err
	}
	// Release before the reconciliation trigger: it calls back into the
	// keeper to record its outcome.
	k.mu.Unlock()

	_, _ = k.events.Append(ctx, store.Event{
		EventType: store.EventConfigChanged,
		Severity:  store.SeverityInfo,
		Message:   "configuration updated",
		Details:   map[string]any{"actor": actor},
	})
	k.logger.Info("configuration updated", "actor", actor)

	certAfter := cfg.CertificatePath + "\x00" + cfg.CertificatePassword
	if cfg.HasCertificate() && certAfter != certBefore && k.onCertified != nil {
		k.onCertified(ctx)
	}
	return cfg, nil
}

func apply(cfg *store.Configuration, p Patch) {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Mode != nil {
		cfg.Mode = *p.Mode
	}
	if p.Environment != nil {
		cfg.Environment = *p.Environment
	}
	if p.SoftwareName != nil {
		cfg.SoftwareName = *p.SoftwareName
	}
	if p.SoftwareVersion != nil {
		cfg.SoftwareVersion = *p.SoftwareVersion
	}
	if p.SoftwareID != nil {
		cfg.SoftwareID = *p.SoftwareID
	}
	if p.SoftwareNIF != nil {
		cfg.SoftwareNIF = *p.SoftwareNIF
	}
	if p.InstallationNumber != nil {
		cfg.InstallationNumber = *p.InstallationNumber
	}
	if p.CertificatePath != nil {
		cfg.CertificatePath = *p.CertificatePath
	}
	if p.CertificatePassword != nil {
		cfg.CertificatePassword = *p.CertificatePassword
	}
	if p.CertificateExpiry != nil {
		cfg.CertificateExpiry = p.CertificateExpiry
	}
	if p.AutoTransmit != nil {
		cfg.AutoTransmit = *p.AutoTransmit
	}
	if p.RetryInterval != nil {
		cfg.RetryInterval = *p.RetryInterval
	}
	if p.MaxRetries != nil {
		cfg.MaxRetries = *p.MaxRetries
	}
}

// CanChangeMode reports whether the operating mode may change: either the
// lock was never taken, or it was taken for a fiscal year other than the
// current one.
func (k *Keeper) CanChangeMode(ctx context.Context) (bool, error) {
	cfg, err := k.cfgStore.GetOrCreate(ctx, k.clk.Now())
	if err != nil {
		return false, err
	}
	return k.canChangeMode(cfg), nil
}

func (k *Keeper) canChangeMode(cfg store.Configuration) bool {
	if !cfg.ModeLocked {
		return true
	}
	return cfg.FiscalYearLocked != k.clk.Now().Year()
}

// LockModeTx takes the once-only mode lock inside the transaction of the
// first record append. Locking an already-locked configuration is a no-op,
// so retries of the first append stay idempotent.
func (k *Keeper) LockModeTx(ctx context.Context, tx *sql.Tx, actor string) error {
	cfg, err := k.cfgStore.GetTx(ctx, tx)
	if err != nil {
		return fmt.Errorf("read configuration for lock: %w", err)
	}
	if cfg.ModeLocked && cfg.FiscalYearLocked == k.clk.Now().Year() {
		return nil
	}
	now := k.clk.Now()
	firstDate := now.Truncate(24 * time.Hour)
	cfg.ModeLocked = true
	cfg.ModeLockedAt = &now
	cfg.ModeLockedBy = actor
	cfg.FiscalYearLocked = now.Year()
	cfg.ModuleActivated = true
	if cfg.FirstRecordDate == nil {
		cfg.FirstRecordDate = &firstDate
	}
	if err := k.cfgStore.SaveTx(ctx, tx, cfg); err != nil {
		return err
	}
	k.logger.Info("operating mode locked",
		"fiscal_year", cfg.FiscalYearLocked, "actor", actor, "mode", cfg.Mode)
	return nil
}

// CanDeactivateModule reports whether the module may be switched off: never
// after activation, and never while the chain holds records.
func (k *Keeper) CanDeactivateModule(ctx context.Context, issuerNIF string) (bool, error) {
	cfg, err := k.cfgStore.GetOrCreate(ctx, k.clk.Now())
	if err != nil {
		return false, err
	}
	if cfg.ModuleActivated {
		return false, nil
	}
	n, err := k.chain.CountByIssuer(ctx, issuerNIF)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Deactivate disables the module when permitted; otherwise it fails with
// record.ErrModuleProtected.
func (k *Keeper) Deactivate(ctx context.Context, issuerNIF, actor string) error {
	ok, err := k.CanDeactivateModule(ctx, issuerNIF)
	if err != nil {
		return err
	}
	if !ok {
		return record.ErrModuleProtected
	}
	f := false
	_, err = k.Update(ctx, Patch{Enabled: &f}, actor)
	return err
}

// Delete is the configuration delete surface. It always refuses: while the
// module is activated or records exist the row is legally protected, and
// even before that the singleton row carries the lock audit trail.
func (k *Keeper) Delete(ctx context.Context, issuerNIF string) error {
	if _, err := k.CanDeactivateModule(ctx, issuerNIF); err != nil {
		return err
	}
	return record.ErrConfigProtected
}

// ReconciliationMark summarizes the last reconciliation outcome.
type ReconciliationMark struct {
	Status  string
	Message string
}

// MarkReconciliation records the outcome of a reconciliation run.
func (k *Keeper) MarkReconciliation(ctx context.Context, mark ReconciliationMark) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	cfg, err := k.cfgStore.GetOrCreate(ctx, k.clk.Now())
	if err != nil {
		return err
	}
	now := k.clk.Now()
	cfg.LastReconciliationAt = &now
	cfg.LastReconciliationStatus = mark.Status
	cfg.LastReconciliationMessage = mark.Message
	return k.cfgStore.Save(ctx, cfg)
}
