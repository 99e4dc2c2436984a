// Package engine is the application root: it constructs and owns every
// service of the record engine and exposes the administrative capability
// surface. Transports (HTTP, CLI, IPC) are collaborators that call into it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/adapter"
	"github.com/veritax-labs/verifactu-core/pkg/aeat"
	"github.com/veritax-labs/verifactu-core/pkg/builder"
	"github.com/veritax-labs/verifactu-core/pkg/clock"
	"github.com/veritax-labs/verifactu-core/pkg/config"
	"github.com/veritax-labs/verifactu-core/pkg/contingency"
	"github.com/veritax-labs/verifactu-core/pkg/events"
	"github.com/veritax-labs/verifactu-core/pkg/observability"
	"github.com/veritax-labs/verifactu-core/pkg/reconcile"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// Options configures engine construction. Zero values pick production
// defaults; tests override the clock and the client.
type Options struct {
	Clock     clock.Clock
	Location  *time.Location
	Client    aeat.Client // nil: built from configuration at construction
	Telemetry *observability.Provider
}

// Engine owns the service graph of a single-issuer deployment.
type Engine struct {
	db        *store.DB
	keeper    *config.Keeper
	events    *events.Log
	builder   *builder.Builder
	manager   *contingency.Manager
	reconcile *reconcile.Service
	client    aeat.Client
	telemetry *observability.Provider
	clk       clock.Clock
	logger    *slog.Logger

	// procMu serializes the transmission loop against reconciliation.
	procMu sync.Mutex
}

// New wires an engine over an opened store.
func New(ctx context.Context, db *store.DB, opts Options) (*Engine, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	keeper, err := config.NewKeeper(ctx, db, clk)
	if err != nil {
		return nil, err
	}
	log := events.NewLog(db.Events)
	manager := contingency.NewManager(db, keeper, log, clk)
	bld := builder.New(db, keeper, log, clk, opts.Location, manager)

	client := opts.Client
	if client == nil {
		client, err = buildClient(ctx, keeper)
		if err != nil {
			return nil, err
		}
	}
	rec := reconcile.NewService(client, db, keeper, manager, log, clk)
	keeper.OnCertificateConfigured(rec.OnCertificateConfigured)

	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry, err = observability.New(ctx, nil)
		if err != nil {
			return nil, err
		}
	}

	return &Engine{
		db:        db,
		keeper:    keeper,
		events:    log,
		builder:   bld,
		manager:   manager,
		reconcile: rec,
		client:    client,
		telemetry: telemetry,
		clk:       clk,
		logger:    slog.Default().With("component", "engine"),
	}, nil
}

// buildClient constructs the transmission client from configuration. With
// no certificate installed, a mock client stands in so the engine can run
// record-only (NoVerifactu) deployments.
func buildClient(ctx context.Context, keeper *config.Keeper) (aeat.Client, error) {
	cfg, err := keeper.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.HasCertificate() {
		return aeat.NewMockClient(), nil
	}
	return aeat.NewRealClient(cfg.CertificatePath, cfg.CertificatePassword, cfg.Environment, cfg.SoftwareName)
}

// Keeper exposes the configuration surface.
func (e *Engine) Keeper() *config.Keeper { return e.keeper }

// Events exposes the audit stream.
func (e *Engine) Events() *events.Log { return e.events }

// Manager exposes the contingency state machine.
func (e *Engine) Manager() *contingency.Manager { return e.manager }

// CreateRecord builds and appends a registration record from an invoice
// source, then queues it for transmission when auto-transmit is on.
func (e *Engine) CreateRecord(ctx context.Context, src adapter.InvoiceSource, actor string) (*record.Record, error) {
	return e.createRecord(ctx, src, record.TypeRegistration, actor)
}

// CancelRecord builds and appends a cancellation record for an invoice.
func (e *Engine) CancelRecord(ctx context.Context, src adapter.InvoiceSource, actor string) (*record.Record, error) {
	return e.createRecord(ctx, src, record.TypeCancellation, actor)
}

func (e *Engine) createRecord(ctx context.Context, src adapter.InvoiceSource, recordType record.Type, actor string) (*record.Record, error) {
	view, err := src.Snapshot()
	if err != nil {
		return nil, err
	}
	rec, err := e.builder.BuildAndAppend(ctx, view, recordType, actor)
	if err != nil {
		return nil, err
	}
	e.telemetry.RecordCreated(ctx, string(recordType))

	cfg, err := e.keeper.Get(ctx)
	if err != nil {
		return rec, err
	}
	if cfg.IsVerifactuMode() && cfg.AutoTransmit {
		if _, err := e.manager.QueueRecord(ctx, rec.ID, "auto-transmit", store.PriorityNormal); err != nil {
			return rec, err
		}
		e.telemetry.QueueDelta(ctx, 1)
	}
	return rec, nil
}

// ListRecords queries the chain store.
func (e *Engine) ListRecords(ctx context.Context, f store.Filter) ([]*record.Record, error) {
	return e.db.Chain.Query(ctx, f)
}

// GetRecord loads a single record.
func (e *Engine) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	return e.db.Chain.Get(ctx, id)
}

// ProcessQueue drains due queue entries. It holds the process lock so a
// concurrent reconciliation cannot interleave with the drain.
func (e *Engine) ProcessQueue(ctx context.Context) (successful, failed int, err error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	start := e.clk.Now()
	successful, failed, err = e.manager.ProcessQueue(ctx, e.client)
	seconds := e.clk.Now().Sub(start).Seconds()
	if err == nil {
		outcome := "success"
		if failed > 0 {
			outcome = "transport_error"
		}
		if successful+failed > 0 {
			e.telemetry.Transmission(ctx, outcome, seconds)
			e.telemetry.QueueDelta(ctx, -int64(successful))
		}
	}
	return successful, failed, err
}

// VerifyChain recomputes the transmitted chain and checks linkage.
func (e *Engine) VerifyChain(ctx context.Context) (bool, int64, string) {
	return e.manager.VerifyHashChain(ctx)
}

// ProbeConnection checks authority reachability.
func (e *Engine) ProbeConnection(ctx context.Context) (bool, string) {
	return e.client.ProbeConnection(ctx)
}

// Reconcile compares the local head against the authority.
func (e *Engine) Reconcile(ctx context.Context, issuerNIF string) (reconcile.Result, error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	return e.reconcile.Reconcile(ctx, issuerNIF)
}

// ResolveConflict diagnoses and, when possible, auto-resolves a divergence.
func (e *Engine) ResolveConflict(ctx context.Context, issuerNIF string) (reconcile.Result, error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	return e.reconcile.Resolve(ctx, issuerNIF)
}

// RecoverManual stores an operator-entered continuation hash.
func (e *Engine) RecoverManual(ctx context.Context, issuerNIF, hash string) (reconcile.RecoveryResult, error) {
	return e.reconcile.RecoverManual(ctx, issuerNIF, hash)
}

// ChainStatus reports local-vs-authority head state.
func (e *Engine) ChainStatus(ctx context.Context, issuerNIF string) (reconcile.ChainState, error) {
	return e.reconcile.ChainStatus(ctx, issuerNIF)
}

// Health combines the contingency health check with the manager snapshot.
func (e *Engine) Health(ctx context.Context) (bool, string, contingency.Status) {
	healthy, message := e.manager.CheckHealth(ctx)
	status, err := e.manager.Status(ctx)
	if err != nil {
		return false, fmt.Sprintf("status unavailable: %v", err), contingency.Status{}
	}
	return healthy, message, status
}

// RunWorker drains the queue on the configured interval until the context
// ends. Engine deployments run exactly one worker; it is the only writer of
// transmission-side record state.
func (e *Engine) RunWorker(ctx context.Context) error {
	cfg, err := e.keeper.Get(ctx)
	if err != nil {
		return err
	}
	interval := time.Duration(cfg.RetryInterval) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.logger.Info("transmission worker started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("transmission worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := e.ProcessQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("queue drain failed", "error", err)
			}
		}
	}
}

// Close releases the client and the store.
func (e *Engine) Close() error {
	if err := e.client.Close(); err != nil {
		return err
	}
	return e.db.Close()
}
