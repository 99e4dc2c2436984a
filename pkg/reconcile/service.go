// Package reconcile compares the local chain head with the tax authority's
// last-known records, classifies any divergence and drives recovery: either
// automatically (pointer write, queue drain) or by demanding manual
// intervention and freezing record creation.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/aeat"
	"github.com/veritax-labs/verifactu-core/pkg/clock"
	"github.com/veritax-labs/verifactu-core/pkg/config"
	"github.com/veritax-labs/verifactu-core/pkg/contingency"
	"github.com/veritax-labs/verifactu-core/pkg/events"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// Status is the outcome class of a reconciliation run.
type Status string

const (
	StatusSuccess                    Status = "success"
	StatusFailed                     Status = "failed"
	StatusMismatchDetected           Status = "mismatch_detected"
	StatusNoCertificate              Status = "no_certificate"
	StatusAuthorityUnavailable       Status = "authority_unavailable"
	StatusChainRecovered             Status = "chain_recovered"
	StatusManualInterventionRequired Status = "manual_intervention_required"
)

// ConflictType classifies a divergence between local and authority chains.
type ConflictType string

const (
	ConflictNone         ConflictType = "none"
	ConflictLocalBehind  ConflictType = "local_behind"
	ConflictLocalAhead   ConflictType = "local_ahead"
	ConflictHashMismatch ConflictType = "hash_mismatch"
)

// DiscrepancyKind labels one record-level difference.
type DiscrepancyKind string

const (
	DiscrepancyMissingLocal     DiscrepancyKind = "missing_local"
	DiscrepancyHashMismatch     DiscrepancyKind = "hash_mismatch"
	DiscrepancyMissingAuthority DiscrepancyKind = "missing_authority"
)

// Discrepancy is one record-level difference found during comparison.
type Discrepancy struct {
	Kind          DiscrepancyKind `json:"kind"`
	InvoiceNumber string          `json:"invoice_number"`
	InvoiceDate   string          `json:"invoice_date"`
	LocalHash     string          `json:"local_hash,omitempty"`
	AuthorityHash string          `json:"authority_hash,omitempty"`
	Message       string          `json:"message"`
}

// Result is the outcome of a reconcile, diagnose or resolve run.
type Result struct {
	Status            Status        `json:"status"`
	Message           string        `json:"message"`
	ConflictType      ConflictType  `json:"conflict_type"`
	LocalLastHash     string        `json:"local_last_hash,omitempty"`
	AuthorityLastHash string        `json:"authority_last_hash,omitempty"`
	LocalCount        int           `json:"local_record_count"`
	AuthorityCount    int           `json:"authority_record_count"`
	Discrepancies     []Discrepancy `json:"discrepancies,omitempty"`
	RecommendedAction string        `json:"recommended_action,omitempty"`
	CanAutoResolve    bool          `json:"can_auto_resolve"`
	Timestamp         time.Time     `json:"timestamp"`
}

// Synced reports whether local and authority agree after this run.
func (r Result) Synced() bool {
	return r.Status == StatusSuccess || r.Status == StatusChainRecovered
}

// NeedsAttention reports whether an operator has to look at this result.
func (r Result) NeedsAttention() bool {
	return r.Status == StatusMismatchDetected ||
		r.Status == StatusFailed ||
		r.Status == StatusManualInterventionRequired
}

// Service composes the transmission client, the stores and the contingency
// manager into the reconciliation protocol.
type Service struct {
	client   aeat.Client
	chain    *store.ChainStore
	pointers *store.PointerStore
	queue    *store.QueueStore
	events   *events.Log
	keeper   *config.Keeper
	manager  *contingency.Manager
	clk      clock.Clock
	logger   *slog.Logger
}

// NewService wires the reconciliation service.
func NewService(client aeat.Client, db *store.DB, keeper *config.Keeper, manager *contingency.Manager, log *events.Log, clk clock.Clock) *Service {
	return &Service{
		client:   client,
		chain:    db.Chain,
		pointers: db.Pointers,
		queue:    db.Queue,
		events:   log,
		keeper:   keeper,
		manager:  manager,
		clk:      clk,
		logger:   slog.Default().With("component", "reconcile"),
	}
}

// Reconcile compares the local head with the authority's and reports the
// raw comparison; it never mutates state beyond the configuration summary.
func (s *Service) Reconcile(ctx context.Context, issuerNIF string) (Result, error) {
	res, err := s.reconcile(ctx, issuerNIF)
	if err != nil {
		return res, err
	}
	_ = s.keeper.MarkReconciliation(ctx, config.ReconciliationMark{
		Status:  string(res.Status),
		Message: res.Message,
	})
	return res, nil
}

func (s *Service) reconcile(ctx context.Context, issuerNIF string) (Result, error) {
	now := s.clk.Now()

	cfg, err := s.keeper.Get(ctx)
	if err != nil {
		return Result{}, err
	}
	if !cfg.HasCertificate() {
		return Result{
			Status:    StatusNoCertificate,
			Message:   "cannot reconcile without a configured certificate",
			Timestamp: now,
		}, nil
	}
	if issuerNIF == "" {
		issuerNIF = cfg.SoftwareNIF
	}
	if issuerNIF == "" {
		return Result{Status: StatusFailed, Message: "no issuer NIF configured", Timestamp: now}, nil
	}

	localHash, localCount, err := s.localState(ctx, issuerNIF)
	if err != nil {
		return Result{}, err
	}

	query, err := s.client.QueryLastRecords(ctx, issuerNIF, now.Year(), 10)
	if err != nil || !query.OK {
		msg := query.Message
		if err != nil {
			msg = err.Error()
		}
		return Result{
			Status:        StatusAuthorityUnavailable,
			Message:       fmt.Sprintf("authority query failed: %s", msg),
			LocalLastHash: localHash,
			LocalCount:    localCount,
			Timestamp:     now,
		}, nil
	}

	authorityHash := ""
	if len(query.Records) > 0 {
		authorityHash = query.Records[0].RecordHash
	}

	if localHash == authorityHash {
		return Result{
			Status:            StatusSuccess,
			Message:           "chain synchronized with authority",
			ConflictType:      ConflictNone,
			LocalLastHash:     localHash,
			AuthorityLastHash: authorityHash,
			LocalCount:        localCount,
			AuthorityCount:    len(query.Records),
			Timestamp:         now,
		}, nil
	}

	discrepancies, err := s.findDiscrepancies(ctx, issuerNIF, query.Records)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:            StatusMismatchDetected,
		Message:           "divergence detected between local records and authority",
		LocalLastHash:     localHash,
		AuthorityLastHash: authorityHash,
		LocalCount:        localCount,
		AuthorityCount:    len(query.Records),
		Discrepancies:     discrepancies,
		Timestamp:         now,
	}, nil
}

func (s *Service) localState(ctx context.Context, issuerNIF string) (string, int, error) {
	localHash := ""
	head, err := s.chain.Head(ctx, issuerNIF)
	switch {
	case err == nil:
		localHash = head.RecordHash
	case !errors.Is(err, record.ErrNotFound):
		return "", 0, err
	}
	count, err := s.chain.CountByIssuer(ctx, issuerNIF)
	if err != nil {
		return "", 0, err
	}
	return localHash, count, nil
}

// findDiscrepancies lines the authority's window up against local records.
func (s *Service) findDiscrepancies(ctx context.Context, issuerNIF string, authority []aeat.QueryRecord) ([]Discrepancy, error) {
	var out []Discrepancy

	authorityNumbers := make(map[string]bool, len(authority))
	for _, ar := range authority {
		authorityNumbers[ar.InvoiceNumber] = true

		local, err := s.chain.FindByInvoice(ctx, issuerNIF, ar.InvoiceNumber, ar.InvoiceDate)
		switch {
		case errors.Is(err, record.ErrNotFound):
			out = append(out, Discrepancy{
				Kind:          DiscrepancyMissingLocal,
				InvoiceNumber: ar.InvoiceNumber,
				InvoiceDate:   ar.InvoiceDate.Format("2006-01-02"),
				AuthorityHash: ar.RecordHash,
				Message:       fmt.Sprintf("record %s exists at the authority but not locally", ar.InvoiceNumber),
			})
		case err != nil:
			return nil, err
		case local.RecordHash != ar.RecordHash:
			out = append(out, Discrepancy{
				Kind:          DiscrepancyHashMismatch,
				InvoiceNumber: ar.InvoiceNumber,
				InvoiceDate:   ar.InvoiceDate.Format("2006-01-02"),
				LocalHash:     local.RecordHash,
				AuthorityHash: ar.RecordHash,
				Message:       fmt.Sprintf("fingerprint of %s does not match the authority's", ar.InvoiceNumber),
			})
		}
	}

	// Locals accepted by the authority but absent from its answer window.
	locals, err := s.chain.Query(ctx, store.Filter{
		IssuerNIF: issuerNIF,
		Status:    record.StatusAccepted,
		Limit:     len(authority),
	})
	if err != nil {
		return nil, err
	}
	for _, local := range locals {
		if !authorityNumbers[local.InvoiceNumber] {
			out = append(out, Discrepancy{
				Kind:          DiscrepancyMissingAuthority,
				InvoiceNumber: local.InvoiceNumber,
				InvoiceDate:   local.InvoiceDate.Format("2006-01-02"),
				LocalHash:     local.RecordHash,
				Message:       fmt.Sprintf("record %s exists locally but not at the authority", local.InvoiceNumber),
			})
		}
	}
	return out, nil
}

// Diagnose runs Reconcile and classifies the conflict: which side is ahead,
// whether it can auto-resolve, and what to do about it.
func (s *Service) Diagnose(ctx context.Context, issuerNIF string) (Result, error) {
	res, err := s.Reconcile(ctx, issuerNIF)
	if err != nil {
		return res, err
	}
	switch res.Status {
	case StatusSuccess:
		res.ConflictType = ConflictNone
		return res, nil
	case StatusNoCertificate, StatusAuthorityUnavailable, StatusFailed:
		return res, nil
	}

	switch {
	case res.LocalCount == 0 && res.AuthorityCount > 0:
		res.ConflictType = ConflictLocalBehind
		res.CanAutoResolve = true
		res.RecommendedAction = "authority records exist that are missing locally (backup restore); " +
			"continue the chain from the authority's last hash"

	case res.LocalCount > 0 && res.AuthorityCount == 0:
		res.ConflictType = ConflictLocalAhead
		res.CanAutoResolve = true
		res.RecommendedAction = "local records are pending transmission; " +
			"they will be sent automatically once connectivity allows"

	default:
		behind, err := s.isLocalBehind(ctx, issuerNIF, res.AuthorityLastHash)
		if err != nil {
			return res, err
		}
		if behind {
			res.ConflictType = ConflictLocalBehind
			res.CanAutoResolve = true
			res.RecommendedAction = "local database is stale relative to the authority; " +
				"continue the chain from the authority's last hash"
		} else {
			res.ConflictType = ConflictHashMismatch
			res.CanAutoResolve = false
			res.Status = StatusManualInterventionRequired
			res.RecommendedAction = "fingerprints diverge and the authority's head is not in local history; " +
				"this indicates corruption or manual modification; do not create new invoices until reviewed"
		}
	}
	return res, nil
}

// isLocalBehind reports whether the authority's head hash appears anywhere
// in local history: the chain is intact, we just restored an older copy.
func (s *Service) isLocalBehind(ctx context.Context, issuerNIF, authorityHash string) (bool, error) {
	if authorityHash == "" {
		return false, nil
	}
	_, err := s.chain.FindByHash(ctx, issuerNIF, authorityHash)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, record.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Resolve attempts automatic resolution of a diagnosed conflict. Hash
// mismatches are never auto-resolved: the manager is forced into recovery
// and the builder refuses further appends until an operator intervenes.
func (s *Service) Resolve(ctx context.Context, issuerNIF string) (Result, error) {
	diagnosis, err := s.Diagnose(ctx, issuerNIF)
	if err != nil {
		return diagnosis, err
	}
	if issuerNIF == "" {
		cfg, err := s.keeper.Get(ctx)
		if err != nil {
			return diagnosis, err
		}
		issuerNIF = cfg.SoftwareNIF
	}

	switch diagnosis.ConflictType {
	case ConflictNone:
		return diagnosis, nil

	case ConflictLocalBehind:
		return s.resolveLocalBehind(ctx, issuerNIF, diagnosis)

	case ConflictLocalAhead:
		return s.resolveLocalAhead(ctx, issuerNIF, diagnosis)

	case ConflictHashMismatch:
		s.manager.ForceRecovery(ctx, "reconciliation found an unresolvable hash mismatch")
		_ = s.keeper.MarkReconciliation(ctx, config.ReconciliationMark{
			Status:  string(StatusManualInterventionRequired),
			Message: diagnosis.Message,
		})
		return diagnosis, nil
	}
	return diagnosis, nil
}

// resolveLocalBehind writes the authority's head into the recovery pointer
// store; the next record built will chain onto it.
func (s *Service) resolveLocalBehind(ctx context.Context, issuerNIF string, diagnosis Result) (Result, error) {
	if diagnosis.AuthorityLastHash == "" {
		diagnosis.Status = StatusFailed
		diagnosis.Message = "authority last hash unavailable"
		return diagnosis, nil
	}
	err := s.pointers.Set(ctx, store.RecoveryPointer{
		IssuerNIF: issuerNIF,
		Hash:      diagnosis.AuthorityLastHash,
		Source:    store.PointerFromAuthority,
		SetAt:     s.clk.Now(),
	})
	if err != nil {
		return diagnosis, err
	}

	s.events.Record(ctx, store.EventChainRecovered, store.SeverityInfo,
		fmt.Sprintf("chain recovered from authority; next record continues from %.16s...", diagnosis.AuthorityLastHash),
		"", map[string]any{"issuer_nif": issuerNIF, "authority_hash": diagnosis.AuthorityLastHash})

	diagnosis.Status = StatusChainRecovered
	diagnosis.Message = "chain recovered; the next invoice will link to the authority's hash"
	diagnosis.RecommendedAction = "chain synchronized; invoice creation can continue"
	_ = s.keeper.MarkReconciliation(ctx, config.ReconciliationMark{
		Status:  string(diagnosis.Status),
		Message: diagnosis.Message,
	})
	return diagnosis, nil
}

// resolveLocalAhead makes sure every untransmitted record is queued and the
// manager leaves offline mode when the network allows.
func (s *Service) resolveLocalAhead(ctx context.Context, issuerNIF string, diagnosis Result) (Result, error) {
	pending, err := s.chain.ListByStatus(ctx,
		[]record.Status{record.StatusPending, record.StatusRetry}, true)
	if err != nil {
		return diagnosis, err
	}
	queued := 0
	for _, rec := range pending {
		if rec.IssuerNIF != issuerNIF {
			continue
		}
		if _, err := s.manager.QueueRecord(ctx, rec.ID, "reconciliation backlog", store.PriorityNormal); err != nil {
			return diagnosis, err
		}
		queued++
	}
	s.manager.TryResume(ctx, s.client)

	if queued == 0 {
		diagnosis.Status = StatusSuccess
		diagnosis.ConflictType = ConflictNone
		diagnosis.Message = "no records pending transmission"
		return diagnosis, nil
	}
	diagnosis.Message = fmt.Sprintf("%d records pending transmission to the authority", queued)
	return diagnosis, nil
}
