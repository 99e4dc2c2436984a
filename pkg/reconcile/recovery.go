package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/veritax-labs/verifactu-core/pkg/hashchain"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// RecoveryStatus classifies a chain recovery attempt.
type RecoveryStatus string

const (
	RecoverySuccess         RecoveryStatus = "success"
	RecoveryNoRecords       RecoveryStatus = "no_records"
	RecoveryConnectionError RecoveryStatus = "connection_error"
	RecoveryInvalidHash     RecoveryStatus = "invalid_hash"
)

// RecoveryResult is the outcome of a pointer recovery.
type RecoveryResult struct {
	Status           RecoveryStatus `json:"status"`
	RecoveredHash    string         `json:"recovered_hash,omitempty"`
	RecoveredInvoice string         `json:"recovered_invoice,omitempty"`
	Message          string         `json:"message"`
}

// ChainState compares the local head against the authority without
// resolving anything.
type ChainState struct {
	Synced            bool   `json:"synced"`
	LocalLastHash     string `json:"local_last_hash,omitempty"`
	LocalLastInvoice  string `json:"local_last_invoice,omitempty"`
	AuthorityLastHash string `json:"authority_last_hash,omitempty"`
	AuthorityInvoice  string `json:"authority_last_invoice,omitempty"`
	Message           string `json:"message"`
}

// ChainStatus reports whether the local head matches the authority's.
// An unreachable authority is reported as synced-with-caveat rather than an
// error: the caller only wanted a status, not a remedy.
func (s *Service) ChainStatus(ctx context.Context, issuerNIF string) (ChainState, error) {
	state := ChainState{}

	head, err := s.chain.Head(ctx, issuerNIF)
	switch {
	case err == nil:
		state.LocalLastHash = head.RecordHash
		state.LocalLastInvoice = head.InvoiceNumber
	case !errors.Is(err, record.ErrNotFound):
		return ChainState{}, err
	}

	query, err := s.client.QueryLastRecords(ctx, issuerNIF, s.clk.Now().Year(), 1)
	if err != nil || !query.OK || len(query.Records) == 0 {
		state.Synced = true
		state.Message = "could not verify against the authority"
		if err == nil && query.OK {
			state.Message = "authority holds no records for this issuer"
			state.Synced = state.LocalLastHash == ""
		}
		return state, nil
	}

	state.AuthorityLastHash = query.Records[0].RecordHash
	state.AuthorityInvoice = query.Records[0].InvoiceNumber
	switch {
	case state.LocalLastHash == state.AuthorityLastHash:
		state.Synced = true
		state.Message = "chain synchronized"
	case state.LocalLastHash == "":
		state.Message = "local database empty but authority holds records"
	default:
		state.Message = "chain out of sync - recovery required"
	}
	return state, nil
}

// RecoverFromAuthority queries the authority for the issuer's newest record
// and stores its fingerprint as the chain continuation pointer.
func (s *Service) RecoverFromAuthority(ctx context.Context, issuerNIF string) (RecoveryResult, error) {
	s.logger.Info("attempting chain recovery from authority", "issuer_nif", issuerNIF)

	query, err := s.client.QueryLastRecords(ctx, issuerNIF, s.clk.Now().Year(), 1)
	if err != nil {
		return RecoveryResult{
			Status:  RecoveryConnectionError,
			Message: fmt.Sprintf("authority query failed: %v", err),
		}, nil
	}
	if !query.OK {
		return RecoveryResult{
			Status:  RecoveryConnectionError,
			Message: fmt.Sprintf("authority query failed: %s", query.Message),
		}, nil
	}
	if len(query.Records) == 0 {
		return RecoveryResult{
			Status:  RecoveryNoRecords,
			Message: "the authority holds no records for this issuer; a first invoice needs no recovery",
		}, nil
	}

	last := query.Records[0]
	err = s.pointers.Set(ctx, store.RecoveryPointer{
		IssuerNIF:     issuerNIF,
		Hash:          last.RecordHash,
		Source:        store.PointerFromAuthority,
		InvoiceNumber: last.InvoiceNumber,
		SetAt:         s.clk.Now(),
	})
	if err != nil {
		return RecoveryResult{}, err
	}

	s.events.Record(ctx, store.EventChainRecovered, store.SeverityInfo,
		fmt.Sprintf("chain recovered from authority; last hash %.16s...", last.RecordHash),
		"", map[string]any{"issuer_nif": issuerNIF, "invoice_number": last.InvoiceNumber})

	return RecoveryResult{
		Status:           RecoverySuccess,
		RecoveredHash:    last.RecordHash,
		RecoveredInvoice: last.InvoiceNumber,
		Message:          fmt.Sprintf("chain recovered; last invoice %s", last.InvoiceNumber),
	}, nil
}

// RecoverManual stores an operator-entered fingerprint as the chain
// continuation pointer. Used when the network or certificate is unavailable
// and the hash is known from another source.
func (s *Service) RecoverManual(ctx context.Context, issuerNIF, lastHash string) (RecoveryResult, error) {
	if !hashchain.ValidFingerprint(lastHash) {
		return RecoveryResult{
			Status:  RecoveryInvalidHash,
			Message: "the hash must be 64 uppercase hexadecimal characters",
		}, nil
	}

	err := s.pointers.Set(ctx, store.RecoveryPointer{
		IssuerNIF: issuerNIF,
		Hash:      lastHash,
		Source:    store.PointerFromManual,
		SetAt:     s.clk.Now(),
	})
	if err != nil {
		return RecoveryResult{}, err
	}

	s.events.Record(ctx, store.EventChainRecovered, store.SeverityInfo,
		fmt.Sprintf("chain recovered manually; hash %.16s...", lastHash),
		"", map[string]any{"issuer_nif": issuerNIF, "source": "manual"})

	return RecoveryResult{
		Status:        RecoverySuccess,
		RecoveredHash: lastHash,
		Message:       "hash stored; the next invoice will link to it",
	}, nil
}

// EffectiveLastHash is the hash the next record must link to: the chain
// head when one exists, else the recovery pointer, else the empty string of
// a first record.
func (s *Service) EffectiveLastHash(ctx context.Context, issuerNIF string) (string, error) {
	head, err := s.chain.Head(ctx, issuerNIF)
	switch {
	case err == nil:
		return head.RecordHash, nil
	case !errors.Is(err, record.ErrNotFound):
		return "", err
	}

	ptr, err := s.pointers.Get(ctx, issuerNIF)
	switch {
	case err == nil:
		return ptr.Hash, nil
	case errors.Is(err, record.ErrNotFound):
		return "", nil
	default:
		return "", err
	}
}

// OnCertificateConfigured is the trigger the configuration keeper fires
// when a certificate is installed or replaced.
func (s *Service) OnCertificateConfigured(ctx context.Context) {
	cfg, err := s.keeper.Get(ctx)
	if err != nil || !cfg.HasCertificate() {
		return
	}
	res, err := s.Reconcile(ctx, cfg.SoftwareNIF)
	if err != nil {
		s.events.Record(ctx, store.EventChainError, store.SeverityError,
			fmt.Sprintf("reconciliation after certificate install failed: %v", err), "", nil)
		return
	}
	if res.NeedsAttention() {
		s.events.Record(ctx, store.EventChainError, store.SeverityWarning,
			fmt.Sprintf("divergence detected after certificate install: %s", res.Message), "",
			map[string]any{"status": string(res.Status)})
		return
	}
	s.events.Record(ctx, store.EventChainValidation, store.SeverityInfo,
		"reconciliation after certificate install succeeded", "",
		map[string]any{"local_hash": res.LocalLastHash, "authority_hash": res.AuthorityLastHash})
}
