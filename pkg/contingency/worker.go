package contingency

import (
	"context"
	"errors"
	"fmt"

	"github.com/veritax-labs/verifactu-core/pkg/aeat"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// ProcessQueue drains due queue entries through the transmission client.
// Only this path mutates transmission-side record fields. A cancelled
// context stops the drain and leaves the in-flight entry untouched: no
// attempt increment, no state change.
func (m *Manager) ProcessQueue(ctx context.Context, client aeat.Client) (successful, failed int, err error) {
	if ctx.Err() != nil {
		return 0, 0, nil
	}
	if m.Mode() == ModeOffline {
		// Offline is left through a successful probe, not by blindly
		// hammering the endpoint with queued submissions.
		if !m.TryResume(ctx, client) {
			return 0, 0, nil
		}
	}

	cfg, err := m.keeper.Get(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load configuration: %w", err)
	}

	due, err := m.queue.Due(ctx, m.clk.Now(), drainBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("select due entries: %w", err)
	}
	if len(due) == 0 {
		return 0, 0, nil
	}
	m.logger.Info("processing queued records", "count", len(due))

	for _, entry := range due {
		if err := m.limiter.Wait(ctx); err != nil {
			return successful, failed, nil // cancelled; entry unchanged
		}
		ok, fatal := m.processEntry(ctx, client, cfg, entry)
		if fatal {
			return successful, failed, nil
		}
		if ok {
			successful++
		} else {
			failed++
		}
	}

	m.logger.Info("queue processing complete", "successful", successful, "failed", failed)
	return successful, failed, nil
}

// processEntry submits one entry. fatal=true means the drain must stop
// (context cancelled) with the entry left exactly as it was.
func (m *Manager) processEntry(ctx context.Context, client aeat.Client, cfg store.Configuration, entry store.QueueEntry) (ok, fatal bool) {
	rec, err := m.chain.Get(ctx, entry.RecordID)
	if err != nil {
		m.failEntry(ctx, entry, fmt.Sprintf("record load failed: %v", err))
		m.RecordFailure(ctx, FailureDatabase, err.Error(), entry.RecordID)
		return false, false
	}
	if rec.Status.Final() {
		// Already settled by an earlier drain; close the entry.
		entry.Status = store.QueueCompleted
		_ = m.queue.Update(ctx, entry)
		return true, false
	}

	xmlContent := rec.XMLContent
	if xmlContent == "" {
		xmlContent, err = aeat.RenderRecord(rec, cfg)
		if err != nil {
			m.failEntry(ctx, entry, fmt.Sprintf("render failed: %v", err))
			m.RecordFailure(ctx, FailureValidation, err.Error(), rec.ID)
			return false, false
		}
	}

	kind := aeat.KindRegistration
	if rec.RecordType == record.TypeCancellation {
		kind = aeat.KindCancellation
	}

	m.events.Record(ctx, store.EventTransmissionAttempt, store.SeverityDebug,
		fmt.Sprintf("submitting %s for invoice %s", rec.RecordType, rec.InvoiceNumber),
		rec.ID, map[string]any{"attempt": entry.Attempts + 1})

	outcome, err := client.Submit(ctx, xmlContent, kind)
	if err != nil {
		// Submit only errors on context cancellation; the entry must stay
		// untouched so the next drain retries it cleanly.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return false, true
		}
		m.failEntry(ctx, entry, err.Error())
		m.RecordFailure(ctx, FailureUnknown, err.Error(), rec.ID)
		return false, false
	}

	switch outcome.Status {
	case aeat.SubmitSuccess:
		m.settleSuccess(ctx, rec, entry, xmlContent, outcome)
		return true, false
	case aeat.SubmitRejected:
		m.settleRejection(ctx, rec, entry, outcome)
		return false, false
	default:
		m.scheduleRetry(ctx, rec, entry, outcome)
		return false, false
	}
}

func (m *Manager) settleSuccess(ctx context.Context, rec *record.Record, entry store.QueueEntry, xmlContent string, outcome aeat.SubmitOutcome) {
	status := record.StatusTransmitted
	if outcome.CSV != "" {
		status = record.StatusAccepted
	}
	now := m.clk.Now()
	patch := record.TransmissionPatch{
		Status:                status,
		TransmissionTimestamp: &now,
		AuthorityCode:         &outcome.Code,
		AuthorityMessage:      &outcome.Message,
		AuthorityCSV:          &outcome.CSV,
		XMLContent:            &xmlContent,
	}
	if err := m.chain.UpdateTransmission(ctx, rec.ID, patch); err != nil {
		m.logger.Error("record update after success failed", "record_id", rec.ID, "error", err)
	}

	entry.Status = store.QueueCompleted
	entry.Attempts++
	lastAttempt := now
	entry.LastAttemptAt = &lastAttempt
	entry.LastError = ""
	_ = m.queue.Update(ctx, entry)

	m.RecordSuccess(ctx)
	m.events.Record(ctx, store.EventTransmissionSuccess, store.SeverityInfo,
		fmt.Sprintf("invoice %s accepted by authority", rec.InvoiceNumber),
		rec.ID, map[string]any{"csv": outcome.CSV})
}

// settleRejection marks the record rejected. Logical rejections are final:
// no automatic retry is ever scheduled for them.
func (m *Manager) settleRejection(ctx context.Context, rec *record.Record, entry store.QueueEntry, outcome aeat.SubmitOutcome) {
	now := m.clk.Now()
	patch := record.TransmissionPatch{
		Status:                record.StatusRejected,
		TransmissionTimestamp: &now,
		AuthorityCode:         &outcome.Code,
		AuthorityMessage:      &outcome.Message,
	}
	if err := m.chain.UpdateTransmission(ctx, rec.ID, patch); err != nil {
		m.logger.Error("record update after rejection failed", "record_id", rec.ID, "error", err)
	}

	entry.Status = store.QueueFailed
	entry.Attempts++
	entry.LastAttemptAt = &now
	entry.LastError = fmt.Sprintf("%s: %s", outcome.Code, outcome.Message)
	entry.NextAttemptAt = nil
	_ = m.queue.Update(ctx, entry)

	m.RecordFailure(ctx, FailureValidation, entry.LastError, rec.ID)
	m.events.Record(ctx, store.EventAuthorityError, store.SeverityError,
		fmt.Sprintf("invoice %s rejected by authority: %s", rec.InvoiceNumber, outcome.Code),
		rec.ID, map[string]any{"code": outcome.Code, "message": outcome.Message})
}

func (m *Manager) scheduleRetry(ctx context.Context, rec *record.Record, entry store.QueueEntry, outcome aeat.SubmitOutcome) {
	now := m.clk.Now()
	entry.Attempts++
	entry.LastAttemptAt = &now
	entry.LastError = outcome.Message

	if entry.Attempts > maxAttempts {
		entry.Status = store.QueueFailed
		entry.NextAttemptAt = nil
	} else {
		next := now.Add(backoffFor(entry.Attempts))
		entry.Status = store.QueueRetrying
		entry.NextAttemptAt = &next
		m.events.Record(ctx, store.EventRetryScheduled, store.SeverityInfo,
			fmt.Sprintf("retry %d scheduled for invoice %s", entry.Attempts, rec.InvoiceNumber),
			rec.ID, map[string]any{"next_attempt_at": next.Format("2006-01-02T15:04:05Z07:00")})
	}
	_ = m.queue.Update(ctx, entry)

	retryCount := entry.Attempts
	patch := record.TransmissionPatch{
		Status:     record.StatusRetry,
		RetryCount: &retryCount,
	}
	if entry.NextAttemptAt != nil {
		patch.NextRetryAt = entry.NextAttemptAt
	} else {
		patch.Status = record.StatusError
	}
	if err := m.chain.UpdateTransmission(ctx, rec.ID, patch); err != nil {
		m.logger.Error("record update after transport error failed", "record_id", rec.ID, "error", err)
	}

	failureType := FailureNetwork
	switch outcome.Transport {
	case aeat.TransportTLS:
		failureType = FailureCertificate
	case aeat.TransportParse:
		failureType = FailureAuthorityUnavailable
	}
	m.RecordFailure(ctx, failureType, outcome.Message, rec.ID)
	m.events.Record(ctx, store.EventConnectionError, store.SeverityWarning,
		fmt.Sprintf("transport error submitting invoice %s: %s", rec.InvoiceNumber, outcome.Transport),
		rec.ID, map[string]any{"kind": string(outcome.Transport)})
}

func (m *Manager) failEntry(ctx context.Context, entry store.QueueEntry, message string) {
	now := m.clk.Now()
	entry.Attempts++
	entry.LastAttemptAt = &now
	entry.LastError = message
	if entry.Attempts > maxAttempts {
		entry.Status = store.QueueFailed
		entry.NextAttemptAt = nil
	} else {
		next := now.Add(backoffFor(entry.Attempts))
		entry.Status = store.QueueRetrying
		entry.NextAttemptAt = &next
	}
	_ = m.queue.Update(ctx, entry)
}
