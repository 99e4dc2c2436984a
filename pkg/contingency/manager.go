// Package contingency coordinates transmission policy: the operating mode
// state machine, the persistent retry queue, health checks and hash-chain
// verification. It owns all transmission-side mutation of records.
package contingency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veritax-labs/verifactu-core/pkg/clock"
	"github.com/veritax-labs/verifactu-core/pkg/config"
	"github.com/veritax-labs/verifactu-core/pkg/events"
	"github.com/veritax-labs/verifactu-core/pkg/hashchain"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// Mode is the contingency operating regime.
type Mode string

const (
	ModeNormal   Mode = "normal"   // online, real-time submission
	ModeDegraded Mode = "degraded" // partial connectivity, delayed submission
	ModeOffline  Mode = "offline"  // no connectivity, queue records
	ModeRecovery Mode = "recovery" // chain fault, record creation blocked
)

// FailureType classifies a recorded failure.
type FailureType string

const (
	FailureNetwork              FailureType = "network"
	FailureAuthorityUnavailable FailureType = "authority_unavailable"
	FailureCertificate          FailureType = "certificate"
	FailureHashChain            FailureType = "hash_chain"
	FailureDatabase             FailureType = "database"
	FailureValidation           FailureType = "validation"
	FailureUnknown              FailureType = "unknown"
)

// Retry schedule for queued entries; the last interval sticks.
var retryIntervals = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	7200 * time.Second,
}

const (
	// maxAttempts is the per-entry cap before an entry is marked failed.
	maxAttempts = 5
	// maxQueueSize is the health threshold for open entries.
	maxQueueSize = 1000
	// maxQueueAge is the health threshold for entry age.
	maxQueueAge = 48 * time.Hour
	// certificateWarningWindow flags credentials nearing expiry.
	certificateWarningWindow = 30 * 24 * time.Hour
	// drainBatch bounds one ProcessQueue pass.
	drainBatch = 100
)

// backoffFor returns the delay before the next attempt after `attempts`
// tries have failed.
func backoffFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryIntervals) {
		idx = len(retryIntervals) - 1
	}
	return retryIntervals[idx]
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	Mode             Mode        `json:"mode"`
	FailureType      FailureType `json:"failure_type,omitempty"`
	Message          string      `json:"message"`
	QueueSize        int         `json:"queue_size"`
	LastSuccess      *time.Time  `json:"last_successful_submission,omitempty"`
	NextRetry        *time.Time  `json:"next_retry,omitempty"`
	CanCreateRecords bool        `json:"can_create_records"`
}

// Manager is the contingency state machine. A single manager exists per
// engine; the transmission worker is the only writer of transmission-side
// record fields.
type Manager struct {
	mu           sync.Mutex
	mode         Mode
	failureType  FailureType
	failureCount int
	lastSuccess  *time.Time

	chain   *store.ChainStore
	queue   *store.QueueStore
	events  *events.Log
	keeper  *config.Keeper
	clk     clock.Clock
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewManager wires the manager. The rate limiter bounds submission bursts
// against the authority during queue drains.
func NewManager(db *store.DB, keeper *config.Keeper, log *events.Log, clk clock.Clock) *Manager {
	return &Manager{
		mode:    ModeNormal,
		chain:   db.Chain,
		queue:   db.Queue,
		events:  log,
		keeper:  keeper,
		clk:     clk,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  slog.Default().With("component", "contingency"),
	}
}

// Mode returns the current operating regime.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// CanCreateRecords reports whether the builder may append. Creation is
// blocked only while the chain itself is suspect; offline operation still
// queues records.
func (m *Manager) CanCreateRecords() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode != ModeRecovery
}

// Online reports whether submissions go out in real time.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == ModeNormal
}

// Status snapshots the manager; the queue count is the only query it runs.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	queueSize, err := m.queue.CountOpen(ctx)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Mode:             m.mode,
		FailureType:      m.failureType,
		Message:          m.statusMessage(),
		QueueSize:        queueSize,
		LastSuccess:      m.lastSuccess,
		CanCreateRecords: m.mode != ModeRecovery,
	}
	if m.mode != ModeNormal && m.failureCount > 0 {
		next := m.clk.Now().Add(backoffFor(m.failureCount))
		st.NextRetry = &next
	}
	return st, nil
}

func (m *Manager) statusMessage() string {
	switch m.mode {
	case ModeOffline:
		return "offline - records queued for later transmission"
	case ModeDegraded:
		return "degraded connectivity - retrying"
	case ModeRecovery:
		return "chain recovery in progress - record creation blocked"
	default:
		return "online - real-time submission"
	}
}

// RecordSuccess resets the failure state after a successful submission.
func (m *Manager) RecordSuccess(ctx context.Context) {
	m.mu.Lock()
	wasDown := m.mode != ModeNormal
	now := m.clk.Now()
	m.lastSuccess = &now
	m.failureCount = 0
	m.failureType = ""
	m.mode = ModeNormal
	m.mu.Unlock()

	if wasDown {
		m.events.Record(ctx, store.EventContingencyEnd, store.SeverityInfo,
			"returned to normal mode after successful submission", "", nil)
	}
}

// RecordFailure counts a failure and moves the state machine.
func (m *Manager) RecordFailure(ctx context.Context, failureType FailureType, message, recordID string) {
	m.mu.Lock()
	m.failureCount++
	m.failureType = failureType
	prev := m.mode

	switch failureType {
	case FailureNetwork, FailureAuthorityUnavailable:
		if m.failureCount >= 3 {
			m.mode = ModeOffline
		} else {
			m.mode = ModeDegraded
		}
	case FailureCertificate:
		m.mode = ModeOffline
	case FailureHashChain:
		m.mode = ModeRecovery
	}
	mode := m.mode
	m.mu.Unlock()

	severity := store.SeverityWarning
	if failureType == FailureCertificate || failureType == FailureHashChain {
		severity = store.SeverityCritical
	}
	m.events.Record(ctx, store.EventTransmissionFailure, severity,
		fmt.Sprintf("failure recorded: %s - %s", failureType, message),
		recordID, map[string]any{"failure_type": string(failureType)})

	if mode != prev {
		m.events.Record(ctx, store.EventContingencyStart, store.SeverityWarning,
			fmt.Sprintf("contingency mode entered: %s", mode), "",
			map[string]any{"failure_type": string(failureType)})
		m.logger.Warn("contingency mode changed", "from", prev, "to", mode, "failure_type", failureType)
	}
}

// ForceRecovery pins the manager into recovery mode; reconciliation uses it
// when a conflict needs manual intervention.
func (m *Manager) ForceRecovery(ctx context.Context, reason string) {
	m.RecordFailure(ctx, FailureHashChain, reason, "")
}

// Resolve releases recovery mode after a conflict has been repaired.
func (m *Manager) Resolve(ctx context.Context) {
	m.mu.Lock()
	released := m.mode == ModeRecovery
	if released {
		m.mode = ModeNormal
		m.failureType = ""
		m.failureCount = 0
	}
	m.mu.Unlock()
	if released {
		m.events.Record(ctx, store.EventContingencyEnd, store.SeverityInfo,
			"recovery mode released", "", nil)
	}
}

// TryResume probes the authority and returns to normal mode when reachable.
// Used when draining a local-ahead backlog.
func (m *Manager) TryResume(ctx context.Context, client interface {
	ProbeConnection(ctx context.Context) (bool, string)
}) bool {
	ok, msg := client.ProbeConnection(ctx)
	if !ok {
		m.logger.Info("resume probe failed", "message", msg)
		return false
	}
	m.mu.Lock()
	if m.mode == ModeOffline || m.mode == ModeDegraded {
		m.mode = ModeNormal
		m.failureCount = 0
		m.failureType = ""
	}
	m.mu.Unlock()
	return true
}

// QueueRecord enqueues a record for deferred transmission.
func (m *Manager) QueueRecord(ctx context.Context, recordID, reason string, priority store.QueuePriority) (store.QueueEntry, error) {
	entry, err := m.queue.Enqueue(ctx, recordID, reason, priority, m.clk.Now())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyQueued) {
			return m.queue.Get(ctx, recordID)
		}
		return store.QueueEntry{}, err
	}
	m.events.Record(ctx, store.EventRetryScheduled, store.SeverityInfo,
		fmt.Sprintf("record queued for transmission: %s", reason), recordID, nil)
	return entry, nil
}

// CheckHealth verifies configuration, certificate freshness and queue
// pressure. It returns healthy=false with a joined issue list otherwise.
func (m *Manager) CheckHealth(ctx context.Context) (bool, string) {
	var issues []string

	cfg, err := m.keeper.Get(ctx)
	if err != nil {
		issues = append(issues, fmt.Sprintf("configuration error: %v", err))
	} else {
		if !cfg.HasCertificate() {
			issues = append(issues, "no certificate configured")
		} else if days, ok := cfg.DaysUntilCertificateExpiry(m.clk.Now()); ok {
			if days < 0 {
				issues = append(issues, "certificate expired")
			} else if time.Duration(days)*24*time.Hour < certificateWarningWindow {
				issues = append(issues, fmt.Sprintf("certificate expiring in %d days", days))
				m.events.Record(ctx, store.EventCertificateWarning, store.SeverityWarning,
					fmt.Sprintf("certificate expiring in %d days", days), "", nil)
			}
		}
	}

	queueSize, err := m.queue.CountOpen(ctx)
	if err != nil {
		issues = append(issues, fmt.Sprintf("queue error: %v", err))
	} else if queueSize >= maxQueueSize {
		issues = append(issues, fmt.Sprintf("queue size critical: %d records", queueSize))
	}

	aged, err := m.queue.CountOlderThan(ctx, m.clk.Now().Add(-maxQueueAge))
	if err == nil && aged > 0 {
		issues = append(issues, fmt.Sprintf("%d records queued for more than %s", aged, maxQueueAge))
	}

	if len(issues) > 0 {
		return false, joinIssues(issues)
	}
	return true, "system healthy"
}

func joinIssues(issues []string) string {
	out := issues[0]
	for _, s := range issues[1:] {
		out += "; " + s
	}
	return out
}

// VerifyHashChain recomputes every transmitted or accepted record's
// fingerprint in ascending sequence order and checks linkage. The first
// inconsistency stops the walk, reports the offending sequence and drops
// the manager into recovery mode.
func (m *Manager) VerifyHashChain(ctx context.Context) (bool, int64, string) {
	records, err := m.chain.ListByStatus(ctx,
		[]record.Status{record.StatusTransmitted, record.StatusAccepted}, true)
	if err != nil {
		return false, 0, fmt.Sprintf("chain read failed: %v", err)
	}

	previousHash := ""
	first := true
	for _, rec := range records {
		if err := hashchain.Verify(rec); err != nil {
			reason := fmt.Sprintf("hash mismatch at sequence %d (%s)", rec.SequenceNumber, rec.InvoiceNumber)
			m.RecordFailure(ctx, FailureHashChain, reason, rec.ID)
			return false, rec.SequenceNumber, reason
		}
		if !first && rec.PreviousHash != previousHash {
			reason := fmt.Sprintf("chain linkage error at sequence %d", rec.SequenceNumber)
			m.RecordFailure(ctx, FailureHashChain, reason, rec.ID)
			return false, rec.SequenceNumber, reason
		}
		previousHash = rec.RecordHash
		first = false
	}

	m.events.Record(ctx, store.EventChainValidation, store.SeverityInfo,
		fmt.Sprintf("hash chain verification passed over %d records", len(records)), "", nil)
	return true, 0, ""
}
