package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

func TestEventStore_AppendAndQuery(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	evt, err := db.Events.Append(ctx, store.Event{
		EventType: store.EventRecordCreated,
		Severity:  store.SeverityInfo,
		Message:   "record created",
		Details:   map[string]any{"sequence_number": 1},
	})
	require.NoError(t, err)
	assert.Len(t, evt.ID, 36)
	assert.False(t, evt.Timestamp.IsZero())

	_, err = db.Events.Append(ctx, store.Event{
		EventType: store.EventChainError,
		Severity:  store.SeverityCritical,
		Message:   "linkage broken",
		RecordID:  "rec-1",
	})
	require.NoError(t, err)

	all, err := db.Events.Query(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	critical, err := db.Events.Query(ctx, store.EventFilter{Severity: store.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, store.EventChainError, critical[0].EventType)
	assert.Equal(t, "rec-1", critical[0].RecordID)

	byRecord, err := db.Events.Query(ctx, store.EventFilter{RecordID: "rec-1"})
	require.NoError(t, err)
	assert.Len(t, byRecord, 1)
}

func TestQueueStore_EnqueueOncePerRecord(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now()

	entry, err := db.Queue.Enqueue(ctx, "rec-1", "auto-transmit", store.PriorityNormal, now)
	require.NoError(t, err)
	assert.Equal(t, store.QueuePending, entry.Status)

	_, err = db.Queue.Enqueue(ctx, "rec-1", "again", store.PriorityHigh, now)
	assert.ErrorIs(t, err, store.ErrAlreadyQueued)
}

func TestQueueStore_DueOrdering(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := db.Queue.Enqueue(ctx, "rec-normal", "r", store.PriorityNormal, base)
	require.NoError(t, err)
	_, err = db.Queue.Enqueue(ctx, "rec-high", "r", store.PriorityHigh, base.Add(time.Second))
	require.NoError(t, err)
	_, err = db.Queue.Enqueue(ctx, "rec-low", "r", store.PriorityLow, base)
	require.NoError(t, err)

	due, err := db.Queue.Due(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "rec-high", due[0].RecordID)
	assert.Equal(t, "rec-normal", due[1].RecordID)
	assert.Equal(t, "rec-low", due[2].RecordID)

	// Nothing is due before its next attempt time.
	none, err := db.Queue.Due(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueueStore_UpdateAndCounts(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now()

	entry, err := db.Queue.Enqueue(ctx, "rec-1", "r", store.PriorityNormal, now.Add(-72*time.Hour))
	require.NoError(t, err)

	open, err := db.Queue.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	aged, err := db.Queue.CountOlderThan(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, aged)

	entry.Status = store.QueueCompleted
	entry.Attempts = 1
	require.NoError(t, db.Queue.Update(ctx, entry))

	open, err = db.Queue.CountOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, open)

	got, err := db.Queue.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, store.QueueCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestPointerStore_SetGetUpsert(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	_, err := db.Pointers.Get(ctx, "B12345678")
	assert.ErrorIs(t, err, record.ErrNotFound)

	require.NoError(t, db.Pointers.Set(ctx, store.RecoveryPointer{
		IssuerNIF: "B12345678",
		Hash:      "AAAA",
		Source:    store.PointerFromAuthority,
		SetAt:     time.Now(),
	}))

	p, err := db.Pointers.Get(ctx, "B12345678")
	require.NoError(t, err)
	assert.Equal(t, "AAAA", p.Hash)
	assert.Equal(t, store.PointerFromAuthority, p.Source)

	// Replacing the pointer keeps one row per issuer.
	require.NoError(t, db.Pointers.Set(ctx, store.RecoveryPointer{
		IssuerNIF:     "B12345678",
		Hash:          "BBBB",
		Source:        store.PointerFromManual,
		InvoiceNumber: "F-9",
		SetAt:         time.Now(),
	}))
	p, err = db.Pointers.Get(ctx, "B12345678")
	require.NoError(t, err)
	assert.Equal(t, "BBBB", p.Hash)
	assert.Equal(t, store.PointerFromManual, p.Source)
	assert.Equal(t, "F-9", p.InvoiceNumber)
}

func TestConfigStore_Defaults(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	cfg, err := db.Config.GetOrCreate(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, store.ModeVerifactu, cfg.Mode)
	assert.Equal(t, store.EnvTesting, cfg.Environment)
	assert.True(t, cfg.AutoTransmit)
	assert.Equal(t, 5, cfg.RetryInterval)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.False(t, cfg.ModeLocked)
	assert.False(t, cfg.ModuleActivated)

	// Mutations survive the round trip.
	cfg.SoftwareNIF = "B12345678"
	cfg.Mode = store.ModeNoVerifactu
	require.NoError(t, db.Config.Save(ctx, cfg))

	again, err := db.Config.GetOrCreate(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "B12345678", again.SoftwareNIF)
	assert.Equal(t, store.ModeNoVerifactu, again.Mode)
}
