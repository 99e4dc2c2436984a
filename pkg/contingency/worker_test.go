package contingency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritax-labs/verifactu-core/pkg/aeat"
	"github.com/veritax-labs/verifactu-core/pkg/contingency"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

func TestProcessQueue_RejectionIsFinal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := appendRecord(t, f, 1, "F-001", "")
	_, err := f.manager.QueueRecord(ctx, rec.ID, "auto-transmit", store.PriorityNormal)
	require.NoError(t, err)

	client := aeat.NewMockClient()
	client.SetFailure("4001", "invoice rejected")

	successful, failed, err := f.manager.ProcessQueue(ctx, client)
	require.NoError(t, err)
	assert.Zero(t, successful)
	assert.Equal(t, 1, failed)

	got, err := f.db.Chain.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusRejected, got.Status)
	assert.Equal(t, "4001", got.AuthorityCode)

	entry, err := f.db.Queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueFailed, entry.Status)
	assert.Contains(t, entry.LastError, "4001")
	assert.Nil(t, entry.NextAttemptAt)

	// No further automatic retry: nothing is due, ever.
	f.clk.Advance(100 * time.Hour)
	due, err := f.db.Queue.Due(ctx, f.clk.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestProcessQueue_TransportErrorBacksOffThenSucceeds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := appendRecord(t, f, 1, "F-001", "")
	_, err := f.manager.QueueRecord(ctx, rec.ID, "auto-transmit", store.PriorityNormal)
	require.NoError(t, err)

	client := aeat.NewMockClient()
	client.ScriptOutcomes(
		aeat.SubmitOutcome{Status: aeat.SubmitTransportError, Transport: aeat.TransportConnection, Message: "connection refused"},
		aeat.SubmitOutcome{Status: aeat.SubmitTransportError, Transport: aeat.TransportConnection, Message: "connection refused"},
		aeat.SubmitOutcome{Status: aeat.SubmitTransportError, Transport: aeat.TransportConnection, Message: "connection refused"},
	)

	expectedBackoffs := []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	for i, backoff := range expectedBackoffs {
		_, failed, err := f.manager.ProcessQueue(ctx, client)
		require.NoError(t, err)
		assert.Equal(t, 1, failed, "attempt %d", i+1)

		entry, err := f.db.Queue.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, entry.Attempts)
		assert.Equal(t, store.QueueRetrying, entry.Status)
		require.NotNil(t, entry.NextAttemptAt)
		assert.Equal(t, f.clk.Now().Add(backoff), *entry.NextAttemptAt)

		got, err := f.db.Chain.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, record.StatusRetry, got.Status)
		assert.Equal(t, i+1, got.RetryCount)

		// Not due again until the backoff elapses.
		due, err := f.db.Queue.Due(ctx, f.clk.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		f.clk.Advance(backoff)
	}

	// Fourth attempt: the mock's script is exhausted, so it succeeds.
	successful, failed, err := f.manager.ProcessQueue(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, 1, successful)
	assert.Zero(t, failed)

	got, err := f.db.Chain.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusAccepted, got.Status)
	assert.Equal(t, "CSV-MOCK-0001", got.AuthorityCSV)
	require.NotNil(t, got.TransmissionTimestamp)

	entry, err := f.db.Queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueCompleted, entry.Status)

	assert.Equal(t, contingency.ModeNormal, f.manager.Mode())
}

func TestProcessQueue_CapsAttempts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := appendRecord(t, f, 1, "F-001", "")
	_, err := f.manager.QueueRecord(ctx, rec.ID, "auto-transmit", store.PriorityNormal)
	require.NoError(t, err)

	client := aeat.NewMockClient()
	for i := 0; i < 6; i++ {
		client.ScriptOutcomes(aeat.SubmitOutcome{
			Status: aeat.SubmitTransportError, Transport: aeat.TransportConnection, Message: "refused",
		})
	}
	client.ProbeOK = true // allow the offline manager to resume for each drain

	for i := 0; i < 6; i++ {
		_, _, err := f.manager.ProcessQueue(ctx, client)
		require.NoError(t, err)
		f.clk.Advance(8000 * time.Second) // beyond the sticky last interval
	}

	entry, err := f.db.Queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueFailed, entry.Status)
	assert.Equal(t, 6, entry.Attempts)
	assert.Nil(t, entry.NextAttemptAt)

	got, err := f.db.Chain.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusError, got.Status)
}

func TestProcessQueue_SkipsWhenOfflineAndUnreachable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := appendRecord(t, f, 1, "F-001", "")
	_, err := f.manager.QueueRecord(ctx, rec.ID, "auto-transmit", store.PriorityNormal)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.manager.RecordFailure(ctx, contingency.FailureNetwork, "down", "")
	}
	require.Equal(t, contingency.ModeOffline, f.manager.Mode())

	client := aeat.NewMockClient()
	client.ProbeOK = false

	successful, failed, err := f.manager.ProcessQueue(ctx, client)
	require.NoError(t, err)
	assert.Zero(t, successful)
	assert.Zero(t, failed)
	assert.Empty(t, client.Submitted)
}

func TestProcessQueue_CancelledLeavesEntryUntouched(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	rec := appendRecord(t, f, 1, "F-001", "")
	_, err := f.manager.QueueRecord(ctx, rec.ID, "auto-transmit", store.PriorityNormal)
	require.NoError(t, err)

	before, err := f.db.Queue.Get(ctx, rec.ID)
	require.NoError(t, err)

	// Cancel before the drain: the in-flight entry must be exactly as it
	// was — no attempt increment, no state change.
	cancel()
	client := aeat.NewMockClient()
	successful, failed, err := f.manager.ProcessQueue(ctx, client)
	require.NoError(t, err)
	assert.Zero(t, successful)
	assert.Zero(t, failed)

	after, err := f.db.Queue.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.Equal(t, before.Status, after.Status)
}
