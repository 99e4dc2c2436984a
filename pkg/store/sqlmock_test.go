package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// The sqlmock tests pin the SQL surface the stores emit; the behavioral
// tests in the other test files run against in-memory SQLite.

func TestChainStore_CountByIssuer_SQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_records_status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_records_issuer_invoice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_records_generation").WillReturnResult(sqlmock.NewResult(0, 0))

	chain, err := store.NewChainStore(context.Background(), db)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM records WHERE issuer_nif").
		WithArgs("B12345678").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := chain.CountByIssuer(context.Background(), "B12345678")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueStore_Enqueue_SQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS contingency_queue").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_queue_status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_queue_order").WillReturnResult(sqlmock.NewResult(0, 0))

	queue, err := store.NewQueueStore(context.Background(), db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO contingency_queue").
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry, err := queue.Enqueue(context.Background(), "rec-1", "auto-transmit", store.PriorityNormal, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "rec-1", entry.RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
