package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/cuemby/showrunner/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newMockStore(t *testing.T, txCeiling time.Duration) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, "pgx", txCeiling), mock
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectBegin()
	mock.ExpectCommit()

	called := false
	err := store.WithTx(context.Background(), func(tx *Tx) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.WithTx(context.Background(), func(tx *Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = store.WithTx(context.Background(), func(tx *Tx) error {
			panic("unexpected")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A transaction that outlives the wall-clock ceiling is aborted even when the
// callback itself reported success. This is what keeps subprocess and network
// I/O out of transactions.
func TestWithTxEnforcesWallClockCeiling(t *testing.T) {
	store, mock := newMockStore(t, 10*time.Millisecond)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx *Tx) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	if err == nil {
		t.Fatal("WithTx should fail a transaction that exceeds the ceiling")
	}
	assert.Contains(t, err.Error(), "ceiling")
	assert.NoError(t, mock.ExpectationsWereMet())
}
