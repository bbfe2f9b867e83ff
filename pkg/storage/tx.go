package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/metrics"
)

// Tx is a handle passed to WithTx callbacks.
type Tx = sqlx.Tx

// WithTx opens a transaction, runs fn, commits on success and rolls back on
// error or panic. Transactions are for state transitions only: no subprocess
// invocation or outbound network call may happen inside fn. The wall-clock
// ceiling enforces that rule mechanically; a transaction that outlives it is
// logged, counted, and failed.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	elapsed := time.Since(start)
	metrics.TxDuration.Observe(elapsed.Seconds())
	if elapsed > s.txCeiling {
		_ = tx.Rollback()
		metrics.TxOverCeiling.Inc()
		log.WithComponent("storage").Error().
			Dur("elapsed", elapsed).
			Dur("ceiling", s.txCeiling).
			Msg("transaction exceeded wall-clock ceiling, aborted")
		return fmt.Errorf("transaction held open %v, ceiling %v: blocking I/O inside a transaction", elapsed, s.txCeiling)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
