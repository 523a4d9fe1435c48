package store

import (
	"context"
	"fmt"
	"strings"

	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
)

// PreparedTxStore exposes Postgres prepared transactions as the branch
// primitive of a two-phase commit. A branch goes ACTIVE (a live local
// transaction) -> PREPARED (durable, crash-survivable, row locks still
// held) -> COMMITTED or ROLLED BACK.
type PreparedTxStore struct {
	db *sqlx.DB
}

func NewPreparedTxStore(db *sqlx.DB) *PreparedTxStore {
	return &PreparedTxStore{db: db}
}

// checkTransactionID guards the id before interpolation: PREPARE
// TRANSACTION and friends are utility statements and cannot take bind
// parameters.
func checkTransactionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("transaction id cannot be blank")
	}
	if strings.ContainsAny(id, "'\\") {
		return fmt.Errorf("transaction id %q contains forbidden characters", id)
	}
	return nil
}

// Prepare durably marks the live transaction as prepared under the
// given global id and dissociates it from the session. The transaction
// keeps its row locks until Commit or Rollback; the caller's deferred
// tx.Commit()/tx.Rollback() become no-ops.
func (s *PreparedTxStore) Prepare(ctx context.Context, tx *sqlx.Tx, transactionID string) error {
	if err := checkTransactionID(transactionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", transactionID)); err != nil {
		return fmt.Errorf("failed to prepare transaction %s: %w", transactionID, err)
	}
	return nil
}

// Commit finalizes a prepared branch. An unknown id means the branch
// was already finalized or never prepared and maps to ErrNotFound,
// which makes a coordinator's retry loop safe against replay.
func (s *PreparedTxStore) Commit(ctx context.Context, transactionID string) error {
	return s.finish(ctx, "COMMIT PREPARED", transactionID)
}

// Rollback discards a prepared branch. Same replay semantics as Commit.
func (s *PreparedTxStore) Rollback(ctx context.Context, transactionID string) error {
	return s.finish(ctx, "ROLLBACK PREPARED", transactionID)
}

func (s *PreparedTxStore) finish(ctx context.Context, verb, transactionID string) error {
	if err := checkTransactionID(transactionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("%s '%s'", verb, transactionID))
	if isUndefinedObject(err) {
		return fmt.Errorf("prepared transaction %s: %w", transactionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", strings.ToLower(verb), transactionID, err)
	}
	return nil
}

// ListActive enumerates the in-doubt branches of this database for
// recovery tooling or a periodic reconciliation sweep.
func (s *PreparedTxStore) ListActive(ctx context.Context) ([]models.PreparedTransaction, error) {
	var transactions []models.PreparedTransaction
	err := s.db.SelectContext(ctx, &transactions, `
		SELECT transaction, gid, prepared FROM pg_prepared_xacts
		WHERE database = current_database()`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prepared transactions: %w", err)
	}
	return transactions, nil
}
