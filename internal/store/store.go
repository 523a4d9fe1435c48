package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrNotFound reports an absent entity: account, item, order, payment,
// reserve or prepared transaction. Zero rows affected by a keyed update
// is reported the same way.
var ErrNotFound = errors.New("not found")

// ErrMessageAlreadyProcessed is the dedup hit. It is an expected
// outcome, not a failure: the caller must skip the message's side
// effects and acknowledge it.
var ErrMessageAlreadyProcessed = errors.New("message already processed")

// WriteOffError reports a write-off that would drive the account's
// total or held funds negative. Nothing is applied. A write-off runs
// against previously locked funds, so this indicates an earlier
// invariant breach rather than a plain business rejection.
type WriteOffError struct {
	InsufficientAmount float64
	InsufficientHold   float64
}

func (e *WriteOffError) Error() string {
	return fmt.Sprintf("write off failed: insufficient amount %.2f, insufficient hold %.2f",
		e.InsufficientAmount, e.InsufficientHold)
}

// BalanceResult is the outcome of a successful account mutation.
type BalanceResult struct {
	Balance   float64   `json:"balance"`
	Timestamp time.Time `json:"timestamp"`
}

// LockResult is the outcome of a fund-lock attempt. Insufficiency is a
// normal business outcome and never surfaces on the error channel.
type LockResult struct {
	Success            bool    `json:"success"`
	InsufficientAmount float64 `json:"insufficient_amount,omitempty"`
}

// ItemResult is the outcome of a stock mutation for one item.
// Remainder is the stock still available after the operation.
type ItemResult struct {
	ID        string `json:"id"`
	Remainder int    `json:"remainder"`
}

// ReserveResult is the per-item outcome of a reservation attempt. When
// Reserved is false, Remainder holds the shortfall and the item was not
// mutated.
type ReserveResult struct {
	ID        string `json:"id"`
	Remainder int    `json:"remainder"`
	Reserved  bool   `json:"reserved"`
}

// Connect opens a pooled connection to the given Postgres database.
func Connect(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func pqError(err error) *pq.Error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr
	}
	return nil
}

// isUndefinedObject matches SQLSTATE 42704, which Postgres raises for
// COMMIT/ROLLBACK PREPARED of an unknown transaction id.
func isUndefinedObject(err error) bool {
	pqErr := pqError(err)
	return pqErr != nil && pqErr.Code == "42704"
}

// isNoPartitionOfRelation matches the insert failure on a partitioned
// table that has no partition covering the row's partition key.
func isNoPartitionOfRelation(err error) bool {
	pqErr := pqError(err)
	return pqErr != nil && pqErr.Code == "23514" &&
		strings.HasPrefix(pqErr.Message, "no partition of relation")
}

// checkAffected converts a zero-rows-affected keyed update, typically a
// lost race with a concurrent delete, into ErrNotFound.
func checkAffected(res interface{ RowsAffected() (int64, error) }, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
