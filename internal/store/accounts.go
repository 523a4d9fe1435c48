package store

import (
	"context"
	"database/sql"
	"fmt"

	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
)

// AccountStore mutates client accounts under single-row pessimistic
// locks. All mutating methods run on a caller-supplied transaction so a
// two-phase participant can mutate and prepare in one local
// transaction; the row lock is held until that transaction finishes.
type AccountStore struct {
	db *sqlx.DB
}

func NewAccountStore(db *sqlx.DB) *AccountStore {
	return &AccountStore{db: db}
}

// GetAccount retrieves an account without locking it.
func (s *AccountStore) GetAccount(ctx context.Context, clientID string) (*models.Account, error) {
	var account models.Account
	err := s.db.GetContext(ctx, &account,
		"SELECT client_id, amount, locked, updated_at FROM accounts WHERE client_id = $1", clientID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// ListAccounts retrieves all accounts ordered by client id.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.SelectContext(ctx, &accounts,
		"SELECT client_id, amount, locked, updated_at FROM accounts ORDER BY client_id")
	return accounts, err
}

// CreateIfAbsent inserts a zero-balance account for a first-time
// client. Existing rows are left untouched.
func (s *AccountStore) CreateIfAbsent(ctx context.Context, tx *sqlx.Tx, clientID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (client_id, amount, locked, updated_at)
		VALUES ($1, 0, 0, NOW())
		ON CONFLICT (client_id) DO NOTHING`, clientID)
	return err
}

func lockAccount(ctx context.Context, tx *sqlx.Tx, clientID string) (*models.Account, error) {
	var account models.Account
	err := tx.GetContext(ctx, &account,
		"SELECT client_id, amount, locked, updated_at FROM accounts WHERE client_id = $1 FOR UPDATE",
		clientID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", clientID, err)
	}
	return &account, nil
}

// AddAmount credits delta to the account's funds and returns the new
// available balance. A negative resulting balance cannot happen on a
// pure top-up, so it is reported as an invariant violation.
func (s *AccountStore) AddAmount(ctx context.Context, tx *sqlx.Tx, clientID string, delta float64) (BalanceResult, error) {
	var account models.Account
	err := tx.GetContext(ctx, &account, `
		UPDATE accounts SET amount = amount + $1, updated_at = NOW()
		WHERE client_id = $2
		RETURNING client_id, amount, locked, updated_at`, delta, clientID)
	if err == sql.ErrNoRows {
		return BalanceResult{}, fmt.Errorf("account %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return BalanceResult{}, err
	}

	balance := account.Amount - account.Locked
	if balance < 0 {
		return BalanceResult{}, fmt.Errorf("balance overflow %.2f on account %s with replenishment %.2f",
			balance, clientID, delta)
	}
	return BalanceResult{Balance: balance, Timestamp: account.UpdatedAt}, nil
}

// AddLock holds delta of the account's funds. If available funds do not
// cover the hold, nothing is mutated and the shortfall is returned as a
// structured result.
func (s *AccountStore) AddLock(ctx context.Context, tx *sqlx.Tx, clientID string, delta float64) (LockResult, error) {
	account, err := lockAccount(ctx, tx, clientID)
	if err != nil {
		return LockResult{}, err
	}

	newLocked := account.Locked + delta
	if account.Amount < newLocked {
		return LockResult{Success: false, InsufficientAmount: newLocked - account.Amount}, nil
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET locked = locked + $1, updated_at = NOW() WHERE client_id = $2",
		delta, clientID)
	if err != nil {
		return LockResult{}, fmt.Errorf("failed to lock funds of account %s: %w", clientID, err)
	}
	if err := checkAffected(res, "account", clientID); err != nil {
		return LockResult{}, err
	}
	return LockResult{Success: true}, nil
}

// Unlock releases delta of held funds. A request exceeding the current
// hold is clamped to releasing exactly the hold instead of going
// negative; the exceeded amount is returned so the caller can flag the
// accounting mismatch without failing the release.
func (s *AccountStore) Unlock(ctx context.Context, tx *sqlx.Tx, clientID string, delta float64) (float64, error) {
	account, err := lockAccount(ctx, tx, clientID)
	if err != nil {
		return 0, err
	}

	var deficit float64
	if account.Locked-delta < 0 {
		deficit = delta - account.Locked
		delta = account.Locked
	}
	if delta == 0 {
		return deficit, nil
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET locked = locked - $1, updated_at = NOW() WHERE client_id = $2",
		delta, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to unlock funds of account %s: %w", clientID, err)
	}
	return deficit, checkAffected(res, "account", clientID)
}

// WriteOff consumes delta from both the hold and the total funds in one
// update. If either would go negative both deficits are reported and
// nothing is applied.
func (s *AccountStore) WriteOff(ctx context.Context, tx *sqlx.Tx, clientID string, delta float64) (BalanceResult, error) {
	account, err := lockAccount(ctx, tx, clientID)
	if err != nil {
		return BalanceResult{}, err
	}

	newLocked := account.Locked - delta
	newAmount := account.Amount - delta
	if newLocked < 0 || newAmount < 0 {
		e := &WriteOffError{}
		if newAmount < 0 {
			e.InsufficientAmount = -newAmount
		}
		if newLocked < 0 {
			e.InsufficientHold = -newLocked
		}
		return BalanceResult{}, e
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET locked = $1, amount = $2, updated_at = NOW()
		WHERE client_id = $3`, newLocked, newAmount, clientID)
	if err != nil {
		return BalanceResult{}, fmt.Errorf("failed to write off account %s: %w", clientID, err)
	}
	if err := checkAffected(res, "account", clientID); err != nil {
		return BalanceResult{}, err
	}
	return BalanceResult{Balance: newAmount - newLocked}, nil
}
