package store

import (
	"context"
	"database/sql"
	"fmt"

	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
)

// PaymentStore persists per-order payment branch state on the payments
// database.
type PaymentStore struct {
	db *sqlx.DB
}

func NewPaymentStore(db *sqlx.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// CreatePayment inserts a new payment in CREATED status.
func (s *PaymentStore) CreatePayment(ctx context.Context, tx *sqlx.Tx, payment *models.Payment) error {
	err := tx.GetContext(ctx, payment, `
		INSERT INTO payments (id, external_ref, client_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		payment.ID, payment.ExternalRef, payment.ClientID, payment.Amount, payment.Status)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves one payment.
func (s *PaymentStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentForUpdate locks and retrieves one payment within the given
// transaction so a status transition cannot race a concurrent one.
func (s *PaymentStore) GetPaymentForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Payment, error) {
	var payment models.Payment
	err := tx.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListPayments retrieves all payments, newest first.
func (s *PaymentStore) ListPayments(ctx context.Context) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments, "SELECT * FROM payments ORDER BY created_at DESC")
	return payments, err
}

// UpdatePaymentStatus moves a payment to the given status, recording
// the insufficiency that caused it when there is one.
func (s *PaymentStore) UpdatePaymentStatus(ctx context.Context, tx *sqlx.Tx, id, status string, insufficient *float64) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, insufficient = $2, updated_at = NOW() WHERE id = $3",
		status, insufficient, id)
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", id, err)
	}
	return checkAffected(res, "payment", id)
}
