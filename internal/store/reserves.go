package store

import (
	"context"
	"database/sql"
	"fmt"

	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
)

// ReserveStore persists per-order reservation branch state on the
// reserve database.
type ReserveStore struct {
	db *sqlx.DB
}

func NewReserveStore(db *sqlx.DB) *ReserveStore {
	return &ReserveStore{db: db}
}

// CreateReserve inserts a new reserve with its items in CREATED status.
func (s *ReserveStore) CreateReserve(ctx context.Context, tx *sqlx.Tx, reserve *models.Reserve) error {
	err := tx.GetContext(ctx, reserve, `
		INSERT INTO reserves (id, external_ref, status)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		reserve.ID, reserve.ExternalRef, reserve.Status)
	if err != nil {
		return fmt.Errorf("failed to create reserve: %w", err)
	}
	for i := range reserve.Items {
		reserve.Items[i].ReserveID = reserve.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reserve_items (reserve_id, item_id, amount, reserved)
			VALUES ($1, $2, $3, false)`,
			reserve.ID, reserve.Items[i].ItemID, reserve.Items[i].Amount)
		if err != nil {
			return fmt.Errorf("failed to create reserve item %s: %w", reserve.Items[i].ItemID, err)
		}
	}
	return nil
}

// GetReserve retrieves a reserve with its items.
func (s *ReserveStore) GetReserve(ctx context.Context, id string) (*models.Reserve, error) {
	return s.getReserve(ctx, s.db, id, "")
}

// GetReserveForUpdate locks and retrieves a reserve within the given
// transaction.
func (s *ReserveStore) GetReserveForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Reserve, error) {
	return s.getReserve(ctx, tx, id, " FOR UPDATE")
}

func (s *ReserveStore) getReserve(ctx context.Context, q sqlx.QueryerContext, id, suffix string) (*models.Reserve, error) {
	var reserve models.Reserve
	err := sqlx.GetContext(ctx, q, &reserve, "SELECT * FROM reserves WHERE id = $1"+suffix, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reserve %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	err = sqlx.SelectContext(ctx, q, &reserve.Items, `
		SELECT reserve_id, item_id, amount, reserved, insufficient
		FROM reserve_items WHERE reserve_id = $1 ORDER BY item_id`, id)
	if err != nil {
		return nil, err
	}
	return &reserve, nil
}

// ListReserves retrieves all reserves without items, newest first.
func (s *ReserveStore) ListReserves(ctx context.Context) ([]models.Reserve, error) {
	var reserves []models.Reserve
	err := s.db.SelectContext(ctx, &reserves, "SELECT * FROM reserves ORDER BY created_at DESC")
	return reserves, err
}

// UpdateReserveStatus moves a reserve to the given status.
func (s *ReserveStore) UpdateReserveStatus(ctx context.Context, tx *sqlx.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE reserves SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update reserve %s: %w", id, err)
	}
	return checkAffected(res, "reserve", id)
}

// UpdateReserveItem records the reservation outcome of one item.
func (s *ReserveStore) UpdateReserveItem(ctx context.Context, tx *sqlx.Tx, item models.ReserveItem) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE reserve_items SET reserved = $1, insufficient = $2
		WHERE reserve_id = $3 AND item_id = $4`,
		item.Reserved, item.Insufficient, item.ReserveID, item.ItemID)
	if err != nil {
		return fmt.Errorf("failed to update reserve item %s: %w", item.ItemID, err)
	}
	return checkAffected(res, "reserve item", item.ItemID)
}
