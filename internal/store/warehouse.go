package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// WarehouseStore mutates stock counters under single-row pessimistic
// locks. Batch operations acquire locks in ascending item id order so
// two concurrent requests touching overlapping item sets cannot
// deadlock each other.
type WarehouseStore struct {
	db *sqlx.DB
}

func NewWarehouseStore(db *sqlx.DB) *WarehouseStore {
	return &WarehouseStore{db: db}
}

// ItemOp is one requested stock mutation.
type ItemOp struct {
	ID     string
	Amount int
}

// GetItem retrieves one warehouse item without locking it.
func (s *WarehouseStore) GetItem(ctx context.Context, id string) (*models.WarehouseItem, error) {
	var item models.WarehouseItem
	err := s.db.GetContext(ctx, &item,
		"SELECT id, amount, reserved, unit_cost, updated_at FROM warehouse_items WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItems retrieves all warehouse items ordered by id.
func (s *WarehouseStore) ListItems(ctx context.Context) ([]models.WarehouseItem, error) {
	var items []models.WarehouseItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT id, amount, reserved, unit_cost, updated_at FROM warehouse_items ORDER BY id")
	return items, err
}

// amountPerID collapses duplicate ids, summing their amounts, and
// returns the distinct ids sorted ascending for deterministic lock
// order.
func amountPerID(items []ItemOp) (map[string]int, []string) {
	amounts := make(map[string]int, len(items))
	for _, item := range items {
		amounts[item.ID] += item.Amount
	}
	ids := make([]string, 0, len(amounts))
	for id := range amounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return amounts, ids
}

// lockItems locks the given rows in ascending id order. FOR NO KEY
// UPDATE is enough: counters change, keys never do.
func lockItems(ctx context.Context, tx *sqlx.Tx, ids []string) ([]models.WarehouseItem, error) {
	var rows []models.WarehouseItem
	err := tx.SelectContext(ctx, &rows, `
		SELECT id, amount, reserved, unit_cost, updated_at FROM warehouse_items
		WHERE id = ANY($1) ORDER BY id FOR NO KEY UPDATE`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock items: %w", err)
	}
	if len(rows) != len(ids) {
		found := make(map[string]bool, len(rows))
		for _, row := range rows {
			found[row.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
			}
		}
	}
	return rows, nil
}

// Reserve holds the requested amounts. Items are independent: an item
// with enough free stock gets its reserved counter incremented, an item
// without is left untouched and reports its shortfall. The caller
// aggregates partial success; nothing is retried here.
func (s *WarehouseStore) Reserve(ctx context.Context, tx *sqlx.Tx, items []ItemOp) ([]ReserveResult, error) {
	amounts, ids := amountPerID(items)
	rows, err := lockItems(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ReserveResult, 0, len(rows))
	for _, row := range rows {
		requested := amounts[row.ID]
		remainder := row.Amount - row.Reserved - requested
		if remainder < 0 {
			results = append(results, ReserveResult{ID: row.ID, Remainder: -remainder, Reserved: false})
			continue
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE warehouse_items SET reserved = reserved + $1, updated_at = NOW() WHERE id = $2",
			requested, row.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve item %s: %w", row.ID, err)
		}
		if err := checkAffected(res, "item", row.ID); err != nil {
			return nil, err
		}
		results = append(results, ReserveResult{ID: row.ID, Remainder: remainder, Reserved: true})
	}
	return results, nil
}

// CancelReserve releases held stock without consuming it, compensating
// an earlier Reserve.
func (s *WarehouseStore) CancelReserve(ctx context.Context, tx *sqlx.Tx, items []ItemOp) ([]ItemResult, error) {
	amounts, ids := amountPerID(items)
	rows, err := lockItems(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, 0, len(rows))
	for _, row := range rows {
		requested := amounts[row.ID]
		newReserved := row.Reserved - requested
		if newReserved < 0 {
			return nil, fmt.Errorf("reserved of item %s cannot go negative (%d)", row.ID, newReserved)
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE warehouse_items SET reserved = reserved - $1, updated_at = NOW() WHERE id = $2",
			requested, row.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel reserve of item %s: %w", row.ID, err)
		}
		if err := checkAffected(res, "item", row.ID); err != nil {
			return nil, err
		}
		results = append(results, ItemResult{ID: row.ID, Remainder: row.Amount - newReserved})
	}
	return results, nil
}

// Release consumes held stock: both the reserved counter and the total
// amount drop, finalizing the order.
func (s *WarehouseStore) Release(ctx context.Context, tx *sqlx.Tx, items []ItemOp) ([]ItemResult, error) {
	amounts, ids := amountPerID(items)
	rows, err := lockItems(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, 0, len(rows))
	for _, row := range rows {
		requested := amounts[row.ID]
		newReserved := row.Reserved - requested
		newAmount := row.Amount - requested
		if newReserved < 0 || newAmount < 0 {
			return nil, fmt.Errorf("release of item %s exceeds stock: reserved deficit %d, amount deficit %d",
				row.ID, max(-newReserved, 0), max(-newAmount, 0))
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE warehouse_items SET amount = amount - $1, reserved = reserved - $1, updated_at = NOW()
			WHERE id = $2`, requested, row.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to release item %s: %w", row.ID, err)
		}
		if err := checkAffected(res, "item", row.ID); err != nil {
			return nil, err
		}
		results = append(results, ItemResult{ID: row.ID, Remainder: newAmount})
	}
	return results, nil
}

// TopUp adds stock of one item and returns the amount now available
// for reservation.
func (s *WarehouseStore) TopUp(ctx context.Context, tx *sqlx.Tx, id string, amount int) (ItemResult, error) {
	var item models.WarehouseItem
	err := tx.GetContext(ctx, &item, `
		UPDATE warehouse_items SET amount = amount + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, amount, reserved, unit_cost, updated_at`, amount, id)
	if err == sql.ErrNoRows {
		return ItemResult{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ItemResult{}, err
	}
	return ItemResult{ID: id, Remainder: item.Amount - item.Reserved}, nil
}
