package store

import (
	"context"
	"database/sql"
	"fmt"

	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// OrderStore persists orders on the orchestrator's own database.
type OrderStore struct {
	db *sqlx.DB
}

func NewOrderStore(db *sqlx.DB) *OrderStore {
	return &OrderStore{db: db}
}

// DB exposes the underlying connection for the orchestrator's local
// two-phase branch.
func (s *OrderStore) DB() *sqlx.DB {
	return s.db
}

// CreateOrder inserts the order and its items in one transaction.
func (s *OrderStore) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (
			id, status, customer_id, payment_id, reserve_id,
			payment_transaction_id, reserve_transaction_id,
			delivery_address, delivery_datetime, delivery_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		order.ID, order.Status, order.CustomerID, order.PaymentID, order.ReserveID,
		order.PaymentTransactionID, order.ReserveTransactionID,
		order.DeliveryAddress, order.DeliveryDateTime, order.DeliveryType)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		_, err = tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, item_id, amount) VALUES ($1, $2, $3)",
			order.ID, order.Items[i].ItemID, order.Items[i].Amount)
		if err != nil {
			return fmt.Errorf("failed to insert order item %s: %w", order.Items[i].ItemID, err)
		}
	}

	return tx.Commit()
}

// GetOrder retrieves an order with its items.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &order.Items,
		"SELECT order_id, item_id, amount FROM order_items WHERE order_id = $1 ORDER BY item_id", id); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder writes the mutable fields of an order. The optional tx
// lets the caller make the write part of a local two-phase branch.
func (s *OrderStore) UpdateOrder(ctx context.Context, tx *sqlx.Tx, order *models.Order) error {
	var execer sqlx.ExecerContext = s.db
	if tx != nil {
		execer = tx
	}
	res, err := execer.ExecContext(ctx, `
		UPDATE orders SET status = $1, payment_id = $2, reserve_id = $3, updated_at = NOW()
		WHERE id = $4`,
		order.Status, order.PaymentID, order.ReserveID, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	return checkAffected(res, "order", order.ID)
}

// TransitionStatus moves the order to the given status only if it is
// currently in one of the expected statuses. A concurrent caller that
// already won the transition surfaces as UnexpectedStatusError, which
// is how competing operations on one order are serialized.
func (s *OrderStore) TransitionStatus(ctx context.Context, op, id, to string, expected []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(expected))
	if err != nil {
		return fmt.Errorf("failed to transition order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.GetContext(ctx, &current, "SELECT status FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return &models.UnexpectedStatusError{Op: op, Entity: "order", ID: id, Status: current, Expected: expected}
}

// FindByCustomerAndStatus retrieves a customer's orders in the given
// status, oldest first, with items attached.
func (s *OrderStore) FindByCustomerAndStatus(ctx context.Context, customerID, status string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE customer_id = $1 AND status = $2 ORDER BY created_at", customerID, status)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if err := s.db.SelectContext(ctx, &orders[i].Items,
			"SELECT order_id, item_id, amount FROM order_items WHERE order_id = $1 ORDER BY item_id",
			orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// ListOrders retrieves orders, optionally filtered by status, newest
// first. Items are not attached on the list path.
func (s *OrderStore) ListOrders(ctx context.Context, status string) ([]models.Order, error) {
	var orders []models.Order
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &orders, "SELECT * FROM orders ORDER BY created_at DESC")
	} else {
		err = s.db.SelectContext(ctx, &orders,
			"SELECT * FROM orders WHERE status = $1 ORDER BY created_at DESC", status)
	}
	return orders, err
}
