package service

import (
	"context"
	"fmt"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ReserveService owns the reserve database: reservation branch state
// and the warehouse stock ledger. Like the payment side, mutations can
// be prepared as a two-phase branch instead of committed.
type ReserveService struct {
	db        *sqlx.DB
	reserves  *store.ReserveStore
	warehouse *store.WarehouseStore
	prepared  *store.PreparedTxStore
	logger    *zap.Logger
}

// NewReserveService creates a new reserve service
func NewReserveService(db *sqlx.DB) *ReserveService {
	return &ReserveService{
		db:        db,
		reserves:  store.NewReserveStore(db),
		warehouse: store.NewWarehouseStore(db),
		prepared:  store.NewPreparedTxStore(db),
		logger:    util.GetLogger(),
	}
}

// ReserveCreate is a request to open a reservation branch for an order.
type ReserveCreate struct {
	ExternalRef string         `json:"external_ref"`
	Items       []store.ItemOp `json:"items"`
}

// ReserveApproveResult reports the per-item outcome of a reservation
// attempt along with the resulting branch status.
type ReserveApproveResult struct {
	ID     string                `json:"id"`
	Status string                `json:"status"`
	Items  []store.ReserveResult `json:"items"`
}

func (s *ReserveService) withBranch(ctx context.Context, transactionID *string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if transactionID != nil {
		if err := s.prepared.Prepare(ctx, tx, *transactionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Create opens a reservation branch in CREATED status. Stock is not
// touched until approval.
func (s *ReserveService) Create(ctx context.Context, req ReserveCreate, transactionID *string) (string, error) {
	ctx, span := util.StartSpan(ctx, "ReserveService.Create")
	defer span.End()

	if len(req.Items) == 0 {
		return "", fmt.Errorf("reserve must contain at least one item")
	}

	reserve := &models.Reserve{
		ID:          uuid.New().String(),
		ExternalRef: req.ExternalRef,
		Status:      models.ReserveStatusCreated,
	}
	for _, item := range req.Items {
		reserve.Items = append(reserve.Items, models.ReserveItem{
			ReserveID: reserve.ID,
			ItemID:    item.ID,
			Amount:    item.Amount,
		})
	}

	err := s.withBranch(ctx, transactionID, func(tx *sqlx.Tx) error {
		return s.reserves.CreateReserve(ctx, tx, reserve)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Reserve created",
		zap.String("reserve_id", reserve.ID),
		zap.String("external_ref", req.ExternalRef),
		zap.Int("items", len(reserve.Items)))
	return reserve.ID, nil
}

// Approve reserves warehouse stock for every item of the reserve that
// is not reserved yet. Items fail independently: the branch moves to
// APPROVED only when all items end up reserved, otherwise to
// INSUFFICIENT with per-item shortfalls recorded. A retry after a
// top-up picks up only the items still missing.
func (s *ReserveService) Approve(ctx context.Context, reserveID string, transactionID *string) (ReserveApproveResult, error) {
	ctx, span := util.StartSpan(ctx, "ReserveService.Approve")
	defer span.End()

	var result ReserveApproveResult
	err := s.withBranch(ctx, transactionID, func(tx *sqlx.Tx) error {
		reserve, err := s.reserves.GetReserveForUpdate(ctx, tx, reserveID)
		if err != nil {
			return err
		}
		if err := models.CheckStatus("approve", "reserve", reserveID, reserve.Status,
			[]string{models.ReserveStatusCreated, models.ReserveStatusInsufficient}, ""); err != nil {
			return err
		}

		var pending []store.ItemOp
		for _, item := range reserve.Items {
			if !item.Reserved {
				pending = append(pending, store.ItemOp{ID: item.ItemID, Amount: item.Amount})
			}
		}

		var outcomes []store.ReserveResult
		if len(pending) > 0 {
			outcomes, err = s.warehouse.Reserve(ctx, tx, pending)
			if err != nil {
				return fmt.Errorf("failed to reserve stock: %w", err)
			}
		}

		byItem := make(map[string]store.ReserveResult, len(outcomes))
		for _, out := range outcomes {
			byItem[out.ID] = out
		}

		allReserved := true
		for i := range reserve.Items {
			item := &reserve.Items[i]
			if item.Reserved {
				continue
			}
			out, ok := byItem[item.ItemID]
			if !ok {
				continue
			}
			if out.Reserved {
				item.Reserved = true
				item.Insufficient = nil
			} else {
				allReserved = false
				shortfall := out.Remainder
				item.Insufficient = &shortfall
			}
			if err := s.reserves.UpdateReserveItem(ctx, tx, *item); err != nil {
				return err
			}
		}

		status := models.ReserveStatusApproved
		if !allReserved {
			status = models.ReserveStatusInsufficient
		}
		if err := s.reserves.UpdateReserveStatus(ctx, tx, reserveID, status); err != nil {
			return err
		}

		items := make([]store.ReserveResult, 0, len(reserve.Items))
		for _, item := range reserve.Items {
			out, ok := byItem[item.ItemID]
			if !ok {
				out = store.ReserveResult{ID: item.ItemID, Reserved: item.Reserved}
			}
			items = append(items, out)
		}
		result = ReserveApproveResult{ID: reserveID, Status: status, Items: items}
		return nil
	})
	if err != nil {
		return ReserveApproveResult{}, err
	}

	if result.Status == models.ReserveStatusInsufficient {
		s.logger.Info("Reserve approval insufficient", zap.String("reserve_id", reserveID))
	}
	return result, nil
}

// Cancel compensates a reservation branch, returning reserved stock for
// the items that made it.
func (s *ReserveService) Cancel(ctx context.Context, reserveID string, transactionID *string) (string, error) {
	ctx, span := util.StartSpan(ctx, "ReserveService.Cancel")
	defer span.End()

	err := s.withBranch(ctx, transactionID, func(tx *sqlx.Tx) error {
		reserve, err := s.reserves.GetReserveForUpdate(ctx, tx, reserveID)
		if err != nil {
			return err
		}
		if err := models.CheckStatus("cancel", "reserve", reserveID, reserve.Status,
			[]string{models.ReserveStatusCreated, models.ReserveStatusApproved, models.ReserveStatusInsufficient}, ""); err != nil {
			return err
		}

		var reserved []store.ItemOp
		for _, item := range reserve.Items {
			if item.Reserved {
				reserved = append(reserved, store.ItemOp{ID: item.ItemID, Amount: item.Amount})
			}
		}
		if len(reserved) > 0 {
			if _, err := s.warehouse.CancelReserve(ctx, tx, reserved); err != nil {
				return fmt.Errorf("failed to cancel stock reservation: %w", err)
			}
		}
		return s.reserves.UpdateReserveStatus(ctx, tx, reserveID, models.ReserveStatusCancelled)
	})
	if err != nil {
		return "", err
	}
	return models.ReserveStatusCancelled, nil
}

// Release consumes the reserved stock of an approved reserve, shipping
// the goods out of the warehouse.
func (s *ReserveService) Release(ctx context.Context, reserveID string, transactionID *string) (string, error) {
	ctx, span := util.StartSpan(ctx, "ReserveService.Release")
	defer span.End()

	err := s.withBranch(ctx, transactionID, func(tx *sqlx.Tx) error {
		reserve, err := s.reserves.GetReserveForUpdate(ctx, tx, reserveID)
		if err != nil {
			return err
		}
		if err := models.CheckStatus("release", "reserve", reserveID, reserve.Status,
			[]string{models.ReserveStatusApproved}, ""); err != nil {
			return err
		}

		items := make([]store.ItemOp, 0, len(reserve.Items))
		for _, item := range reserve.Items {
			items = append(items, store.ItemOp{ID: item.ItemID, Amount: item.Amount})
		}
		if _, err := s.warehouse.Release(ctx, tx, items); err != nil {
			return fmt.Errorf("failed to release stock: %w", err)
		}
		return s.reserves.UpdateReserveStatus(ctx, tx, reserveID, models.ReserveStatusReleased)
	})
	if err != nil {
		return "", err
	}
	return models.ReserveStatusReleased, nil
}

// Get retrieves one reserve with its items.
func (s *ReserveService) Get(ctx context.Context, reserveID string) (*models.Reserve, error) {
	return s.reserves.GetReserve(ctx, reserveID)
}

// List retrieves all reserves.
func (s *ReserveService) List(ctx context.Context) ([]models.Reserve, error) {
	return s.reserves.ListReserves(ctx)
}

// Items retrieves the warehouse stock.
func (s *ReserveService) Items(ctx context.Context) ([]models.WarehouseItem, error) {
	return s.warehouse.ListItems(ctx)
}

// ItemCost returns the unit cost of one warehouse item.
func (s *ReserveService) ItemCost(ctx context.Context, itemID string) (float64, error) {
	item, err := s.warehouse.GetItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	return item.UnitCost, nil
}

// ItemTopUp adds stock of one item to the warehouse.
func (s *ReserveService) ItemTopUp(ctx context.Context, itemID string, amount int) (store.ItemResult, error) {
	ctx, span := util.StartSpan(ctx, "ReserveService.ItemTopUp")
	defer span.End()

	if amount <= 0 {
		return store.ItemResult{}, fmt.Errorf("top up amount must be positive, got %d", amount)
	}

	var result store.ItemResult
	err := s.withBranch(ctx, nil, func(tx *sqlx.Tx) error {
		var err error
		result, err = s.warehouse.TopUp(ctx, tx, itemID, amount)
		return err
	})
	if err != nil {
		return store.ItemResult{}, err
	}
	return result, nil
}

// CommitBranch finalizes a prepared reserve-side branch.
func (s *ReserveService) CommitBranch(ctx context.Context, transactionID string) error {
	if err := s.prepared.Commit(ctx, transactionID); err != nil {
		return err
	}
	util.TwoPhaseCommitsTotal.WithLabelValues("reserve").Inc()
	return nil
}

// RollbackBranch discards a prepared reserve-side branch.
func (s *ReserveService) RollbackBranch(ctx context.Context, transactionID string) error {
	if err := s.prepared.Rollback(ctx, transactionID); err != nil {
		return err
	}
	util.TwoPhaseRollbacksTotal.WithLabelValues("reserve").Inc()
	return nil
}

// ListActiveBranches enumerates in-doubt reserve-side branches.
func (s *ReserveService) ListActiveBranches(ctx context.Context) ([]models.PreparedTransaction, error) {
	return s.prepared.ListActive(ctx)
}
