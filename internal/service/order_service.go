package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentClient is the orchestrator's view of the payment service.
// Calls are in-process here, but the surface is kept narrow so branch
// participants stay replaceable by remote ones.
type PaymentClient interface {
	Create(ctx context.Context, req PaymentCreate, transactionID *string) (string, error)
	Approve(ctx context.Context, paymentID string, transactionID *string) (PaymentApproveResult, error)
	Cancel(ctx context.Context, paymentID string, transactionID *string) (string, error)
	Pay(ctx context.Context, paymentID string, transactionID *string) (PaymentPayResult, error)
	Get(ctx context.Context, paymentID string) (*models.Payment, error)
	CommitBranch(ctx context.Context, transactionID string) error
	RollbackBranch(ctx context.Context, transactionID string) error
}

// ReserveClient is the orchestrator's view of the reserve service.
type ReserveClient interface {
	Create(ctx context.Context, req ReserveCreate, transactionID *string) (string, error)
	Approve(ctx context.Context, reserveID string, transactionID *string) (ReserveApproveResult, error)
	Cancel(ctx context.Context, reserveID string, transactionID *string) (string, error)
	Release(ctx context.Context, reserveID string, transactionID *string) (string, error)
	Get(ctx context.Context, reserveID string) (*models.Reserve, error)
	CommitBranch(ctx context.Context, transactionID string) error
	RollbackBranch(ctx context.Context, transactionID string) error
}

var (
	_ PaymentClient = (*PaymentService)(nil)
	_ ReserveClient = (*ReserveService)(nil)
)

// OrderService orchestrates the order saga across the payment and
// reserve participants. Every lifecycle operation drives the order
// through an intermediate status, runs both branch operations
// concurrently, aggregates their statuses and lands the order in the
// resulting status. With two-phase commit enabled the branch mutations
// and the order update are prepared on their own databases and then
// committed together, so a crash leaves in-doubt transactions rather
// than half-applied state.
type OrderService struct {
	orders        *store.OrderStore
	prepared      *store.PreparedTxStore
	payments      PaymentClient
	reserves      ReserveClient
	pricing       *ItemPricing
	branchTimeout time.Duration
	logger        *zap.Logger
}

// NewOrderService creates a new order orchestrator.
func NewOrderService(orders *store.OrderStore, payments PaymentClient, reserves ReserveClient,
	pricing *ItemPricing, branchTimeout time.Duration) *OrderService {
	if branchTimeout <= 0 {
		branchTimeout = 30 * time.Second
	}
	return &OrderService{
		orders:        orders,
		prepared:      store.NewPreparedTxStore(orders.DB()),
		payments:      payments,
		reserves:      reserves,
		pricing:       pricing,
		branchTimeout: branchTimeout,
		logger:        util.GetLogger(),
	}
}

// CreateOrderRequest is an incoming order.
type CreateOrderRequest struct {
	CustomerID       string             `json:"customer_id" binding:"required"`
	Items            []models.OrderItem `json:"items" binding:"required"`
	DeliveryAddress  *string            `json:"delivery_address,omitempty"`
	DeliveryDateTime *time.Time         `json:"delivery_datetime,omitempty"`
	DeliveryType     *string            `json:"delivery_type,omitempty"`
	// Nil means not chosen by the caller; the transport fills it from
	// its own default before the request reaches the service.
	TwoPhaseCommit *bool `json:"two_phase_commit,omitempty"`
}

func (r CreateOrderRequest) twoPhaseEnabled() bool {
	return r.TwoPhaseCommit != nil && *r.TwoPhaseCommit
}

func (r CreateOrderRequest) validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("order must contain at least one item")
	}
	for _, item := range r.Items {
		if item.Amount <= 0 {
			return fmt.Errorf("item %s: amount must be positive, got %d", item.ItemID, item.Amount)
		}
	}
	if r.DeliveryType != nil {
		switch *r.DeliveryType {
		case models.DeliveryTypePickup, models.DeliveryTypeCourier:
		default:
			return fmt.Errorf("unknown delivery type %q", *r.DeliveryType)
		}
	}
	return nil
}

// Create creates an order together with its payment and reserve
// branches. The order total is priced from warehouse unit costs. With
// two-phase commit the branch creations are prepared under
// pre-allocated transaction ids and committed atomically with the
// order's move to CREATED.
func (s *OrderService) Create(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Create")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	twoPhase := req.twoPhaseEnabled()

	cost, err := s.pricing.SumCost(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:               uuid.New().String(),
		Status:           models.OrderStatusCreating,
		CustomerID:       req.CustomerID,
		DeliveryAddress:  req.DeliveryAddress,
		DeliveryDateTime: req.DeliveryDateTime,
		DeliveryType:     req.DeliveryType,
		Items:            req.Items,
	}
	if twoPhase {
		paymentTxn := uuid.New().String()
		reserveTxn := uuid.New().String()
		order.PaymentTransactionID = &paymentTxn
		order.ReserveTransactionID = &reserveTxn
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	if err := s.createBranches(ctx, order, cost, twoPhase); err != nil {
		util.OrdersFailedTotal.WithLabelValues("create").Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.Float64("cost", cost),
		zap.Bool("two_phase_commit", twoPhase))
	return order, nil
}

func (s *OrderService) createBranches(ctx context.Context, order *models.Order, cost float64, twoPhase bool) error {
	paymentID, err := s.payments.Create(ctx, PaymentCreate{
		ExternalRef: order.ID,
		ClientID:    order.CustomerID,
		Amount:      cost,
	}, s.branchTxn(order.PaymentTransactionID, twoPhase))
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	items := make([]store.ItemOp, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, store.ItemOp{ID: item.ItemID, Amount: item.Amount})
	}
	reserveID, err := s.reserves.Create(ctx, ReserveCreate{
		ExternalRef: order.ID,
		Items:       items,
	}, s.branchTxn(order.ReserveTransactionID, twoPhase))
	if err != nil {
		if twoPhase {
			s.rollbackBranches(ctx, order)
		}
		return fmt.Errorf("failed to create reserve: %w", err)
	}

	order.PaymentID = &paymentID
	order.ReserveID = &reserveID
	order.Status = models.OrderStatusCreated
	return s.updateOrderAndCommit(ctx, order, twoPhase)
}

// Approve locks funds and reserves stock for the order.
func (s *OrderService) Approve(ctx context.Context, orderID string, twoPhase bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Approve")
	defer span.End()

	return s.updateOrderOp(ctx, "approve", orderID, twoPhase,
		[]string{models.OrderStatusCreated, models.OrderStatusInsufficient}, models.OrderStatusApproving,
		func(ctx context.Context, order *models.Order, txn *string) (string, error) {
			result, err := s.payments.Approve(ctx, *order.PaymentID, txn)
			return result.Status, err
		},
		func(ctx context.Context, order *models.Order, txn *string) (string, error) {
			result, err := s.reserves.Approve(ctx, *order.ReserveID, txn)
			return result.Status, err
		})
}

// Release finalizes an approved order: held funds are written off and
// reserved stock leaves the warehouse.
func (s *OrderService) Release(ctx context.Context, orderID string, twoPhase bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Release")
	defer span.End()

	return s.updateOrderOp(ctx, "release", orderID, twoPhase,
		[]string{models.OrderStatusApproved}, models.OrderStatusReleasing,
		func(ctx context.Context, order *models.Order, txn *string) (string, error) {
			result, err := s.payments.Pay(ctx, *order.PaymentID, txn)
			return result.Status, err
		},
		func(ctx context.Context, order *models.Order, txn *string) (string, error) {
			return s.reserves.Release(ctx, *order.ReserveID, txn)
		})
}

// cancelableStatuses gates Cancel. APPROVING is included so an order
// interrupted mid-approval can be compensated instead of only resumed;
// the branch cancel operations tolerate whatever progress the approval
// made.
var cancelableStatuses = []string{
	models.OrderStatusCreated, models.OrderStatusApproving,
	models.OrderStatusApproved, models.OrderStatusInsufficient,
}

// Cancel compensates both branches of a not-yet-released order.
func (s *OrderService) Cancel(ctx context.Context, orderID string, twoPhase bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	return s.updateOrderOp(ctx, "cancel", orderID, twoPhase,
		cancelableStatuses, models.OrderStatusCancelling,
		func(ctx context.Context, order *models.Order, txn *string) (string, error) {
			return s.payments.Cancel(ctx, *order.PaymentID, txn)
		},
		func(ctx context.Context, order *models.Order, txn *string) (string, error) {
			return s.reserves.Cancel(ctx, *order.ReserveID, txn)
		})
}

// Resume re-drives an order stuck in an intermediate status after a
// crash or a lost branch call. Branch operations tolerate replay: one
// already in its target status reports that status instead of failing.
func (s *OrderService) Resume(ctx context.Context, orderID string, twoPhase bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Resume")
	defer span.End()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case models.OrderStatusCreating:
		cost, err := s.pricing.SumCost(ctx, order.Items)
		if err != nil {
			return nil, err
		}
		if err := s.createBranches(ctx, order, cost, twoPhase); err != nil {
			return nil, err
		}
		return order, nil
	case models.OrderStatusApproving:
		return s.Approve(ctx, orderID, twoPhase)
	case models.OrderStatusReleasing:
		return s.Release(ctx, orderID, twoPhase)
	case models.OrderStatusCancelling:
		return s.Cancel(ctx, orderID, twoPhase)
	default:
		return nil, &models.UnexpectedStatusError{
			Op: "resume", Entity: "order", ID: orderID, Status: order.Status,
			Expected: []string{
				models.OrderStatusCreating, models.OrderStatusApproving,
				models.OrderStatusReleasing, models.OrderStatusCancelling,
			},
		}
	}
}

type branchOp func(ctx context.Context, order *models.Order, transactionID *string) (string, error)

type branchResult struct {
	status string
	err    error
}

// updateOrderOp is the shared lifecycle step. It moves the order to the
// intermediate status with a conditional update (so a concurrent caller
// loses with an UnexpectedStatusError instead of double-driving the
// branches), runs both branch operations concurrently under a timeout,
// aggregates their statuses and persists the result. The intermediate
// status is itself accepted on entry so the operation can be resumed.
func (s *OrderService) updateOrderOp(ctx context.Context, op, orderID string, twoPhase bool,
	expected []string, intermediate string, paymentOp, reserveOp branchOp) (*models.Order, error) {

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := models.CheckStatus(op, "order", orderID, order.Status, expected, intermediate); err != nil {
		return nil, err
	}
	if order.PaymentID == nil || order.ReserveID == nil {
		return nil, fmt.Errorf("order %s has no branches, resume creation first", orderID)
	}

	if order.Status != intermediate {
		if err := s.orders.TransitionStatus(ctx, op, orderID, intermediate, expected); err != nil {
			return nil, err
		}
		order.Status = intermediate
	}

	branchCtx, cancel := context.WithTimeout(ctx, s.branchTimeout)
	defer cancel()

	payCh := make(chan branchResult, 1)
	resCh := make(chan branchResult, 1)
	go func() {
		start := time.Now()
		status, err := paymentOp(branchCtx, order, s.branchTxn(order.PaymentTransactionID, twoPhase))
		util.BranchCallLatency.WithLabelValues("payment", op).Observe(time.Since(start).Seconds())
		payCh <- branchResult{status: status, err: err}
	}()
	go func() {
		start := time.Now()
		status, err := reserveOp(branchCtx, order, s.branchTxn(order.ReserveTransactionID, twoPhase))
		util.BranchCallLatency.WithLabelValues("reserve", op).Observe(time.Since(start).Seconds())
		resCh <- branchResult{status: status, err: err}
	}()
	pay, res := <-payCh, <-resCh

	// A branch already past this operation answers with its current
	// status. That is a completed replay, not a failure.
	pay = recoverBranchStatus(pay)
	res = recoverBranchStatus(res)
	if pay.err != nil || res.err != nil {
		if twoPhase {
			s.rollbackBranches(ctx, order)
		}
		util.OrdersFailedTotal.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("order %s %s failed: %w", orderID, op,
			errors.Join(pay.err, res.err))
	}

	status := orderStatusFrom(pay.status, res.status)
	if status == "" {
		s.logger.Info("Order status not changed",
			zap.String("order_id", orderID),
			zap.String("payment_status", pay.status),
			zap.String("reserve_status", res.status))
		return order, nil
	}
	order.Status = status

	if status == models.OrderStatusInsufficient {
		// Insufficiency is a business outcome: the order lands in
		// INSUFFICIENT locally and any prepared branch work is undone.
		if err := s.orders.UpdateOrder(ctx, nil, order); err != nil {
			return nil, err
		}
		if twoPhase {
			s.rollbackBranches(ctx, order)
		}
		if pay.status == models.PaymentStatusInsufficient {
			util.OrdersInsufficientTotal.WithLabelValues("payment").Inc()
		}
		if res.status == models.ReserveStatusInsufficient {
			util.OrdersInsufficientTotal.WithLabelValues("reserve").Inc()
		}
		return order, nil
	}

	if err := s.updateOrderAndCommit(ctx, order, twoPhase); err != nil {
		util.OrdersFailedTotal.WithLabelValues(op).Inc()
		return nil, err
	}

	switch status {
	case models.OrderStatusApproved:
		util.OrdersApprovedTotal.Inc()
	case models.OrderStatusReleased:
		util.OrdersReleasedTotal.Inc()
	case models.OrderStatusCancelled:
		util.OrdersCancelledTotal.Inc()
	}
	s.logger.Info("Order updated",
		zap.String("order_id", orderID),
		zap.String("op", op),
		zap.String("status", status))
	return order, nil
}

// updateOrderAndCommit persists the order. Without two-phase commit it
// is a plain autocommit update. With it, the update is prepared on the
// orders database under the order id and then all three participants
// are committed; any failure in that sequence rolls all of them back,
// leaving the order in its intermediate status for a later resume.
func (s *OrderService) updateOrderAndCommit(ctx context.Context, order *models.Order, twoPhase bool) error {
	if !twoPhase {
		return s.orders.UpdateOrder(ctx, nil, order)
	}

	err := func() error {
		tx, err := s.orders.DB().BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := s.orders.UpdateOrder(ctx, tx, order); err != nil {
			return err
		}
		if err := s.prepared.Prepare(ctx, tx, order.ID); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err == nil {
		err = s.commitPrepared(ctx, order)
	}
	if err != nil {
		s.logger.Error("Distributed commit failed, rolling back",
			zap.String("order_id", order.ID), zap.Error(err))
		s.rollbackBranches(ctx, order)
		s.rollbackLocal(ctx, order.ID)
		return err
	}
	return nil
}

// commitPrepared finalizes all prepared participants. An absent
// prepared transaction means that participant was already finalized by
// a previous attempt and is skipped.
func (s *OrderService) commitPrepared(ctx context.Context, order *models.Order) error {
	if order.ReserveTransactionID != nil {
		if err := s.reserves.CommitBranch(ctx, *order.ReserveTransactionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to commit reserve branch: %w", err)
		}
	}
	if order.PaymentTransactionID != nil {
		if err := s.payments.CommitBranch(ctx, *order.PaymentTransactionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to commit payment branch: %w", err)
		}
	}
	if err := s.prepared.Commit(ctx, order.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to commit order update: %w", err)
	}
	util.TwoPhaseCommitsTotal.WithLabelValues("orders").Inc()
	return nil
}

// rollbackBranches undoes prepared branch work, best effort. An absent
// prepared transaction is fine: that branch never prepared or was
// already rolled back.
func (s *OrderService) rollbackBranches(ctx context.Context, order *models.Order) {
	if order.ReserveTransactionID != nil {
		if err := s.reserves.RollbackBranch(ctx, *order.ReserveTransactionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("Failed to roll back reserve branch",
				zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	if order.PaymentTransactionID != nil {
		if err := s.payments.RollbackBranch(ctx, *order.PaymentTransactionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("Failed to roll back payment branch",
				zap.String("order_id", order.ID), zap.Error(err))
		}
	}
}

func (s *OrderService) rollbackLocal(ctx context.Context, orderID string) {
	if err := s.prepared.Rollback(ctx, orderID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("Failed to roll back order update",
			zap.String("order_id", orderID), zap.Error(err))
		return
	}
	util.TwoPhaseRollbacksTotal.WithLabelValues("orders").Inc()
}

// branchTxn returns the transaction id to prepare under, or nil for a
// plain local commit.
func (s *OrderService) branchTxn(transactionID *string, twoPhase bool) *string {
	if !twoPhase {
		return nil
	}
	return transactionID
}

// recoverBranchStatus maps an unexpected-status branch failure to a
// successful result carrying the branch's current status, so a resumed
// operation converges instead of failing on the already-finished side.
func recoverBranchStatus(res branchResult) branchResult {
	if res.err == nil {
		return res
	}
	var statusErr *models.UnexpectedStatusError
	if errors.As(res.err, &statusErr) {
		return branchResult{status: statusErr.Status}
	}
	return res
}

// orderStatusFrom aggregates the two branch statuses into the order
// status. An empty result means the combination decides nothing and the
// order keeps its current status.
func orderStatusFrom(paymentStatus, reserveStatus string) string {
	switch {
	case paymentStatus == models.PaymentStatusInsufficient || reserveStatus == models.ReserveStatusInsufficient:
		return models.OrderStatusInsufficient
	case paymentStatus == models.PaymentStatusHold && reserveStatus == models.ReserveStatusApproved:
		return models.OrderStatusApproved
	case paymentStatus == models.PaymentStatusPaid && reserveStatus == models.ReserveStatusReleased:
		return models.OrderStatusReleased
	case paymentStatus == models.PaymentStatusCancelled && reserveStatus == models.ReserveStatusCancelled:
		return models.OrderStatusCancelled
	}
	return ""
}

// OrderDetails is an order joined with the live state of its branches.
type OrderDetails struct {
	Order   *models.Order   `json:"order"`
	Payment *models.Payment `json:"payment,omitempty"`
	Reserve *models.Reserve `json:"reserve,omitempty"`
}

// Get retrieves an order with its branch state. Branch lookups are best
// effort: a missing branch leaves the field empty.
func (s *OrderService) Get(ctx context.Context, orderID string) (*OrderDetails, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	details := &OrderDetails{Order: order}
	if order.PaymentID != nil {
		payment, err := s.payments.Get(ctx, *order.PaymentID)
		if err != nil {
			s.logger.Warn("Failed to load payment for order",
				zap.String("order_id", orderID), zap.Error(err))
		} else {
			details.Payment = payment
		}
	}
	if order.ReserveID != nil {
		reserve, err := s.reserves.Get(ctx, *order.ReserveID)
		if err != nil {
			s.logger.Warn("Failed to load reserve for order",
				zap.String("order_id", orderID), zap.Error(err))
		} else {
			details.Reserve = reserve
		}
	}
	return details, nil
}

// List retrieves orders, optionally filtered by status.
func (s *OrderService) List(ctx context.Context, status string) ([]models.Order, error) {
	return s.orders.ListOrders(ctx, status)
}

// ListActiveBranches enumerates in-doubt orders-side transactions.
func (s *OrderService) ListActiveBranches(ctx context.Context) ([]models.PreparedTransaction, error) {
	return s.prepared.ListActive(ctx)
}

// CommitBranch finalizes a prepared orders-side transaction.
func (s *OrderService) CommitBranch(ctx context.Context, transactionID string) error {
	if err := s.prepared.Commit(ctx, transactionID); err != nil {
		return err
	}
	util.TwoPhaseCommitsTotal.WithLabelValues("orders").Inc()
	return nil
}

// RollbackBranch discards a prepared orders-side transaction.
func (s *OrderService) RollbackBranch(ctx context.Context, transactionID string) error {
	if err := s.prepared.Rollback(ctx, transactionID); err != nil {
		return err
	}
	util.TwoPhaseRollbacksTotal.WithLabelValues("orders").Inc()
	return nil
}
