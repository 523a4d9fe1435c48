package service

import (
	"context"
	"fmt"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// AccountEventPublisher sends account balance events after a top-up.
type AccountEventPublisher interface {
	PublishAccountBalance(ctx context.Context, event *models.AccountBalanceEvent) error
}

var _ AccountEventPublisher = (*broker.EventPublisher)(nil)

// PaymentService owns the payments database: payment branch state and
// the account ledger. State-changing operations optionally prepare a
// two-phase branch instead of committing locally, leaving the account
// row locked until the coordinator's commit or rollback.
type PaymentService struct {
	db        *sqlx.DB
	accounts  *store.AccountStore
	payments  *store.PaymentStore
	prepared  *store.PreparedTxStore
	publisher AccountEventPublisher
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(db *sqlx.DB, publisher AccountEventPublisher) *PaymentService {
	return &PaymentService{
		db:        db,
		accounts:  store.NewAccountStore(db),
		payments:  store.NewPaymentStore(db),
		prepared:  store.NewPreparedTxStore(db),
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// PaymentCreate is a request to open a payment branch for an order.
type PaymentCreate struct {
	ExternalRef string  `json:"external_ref"`
	ClientID    string  `json:"client_id"`
	Amount      float64 `json:"amount"`
}

// PaymentApproveResult reports the outcome of a fund-lock attempt.
type PaymentApproveResult struct {
	ID                 string  `json:"id"`
	Status             string  `json:"status"`
	InsufficientAmount float64 `json:"insufficient_amount,omitempty"`
}

// PaymentPayResult reports the outcome of a write-off.
type PaymentPayResult struct {
	ID      string  `json:"id"`
	Status  string  `json:"status"`
	Balance float64 `json:"balance"`
}

// withBranch runs fn inside one local transaction. With a transaction
// id the mutation is prepared instead of committed: PREPARE TRANSACTION
// dissociates the transaction from the session, so the trailing Commit
// is a no-op and the row locks stay held for the coordinator.
func (s *PaymentService) withBranch(ctx context.Context, transactionID *string, fn func(tx *sqlx.Tx) error) error {
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

// Create opens a payment branch in CREATED status.
func (s *PaymentService) Create(ctx context.Context, req PaymentCreate, transactionID *string) (string, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Create")
	defer span.End()

	payment := &models.Payment{
		ID:          uuid.New().String(),
		ExternalRef: req.ExternalRef,
		ClientID:    req.ClientID,
		Amount:      req.Amount,
		Status:      models.PaymentStatusCreated,
	}
	err := s.withBranch(ctx, transactionID, func(tx *sqlx.Tx) error {
		return s.payments.CreatePayment(ctx, tx, payment)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Payment created",
		zap.String("payment_id", payment.ID),
		zap.String("external_ref", req.ExternalRef),
		zap.Float64("amount", req.Amount))
	return payment.ID, nil
}

// Approve locks the payment's amount on the client account. Not enough
// free funds is a business outcome: the payment moves to INSUFFICIENT
// with the shortfall recorded and nothing is held.
func (s *PaymentService) Approve(ctx context.Context, paymentID string, transactionID *string) (PaymentApproveResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Approve")
	defer span.End()

	var result PaymentApproveResult
	err := s.withBranch(ctx, transactionID, func(tx *sqlx.Tx) error {
		payment, err := s.payments.GetPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if err := models.CheckStatus("approve", "payment", paymentID, payment.Status,
			[]string{models.PaymentStatusCreated, models.PaymentStatusInsufficient}, ""); err != nil {
			return err
		}

		lock, err := s.accounts.AddLock(ctx, tx, payment.ClientID, payment.Amount)
		if err != nil {
			return fmt.Errorf("failed to lock funds: %w", err)
		}

		status := models.PaymentStatusHold
		var insufficient *float64
		if !lock.Success {
			status = models.PaymentStatusInsufficient
			insufficient = &lock.InsufficientAmount
		}
		if err := s.payments.UpdatePaymentStatus(ctx, tx, paymentID, status, insufficient); err != nil {
			return err
		}
		result = PaymentApproveResult{ID: paymentID, Status: status, InsufficientAmount: lock.InsufficientAmount}
		return nil
	})
	if err != nil {
		return PaymentApproveResult{}, err
	}

	if result.Status == models.PaymentStatusInsufficient {
		s.logger.Info("Payment approval insufficient",
			zap.String("payment_id", paymentID),
			zap.Float64("insufficient_amount", result.InsufficientAmount))
	}
	return result, nil
}

// Cancel compensates a payment branch, releasing held funds when the
// payment had reached HOLD.
func (s *PaymentService) Cancel(ctx context.Context, paymentID string, transactionID *string) (string, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Cancel")
	defer span.End()

	err := s.withBranch(ctx, transactionID, func(tx *sqlx.Tx) error {
		payment, err := s.payments.GetPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if err := models.CheckStatus("cancel", "payment", paymentID, payment.Status,
			[]string{models.PaymentStatusCreated, models.PaymentStatusHold, models.PaymentStatusInsufficient}, ""); err != nil {
			return err
		}
		if payment.Status == models.PaymentStatusHold {
			deficit, err := s.accounts.Unlock(ctx, tx, payment.ClientID, payment.Amount)
			if err != nil {
				return fmt.Errorf("failed to unlock funds: %w", err)
			}
			if deficit > 0 {
				s.logger.Warn("Unlock exceeded held funds, clamped to the hold",
					zap.String("payment_id", paymentID),
					zap.String("client_id", payment.ClientID),
					zap.Float64("deficit", deficit))
			}
		}
		return s.payments.UpdatePaymentStatus(ctx, tx, paymentID, models.PaymentStatusCancelled, nil)
	})
	if err != nil {
		return "", err
	}
	return models.PaymentStatusCancelled, nil
}

// Pay finalizes a held payment, consuming locked funds. A deficit here
// means the hold was lost somewhere and surfaces as a hard error.
func (s *PaymentService) Pay(ctx context.Context, paymentID string, transactionID *string) (PaymentPayResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Pay")
	defer span.End()

	var result PaymentPayResult
	err := s.withBranch(ctx, transactionID, func(tx *sqlx.Tx) error {
		payment, err := s.payments.GetPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if err := models.CheckStatus("pay", "payment", paymentID, payment.Status,
			[]string{models.PaymentStatusHold}, ""); err != nil {
			return err
		}

		balance, err := s.accounts.WriteOff(ctx, tx, payment.ClientID, payment.Amount)
		if err != nil {
			return fmt.Errorf("failed to write off account %s: %w", payment.ClientID, err)
		}
		if err := s.payments.UpdatePaymentStatus(ctx, tx, paymentID, models.PaymentStatusPaid, nil); err != nil {
			return err
		}
		result = PaymentPayResult{ID: paymentID, Status: models.PaymentStatusPaid, Balance: balance.Balance}
		return nil
	})
	if err != nil {
		return PaymentPayResult{}, err
	}
	return result, nil
}

// Get retrieves one payment.
func (s *PaymentService) Get(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.payments.GetPayment(ctx, paymentID)
}

// List retrieves all payments.
func (s *PaymentService) List(ctx context.Context) ([]models.Payment, error) {
	return s.payments.ListPayments(ctx)
}

// Accounts retrieves all accounts.
func (s *PaymentService) Accounts(ctx context.Context) ([]models.Account, error) {
	return s.accounts.ListAccounts(ctx)
}

// TopUp credits a client account, creating it on first use, and
// publishes the resulting balance so insufficient orders can be
// re-driven. A failed publish does not fail the top-up.
func (s *PaymentService) TopUp(ctx context.Context, clientID string, amount float64) (float64, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.TopUp")
	defer span.End()

	if amount <= 0 {
		return 0, fmt.Errorf("top up amount must be positive, got %.2f", amount)
	}

	var balance store.BalanceResult
	err := s.withBranch(ctx, nil, func(tx *sqlx.Tx) error {
		if err := s.accounts.CreateIfAbsent(ctx, tx, clientID); err != nil {
			return err
		}
		var err error
		balance, err = s.accounts.AddAmount(ctx, tx, clientID, amount)
		return err
	})
	if err != nil {
		return 0, err
	}

	event := &models.AccountBalanceEvent{
		RequestID: uuid.New().String(),
		ClientID:  clientID,
		Balance:   balance.Balance,
		Timestamp: balance.Timestamp,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := s.publisher.PublishAccountBalance(ctx, event); err != nil {
		s.logger.Error("Failed to publish account balance event",
			zap.String("client_id", clientID), zap.Error(err))
	} else {
		s.logger.Debug("Account balance event published",
			zap.String("request_id", event.RequestID),
			zap.Float64("balance", event.Balance))
	}
	return balance.Balance, nil
}

// CommitBranch finalizes a prepared payments-side branch.
func (s *PaymentService) CommitBranch(ctx context.Context, transactionID string) error {
	if err := s.prepared.Commit(ctx, transactionID); err != nil {
		return err
	}
	util.TwoPhaseCommitsTotal.WithLabelValues("payments").Inc()
	return nil
}

// RollbackBranch discards a prepared payments-side branch.
func (s *PaymentService) RollbackBranch(ctx context.Context, transactionID string) error {
	if err := s.prepared.Rollback(ctx, transactionID); err != nil {
		return err
	}
	util.TwoPhaseRollbacksTotal.WithLabelValues("payments").Inc()
	return nil
}

// ListActiveBranches enumerates in-doubt payments-side branches.
func (s *PaymentService) ListActiveBranches(ctx context.Context) ([]models.PreparedTransaction, error) {
	return s.prepared.ListActive(ctx)
}
