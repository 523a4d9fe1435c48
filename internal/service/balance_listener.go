package service

import (
	"context"
	"errors"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// orderApprover re-drives order approval. Satisfied by OrderService.
type orderApprover interface {
	Approve(ctx context.Context, orderID string, twoPhase bool) (*models.Order, error)
}

// BalanceListener reacts to account balance events: after a top-up it
// retries the customer's INSUFFICIENT orders whose payment now fits the
// reported balance. Events are deduplicated through the message store,
// so a redelivered event is dropped instead of approving twice.
type BalanceListener struct {
	messages *store.MessageStore
	orders   *store.OrderStore
	payments PaymentClient
	approver orderApprover
	twoPhase bool
	logger   *zap.Logger
}

// NewBalanceListener creates a new balance listener.
func NewBalanceListener(messages *store.MessageStore, orders *store.OrderStore,
	payments PaymentClient, approver orderApprover, twoPhase bool) *BalanceListener {
	return &BalanceListener{
		messages: messages,
		orders:   orders,
		payments: payments,
		approver: approver,
		twoPhase: twoPhase,
		logger:   util.GetLogger(),
	}
}

// OnAccountBalance handles one balance event. A nil return acknowledges
// the event; per-order approval failures are logged and skipped so one
// bad order does not wedge the topic.
func (l *BalanceListener) OnAccountBalance(ctx context.Context, event *models.AccountBalanceEvent) error {
	ctx, span := util.StartSpan(ctx, "BalanceListener.OnAccountBalance")
	defer span.End()

	util.BalanceEventsTotal.Inc()

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	err := l.messages.StoreUnique(ctx, models.InputMessage{
		ID:             event.RequestID,
		SubscriberID:   models.SubscriberAccountBalance,
		EventTimestamp: timestamp,
	})
	if errors.Is(err, store.ErrMessageAlreadyProcessed) {
		util.DuplicateMessagesTotal.Inc()
		l.logger.Debug("Duplicate balance event dropped",
			zap.String("request_id", event.RequestID),
			zap.String("client_id", event.ClientID))
		return nil
	}
	if err != nil {
		return err
	}

	orders, err := l.orders.FindByCustomerAndStatus(ctx, event.ClientID, models.OrderStatusInsufficient)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if order.PaymentID == nil {
			continue
		}
		payment, err := l.payments.Get(ctx, *order.PaymentID)
		if err != nil {
			l.logger.Error("Failed to load payment for insufficient order",
				zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		if payment.Amount > event.Balance {
			continue
		}
		if _, err := l.approver.Approve(ctx, order.ID, l.twoPhase); err != nil {
			l.logger.Error("Failed to re-approve order after top-up",
				zap.String("order_id", order.ID),
				zap.String("client_id", event.ClientID),
				zap.Error(err))
			continue
		}
		l.logger.Info("Order re-approved after top-up",
			zap.String("order_id", order.ID),
			zap.String("client_id", event.ClientID),
			zap.Float64("balance", event.Balance))
	}
	return nil
}
