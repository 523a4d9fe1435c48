package worker

import (
	"context"
	"sync"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// BalanceWorker consumes the account balance topic and feeds events to
// the balance listener.
type BalanceWorker struct {
	consumer *broker.Consumer
	listener *service.BalanceListener
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewBalanceWorker creates a new balance worker.
func NewBalanceWorker(consumer *broker.Consumer, listener *service.BalanceListener) *BalanceWorker {
	return &BalanceWorker{
		consumer: consumer,
		listener: listener,
		logger:   util.GetLogger(),
	}
}

// Start begins consuming in the background until ctx is cancelled.
func (w *BalanceWorker) Start(ctx context.Context) {
	handler := broker.NewBalanceEventHandler()
	handler.OnAccountBalance(w.listener.OnAccountBalance)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.StartConsuming(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
			w.logger.Error("Balance consumer stopped", zap.Error(err))
		}
	}()
	w.logger.Info("Balance worker started")
}

// Stop closes the consumer and waits for the loop to drain.
func (w *BalanceWorker) Stop() {
	if err := w.consumer.Close(); err != nil {
		w.logger.Error("Failed to close balance consumer", zap.Error(err))
	}
	w.wg.Wait()
	w.logger.Info("Balance worker stopped")
}

// PartitionWorker keeps the dedup table's day partitions ahead of the
// clock: the current and next day always exist, so midnight never races
// the first insert of the day.
type PartitionWorker struct {
	messages *store.MessageStore
	interval time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewPartitionWorker creates a new partition worker.
func NewPartitionWorker(messages *store.MessageStore, interval time.Duration) *PartitionWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &PartitionWorker{
		messages: messages,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start ensures the table exists, creates today's and tomorrow's
// partitions, and keeps them ahead on a ticker until ctx is cancelled.
func (w *PartitionWorker) Start(ctx context.Context) error {
	if err := w.messages.CreateTable(ctx); err != nil {
		return err
	}
	if err := w.ensurePartitions(ctx); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.ensurePartitions(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("Failed to maintain message partitions", zap.Error(err))
				}
			}
		}
	}()
	w.logger.Info("Partition worker started", zap.Duration("interval", w.interval))
	return nil
}

// Stop waits for the maintenance loop to exit.
func (w *PartitionWorker) Stop() {
	w.wg.Wait()
	w.logger.Info("Partition worker stopped")
}

func (w *PartitionWorker) ensurePartitions(ctx context.Context) error {
	now := time.Now()
	for _, pt := range []store.PartitionType{store.PartitionCurrent, store.PartitionNext} {
		if err := w.messages.AddPartition(ctx, pt, now); err != nil {
			return err
		}
	}
	return nil
}
