package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"order-fulfillment/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher publishes domain events to the balance topic.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishAccountBalance publishes an AccountBalance event keyed by
// client id, so one client's events stay ordered within a partition.
func (ep *EventPublisher) PublishAccountBalance(ctx context.Context, event *models.AccountBalanceEvent) error {
	key := fmt.Sprintf("client-%s", event.ClientID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// BalanceEventHandler decodes balance events and hands them to the
// registered callback.
type BalanceEventHandler struct {
	onAccountBalance func(context.Context, *models.AccountBalanceEvent) error
}

// NewBalanceEventHandler creates a new balance event handler
func NewBalanceEventHandler() *BalanceEventHandler {
	return &BalanceEventHandler{}
}

// OnAccountBalance registers the callback for AccountBalance events
func (h *BalanceEventHandler) OnAccountBalance(handler func(context.Context, *models.AccountBalanceEvent) error) {
	h.onAccountBalance = handler
}

// HandleMessage decodes one Kafka message and dispatches it. A message
// that cannot be decoded is logged and acknowledged: redelivering it
// will not make it parseable.
func (h *BalanceEventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.AccountBalanceEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		log.Printf("Dropping undecodable balance event: %v", err)
		return nil
	}
	if event.RequestID == "" {
		log.Printf("Dropping balance event without request id: key=%s", string(msg.Key))
		return nil
	}
	if h.onAccountBalance != nil {
		return h.onAccountBalance(ctx, &event)
	}
	return nil
}
