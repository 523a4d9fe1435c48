package models

import "time"

// SubscriberAccountBalance is the dedup subscriber id for the balance
// topic consumer.
const SubscriberAccountBalance = "accountBalance"

// AccountBalanceEvent is published by the payments side after a top-up
// and redelivered at-least-once. RequestID is the dedup key.
type AccountBalanceEvent struct {
	RequestID string    `json:"request_id"`
	ClientID  string    `json:"client_id"`
	Balance   float64   `json:"balance"`
	Timestamp time.Time `json:"timestamp"`
}
