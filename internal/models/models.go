package models

import (
	"fmt"
	"time"
)

// Order statuses
const (
	OrderStatusCreating     = "CREATING"
	OrderStatusCreated      = "CREATED"
	OrderStatusApproving    = "APPROVING"
	OrderStatusApproved     = "APPROVED"
	OrderStatusInsufficient = "INSUFFICIENT"
	OrderStatusReleasing    = "RELEASING"
	OrderStatusReleased     = "RELEASED"
	OrderStatusCancelling   = "CANCELLING"
	OrderStatusCancelled    = "CANCELLED"
)

// Payment statuses
const (
	PaymentStatusCreated      = "CREATED"
	PaymentStatusHold         = "HOLD"
	PaymentStatusInsufficient = "INSUFFICIENT"
	PaymentStatusPaid         = "PAID"
	PaymentStatusCancelled    = "CANCELLED"
)

// Reserve statuses
const (
	ReserveStatusCreated      = "CREATED"
	ReserveStatusApproved     = "APPROVED"
	ReserveStatusInsufficient = "INSUFFICIENT"
	ReserveStatusReleased     = "RELEASED"
	ReserveStatusCancelled    = "CANCELLED"
)

// Delivery types
const (
	DeliveryTypePickup  = "PICKUP"
	DeliveryTypeCourier = "COURIER"
)

// Order is owned by the orchestrator. It is never deleted, only moved
// through statuses until a terminal one.
type Order struct {
	ID                   string      `db:"id" json:"id"`
	Status               string      `db:"status" json:"status"`
	CustomerID           string      `db:"customer_id" json:"customer_id"`
	PaymentID            *string     `db:"payment_id" json:"payment_id,omitempty"`
	ReserveID            *string     `db:"reserve_id" json:"reserve_id,omitempty"`
	PaymentTransactionID *string     `db:"payment_transaction_id" json:"payment_transaction_id,omitempty"`
	ReserveTransactionID *string     `db:"reserve_transaction_id" json:"reserve_transaction_id,omitempty"`
	DeliveryAddress      *string     `db:"delivery_address" json:"delivery_address,omitempty"`
	DeliveryDateTime     *time.Time  `db:"delivery_datetime" json:"delivery_datetime,omitempty"`
	DeliveryType         *string     `db:"delivery_type" json:"delivery_type,omitempty"`
	Items                []OrderItem `db:"-" json:"items"`
	CreatedAt            time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderItem is one requested position of an order.
type OrderItem struct {
	OrderID string `db:"order_id" json:"-"`
	ItemID  string `db:"item_id" json:"id"`
	Amount  int    `db:"amount" json:"amount"`
}

// Account holds a client's funds. Invariant: 0 <= locked <= amount.
type Account struct {
	ClientID  string    `db:"client_id" json:"client_id"`
	Amount    float64   `db:"amount" json:"amount"`
	Locked    float64   `db:"locked" json:"locked"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Payment is the payments-side branch state of one order.
type Payment struct {
	ID           string    `db:"id" json:"id"`
	ExternalRef  string    `db:"external_ref" json:"external_ref"`
	ClientID     string    `db:"client_id" json:"client_id"`
	Amount       float64   `db:"amount" json:"amount"`
	Insufficient *float64  `db:"insufficient" json:"insufficient,omitempty"`
	Status       string    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Reserve is the warehouse-side branch state of one order.
type Reserve struct {
	ID          string        `db:"id" json:"id"`
	ExternalRef string        `db:"external_ref" json:"external_ref"`
	Status      string        `db:"status" json:"status"`
	Items       []ReserveItem `db:"-" json:"items"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// ReserveItem is one position of a reserve with its reservation outcome.
type ReserveItem struct {
	ReserveID    string `db:"reserve_id" json:"-"`
	ItemID       string `db:"item_id" json:"id"`
	Amount       int    `db:"amount" json:"amount"`
	Reserved     bool   `db:"reserved" json:"reserved"`
	Insufficient *int   `db:"insufficient" json:"insufficient,omitempty"`
}

// WarehouseItem is stock of one item. Invariant: 0 <= reserved <= amount.
type WarehouseItem struct {
	ID        string    `db:"id" json:"id"`
	Amount    int       `db:"amount" json:"amount"`
	Reserved  int       `db:"reserved" json:"reserved"`
	UnitCost  float64   `db:"unit_cost" json:"unit_cost"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PreparedTransaction is an in-doubt branch of a two-phase commit, read
// from pg_prepared_xacts.
type PreparedTransaction struct {
	Transaction int64     `db:"transaction" json:"transaction"`
	GID         string    `db:"gid" json:"gid"`
	PreparedAt  time.Time `db:"prepared" json:"prepared_at"`
}

// InputMessage is a dedup record. Created once per logical message,
// never updated, dropped only with its day partition.
type InputMessage struct {
	ID             string    `db:"id" json:"id"`
	SubscriberID   string    `db:"subscriber_id" json:"subscriber_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	EventTimestamp time.Time `db:"event_timestamp" json:"event_timestamp"`
	PartitionID    time.Time `db:"partition_id" json:"partition_id"`
}

// UnexpectedStatusError reports an operation applied to an entity in an
// incompatible status. The current status is carried so a retrying
// caller can decide whether the work is already done.
type UnexpectedStatusError struct {
	Op       string
	Entity   string
	ID       string
	Status   string
	Expected []string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s (expected one of %v)",
		e.Op, e.Entity, e.ID, e.Status, e.Expected)
}

// CheckStatus validates that the entity status allows the operation.
// The intermediate status is accepted too so an interrupted operation
// can be resumed.
func CheckStatus(op, entity, id, status string, expected []string, intermediate string) error {
	if status == intermediate {
		return nil
	}
	for _, s := range expected {
		if status == s {
			return nil
		}
	}
	return &UnexpectedStatusError{Op: op, Entity: entity, ID: id, Status: status, Expected: expected}
}
