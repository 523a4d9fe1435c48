package store

import (
	"context"
	"fmt"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/jmoiron/sqlx"
)

// PartitionType selects a day partition relative to a moment.
type PartitionType int

const (
	PartitionPrev    PartitionType = iota - 1 // the day before the moment's day
	PartitionCurrent                          // the moment's day
	PartitionNext                             // the day after the moment's day
)

const inputMessagesTable = "input_messages"

// MessageStore deduplicates inbound messages with a day-partitioned
// uniqueness constraint on (id, subscriber_id). It is the sole dedup
// primitive: a consumer calls StoreUnique first and performs the
// message's side effects only when it does not report
// ErrMessageAlreadyProcessed.
type MessageStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewMessageStore(db *sqlx.DB) *MessageStore {
	return &MessageStore{db: db, now: time.Now}
}

// PartitionStart computes the UTC day boundary the partition of the
// given type starts at, relative to the moment.
func PartitionStart(partitionType PartitionType, moment time.Time) time.Time {
	utc := moment.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, int(partitionType))
}

// PartitionName derives the partition table name from its start day.
func PartitionName(start time.Time) string {
	return inputMessagesTable + "_" + start.Format("20060102")
}

// StoreUnique records the message, failing with
// ErrMessageAlreadyProcessed if an identical (id, subscriber_id) was
// stored before, regardless of timestamp. If the insert hits a missing
// day partition (day-boundary race or cold start), the partition is
// created and the insert retried exactly once.
func (s *MessageStore) StoreUnique(ctx context.Context, msg models.InputMessage) error {
	partitionID := PartitionStart(PartitionCurrent, msg.EventTimestamp)

	err := s.insert(ctx, msg, partitionID)
	if isNoPartitionOfRelation(err) {
		if addErr := s.AddPartition(ctx, PartitionCurrent, msg.EventTimestamp); addErr != nil {
			return fmt.Errorf("failed to create partition for message %s: %w", msg.ID, addErr)
		}
		util.PartitionsCreatedTotal.Inc()
		err = s.insert(ctx, msg, partitionID)
	}
	return err
}

func (s *MessageStore) insert(ctx context.Context, msg models.InputMessage, partitionID time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO input_messages (id, subscriber_id, created_at, event_timestamp, partition_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id, subscriber_id, partition_id) DO NOTHING`,
		msg.ID, msg.SubscriberID, s.now(), msg.EventTimestamp, partitionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("message %s for subscriber %s: %w",
			msg.ID, msg.SubscriberID, ErrMessageAlreadyProcessed)
	}
	return nil
}

// AddPartition creates the day partition of the given type for the
// moment if it does not exist yet. Safe to call concurrently.
func (s *MessageStore) AddPartition(ctx context.Context, partitionType PartitionType, moment time.Time) error {
	from := PartitionStart(partitionType, moment)
	to := from.AddDate(0, 0, 1)

	query := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		PartitionName(from), inputMessagesTable,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", PartitionName(from), err)
	}
	return nil
}

// CreateTable bootstraps the partitioned parent table. Partitions are
// attached separately by AddPartition.
func (s *MessageStore) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS input_messages (
			id              text NOT NULL,
			subscriber_id   text NOT NULL,
			created_at      timestamptz NOT NULL,
			event_timestamp timestamptz NOT NULL,
			partition_id    date NOT NULL,
			PRIMARY KEY (id, subscriber_id, partition_id)
		) PARTITION BY RANGE (partition_id)`)
	if err != nil {
		return fmt.Errorf("failed to create input_messages table: %w", err)
	}
	return nil
}
