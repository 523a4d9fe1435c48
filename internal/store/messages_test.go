package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPartitionStart(t *testing.T) {
	moment := time.Date(2024, time.March, 15, 13, 45, 12, 0, time.UTC)

	assert.Equal(t, time.Date(2024, time.March, 14, 0, 0, 0, 0, time.UTC), PartitionStart(PartitionPrev, moment))
	assert.Equal(t, time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), PartitionStart(PartitionCurrent, moment))
	assert.Equal(t, time.Date(2024, time.March, 16, 0, 0, 0, 0, time.UTC), PartitionStart(PartitionNext, moment))
}

func TestPartitionStartNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// 02:30 local is 21:30 UTC the previous day; the partition day
	// follows UTC, not the event's zone.
	moment := time.Date(2024, time.March, 15, 2, 30, 0, 0, loc)

	assert.Equal(t, time.Date(2024, time.March, 14, 0, 0, 0, 0, time.UTC), PartitionStart(PartitionCurrent, moment))
}

func TestPartitionStartAcrossMonthBoundary(t *testing.T) {
	moment := time.Date(2024, time.February, 29, 23, 59, 59, 0, time.UTC)

	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), PartitionStart(PartitionNext, moment))
}

func TestPartitionName(t *testing.T) {
	start := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "input_messages_20240315", PartitionName(start))
}
