package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersApprovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_approved_total",
		Help: "Total number of orders approved",
	})

	OrdersInsufficientTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_insufficient_total",
		Help: "Total number of approvals ending in insufficient funds or stock",
	}, []string{"branch"})

	OrdersReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_released_total",
		Help: "Total number of orders released",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order operations",
	}, []string{"reason"})

	BranchCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "branch_call_latency_seconds",
		Help:    "Latency of payment and reserve branch calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"branch", "op"})

	TwoPhaseCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "two_phase_commits_total",
		Help: "Total number of committed two-phase branches",
	}, []string{"participant"})

	TwoPhaseRollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "two_phase_rollbacks_total",
		Help: "Total number of rolled back two-phase branches",
	}, []string{"participant"})

	DuplicateMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_messages_total",
		Help: "Total number of inbound messages dropped by dedup",
	})

	BalanceEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balance_events_total",
		Help: "Total number of account balance events received",
	})

	PartitionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dedup_partitions_created_total",
		Help: "Total number of dedup partition creation attempts",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
