package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	payments *service.PaymentService
	reserves *service.ReserveService
	twoPhase bool
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, payments *service.PaymentService,
	reserves *service.ReserveService, twoPhase bool) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		reserves: reserves,
		twoPhase: twoPhase,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/approve", h.approveOrder)
		v1.POST("/orders/:id/release", h.releaseOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/resume", h.resumeOrder)

		v1.GET("/accounts", h.listAccounts)
		v1.POST("/accounts/:id/topup", h.topUpAccount)
		v1.GET("/payments", h.listPayments)

		v1.GET("/items", h.listItems)
		v1.GET("/items/:id/cost", h.itemCost)
		v1.POST("/items/:id/topup", h.topUpItem)
		v1.GET("/reserves", h.listReserves)

		v1.GET("/tpc/:owner", h.listActiveTransactions)
		v1.POST("/tpc/:owner/:id/commit", h.commitTransaction)
		v1.POST("/tpc/:owner/:id/rollback", h.rollbackTransaction)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// writeError maps service errors to HTTP statuses: missing entities to
// 404, status conflicts to 409 with the current status in the body,
// anything else to 500.
func writeError(c *gin.Context, err error) {
	var statusErr *models.UnexpectedStatusError
	switch {
	case errors.As(err, &statusErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Operation not allowed in current status",
			"status":  statusErr.Status,
			"details": err.Error(),
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not found",
			"details": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal error",
			"details": err.Error(),
		})
	}
}

// twoPhaseFor resolves per-request two-phase commit: the query param
// overrides the configured default.
func (h *Handler) twoPhaseFor(c *gin.Context) bool {
	if v := c.Query("two_phase_commit"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return h.twoPhase
}

// resolveTwoPhase settles the create-time flag. An explicit body value
// wins, even "false"; an absent one falls back to the query param or
// the configured default.
func (h *Handler) resolveTwoPhase(c *gin.Context, body *bool) bool {
	if body != nil {
		return *body
	}
	return h.twoPhaseFor(c)
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	twoPhase := h.resolveTwoPhase(c, req.TwoPhaseCommit)
	req.TwoPhaseCommit = &twoPhase

	order, err := h.orders.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	details, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// listOrders handles order listing, optionally filtered by status
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) approveOrder(c *gin.Context) {
	order, err := h.orders.Approve(c.Request.Context(), c.Param("id"), h.twoPhaseFor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) releaseOrder(c *gin.Context) {
	order, err := h.orders.Release(c.Request.Context(), c.Param("id"), h.twoPhaseFor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	order, err := h.orders.Cancel(c.Request.Context(), c.Param("id"), h.twoPhaseFor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) resumeOrder(c *gin.Context) {
	order, err := h.orders.Resume(c.Request.Context(), c.Param("id"), h.twoPhaseFor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.payments.Accounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type topUpAccountRequest struct {
	Amount float64 `json:"amount" binding:"required"`
}

// topUpAccount credits an account and triggers the balance event that
// re-drives the client's insufficient orders.
func (h *Handler) topUpAccount(c *gin.Context) {
	var req topUpAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	balance, err := h.payments.TopUp(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"client_id": c.Param("id"),
		"balance":   balance,
	})
}

func (h *Handler) listPayments(c *gin.Context) {
	payments, err := h.payments.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handler) listItems(c *gin.Context) {
	items, err := h.reserves.Items(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) itemCost(c *gin.Context) {
	cost, err := h.reserves.ItemCost(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":   c.Param("id"),
		"cost": cost,
	})
}

type topUpItemRequest struct {
	Amount int `json:"amount" binding:"required"`
}

func (h *Handler) topUpItem(c *gin.Context) {
	var req topUpItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.reserves.ItemTopUp(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) listReserves(c *gin.Context) {
	reserves, err := h.reserves.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reserves": reserves})
}

func (h *Handler) listActiveTransactions(c *gin.Context) {
	var (
		txns []models.PreparedTransaction
		err  error
	)
	switch c.Param("owner") {
	case "orders":
		txns, err = h.orders.ListActiveBranches(c.Request.Context())
	case "payments":
		txns, err = h.payments.ListActiveBranches(c.Request.Context())
	case "reserve":
		txns, err = h.reserves.ListActiveBranches(c.Request.Context())
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown transaction owner"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *Handler) commitTransaction(c *gin.Context) {
	var err error
	switch c.Param("owner") {
	case "orders":
		err = h.orders.CommitBranch(c.Request.Context(), c.Param("id"))
	case "payments":
		err = h.payments.CommitBranch(c.Request.Context(), c.Param("id"))
	case "reserve":
		err = h.reserves.CommitBranch(c.Request.Context(), c.Param("id"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown transaction owner"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "committed"})
}

func (h *Handler) rollbackTransaction(c *gin.Context) {
	var err error
	switch c.Param("owner") {
	case "orders":
		err = h.orders.RollbackBranch(c.Request.Context(), c.Param("id"))
	case "payments":
		err = h.payments.RollbackBranch(c.Request.Context(), c.Param("id"))
	case "reserve":
		err = h.reserves.RollbackBranch(c.Request.Context(), c.Param("id"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown transaction owner"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled back"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
