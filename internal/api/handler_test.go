package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name: "status conflict maps to 409",
			err: &models.UnexpectedStatusError{
				Op: "release", Entity: "order", ID: "o-1",
				Status:   models.OrderStatusCreated,
				Expected: []string{models.OrderStatusApproved},
			},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "wrapped not found maps to 404",
			err:        errors.Join(errors.New("order o-2"), store.ErrNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "anything else maps to 500",
			err:        errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)

			writeError(c, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestTwoPhaseForQueryOverride(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &Handler{twoPhase: true}

	newCtx := func(query string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/orders/o-1/approve"+query, nil)
		return c
	}

	assert.True(t, h.twoPhaseFor(newCtx("")))
	assert.False(t, h.twoPhaseFor(newCtx("?two_phase_commit=false")))
	assert.True(t, h.twoPhaseFor(newCtx("?two_phase_commit=true")))
	// Unparseable values fall back to the configured default.
	assert.True(t, h.twoPhaseFor(newCtx("?two_phase_commit=maybe")))
}

func TestResolveTwoPhaseBodyWins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &Handler{twoPhase: true}

	newCtx := func(query string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/orders"+query, nil)
		return c
	}

	// An explicit body value always wins, including an explicit false
	// against a true default or query param.
	off, on := false, true
	assert.False(t, h.resolveTwoPhase(newCtx(""), &off))
	assert.False(t, h.resolveTwoPhase(newCtx("?two_phase_commit=true"), &off))
	assert.True(t, h.resolveTwoPhase(newCtx("?two_phase_commit=false"), &on))

	// An absent body value falls back to the query param, then the
	// configured default.
	assert.False(t, h.resolveTwoPhase(newCtx("?two_phase_commit=false"), nil))
	assert.True(t, h.resolveTwoPhase(newCtx(""), nil))
}
