package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		expected     []string
		intermediate string
		wantErr      bool
	}{
		{
			name:     "expected status passes",
			status:   OrderStatusCreated,
			expected: []string{OrderStatusCreated, OrderStatusInsufficient},
		},
		{
			name:     "second expected status passes",
			status:   OrderStatusInsufficient,
			expected: []string{OrderStatusCreated, OrderStatusInsufficient},
		},
		{
			name:         "intermediate status passes for resume",
			status:       OrderStatusApproving,
			expected:     []string{OrderStatusCreated, OrderStatusInsufficient},
			intermediate: OrderStatusApproving,
		},
		{
			name:     "terminal status rejected",
			status:   OrderStatusReleased,
			expected: []string{OrderStatusCreated, OrderStatusInsufficient},
			wantErr:  true,
		},
		{
			name:         "other intermediate rejected",
			status:       OrderStatusCancelling,
			expected:     []string{OrderStatusApproved},
			intermediate: OrderStatusReleasing,
			wantErr:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckStatus("approve", "order", "o-1", tt.status, tt.expected, tt.intermediate)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var statusErr *UnexpectedStatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.Status)
			assert.Equal(t, "approve", statusErr.Op)
		})
	}
}

func TestUnexpectedStatusErrorMessage(t *testing.T) {
	err := &UnexpectedStatusError{
		Op: "release", Entity: "order", ID: "o-7",
		Status: OrderStatusCreated, Expected: []string{OrderStatusApproved},
	}
	assert.Contains(t, err.Error(), "release")
	assert.Contains(t, err.Error(), "o-7")
	assert.Contains(t, err.Error(), OrderStatusCreated)

	var target *UnexpectedStatusError
	assert.True(t, errors.As(error(err), &target))
}
