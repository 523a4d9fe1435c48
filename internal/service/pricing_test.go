package service

import (
	"context"
	"fmt"
	"testing"

	"order-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoster struct {
	costs map[string]float64
	calls int
}

func (f *fakeCoster) ItemCost(_ context.Context, itemID string) (float64, error) {
	f.calls++
	cost, ok := f.costs[itemID]
	if !ok {
		return 0, fmt.Errorf("item %s: not found", itemID)
	}
	return cost, nil
}

func TestSumCost(t *testing.T) {
	coster := &fakeCoster{costs: map[string]float64{"a": 10.5, "b": 3}}
	pricing := NewItemPricing(nil, coster)

	sum, err := pricing.SumCost(context.Background(), []models.OrderItem{
		{ItemID: "a", Amount: 2},
		{ItemID: "b", Amount: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 2*10.5+4*3.0, sum)
	assert.Equal(t, 2, coster.calls)
}

func TestSumCostUnknownItem(t *testing.T) {
	pricing := NewItemPricing(nil, &fakeCoster{costs: map[string]float64{}})

	_, err := pricing.SumCost(context.Background(), []models.OrderItem{{ItemID: "ghost", Amount: 1}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestSumCostEmpty(t *testing.T) {
	coster := &fakeCoster{}
	pricing := NewItemPricing(nil, coster)

	sum, err := pricing.SumCost(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, sum)
	assert.Zero(t, coster.calls)
}
