package service

import (
	"context"
	"fmt"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/redisclient"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// ItemCoster resolves the unit cost of a warehouse item. The reserve
// service is the source of truth.
type ItemCoster interface {
	ItemCost(ctx context.Context, itemID string) (float64, error)
}

// ItemPricing computes order totals from unit costs, caching costs in
// Redis. The cache is an optimization only: every cache failure falls
// back to the source and is logged, never returned.
type ItemPricing struct {
	cache  *redisclient.Client
	source ItemCoster
	logger *zap.Logger
}

// NewItemPricing creates a new pricing helper. The cache may be nil.
func NewItemPricing(cache *redisclient.Client, source ItemCoster) *ItemPricing {
	return &ItemPricing{
		cache:  cache,
		source: source,
		logger: util.GetLogger(),
	}
}

// UnitCost resolves the unit cost of one item, cache first.
func (p *ItemPricing) UnitCost(ctx context.Context, itemID string) (float64, error) {
	if p.cache != nil {
		cost, ok, err := p.cache.GetItemCost(ctx, itemID)
		if err != nil {
			p.logger.Warn("Item cost cache read failed", zap.String("item_id", itemID), zap.Error(err))
		} else if ok {
			return cost, nil
		}
	}

	cost, err := p.source.ItemCost(ctx, itemID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve cost of item %s: %w", itemID, err)
	}
	if p.cache != nil {
		if err := p.cache.SetItemCost(ctx, itemID, cost); err != nil {
			p.logger.Warn("Item cost cache write failed", zap.String("item_id", itemID), zap.Error(err))
		}
	}
	return cost, nil
}

// SumCost computes the total cost of an order's items.
func (p *ItemPricing) SumCost(ctx context.Context, items []models.OrderItem) (float64, error) {
	var sum float64
	for _, item := range items {
		cost, err := p.UnitCost(ctx, item.ItemID)
		if err != nil {
			return 0, err
		}
		sum += cost * float64(item.Amount)
	}
	return sum, nil
}
