package executor

import (
	"context"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// PricingExecutor computes order totals. Rates live in the remote pricing
// service; the core never hardcodes formulas.
type PricingExecutor struct {
	pricing rpc.Pricing
}

// NewPricingExecutor creates the pricing executor.
func NewPricingExecutor(pricing rpc.Pricing) *PricingExecutor {
	return &PricingExecutor{pricing: pricing}
}

// Name implements Executor.
func (e *PricingExecutor) Name() string { return "pricing" }

// NeedsUserInput implements Executor.
func (e *PricingExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *PricingExecutor) Execute(ctx context.Context, config map[string]any, _ *TurnContext) (*Result, error) {
	orderType := cfgString(config, "type")
	if orderType == "" {
		return nil, rpc.NewError(rpc.KindInternal, "pricing: type is required")
	}

	req := rpc.QuoteRequest{
		Type:       orderType,
		FromZoneID: cfgString(config, "from_zone_id"),
		ToZoneID:   cfgString(config, "to_zone_id"),
		Category:   cfgString(config, "category"),
	}
	if km, ok := cfgFloat(config, "distance_km"); ok {
		req.DistanceKm = km
	}
	for _, it := range cfgSlice(config, "items") {
		if m, ok := it.(map[string]any); ok {
			req.Items = append(req.Items, m)
		}
	}

	quote, err := e.pricing.Quote(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{
			"subtotal":  quote.Subtotal,
			"delivery":  quote.Delivery,
			"tax":       quote.Tax,
			"total":     quote.Total,
			"breakdown": quote.Breakdown,
		},
		Events: []string{EventCalculated},
	}, nil
}
