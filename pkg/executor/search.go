package executor

import (
	"context"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// Events emitted by the search executor.
const (
	EventFound     = "found"
	EventNoResults = "no_results"
)

// SearchExecutor queries the product/store index of a module. The zone
// filter is honored whenever zone_id is present; result items carry the
// store_id downstream actions need.
type SearchExecutor struct {
	search rpc.Search
}

// NewSearchExecutor creates the search executor.
func NewSearchExecutor(search rpc.Search) *SearchExecutor {
	return &SearchExecutor{search: search}
}

// Name implements Executor.
func (e *SearchExecutor) Name() string { return "search" }

// NeedsUserInput implements Executor.
func (e *SearchExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *SearchExecutor) Execute(ctx context.Context, config map[string]any, tc *TurnContext) (*Result, error) {
	query := cfgString(config, "query")
	if query == "" {
		query = tc.LastUserMessage()
	}
	if query == "" {
		return nil, rpc.NewError(rpc.KindValidation, "search: query is required")
	}

	q := rpc.SearchQuery{
		Module:  cfgString(config, "module"),
		Query:   query,
		ZoneID:  cfgString(config, "zone_id"),
		Filters: cfgMap(config, "filters"),
		Size:    cfgInt(config, "size", 10),
	}
	if lat, ok := cfgFloat(config, "lat"); ok {
		q.Lat = lat
	}
	if lng, ok := cfgFloat(config, "lng"); ok {
		q.Lng = lng
	}

	res, err := e.search.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	event := EventFound
	if res.Total == 0 || len(res.Items) == 0 {
		event = EventNoResults
	}
	items := make([]any, len(res.Items))
	for i, it := range res.Items {
		items[i] = it
	}
	return &Result{
		Output: map[string]any{"items": items, "total": res.Total},
		Events: []string{event},
	}, nil
}
