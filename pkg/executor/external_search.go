package executor

import (
	"context"
	"fmt"

	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/rpc"
)

// EventNotFound is emitted when the places API has nothing either.
const EventNotFound = "not_found"

// ExternalSearchExecutor is the fallback vendor search against a places API,
// used when the internal index returns empty for a food query.
type ExternalSearchExecutor struct {
	places rpc.Places
}

// NewExternalSearchExecutor creates the external_search executor.
func NewExternalSearchExecutor(places rpc.Places) *ExternalSearchExecutor {
	return &ExternalSearchExecutor{places: places}
}

// Name implements Executor.
func (e *ExternalSearchExecutor) Name() string { return "external_search" }

// NeedsUserInput implements Executor.
func (e *ExternalSearchExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *ExternalSearchExecutor) Execute(ctx context.Context, config map[string]any, tc *TurnContext) (*Result, error) {
	query := cfgString(config, "query")
	if query == "" {
		query = tc.LastUserMessage()
	}
	if query == "" {
		return nil, rpc.NewError(rpc.KindValidation, "external_search: query is required")
	}

	places, err := e.places.FindPlaces(ctx, query, cfgString(config, "city"))
	if err != nil {
		return nil, err
	}
	if len(places) == 0 {
		return &Result{
			Output: map[string]any{"results": []any{}},
			Events: []string{EventNotFound},
		}, nil
	}

	results := make([]any, len(places))
	cards := make([]models.Card, len(places))
	for i, p := range places {
		results[i] = map[string]any{
			"name":      p.Name,
			"address":   p.Address,
			"lat":       p.Lat,
			"lng":       p.Lng,
			"maps_link": p.MapsLink,
		}
		cards[i] = models.Card{
			ID:       fmt.Sprintf("place_%d", i+1),
			Title:    fmt.Sprintf("%d. %s", i+1, p.Name),
			Subtitle: p.Address,
			Action:   p.MapsLink,
		}
	}
	return &Result{
		Output: map[string]any{"results": results},
		Events: []string{EventFound},
		Cards:  cards,
	}, nil
}
