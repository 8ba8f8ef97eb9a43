package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// Events emitted by the distance executor.
const (
	EventCalculated  = "calculated"
	EventUnreachable = "unreachable"
)

// DistanceExecutor computes route distance and duration between two points,
// caching by the coordinate pair rounded to 5 decimals (~1 m).
type DistanceExecutor struct {
	routing rpc.Routing

	mu    sync.Mutex
	cache map[string]*rpc.RouteResult
}

// NewDistanceExecutor creates the distance executor.
func NewDistanceExecutor(routing rpc.Routing) *DistanceExecutor {
	return &DistanceExecutor{routing: routing, cache: make(map[string]*rpc.RouteResult)}
}

// Name implements Executor.
func (e *DistanceExecutor) Name() string { return "distance" }

// NeedsUserInput implements Executor.
func (e *DistanceExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *DistanceExecutor) Execute(ctx context.Context, config map[string]any, _ *TurnContext) (*Result, error) {
	fromLat, fromLng, okFrom := cfgLatLng(cfgMap(config, "from"))
	toLat, toLng, okTo := cfgLatLng(cfgMap(config, "to"))
	if !okFrom || !okTo {
		return nil, rpc.NewError(rpc.KindInternal, "distance: from/to coordinates are required")
	}

	from := rpc.LatLng{Lat: fromLat, Lng: fromLng}
	to := rpc.LatLng{Lat: toLat, Lng: toLng}
	key := cacheKey(from, to)

	e.mu.Lock()
	cached, hit := e.cache[key]
	e.mu.Unlock()

	route := cached
	if !hit {
		var err error
		route, err = e.routing.Route(ctx, from, to)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[key] = route
		e.mu.Unlock()
	}

	if route.Km <= 0 && route.DurationMin <= 0 {
		return &Result{
			Output: map[string]any{"km": 0.0, "duration_min": 0.0},
			Events: []string{EventUnreachable},
		}, nil
	}
	return &Result{
		Output: map[string]any{"km": route.Km, "duration_min": route.DurationMin},
		Events: []string{EventCalculated},
	}, nil
}

func cacheKey(from, to rpc.LatLng) string {
	return fmt.Sprintf("%.5f,%.5f|%.5f,%.5f", from.Lat, from.Lng, to.Lat, to.Lng)
}
