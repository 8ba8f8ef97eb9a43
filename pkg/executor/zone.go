package executor

import (
	"context"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// Events emitted by the zone executor.
const (
	EventInZone    = "in_zone"
	EventOutOfZone = "out_of_zone"
)

// ZoneExecutor validates that a point lies within a serviceable zone.
// Out-of-zone is a user-visible terminal branch, not an error.
type ZoneExecutor struct {
	zone rpc.Zone
}

// NewZoneExecutor creates the zone executor.
func NewZoneExecutor(zone rpc.Zone) *ZoneExecutor {
	return &ZoneExecutor{zone: zone}
}

// Name implements Executor.
func (e *ZoneExecutor) Name() string { return "zone" }

// NeedsUserInput implements Executor.
func (e *ZoneExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *ZoneExecutor) Execute(ctx context.Context, config map[string]any, _ *TurnContext) (*Result, error) {
	lat, lng, ok := cfgLatLng(config)
	if !ok {
		return nil, rpc.NewError(rpc.KindInternal, "zone: lat/lng are required")
	}

	res, err := e.zone.ZoneFor(ctx, rpc.LatLng{Lat: lat, Lng: lng}, cfgString(config, "module"))
	if err != nil {
		return nil, err
	}

	event := EventInZone
	if !res.Serviceable {
		event = EventOutOfZone
	}
	return &Result{
		Output: map[string]any{
			"zone_id":     res.ZoneID,
			"zone_name":   res.ZoneName,
			"serviceable": res.Serviceable,
		},
		Events: []string{event},
	}, nil
}
