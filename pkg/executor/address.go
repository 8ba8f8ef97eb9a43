package executor

import (
	"context"
	"regexp"
	"strconv"

	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/template"
)

// Events emitted by the address executor.
const (
	EventAddressValid = "address_valid"
	EventInvalid      = "invalid"
)

// coordRe matches "19.98,73.78" style coordinates in a message.
var coordRe = regexp.MustCompile(`(-?\d{1,3}(?:\.\d+)?)\s*,\s*(-?\d{1,3}(?:\.\d+)?)`)

// AddressExecutor collects a delivery/pickup address over one or more turns.
// Resolution order: a shared location on this turn, coordinates in the
// message text, the saved session location (when allow_saved), otherwise it
// pauses and prompts. Unparseable text on an explicit user turn yields a
// validation prompt, not an error.
type AddressExecutor struct{}

// NewAddressExecutor creates the address executor.
func NewAddressExecutor() *AddressExecutor { return &AddressExecutor{} }

// Name implements Executor.
func (e *AddressExecutor) Name() string { return "address" }

// NeedsUserInput implements Executor. The engine never auto-advances into a
// state that opens with address collection.
func (e *AddressExecutor) NeedsUserInput() bool { return true }

// Execute implements Executor.
func (e *AddressExecutor) Execute(_ context.Context, config map[string]any, tc *TurnContext) (*Result, error) {
	field := cfgString(config, "field")
	if field == "" {
		field = "address"
	}

	// 1. Location shared on this turn (location:update).
	if shared, ok := tc.Data["_shared_location"].(map[string]any); ok {
		if lat, lng, ok := cfgLatLng(shared); ok {
			return addressResult(lat, lng, "shared location"), nil
		}
	}

	// 2. Coordinates embedded in the message text.
	text := tc.LastUserMessage()
	if m := coordRe.FindStringSubmatch(text); m != nil {
		lat, errLat := strconv.ParseFloat(m[1], 64)
		lng, errLng := strconv.ParseFloat(m[2], 64)
		if errLat == nil && errLng == nil && lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 {
			return addressResult(lat, lng, text), nil
		}
	}

	// 3. Saved session location.
	if cfgBool(config, "allow_saved") {
		if loc, ok := template.Lookup(tc.Data, "session.location"); ok {
			if locMap, ok := loc.(map[string]any); ok {
				if lat, lng, ok := cfgLatLng(locMap); ok {
					res := addressResult(lat, lng, "saved location")
					if label, ok := locMap["label"].(string); ok && label != "" {
						res.Output.(map[string]any)["label"] = label
					}
					return res, nil
				}
			}
		}
	}

	// 4. The user replied with something we could not parse.
	if text != "" && tc.LastEvent() == models.EventUserMessage {
		return &Result{
			Events:   []string{EventInvalid},
			Response: "I didn't recognize that address — can you share your location or send coordinates like 19.98,73.78?",
			Pause:    true,
		}, nil
	}

	// 5. Nothing yet: prompt and wait.
	prompt := cfgString(config, "prompt")
	if prompt == "" {
		prompt = "Where should this be? Share your location or type the address."
	}
	result := &Result{
		Events:   []string{models.EventWaitingForInput},
		Response: prompt,
		Pause:    true,
	}
	if cfgBool(config, "allow_share") {
		result.Buttons = []models.Button{{
			ID: "share_location", Label: "Share location",
			Value: "share_location", Type: models.ButtonAction,
		}}
	}
	return result, nil
}

func addressResult(lat, lng float64, raw string) *Result {
	return &Result{
		Output: map[string]any{
			"label": raw,
			"lat":   lat,
			"lng":   lng,
			"raw":   raw,
		},
		Events: []string{EventAddressValid},
	}
}
