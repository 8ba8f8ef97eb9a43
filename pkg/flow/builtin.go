package flow

import (
	"sync"

	"github.com/convogrid/convogrid/pkg/models"
)

var (
	builtinFlows     map[string]*models.FlowDefinition
	builtinFlowsOnce sync.Once
)

// Builtins returns the code-declared flow definitions shipped with the
// service. User YAML definitions with the same ID override them.
func Builtins() map[string]*models.FlowDefinition {
	builtinFlowsOnce.Do(initBuiltinFlows)
	return builtinFlows
}

func initBuiltinFlows() {
	defs := []*models.FlowDefinition{
		builtinAuthFlow(),
		builtinFoodOrderFlow(),
		builtinParcelDeliveryFlow(),
		builtinTrackOrderFlow(),
	}
	builtinFlows = make(map[string]*models.FlowDefinition, len(defs))
	for _, d := range defs {
		builtinFlows[d.ID] = d
	}
}

// builtinAuthFlow collects a phone number, sends an OTP through the business
// backend, and verifies it. Triggered directly or by the orchestrator when a
// protected flow is requested while unauthenticated.
func builtinAuthFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:           "auth_v1",
		Version:      1,
		Name:         "Phone sign-in",
		Module:       models.ModuleGeneral,
		Trigger:      "authenticate",
		InitialState: "ask_phone",
		FinalStates:  []string{"signed_in", "sign_in_failed"},
		States: map[string]*models.State{
			"ask_phone": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Please share your 10-digit phone number to sign in."},
				}},
				Transitions: map[string]string{models.EventUserMessage: "send_otp"},
			},
			"send_otp": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "php_api",
					Config: map[string]any{
						"action": "auth.send_otp",
						"params": map[string]any{"phone": "{{_last_user_message}}"},
					},
					Output: "otp",
				}},
				Transitions: map[string]string{
					"success": "ask_code",
					"failed":  "ask_phone",
				},
				OnError: &models.OnError{
					Retry:         &models.RetryPolicy{Attempts: 2, BackoffMs: 500},
					FallbackState: "sign_in_failed",
				},
			},
			"ask_code": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Enter the 6-digit code we just sent you."},
				}},
				Transitions: map[string]string{models.EventUserMessage: "verify_code"},
			},
			"verify_code": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "php_api",
					Config: map[string]any{
						"action": "auth.verify_otp",
						"params": map[string]any{
							"phone": "{{otp.data.phone}}",
							"code":  "{{_last_user_message}}",
						},
					},
					Output: "verify",
				}},
				Transitions: map[string]string{
					"success": "signed_in",
					"failed":  "ask_code",
				},
				OnError: &models.OnError{FallbackState: "sign_in_failed"},
			},
			"signed_in": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "You're signed in. What can I do for you?"},
				}},
			},
			"sign_in_failed": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "I couldn't verify you right now. Please try again in a bit."},
				}},
			},
		},
	}
}

// builtinFoodOrderFlow searches the food index, falls back to the external
// places lookup when the index is empty, and walks selection, address, zone,
// pricing, and order placement.
func builtinFoodOrderFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:           "food_order_v1",
		Version:      1,
		Name:         "Food ordering",
		Module:       models.ModuleFood,
		Trigger:      "order_food",
		RequiresAuth: true,
		InitialState: "ask_craving",
		FinalStates: []string{
			"order_done", "order_failed", "out_of_zone_sorry",
			"share_place", "nothing_found", "search_down", "cancelled",
		},
		States: map[string]*models.State{
			"ask_craving": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "What would you like to eat today?"},
				}},
				Transitions: map[string]string{models.EventUserMessage: "search_items"},
			},
			"search_items": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "search",
					Config: map[string]any{
						"module": "food",
						"query":  "{{_last_user_message}}",
					},
					Output: "search",
				}},
				Transitions: map[string]string{
					"found":      "show_items",
					"no_results": "places_lookup",
				},
				OnError: &models.OnError{
					Retry:         &models.RetryPolicy{Attempts: 2, BackoffMs: 500},
					FallbackState: "search_down",
				},
			},
			"places_lookup": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "external_search",
					Config: map[string]any{
						"query": "{{_last_user_message}}",
					},
					Output: "places",
				}},
				Transitions: map[string]string{
					"found":     "show_places",
					"not_found": "nothing_found",
				},
				OnError: &models.OnError{FallbackState: "nothing_found"},
			},
			"show_places": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config: map[string]any{
						"message": "That's not in our menu yet, but I found these places nearby. Which one should I point you to?",
					},
				}},
				Transitions: map[string]string{models.EventUserMessage: "pick_place"},
			},
			"pick_place": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "selection",
					Config:   map[string]any{"options": "{{places.results}}"},
					Output:   "place_pick",
				}},
				Transitions: map[string]string{"selected": "share_place"},
			},
			"share_place": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config: map[string]any{
						"message": "{{place_pick.item.name}}, {{place_pick.item.address}}. Directions: {{place_pick.item.maps_link}}",
					},
				}},
			},
			"show_items": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Here's what I found. Which one would you like?"},
				}},
				Transitions: map[string]string{models.EventUserMessage: "pick_item"},
			},
			"pick_item": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "selection",
					Config:   map[string]any{"options": "{{search.items}}"},
					Output:   "pick",
				}},
				Transitions: map[string]string{"selected": "collect_address"},
			},
			"collect_address": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "address",
					Config: map[string]any{
						"field":       "delivery",
						"allow_saved": true,
						"allow_share": true,
						"prompt":      "Where should we deliver? Share your location or type the address.",
					},
					Output: "delivery",
				}},
				Transitions: map[string]string{"address_valid": "check_zone"},
			},
			"check_zone": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "zone",
					Config: map[string]any{
						"module": "food",
						"lat":    "{{delivery.lat}}",
						"lng":    "{{delivery.lng}}",
					},
					Output: "zone",
				}},
				Transitions: map[string]string{
					"in_zone":     "get_quote",
					"out_of_zone": "out_of_zone_sorry",
				},
			},
			"get_quote": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "pricing",
					Config: map[string]any{
						"type":         "food",
						"from_zone_id": "{{zone.zone_id}}",
						"items":        "{{pick.item.items}}",
					},
					Output: "quote",
				}},
				Transitions: map[string]string{"calculated": "confirm"},
				OnError:     &models.OnError{Retry: &models.RetryPolicy{Attempts: 2, BackoffMs: 500}},
			},
			"confirm": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config: map[string]any{
						"message": "That comes to ₹{{quote.total}} including delivery. Shall I place the order?",
						"buttons": []any{
							map[string]any{"id": "confirm_yes", "label": "Yes, order it"},
							map[string]any{"id": "confirm_no", "label": "No, cancel"},
						},
					},
				}},
				Transitions: map[string]string{models.EventUserMessage: "decide"},
			},
			"decide": {
				Type: models.StateDecision,
				Conditions: []models.Condition{
					{Expression: `_last_user_message.includes("yes") || _last_user_message.includes("order")`, Event: "confirmed"},
					{Expression: `_last_user_message != ""`, Event: "declined"},
				},
				Transitions: map[string]string{
					"confirmed": "place_order",
					"declined":  "cancelled",
				},
			},
			"place_order": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "order",
					Config: map[string]any{
						"type":      "food",
						"items":     "{{pick.item.items}}",
						"addresses": map[string]any{"delivery": "{{delivery}}"},
						"pricing":   "{{quote}}",
						"payment":   "COD",
					},
					Output: "order",
				}},
				Transitions: map[string]string{
					"success": "order_done",
					"failed":  "order_failed",
				},
				OnError: &models.OnError{
					Retry:         &models.RetryPolicy{Attempts: 2, BackoffMs: 1000},
					FallbackState: "order_failed",
				},
			},
			"order_done": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Order placed! Your order id is {{order.order_id}}. I'll keep you posted."},
				}},
			},
			"order_failed": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "The store couldn't take that order. Nothing was charged."},
				}},
			},
			"out_of_zone_sorry": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Sorry, we don't deliver food to that area yet."},
				}},
			},
			"nothing_found": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "I couldn't find that anywhere nearby. Want to try a different dish?"},
				}},
			},
			"search_down": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Search is having trouble right now. Please try again in a minute."},
				}},
			},
			"cancelled": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "No problem, I've cancelled that. Anything else?"},
				}},
			},
		},
	}
}

// builtinParcelDeliveryFlow collects pickup and drop locations, validates the
// service zone, quotes by road distance, and books the delivery.
func builtinParcelDeliveryFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:           "parcel_delivery_v1",
		Version:      1,
		Name:         "Parcel delivery",
		Module:       models.ModuleParcel,
		Trigger:      "send_parcel",
		RequiresAuth: true,
		InitialState: "ask_pickup",
		FinalStates: []string{
			"booked", "booking_failed", "out_of_zone_sorry",
			"unreachable_sorry", "cancelled",
		},
		States: map[string]*models.State{
			"ask_pickup": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Where should we pick the parcel up from?"},
				}},
				Transitions: map[string]string{models.EventUserMessage: "resolve_pickup"},
			},
			"resolve_pickup": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "address",
					Config: map[string]any{
						"field":       "pickup",
						"allow_share": true,
						"prompt":      "Share the pickup location or send coordinates.",
					},
					Output: "pickup",
				}},
				Transitions: map[string]string{"address_valid": "ask_drop"},
			},
			"ask_drop": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Got it. And where is it going?"},
				}},
				Transitions: map[string]string{models.EventUserMessage: "resolve_drop"},
			},
			"resolve_drop": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "address",
					Config: map[string]any{
						"field":       "drop",
						"allow_saved": true,
						"allow_share": true,
						"prompt":      "Share the drop location or send coordinates.",
					},
					Output: "drop",
				}},
				Transitions: map[string]string{"address_valid": "check_zone"},
			},
			"check_zone": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "zone",
					Config: map[string]any{
						"module": "parcel",
						"lat":    "{{pickup.lat}}",
						"lng":    "{{pickup.lng}}",
					},
					Output: "zone",
				}},
				Transitions: map[string]string{
					"in_zone":     "measure_route",
					"out_of_zone": "out_of_zone_sorry",
				},
			},
			"measure_route": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "distance",
					Config: map[string]any{
						"from": map[string]any{"lat": "{{pickup.lat}}", "lng": "{{pickup.lng}}"},
						"to":   map[string]any{"lat": "{{drop.lat}}", "lng": "{{drop.lng}}"},
					},
					Output: "route",
				}},
				Transitions: map[string]string{
					"calculated":  "get_quote",
					"unreachable": "unreachable_sorry",
				},
				OnError: &models.OnError{Retry: &models.RetryPolicy{Attempts: 2, BackoffMs: 500}},
			},
			"get_quote": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "pricing",
					Config: map[string]any{
						"type":         "parcel",
						"distance_km":  "{{route.km}}",
						"from_zone_id": "{{zone.zone_id}}",
					},
					Output: "quote",
				}},
				Transitions: map[string]string{"calculated": "confirm"},
				OnError:     &models.OnError{Retry: &models.RetryPolicy{Attempts: 2, BackoffMs: 500}},
			},
			"confirm": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config: map[string]any{
						"message": "₹{{quote.total}} for {{route.km}} km. Shall I book the pickup?",
						"buttons": []any{
							map[string]any{"id": "book_yes", "label": "Book it"},
							map[string]any{"id": "book_no", "label": "Cancel"},
						},
					},
				}},
				Transitions: map[string]string{models.EventUserMessage: "decide"},
			},
			"decide": {
				Type: models.StateDecision,
				Conditions: []models.Condition{
					{Expression: `_last_user_message.includes("book") || _last_user_message.includes("yes")`, Event: "confirmed"},
					{Expression: `_last_user_message != ""`, Event: "declined"},
				},
				Transitions: map[string]string{
					"confirmed": "book",
					"declined":  "cancelled",
				},
			},
			"book": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "order",
					Config: map[string]any{
						"type": "parcel",
						"addresses": map[string]any{
							"pickup": "{{pickup}}",
							"drop":   "{{drop}}",
						},
						"pricing": "{{quote}}",
						"payment": "COD",
					},
					Output: "order",
				}},
				Transitions: map[string]string{
					"success": "booked",
					"failed":  "booking_failed",
				},
				OnError: &models.OnError{
					Retry:         &models.RetryPolicy{Attempts: 2, BackoffMs: 1000},
					FallbackState: "booking_failed",
				},
			},
			"booked": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Booked! Your delivery id is {{order.order_id}}. A rider is on the way to the pickup point."},
				}},
			},
			"booking_failed": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "I couldn't book that delivery. Nothing was charged, please try again."},
				}},
			},
			"out_of_zone_sorry": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Sorry, that pickup point is outside our service area."},
				}},
			},
			"unreachable_sorry": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "We couldn't find a road route between those points."},
				}},
			},
			"cancelled": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Cancelled. Ping me when you're ready."},
				}},
			},
		},
	}
}

// builtinTrackOrderFlow looks an order up in the business backend and reports
// its status. Starts on the triggering message itself, so "track my order
// 12345" resolves in one turn.
func builtinTrackOrderFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:           "track_order_v1",
		Version:      1,
		Name:         "Order tracking",
		Module:       models.ModuleGeneral,
		Trigger:      "track_order",
		InitialState: "lookup",
		FinalStates:  []string{"report", "not_found"},
		States: map[string]*models.State{
			"lookup": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "php_api",
					Config: map[string]any{
						"action": "orders.track",
						"params": map[string]any{"query": "{{_last_user_message}}"},
					},
					Output: "track",
				}},
				Transitions: map[string]string{
					"success": "report",
					"failed":  "not_found",
				},
				OnError: &models.OnError{
					Retry:         &models.RetryPolicy{Attempts: 2, BackoffMs: 500},
					FallbackState: "not_found",
				},
			},
			"report": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Your order is {{track.data.status}}. {{track.data.eta_text}}"},
				}},
			},
			"not_found": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "I couldn't find that order. Double-check the order id?"},
				}},
			},
		},
	}
}
