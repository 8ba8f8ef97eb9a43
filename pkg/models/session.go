package models

import "time"

// Session is the per-user, per-channel scratchpad that outlives a single
// turn. It lives in the ephemeral TTL store; Version backs compare-and-set
// conflict detection within a session.
type Session struct {
	SessionID    string      `json:"session_id"`
	Identifier   string      `json:"identifier"` // phone or channel-scoped id
	Platform     string      `json:"platform"`   // websocket | whatsapp | telegram | web
	Data         SessionData `json:"data"`
	Version      int64       `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActiveAt time.Time   `json:"last_active_at"`
}

// SessionData is the mutable scratch carried across turns. Engine and
// executors see a read-only snapshot of it under the "session" context
// namespace.
type SessionData struct {
	UserID        string         `json:"user_id,omitempty"`
	Authenticated bool           `json:"authenticated,omitempty"`
	AuthToken     string         `json:"auth_token,omitempty"`
	Phone         string         `json:"phone,omitempty"`
	Location      *Location      `json:"location,omitempty"`
	Cart          []CartItem     `json:"cart,omitempty"`
	ModuleName    string         `json:"module_name,omitempty"`
	ActiveRunID   string         `json:"active_run_id,omitempty"`
	PendingIntent string         `json:"pending_intent,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Location is the user's last known position, zone-resolved when available.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	ZoneID    string    `json:"zone_id,omitempty"`
	Label     string    `json:"label,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CartItem is one line of a pending order.
type CartItem struct {
	ItemID   string  `json:"item_id"`
	Name     string  `json:"name"`
	StoreID  string  `json:"store_id,omitempty"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// Snapshot renders the session data as the read-only "session" context
// namespace. Keys match the paths flow authors reference in templates.
func (s *Session) Snapshot() map[string]any {
	m := map[string]any{
		"user_id":       s.Data.UserID,
		"authenticated": s.Data.Authenticated,
		"auth_token":    s.Data.AuthToken,
		"phone":         s.Data.Phone,
		"module_name":   s.Data.ModuleName,
	}
	if s.Data.Location != nil {
		m["location"] = map[string]any{
			"lat":     s.Data.Location.Lat,
			"lng":     s.Data.Location.Lng,
			"zone_id": s.Data.Location.ZoneID,
			"label":   s.Data.Location.Label,
		}
	}
	if len(s.Data.Cart) > 0 {
		items := make([]any, len(s.Data.Cart))
		for i, it := range s.Data.Cart {
			items[i] = map[string]any{
				"item_id":  it.ItemID,
				"name":     it.Name,
				"store_id": it.StoreID,
				"price":    it.Price,
				"quantity": it.Quantity,
			}
		}
		m["cart"] = items
	}
	for k, v := range s.Data.Extra {
		m[k] = v
	}
	return m
}
