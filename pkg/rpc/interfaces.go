package rpc

import "context"

// LatLng is a geographic point.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IntentResult is the NLU classification of one utterance.
type IntentResult struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities,omitempty"`
}

// NLU classifies intent and extracts entities. Intents come from a closed
// set: the union of flow triggers plus fixed conversational intents.
type NLU interface {
	Classify(ctx context.Context, text string) (*IntentResult, error)
}

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks the LLM for a completion. When JSONSchema is set the
// response content must be JSON conforming to it.
type ChatRequest struct {
	SystemPrompt string
	Messages     []ChatMessage
	MaxTokens    int
	Temperature  float32
	JSONSchema   map[string]any
}

// ChatResponse is the LLM's reply.
type ChatResponse struct {
	Content  string `json:"content"`
	Provider string `json:"provider,omitempty"`
}

// LLM generates natural language or structured JSON. Implementations try
// configured providers in order; the first non-error response wins.
type LLM interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// SearchQuery targets the product/store index of one module.
type SearchQuery struct {
	Module  string         `json:"module"`
	Query   string         `json:"query"`
	ZoneID  string         `json:"zone_id,omitempty"`
	Lat     float64        `json:"lat,omitempty"`
	Lng     float64        `json:"lng,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
	Size    int            `json:"size,omitempty"`
}

// SearchResults carries index hits. Items carry at minimum id, name, price,
// store_id.
type SearchResults struct {
	Items []map[string]any `json:"items"`
	Total int              `json:"total"`
}

// Search queries a product/store index.
type Search interface {
	Query(ctx context.Context, q SearchQuery) (*SearchResults, error)
}

// RouteResult is a road distance and duration between two points.
type RouteResult struct {
	Km          float64 `json:"km"`
	DurationMin float64 `json:"duration_min"`
}

// Routing computes route distance and duration via the external routing
// service.
type Routing interface {
	Route(ctx context.Context, from, to LatLng) (*RouteResult, error)
}

// ZoneResult says whether a point is inside a serviceable zone.
type ZoneResult struct {
	ZoneID      string `json:"zone_id"`
	ZoneName    string `json:"zone_name,omitempty"`
	Serviceable bool   `json:"serviceable"`
}

// Zone validates a point against serviceable zones for a module.
type Zone interface {
	ZoneFor(ctx context.Context, pt LatLng, module string) (*ZoneResult, error)
}

// QuoteRequest asks the pricing service for an order total. The core never
// hardcodes rate formulas.
type QuoteRequest struct {
	Type       string           `json:"type"` // food | parcel | ecommerce
	Items      []map[string]any `json:"items,omitempty"`
	DistanceKm float64          `json:"distance_km,omitempty"`
	FromZoneID string           `json:"from_zone_id,omitempty"`
	ToZoneID   string           `json:"to_zone_id,omitempty"`
	Category   string           `json:"category,omitempty"`
}

// Quote is a priced order breakdown.
type Quote struct {
	Subtotal  float64        `json:"subtotal"`
	Delivery  float64        `json:"delivery"`
	Tax       float64        `json:"tax"`
	Total     float64        `json:"total"`
	Breakdown map[string]any `json:"breakdown,omitempty"`
}

// Pricing computes order totals.
type Pricing interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// OrderResult is the business backend's acknowledgement of a placed order.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Order places orders. Place must be idempotent on the key: a retry with the
// same key returns the original result without a second side effect.
type Order interface {
	Place(ctx context.Context, payload map[string]any, idempotencyKey string) (*OrderResult, error)
}

// Place is one non-partner vendor hit from the places API.
type Place struct {
	Name     string  `json:"name"`
	Address  string  `json:"address"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	MapsLink string  `json:"maps_link,omitempty"`
}

// Places searches non-partner vendors, used as the food-flow fallback when
// the internal index comes back empty.
type Places interface {
	FindPlaces(ctx context.Context, query, city string) ([]Place, error)
}

// ASR transcribes an audio attachment before it reaches the orchestrator.
type ASR interface {
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

// Backend is the generic business-backend call used by auth, vendor, and
// delivery sub-flows. Errors are classified per action.
type Backend interface {
	Call(ctx context.Context, action string, params map[string]any, token string) (map[string]any, error)
}
