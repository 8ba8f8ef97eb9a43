package rpc

import (
	"context"
	"fmt"
)

// --- NLU ---

// NLUClient talks to the intent classification service.
type NLUClient struct {
	httpService
}

// NewNLUClient builds an NLU client.
func NewNLUClient(cfg ServiceConfig) *NLUClient {
	return &NLUClient{newHTTPService("nlu", cfg)}
}

// Classify implements NLU.
func (c *NLUClient) Classify(ctx context.Context, text string) (*IntentResult, error) {
	var out IntentResult
	if err := c.postJSON(ctx, "/classify", map[string]any{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Search ---

// SearchClient queries the product/store index.
type SearchClient struct {
	httpService
}

// NewSearchClient builds a search client.
func NewSearchClient(cfg ServiceConfig) *SearchClient {
	return &SearchClient{newHTTPService("search", cfg)}
}

// Query implements Search.
func (c *SearchClient) Query(ctx context.Context, q SearchQuery) (*SearchResults, error) {
	var out SearchResults
	if err := c.postJSON(ctx, "/search", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Routing ---

// RoutingClient computes road routes.
type RoutingClient struct {
	httpService
}

// NewRoutingClient builds a routing client.
func NewRoutingClient(cfg ServiceConfig) *RoutingClient {
	return &RoutingClient{newHTTPService("routing", cfg)}
}

// Route implements Routing.
func (c *RoutingClient) Route(ctx context.Context, from, to LatLng) (*RouteResult, error) {
	var out RouteResult
	req := map[string]any{"from": from, "to": to}
	if err := c.postJSON(ctx, "/route", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Zone ---

// ZoneClient validates serviceability of a point.
type ZoneClient struct {
	httpService
}

// NewZoneClient builds a zone client.
func NewZoneClient(cfg ServiceConfig) *ZoneClient {
	return &ZoneClient{newHTTPService("zone", cfg)}
}

// ZoneFor implements Zone.
func (c *ZoneClient) ZoneFor(ctx context.Context, pt LatLng, module string) (*ZoneResult, error) {
	var out ZoneResult
	req := map[string]any{"lat": pt.Lat, "lng": pt.Lng, "module": module}
	if err := c.postJSON(ctx, "/zone", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Pricing ---

// PricingClient delegates totals to the pricing service.
type PricingClient struct {
	httpService
}

// NewPricingClient builds a pricing client.
func NewPricingClient(cfg ServiceConfig) *PricingClient {
	return &PricingClient{newHTTPService("pricing", cfg)}
}

// Quote implements Pricing.
func (c *PricingClient) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	var out Quote
	if err := c.postJSON(ctx, "/quote", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Order ---

// OrderClient places orders via the business backend.
type OrderClient struct {
	httpService
}

// NewOrderClient builds an order client.
func NewOrderClient(cfg ServiceConfig) *OrderClient {
	return &OrderClient{newHTTPService("order", cfg)}
}

// Place implements Order. The idempotency key travels as a header so the
// backend can dedupe retries.
func (c *OrderClient) Place(ctx context.Context, payload map[string]any, idempotencyKey string) (*OrderResult, error) {
	body := map[string]any{"order": payload, "idempotency_key": idempotencyKey}
	var out OrderResult
	if err := c.postJSON(ctx, "/orders", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Places ---

// PlacesClient searches non-partner vendors through a places API.
type PlacesClient struct {
	httpService
}

// NewPlacesClient builds a places client.
func NewPlacesClient(cfg ServiceConfig) *PlacesClient {
	return &PlacesClient{newHTTPService("places", cfg)}
}

// FindPlaces implements Places.
func (c *PlacesClient) FindPlaces(ctx context.Context, query, city string) ([]Place, error) {
	var out struct {
		Results []Place `json:"results"`
	}
	req := map[string]any{"query": query, "city": city}
	if err := c.postJSON(ctx, "/places/search", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// --- ASR ---

// ASRClient transcribes audio attachments.
type ASRClient struct {
	httpService
}

// NewASRClient builds an ASR client.
func NewASRClient(cfg ServiceConfig) *ASRClient {
	return &ASRClient{newHTTPService("asr", cfg)}
}

// Transcribe implements ASR.
func (c *ASRClient) Transcribe(ctx context.Context, audioURL string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := c.postJSON(ctx, "/transcribe", map[string]any{"audio_url": audioURL}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// --- Business backend (php-api) ---

// BackendClient is the generic action-code call into the business backend.
type BackendClient struct {
	httpService
}

// NewBackendClient builds a backend client.
func NewBackendClient(cfg ServiceConfig) *BackendClient {
	return &BackendClient{newHTTPService("backend", cfg)}
}

// Call implements Backend. The response envelope is {data} on success or
// {error} on business failure; business failures surface as upstream errors.
func (c *BackendClient) Call(ctx context.Context, action string, params map[string]any, token string) (map[string]any, error) {
	req := map[string]any{"action": action, "params": params}
	if token != "" {
		req["token"] = token
	}
	var out struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := c.postJSON(ctx, "/api/action", req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, NewError(KindUpstream, fmt.Sprintf("backend action %s: %s", action, out.Error))
	}
	return out.Data, nil
}
