package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ServiceConfig configures one remote service endpoint.
type ServiceConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// httpService is the shared base for the HTTP/JSON service clients. Each
// call is bounded by the per-service timeout and returns a classified error.
type httpService struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func newHTTPService(name string, cfg ServiceConfig) httpService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return httpService{
		name:    name,
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// postJSON POSTs body as JSON to path and decodes the response into out.
// Non-2xx responses and transport failures come back classified.
func (s *httpService) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return WrapError(KindInternal, s.name+": encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return WrapError(KindInternal, s.name+": create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return WrapError(KindCancelled, s.name+": request cancelled", err)
		}
		// Timeouts and connection failures are transient by definition.
		return WrapError(KindTransient, s.name+": request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return WrapError(KindTransient, s.name+": read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := classifyStatus(resp.StatusCode)
		detail := fmt.Sprintf("%s: HTTP %d", s.name, resp.StatusCode)
		if msg := errorMessage(raw); msg != "" {
			detail += ": " + msg
		}
		return NewError(kind, detail)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return WrapError(KindUpstream, s.name+": decode response", err)
	}
	return nil
}

// errorMessage extracts a human-readable message from a JSON error body.
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}
