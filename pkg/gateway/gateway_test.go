package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/orchestrator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHandler struct {
	last  *orchestrator.Inbound
	reply *models.Reply
}

func (f *fakeHandler) HandleMessage(_ context.Context, in *orchestrator.Inbound) (*models.Reply, error) {
	f.last = in
	if f.reply != nil {
		return f.reply, nil
	}
	return &models.Reply{SessionID: in.SessionID, Text: "Got: " + in.Text}, nil
}

type fakeASR struct{ text string }

func (f *fakeASR) Transcribe(context.Context, string) (string, error) {
	if f.text == "" {
		return "", errors.New("asr down")
	}
	return f.text, nil
}

func TestRenderTextNumbersCardsAndButtons(t *testing.T) {
	out := RenderText(&models.Reply{
		Text: "Here's what I found:",
		Cards: []models.Card{
			{ID: "1", Title: "Misal Pav", Subtitle: "Hotel Tushar", Price: 80},
			{ID: "2", Title: "Chicken Biryani"},
		},
		Buttons: []models.Button{
			{Label: "Yes", Value: "yes"},
			{Label: "No", Value: "no"},
		},
	})

	assert.Contains(t, out, "1. Misal Pav - Hotel Tushar (₹80)")
	assert.Contains(t, out, "2. Chicken Biryani")
	assert.Contains(t, out, "Reply with: Yes / No")
}

func TestRenderTextEmpty(t *testing.T) {
	assert.Equal(t, "", RenderText(nil))
	assert.Equal(t, "just text", RenderText(&models.Reply{Text: "just text"}))
}

func TestWhatsAppVerificationHandshake(t *testing.T) {
	g := New(&fakeHandler{}, nil, nil, "secret", nil)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWhatsAppWebhookNormalizesText(t *testing.T) {
	h := &fakeHandler{}
	g := New(h, nil, nil, "secret", nil)

	payload := `{"entry":[{"changes":[{"value":{"messages":[
		{"from":"919923383838","type":"text","text":{"body":"send a parcel"}}
	]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.last)
	assert.Equal(t, "wa-919923383838", h.last.SessionID)
	assert.Equal(t, "919923383838", h.last.Identifier)
	assert.Equal(t, "whatsapp", h.last.Channel)
	assert.Equal(t, "send a parcel", h.last.Text)
	assert.Contains(t, rec.Body.String(), "Got: send a parcel")
}

func TestWhatsAppAudioGoesThroughASR(t *testing.T) {
	h := &fakeHandler{}
	g := New(h, nil, &fakeASR{text: "two plates of biryani"}, "secret", nil)

	payload := `{"entry":[{"changes":[{"value":{"messages":[
		{"from":"919923383838","type":"audio","audio":{"id":"m1","link":"https://cdn/audio.ogg"}}
	]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.last)
	assert.Equal(t, "two plates of biryani", h.last.Text)
}

func TestWhatsAppAudioDroppedWithoutASR(t *testing.T) {
	h := &fakeHandler{}
	g := New(h, nil, nil, "secret", nil)

	payload := `{"entry":[{"changes":[{"value":{"messages":[
		{"from":"919923383838","type":"audio","audio":{"id":"m1","link":"https://cdn/audio.ogg"}}
	]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, h.last)
}

func TestTelegramWebhookInlineReply(t *testing.T) {
	h := &fakeHandler{}
	g := New(h, nil, nil, "secret", nil)

	payload := `{"message":{"chat":{"id":42},"from":{"id":42},"text":"track my order"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.last)
	assert.Equal(t, "tg-42", h.last.SessionID)
	assert.Equal(t, "telegram", h.last.Channel)
	assert.Contains(t, rec.Body.String(), `"method":"sendMessage"`)
	assert.Contains(t, rec.Body.String(), "Got: track my order")
}

func TestHealthzReportsDependencies(t *testing.T) {
	g := New(&fakeHandler{}, nil, nil, "secret", map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestHealthzHealthy(t *testing.T) {
	g := New(&fakeHandler{}, nil, nil, "secret", map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}
