package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/rpc"
)

// --- fakes ---

type fakeNLU struct {
	result *rpc.IntentResult
	err    error
	calls  int
}

func (f *fakeNLU) Classify(context.Context, string) (*rpc.IntentResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeLLM struct {
	content string
	err     error
	lastReq rpc.ChatRequest
	calls   int
}

func (f *fakeLLM) Chat(_ context.Context, req rpc.ChatRequest) (*rpc.ChatResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &rpc.ChatResponse{Content: f.content, Provider: "fake"}, nil
}

type fakeSearch struct {
	results *rpc.SearchResults
	err     error
}

func (f *fakeSearch) Query(context.Context, rpc.SearchQuery) (*rpc.SearchResults, error) {
	return f.results, f.err
}

type fakeRouting struct {
	result *rpc.RouteResult
	calls  int
}

func (f *fakeRouting) Route(context.Context, rpc.LatLng, rpc.LatLng) (*rpc.RouteResult, error) {
	f.calls++
	return f.result, nil
}

type fakeZone struct {
	result *rpc.ZoneResult
}

func (f *fakeZone) ZoneFor(context.Context, rpc.LatLng, string) (*rpc.ZoneResult, error) {
	return f.result, nil
}

type fakeOrder struct {
	result *rpc.OrderResult
	err    error
	calls  int
	keys   []string
}

func (f *fakeOrder) Place(_ context.Context, _ map[string]any, key string) (*rpc.OrderResult, error) {
	f.calls++
	f.keys = append(f.keys, key)
	return f.result, f.err
}

type fakePlaces struct {
	places []rpc.Place
}

func (f *fakePlaces) FindPlaces(context.Context, string, string) ([]rpc.Place, error) {
	return f.places, nil
}

type fakeBackend struct {
	data map[string]any
	err  error
}

func (f *fakeBackend) Call(context.Context, string, map[string]any, string) (map[string]any, error) {
	return f.data, f.err
}

func turnCtx(data map[string]any) *TurnContext {
	if data == nil {
		data = map[string]any{}
	}
	return &TurnContext{SessionID: "s-1", RunID: "r-1", State: "st", Data: data}
}

// --- registry ---

func TestRegistryDuplicateAndClose(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewResponseExecutor()))
	assert.Error(t, r.Register(NewResponseExecutor()), "duplicate name must fail")

	r.Close()
	assert.Error(t, r.Register(NewSelectionExecutor()), "post-close registration must fail")

	e, ok := r.Get("response")
	require.True(t, ok)
	assert.Equal(t, "response", e.Name())
	assert.Equal(t, []string{"response"}, r.Names())
}

// --- response ---

func TestResponseExecutor(t *testing.T) {
	e := NewResponseExecutor()
	res, err := e.Execute(context.Background(), map[string]any{
		"message": "Hello!",
		"buttons": []any{
			map[string]any{"id": "b1", "label": "Yes"},
		},
	}, turnCtx(nil))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.Response)
	require.Len(t, res.Buttons, 1)
	assert.Equal(t, models.ButtonQuickReply, res.Buttons[0].Type)
	assert.Equal(t, "Yes", res.Buttons[0].Value)

	_, err = e.Execute(context.Background(), map[string]any{}, turnCtx(nil))
	assert.Error(t, err)
}

// --- selection ---

func TestSelectionExecutor(t *testing.T) {
	e := NewSelectionExecutor()
	options := []any{
		map[string]any{"name": "Margherita Pizza"},
		map[string]any{"name": "Misal Pav"},
		map[string]any{"name": "Paneer Roll"},
	}
	cfg := func(text string) map[string]any {
		return map[string]any{"options": options, "user_text": text}
	}

	cases := map[string]int{
		"2":              1,
		"first":          0,
		"the last one":   2,
		"the pizza one":  0,
		"misal please":   1,
		"3.":             2,
	}
	for text, want := range cases {
		res, err := e.Execute(context.Background(), cfg(text), turnCtx(nil))
		require.NoError(t, err, "text: %s", text)
		require.Contains(t, res.Events, EventSelected, "text: %s", text)
		assert.Equal(t, want, res.Output.(map[string]any)["index"], "text: %s", text)
	}

	res, err := e.Execute(context.Background(), cfg("7"), turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventInvalid)
	assert.True(t, res.Pause)

	res, err = e.Execute(context.Background(), cfg("pav"), turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventSelected)
	assert.Equal(t, 1, res.Output.(map[string]any)["index"])
}

func TestSelectionAmbiguous(t *testing.T) {
	e := NewSelectionExecutor()
	res, err := e.Execute(context.Background(), map[string]any{
		"options":   []any{"Chicken Biryani", "Chicken 65"},
		"user_text": "chicken",
	}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventAmbiguous)
}

// --- address ---

func TestAddressExecutorCoordinates(t *testing.T) {
	e := NewAddressExecutor()
	res, err := e.Execute(context.Background(), map[string]any{"field": "pickup"},
		turnCtx(map[string]any{"_last_user_message": "pickup at 19.98,73.78"}))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventAddressValid)
	out := res.Output.(map[string]any)
	assert.Equal(t, 19.98, out["lat"])
	assert.Equal(t, 73.78, out["lng"])
}

func TestAddressExecutorSharedLocation(t *testing.T) {
	e := NewAddressExecutor()
	res, err := e.Execute(context.Background(), map[string]any{},
		turnCtx(map[string]any{"_shared_location": map[string]any{"lat": 19.1, "lng": 73.2}}))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventAddressValid)
}

func TestAddressExecutorSavedLocation(t *testing.T) {
	e := NewAddressExecutor()
	res, err := e.Execute(context.Background(), map[string]any{"allow_saved": true},
		turnCtx(map[string]any{
			"session": map[string]any{
				"location": map[string]any{"lat": 19.5, "lng": 73.5, "label": "Home"},
			},
		}))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventAddressValid)
	assert.Equal(t, "Home", res.Output.(map[string]any)["label"])
}

func TestAddressExecutorPromptsAndPauses(t *testing.T) {
	e := NewAddressExecutor()
	res, err := e.Execute(context.Background(), map[string]any{"allow_share": true}, turnCtx(nil))
	require.NoError(t, err)
	assert.True(t, res.Pause)
	assert.Contains(t, res.Events, models.EventWaitingForInput)
	assert.NotEmpty(t, res.Response)
	assert.Len(t, res.Buttons, 1)
}

func TestAddressExecutorInvalidUserReply(t *testing.T) {
	e := NewAddressExecutor()
	res, err := e.Execute(context.Background(), map[string]any{},
		turnCtx(map[string]any{
			"_last_user_message": "just somewhere nice",
			"_last_event":        models.EventUserMessage,
		}))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventInvalid)
	assert.True(t, res.Pause)
}

// --- search ---

func TestSearchExecutorEvents(t *testing.T) {
	found := NewSearchExecutor(&fakeSearch{results: &rpc.SearchResults{
		Items: []map[string]any{{"id": "i1", "name": "Misal", "store_id": "st1"}},
		Total: 1,
	}})
	res, err := found.Execute(context.Background(), map[string]any{"query": "misal", "module": "food"}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventFound)

	empty := NewSearchExecutor(&fakeSearch{results: &rpc.SearchResults{Total: 0}})
	res, err = empty.Execute(context.Background(), map[string]any{"query": "misal"}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventNoResults)
}

// --- zone ---

func TestZoneExecutorBranches(t *testing.T) {
	in := NewZoneExecutor(&fakeZone{result: &rpc.ZoneResult{ZoneID: "Z1", Serviceable: true}})
	res, err := in.Execute(context.Background(), map[string]any{"lat": 19.9, "lng": 73.7}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventInZone)

	out := NewZoneExecutor(&fakeZone{result: &rpc.ZoneResult{Serviceable: false}})
	res, err = out.Execute(context.Background(), map[string]any{"lat": 1.0, "lng": 1.0}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventOutOfZone, "out of zone is a branch, not an error")
}

// --- distance ---

func TestDistanceExecutorCachesByRoundedPair(t *testing.T) {
	routing := &fakeRouting{result: &rpc.RouteResult{Km: 3.2, DurationMin: 10}}
	e := NewDistanceExecutor(routing)
	cfg := map[string]any{
		"from": map[string]any{"lat": 19.98, "lng": 73.78},
		"to":   map[string]any{"lat": 19.96, "lng": 73.76},
	}

	res, err := e.Execute(context.Background(), cfg, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventCalculated)
	assert.Equal(t, 3.2, res.Output.(map[string]any)["km"])

	_, err = e.Execute(context.Background(), cfg, turnCtx(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, routing.calls, "second identical lookup must hit the cache")
}

// --- order idempotency ---

func TestOrderExecutorIdempotent(t *testing.T) {
	backend := &fakeOrder{result: &rpc.OrderResult{OrderID: "P-1001", Status: "confirmed"}}
	e := NewOrderExecutor(backend)
	cfg := map[string]any{"type": "parcel", "payment": "COD"}
	tc := turnCtx(nil)

	res1, err := e.Execute(context.Background(), cfg, tc)
	require.NoError(t, err)
	res2, err := e.Execute(context.Background(), cfg, tc)
	require.NoError(t, err)

	assert.Equal(t, res1.Output.(map[string]any)["order_id"], res2.Output.(map[string]any)["order_id"])
	assert.Equal(t, 1, backend.calls, "retry with the same key must not re-place")

	// Distinct state → distinct key.
	other := &TurnContext{SessionID: "s-1", RunID: "r-1", State: "other", Data: map[string]any{}}
	_, err = e.Execute(context.Background(), cfg, other)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
	assert.NotEqual(t, backend.keys[0], backend.keys[1])
}

func TestOrderExecutorUpstreamRejectionIsFailedBranch(t *testing.T) {
	backend := &fakeOrder{err: rpc.NewError(rpc.KindUpstream, "store closed")}
	e := NewOrderExecutor(backend)
	res, err := e.Execute(context.Background(), map[string]any{"type": "food"}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventFailed)
}

// --- nlu ---

func TestNLUExecutorHighConfidence(t *testing.T) {
	nlu := &fakeNLU{result: &rpc.IntentResult{Intent: "order_food", Confidence: 0.9}}
	llm := &fakeLLM{}
	e := NewNLUExecutor(nlu, llm, 0.65, func() []string { return []string{"order_food", "send_parcel"} })

	res, err := e.Execute(context.Background(), map[string]any{"text": "order pizza"}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventHighConf)
	assert.Equal(t, 0, llm.calls, "high confidence must not hit the LLM")
}

func TestNLUExecutorFallsBackToLLM(t *testing.T) {
	nlu := &fakeNLU{result: &rpc.IntentResult{Intent: "unknown", Confidence: 0.2}}
	llm := &fakeLLM{content: `{"intent":"send_parcel","confidence":0.8}`}
	e := NewNLUExecutor(nlu, llm, 0.65, func() []string { return []string{"order_food", "send_parcel"} })

	out, err := e.Classify(context.Background(), "i want to ship a box")
	require.NoError(t, err)
	assert.Equal(t, "send_parcel", out.Intent)
	assert.Equal(t, 1, llm.calls)
	assert.NotNil(t, llm.lastReq.JSONSchema, "fallback must constrain intents via schema")
}

// --- llm ---

func TestLLMExecutorInjectsLanguageInstruction(t *testing.T) {
	llm := &fakeLLM{content: "Namaste!"}
	e := NewLLMExecutor(llm)

	res, err := e.Execute(context.Background(), map[string]any{"system_prompt": "Be helpful."},
		turnCtx(map[string]any{"_last_user_message": "namaste"}))
	require.NoError(t, err)
	assert.Equal(t, "Namaste!", res.Response)
	assert.Contains(t, llm.lastReq.SystemPrompt, languageMatchInstruction)
	assert.Equal(t, defaultLLMMaxTokens, llm.lastReq.MaxTokens)
}

func TestLLMExecutorStructuredOutput(t *testing.T) {
	llm := &fakeLLM{content: "```json\n{\"city\":\"Nashik\"}\n```"}
	e := NewLLMExecutor(llm)

	res, err := e.Execute(context.Background(), map[string]any{
		"system_prompt": "Extract the city.",
		"json_schema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
		},
	}, turnCtx(nil))
	require.NoError(t, err)
	parsed := res.Output.(map[string]any)
	assert.Equal(t, "Nashik", parsed["city"])
	assert.Empty(t, res.Response, "structured output is data, not a user message")
}

// --- external_search ---

func TestExternalSearchExecutor(t *testing.T) {
	e := NewExternalSearchExecutor(&fakePlaces{places: []rpc.Place{
		{Name: "Hotel Tushar Misal", Address: "Nashik", Lat: 19.99, Lng: 73.79},
	}})
	res, err := e.Execute(context.Background(), map[string]any{"query": "tushar missal", "city": "nashik"}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventFound)
	require.Len(t, res.Cards, 1)
	assert.Contains(t, res.Cards[0].Title, "1. Hotel Tushar Misal")

	empty := NewExternalSearchExecutor(&fakePlaces{})
	res, err = empty.Execute(context.Background(), map[string]any{"query": "x"}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventNotFound)
}

// --- php_api ---

func TestPHPAPIExecutor(t *testing.T) {
	ok := NewPHPAPIExecutor(&fakeBackend{data: map[string]any{"status": "on_the_way"}})
	res, err := ok.Execute(context.Background(), map[string]any{"action": "track_order"}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventSuccess)

	biz := NewPHPAPIExecutor(&fakeBackend{err: rpc.NewError(rpc.KindUpstream, "no such order")})
	res, err = biz.Execute(context.Background(), map[string]any{"action": "track_order"}, turnCtx(nil))
	require.NoError(t, err)
	assert.Contains(t, res.Events, EventFailed)

	down := NewPHPAPIExecutor(&fakeBackend{err: rpc.NewError(rpc.KindTransient, "timeout")})
	_, err = down.Execute(context.Background(), map[string]any{"action": "track_order"}, turnCtx(nil))
	assert.Error(t, err, "transient backend failures propagate for retry")
}
