package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convogrid/convogrid/pkg/executor"
	"github.com/convogrid/convogrid/pkg/flow"
	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/rpc"
)

// --- service stubs ---

type stubNLU struct{ result *rpc.IntentResult }

func (s *stubNLU) Classify(context.Context, string) (*rpc.IntentResult, error) {
	return s.result, nil
}

type stubLLM struct {
	content string
	err     error
	calls   int
}

func (s *stubLLM) Chat(context.Context, rpc.ChatRequest) (*rpc.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &rpc.ChatResponse{Content: s.content}, nil
}

type stubSearch struct{ results *rpc.SearchResults }

func (s *stubSearch) Query(context.Context, rpc.SearchQuery) (*rpc.SearchResults, error) {
	return s.results, nil
}

type stubRouting struct{ result *rpc.RouteResult }

func (s *stubRouting) Route(context.Context, rpc.LatLng, rpc.LatLng) (*rpc.RouteResult, error) {
	return s.result, nil
}

type stubZone struct{ result *rpc.ZoneResult }

func (s *stubZone) ZoneFor(context.Context, rpc.LatLng, string) (*rpc.ZoneResult, error) {
	return s.result, nil
}

type stubPricing struct{ quote *rpc.Quote }

func (s *stubPricing) Quote(context.Context, rpc.QuoteRequest) (*rpc.Quote, error) {
	return s.quote, nil
}

type stubOrder struct {
	result *rpc.OrderResult
	calls  int
}

func (s *stubOrder) Place(context.Context, map[string]any, string) (*rpc.OrderResult, error) {
	s.calls++
	return s.result, nil
}

type stubPlaces struct{ places []rpc.Place }

func (s *stubPlaces) FindPlaces(context.Context, string, string) ([]rpc.Place, error) {
	return s.places, nil
}

type stubBackend struct{ data map[string]any }

func (s *stubBackend) Call(context.Context, string, map[string]any, string) (map[string]any, error) {
	return s.data, nil
}

type mocks struct {
	nlu     *stubNLU
	llm     *stubLLM
	search  *stubSearch
	routing *stubRouting
	zone    *stubZone
	pricing *stubPricing
	order   *stubOrder
	places  *stubPlaces
	backend *stubBackend
}

func newMocks() *mocks {
	return &mocks{
		nlu:     &stubNLU{result: &rpc.IntentResult{Intent: "unknown", Confidence: 0.1}},
		llm:     &stubLLM{content: "ok"},
		search:  &stubSearch{results: &rpc.SearchResults{Total: 0}},
		routing: &stubRouting{result: &rpc.RouteResult{Km: 3.2, DurationMin: 10}},
		zone:    &stubZone{result: &rpc.ZoneResult{ZoneID: "Z1", ZoneName: "Nashik", Serviceable: true}},
		pricing: &stubPricing{quote: &rpc.Quote{Subtotal: 50, Delivery: 10, Total: 60}},
		order:   &stubOrder{result: &rpc.OrderResult{OrderID: "P-1001", Status: "confirmed"}},
		places:  &stubPlaces{},
		backend: &stubBackend{data: map[string]any{"status": "on_the_way"}},
	}
}

func newTestEngine(t *testing.T, m *mocks, extra ...*models.FlowDefinition) (*Engine, *MemoryRunStore) {
	t.Helper()

	reg := executor.NewRegistry()
	flows, err := flow.NewRegistry(func() ([]*models.FlowDefinition, error) {
		defs, err := flow.Load(t.TempDir(), nil)
		if err != nil {
			return nil, err
		}
		return append(defs, extra...), nil
	}, time.Minute)
	require.NoError(t, err)

	for _, e := range []executor.Executor{
		executor.NewResponseExecutor(),
		executor.NewLLMExecutor(m.llm),
		executor.NewNLUExecutor(m.nlu, m.llm, 0.65, flows.Triggers),
		executor.NewSearchExecutor(m.search),
		executor.NewAddressExecutor(),
		executor.NewDistanceExecutor(m.routing),
		executor.NewZoneExecutor(m.zone),
		executor.NewPricingExecutor(m.pricing),
		executor.NewOrderExecutor(m.order),
		executor.NewExternalSearchExecutor(m.places),
		executor.NewSelectionExecutor(),
		executor.NewPHPAPIExecutor(m.backend),
	} {
		require.NoError(t, reg.Register(e))
	}
	reg.Close()

	store := NewMemoryRunStore()
	eng := New(flows, reg, store, nil, Config{TurnBudget: 5 * time.Second})
	return eng, store
}

func resume(t *testing.T, eng *Engine, sessionID, text string) *TurnResult {
	t.Helper()
	res, err := eng.ResumeFlow(context.Background(), sessionID, text, nil)
	require.NoError(t, err)
	return res
}

// Parcel happy path: prompts, coordinates, zone, distance, quote, booking.
func TestParcelHappyPath(t *testing.T) {
	m := newMocks()
	eng, _ := newTestEngine(t, m)
	ctx := context.Background()

	start, err := eng.StartFlow(ctx, "parcel_delivery_v1", "s-parcel", map[string]any{
		"_last_user_message": "send a parcel",
	})
	require.NoError(t, err)
	assert.Contains(t, start.Reply.Text, "pick the parcel up")
	assert.Equal(t, models.RunWaiting, start.Run.Status)

	res := resume(t, eng, "s-parcel", "pickup at 19.98,73.78")
	assert.Contains(t, res.Reply.Text, "where is it going")

	res = resume(t, eng, "s-parcel", "drop at 19.96,73.76")
	assert.Contains(t, res.Reply.Text, "₹60")
	assert.Contains(t, res.Reply.Text, "3.2 km")
	assert.Equal(t, models.RunWaiting, res.Run.Status)

	res = resume(t, eng, "s-parcel", "yes")
	assert.Contains(t, res.Reply.Text, "P-1001")
	assert.Equal(t, models.RunCompleted, res.Run.Status)
	assert.Equal(t, 1, m.order.calls, "exactly one order placement")
}

// Out-of-zone pickup completes politely without placing an order.
func TestParcelOutOfZoneBranch(t *testing.T) {
	m := newMocks()
	m.zone.result = &rpc.ZoneResult{Serviceable: false}
	eng, _ := newTestEngine(t, m)
	ctx := context.Background()

	_, err := eng.StartFlow(ctx, "parcel_delivery_v1", "s-ooz", map[string]any{})
	require.NoError(t, err)
	resume(t, eng, "s-ooz", "19.98,73.78")
	res := resume(t, eng, "s-ooz", "1.0,1.0")

	assert.Contains(t, res.Reply.Text, "outside our service area")
	assert.Equal(t, models.RunCompleted, res.Run.Status)
	assert.Equal(t, 0, m.order.calls)
}

// Empty internal search falls back to the places lookup and pauses on the
// numbered options.
func TestFoodExternalFallback(t *testing.T) {
	m := newMocks()
	m.search.results = &rpc.SearchResults{Items: nil, Total: 0}
	m.places.places = []rpc.Place{{Name: "Hotel Tushar Misal", Address: "Nashik", Lat: 19.99, Lng: 73.79, MapsLink: "https://maps.example/x"}}
	eng, _ := newTestEngine(t, m)
	ctx := context.Background()

	_, err := eng.StartFlow(ctx, "food_order_v1", "s-food", map[string]any{})
	require.NoError(t, err)

	res := resume(t, eng, "s-food", "I want tushar missal from nashik")
	require.Len(t, res.Reply.Cards, 1)
	assert.Contains(t, res.Reply.Cards[0].Title, "1. Hotel Tushar Misal")
	assert.Contains(t, res.Reply.Text, "Which one")
	assert.Equal(t, models.RunWaiting, res.Run.Status)
	assert.Equal(t, 0, m.order.calls)

	res = resume(t, eng, "s-food", "the first one")
	assert.Contains(t, res.Reply.Text, "Hotel Tushar Misal")
	assert.Equal(t, models.RunCompleted, res.Run.Status)
}

// Retry policy: two retries on a transient llm failure, then the fallback
// state takes over.
func TestRetryExhaustionFallsBack(t *testing.T) {
	def := &models.FlowDefinition{
		ID: "flaky_v1", Version: 1, Name: "Flaky", Module: models.ModuleGeneral,
		Trigger: "flaky", InitialState: "think",
		FinalStates: []string{"done", "sorry"},
		States: map[string]*models.State{
			"think": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "llm",
					Config:   map[string]any{"system_prompt": "Answer."},
				}},
				Transitions: map[string]string{models.EventWaitingForInput: "done"},
				OnError: &models.OnError{
					Retry:         &models.RetryPolicy{Attempts: 2, BackoffMs: 10},
					FallbackState: "sorry",
				},
			},
			"done": {Type: models.StateEnd},
			"sorry": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Something went wrong, please try again."},
				}},
			},
		},
	}

	m := newMocks()
	m.llm.err = rpc.NewError(rpc.KindTransient, "upstream timeout")
	eng, _ := newTestEngine(t, m, def)

	res, err := eng.StartFlow(context.Background(), "flaky_v1", "s-flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, m.llm.calls, "initial attempt plus two retries")
	assert.Contains(t, res.Reply.Text, "went wrong")
	assert.Equal(t, models.RunCompleted, res.Run.Status)
}

// Without a fallback state the run fails and the error surfaces.
func TestRetryExhaustionFailsRun(t *testing.T) {
	def := &models.FlowDefinition{
		ID: "doomed_v1", Version: 1, Name: "Doomed", Module: models.ModuleGeneral,
		InitialState: "think",
		FinalStates:  []string{"done"},
		States: map[string]*models.State{
			"think": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "llm",
					Config:   map[string]any{"system_prompt": "Answer."},
				}},
				Transitions: map[string]string{models.EventWaitingForInput: "done"},
				OnError:     &models.OnError{Retry: &models.RetryPolicy{Attempts: 1, BackoffMs: 10}},
			},
			"done": {Type: models.StateEnd},
		},
	}

	m := newMocks()
	m.llm.err = rpc.NewError(rpc.KindTransient, "upstream timeout")
	eng, store := newTestEngine(t, m, def)

	res, err := eng.StartFlow(context.Background(), "doomed_v1", "s-doom", nil)
	require.Error(t, err)
	assert.Equal(t, 2, m.llm.calls)

	stored, gerr := store.GetRun(context.Background(), res.Run.RunID)
	require.NoError(t, gerr)
	assert.Equal(t, models.RunFailed, stored.Status)
}

// The engine seeds system.* before every state: templates can address the
// session, phone, turn trace, and clock of the current turn.
func TestSystemContextKeysResolve(t *testing.T) {
	def := &models.FlowDefinition{
		ID: "echo_v1", Version: 1, Name: "Echo", Module: models.ModuleGeneral,
		InitialState: "say",
		FinalStates:  []string{"say"},
		States: map[string]*models.State{
			"say": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config: map[string]any{
						"message": "sid=[{{system.sessionId}}] phone=[{{system.phone}}] trace=[{{system.traceId}}] now=[{{system.now}}]",
					},
				}},
			},
		},
	}

	m := newMocks()
	eng, _ := newTestEngine(t, m, def)

	res, err := eng.StartFlow(context.Background(), "echo_v1", "s-sys", map[string]any{
		"session": map[string]any{"phone": "9923383838"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Reply.Text, "sid=[s-sys]")
	assert.Contains(t, res.Reply.Text, "phone=[9923383838]")
	assert.NotContains(t, res.Reply.Text, "trace=[]", "traceId must be populated")
	assert.NotContains(t, res.Reply.Text, "now=[]", "now must be populated")
	assert.Equal(t, models.RunCompleted, res.Run.Status)
}

// executor.<name>.retries supplies the default attempt count for states that
// declare no on_error policy.
func TestConfiguredExecutorRetries(t *testing.T) {
	def := &models.FlowDefinition{
		ID: "retrycfg_v1", Version: 1, Name: "RetryCfg", Module: models.ModuleGeneral,
		InitialState: "think",
		FinalStates:  []string{"done"},
		States: map[string]*models.State{
			"think": {
				Type: models.StateAction,
				Actions: []models.Action{{
					Executor: "llm",
					Config:   map[string]any{"system_prompt": "Answer."},
				}},
				Transitions: map[string]string{models.EventWaitingForInput: "done"},
			},
			"done": {Type: models.StateEnd},
		},
	}

	m := newMocks()
	m.llm.err = rpc.NewError(rpc.KindTransient, "upstream timeout")
	eng, _ := newTestEngine(t, m, def)
	eng.cfg.ExecutorRetries = map[string]int{"llm": 2}

	_, err := eng.StartFlow(context.Background(), "retrycfg_v1", "s-retrycfg", nil)
	require.Error(t, err)
	assert.Equal(t, 3, m.llm.calls, "initial attempt plus two configured retries")
}

// A decision cycle trips the auto-advance cap instead of spinning forever.
func TestAutoAdvanceLoopDetection(t *testing.T) {
	def := &models.FlowDefinition{
		ID: "cycle_v1", Version: 1, Name: "Cycle", Module: models.ModuleGeneral,
		InitialState: "a",
		FinalStates:  []string{"done"},
		States: map[string]*models.State{
			"a": {
				Type:        models.StateDecision,
				Conditions:  []models.Condition{{Expression: "1 == 1", Event: "go"}},
				Transitions: map[string]string{"go": "b"},
			},
			"b": {
				Type:        models.StateDecision,
				Conditions:  []models.Condition{{Expression: "1 == 1", Event: "go"}},
				Transitions: map[string]string{"go": "a"},
			},
			"done": {Type: models.StateEnd},
		},
	}

	m := newMocks()
	eng, store := newTestEngine(t, m, def)

	res, err := eng.StartFlow(context.Background(), "cycle_v1", "s-cycle", nil)
	require.Error(t, err)
	assert.Equal(t, rpc.KindInternal, rpc.KindOf(err))
	assert.Contains(t, err.Error(), "loop")

	stored, gerr := store.GetRun(context.Background(), res.Run.RunID)
	require.NoError(t, gerr)
	assert.Equal(t, models.RunFailed, stored.Status)
}

// Starting a second flow cancels the first run: a session never holds two
// active runs.
func TestAtMostOneActiveRun(t *testing.T) {
	m := newMocks()
	eng, store := newTestEngine(t, m)
	ctx := context.Background()

	first, err := eng.StartFlow(ctx, "parcel_delivery_v1", "s-one", nil)
	require.NoError(t, err)
	second, err := eng.StartFlow(ctx, "food_order_v1", "s-one", nil)
	require.NoError(t, err)

	active, err := store.ActiveRun(ctx, "s-one")
	require.NoError(t, err)
	assert.Equal(t, second.Run.RunID, active.RunID)

	prev, err := store.GetRun(ctx, first.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, prev.Status)
}

func TestResumeWithoutActiveRun(t *testing.T) {
	eng, _ := newTestEngine(t, newMocks())
	_, err := eng.ResumeFlow(context.Background(), "s-empty", "hello", nil)
	assert.ErrorIs(t, err, ErrNoActiveRun)
}

func TestCancelActive(t *testing.T) {
	m := newMocks()
	eng, _ := newTestEngine(t, m)
	ctx := context.Background()

	_, err := eng.StartFlow(ctx, "parcel_delivery_v1", "s-cancel", nil)
	require.NoError(t, err)

	run, err := eng.CancelActive(ctx, "s-cancel")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunCancelled, run.Status)

	active, err := eng.GetActiveFlow(ctx, "s-cancel")
	require.NoError(t, err)
	assert.Nil(t, active)
}

// The auth flow drives OTP send and verify through the business backend.
func TestAuthFlowOTPRoundTrip(t *testing.T) {
	m := newMocks()
	m.backend.data = map[string]any{"phone": "9923383838", "user_id": float64(7), "token": "T"}
	eng, _ := newTestEngine(t, m)
	ctx := context.Background()

	start, err := eng.StartFlow(ctx, "auth_v1", "s-auth", nil)
	require.NoError(t, err)
	assert.Contains(t, start.Reply.Text, "phone number")

	res := resume(t, eng, "s-auth", "9923383838")
	assert.Contains(t, res.Reply.Text, "6-digit code")
	assert.Equal(t, models.RunWaiting, res.Run.Status)

	res = resume(t, eng, "s-auth", "123456")
	assert.Contains(t, res.Reply.Text, "signed in")
	assert.Equal(t, models.RunCompleted, res.Run.Status)
}

// Step records accumulate per transition and carry executor timings.
func TestStepRecordsAppended(t *testing.T) {
	m := newMocks()
	eng, store := newTestEngine(t, m)
	ctx := context.Background()

	start, err := eng.StartFlow(ctx, "track_order_v1", "s-track", map[string]any{
		"_last_user_message": "track order 12345",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, start.Run.Status)
	assert.Contains(t, start.Reply.Text, "on_the_way")

	steps, err := store.Steps(ctx, start.Run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, 0, steps[0].StepIndex)
	require.NotEmpty(t, steps[0].ActionsExecuted)
	assert.Equal(t, "php_api", steps[0].ActionsExecuted[0].Executor)
	assert.True(t, steps[0].ActionsExecuted[0].OK)
}
