// Package orchestrator routes inbound messages: dedup, per-session
// serialization, system commands, cross-channel auth preheat, active-run
// resume, intent classification, trigger matching with auth interception,
// keyword fallback, and the clarification prompt. Every inbound message
// produces at most one reply.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/convogrid/convogrid/pkg/auth"
	"github.com/convogrid/convogrid/pkg/engine"
	"github.com/convogrid/convogrid/pkg/executor"
	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/rpc"
	"github.com/convogrid/convogrid/pkg/session"
	"github.com/convogrid/convogrid/pkg/telemetry"
)

// DefaultTriggerThreshold is the minimum NLU confidence to start a flow from
// a classified intent.
const DefaultTriggerThreshold = 0.6

// authTrigger is the intent that starts the sign-in flow.
const authTrigger = "authenticate"

// conversationalIntents are classified but never start a flow.
var conversationalIntents = []string{"greeting", "farewell", "chitchat", "feedback", "help", "unknown"}

// keywordTriggers backs the fallback when classification confidence is too
// low. Keywords map to flow triggers; unregistered triggers are skipped.
var keywordTriggers = []struct{ keyword, trigger string }{
	{"parcel", "send_parcel"},
	{"courier", "send_parcel"},
	{"food", "order_food"},
	{"shop", "order_ecommerce"},
	{"track", "track_order"},
}

// resetCommands clear the conversation.
var resetCommands = map[string]bool{
	"/reset": true, "reset": true, "/clear": true, "clear": true, "start over": true,
}

// Config tunes the orchestrator.
type Config struct {
	TriggerThreshold float64
	DedupWindow      time.Duration
	LockWait         time.Duration
}

// Orchestrator is the single entry point for inbound turns.
type Orchestrator struct {
	sessions session.Store
	auth     auth.Service
	engine   *engine.Engine
	nlu      *executor.NLUExecutor
	llm      rpc.LLM
	metrics  *telemetry.Metrics
	dedup    *Dedup
	locks    *SessionLocks
	cfg      Config
}

// New wires an orchestrator.
func New(sessions session.Store, authSvc auth.Service, eng *engine.Engine, nlu *executor.NLUExecutor, llm rpc.LLM, metrics *telemetry.Metrics, cfg Config) *Orchestrator {
	if cfg.TriggerThreshold <= 0 {
		cfg.TriggerThreshold = DefaultTriggerThreshold
	}
	return &Orchestrator{
		sessions: sessions,
		auth:     authSvc,
		engine:   eng,
		nlu:      nlu,
		llm:      llm,
		metrics:  metrics,
		dedup:    NewDedup(cfg.DedupWindow),
		locks:    NewSessionLocks(cfg.LockWait),
		cfg:      cfg,
	}
}

// Intents returns the closed intent set: every flow trigger plus the fixed
// conversational intents. Handed to the NLU fallback as its schema enum.
func (o *Orchestrator) Intents() []string {
	return append(o.engine.Flows().Triggers(), conversationalIntents...)
}

// Dedup exposes the duplicate cache for the background janitor.
func (o *Orchestrator) Dedup() *Dedup { return o.dedup }

// Inbound is the normalized shape every channel converges on.
type Inbound struct {
	SessionID  string
	Identifier string
	Text       string
	Channel    string
	Location   *models.Location
	Meta       map[string]any
}

// HandleMessage processes one inbound turn. A nil reply with nil error means
// the message was dropped silently (duplicate or cancelled run).
func (o *Orchestrator) HandleMessage(ctx context.Context, in *Inbound) (*models.Reply, error) {
	if o.dedup.Duplicate(in.SessionID, in.Text) {
		o.metrics.DedupDrop(ctx)
		slog.Debug("Dropping duplicate message", "session_id", in.SessionID)
		return nil, nil
	}

	release, ok := o.locks.Acquire(ctx, in.SessionID)
	if !ok {
		return textReply(in.SessionID, "Still working on your previous message — one moment please."), nil
	}
	defer release()

	return o.handleLocked(ctx, in)
}

func (o *Orchestrator) handleLocked(ctx context.Context, in *Inbound) (*models.Reply, error) {
	sess, err := o.sessions.Get(ctx, in.SessionID)
	if err != nil {
		if sess, err = o.sessions.Create(ctx, in.SessionID, in.Identifier, in.Channel); err != nil {
			return nil, fmt.Errorf("creating session %s: %w", in.SessionID, err)
		}
	}

	if in.Location != nil {
		loc := *in.Location
		loc.UpdatedAt = time.Now()
		if sess, err = o.sessions.Mutate(ctx, sess.SessionID, func(d *models.SessionData) {
			d.Location = &loc
		}); err != nil {
			return nil, err
		}
	}

	if isReset(in.Text) {
		return o.resetSession(ctx, sess)
	}

	note := o.preheatAuth(ctx, &sess)

	// Active run wins over fresh classification.
	if run, err := o.engine.GetActiveFlow(ctx, sess.SessionID); err == nil && run != nil {
		extra := map[string]any{"session": sess.Snapshot()}
		if in.Location != nil {
			extra["_shared_location"] = map[string]any{"lat": in.Location.Lat, "lng": in.Location.Lng}
		}
		res, rerr := o.engine.ResumeFlow(ctx, sess.SessionID, in.Text, extra)
		reply := o.afterTurn(ctx, sess, res, rerr)
		return withNote(reply, note), nil
	}

	if in.Text == "" {
		return withNote(textReply(sess.SessionID, "I didn't receive any text — what would you like to do?"), note), nil
	}

	intent, confidence := o.classify(ctx, in.Text)
	slog.Info("Intent classified", "session_id", sess.SessionID, "intent", intent, "confidence", confidence)

	if def, err := o.engine.Flows().ByTrigger(intent); err == nil && confidence >= o.cfg.TriggerThreshold {
		reply := o.startByTrigger(ctx, sess, def.Trigger, in.Text)
		return withNote(reply, note), nil
	}

	for _, kt := range keywordTriggers {
		if !strings.Contains(strings.ToLower(in.Text), kt.keyword) {
			continue
		}
		if _, err := o.engine.Flows().ByTrigger(kt.trigger); err != nil {
			continue
		}
		slog.Info("Keyword fallback matched", "session_id", sess.SessionID, "keyword", kt.keyword, "trigger", kt.trigger)
		reply := o.startByTrigger(ctx, sess, kt.trigger, in.Text)
		return withNote(reply, note), nil
	}

	return withNote(o.clarify(ctx, sess, in.Text, intent), note), nil
}

// classify runs the two-stage NLU outside the engine.
func (o *Orchestrator) classify(ctx context.Context, text string) (string, float64) {
	result, err := o.nlu.Classify(ctx, text)
	if err != nil {
		slog.Warn("Intent classification failed", "error", err)
		return "unknown", 0
	}
	return result.Intent, result.Confidence
}

// startByTrigger starts the flow claiming the intent. Protected flows for
// unauthenticated sessions stash the intent and start sign-in instead.
func (o *Orchestrator) startByTrigger(ctx context.Context, sess *models.Session, trigger, text string) *models.Reply {
	def, err := o.engine.Flows().ByTrigger(trigger)
	if err != nil {
		return o.clarify(ctx, sess, text, "unknown")
	}

	if def.RequiresAuth && !sess.Data.Authenticated {
		updated, merr := o.sessions.Mutate(ctx, sess.SessionID, func(d *models.SessionData) {
			d.PendingIntent = trigger
		})
		if merr != nil {
			slog.Error("Failed to stash pending intent", "session_id", sess.SessionID, "error", merr)
		} else {
			sess = updated
		}
		slog.Info("Intercepting protected flow for sign-in",
			"session_id", sess.SessionID, "pending_intent", trigger)
		authDef, aerr := o.engine.Flows().ByTrigger(authTrigger)
		if aerr != nil {
			return textReply(sess.SessionID, "You need to sign in first, but sign-in is unavailable right now.")
		}
		def = authDef
	}

	res, err := o.engine.StartFlow(ctx, def.ID, sess.SessionID, o.initialContext(sess, text))
	if err == nil && def.Module != models.ModuleGeneral {
		if updated, merr := o.sessions.Mutate(ctx, sess.SessionID, func(d *models.SessionData) {
			d.ModuleName = string(def.Module)
		}); merr == nil {
			sess = updated
		}
	}
	return o.afterTurn(ctx, sess, res, err)
}

func (o *Orchestrator) initialContext(sess *models.Session, text string) map[string]any {
	return map[string]any{
		"_last_user_message": text,
		"session":            sess.Snapshot(),
	}
}

// afterTurn reconciles the session with the turn's outcome: active-run
// pointer upkeep, auth-flow adoption, pending-intent handoff, and the
// user-facing shape of errors.
func (o *Orchestrator) afterTurn(ctx context.Context, sess *models.Session, res *engine.TurnResult, err error) *models.Reply {
	if err != nil {
		if rpc.KindOf(err) == rpc.KindCancelled {
			return nil
		}
		if _, merr := o.sessions.Mutate(ctx, sess.SessionID, func(d *models.SessionData) {
			d.ActiveRunID = ""
		}); merr != nil {
			slog.Error("Failed to clear active run pointer", "session_id", sess.SessionID, "error", merr)
		}
		slog.Error("Turn failed", "session_id", sess.SessionID, "kind", string(rpc.KindOf(err)), "error", err)
		return textReply(sess.SessionID, "Sorry, something went wrong on my side. Mind trying that again?")
	}

	run := res.Run
	pointer := ""
	if run.Status.Active() {
		pointer = run.RunID
	}
	updated, merr := o.sessions.Mutate(ctx, sess.SessionID, func(d *models.SessionData) {
		d.ActiveRunID = pointer
	})
	if merr != nil {
		slog.Error("Failed to update active run pointer", "session_id", sess.SessionID, "error", merr)
	} else {
		sess = updated
	}

	reply := res.Reply
	if reply == nil {
		reply = &models.Reply{SessionID: sess.SessionID}
	}

	if run.Status == models.RunCompleted && run.FlowID == "auth_v1" {
		if followUp := o.completeAuth(ctx, sess, run); followUp != nil {
			reply.Append(followUp.Text, followUp.Cards, followUp.Buttons)
		}
	}
	return reply
}

// completeAuth adopts the verify result of a finished sign-in flow into the
// session and central auth record, then resumes the stashed intent.
func (o *Orchestrator) completeAuth(ctx context.Context, sess *models.Session, run *models.FlowRun) *models.Reply {
	data := dig(run.Context, "verify", "data")
	if data == nil {
		return nil
	}
	token, _ := data["token"].(string)
	if token == "" {
		return nil
	}
	phone := auth.NormalizePhone(fmt.Sprint(data["phone"]))
	userID := fmt.Sprint(data["user_id"])

	if err := o.auth.AuthenticateUser(ctx, &models.AuthUser{
		UserID: userID, Phone: phone, Token: token,
	}, sess.Platform); err != nil {
		slog.Error("Failed to store central auth record", "phone", phone, "error", err)
	}

	pending := ""
	updated, err := o.sessions.Mutate(ctx, sess.SessionID, func(d *models.SessionData) {
		d.Authenticated = true
		d.Phone = phone
		d.UserID = userID
		d.AuthToken = token
		pending = d.PendingIntent
		d.PendingIntent = ""
	})
	if err != nil {
		slog.Error("Failed to adopt auth result", "session_id", sess.SessionID, "error", err)
		return nil
	}
	sess = updated

	if pending == "" {
		return nil
	}
	slog.Info("Resuming pending intent after sign-in", "session_id", sess.SessionID, "intent", pending)
	return o.startByTrigger(ctx, sess, pending, "")
}

// preheatAuth copies a fresher central auth record into the session before
// the turn runs, and produces the divergence note when the session's auth
// state changed behind the user's back.
func (o *Orchestrator) preheatAuth(ctx context.Context, sess **models.Session) string {
	s := *sess
	if s.Data.Phone == "" {
		return ""
	}

	record, err := o.auth.GetByPhone(ctx, s.Data.Phone)
	if err != nil {
		if !s.Data.Authenticated {
			return ""
		}
		// Central record gone: logged out elsewhere.
		if updated, merr := o.sessions.Mutate(ctx, s.SessionID, func(d *models.SessionData) {
			d.Authenticated = false
			d.AuthToken = ""
			d.UserID = ""
		}); merr == nil {
			*sess = updated
		}
		return "You've been signed out on another device."
	}

	if record.Token == s.Data.AuthToken && s.Data.Authenticated {
		return ""
	}
	wasAuthenticated := s.Data.Authenticated
	if updated, merr := o.sessions.Mutate(ctx, s.SessionID, func(d *models.SessionData) {
		d.Authenticated = true
		d.AuthToken = record.Token
		d.UserID = record.UserID
	}); merr == nil {
		*sess = updated
	}
	if !wasAuthenticated {
		return "You've been signed in from another device."
	}
	return ""
}

func (o *Orchestrator) resetSession(ctx context.Context, sess *models.Session) (*models.Reply, error) {
	if _, err := o.engine.CancelActive(ctx, sess.SessionID); err != nil {
		slog.Error("Failed to cancel active run on reset", "session_id", sess.SessionID, "error", err)
	}
	// Scratch goes, identity and auth stay.
	if _, err := o.sessions.Mutate(ctx, sess.SessionID, func(d *models.SessionData) {
		d.Cart = nil
		d.ModuleName = ""
		d.ActiveRunID = ""
		d.PendingIntent = ""
		d.Extra = nil
	}); err != nil {
		return nil, err
	}
	return textReply(sess.SessionID, "Okay, I've reset our conversation. What would you like to do?"), nil
}

// clarify produces the short "what did you mean" prompt, via the LLM with a
// bounded option list, falling back to static text.
func (o *Orchestrator) clarify(ctx context.Context, sess *models.Session, text, intent string) *models.Reply {
	const fallback = "I didn't catch that — do you want to order food, send a parcel, or track an order?"

	resp, err := o.llm.Chat(ctx, rpc.ChatRequest{
		SystemPrompt: "You are a commerce assistant. The user's message did not match any action. " +
			"In one short sentence, ask them to pick between: ordering food, sending a parcel, or tracking an order. " +
			"Reply in the language the user wrote in.",
		Messages:  []rpc.ChatMessage{{Role: "user", Content: text}},
		MaxTokens: 100,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		slog.Debug("Clarification LLM unavailable, using static prompt", "intent", intent, "error", err)
		return textReply(sess.SessionID, fallback)
	}
	return textReply(sess.SessionID, strings.TrimSpace(resp.Content))
}

func isReset(text string) bool {
	return resetCommands[strings.ToLower(strings.TrimSpace(text))]
}

func textReply(sessionID, text string) *models.Reply {
	return &models.Reply{SessionID: sessionID, Text: text}
}

func withNote(reply *models.Reply, note string) *models.Reply {
	if note == "" || reply == nil {
		return reply
	}
	if reply.Text != "" {
		reply.Text = note + "\n" + reply.Text
	} else {
		reply.Text = note
	}
	return reply
}

func dig(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}
