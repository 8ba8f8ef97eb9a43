package flow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/convogrid/convogrid/pkg/models"
)

// registeredExecutors mirrors the names wired at boot.
var registeredExecutors = map[string]bool{
	"response": true, "llm": true, "nlu": true, "search": true,
	"address": true, "distance": true, "zone": true, "pricing": true,
	"order": true, "external_search": true, "selection": true, "php_api": true,
}

func knownExecutor(name string) bool { return registeredExecutors[name] }

func minimalFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:           "mini_v1",
		Version:      1,
		Name:         "Minimal",
		Module:       models.ModuleGeneral,
		Trigger:      "mini",
		InitialState: "hello",
		FinalStates:  []string{"done"},
		States: map[string]*models.State{
			"hello": {
				Type: models.StateWait,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Hi!"},
				}},
				Transitions: map[string]string{models.EventUserMessage: "done"},
			},
			"done": {
				Type: models.StateEnd,
				Actions: []models.Action{{
					Executor: "response",
					Config:   map[string]any{"message": "Bye."},
				}},
			},
		},
	}
}

func TestBuiltinsAreValid(t *testing.T) {
	builtins := Builtins()
	require.Len(t, builtins, 4)
	for id, def := range builtins {
		assert.NoError(t, Validate(def, knownExecutor), "builtin %s", id)
	}
}

func TestValidateRejectsBrokenDefinitions(t *testing.T) {
	t.Run("missing initial state", func(t *testing.T) {
		def := minimalFlow()
		def.InitialState = "nope"
		err := Validate(def, knownExecutor)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "initial_state")
	})

	t.Run("transition to undefined state", func(t *testing.T) {
		def := minimalFlow()
		def.States["hello"].Transitions[models.EventUserMessage] = "ghost"
		err := Validate(def, knownExecutor)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ghost")
	})

	t.Run("unregistered executor", func(t *testing.T) {
		def := minimalFlow()
		def.States["hello"].Actions[0].Executor = "teleport"
		err := Validate(def, knownExecutor)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "teleport")
	})

	t.Run("dead end state", func(t *testing.T) {
		def := minimalFlow()
		def.States["stuck"] = &models.State{Type: models.StateAction, Actions: []models.Action{{
			Executor: "response", Config: map[string]any{"message": "x"},
		}}}
		def.States["hello"].Transitions["detour"] = "stuck"
		err := Validate(def, knownExecutor)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dead end")
	})

	t.Run("final state not of type end", func(t *testing.T) {
		def := minimalFlow()
		def.States["done"].Type = models.StateWait
		def.States["done"].Transitions = map[string]string{models.EventUserMessage: "hello"}
		err := Validate(def, knownExecutor)
		require.Error(t, err)
	})

	t.Run("unbalanced template braces", func(t *testing.T) {
		def := minimalFlow()
		def.States["hello"].Actions[0].Config["message"] = "Hi {{name"
		err := Validate(def, knownExecutor)
		require.Error(t, err)
	})

	t.Run("decision condition without transition", func(t *testing.T) {
		def := minimalFlow()
		def.States["route"] = &models.State{
			Type:        models.StateDecision,
			Conditions:  []models.Condition{{Expression: `x == 1`, Event: "one"}},
			Transitions: map[string]string{"other": "done"},
		}
		def.States["hello"].Transitions["go"] = "route"
		err := Validate(def, knownExecutor)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no transition")
	})

	t.Run("malformed condition expression", func(t *testing.T) {
		def := minimalFlow()
		def.States["route"] = &models.State{
			Type:        models.StateDecision,
			Conditions:  []models.Condition{{Expression: `x ==`, Event: "one"}},
			Transitions: map[string]string{"one": "done"},
		}
		def.States["hello"].Transitions["go"] = "route"
		err := Validate(def, knownExecutor)
		require.Error(t, err)
	})
}

func TestValidateErrorNamesFlowAndState(t *testing.T) {
	def := minimalFlow()
	def.States["hello"].Actions[0].Executor = "bogus"
	err := Validate(def, knownExecutor)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "mini_v1", verr.FlowID)
	assert.Equal(t, "hello", verr.State)
}

// A definition survives a YAML round trip through the loader unchanged.
func TestLoadSavedDefinitionRoundTrip(t *testing.T) {
	def := minimalFlow()
	def.ID = "roundtrip_v1"
	def.Trigger = "roundtrip"

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "flows"), 0o755))
	data, err := yaml.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flows", "roundtrip.yaml"), data, 0o644))

	defs, err := Load(dir, knownExecutor)
	require.NoError(t, err)

	var loaded *models.FlowDefinition
	for _, d := range defs {
		if d.ID == "roundtrip_v1" {
			loaded = d
		}
	}
	require.NotNil(t, loaded)
	assert.Equal(t, def, loaded)
}

func TestLoadYAMLOverridesBuiltin(t *testing.T) {
	override := minimalFlow()
	override.ID = "track_order_v1"
	override.Trigger = "track_order"
	override.Version = 2

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "flows"), 0o755))
	data, err := yaml.Marshal(override)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flows", "track.yaml"), data, 0o644))

	defs, err := Load(dir, knownExecutor)
	require.NoError(t, err)
	for _, d := range defs {
		if d.ID == "track_order_v1" {
			assert.Equal(t, 2, d.Version)
		}
	}
}

func TestLoadRejectsDuplicateTriggers(t *testing.T) {
	dup := minimalFlow()
	dup.ID = "dup_v1"
	dup.Trigger = "order_food" // already claimed by food_order_v1

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "flows"), 0o755))
	data, err := yaml.Marshal(dup)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flows", "dup.yaml"), data, 0o644))

	_, err = Load(dir, knownExecutor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_food")
}

func TestLoadWithoutConfigDirServesBuiltins(t *testing.T) {
	defs, err := Load(t.TempDir(), knownExecutor)
	require.NoError(t, err)
	assert.Len(t, defs, len(Builtins()))
}

func TestRegistryLookups(t *testing.T) {
	reg, err := NewRegistry(func() ([]*models.FlowDefinition, error) {
		return Load(t.TempDir(), knownExecutor)
	}, time.Minute)
	require.NoError(t, err)

	def, err := reg.ByTrigger("send_parcel")
	require.NoError(t, err)
	assert.Equal(t, "parcel_delivery_v1", def.ID)
	assert.True(t, def.RequiresAuth)

	_, err = reg.ByTrigger("ride_hailing")
	assert.ErrorIs(t, err, ErrNoFlowForTrigger)

	_, err = reg.Get("nope_v9")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	triggers := reg.Triggers()
	assert.Contains(t, triggers, "order_food")
	assert.Contains(t, triggers, "authenticate")
	assert.Contains(t, triggers, "track_order")
}

func TestRegistryKeepsCacheOnReloadFailure(t *testing.T) {
	healthy := true
	reg, err := NewRegistry(func() ([]*models.FlowDefinition, error) {
		if !healthy {
			return nil, assert.AnError
		}
		return Load(t.TempDir(), knownExecutor)
	}, time.Minute)
	require.NoError(t, err)

	healthy = false
	reg.Invalidate()

	def, err := reg.Get("auth_v1")
	require.NoError(t, err, "stale cache must keep serving when reload fails")
	assert.Equal(t, "auth_v1", def.ID)
}
