// Package config loads the boot-time configuration: one struct from
// convogrid.yaml with environment expansion, defaults merged underneath, and
// validation before anything starts. No environment-keyed accessors are
// scattered through the code; everything reads from this struct.
package config

import (
	"fmt"
	"time"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// Config is the complete runtime configuration.
type Config struct {
	Listen   ListenConfig              `yaml:"listen"`
	Store    StoreConfig               `yaml:"store"`
	Engine   EngineConfig              `yaml:"engine"`
	NLU      NLUConfig                 `yaml:"nlu"`
	Router   RouterConfig              `yaml:"router"`
	Executor map[string]ExecutorConfig `yaml:"executor"`
	Services ServicesConfig            `yaml:"services"`
	Postgres PostgresConfig            `yaml:"postgres"`
	Redis    RedisConfig               `yaml:"redis"`
	Channels ChannelsConfig            `yaml:"channels"`
}

// ListenConfig is the HTTP/WebSocket surface.
type ListenConfig struct {
	HTTP HTTPListenConfig `yaml:"http"`
	WS   WSListenConfig   `yaml:"ws"`
}

// HTTPListenConfig is the HTTP listener.
type HTTPListenConfig struct {
	Port int `yaml:"port"`
}

// WSListenConfig is the WebSocket endpoint.
type WSListenConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig bounds the TTL stores.
type StoreConfig struct {
	Session TTLConfig `yaml:"session"`
	Auth    TTLConfig `yaml:"auth"`
}

// TTLConfig is one TTL'd store section.
type TTLConfig struct {
	TTLSeconds int `yaml:"ttlSeconds"`
}

// EngineConfig bounds the flow engine and orchestrator.
type EngineConfig struct {
	AutoAdvanceMax       int `yaml:"autoAdvanceMax"`
	TurnBudgetMs         int `yaml:"turnBudgetMs"`
	DedupWindowMs        int `yaml:"dedupWindowMs"`
	PerSessionLockWaitMs int `yaml:"perSessionLockWaitMs"`
}

// NLUConfig tunes intent classification.
type NLUConfig struct {
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
}

// RouterConfig tunes intent-to-flow routing.
type RouterConfig struct {
	TriggerThreshold float64 `yaml:"triggerThreshold"`
}

// ExecutorConfig overrides one executor's limits.
type ExecutorConfig struct {
	TimeoutMs int `yaml:"timeoutMs"`
	Retries   int `yaml:"retries"`
}

// ServiceConfig is one remote RPC endpoint.
type ServiceConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"apiKey"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// ServicesConfig names every remote dependency.
type ServicesConfig struct {
	NLU     ServiceConfig `yaml:"nlu"`
	LLM     LLMConfig     `yaml:"llm"`
	Search  ServiceConfig `yaml:"search"`
	Routing ServiceConfig `yaml:"routing"`
	Zone    ServiceConfig `yaml:"zone"`
	Pricing ServiceConfig `yaml:"pricing"`
	Order   ServiceConfig `yaml:"order"`
	Places  ServiceConfig `yaml:"places"`
	ASR     ServiceConfig `yaml:"asr"`
	Backend ServiceConfig `yaml:"backend"`
}

// LLMConfig is the provider chain; fallback order is declaration order.
type LLMConfig struct {
	Providers []rpc.LLMProviderConfig `yaml:"providers"`
}

// PostgresConfig is the durable store connection.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig is the ephemeral store connection. An empty Addr selects the
// in-memory stores (single-node dev mode).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChannelsConfig holds channel-specific secrets.
type ChannelsConfig struct {
	WhatsAppVerifyToken string `yaml:"whatsappVerifyToken"`
}

// HTTPAddr renders the listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Listen.HTTP.Port)
}

// SessionTTL returns the session store TTL.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Store.Session.TTLSeconds) * time.Second
}

// AuthTTL returns the central auth record TTL.
func (c *Config) AuthTTL() time.Duration {
	return time.Duration(c.Store.Auth.TTLSeconds) * time.Second
}

// TurnBudget returns the per-turn executor time budget.
func (c *Config) TurnBudget() time.Duration {
	return time.Duration(c.Engine.TurnBudgetMs) * time.Millisecond
}

// DedupWindow returns the duplicate-message window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Engine.DedupWindowMs) * time.Millisecond
}

// LockWait returns the per-session lock queue bound.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Engine.PerSessionLockWaitMs) * time.Millisecond
}

// ExecutorTimeouts renders the per-executor timeout overrides.
func (c *Config) ExecutorTimeouts() map[string]time.Duration {
	if len(c.Executor) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.Executor))
	for name, ec := range c.Executor {
		if ec.TimeoutMs > 0 {
			out[name] = time.Duration(ec.TimeoutMs) * time.Millisecond
		}
	}
	return out
}

// ExecutorRetries renders the per-executor retry-count overrides.
func (c *Config) ExecutorRetries() map[string]int {
	if len(c.Executor) == 0 {
		return nil
	}
	out := make(map[string]int, len(c.Executor))
	for name, ec := range c.Executor {
		if ec.Retries > 0 {
			out[name] = ec.Retries
		}
	}
	return out
}

// RPC converts a service section to the client config shape.
func (s ServiceConfig) RPC() rpc.ServiceConfig {
	return rpc.ServiceConfig{
		URL:     s.URL,
		APIKey:  s.APIKey,
		Timeout: time.Duration(s.TimeoutMs) * time.Millisecond,
	}
}
