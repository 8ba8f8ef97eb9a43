package config

// DefaultConfig returns the built-in configuration. User YAML merges on top;
// anything left unset keeps these values.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: HTTPListenConfig{Port: 8080},
			WS:   WSListenConfig{Path: "/ws"},
		},
		Store: StoreConfig{
			Session: TTLConfig{TTLSeconds: 3600},
			Auth:    TTLConfig{TTLSeconds: 604800},
		},
		Engine: EngineConfig{
			AutoAdvanceMax:       25,
			TurnBudgetMs:         45000,
			DedupWindowMs:        5000,
			PerSessionLockWaitMs: 10000,
		},
		NLU:    NLUConfig{ConfidenceThreshold: 0.65},
		Router: RouterConfig{TriggerThreshold: 0.6},
		Executor: map[string]ExecutorConfig{
			"llm": {TimeoutMs: 30000},
			"nlu": {TimeoutMs: 3000},
		},
	}
}
