package config

import "net/url"

// validate rejects configurations that cannot run. Fails fast at boot; no
// validation happens at runtime.
func validate(cfg *Config) error {
	if cfg.Listen.HTTP.Port <= 0 || cfg.Listen.HTTP.Port > 65535 {
		return NewValidationError("listen.http.port", "must be in 1..65535, got %d", cfg.Listen.HTTP.Port)
	}
	if cfg.Store.Session.TTLSeconds <= 0 {
		return NewValidationError("store.session.ttlSeconds", "must be positive, got %d", cfg.Store.Session.TTLSeconds)
	}
	if cfg.Store.Auth.TTLSeconds <= 0 {
		return NewValidationError("store.auth.ttlSeconds", "must be positive, got %d", cfg.Store.Auth.TTLSeconds)
	}
	if cfg.Engine.AutoAdvanceMax <= 0 {
		return NewValidationError("engine.autoAdvanceMax", "must be positive, got %d", cfg.Engine.AutoAdvanceMax)
	}
	if cfg.Engine.TurnBudgetMs <= 0 {
		return NewValidationError("engine.turnBudgetMs", "must be positive, got %d", cfg.Engine.TurnBudgetMs)
	}
	if cfg.NLU.ConfidenceThreshold <= 0 || cfg.NLU.ConfidenceThreshold > 1 {
		return NewValidationError("nlu.confidenceThreshold", "must be in (0, 1], got %v", cfg.NLU.ConfidenceThreshold)
	}
	if cfg.Router.TriggerThreshold <= 0 || cfg.Router.TriggerThreshold > 1 {
		return NewValidationError("router.triggerThreshold", "must be in (0, 1], got %v", cfg.Router.TriggerThreshold)
	}

	for name, ec := range cfg.Executor {
		if ec.TimeoutMs < 0 {
			return NewValidationError("executor."+name+".timeoutMs", "must not be negative, got %d", ec.TimeoutMs)
		}
		if ec.Retries < 0 {
			return NewValidationError("executor."+name+".retries", "must not be negative, got %d", ec.Retries)
		}
	}

	for field, svc := range map[string]ServiceConfig{
		"services.nlu":     cfg.Services.NLU,
		"services.search":  cfg.Services.Search,
		"services.routing": cfg.Services.Routing,
		"services.zone":    cfg.Services.Zone,
		"services.pricing": cfg.Services.Pricing,
		"services.order":   cfg.Services.Order,
		"services.places":  cfg.Services.Places,
		"services.asr":     cfg.Services.ASR,
		"services.backend": cfg.Services.Backend,
	} {
		if svc.URL == "" {
			continue // unset services stay disabled until wired
		}
		if _, err := url.ParseRequestURI(svc.URL); err != nil {
			return NewValidationError(field+".url", "not a valid URL: %v", err)
		}
	}

	for i, p := range cfg.Services.LLM.Providers {
		if p.Name == "" {
			return NewValidationError("services.llm.providers", "provider %d is missing a name", i)
		}
		if p.Model == "" {
			return NewValidationError("services.llm.providers", "provider %q is missing a model", p.Name)
		}
	}
	return nil
}
