package provider

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"voice-intent-pipeline/internal/config"
	"voice-intent-pipeline/internal/telemetry"
)

// Router resolves the provider for a language and fails over from primary to
// secondary on transient errors. All calls run on the caller's goroutine with
// an explicit per-call deadline; the router never schedules work of its own.
type Router struct {
	providers   map[string]Provider
	profiles    map[string]config.ProviderProfile
	defaultLang string
	callTimeout time.Duration
	retryBudget int
	logger      *zap.Logger
}

// RouterResult carries the outcome plus how many provider sub-calls failed
// before it, so the worker can account for them on the task.
type RouterResult struct {
	Provider    string
	FailedCalls int
}

// NewRouter wires profiles to concrete providers. Profiles must have been
// validated at startup; an unknown language at runtime yields ErrNoProfile.
func NewRouter(cfg config.Config, providers map[string]Provider, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.ProviderRetryBudget
	if retry < 1 {
		retry = 1
	}
	timeout := cfg.ProviderCallTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Router{
		providers:   providers,
		profiles:    cfg.Profiles,
		defaultLang: cfg.DefaultLanguage,
		callTimeout: timeout,
		retryBudget: retry,
		logger:      logger,
	}
}

// ProvidersFromConfig builds the configured OpenAI-compatible providers.
func ProvidersFromConfig(cfg config.Config) map[string]Provider {
	out := make(map[string]Provider, len(cfg.Providers))
	for name, creds := range cfg.Providers {
		out[name] = NewOpenAIProvider(creds)
	}
	return out
}

// Transcribe routes an ASR call for the language.
func (r *Router) Transcribe(ctx context.Context, audio []byte, format, language string) (Transcript, RouterResult, error) {
	var out Transcript
	res, err := r.route(ctx, language, "transcribe", func(ctx context.Context, p Provider) error {
		var callErr error
		out, callErr = p.Transcribe(ctx, audio, format, language)
		return callErr
	})
	return out, res, err
}

// Synthesize routes a TTS call for the language.
func (r *Router) Synthesize(ctx context.Context, text, language string) ([]byte, RouterResult, error) {
	var out []byte
	res, err := r.route(ctx, language, "synthesize", func(ctx context.Context, p Provider) error {
		var callErr error
		out, callErr = p.Synthesize(ctx, text, language)
		return callErr
	})
	return out, res, err
}

// route tries the primary within the retry budget, then the secondary. A
// permanent error stops the current provider's retries but still lets the
// secondary take a shot, since a misconfigured primary should not take the
// language down.
func (r *Router) route(ctx context.Context, language, op string, call func(context.Context, Provider) error) (RouterResult, error) {
	profile, ok := r.profiles[language]
	if !ok {
		profile, ok = r.profiles[r.defaultLang]
		if !ok {
			return RouterResult{}, fmt.Errorf("%w: %s", ErrNoProfile, language)
		}
	}

	res := RouterResult{}
	var lastErr error

	for _, name := range []string{profile.Primary, profile.Secondary} {
		if name == "" {
			continue
		}
		p, ok := r.providers[name]
		if !ok {
			continue
		}
		for attempt := 1; attempt <= r.retryBudget; attempt++ {
			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			err := call(callCtx, p)
			cancel()
			if err == nil {
				res.Provider = p.Name()
				return res, nil
			}
			res.FailedCalls++
			lastErr = err
			telemetry.ProviderFailures.WithLabelValues(p.Name(), op).Inc()
			r.logger.Warn("provider call failed",
				zap.String("provider", p.Name()),
				zap.String("op", op),
				zap.String("language", language),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if !IsTransient(err) {
				break
			}
			if ctx.Err() != nil {
				return res, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, language, lastErr)
			}
		}
	}

	return res, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, language, lastErr)
}
