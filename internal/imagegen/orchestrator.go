package imagegen

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/theazureday/story-creator/internal/infra"
)

// DefaultProviderDeadline is the per-attempt poll budget applied when a
// configured provider does not specify one.
const DefaultProviderDeadline = 90 * time.Second

// Orchestrator tries configured providers in the caller-supplied priority
// order until one yields a usable result. Fallback is strictly sequential;
// speculative parallel calls to paid backends would multiply cost for no
// correctness benefit, since only the first success is kept.
//
// The orchestrator holds no mutable state across requests, so a caller
// racing it with an outer deadline can abandon it safely.
type Orchestrator struct {
	providers []ConfiguredProvider
	retryer   *Retryer
	logger    zerolog.Logger
}

// NewOrchestrator builds an orchestrator over an ordered provider chain.
// The chain is expected to be constructed once at startup from whichever
// backend credentials are present, best backend first.
func NewOrchestrator(providers []ConfiguredProvider, retry RetryConfig, logger *infra.Logger) *Orchestrator {
	l := zerolog.New(io.Discard)
	if logger != nil {
		l = *logger
	}
	return &Orchestrator{
		providers: providers,
		retryer:   NewRetryer(retry),
		logger:    l,
	}
}

// Providers returns the names of the configured chain, in order.
func (o *Orchestrator) Providers() []string {
	names := make([]string, len(o.providers))
	for i, p := range o.providers {
		names[i] = p.Provider.Name()
	}
	return names
}

// Generate resolves the request against the provider chain. First success
// wins and remaining providers are never invoked. If every provider fails
// the returned error is KindAllProvidersFailed and carries the last error
// per attempted provider. An empty chain fails fast with KindNotConfigured
// before any network activity.
func (o *Orchestrator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if len(o.providers) == 0 {
		return nil, NewError(KindNotConfigured, "", "no image backend configured")
	}

	attempts := make([]Attempt, 0, len(o.providers))
	for _, cp := range o.providers {
		name := cp.Provider.Name()
		deadline := cp.Deadline
		if deadline <= 0 {
			deadline = DefaultProviderDeadline
		}
		actx, cancel := context.WithTimeout(ctx, deadline)
		res, err := o.retryer.Do(actx, name, func(ctx context.Context) (*GenerationResult, error) {
			return cp.Provider.Generate(ctx, req)
		})
		cancel()
		if err == nil {
			o.logger.Info().
				Str("provider", name).
				Str("purpose", string(req.Purpose)).
				Str("request_id", req.RequestID).
				Msg("imagegen: generation succeeded")
			return res, nil
		}
		err = normalizeDeadline(err, name)
		o.logger.Warn().
			Err(err).
			Str("provider", name).
			Str("request_id", req.RequestID).
			Msg("imagegen: provider failed, trying next")
		attempts = append(attempts, Attempt{Provider: name, Err: err})

		// The outer context going away is not a provider problem; stop
		// walking the chain instead of burning the remaining backends.
		if ctx.Err() != nil {
			return nil, WrapError(KindTimedOut, name, "request deadline exceeded", ctx.Err())
		}
	}
	return nil, &Error{
		Kind:     KindAllProvidersFailed,
		Message:  "all configured backends failed",
		Attempts: attempts,
	}
}

func validateRequest(req GenerationRequest) error {
	if !req.Purpose.Valid() {
		return NewError(KindValidation, "", "unsupported purpose "+string(req.Purpose))
	}
	if strings.TrimSpace(req.Prompt) == "" && req.Reference == nil {
		return NewError(KindValidation, "", "prompt or reference image required")
	}
	return nil
}

// normalizeDeadline converts a raw context deadline error escaping an
// adapter into the typed taxonomy, so the caller never sees a bare
// context error.
func normalizeDeadline(err error, provider string) error {
	if errors.Is(err, context.DeadlineExceeded) && !IsKind(err, KindTimedOut) {
		var e *Error
		if errors.As(err, &e) {
			return err
		}
		return WrapError(KindTimedOut, provider, "poll deadline exceeded", err)
	}
	return err
}
