package imagegen

import (
	"context"
	"time"
)

// Provider is the uniform contract every backend adapter implements. An
// adapter owns the full lifecycle of its backend job: synchronous backends
// return directly, polling backends drive their own submit/poll loop and
// return only a terminal outcome. The context deadline is the adapter's
// poll deadline; on expiry the adapter must stop polling and return a
// KindTimedOut error rather than leave a loop running.
type Provider interface {
	// Name identifies the backend in results, logs and error attempts.
	Name() string
	// Generate resolves the request to exactly one asset or one typed
	// failure. Non-terminal poll responses and transient transport errors
	// while polling are not failures; a backend-reported failure or
	// cancellation is final and must not be retried here.
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// ConfiguredProvider pairs a provider with its per-attempt poll deadline.
// Slow queue-based backends get a longer budget than synchronous ones.
type ConfiguredProvider struct {
	Provider Provider
	Deadline time.Duration
}
