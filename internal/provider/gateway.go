package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"scribe/internal/config"
	"scribe/internal/logging"
	"scribe/internal/types"
)

// ErrResponseTimeout is returned when a single model response exceeds the
// per-response ceiling while the run itself is still live.
var ErrResponseTimeout = errors.New("model response exceeded per-response time limit")

// Notifier receives gateway lifecycle callbacks. All fields are optional.
type Notifier struct {
	// OnRetry fires before each retry wait.
	OnRetry func(model string, attempt int, wait time.Duration, cause error)

	// OnFallback fires exactly once, when the gateway abandons the primary
	// model for the fallback.
	OnFallback func(from, to, reason string)

	// OnReset fires when a failed attempt already streamed deltas; the
	// consumer must discard the partial output before the next attempt.
	OnReset func()
}

// Gateway fronts the configured primary model with bounded retry and an
// optional fallback model. Once the gateway switches to the fallback it
// stays there for the rest of the run.
type Gateway struct {
	primary  Client
	fallback Client // nil when no fallback is configured

	maxRetries  int
	backoffBase time.Duration
	perResponse time.Duration
	notify      Notifier

	mu     sync.Mutex
	active Client
}

// NewGateway builds a gateway for one run. fallback may be the zero
// ModelRef to disable fallback.
func NewGateway(primary, fallback types.ModelRef, cfg config.LLMConfig, perResponse time.Duration, notify Notifier) (*Gateway, error) {
	primaryClient, err := NewClient(primary, cfg)
	if err != nil {
		return nil, fmt.Errorf("primary model: %w", err)
	}

	var fallbackClient Client
	if !fallback.IsZero() {
		fallbackClient, err = NewClient(fallback, cfg)
		if err != nil {
			return nil, fmt.Errorf("fallback model: %w", err)
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := parseTimeout(cfg.RetryBackoffBase)
	if base == 0 {
		base = 500 * time.Millisecond
	}

	return &Gateway{
		primary:     primaryClient,
		fallback:    fallbackClient,
		maxRetries:  maxRetries,
		backoffBase: base,
		perResponse: perResponse,
		notify:      notify,
		active:      primaryClient,
	}, nil
}

// ActiveModel returns the provider:model identity currently serving
// requests.
func (g *Gateway) ActiveModel() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return identity(g.active)
}

// OnFallbackModel reports whether the gateway has switched away from the
// primary.
func (g *Gateway) OnFallbackModel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active != g.primary
}

// StreamCompletion performs one completion with retry and fallback. Token
// deltas arrive on onDelta in order; if an attempt fails after streaming
// partial output the Notifier's OnReset fires before the next attempt.
func (g *Gateway) StreamCompletion(ctx context.Context, req Request, onDelta DeltaFunc) (*types.CompletionResult, error) {
	g.mu.Lock()
	client := g.active
	g.mu.Unlock()

	result, err := g.streamWithRetry(ctx, client, req, onDelta)
	if err == nil {
		return result, nil
	}
	if !IsTransient(err) || g.fallback == nil || client != g.primary {
		return nil, err
	}

	// Primary exhausted its retries on transient failures: switch to the
	// fallback for the remainder of the run.
	from, to := identity(g.primary), identity(g.fallback)
	logging.Provider("Falling back from %s to %s: %v", from, to, err)
	if g.notify.OnFallback != nil {
		g.notify.OnFallback(from, to, err.Error())
	}
	g.mu.Lock()
	g.active = g.fallback
	g.mu.Unlock()

	return g.streamWithRetry(ctx, g.fallback, req, onDelta)
}

// streamWithRetry runs bounded retry with exponential backoff against one
// client. Only transient errors are retried.
func (g *Gateway) streamWithRetry(ctx context.Context, client Client, req Request, onDelta DeltaFunc) (*types.CompletionResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.backoffBase
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			logging.Provider("Retry %d/%d for %s in %s: %v", attempt, g.maxRetries, identity(client), wait, lastErr)
			if g.notify.OnRetry != nil {
				g.notify.OnRetry(identity(client), attempt, wait, lastErr)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := g.attempt(ctx, client, req, onDelta)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt runs a single streaming call under the per-response deadline.
func (g *Gateway) attempt(ctx context.Context, client Client, req Request, onDelta DeltaFunc) (*types.CompletionResult, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if g.perResponse > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, g.perResponse)
		defer cancel()
	}

	streamed := false
	wrapped := onDelta
	if onDelta != nil {
		wrapped = func(d types.TokenDelta) {
			streamed = true
			onDelta(d)
		}
	}

	result, err := client.Stream(attemptCtx, req, wrapped)
	if err == nil {
		return result, nil
	}

	// A tripped per-response deadline with the run context still live is a
	// budget condition, not a provider failure.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, ErrResponseTimeout
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if streamed && g.notify.OnReset != nil {
		g.notify.OnReset()
	}
	return nil, err
}
