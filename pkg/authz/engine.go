// Package authz decides whether a caller may fetch the protected asset, based on
// its declared origin and the shared key it presents.
package authz

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/assetgate/internal/governance"
	"github.com/polisai/assetgate/pkg/domain"
	"github.com/polisai/assetgate/pkg/origin"
	"github.com/polisai/assetgate/pkg/storage"
)

const tracerName = "github.com/polisai/assetgate/pkg/authz"

// Query carries the caller-supplied inputs of one decision. Empty strings mean absent.
type Query struct {
	Origin string
	Key    string
	// Route labels the entry point for metrics and tracing only.
	Route string
}

// DecisionObserver receives every decision, typically for metrics.
type DecisionObserver interface {
	ObserveDecision(route string, d domain.Decision)
}

// Engine is the single authorization decision path. It is safe for concurrent use.
type Engine struct {
	store    storage.DomainStore
	digest   [sha256.Size]byte
	policy   domain.AccessPolicy
	breaker  *governance.CircuitBreaker
	retry    *governance.RetryPolicy
	timeouts *governance.TimeoutManager
	tracer   trace.Tracer
	observer DecisionObserver
	logger   *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithCircuitBreaker guards store lookups with cb.
func WithCircuitBreaker(cb *governance.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// WithRetryPolicy retries failed store lookups according to rp.
func WithRetryPolicy(rp *governance.RetryPolicy) Option {
	return func(e *Engine) { e.retry = rp }
}

// WithTimeouts bounds each store lookup.
func WithTimeouts(tm *governance.TimeoutManager) Option {
	return func(e *Engine) { e.timeouts = tm }
}

// WithTracer overrides the tracer used for decision spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithObserver registers a decision observer.
func WithObserver(obs DecisionObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an engine over store. The secret is only kept as a digest.
// A policy that checks the key needs a non-empty secret.
func NewEngine(store storage.DomainStore, secret string, policy domain.AccessPolicy, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: authz engine needs a domain store", domain.ErrConfigInvalid)
	}
	if policy == "" {
		policy = domain.RequireBoth
	}
	if policy.KeyRequired() && secret == "" {
		return nil, fmt.Errorf("%w: access policy %q requires a client key", domain.ErrConfigInvalid, policy)
	}

	e := &Engine{
		store:    store,
		digest:   sha256.Sum256([]byte(secret)),
		policy:   policy,
		breaker:  governance.NewCircuitBreaker(governance.DefaultCircuitBreakerConfig()),
		retry:    governance.NewRetryPolicy(governance.DefaultRetryConfig()),
		timeouts: governance.NewTimeoutManager(governance.DefaultTimeoutConfig()),
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the checks this engine enforces.
func (e *Engine) Policy() domain.AccessPolicy {
	return e.policy
}

// WithPolicy returns an engine sharing the store, secret and resilience state of e
// but enforcing policy p.
func (e *Engine) WithPolicy(p domain.AccessPolicy) *Engine {
	clone := *e
	clone.policy = p
	return &clone
}

// Decide evaluates q and returns exactly one outcome. The key is checked before the
// origin, so a wrong key hides whether the origin is allowlisted. Store failures
// yield OutcomeError, never a denial.
func (e *Engine) Decide(ctx context.Context, q Query) domain.Decision {
	ctx, span := e.tracer.Start(ctx, "authz.Decide", trace.WithAttributes(
		attribute.String("authz.policy", string(e.policy)),
		attribute.String("authz.route", q.Route),
		attribute.Bool("authz.origin_present", q.Origin != ""),
		attribute.Bool("authz.key_present", q.Key != ""),
	))
	defer span.End()

	d := e.decide(ctx, q)

	span.SetAttributes(attribute.String("authz.outcome", string(d.Outcome)))
	if d.Domain != "" {
		span.SetAttributes(attribute.String("authz.domain", d.Domain))
	}
	if d.Err != nil {
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, "decision failed")
	}
	if e.observer != nil {
		e.observer.ObserveDecision(q.Route, d)
	}
	return d
}

func (e *Engine) decide(ctx context.Context, q Query) domain.Decision {
	if e.policy.KeyRequired() && !e.keyMatches(q.Key) {
		return domain.Decision{Outcome: domain.OutcomeDeniedBadKey}
	}
	if !e.policy.DomainRequired() {
		return domain.Decision{Outcome: domain.OutcomeAllowed}
	}

	if strings.TrimSpace(q.Origin) == "" {
		return domain.Decision{Outcome: domain.OutcomeDeniedNoOrigin}
	}

	name, err := origin.Normalize(q.Origin)
	if err != nil {
		return domain.Decision{Outcome: domain.OutcomeDeniedUnknownDomain}
	}

	found, err := e.exists(ctx, name)
	if err != nil {
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		e.logger.Error("Domain lookup failed", "domain", name, "error", err)
		return domain.Decision{Outcome: domain.OutcomeError, Domain: name, Err: err}
	}
	if !found {
		return domain.Decision{Outcome: domain.OutcomeDeniedUnknownDomain, Domain: name}
	}
	return domain.Decision{Outcome: domain.OutcomeAllowed, Domain: name}
}

// exists runs the lookup as breaker(retry(timeout(store))).
func (e *Engine) exists(ctx context.Context, name string) (bool, error) {
	var found bool
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.retry.Do(ctx, func(ctx context.Context) error {
			lookupCtx, cancel := e.timeouts.WithStoreTimeout(ctx)
			defer cancel()

			var err error
			found, err = e.store.Exists(lookupCtx, name)
			return err
		})
	})
	return found, err
}

func (e *Engine) keyMatches(key string) bool {
	if key == "" {
		return false
	}
	got := sha256.Sum256([]byte(key))
	return subtle.ConstantTimeCompare(got[:], e.digest[:]) == 1
}
