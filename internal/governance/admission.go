package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/polisai/assetgate/pkg/domain"
)

// AdmissionPolicy defines the per-source request budget.
type AdmissionPolicy struct {
	// Window is the fixed wall-clock interval after which counters reset.
	Window time.Duration
	// DelayAfter (T1) is the request count per window after which each request is slowed.
	DelayAfter int
	// Limit (T2) is the request count per window after which requests are rejected.
	Limit int
	// UnitDelay is added per request above DelayAfter.
	UnitDelay time.Duration
	// MaxDelay caps the added delay.
	MaxDelay time.Duration
}

// DefaultAdmissionPolicy returns the production budget: 150 free requests per
// minute, then 100ms more delay per request up to 5s, and rejection past 300.
func DefaultAdmissionPolicy() AdmissionPolicy {
	return AdmissionPolicy{
		Window:     time.Minute,
		DelayAfter: 150,
		Limit:      300,
		UnitDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Validate checks the policy for internally consistent thresholds.
func (p AdmissionPolicy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("%w: admission window must be positive", domain.ErrConfigInvalid)
	}
	if p.DelayAfter < 0 {
		return fmt.Errorf("%w: admission delay_after must not be negative", domain.ErrConfigInvalid)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%w: admission limit must be positive", domain.ErrConfigInvalid)
	}
	if p.DelayAfter > p.Limit {
		return fmt.Errorf("%w: admission delay_after (%d) exceeds limit (%d)", domain.ErrConfigInvalid, p.DelayAfter, p.Limit)
	}
	if p.UnitDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: admission delays must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// DelayFor returns the delay owed at the given delay level.
func (p AdmissionPolicy) DelayFor(level int) time.Duration {
	if level <= 0 || p.UnitDelay <= 0 {
		return 0
	}
	if p.MaxDelay > 0 && int64(level) > int64(p.MaxDelay/p.UnitDelay) {
		return p.MaxDelay
	}
	return time.Duration(level) * p.UnitDelay
}

// Evaluate turns the counter state after an increment into an admission verdict.
func (p AdmissionPolicy) Evaluate(state RateState, now time.Time) Admission {
	reset := state.WindowStart.Add(p.Window)
	remaining := p.Limit - state.Count
	if remaining < 0 {
		remaining = 0
	}

	if state.Count > p.DelayAfter {
		state.DelayLevel = state.Count - p.DelayAfter
	}

	a := Admission{
		State:     state,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   reset,
	}

	if state.Count > p.Limit {
		a.RetryAfter = reset.Sub(now)
		if a.RetryAfter < time.Second {
			a.RetryAfter = time.Second
		}
		return a
	}

	a.Allowed = true
	a.Delay = p.DelayFor(state.DelayLevel)
	return a
}

// Admission is the verdict for one request.
type Admission struct {
	Allowed    bool
	Delay      time.Duration
	RetryAfter time.Duration
	State      RateState
	Limit      int
	Remaining  int
	ResetAt    time.Time
}

// Throttled reports whether the source is past DelayAfter in the current window.
func (a Admission) Throttled() bool {
	return a.State.DelayLevel > 0
}

// AdmissionObserver receives every admission verdict, typically for metrics.
type AdmissionObserver interface {
	ObserveAdmission(a Admission)
}

// AdmissionController applies an AdmissionPolicy per source identity.
type AdmissionController struct {
	mu       sync.RWMutex
	policy   AdmissionPolicy
	counter  WindowCounter
	logger   *slog.Logger
	observer AdmissionObserver
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// AdmissionOption customises an AdmissionController.
type AdmissionOption func(*AdmissionController)

// WithClock overrides the time source.
func WithClock(now func() time.Time) AdmissionOption {
	return func(ac *AdmissionController) { ac.now = now }
}

// WithSleeper overrides how the middleware waits out a delay.
func WithSleeper(sleep func(context.Context, time.Duration) error) AdmissionOption {
	return func(ac *AdmissionController) { ac.sleep = sleep }
}

// WithObserver registers an observer for admission verdicts.
func WithObserver(obs AdmissionObserver) AdmissionOption {
	return func(ac *AdmissionController) { ac.observer = obs }
}

// NewAdmissionController creates a controller. A nil counter selects an in-memory one.
func NewAdmissionController(policy AdmissionPolicy, counter WindowCounter, logger *slog.Logger, opts ...AdmissionOption) (*AdmissionController, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		counter = NewMemoryWindowCounter()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ac := &AdmissionController{
		policy:  policy,
		counter: counter,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(ac)
	}
	return ac, nil
}

// Policy returns the active policy.
func (ac *AdmissionController) Policy() AdmissionPolicy {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.policy
}

// Configure swaps the active policy. Existing counters are kept.
func (ac *AdmissionController) Configure(policy AdmissionPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.policy = policy
	return nil
}

// Admit counts one request from source and returns the verdict. When the counter
// backend fails the request is admitted: rate limiting never turns into a 5xx.
func (ac *AdmissionController) Admit(ctx context.Context, source string) Admission {
	if source == "" {
		source = "unknown"
	}
	policy := ac.Policy()
	now := ac.now()

	state, err := ac.counter.Incr(ctx, source, policy.Window, now)
	if err != nil {
		ac.logger.Warn("Admission counter unavailable, admitting request", "source", source, "error", err)
		return Admission{
			Allowed:   true,
			Limit:     policy.Limit,
			Remaining: policy.Limit,
			ResetAt:   now.Truncate(policy.Window).Add(policy.Window),
		}
	}

	a := policy.Evaluate(state, now)
	if ac.observer != nil {
		ac.observer.ObserveAdmission(a)
	}
	if !a.Allowed {
		ac.logger.Warn("Admission rejected", "source", source, "count", state.Count, "retry_after", a.RetryAfter)
	} else if a.Delay > 0 {
		ac.logger.Debug("Admission throttled", "source", source, "count", state.Count, "delay", a.Delay)
	}
	return a
}

// Middleware wraps next with admission control keyed by keyFn. Throttled requests
// are delayed (the wait ends early if the client goes away); rejected requests get
// 429 with Retry-After.
func (ac *AdmissionController) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := ac.Admit(r.Context(), keyFn(r))
			WriteRateLimitHeaders(w, a.Limit, a.Remaining, a.ResetAt)

			if !a.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(a.RetryAfter.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(domain.ErrorResponse{
					Code:    domain.CodeRateLimited,
					Message: domain.ErrRateExceeded.Error(),
				})
				return
			}

			if a.Delay > 0 {
				if err := ac.sleep(r.Context(), a.Delay); err != nil {
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetTime time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
