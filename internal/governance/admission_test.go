package governance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newController(t *testing.T, opts ...AdmissionOption) (*AdmissionController, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]AdmissionOption{WithClock(clock.Now)}, opts...)
	ac, err := NewAdmissionController(DefaultAdmissionPolicy(), nil, discard, opts...)
	require.NoError(t, err)
	return ac, clock
}

func TestAdmissionThresholds(t *testing.T) {
	ac, _ := newController(t)
	ctx := context.Background()

	for i := 1; i <= 150; i++ {
		a := ac.Admit(ctx, "203.0.113.7")
		require.True(t, a.Allowed, "request %d", i)
		require.Zero(t, a.Delay, "request %d", i)
	}

	a := ac.Admit(ctx, "203.0.113.7")
	assert.True(t, a.Allowed)
	assert.True(t, a.Throttled())
	assert.Equal(t, 100*time.Millisecond, a.Delay)

	a = ac.Admit(ctx, "203.0.113.7")
	assert.Equal(t, 200*time.Millisecond, a.Delay)

	for i := 153; i <= 300; i++ {
		a = ac.Admit(ctx, "203.0.113.7")
		require.True(t, a.Allowed, "request %d", i)
	}
	assert.Equal(t, 5*time.Second, a.Delay, "delay is capped")
	assert.Equal(t, 0, a.Remaining)

	a = ac.Admit(ctx, "203.0.113.7")
	assert.False(t, a.Allowed)
	assert.Greater(t, a.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, a.RetryAfter, time.Minute)
}

func TestAdmissionSourcesAreIndependent(t *testing.T) {
	ac, _ := newController(t)
	ctx := context.Background()

	for i := 0; i < 301; i++ {
		ac.Admit(ctx, "198.51.100.1")
	}
	assert.False(t, ac.Admit(ctx, "198.51.100.1").Allowed)

	a := ac.Admit(ctx, "198.51.100.2")
	assert.True(t, a.Allowed)
	assert.Zero(t, a.Delay)
}

func TestAdmissionWindowReset(t *testing.T) {
	ac, clock := newController(t)
	ctx := context.Background()

	for i := 0; i < 310; i++ {
		ac.Admit(ctx, "client")
	}
	require.False(t, ac.Admit(ctx, "client").Allowed)

	clock.Advance(time.Minute)

	a := ac.Admit(ctx, "client")
	assert.True(t, a.Allowed)
	assert.Zero(t, a.Delay)
	assert.Equal(t, 1, a.State.Count)
	assert.Zero(t, a.State.DelayLevel)
}

func TestAdmissionEmptySource(t *testing.T) {
	ac, _ := newController(t)
	a := ac.Admit(context.Background(), "")
	assert.True(t, a.Allowed)
	assert.Equal(t, 1, a.State.Count)
	assert.Equal(t, 2, ac.Admit(context.Background(), "unknown").State.Count)
}

type failingCounter struct{}

func (failingCounter) Incr(context.Context, string, time.Duration, time.Time) (RateState, error) {
	return RateState{}, errors.New("connection refused")
}

func TestAdmissionFailsOpen(t *testing.T) {
	ac, err := NewAdmissionController(DefaultAdmissionPolicy(), failingCounter{}, discard)
	require.NoError(t, err)

	a := ac.Admit(context.Background(), "client")
	assert.True(t, a.Allowed)
	assert.Zero(t, a.Delay)
}

func TestAdmissionPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AdmissionPolicy)
	}{
		{"zero window", func(p *AdmissionPolicy) { p.Window = 0 }},
		{"negative delay_after", func(p *AdmissionPolicy) { p.DelayAfter = -1 }},
		{"zero limit", func(p *AdmissionPolicy) { p.Limit = 0 }},
		{"delay_after above limit", func(p *AdmissionPolicy) { p.DelayAfter = p.Limit + 1 }},
		{"negative unit delay", func(p *AdmissionPolicy) { p.UnitDelay = -time.Millisecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultAdmissionPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}

	assert.NoError(t, DefaultAdmissionPolicy().Validate())
}

func TestAdmissionConfigure(t *testing.T) {
	ac, _ := newController(t)

	bad := DefaultAdmissionPolicy()
	bad.Limit = 0
	require.Error(t, ac.Configure(bad))
	assert.Equal(t, 300, ac.Policy().Limit)

	tight := DefaultAdmissionPolicy()
	tight.DelayAfter = 1
	tight.Limit = 2
	require.NoError(t, ac.Configure(tight))

	ctx := context.Background()
	assert.Zero(t, ac.Admit(ctx, "c").Delay)
	assert.Equal(t, 100*time.Millisecond, ac.Admit(ctx, "c").Delay)
	assert.False(t, ac.Admit(ctx, "c").Allowed)
}

func TestAdmissionEvaluateProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		delayAfter := rapid.IntRange(0, 500).Draw(t, "delayAfter")
		limit := rapid.IntRange(max(delayAfter, 1), 1000).Draw(t, "limit")
		p := AdmissionPolicy{
			Window:     time.Minute,
			DelayAfter: delayAfter,
			Limit:      limit,
			UnitDelay:  100 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		}

		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		prevDelay := time.Duration(0)
		n := rapid.IntRange(1, limit+20).Draw(t, "requests")
		for count := 1; count <= n; count++ {
			a := p.Evaluate(RateState{WindowStart: start, Count: count}, start.Add(time.Second))

			if count <= delayAfter && a.Delay != 0 {
				t.Fatalf("request %d delayed below threshold", count)
			}
			if count > limit {
				if a.Allowed {
					t.Fatalf("request %d admitted past limit %d", count, limit)
				}
				if a.RetryAfter < time.Second {
					t.Fatalf("retry-after %v below one second", a.RetryAfter)
				}
				continue
			}
			if !a.Allowed {
				t.Fatalf("request %d rejected within limit %d", count, limit)
			}
			if a.Delay < prevDelay {
				t.Fatalf("delay decreased from %v to %v", prevDelay, a.Delay)
			}
			if a.Delay > p.MaxDelay {
				t.Fatalf("delay %v exceeds cap", a.Delay)
			}
			prevDelay = a.Delay
		}
	})
}

func TestAdmissionConcurrentCount(t *testing.T) {
	ac, _ := newController(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
	)
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !ac.Admit(ctx, "burst").Allowed {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, rejected)
}

func TestAdmissionMiddleware(t *testing.T) {
	var slept []time.Duration
	ac, _ := newController(t, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	tight := DefaultAdmissionPolicy()
	tight.DelayAfter = 1
	tight.Limit = 2
	require.NoError(t, ac.Configure(tight))

	handler := ac.Middleware(SourceIP(0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/validate", nil)
		req.RemoteAddr = "192.0.2.10:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, slept)

	rec = do()
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, slept)

	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"code":"rate_limited"`)
}

func TestAdmissionMiddlewareClientGone(t *testing.T) {
	ac, _ := newController(t)
	tight := DefaultAdmissionPolicy()
	tight.DelayAfter = 0
	require.NoError(t, ac.Configure(tight))

	called := false
	handler := ac.Middleware(SourceIP(0))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.False(t, called)
}

func TestSourceIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.1", SourceIP(0)(req), "the header is ignored without trusted proxies")
	assert.Equal(t, "10.0.0.1", SourceIP(1)(req))
	assert.Equal(t, "198.51.100.9", SourceIP(2)(req))
	assert.Equal(t, "198.51.100.9", SourceIP(5)(req), "short chains yield the left-most entry")

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "192.0.2.1", SourceIP(1)(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "192.0.2.1", SourceIP(1)(req))

	req.RemoteAddr = "not-an-addr"
	assert.Equal(t, "not-an-addr", SourceIP(0)(req))
}

func TestSourceIPSpansHeaderLines(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:4000"
	req.Header.Add("X-Forwarded-For", "1.2.3.4")
	req.Header.Add("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "203.0.113.7", SourceIP(2)(req))
}

func TestForgedForwardedHopsShareOneBudget(t *testing.T) {
	policy := AdmissionPolicy{Window: time.Minute, DelayAfter: 1, Limit: 2}
	ac, err := NewAdmissionController(policy, NewMemoryWindowCounter(), discard)
	require.NoError(t, err)

	handler := ac.Middleware(SourceIP(1))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rejected := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("1.2.3.%d, 203.0.113.7", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	assert.Equal(t, 18, rejected)
}
