package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/assetgate/pkg/domain"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the store has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of probe calls allowed while half-open.
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             10 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker guards the domain store. Only failures wrapping
// domain.ErrStoreUnavailable count; caller cancellations do not.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitBreakerState
	config              CircuitBreakerConfig
	consecutiveFailures int
	halfOpenRequests    int
	openUntil           time.Time
	now                 func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{
		state:  StateClosed,
		config: config,
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open. A rejected call returns an error
// wrapping both domain.ErrStoreUnavailable and ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	if cb.config.MaxFailures == 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, ErrCircuitOpen)
		}
		cb.transitionToLocked(StateHalfOpen)
		cb.halfOpenRequests++
		return nil
	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequests++
			return nil
		}
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, ErrCircuitOpen)
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	if cb.config.MaxFailures == 0 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A cancelled call says nothing about the store: free the probe slot and
	// leave the state as it was.
	if errors.Is(err, context.Canceled) {
		if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
			cb.halfOpenRequests--
		}
		return
	}

	failed := err != nil && errors.Is(err, domain.ErrStoreUnavailable)
	if !failed {
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.transitionToLocked(StateClosed)
		}
		return
	}

	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.MaxFailures {
		cb.transitionToLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.consecutiveFailures = 0
	cb.halfOpenRequests = 0

	if newState == StateOpen {
		cb.openUntil = cb.now().Add(cb.config.Timeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionToLocked(StateClosed)
	cb.consecutiveFailures = 0
}
