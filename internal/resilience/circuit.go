package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls immediately after repeated failures.
	CircuitOpen
	// CircuitHalfOpen allows a single probe call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing a probe.
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns the configuration used for provider calls.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker guards an external service against repeated failing calls.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker for the named service.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{name: name, cfg: cfg, state: CircuitClosed}
}

// State returns the current state, accounting for reset timeout expiry.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *CircuitBreaker) currentState() CircuitState {
	if b.state == CircuitOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.setState(CircuitHalfOpen)
	}
	return b.state
}

func (b *CircuitBreaker) setState(next CircuitState) {
	if b.state == next {
		return
	}
	zap.L().Info("circuit state change",
		zap.String("service", b.name),
		zap.String("from", b.state.String()),
		zap.String("to", next.String()))
	b.state = next
}

// Execute runs fn through the breaker. Calls are rejected with
// ErrCircuitOpen while the circuit is open.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.currentState() {
	case CircuitOpen:
		b.mu.Unlock()
		return eris.Wrapf(ErrCircuitOpen, "%s", b.name)
	case CircuitHalfOpen, CircuitClosed:
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.setState(CircuitOpen)
			b.openedAt = time.Now()
		}
		return err
	}

	b.failures = 0
	b.setState(CircuitClosed)
	return nil
}
