// Package breaker guards risky operations (provider subscriptions) with a
// circuit breaker: consecutive failures trip the circuit open and attempts
// are rejected until an exponential backoff window elapses, after which a
// single probe is allowed through.
package breaker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/lumenlabs/streamwatch/internal/ingest/metrics"
)

// ErrCircuitOpen is returned by Execute while the circuit is open and the
// backoff window has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls failure thresholds and backoff growth.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// circuit open.
	FailureThreshold int `yaml:"failure_threshold"`

	// BaseDelay is the backoff floor.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultConfig matches the production deployment: trip after 5 failures,
// back off from 1s up to a 10 minute ceiling.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BaseDelay:        time.Second,
		MaxDelay:         10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Minute
	}
	return c
}

// Snapshot is a point-in-time view for the health surface.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CurrentDelay        string    `json:"current_delay"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
}

// Breaker is one circuit breaker instance guarding one stream's operations.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    int
	delay       time.Duration
	lastFailure time.Time
	now         func() time.Time
}

// New creates a closed breaker. name labels metrics, one breaker per stream.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		delay: cfg.BaseDelay,
		now:   time.Now,
	}
	metrics.CircuitState.WithLabelValues(name).Set(0)
	return b
}

// Execute runs op if the breaker allows it. While open it fails fast with
// ErrCircuitOpen until the current delay has elapsed, then lets exactly one
// probe through (half-open). Success closes the circuit and collapses the
// delay to its floor; failure reopens it with the delay doubled.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := op(ctx); err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Allow decides whether an attempt may proceed, transitioning OPEN to
// HALF_OPEN when the backoff window has elapsed. Callers that cannot
// tell success at call time (a subscription is only proven healthy once
// events flow) use Allow directly and record the outcome later.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// A probe is already in flight.
		return ErrCircuitOpen
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.delay {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		return nil
	}
	return nil
}

// RecordSuccess resets the breaker after a successful operation or probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.delay = b.cfg.BaseDelay
	b.setState(StateClosed)
}

// RecordFailure counts a failure and recomputes the backoff delay. Used by
// Execute and directly by supervisors whose long-lived subscription drops
// after it was established.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.delay = backoff(b.cfg.BaseDelay, b.cfg.MaxDelay, b.failures)

	if b.state == StateHalfOpen {
		// Failed probe: reopen with the doubled delay.
		b.setState(StateOpen)
		return
	}
	if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
		metrics.CircuitTrips.WithLabelValues(b.name).Inc()
		b.setState(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CurrentDelay returns the reconnect delay callers must wait out before the
// next attempt. BaseDelay when no failures have accumulated.
func (b *Breaker) CurrentDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// RemainingDelay returns how much of the backoff window is left, zero when
// an attempt is allowed now.
func (b *Breaker) RemainingDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.delay - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns a point-in-time view for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		CurrentDelay:        b.delay.String(),
		LastFailureAt:       b.lastFailure,
	}
}

// setState transitions state and mirrors it to the metrics gauge.
// Callers hold b.mu.
func (b *Breaker) setState(s State) {
	b.state = s
	var v float64
	switch s {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.CircuitState.WithLabelValues(b.name).Set(v)
}

// backoff computes min(base * 2^failures, max).
func backoff(base, max time.Duration, failures int) time.Duration {
	d := float64(base) * math.Pow(2, float64(failures))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
