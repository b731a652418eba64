// Package circuitbreaker keeps a dead mail transport from costing a full
// SMTP or SES timeout per reminder.
//
// Only transport health moves the breaker. Callers classify each guarded
// call as a success, a transport failure, or ignored (a bad message, a
// cancelled caller), and only the first two are counted.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is where the breaker stands.
//
//	closed    -> open:      Threshold consecutive transport failures
//	open      -> half-open: Cooldown elapsed since the circuit opened
//	half-open -> closed:    a trial delivery succeeds
//	half-open -> open:      a trial delivery fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome is what a guarded call says about the transport.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeIgnored releases the call without counting it either way.
	OutcomeIgnored
)

// ErrCircuitOpen is returned while the breaker turns calls away. Nothing
// was attempted, so callers should not count it as a delivery attempt.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	Name string
	// Threshold is the number of consecutive transport failures that
	// opens the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open before trial deliveries.
	Cooldown time.Duration
	// Trials caps concurrent deliveries while half-open.
	Trials int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig(name string) Config {
	return Config{Name: name, Threshold: 5, Cooldown: 30 * time.Second, Trials: 1}
}

// Breaker guards one mail transport.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state State
	// generation changes with every state change; a call settled under an
	// older generation only updates the totals.
	generation  uint64
	streak      int
	trials      int
	openedAt    time.Time
	lastFailure time.Time
	lastChange  time.Time

	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = def.Trials
	}

	b := &Breaker{
		config: cfg,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastChange = b.now()

	b.logger.Info("circuit breaker created",
		zap.Int("threshold", cfg.Threshold),
		zap.Duration("cooldown", cfg.Cooldown),
	)
	return b
}

func (b *Breaker) Name() string {
	return b.config.Name
}

// Acquire asks to make one call. On success the caller must invoke done
// exactly once with the call's outcome; later invocations are no-ops.
func (b *Breaker) Acquire() (done func(Outcome), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++
	b.advance(b.now())

	switch b.state {
	case StateOpen:
		b.rejected++
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if b.trials >= b.config.Trials {
			b.rejected++
			return nil, ErrCircuitOpen
		}
		b.trials++
	}

	gen := b.generation
	var once sync.Once
	return func(o Outcome) {
		once.Do(func() { b.settle(gen, o) })
	}, nil
}

func (b *Breaker) settle(gen uint64, o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch o {
	case OutcomeSuccess:
		b.successes++
	case OutcomeFailure:
		b.failures++
		b.lastFailure = now
	}

	if gen != b.generation {
		return
	}

	switch b.state {
	case StateClosed:
		switch o {
		case OutcomeSuccess:
			b.streak = 0
		case OutcomeFailure:
			b.streak++
			if b.streak >= b.config.Threshold {
				b.logger.Warn("mail transport failing, circuit opened",
					zap.Int("consecutive_failures", b.streak),
				)
				b.open(now)
			}
		}

	case StateHalfOpen:
		b.trials--
		switch o {
		case OutcomeSuccess:
			b.logger.Info("mail transport recovered, circuit closed")
			b.setState(StateClosed, now)
		case OutcomeFailure:
			b.logger.Warn("trial delivery failed, circuit reopened")
			b.open(now)
		}
	}
}

// State reports the current state, counting an elapsed cooldown as
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// advance must be called with the lock held.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.Cooldown {
		b.setState(StateHalfOpen, now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.setState(StateOpen, now)
	b.openedAt = now
}

// setState must be called with the lock held.
func (b *Breaker) setState(s State, now time.Time) {
	if b.state == s {
		return
	}
	b.logger.Debug("circuit breaker state change",
		zap.Stringer("from", b.state),
		zap.Stringer("to", s),
	)
	b.state = s
	b.generation++
	b.streak = 0
	b.trials = 0
	b.lastChange = now
}

// Stats is a snapshot served by the breaker status endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())

	s := Stats{
		Name:            b.config.Name,
		State:           b.state.String(),
		FailureCount:    b.streak,
		TotalRequests:   b.requests,
		TotalFailures:   b.failures,
		TotalSuccesses:  b.successes,
		TotalRejected:   b.rejected,
		LastStateChange: b.lastChange.Format(time.RFC3339),
	}
	if !b.lastFailure.IsZero() {
		s.LastFailure = b.lastFailure.Format(time.RFC3339)
	}
	return s
}
