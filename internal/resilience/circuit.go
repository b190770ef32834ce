package resilience

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// CircuitState is the state of a breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// OnStateChange is called outside the breaker lock.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Breaker counts consecutive failures and short-circuits calls while open.
// After ResetTimeout a single probe is admitted (half-open); its outcome
// closes or re-opens the circuit.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	clock clockwork.Clock

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a breaker on the given clock (nil uses the real clock).
func NewBreaker(name string, cfg BreakerConfig, clock clockwork.Clock) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{name: name, cfg: cfg, clock: clock}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, promoting open to half-open once the
// reset timeout has elapsed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. Callers that get true must
// report the result through Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		change = b.transition(StateHalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Record reports the outcome of an allowed call. Only failures that count
// against the backend (transport errors, 5xx, timeouts) should pass
// failed=true.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if !failed {
		b.failures = 0
		b.probing = false
		if b.state != StateClosed {
			change = b.transition(StateClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.openedAt = b.clock.Now()
		change = b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.clock.Now()
			change = b.transition(StateOpen)
		}
	}
}

// transition must be called with mu held; the returned func runs the
// callback after unlock.
func (b *Breaker) transition(to CircuitState) func() {
	from := b.state
	b.state = to
	if from == to {
		return nil
	}
	return func() {
		zap.L().Info("circuit state change",
			zap.String("breaker", b.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.name, from, to)
		}
	}
}

// Breakers is a lazily populated registry of named breakers sharing one
// configuration.
type Breakers struct {
	cfg   BreakerConfig
	clock clockwork.Clock

	mu     sync.Mutex
	byName map[string]*Breaker
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig, clock clockwork.Clock) *Breakers {
	return &Breakers{cfg: cfg, clock: clock, byName: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byName[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.clock)
	r.byName[name] = b
	return b
}

// States snapshots every known breaker's state.
func (r *Breakers) States() map[string]CircuitState {
	r.mu.Lock()
	names := make([]*Breaker, 0, len(r.byName))
	for _, b := range r.byName {
		names = append(names, b)
	}
	r.mu.Unlock()

	out := make(map[string]CircuitState, len(names))
	for _, b := range names {
		out[b.name] = b.State()
	}
	return out
}
