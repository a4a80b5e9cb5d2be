// Package breaker implements a sliding-window circuit breaker shared across
// workflow instances. One breaker guards one (capability class, target)
// scope; the Board hands out breakers by scope key.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker's admission state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes one breaker. Zero values fall back to the defaults.
type Config struct {
	// Window is the number of most recent outcomes considered.
	Window int

	// FailureRatio opens the breaker when failures/window exceeds it.
	FailureRatio float64

	// MinSamples is the minimum number of recorded outcomes before the
	// ratio is evaluated, so a single early failure cannot open the breaker.
	MinSamples int

	// Cooldown is how long the breaker stays open before admitting probes.
	Cooldown time.Duration

	// HalfOpenProbes is how many concurrent probe attempts the half-open
	// state admits before deciding to close or reopen.
	HalfOpenProbes int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker is a sliding-window failure-ratio circuit breaker.
type Breaker struct {
	mu sync.Mutex

	cfg      Config
	state    State
	outcomes []bool // true = failure; at most cfg.Window entries
	openedAt time.Time
	probes   int // admitted but unresolved half-open probes
}

// New returns a closed breaker with the given configuration.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether an attempt may be dispatched. In the open state it
// returns false until the cooldown elapses, then transitions to half-open
// and admits up to HalfOpenProbes attempts.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.probes = 0
	}

	switch b.state {
	case Closed:
		return true
	case Open:
		return false
	case HalfOpen:
		if b.probes < b.cfg.HalfOpenProbes {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful outcome. In half-open it closes the
// breaker once every admitted probe has succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(false)
	if b.state == HalfOpen {
		b.probes--
		if b.probes <= 0 {
			b.state = Closed
			b.outcomes = nil
		}
	}
}

// RecordFailure records a failed outcome. In the closed state it opens the
// breaker when the window's failure ratio exceeds the threshold; in half-open
// any failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(true)
	switch b.state {
	case Closed:
		if b.ratioExceeded() {
			b.open()
		}
	case HalfOpen:
		b.open()
	}
}

// State returns the current state, applying the cooldown transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.probes = 0
	}
	return b.state
}

func (b *Breaker) record(failure bool) {
	b.outcomes = append(b.outcomes, failure)
	if len(b.outcomes) > b.cfg.Window {
		b.outcomes = b.outcomes[len(b.outcomes)-b.cfg.Window:]
	}
}

func (b *Breaker) ratioExceeded() bool {
	if len(b.outcomes) < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, failed := range b.outcomes {
		if failed {
			failures++
		}
	}
	return float64(failures)/float64(len(b.outcomes)) > b.cfg.FailureRatio
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.cfg.Now()
	b.probes = 0
}

// Board hands out breakers by scope key, creating them on first use. It is
// safe for concurrent use across many instances.
type Board struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewBoard creates a Board whose breakers share a default configuration.
func NewBoard(cfg Config) *Board {
	return &Board{cfg: cfg.withDefaults(), breakers: map[string]*Breaker{}}
}

// For returns the breaker for a scope, creating it if needed.
func (bd *Board) For(scope string) *Breaker {
	return bd.ForWithConfig(scope, bd.cfg)
}

// ForWithConfig returns the breaker for a scope, creating it with the given
// configuration if it does not exist yet. An existing breaker keeps its
// original configuration.
func (bd *Board) ForWithConfig(scope string, cfg Config) *Breaker {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if b, ok := bd.breakers[scope]; ok {
		return b
	}
	b := New(cfg)
	bd.breakers[scope] = b
	return b
}

// Scope builds the scope key for a (capability class, target) pair.
func Scope(class, target string) string {
	return class + "/" + target
}
