// Package breaker implements a per-endpoint circuit breaker with the classic
// closed → open → half-open cycle. A Breaker never performs the guarded call
// itself: callers ask Allow before the call and report the outcome with
// RecordSuccess, RecordFailure or Abandon afterwards.
package breaker

import (
	"sync"
	"time"
)

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls when a breaker trips and how long it stays open.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Key                 string     `json:"key"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	NextProbeAt         *time.Time `json:"next_probe_at,omitempty"`
}

// TransitionFunc is notified after every state change. It runs with the
// breaker lock released.
type TransitionFunc func(key string, from, to State)

// Breaker tracks consecutive failures for a single endpoint.
//
// Safe for concurrent use. Every method holds the lock only for the duration
// of one state transition.
type Breaker struct {
	key    string
	cfg    Config
	now    func() time.Time
	notify TransitionFunc

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	nextProbeAt         time.Time
	probeInFlight       bool
}

// New creates a closed breaker.
func New(key string, cfg Config) *Breaker {
	return &Breaker{
		key:   key,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
}

// Key returns the endpoint identity guarded by this breaker.
func (b *Breaker) Key() string { return b.key }

// State returns the current state. An open breaker whose reset timeout has
// elapsed still reports open until the next Allow call claims the probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may be attempted now.
//
// In the open state it returns false until ResetTimeout has elapsed, at which
// point the breaker moves to half-open and exactly one caller is granted the
// probe. Further callers are rejected until that probe is reported.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from, to State
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !b.now().Before(b.nextProbeAt) {
			from, to = b.state, StateHalfOpen
			b.state = StateHalfOpen
			b.probeInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			allowed = true
		}
	}
	b.mu.Unlock()

	b.fire(from, to)
	return allowed
}

// RecordSuccess resets the failure count; a successful probe closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var from, to State
	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		from, to = b.state, StateClosed
		b.state = StateClosed
		b.probeInFlight = false
		b.nextProbeAt = time.Time{}
	}
	b.mu.Unlock()

	b.fire(from, to)
}

// RecordFailure counts a failed call. The breaker opens once FailureThreshold
// consecutive failures are reached; a failed probe re-opens it with a fresh
// full ResetTimeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var from, to State
	now := b.now()
	b.consecutiveFailures++
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			from, to = b.state, StateOpen
			b.state = StateOpen
			b.nextProbeAt = now.Add(b.cfg.ResetTimeout)
		}
	case StateHalfOpen:
		from, to = b.state, StateOpen
		b.state = StateOpen
		b.probeInFlight = false
		b.nextProbeAt = now.Add(b.cfg.ResetTimeout)
	case StateOpen:
		// A call granted before the breaker opened finished late.
	}
	b.mu.Unlock()

	b.fire(from, to)
}

// Abandon releases a granted half-open probe without judging the endpoint,
// for example when the caller's context was cancelled before a response.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Key:                 b.key,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if b.state != StateClosed && !b.nextProbeAt.IsZero() {
		t := b.nextProbeAt
		s.NextProbeAt = &t
	}
	return s
}

func (b *Breaker) fire(from, to State) {
	if to == "" || b.notify == nil {
		return
	}
	b.notify(b.key, from, to)
}
