package eventing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by a BreakerPublisher while publishing is suspended.
var ErrBreakerOpen = fmt.Errorf("eventing: publisher circuit open")

// BreakerState represents the state of a BreakerPublisher
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines when a BreakerPublisher suspends and resumes publishing
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Cooldown is how long the circuit stays open before a trial publish
	Cooldown time.Duration

	// SuccessThreshold is the number of consecutive trial successes that close the circuit
	SuccessThreshold int
}

// DefaultBreakerConfig returns a default configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// BreakerPublisher wraps a Publisher with a circuit breaker. After
// MaxFailures consecutive failures it rejects publishes with ErrBreakerOpen
// for Cooldown, then lets one publish at a time through until
// SuccessThreshold of them succeed.
type BreakerPublisher struct {
	next   Publisher
	config BreakerConfig
	now    func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	trial     bool
	openedAt  time.Time
}

var _ Publisher = (*BreakerPublisher)(nil)

// NewBreakerPublisher returns next guarded by a circuit breaker. Zero fields
// in config take their defaults.
func NewBreakerPublisher(next Publisher, config BreakerConfig) *BreakerPublisher {
	def := DefaultBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	return &BreakerPublisher{next: next, config: config, now: time.Now}
}

func (b *BreakerPublisher) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if err := b.beforePublish(); err != nil {
		return err
	}
	err := b.next.Publish(ctx, subject, data, opts...)
	b.afterPublish(err)
	return err
}

func (b *BreakerPublisher) beforePublish() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		fallthrough
	case StateHalfOpen:
		if b.trial {
			return ErrBreakerOpen
		}
		b.trial = true
	}
	return nil
}

func (b *BreakerPublisher) afterPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	halfOpen := b.state == StateHalfOpen
	b.trial = false
	if err != nil {
		b.failures++
		if halfOpen || b.failures >= b.config.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return
	}
	b.failures = 0
	if halfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.successes = 0
		}
	}
}

// State returns the current state
func (b *BreakerPublisher) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit
func (b *BreakerPublisher) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.trial = false
}
