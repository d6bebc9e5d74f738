// Package breaker implements a circuit breaker used to stop hammering ad
// servers that keep failing or timing out.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Circuit breaker states
const (
	StateClosed   = "closed"    // Normal operation
	StateOpen     = "open"      // Failing, rejecting requests
	StateHalfOpen = "half-open" // Testing if the ad server recovered
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a request
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyConcurrent is returned when MaxConcurrent is reached
	ErrTooManyConcurrent = errors.New("max concurrent requests exceeded")
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Failures before opening circuit
	SuccessThreshold int           // Successes to close circuit from half-open
	Timeout          time.Duration // Time to wait before half-open
	MaxConcurrent    int           // Max concurrent requests (0 = unlimited)
	OnStateChange    func(name, from, to string)
}

// DefaultConfig returns defaults tuned for ad-server fetches
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxConcurrent:    100,
	}
}

// Breaker guards calls to a single upstream
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	lastFailureTime time.Time
	concurrent      int

	totalRequests int64
	totalFailures int64
	totalRejected int64
}

// New creates a breaker for the named upstream
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn with circuit breaker protection
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) <= b.config.Timeout {
			b.totalRejected++
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.concurrent++
		return nil

	case StateHalfOpen:
		// one probe at a time
		if b.concurrent >= 1 {
			b.totalRejected++
			return ErrCircuitOpen
		}
		b.concurrent++
		return nil
	}

	if b.config.MaxConcurrent > 0 && b.concurrent >= b.config.MaxConcurrent {
		b.totalRejected++
		return ErrTooManyConcurrent
	}
	b.concurrent++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.concurrent--
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
}

func (b *Breaker) recordFailure() {
	b.totalFailures++
	b.failures++
	b.successes = 0
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.successes++

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
		}
	}
}

// setState must be called with mu held. The callback runs on its own goroutine
// so a slow metrics sink never holds the lock.
func (b *Breaker) setState(newState string) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.successes = 0

	log.Info().
		Str("upstream", b.name).
		Str("from", oldState).
		Str("to", newState).
		Msg("circuit breaker state changed")

	if cb := b.config.OnStateChange; cb != nil {
		go func(name, from, to string) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("upstream", name).Msg("circuit breaker callback panicked")
				}
			}()
			cb(name, from, to)
		}(b.name, oldState, newState)
	}
}

// State returns the current state
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	TotalRequests int64  `json:"total_requests"`
	TotalFailures int64  `json:"total_failures"`
	TotalRejected int64  `json:"total_rejected"`
	Failures      int    `json:"current_failures"`
}

// Stats returns a snapshot of the breaker counters
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:          b.name,
		State:         b.state,
		TotalRequests: b.totalRequests,
		TotalFailures: b.totalFailures,
		TotalRejected: b.totalRejected,
		Failures:      b.failures,
	}
}

// Reset closes the breaker and clears its failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
}

// ForceOpen opens the breaker immediately
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateOpen)
	b.lastFailureTime = b.now()
}
