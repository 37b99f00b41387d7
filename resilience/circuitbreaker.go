// Package resilience wraps the external calls a tiered cache depends on
// (a distributed L2, a lock service) with circuit breaking and leased
// locking so a failing dependency degrades gracefully instead of hanging
// every caller.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker is the contract storage.BreakerLayer uses to guard a single
// lower-tier dependency (one L2 or L3 layer). Modeled on the teacher's
// CircuitBreaker interface, trimmed to what a cache layer call needs.
type Breaker interface {
	Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error)
	IsOpen() bool
	Name() string
}

// BreakerConfig configures a single Breaker. Zero values fall back to the
// same defaults the teacher's NewCircuitBreaker applies.
type BreakerConfig struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from gobreaker.State, to gobreaker.State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.ReadyToTrip == nil {
		c.ReadyToTrip = func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		}
	}
	return c
}

// gobreakerBreaker adapts gobreaker.CircuitBreaker to Breaker.
type gobreakerBreaker struct {
	breaker *gobreaker.CircuitBreaker
	name    string
}

// NewBreaker constructs a Breaker backed by sony/gobreaker.
func NewBreaker(config BreakerConfig) Breaker {
	config = config.withDefaults()
	settings := gobreaker.Settings{
		Name:          config.Name,
		MaxRequests:   config.MaxRequests,
		Interval:      config.Interval,
		Timeout:       config.Timeout,
		ReadyToTrip:   config.ReadyToTrip,
		OnStateChange: config.OnStateChange,
	}
	return &gobreakerBreaker{
		breaker: gobreaker.NewCircuitBreaker(settings),
		name:    config.Name,
	}
}

func (b *gobreakerBreaker) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return b.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
}

func (b *gobreakerBreaker) IsOpen() bool {
	return b.breaker.State() == gobreaker.StateOpen
}

func (b *gobreakerBreaker) Name() string { return b.name }

// Manager keeps one Breaker per named dependency (one per storage layer,
// typically), creating a default-configured breaker on first use. Mirrors
// the teacher's CircuitBreakerManager.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]Breaker
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]Breaker)}
}

// Get returns the named breaker and whether it already existed.
func (m *Manager) Get(name string) (Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Register installs a breaker built from config under name, replacing any
// existing one.
func (m *Manager) Register(name string, config BreakerConfig) Breaker {
	config.Name = name
	b := NewBreaker(config)
	m.mu.Lock()
	m.breakers[name] = b
	m.mu.Unlock()
	return b
}

// Execute runs fn through the named breaker, registering one with default
// config on first use.
func (m *Manager) Execute(ctx context.Context, name string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		b = m.Register(name, BreakerConfig{Name: name})
	}
	return b.Execute(ctx, fn)
}
