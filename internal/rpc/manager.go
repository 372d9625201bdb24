// Package rpc provides a health-tracked, weight-balanced pool of Solana
// JSON-RPC providers with automatic failover. It is the sole retry layer
// in the pipeline: callers go through ExecuteWithFallback and never retry
// above it.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mroth/weightedrand"
)

// Default health model parameters.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 10 * time.Second
	DefaultCapDelay   = 5 * time.Minute
)

// ErrNoEndpoints is returned when the manager is constructed with no
// providers, or a fallback chain finds nothing left to try.
var ErrNoEndpoints = errors.New("no rpc endpoints available")

// Endpoint is a single upstream provider. All mutable fields are owned
// by the Manager and guarded by its mutex.
type Endpoint struct {
	Name   string
	URL    string
	Weight uint // positive selection priority

	healthy       bool
	lastErrorTime time.Time
	errorCount    int
	requestCount  int
}

// EndpointHealth is a read-only snapshot of one endpoint's health state.
type EndpointHealth struct {
	Name          string
	Healthy       bool
	ErrorCount    int
	RequestCount  int
	LastErrorTime time.Time
}

// Manager owns the endpoint list for the process. One instance is
// constructed at startup and shared by reference, so the whole process
// sees a single health table.
type Manager struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	clients   map[string]*Client

	baseDelay time.Duration
	capDelay  time.Duration
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBackoff overrides the health backoff window parameters.
func WithBackoff(base, cap time.Duration) ManagerOption {
	return func(m *Manager) {
		m.baseDelay = base
		m.capDelay = cap
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithClients overrides the per-endpoint clients. Used by tests to plug
// in stubs.
func WithClients(clients map[string]*Client) ManagerOption {
	return func(m *Manager) {
		m.clients = clients
	}
}

// NewManager creates a Manager over the configured endpoints. Every
// endpoint starts healthy.
func NewManager(endpoints []Endpoint, opts ...ManagerOption) (*Manager, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	m := &Manager{
		clients:   make(map[string]*Client, len(endpoints)),
		baseDelay: DefaultBaseDelay,
		capDelay:  DefaultCapDelay,
		now:       time.Now,
	}
	for i := range endpoints {
		ep := endpoints[i]
		if ep.Weight == 0 {
			return nil, fmt.Errorf("endpoint %s: weight must be positive", ep.Name)
		}
		ep.healthy = true
		m.endpoints = append(m.endpoints, &ep)
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, ep := range m.endpoints {
		if _, ok := m.clients[ep.Name]; !ok {
			m.clients[ep.Name] = NewClient(ep.URL)
		}
	}
	return m, nil
}

// Select picks one endpoint among the currently healthy set by weighted
// random draw, so higher-weight providers absorb proportionally more
// traffic without starving the rest.
func (m *Manager) Select() *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectLocked(nil)
}

// selectLocked performs the weighted draw over healthy endpoints not in
// the excluded set. Caller holds the mutex.
func (m *Manager) selectLocked(exclude map[string]bool) *Endpoint {
	healthy := m.healthyLocked(exclude)
	if len(healthy) == 0 {
		return nil
	}
	if len(healthy) == 1 {
		return healthy[0]
	}

	choices := make([]weightedrand.Choice, len(healthy))
	for i, ep := range healthy {
		choices[i] = weightedrand.NewChoice(ep, ep.Weight)
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		// Weights are validated at construction; fall back to the first
		// candidate rather than stalling.
		return healthy[0]
	}
	return chooser.Pick().(*Endpoint)
}

// healthyLocked returns endpoints currently considered healthy, applying
// backoff-based auto-recovery. If every endpoint is unhealthy, all are
// reset to healthy: availability wins over strict health enforcement.
func (m *Manager) healthyLocked(exclude map[string]bool) []*Endpoint {
	now := m.now()
	var healthy []*Endpoint
	for _, ep := range m.endpoints {
		if !ep.healthy && now.Sub(ep.lastErrorTime) > m.backoffWindow(ep.errorCount) {
			ep.healthy = true
		}
		if ep.healthy && !exclude[ep.Name] {
			healthy = append(healthy, ep)
		}
	}
	if healthy != nil || len(exclude) > 0 {
		return healthy
	}

	for _, ep := range m.endpoints {
		ep.healthy = true
		if !exclude[ep.Name] {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}

// backoffWindow computes min(baseDelay * 2^(errorCount-1), capDelay).
func (m *Manager) backoffWindow(errorCount int) time.Duration {
	if errorCount < 1 {
		return m.baseDelay
	}
	window := m.baseDelay
	for i := 1; i < errorCount; i++ {
		window *= 2
		if window >= m.capDelay {
			return m.capDelay
		}
	}
	if window > m.capDelay {
		return m.capDelay
	}
	return window
}

// MarkSuccess records a successful call against an endpoint.
func (m *Manager) MarkSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.endpoints {
		if ep.Name == name {
			ep.healthy = true
			ep.requestCount++
			return
		}
	}
}

// MarkError records a failed call against an endpoint and takes it out
// of rotation until its backoff window elapses.
func (m *Manager) MarkError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.endpoints {
		if ep.Name == name {
			ep.healthy = false
			ep.errorCount++
			ep.requestCount++
			ep.lastErrorTime = m.now()
			return
		}
	}
}

// HealthStatus returns a snapshot of every endpoint's health state.
func (m *Manager) HealthStatus() map[string]EndpointHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]EndpointHealth, len(m.endpoints))
	for _, ep := range m.endpoints {
		status[ep.Name] = EndpointHealth{
			Name:          ep.Name,
			Healthy:       ep.healthy,
			ErrorCount:    ep.errorCount,
			RequestCount:  ep.requestCount,
			LastErrorTime: ep.lastErrorTime,
		}
	}
	return status
}

// nextEndpoint chooses the endpoint for a given attempt. The first
// attempt is a weighted random draw; fallback attempts walk the untried
// healthy endpoints deterministically so a retry never burns an attempt
// reselecting an endpoint that just failed.
func (m *Manager) nextEndpoint(attempt int, tried map[string]bool) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	if attempt == 0 {
		return m.selectLocked(tried)
	}
	for _, ep := range m.healthyLocked(tried) {
		return ep
	}
	return nil
}

// client returns the client bound to an endpoint.
func (m *Manager) client(name string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[name]
}

// ExecuteWithFallback runs fn against up to maxRetries distinct
// endpoints, returning the first success. Each failure marks the
// endpoint unhealthy and moves on to the next untried healthy endpoint;
// once none remain the last observed error is returned.
func ExecuteWithFallback[T any](ctx context.Context, m *Manager, maxRetries int, fn func(ctx context.Context, c *Client) (T, error)) (T, error) {
	var zero T
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		ep := m.nextEndpoint(attempt, tried)
		if ep == nil {
			break
		}
		tried[ep.Name] = true

		result, err := fn(ctx, m.client(ep.Name))
		if err != nil {
			m.MarkError(ep.Name, err)
			lastErr = fmt.Errorf("endpoint %s: %w", ep.Name, err)
			continue
		}
		m.MarkSuccess(ep.Name)
		return result, nil
	}

	if lastErr == nil {
		return zero, ErrNoEndpoints
	}
	return zero, lastErr
}
