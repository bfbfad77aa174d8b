// Package network merges network reachability and authentication state into a single
// online/offline signal.
package network

import (
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// Status is the effective connectivity
type Status string

const (
	// Online means the remote store can be reached
	Online Status = "online"
	// Offline means remote calls must not be attempted
	Offline Status = "offline"
)

// Handler receives connectivity transitions
type Handler func(Status)

// Monitor tracks raw reachability and session presence. Only the reachability input
// decides the status unless RequireSession is set.
type Monitor struct {
	// dispatchMu keeps deliveries in transition order
	dispatchMu     sync.Mutex
	mu             sync.Mutex
	networkOnline  bool
	hasSession     bool
	requireSession bool
	status         Status
	nextID         int
	handlers       map[int]Handler
}

// Option configures a Monitor
type Option func(*Monitor)

// WithRequireSession forces offline while no user session is active
func WithRequireSession(require bool) Option {
	return func(m *Monitor) {
		m.requireSession = require
	}
}

// NewMonitor creates a monitor with the initial input values
func NewMonitor(networkOnline, hasSession bool, opts ...Option) *Monitor {
	m := &Monitor{
		networkOnline: networkOnline,
		hasSession:    hasSession,
		handlers:      make(map[int]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.status = m.derive()
	return m
}

// SetNetworkOnline updates raw reachability
func (m *Monitor) SetNetworkOnline(online bool) {
	m.update(func() { m.networkOnline = online })
}

// SetSession updates authentication presence
func (m *Monitor) SetSession(active bool) {
	m.update(func() { m.hasSession = active })
}

// IsOnline reports whether the effective status is online
func (m *Monitor) IsOnline() bool {
	return m.CurrentStatus() == Online
}

// CurrentStatus returns the effective status
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// HasSession reports the last known authentication state
func (m *Monitor) HasSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSession
}

// Subscribe registers handler and delivers the current status to it right away.
// Handlers run on the goroutine that caused the transition, one transition at a time,
// and must not change the monitor's inputs themselves.
func (m *Monitor) Subscribe(handler Handler) (unsubscribe func()) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = handler
	current := m.status
	m.mu.Unlock()

	handler(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) update(mutate func()) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	mutate()
	next := m.derive()
	if next == m.status {
		m.mu.Unlock()
		return
	}
	m.status = next
	handlers := m.snapshot()
	m.mu.Unlock()

	logrus.WithField("status", next).Info("Connectivity changed")
	for _, h := range handlers {
		h(next)
	}
}

func (m *Monitor) derive() Status {
	if !m.networkOnline {
		return Offline
	}
	if m.requireSession && !m.hasSession {
		return Offline
	}
	return Online
}

func (m *Monitor) snapshot() []Handler {
	ids := make([]int, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = m.handlers[id]
	}
	return out
}
