// Package status holds and broadcasts the synchronization status seen by the UI layer.
package status

import (
	"slices"
	"sync"
	"time"
)

// State is the coarse synchronization state
type State string

const (
	// Idle means nothing is being synchronized right now
	Idle State = "idle"
	// Syncing means a drain of the pending queue is in progress
	Syncing State = "syncing"
	// Error means at least one pending operation exhausted its retry budget
	Error State = "error"
	// Conflict is reserved for conflicts deferred to the user
	Conflict State = "conflict"
	// Offline means the remote store is unreachable
	Offline State = "offline"
)

// SyncInfo is the published synchronization status
type SyncInfo struct {
	Status         State      `json:"status"`
	LastSync       *time.Time `json:"lastSync"`
	PendingChanges int        `json:"pendingChanges"`
	Error          error      `json:"-"`
}

// ErrorMessage returns the error text, empty when there is none
func (i SyncInfo) ErrorMessage() string {
	if i.Error == nil {
		return ""
	}
	return i.Error.Error()
}

// Handler receives published status values
type Handler func(SyncInfo)

// Publisher keeps the current SyncInfo and fans it out to subscribers.
// It never inspects the queue itself; callers publish complete values.
type Publisher struct {
	mu       sync.Mutex
	current  SyncInfo
	nextID   int
	handlers map[int]Handler
}

// NewPublisher creates a publisher holding the initial value
func NewPublisher(initial SyncInfo) *Publisher {
	return &Publisher{
		current:  initial,
		handlers: make(map[int]Handler),
	}
}

// Notify replaces the current status and delivers it to every subscriber
func (p *Publisher) Notify(info SyncInfo) {
	p.mu.Lock()
	p.current = info
	handlers := p.snapshot()
	p.mu.Unlock()

	for _, h := range handlers {
		h(info)
	}
}

// Current returns the latest published status
func (p *Publisher) Current() SyncInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers handler and immediately delivers the current status to it.
// The returned function removes the subscription and is safe to call more than once.
func (p *Publisher) Subscribe(handler Handler) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = handler
	current := p.current
	p.mu.Unlock()

	handler(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.handlers, id)
			p.mu.Unlock()
		})
	}
}

func (p *Publisher) snapshot() []Handler {
	ids := make([]int, 0, len(p.handlers))
	for id := range p.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids) // subscription order
	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = p.handlers[id]
	}
	return out
}
