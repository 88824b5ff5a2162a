// Package connectivity tracks whether the platform reports the network as
// online and fans transitions out to the rest of the sync core.
package connectivity

import (
	"sync"
	"time"

	"github.com/coachcoreai/coachcore/backend/internal/logging"
)

type subscriber struct {
	id int
	fn func(online bool)
}

// Monitor is the single source of truth for online/offline state. It
// trusts the signals it is given and never probes the network itself.
type Monitor struct {
	// transition serialises Set so subscribers observe transitions in order.
	transition sync.Mutex

	mu        sync.RWMutex
	online    bool
	changedAt time.Time
	subs      []subscriber
	nextID    int
	onOnline  func()
}

// NewMonitor creates a Monitor with the platform's current indicator.
func NewMonitor(initial bool) *Monitor {
	return &Monitor{
		online:    initial,
		changedAt: time.Now(),
	}
}

// IsOnline returns the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ChangedAt returns when the state last changed.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// Subscribe registers fn for every transition. Callbacks run synchronously
// in registration order on the goroutine that called Set and must not call
// Set themselves.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnOnline sets the hook run once per offline to online transition, after
// subscribers. The sync scheduler uses it to request a drain.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = fn
	m.mu.Unlock()
}

// Set records a platform signal. Repeated signals for the current state
// are ignored. It reports whether a transition happened.
func (m *Monitor) Set(online bool) bool {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.changedAt = time.Now()
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	hook := m.onOnline
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{
		"online":      online,
		"subscribers": len(subs),
	})

	for _, s := range subs {
		s.fn(online)
	}
	if online && hook != nil {
		hook()
	}
	return true
}
