// Package connectivity exposes the network-connectivity signal the core
// consumes. The platform shell owns the real signal (OS reachability APIs);
// the core only needs the current state and transition notifications.
package connectivity

import (
	"sync"
)

// Class describes the connection quality when online.
type Class string

const (
	ClassNone     Class = "none"
	ClassCellular Class = "cellular"
	ClassWifi     Class = "wifi"
)

// State is one connectivity snapshot.
type State struct {
	Online bool
	Class  Class
}

// Monitor reports the current connectivity state and notifies subscribers on
// transitions.
type Monitor interface {
	// State returns the last observed connectivity state.
	State() State

	// Subscribe registers a listener for state transitions. The returned
	// function cancels the subscription.
	Subscribe(func(State)) (cancel func())
}

// ManualMonitor is a Monitor driven by explicit Set calls. The platform
// shell feeds it from the OS reachability callback; tests drive it directly.
type ManualMonitor struct {
	mu        sync.RWMutex
	state     State
	nextID    int
	listeners map[int]func(State)
}

// NewManualMonitor creates a monitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	class := ClassNone
	if online {
		class = ClassWifi
	}
	return &ManualMonitor{
		state:     State{Online: online, Class: class},
		listeners: make(map[int]func(State)),
	}
}

// State returns the last observed state.
func (m *ManualMonitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online is shorthand for State().Online.
func (m *ManualMonitor) Online() bool {
	return m.State().Online
}

// Set updates the state and notifies subscribers if it changed. Listeners
// run synchronously on the caller's goroutine, outside the monitor lock.
func (m *ManualMonitor) Set(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	listeners := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// SetOnline toggles between a wifi-online and offline state.
func (m *ManualMonitor) SetOnline(online bool) {
	if online {
		m.Set(State{Online: true, Class: ClassWifi})
	} else {
		m.Set(State{Online: false, Class: ClassNone})
	}
}

// Subscribe registers a transition listener.
func (m *ManualMonitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}
