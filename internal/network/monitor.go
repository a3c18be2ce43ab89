package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
)

// State is the connectivity snapshot handed to listeners.
type State struct {
	Online bool      `json:"online"`
	Since  time.Time `json:"since"`
}

// Listener observes state changes.
type Listener func(State)

type listenerEntry struct {
	id int
	fn Listener
}

// Monitor owns the connectivity state. It is the only writer.
type Monitor struct {
	provider ConnectivityProvider
	clock    clock.Clock
	logger   *slog.Logger

	// deliver serialises transitions so listeners see them in order.
	deliver sync.Mutex

	mu        sync.Mutex
	state     State
	listeners []listenerEntry
	nextID    int
	hook      func()
	unsub     func()
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithClock sets the clock used to stamp transitions.
func WithClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// NewMonitor creates an offline monitor bound to provider. Call Start to
// seed the real state and begin observing.
func NewMonitor(provider ConnectivityProvider, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		provider: provider,
		clock:    clock.Real{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = State{Online: false, Since: m.clock.Now()}
	return m
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online is shorthand for State().Online.
func (m *Monitor) Online() bool {
	return m.State().Online
}

// Subscribe registers l for every transition and returns its unsubscribe func.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: l})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetReconnectHook sets the callback run on every offline to online edge,
// before any listener.
func (m *Monitor) SetReconnectHook(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Start seeds the state from the provider and subscribes to its changes.
// Seeding does not notify listeners. A provider error seeds offline.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.unsub != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	m.mu.Unlock()

	online, err := m.provider.Current(ctx)
	if err != nil {
		m.logger.Warn("read initial connectivity", "error", err)
		online = false
	}

	m.mu.Lock()
	m.state = State{Online: online, Since: m.clock.Now()}
	m.unsub = m.provider.Subscribe(m.update)
	m.mu.Unlock()

	m.logger.Info("network monitor started", "online", online)
	return nil
}

// Stop detaches from the provider.
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (m *Monitor) update(online bool) {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	if m.state.Online == online {
		m.mu.Unlock()
		return
	}
	m.state = State{Online: online, Since: m.clock.Now()}
	state := m.state
	hook := m.hook
	listeners := make([]Listener, len(m.listeners))
	for i, e := range m.listeners {
		listeners[i] = e.fn
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)

	if online && hook != nil {
		m.safeCall("reconnect hook", func() { hook() })
	}
	for _, l := range listeners {
		m.safeCall("listener", func() { l(state) })
	}
}

func (m *Monitor) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity callback panicked", "callback", what, "panic", r)
		}
	}()
	fn()
}
