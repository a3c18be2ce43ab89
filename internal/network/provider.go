package network

import (
	"context"
	"sync"
)

// ConnectivityProvider is the platform's view of connectivity.
type ConnectivityProvider interface {
	// Current reports whether the device is online right now.
	Current(ctx context.Context) (bool, error)
	// Subscribe registers fn for connectivity changes. Providers may repeat
	// a state; the Monitor filters duplicates.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// subscribers is an ordered callback list shared by the providers.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    []subscriber
}

type subscriber struct {
	id int
	fn func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.fns = append(s.fns, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.fns {
			if sub.id == id {
				s.fns = append(s.fns[:i], s.fns[i+1:]...)
				return
			}
		}
	}
}

func (s *subscribers) notify(online bool) {
	s.mu.Lock()
	fns := make([]func(bool), len(s.fns))
	for i, sub := range s.fns {
		fns[i] = sub.fn
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// ManualProvider is toggled explicitly. The HTTP connectivity endpoint,
// the scenario harness and tests drive it.
type ManualProvider struct {
	mu     sync.Mutex
	online bool
	subs   subscribers
}

// NewManualProvider starts in the given state.
func NewManualProvider(online bool) *ManualProvider {
	return &ManualProvider{online: online}
}

// Current returns the last value passed to Set.
func (p *ManualProvider) Current(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online, nil
}

// Subscribe registers fn for every Set call.
func (p *ManualProvider) Subscribe(fn func(online bool)) func() {
	return p.subs.add(fn)
}

// Set records the state and notifies subscribers synchronously.
func (p *ManualProvider) Set(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
	p.subs.notify(online)
}
