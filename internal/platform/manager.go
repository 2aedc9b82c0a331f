// Package platform implements the host side of location: the provider
// sources, the service that multiplexes them, the location-mode setting
// and the permission oracle.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"possum/internal/location"
	"possum/internal/logging"
)

var (
	// ErrUnknownProvider is returned for a provider no source serves.
	ErrUnknownProvider = errors.New("platform: unknown provider")
	// ErrClosed is returned once the manager is closed.
	ErrClosed = errors.New("platform: manager closed")
	// ErrNoFix is returned by a source that cannot produce a fix.
	ErrNoFix = errors.New("platform: no fix")
)

// DefaultFixTimeout bounds one fix acquisition.
const DefaultFixTimeout = 30 * time.Second

// Source produces position fixes for one provider.
type Source interface {
	// Provider returns the provider name, e.g. "gps".
	Provider() string
	// Available reports whether the source can currently produce fixes.
	Available() bool
	// Fix blocks until the next fix or until ctx is done.
	Fix(ctx context.Context) (location.Location, error)
}

type request struct {
	id       uint64
	provider string
	cancel   context.CancelFunc
}

// Manager implements location.Service over a set of sources.
type Manager struct {
	logger     *logging.Logger
	fixTimeout time.Duration

	mu      sync.Mutex
	sources map[string]Source
	order   []string
	pending map[location.Listener][]request
	failing map[string]bool
	nextID  uint64
	closed  bool

	subs   map[uint64]func()
	subID  uint64
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ location.Service          = (*Manager)(nil)
	_ location.ProvidersChanged = (*Manager)(nil)
)

// NewManager creates a manager serving sources in the given order. A
// later source for the same provider replaces an earlier one.
func NewManager(logger *logging.Logger, fixTimeout time.Duration, sources ...Source) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	if fixTimeout <= 0 {
		fixTimeout = DefaultFixTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:     logger.WithComponent("location-service"),
		fixTimeout: fixTimeout,
		sources:    make(map[string]Source),
		pending:    make(map[location.Listener][]request),
		failing:    make(map[string]bool),
		subs:       make(map[uint64]func()),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, s := range sources {
		m.AddSource(s)
	}
	return m
}

// AddSource registers s under its provider name.
func (m *Manager) AddSource(s Source) {
	m.mu.Lock()
	name := s.Provider()
	if _, ok := m.sources[name]; !ok {
		m.order = append(m.order, name)
	}
	m.sources[name] = s
	m.mu.Unlock()

	m.NotifyProvidersChanged()
}

// AllProviders returns every provider name, enabled or not.
func (m *Manager) AllProviders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// IsProviderEnabled reports whether provider exists and is available.
func (m *Manager) IsProviderEnabled(provider string) bool {
	m.mu.Lock()
	s, ok := m.sources[provider]
	m.mu.Unlock()
	return ok && s.Available()
}

// RequestSingleUpdate acquires one fix from provider in the background
// and delivers it to l. A failed acquisition reports the provider as
// temporarily unavailable, followed by a providers-changed broadcast
// when the source is still available.
func (m *Manager) RequestSingleUpdate(provider string, l location.Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	s, ok := m.sources[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	m.nextID++
	ctx, cancel := context.WithTimeout(m.ctx, m.fixTimeout)
	req := request{id: m.nextID, provider: provider, cancel: cancel}
	m.pending[l] = append(m.pending[l], req)

	m.wg.Add(1)
	go m.acquire(ctx, s, l, req)
	return nil
}

func (m *Manager) acquire(ctx context.Context, s Source, l location.Listener, req request) {
	defer m.wg.Done()
	defer req.cancel()

	fix, err := s.Fix(ctx)

	m.mu.Lock()
	live := m.finish(l, req.id)
	wasFailing := m.failing[req.provider]
	if live {
		m.failing[req.provider] = err != nil
	}
	m.mu.Unlock()

	if !live {
		// Withdrawn by RemoveUpdates or Close.
		return
	}
	if err != nil {
		m.logger.Debug("fix failed", "provider", req.provider, "error", err)
		l.OnStatusChanged(req.provider, location.TemporarilyUnavailable)
		if s.Available() {
			// Still connected: let subscribers re-read the provider so the
			// next scan asks it again.
			m.NotifyProvidersChanged()
		}
		return
	}
	if wasFailing {
		l.OnStatusChanged(req.provider, location.Available)
	}
	if fix.Provider == "" {
		fix.Provider = req.provider
	}
	l.OnLocationChanged(fix)
}

// finish drops request id of l and reports whether it was still pending.
func (m *Manager) finish(l location.Listener, id uint64) bool {
	reqs := m.pending[l]
	for i, r := range reqs {
		if r.id == id {
			reqs = append(reqs[:i], reqs[i+1:]...)
			if len(reqs) == 0 {
				delete(m.pending, l)
			} else {
				m.pending[l] = reqs
			}
			return true
		}
	}
	return false
}

// RemoveUpdates withdraws every outstanding request of l.
func (m *Manager) RemoveUpdates(l location.Listener) error {
	m.mu.Lock()
	reqs := m.pending[l]
	delete(m.pending, l)
	m.mu.Unlock()

	for _, r := range reqs {
		r.cancel()
	}
	return nil
}

// Pending returns the number of outstanding requests of l.
func (m *Manager) Pending(l location.Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[l])
}

// SubscribeProvidersChanged calls fn whenever a source changes
// availability.
func (m *Manager) SubscribeProvidersChanged(fn func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.subID++
	id := m.subID
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

// NotifyProvidersChanged tells subscribers that provider availability
// changed.
func (m *Manager) NotifyProvidersChanged() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close cancels every request and waits for the acquisitions to return.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pending = make(map[location.Listener][]request)
	m.subs = make(map[uint64]func())
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}
