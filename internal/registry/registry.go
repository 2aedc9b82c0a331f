// Package registry owns the detectors of a session and starts, stops
// and terminates them together.
package registry

import (
	"sync"

	"possum/internal/config"
	"possum/internal/detector"
	"possum/internal/health"
	"possum/internal/logging"
	"possum/internal/metrics"
)

// Status is the externally visible state of one detector.
type Status struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Listening bool   `json:"listening"`
}

// Options configures a Registry.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.DaemonMetrics
	Health  *health.Checker
}

// Registry holds the detectors of a session.
type Registry struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.DaemonMetrics
	health  *health.Checker

	listeners detector.Listeners

	mu        sync.RWMutex
	detectors []detector.Detector
	removers  []func()
	learning  bool
}

// New creates an empty registry. Detectors named in the unwanted list
// of cfg are refused by Add.
func New(cfg *config.Config, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  opts.Logger.WithComponent("registry"),
		metrics: opts.Metrics,
		health:  opts.Health,
	}
}

// SetConfig replaces the configuration consulted by later calls to Add.
func (r *Registry) SetConfig(cfg *config.Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Add takes ownership of d. It reports false and leaves d alone when d
// is unwanted.
func (r *Registry) Add(d detector.Detector) bool {
	r.mu.Lock()
	if r.cfg != nil && r.cfg.IsUnwanted(d.Name()) {
		r.mu.Unlock()
		r.logger.Info("detector unwanted, skipping", "detector", d.Name())
		return false
	}
	r.detectors = append(r.detectors, d)
	r.removers = append(r.removers, d.AddStatusListener(detector.StatusListenerFunc(r.listeners.Notify)))
	n := len(r.detectors)
	learning := r.learning
	r.mu.Unlock()

	if r.health != nil {
		r.health.RegisterDetector(d)
	}
	if r.metrics != nil {
		r.metrics.Detectors.Set(float64(n))
	}
	r.logger.Debug("detector added", "detector", d.Name(), "id", d.ID())
	if learning {
		d.StartListening()
	}
	return true
}

// Detectors returns the owned detectors in the order they were added.
func (r *Registry) Detectors() []detector.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]detector.Detector(nil), r.detectors...)
}

// AddStatusListener registers l for status changes of every detector,
// including detectors added later.
func (r *Registry) AddStatusListener(l detector.StatusListener) (remove func()) {
	return r.listeners.Add(l)
}

// Learning reports whether the detectors are meant to be listening.
func (r *Registry) Learning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.learning
}

// SetLearning starts or stops every detector.
func (r *Registry) SetLearning(on bool) {
	if on {
		r.StartAll()
	} else {
		r.StopAll()
	}
}

// StartAll starts every detector. Detectors that refuse to start are
// logged and skipped.
func (r *Registry) StartAll() {
	r.mu.Lock()
	r.learning = true
	detectors := append([]detector.Detector(nil), r.detectors...)
	r.mu.Unlock()

	for _, d := range detectors {
		if !d.StartListening() {
			r.logger.Warn("detector did not start", "detector", d.Name())
		}
	}
	r.logger.Info("learning started", "detectors", len(detectors))
}

// StopAll stops every detector.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.learning = false
	detectors := append([]detector.Detector(nil), r.detectors...)
	r.mu.Unlock()

	for _, d := range detectors {
		d.StopListening()
	}
	r.logger.Info("learning stopped", "detectors", len(detectors))
}

// TerminateAll terminates and releases every detector.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	detectors := r.detectors
	removers := r.removers
	r.detectors = nil
	r.removers = nil
	r.learning = false
	r.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	for _, d := range detectors {
		d.Terminate()
		if r.health != nil {
			r.health.Unregister(d.Name())
		}
	}
	if r.metrics != nil {
		r.metrics.Detectors.Set(0)
	}
}

// Statuses returns the state of every detector.
func (r *Registry) Statuses() []Status {
	detectors := r.Detectors()
	out := make([]Status, 0, len(detectors))
	for _, d := range detectors {
		out = append(out, StatusOf(d))
	}
	return out
}

// StatusOf returns the state of d.
func StatusOf(d detector.Detector) Status {
	return Status{
		ID:        d.ID(),
		Type:      d.Type().String(),
		Name:      d.Name(),
		Enabled:   d.IsEnabled(),
		Available: d.IsAvailable(),
		Listening: d.IsListening(),
	}
}
