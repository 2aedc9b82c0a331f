// Package satellite implements the GPS satellite status detector. It
// records every satellite change posted on the event bus and stores on
// an interval.
package satellite

import (
	"strconv"
	"sync"
	"time"

	"possum/internal/detector"
	"possum/internal/eventbus"
	"possum/internal/logging"
	"possum/internal/metrics"
)

// DefaultStoreInterval is how often buffered values are stored.
const DefaultStoreInterval = 60 * time.Second

// Options configures a Detector.
type Options struct {
	ID            string
	SecretKeyHash string

	Bus       *eventbus.Bus
	Store     detector.Store
	Logger    *logging.Logger
	Metrics   *metrics.DetectorMetrics
	Scheduler detector.Scheduler

	// StoreInterval defaults to DefaultStoreInterval.
	StoreInterval time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	// Enabled reports whether a satellite source exists. Nil means yes.
	Enabled func() bool
}

// Detector records satellite status changes.
type Detector struct {
	*detector.Core

	now     func() time.Time
	enabled func() bool

	mu     sync.Mutex
	inView int
	used   int
}

var (
	_ detector.Detector   = (*Detector)(nil)
	_ eventbus.Subscriber = (*Detector)(nil)
)

// New creates a satellite detector subscribed to opts.Bus.
func New(opts Options) *Detector {
	if opts.StoreInterval <= 0 {
		opts.StoreInterval = DefaultStoreInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	d := &Detector{
		Core: detector.NewCore(detector.Options{
			ID:            opts.ID,
			SecretKeyHash: opts.SecretKeyHash,
			Type:          detector.GpsStatus,
			Bus:           opts.Bus,
			Store:         opts.Store,
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
			Scheduler:     opts.Scheduler,
		}),
		now:     opts.Now,
		enabled: opts.Enabled,
	}
	d.StoreWithInterval(opts.StoreInterval)
	d.Subscribe(d)
	return d
}

// IsEnabled reports whether a satellite source exists.
func (d *Detector) IsEnabled() bool {
	return d.enabled == nil || d.enabled()
}

// IsAvailable reports whether any satellite is in view.
func (d *Detector) IsAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.IsEnabled() && d.inView > 0
}

// IsValidSet always reports true.
func (d *Detector) IsValidSet() bool { return true }

// InView returns the last reported satellite counts.
func (d *Detector) InView() (inView, used int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inView, d.used
}

// StartListening starts interval storage.
func (d *Detector) StartListening() bool {
	return d.Start()
}

// StopListening stops interval storage and stores what is buffered.
func (d *Detector) StopListening() {
	if d.Stop() {
		if err := d.StoreData(); err != nil {
			d.Logger().Debug("store on stop", "error", err)
		}
	}
}

// Terminate terminates the detector.
func (d *Detector) Terminate() {
	d.Core.Terminate()
}

// EventReceived records satellite changes while listening.
func (d *Detector) EventReceived(e eventbus.Event) {
	event, ok := e.(eventbus.SatelliteChangeEvent)
	if !ok {
		return
	}
	if !d.IsListening() {
		return
	}

	d.Append(strconv.FormatInt(d.now().UnixMilli(), 10) + " " + event.Message())

	d.mu.Lock()
	wasVisible := d.inView > 0
	d.inView, d.used = event.InView, event.Used
	visible := d.inView > 0
	d.mu.Unlock()

	if wasVisible != visible {
		d.StatusChanged()
	}
}
