// Package detector provides the lifecycle, listener and session plumbing
// shared by every signal detector.
//
// A concrete detector embeds *Core and adds its platform wiring. Core
// owns identity, the lifecycle state machine, status listeners, the
// session buffer and the hand-off of buffered values to a Store.
package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"possum/internal/eventbus"
	"possum/internal/logging"
	"possum/internal/metrics"
)

// ErrTerminated is returned for operations on a terminated detector.
var ErrTerminated = errors.New("detector: terminated")

// Detector is the behaviour the registry relies on.
type Detector interface {
	ID() string
	Type() Type
	Name() string

	IsEnabled() bool
	IsAvailable() bool
	IsListening() bool
	IsValidSet() bool

	StartListening() bool
	StopListening()
	Terminate()

	AddStatusListener(StatusListener) (remove func())
}

// Options configures a Core.
type Options struct {
	ID            string
	SecretKeyHash string
	Type          Type

	// Name defaults to Type.String().
	Name string

	Bus       *eventbus.Bus
	Store     Store
	Logger    *logging.Logger
	Metrics   *metrics.DetectorMetrics
	Scheduler Scheduler

	// SessionRetain bounds the flushed values kept in memory. Zero means
	// DefaultSessionRetain.
	SessionRetain int
}

// Core is the shared part of a detector.
type Core struct {
	id            string
	secretKeyHash string
	typ           Type
	name          string

	lifecycle Lifecycle
	listeners Listeners
	session   Session

	bus       *eventbus.Bus
	store     Store
	logger    *logging.Logger
	metrics   *metrics.DetectorMetrics
	scheduler Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	unsubscribeBus func()
	interval       time.Duration
	intervalTimer  Timer
	intervalGen    uint64

	// flushMu serializes store hand-offs so batches stay in order.
	flushMu sync.Mutex
}

// NewCore creates a Core in the idle state.
func NewCore(opts Options) *Core {
	if opts.Name == "" {
		opts.Name = opts.Type.String()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		id:            opts.ID,
		secretKeyHash: opts.SecretKeyHash,
		typ:           opts.Type,
		name:          opts.Name,
		bus:           opts.Bus,
		store:         opts.Store,
		logger:        opts.Logger.WithDetector(opts.Name, opts.ID),
		metrics:       opts.Metrics,
		scheduler:     opts.Scheduler,
		ctx:           ctx,
		cancel:        cancel,
	}
	c.session.SetRetain(opts.SessionRetain)
	return c
}

// ID returns the detector identifier.
func (c *Core) ID() string { return c.id }

// Type returns the detector type.
func (c *Core) Type() Type { return c.typ }

// Name returns the detector display name.
func (c *Core) Name() string { return c.name }

// SecretKeyHash returns the secret the detector was created with.
func (c *Core) SecretKeyHash() string { return c.secretKeyHash }

// Logger returns the detector-scoped logger.
func (c *Core) Logger() *logging.Logger { return c.logger }

// Metrics returns the detector metrics, possibly nil.
func (c *Core) Metrics() *metrics.DetectorMetrics { return c.metrics }

// Scheduler returns the scheduler timers are armed on.
func (c *Core) Scheduler() Scheduler { return c.scheduler }

// Session returns the session buffer.
func (c *Core) Session() *Session { return &c.session }

// State returns the lifecycle state.
func (c *Core) State() State { return c.lifecycle.State() }

// IsListening reports whether the detector is listening.
func (c *Core) IsListening() bool { return c.lifecycle.IsListening() }

// AddStatusListener registers l for status changes.
func (c *Core) AddStatusListener(l StatusListener) (remove func()) {
	return c.listeners.Add(l)
}

// StatusChanged notifies every status listener synchronously.
func (c *Core) StatusChanged() {
	c.metrics.RecordStatusChange()
	c.listeners.Notify(c.typ)
}

// Subscribe registers s on the event bus. It is unregistered by Terminate.
func (c *Core) Subscribe(s eventbus.Subscriber) {
	if c.bus == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribeBus != nil {
		return
	}
	c.unsubscribeBus = c.bus.Register(s)
}

// Post publishes e on the event bus, if any.
func (c *Core) Post(e eventbus.Event) {
	if c.bus != nil {
		c.bus.Post(e)
	}
}

// Start moves the lifecycle to listening and starts interval storage
// when configured. It returns false once terminated.
func (c *Core) Start() bool {
	if !c.lifecycle.Start() {
		return false
	}
	c.metrics.SetListening(true)

	c.mu.Lock()
	if c.interval > 0 && c.intervalTimer == nil {
		c.armIntervalLocked()
	}
	c.mu.Unlock()
	return true
}

// Stop moves the lifecycle to stopped and stops interval storage.
func (c *Core) Stop() bool {
	stopped := c.lifecycle.Stop()
	c.stopInterval()
	c.metrics.SetListening(false)
	return stopped
}

// Terminate stops the detector for good: the bus subscription is
// released and pending values get a last flush.
func (c *Core) Terminate() bool {
	c.lifecycle.Stop()
	c.stopInterval()
	c.metrics.SetListening(false)

	c.mu.Lock()
	unsubscribe := c.unsubscribeBus
	c.unsubscribeBus = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	if !c.lifecycle.Terminate() {
		return false
	}
	if err := c.StoreData(); err != nil {
		c.logger.Warn("final flush failed", "error", err)
	}
	c.cancel()
	return true
}

// Append adds a formatted reading to the session buffer.
func (c *Core) Append(value string) {
	n := c.session.Append(value)
	c.metrics.RecordReading(n)
}

// StoreData hands pending session values to the store. Without a store
// values stay buffered. A failed hand-off leaves them pending.
func (c *Core) StoreData() error {
	if c.store == nil {
		return nil
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	values, first := c.session.Pending()
	if len(values) == 0 {
		return nil
	}
	if c.ctx.Err() != nil {
		return ErrTerminated
	}

	start := time.Now()
	err := c.store.Persist(c.ctx, Batch{
		DetectorID:    c.id,
		Type:          c.typ,
		SecretKeyHash: c.secretKeyHash,
		FirstSeq:      first,
		Values:        values,
	})
	c.metrics.RecordFlush(time.Since(start), err)
	if err != nil {
		c.logger.Warn("store session values", "count", len(values), "error", err)
		return err
	}

	c.session.MarkFlushed(first + len(values))
	return nil
}

// StoreWithInterval makes the detector flush every d while listening
// instead of after every reading. A zero d disables interval storage.
func (c *Core) StoreWithInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}

// StoresWithInterval reports whether interval storage is configured.
func (c *Core) StoresWithInterval() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval > 0
}

func (c *Core) armIntervalLocked() {
	gen := c.intervalGen
	c.intervalTimer = c.scheduler.AfterFunc(c.interval, func() { c.intervalTick(gen) })
}

// intervalTick flushes and re-arms the chain it belongs to. A tick from
// a chain stopped in the meantime does not re-arm.
func (c *Core) intervalTick(gen uint64) {
	if err := c.StoreData(); err != nil {
		c.logger.Debug("interval flush", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.intervalGen && c.intervalTimer != nil && c.lifecycle.IsListening() {
		c.armIntervalLocked()
	}
}

func (c *Core) stopInterval() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intervalGen++
	if c.intervalTimer != nil {
		c.intervalTimer.Stop()
		c.intervalTimer = nil
	}
}

// ResetSession discards the session buffer. Values stored later keep
// numbering after the discarded ones.
func (c *Core) ResetSession() {
	c.session.Reset()
	c.metrics.SetSessionValues(0)
}
