// Package detectortest provides fakes for testing detectors.
package detectortest

import (
	"context"
	"sort"
	"sync"
	"time"

	"possum/internal/detector"
)

// FakeScheduler is a manual clock implementing detector.Scheduler.
// Scheduled functions run synchronously from Advance or Timer.Fire.
type FakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*FakeTimer
}

// FakeTimer is a timer created by FakeScheduler.
type FakeTimer struct {
	s       *FakeScheduler
	At      time.Duration
	Delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

// NewFakeScheduler returns a scheduler at time zero.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{}
}

// AfterFunc implements detector.Scheduler.
func (s *FakeScheduler) AfterFunc(d time.Duration, f func()) detector.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &FakeTimer{s: s, At: s.now + d, Delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Stop implements detector.Timer.
func (t *FakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Active reports whether the timer is neither stopped nor fired.
func (t *FakeTimer) Active() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return !t.stopped && !t.fired
}

// Fire runs the timer now if it is still active.
func (t *FakeTimer) Fire() bool {
	t.s.mu.Lock()
	if t.stopped || t.fired {
		t.s.mu.Unlock()
		return false
	}
	t.fired = true
	t.s.mu.Unlock()

	t.f()
	return true
}

// Advance moves the clock forward by d, firing due timers in order.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var due []*FakeTimer
		for _, t := range s.timers {
			if !t.stopped && !t.fired && t.At <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			s.now = target
			s.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].At < due[j].At })
		next := due[0]
		s.now = next.At
		s.mu.Unlock()

		next.Fire()
	}
}

// Timers returns every timer created so far.
func (s *FakeScheduler) Timers() []*FakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeTimer(nil), s.timers...)
}

// Pending returns the number of active timers.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// RecordingStore is a detector.Store that keeps every batch.
type RecordingStore struct {
	mu      sync.Mutex
	Batches []detector.Batch

	// Err, when set, is returned by Persist and the batch is not kept.
	Err error
}

// Persist implements detector.Store.
func (s *RecordingStore) Persist(_ context.Context, b detector.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	b.Values = append([]string(nil), b.Values...)
	s.Batches = append(s.Batches, b)
	return nil
}

// SetErr sets the error returned by Persist.
func (s *RecordingStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Values returns every stored value in order.
func (s *RecordingStore) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.Batches {
		out = append(out, b.Values...)
	}
	return out
}

// Calls returns the number of successful Persist calls.
func (s *RecordingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Batches)
}

// RecordingListener counts status notifications.
type RecordingListener struct {
	mu    sync.Mutex
	Types []detector.Type
}

// DetectorStatusChanged implements detector.StatusListener.
func (l *RecordingListener) DetectorStatusChanged(t detector.Type) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Types = append(l.Types, t)
}

// Count returns the number of notifications received.
func (l *RecordingListener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Types)
}

// FakeDetector is a detector.Detector with settable availability.
type FakeDetector struct {
	*detector.Core

	mu        sync.Mutex
	enabled   bool
	available bool
	starts    int
	stops     int
}

// NewFakeDetector returns an enabled and available fake of type t.
func NewFakeDetector(id string, t detector.Type) *FakeDetector {
	return &FakeDetector{
		Core:      detector.NewCore(detector.Options{ID: id, Type: t}),
		enabled:   true,
		available: true,
	}
}

// Set changes the flags and notifies status listeners.
func (d *FakeDetector) Set(enabled, available bool) {
	d.mu.Lock()
	d.enabled, d.available = enabled, available
	d.mu.Unlock()
	d.StatusChanged()
}

func (d *FakeDetector) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *FakeDetector) IsAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled && d.available
}

func (d *FakeDetector) IsValidSet() bool { return true }

func (d *FakeDetector) StartListening() bool {
	d.mu.Lock()
	d.starts++
	d.mu.Unlock()
	return d.Start()
}

func (d *FakeDetector) StopListening() {
	d.mu.Lock()
	d.stops++
	d.mu.Unlock()
	d.Stop()
}

func (d *FakeDetector) Terminate() { d.Core.Terminate() }

// Calls returns how often StartListening and StopListening ran.
func (d *FakeDetector) Calls() (starts, stops int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops
}

var _ detector.Detector = (*FakeDetector)(nil)
