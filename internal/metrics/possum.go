package metrics

import (
	"time"
)

// DetectorMetrics holds the metrics of one detector. A nil
// *DetectorMetrics records nothing.
type DetectorMetrics struct {
	ReadingsTotal      *Counter
	ScansTotal         *Counter
	ScanTimeoutsTotal  *Counter
	StatusChangesTotal *Counter
	FlushesTotal       *Counter
	FlushErrorsTotal   *Counter

	SessionValues *Gauge
	Listening     *Gauge
	MaxSpeed      *Gauge

	FlushDuration *Histogram
}

// NewDetectorMetrics registers the metrics of the named detector.
func NewDetectorMetrics(registry *Registry, detector string) *DetectorMetrics {
	labels := Labels{"detector": detector}

	return &DetectorMetrics{
		ReadingsTotal: registry.RegisterCounter(
			"detector_readings_total",
			"Readings appended to the session buffer",
			labels,
		),
		ScansTotal: registry.RegisterCounter(
			"detector_scans_total",
			"Single-shot scans that issued at least one request",
			labels,
		),
		ScanTimeoutsTotal: registry.RegisterCounter(
			"detector_scan_timeouts_total",
			"Scans cancelled by their timeout",
			labels,
		),
		StatusChangesTotal: registry.RegisterCounter(
			"detector_status_changes_total",
			"Status change notifications sent to listeners",
			labels,
		),
		FlushesTotal: registry.RegisterCounter(
			"detector_flushes_total",
			"Session value batches handed to the store",
			labels,
		),
		FlushErrorsTotal: registry.RegisterCounter(
			"detector_flush_errors_total",
			"Failed store hand-offs",
			labels,
		),
		SessionValues: registry.RegisterGauge(
			"detector_session_values",
			"Values in the session buffer",
			labels,
		),
		Listening: registry.RegisterGauge(
			"detector_listening",
			"1 while the detector is listening",
			labels,
		),
		MaxSpeed: registry.RegisterGauge(
			"detector_max_speed_mps",
			"Maximum observed speed in metres per second",
			labels,
		),
		FlushDuration: registry.RegisterHistogram(
			"detector_flush_duration_seconds",
			"Store hand-off latency",
			labels,
			DurationBuckets,
		),
	}
}

// RecordReading counts one reading and updates the buffer size.
func (m *DetectorMetrics) RecordReading(bufferLen int) {
	if m == nil {
		return
	}
	m.ReadingsTotal.Inc()
	m.SessionValues.Set(float64(bufferLen))
}

// SetSessionValues sets the buffer size gauge.
func (m *DetectorMetrics) SetSessionValues(n int) {
	if m == nil {
		return
	}
	m.SessionValues.Set(float64(n))
}

// RecordScan counts a scan that issued requests.
func (m *DetectorMetrics) RecordScan() {
	if m == nil {
		return
	}
	m.ScansTotal.Inc()
}

// RecordScanTimeout counts a scan timeout.
func (m *DetectorMetrics) RecordScanTimeout() {
	if m == nil {
		return
	}
	m.ScanTimeoutsTotal.Inc()
}

// RecordStatusChange counts a listener notification.
func (m *DetectorMetrics) RecordStatusChange() {
	if m == nil {
		return
	}
	m.StatusChangesTotal.Inc()
}

// RecordFlush records a store hand-off.
func (m *DetectorMetrics) RecordFlush(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.FlushesTotal.Inc()
	if err != nil {
		m.FlushErrorsTotal.Inc()
	}
	m.FlushDuration.ObserveDuration(d)
}

// SetListening records the listening state.
func (m *DetectorMetrics) SetListening(listening bool) {
	if m == nil {
		return
	}
	if listening {
		m.Listening.Set(1)
	} else {
		m.Listening.Set(0)
	}
}

// ObserveSpeed raises the max speed gauge.
func (m *DetectorMetrics) ObserveSpeed(mps float32) {
	if m == nil {
		return
	}
	m.MaxSpeed.SetMax(float64(mps))
}

// DaemonMetrics holds process-wide metrics.
type DaemonMetrics struct {
	start time.Time

	EventsPostedTotal *Counter
	MessagesTotal     *Counter
	ClientsConnected  *Gauge
	UptimeSeconds     *Gauge
	Detectors         *Gauge
}

// NewDaemonMetrics registers the process-wide metrics.
func NewDaemonMetrics(registry *Registry) *DaemonMetrics {
	return &DaemonMetrics{
		start: time.Now(),
		EventsPostedTotal: registry.RegisterCounter(
			"events_posted_total",
			"Events posted to the event bus",
			nil,
		),
		MessagesTotal: registry.RegisterCounter(
			"messages_total",
			"Host messages received",
			nil,
		),
		ClientsConnected: registry.RegisterGauge(
			"clients_connected",
			"Connected messaging clients",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the daemon started",
			nil,
		),
		Detectors: registry.RegisterGauge(
			"detectors",
			"Detectors owned by the registry",
			nil,
		),
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *DaemonMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(time.Since(m.start).Seconds())
}
