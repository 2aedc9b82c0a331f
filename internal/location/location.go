// Package location implements the position detector.
//
// The detector tracks the live availability of the gps and network
// providers, gated by the fine-location permission, and takes one fix
// per scan. A scan asks every available provider for a single update
// and arms a timeout that withdraws the requests if no fix arrives.
package location

import (
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"possum/internal/detector"
	"possum/internal/eventbus"
	"possum/internal/logging"
	"possum/internal/metrics"
)

// DefaultScanTimeout is how long a scan waits for a fix.
const DefaultScanTimeout = 60 * time.Second

// Options configures a Detector.
type Options struct {
	ID            string
	SecretKeyHash string

	Bus       *eventbus.Bus
	Store     detector.Store
	Logger    *logging.Logger
	Metrics   *metrics.DetectorMetrics
	Scheduler detector.Scheduler

	// ScanTimeout defaults to DefaultScanTimeout.
	ScanTimeout time.Duration
}

// Detector is the position detector.
type Detector struct {
	*detector.Core

	service     Service
	permissions Permissions
	settings    Settings
	scanTimeout time.Duration

	mu               sync.Mutex
	providers        []string
	gpsAvailable     bool
	networkAvailable bool

	isRegistered bool
	unregister   func()

	timer    detector.Timer
	scanGen  uint64
	scanning bool

	maxSpeed  float32
	lastPoint *orb.Point
	distance  float64
}

var (
	_ detector.Detector   = (*Detector)(nil)
	_ Listener            = (*Detector)(nil)
	_ eventbus.Subscriber = (*Detector)(nil)
)

// New creates a position detector on host. A nil host service leaves the
// detector permanently disabled.
func New(host Host, opts Options) *Detector {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}

	d := &Detector{
		Core: detector.NewCore(detector.Options{
			ID:            opts.ID,
			SecretKeyHash: opts.SecretKeyHash,
			Type:          detector.Position,
			Name:          "Position",
			Bus:           opts.Bus,
			Store:         opts.Store,
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
			Scheduler:     opts.Scheduler,
		}),
		service:     host.Service,
		permissions: host.Permissions,
		settings:    host.Settings,
		scanTimeout: opts.ScanTimeout,
	}
	d.Subscribe(d)

	if d.service == nil {
		d.Logger().Debug("No positioning available")
		return d
	}

	d.providers = d.service.AllProviders()
	d.networkAvailable = d.service.IsProviderEnabled(NetworkProvider)
	d.gpsAvailable = d.service.IsProviderEnabled(GPSProvider)

	if host.ProvidersChanged != nil {
		unsubscribe, err := host.ProvidersChanged.SubscribeProvidersChanged(d.providersChanged)
		if err != nil {
			d.Logger().Warn("subscribe to provider changes", "error", err)
		} else {
			d.unregister = unsubscribe
			d.isRegistered = true
		}
	}
	return d
}

// IsEnabled reports whether a location service exists and knows at least
// one provider.
func (d *Detector) IsEnabled() bool {
	if d.service == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.providers) > 0
}

// IsProviderEnabled reports whether the service knows provider.
func (d *Detector) IsProviderEnabled(provider string) bool {
	if d.service == nil {
		return false
	}
	for _, p := range d.service.AllProviders() {
		if p == provider {
			return true
		}
	}
	return false
}

// IsProviderAvailable reports whether provider is live and permitted.
func (d *Detector) IsProviderAvailable(provider string) bool {
	permission := d.IsPermitted()

	d.mu.Lock()
	gps, network := d.gpsAvailable, d.networkAvailable
	d.mu.Unlock()

	switch provider {
	case GPSProvider:
		return permission && gps
	case NetworkProvider:
		return permission && network
	default:
		d.Logger().Debug("Unknown provider:" + provider)
		return false
	}
}

// IsAvailable reports whether any tracked provider is live and the
// detector is permitted.
func (d *Detector) IsAvailable() bool {
	d.mu.Lock()
	live := d.gpsAvailable || d.networkAvailable
	d.mu.Unlock()
	return live && d.IsPermitted()
}

// IsPermitted reports whether the fine-location permission is granted.
func (d *Detector) IsPermitted() bool {
	return d.permissions != nil && d.permissions.CheckPermission(FineLocation)
}

// IsValidSet always reports true.
func (d *Detector) IsValidSet() bool { return true }

// MaxSpeed returns the highest speed seen, in meters per second.
func (d *Detector) MaxSpeed() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxSpeed
}

// Distance returns the great-circle distance covered by the readings so
// far, in meters.
func (d *Detector) Distance() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.distance
}

// ScanPending reports whether a scan timeout is armed.
func (d *Detector) ScanPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// StartListening starts the detector and runs a scan. It reports whether
// the detector is listening, which does not depend on permission.
func (d *Detector) StartListening() bool {
	listen := d.Start()
	if listen {
		d.performScan()
	}
	return listen
}

// StopListening stops the detector. A scan in flight is left to deliver
// or time out.
func (d *Detector) StopListening() {
	d.Stop()
}

// Terminate releases the provider subscription, cancels any scan and
// terminates the core. It is safe to call more than once.
func (d *Detector) Terminate() {
	d.mu.Lock()
	var unregister func()
	if d.isRegistered {
		unregister = d.unregister
		d.unregister = nil
		d.isRegistered = false
	}
	d.mu.Unlock()
	if unregister != nil {
		unregister()
	}

	d.cancelScan()
	d.Core.Terminate()
}

// EventReceived handles bus events. A location event of type
// SINGLE_POSITION_SCAN runs a scan.
func (d *Detector) EventReceived(e eventbus.Event) {
	event, ok := e.(eventbus.LocationChangeEvent)
	if !ok {
		d.Logger().Debug("ignoring event", "type", e.EventType())
		return
	}
	switch event.EventType() {
	case eventbus.SinglePositionScan:
		d.performScan()
	default:
		d.Logger().Debug("Unknown event in location detector:" + event.EventType())
	}
}

func (d *Detector) performScan() {
	if !d.IsEnabled() {
		d.Logger().Debug(fmt.Sprintf("Unable to scan for position:%t/%t", d.IsAvailable(), d.IsEnabled()))
		return
	}

	scanStarted := false
	for _, provider := range trackedProviders {
		if !d.IsProviderAvailable(provider) || !d.IsPermitted() {
			continue
		}
		if err := d.service.RequestSingleUpdate(provider, d); err != nil {
			d.Logger().Warn("request single update", "provider", provider, "error", err)
			continue
		}
		scanStarted = true
	}
	if !scanStarted {
		return
	}
	d.Metrics().RecordScan()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.scanGen++
	gen := d.scanGen
	d.scanning = true
	d.timer = d.Scheduler().AfterFunc(d.scanTimeout, func() { d.scanTimedOut(gen) })
}

func (d *Detector) scanTimedOut(gen uint64) {
	d.mu.Lock()
	if gen != d.scanGen {
		d.mu.Unlock()
		return
	}
	outstanding := d.endScanLocked()
	d.mu.Unlock()

	d.Metrics().RecordScanTimeout()
	if outstanding {
		d.removeUpdates()
	}
}

func (d *Detector) cancelScan() {
	d.mu.Lock()
	outstanding := d.endScanLocked()
	d.mu.Unlock()

	if outstanding {
		d.removeUpdates()
	}
}

// endScanLocked drops the scan timer and reports whether update requests
// may still be outstanding.
func (d *Detector) endScanLocked() bool {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.scanGen++
	outstanding := d.scanning
	d.scanning = false
	return outstanding
}

// removeUpdates withdraws update requests. It is skipped without
// permission.
func (d *Detector) removeUpdates() {
	if d.service == nil || !d.IsPermitted() {
		return
	}
	if err := d.service.RemoveUpdates(d); err != nil {
		d.Logger().Warn("remove location updates", "error", err)
	}
}

// providersChanged re-reads provider availability after the host reports
// a change in enabled providers.
func (d *Detector) providersChanged() {
	if d.settings == nil || !d.settings.ModeSupported() {
		gps := d.service.IsProviderEnabled(GPSProvider)
		network := d.service.IsProviderEnabled(NetworkProvider)
		d.mu.Lock()
		d.gpsAvailable, d.networkAvailable = gps, network
		d.mu.Unlock()
		d.StatusChanged()
		return
	}

	mode, err := d.settings.LocationMode()
	if err != nil {
		d.Logger().Error("Settings not found", "error", err)
		return
	}

	d.mu.Lock()
	switch mode {
	case ModeHighAccuracy:
		d.gpsAvailable, d.networkAvailable = true, true
	case ModeOff:
		d.gpsAvailable, d.networkAvailable = false, false
	case ModeSensorsOnly:
		d.gpsAvailable, d.networkAvailable = true, false
	case ModeBatterySaving:
		d.gpsAvailable, d.networkAvailable = false, true
	default:
		d.Logger().Debug(fmt.Sprintf("Unhandled mode:%d", int(mode)))
	}
	d.mu.Unlock()
	d.StatusChanged()
}

// OnLocationChanged records a fix and hands it to the store.
func (d *Detector) OnLocationChanged(l Location) {
	d.Append(l.SessionValue())

	point := orb.Point{l.Longitude, l.Latitude}
	d.mu.Lock()
	if l.Speed > d.maxSpeed {
		d.maxSpeed = l.Speed
	}
	if d.lastPoint != nil {
		d.distance += geo.Distance(*d.lastPoint, point)
	}
	d.lastPoint = &point
	d.mu.Unlock()

	d.Metrics().ObserveSpeed(l.Speed)
	if err := d.StoreData(); err != nil {
		d.Logger().Debug("store location", "error", err)
	}
}

// OnStatusChanged updates the named provider from its reported status.
func (d *Detector) OnStatusChanged(provider string, status ProviderStatus) {
	switch status {
	case Available:
		d.setProvider(provider, true)
	case OutOfService, TemporarilyUnavailable:
		d.setProvider(provider, false)
	}
	d.StatusChanged()
}

// OnProviderEnabled marks provider live.
func (d *Detector) OnProviderEnabled(provider string) {
	d.setProvider(provider, true)
	d.StatusChanged()
}

// OnProviderDisabled marks provider unavailable.
func (d *Detector) OnProviderDisabled(provider string) {
	d.setProvider(provider, false)
	d.StatusChanged()
}

func (d *Detector) setProvider(provider string, live bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch provider {
	case GPSProvider:
		d.gpsAvailable = live
	case NetworkProvider:
		d.networkAvailable = live
	}
}
