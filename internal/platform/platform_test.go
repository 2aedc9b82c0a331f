package platform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possum/internal/config"
	"possum/internal/detector/detectortest"
	"possum/internal/eventbus"
	"possum/internal/location"
	"possum/internal/logging"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSource struct {
	provider  string
	available atomic.Bool
	fixes     chan location.Location
	err       error
}

func newFakeSource(provider string) *fakeSource {
	s := &fakeSource{provider: provider, fixes: make(chan location.Location, 4)}
	s.available.Store(true)
	return s
}

func (s *fakeSource) Provider() string { return s.provider }

func (s *fakeSource) Available() bool { return s.available.Load() }

func (s *fakeSource) Fix(ctx context.Context) (location.Location, error) {
	if s.err != nil {
		return location.Location{}, s.err
	}
	select {
	case fix := <-s.fixes:
		return fix, nil
	case <-ctx.Done():
		return location.Location{}, ctx.Err()
	}
}

type recordingListener struct {
	mu       sync.Mutex
	fixes    []location.Location
	statuses []location.ProviderStatus
}

func (l *recordingListener) OnLocationChanged(fix location.Location) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fixes = append(l.fixes, fix)
}

func (l *recordingListener) OnStatusChanged(_ string, status location.ProviderStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *recordingListener) OnProviderEnabled(string)  {}
func (l *recordingListener) OnProviderDisabled(string) {}

func (l *recordingListener) Fixes() []location.Location {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]location.Location(nil), l.fixes...)
}

func (l *recordingListener) Statuses() []location.ProviderStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]location.ProviderStatus(nil), l.statuses...)
}

// =============================================================================
// Manager
// =============================================================================

func TestManagerProviders(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	network := newFakeSource(location.NetworkProvider)
	network.available.Store(false)

	m := NewManager(logging.Discard(), time.Second, gps, network)
	defer m.Close()

	assert.Equal(t, []string{"gps", "network"}, m.AllProviders())
	assert.True(t, m.IsProviderEnabled(location.GPSProvider))
	assert.False(t, m.IsProviderEnabled(location.NetworkProvider))
	assert.False(t, m.IsProviderEnabled(location.PassiveProvider))
}

func TestManagerDeliversSingleFix(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	m := NewManager(logging.Discard(), time.Second, gps)
	defer m.Close()
	l := &recordingListener{}

	require.NoError(t, m.RequestSingleUpdate(location.GPSProvider, l))
	assert.Equal(t, 1, m.Pending(l))

	gps.fixes <- location.Location{Latitude: 1, Longitude: 2}
	require.Eventually(t, func() bool { return len(l.Fixes()) == 1 }, time.Second, 5*time.Millisecond)

	fix := l.Fixes()[0]
	assert.Equal(t, 1.0, fix.Latitude)
	assert.Equal(t, location.GPSProvider, fix.Provider, "provider filled in")
	assert.Eventually(t, func() bool { return m.Pending(l) == 0 }, time.Second, 5*time.Millisecond)
}

func TestManagerUnknownProvider(t *testing.T) {
	m := NewManager(logging.Discard(), time.Second)
	defer m.Close()

	err := m.RequestSingleUpdate("bogus", &recordingListener{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestManagerRemoveUpdatesWithdrawsRequests(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	network := newFakeSource(location.NetworkProvider)
	m := NewManager(logging.Discard(), time.Minute, gps, network)
	defer m.Close()
	l := &recordingListener{}

	require.NoError(t, m.RequestSingleUpdate(location.GPSProvider, l))
	require.NoError(t, m.RequestSingleUpdate(location.NetworkProvider, l))
	assert.Equal(t, 2, m.Pending(l))

	require.NoError(t, m.RemoveUpdates(l))
	assert.Equal(t, 0, m.Pending(l))

	// A fix arriving after withdrawal is not delivered.
	gps.fixes <- location.Location{}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l.Fixes())
	assert.Empty(t, l.Statuses())
}

func TestManagerFailureReportsStatus(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	gps.err = errors.New("no satellites")
	m := NewManager(logging.Discard(), time.Second, gps)
	defer m.Close()
	l := &recordingListener{}

	require.NoError(t, m.RequestSingleUpdate(location.GPSProvider, l))
	require.Eventually(t, func() bool { return len(l.Statuses()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, location.TemporarilyUnavailable, l.Statuses()[0])

	gps.err = nil
	gps.fixes <- location.Location{}
	require.NoError(t, m.RequestSingleUpdate(location.GPSProvider, l))
	require.Eventually(t, func() bool { return len(l.Fixes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []location.ProviderStatus{location.TemporarilyUnavailable, location.Available}, l.Statuses())
}

// A fix that times out on a connected receiver must not take the
// provider out of later scans.
func TestManagerFailedFixKeepsProviderScannable(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	m := NewManager(logging.Discard(), 50*time.Millisecond, gps)
	defer m.Close()
	perms, err := NewPermissions(PolicyGranted, "")
	require.NoError(t, err)

	det := location.New(location.Host{
		Service:          m,
		Permissions:      perms,
		ProvidersChanged: m,
	}, location.Options{ID: "pos", Logger: logging.Discard(), ScanTimeout: time.Minute})
	defer det.Terminate()
	statuses := &detectortest.RecordingListener{}
	det.AddStatusListener(statuses)

	require.True(t, det.StartListening())
	// One notification for the failure, one for the re-read.
	require.Eventually(t, func() bool { return statuses.Count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, m.Pending(det))
	assert.True(t, det.IsProviderAvailable(location.GPSProvider))

	gps.fixes <- location.Location{Time: 7, Latitude: 1, Longitude: 2}
	det.EventReceived(eventbus.NewLocationChangeEvent(eventbus.SinglePositionScan, ""))
	require.Eventually(t, func() bool { return det.Session().Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManagerFailedFixOnDisconnectedSource(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	gps.err = errors.New("port closed")
	gps.available.Store(false)
	m := NewManager(logging.Discard(), time.Second, gps)
	defer m.Close()

	var broadcasts atomic.Int32
	_, err := m.SubscribeProvidersChanged(func() { broadcasts.Add(1) })
	require.NoError(t, err)
	l := &recordingListener{}

	require.NoError(t, m.RequestSingleUpdate(location.GPSProvider, l))
	require.Eventually(t, func() bool { return len(l.Statuses()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, broadcasts.Load())
}

func TestManagerTimeout(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	m := NewManager(logging.Discard(), 10*time.Millisecond, gps)
	defer m.Close()
	l := &recordingListener{}

	require.NoError(t, m.RequestSingleUpdate(location.GPSProvider, l))
	require.Eventually(t, func() bool { return len(l.Statuses()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, location.TemporarilyUnavailable, l.Statuses()[0])
}

func TestManagerClose(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	m := NewManager(logging.Discard(), time.Minute, gps)
	l := &recordingListener{}

	require.NoError(t, m.RequestSingleUpdate(location.GPSProvider, l))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.RequestSingleUpdate(location.GPSProvider, l), ErrClosed)
	_, err := m.SubscribeProvidersChanged(func() {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, l.Fixes())
}

func TestManagerProvidersChanged(t *testing.T) {
	m := NewManager(logging.Discard(), time.Second)
	defer m.Close()

	var calls atomic.Int32
	unsubscribe, err := m.SubscribeProvidersChanged(func() { calls.Add(1) })
	require.NoError(t, err)

	m.AddSource(newFakeSource(location.GPSProvider))
	m.NotifyProvidersChanged()
	assert.Equal(t, int32(2), calls.Load())

	unsubscribe()
	unsubscribe()
	m.NotifyProvidersChanged()
	assert.Equal(t, int32(2), calls.Load())
}

// Manager drives a real position detector end to end.
func TestManagerWithDetector(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	m := NewManager(logging.Discard(), time.Second, gps)
	defer m.Close()
	perms, err := NewPermissions(PolicyGranted, "")
	require.NoError(t, err)

	det := location.New(location.Host{
		Service:          m,
		Permissions:      perms,
		ProvidersChanged: m,
	}, location.Options{ID: "pos", Logger: logging.Discard()})
	defer det.Terminate()

	require.True(t, det.IsEnabled())
	require.True(t, det.StartListening())

	gps.fixes <- location.Location{Time: 42, Latitude: 10, Longitude: 20, Altitude: 10}
	require.Eventually(t, func() bool { return det.Session().Len() == 1 }, time.Second, 5*time.Millisecond)

	value, _ := det.Session().Peek()
	assert.Equal(t, "42 10.0 20.0 10.0 0.0 gps", value)
}

// =============================================================================
// NMEA
// =============================================================================

const (
	rmcValid   = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	rmcVoid    = "$GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*7D"
	ggaValid   = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	gsvValid   = "$GPGSV,3,1,11,03,03,111,00,04,15,270,00,06,01,010,00,13,06,292,00*74"
	rmcGNFract = "$GNRMC,235959.50,A,5954.000,N,01037.500,E,10.0,0.0,311224,,*12"
)

func TestValidateNMEAChecksum(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{rmcValid, true},
		{ggaValid, true},
		{strings.Replace(rmcValid, "*6A", "*6B", 1), false},
		{strings.Replace(rmcValid, "4807", "4808", 1), false},
		{"$GPRMC,123519,A", false},
		{"$GPRMC*Z", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, validateNMEAChecksum(tt.line), tt.line)
	}
}

func TestParseNMEACoord(t *testing.T) {
	assert.InDelta(t, 48.1173, parseNMEACoord("4807.038", "N"), 1e-4)
	assert.InDelta(t, -11.516667, parseNMEACoord("01131.000", "W"), 1e-6)
	assert.Zero(t, parseNMEACoord("", "N"))
	assert.Zero(t, parseNMEACoord("abc", "N"))
}

func connectedNMEA(t *testing.T, cfg NMEAConfig) *NMEASource {
	t.Helper()
	n := NewNMEASource(cfg, logging.Discard())
	n.setConnected(true)
	return n
}

func awaitFix(t *testing.T, n *NMEASource, sentences ...string) location.Location {
	t.Helper()
	type result struct {
		fix location.Location
		err error
	}
	done := make(chan result, 1)
	go func() {
		fix, err := n.Fix(context.Background())
		done <- result{fix, err}
	}()

	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.waiters) == 1
	}, time.Second, time.Millisecond)

	for _, s := range sentences {
		n.HandleSentence(s)
	}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.fix
	case <-time.After(time.Second):
		t.Fatal("no fix delivered")
		return location.Location{}
	}
}

func TestNMEAFix(t *testing.T) {
	n := connectedNMEA(t, NMEAConfig{Device: "/dev/null"})

	fix := awaitFix(t, n, ggaValid, rmcVoid, rmcValid)

	assert.Equal(t, location.GPSProvider, fix.Provider)
	assert.InDelta(t, 48.1173, fix.Latitude, 1e-4)
	assert.InDelta(t, 11.516667, fix.Longitude, 1e-6)
	assert.InDelta(t, 545.4, fix.Altitude, 1e-9)
	assert.InDelta(t, 4.5, fix.Accuracy, 1e-5)
	assert.InDelta(t, 22.4*knotsToMetersPerSecond, fix.Speed, 1e-4)
	assert.Equal(t, time.Date(1994, 3, 23, 12, 35, 19, 0, time.UTC).UnixMilli(), fix.Time)
}

func TestNMEAFractionalTime(t *testing.T) {
	n := connectedNMEA(t, NMEAConfig{})

	fix := awaitFix(t, n, rmcGNFract)
	assert.Equal(t, time.Date(2024, 12, 31, 23, 59, 59, 500_000_000, time.UTC).UnixMilli(), fix.Time)
	assert.InDelta(t, 59.9, fix.Latitude, 1e-9)
}

func TestNMEAFixRequiresConnection(t *testing.T) {
	n := NewNMEASource(NMEAConfig{Device: "/dev/ttyUSB9"}, logging.Discard())

	assert.False(t, n.Available())
	_, err := n.Fix(context.Background())
	assert.ErrorIs(t, err, ErrNoFix)
}

func TestNMEAFixCancelled(t *testing.T) {
	n := connectedNMEA(t, NMEAConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := n.Fix(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	n.mu.Lock()
	assert.Empty(t, n.waiters)
	n.mu.Unlock()
}

func TestNMEASatellites(t *testing.T) {
	type counts struct{ inView, used int }
	var got []counts
	n := NewNMEASource(NMEAConfig{
		OnSatellites: func(inView, used int) { got = append(got, counts{inView, used}) },
	}, logging.Discard())

	input := strings.Join([]string{gsvValid, ggaValid, ggaValid, "garbage", rmcVoid}, "\r\n")
	require.NoError(t, n.Feed(strings.NewReader(input)))

	inView, used := n.Satellites()
	assert.Equal(t, 11, inView)
	assert.Equal(t, 8, used)
	assert.Equal(t, []counts{{11, 0}, {11, 8}}, got, "unchanged counts are not reported")
}

func TestNMEAAvailabilityCallback(t *testing.T) {
	var changes []bool
	n := NewNMEASource(NMEAConfig{
		OnAvailability: func(available bool) { changes = append(changes, available) },
	}, logging.Discard())

	n.setConnected(true)
	n.setConnected(true)
	n.setConnected(false)
	assert.Equal(t, []bool{true, false}, changes)
}

// =============================================================================
// Demo
// =============================================================================

func TestDemoSource(t *testing.T) {
	d := NewDemoSource(location.GPSProvider, 0)

	first, err := d.Fix(context.Background())
	require.NoError(t, err)
	second, err := d.Fix(context.Background())
	require.NoError(t, err)

	assert.True(t, d.Available())
	assert.Equal(t, location.GPSProvider, first.Provider)
	assert.InDelta(t, 59.8992, first.Latitude, 0.01)
	assert.NotEqual(t, first.Latitude, second.Latitude)
	assert.Greater(t, first.Speed, float32(0))
}

func TestDemoSourceHonoursContext(t *testing.T) {
	d := NewDemoSource(location.NetworkProvider, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Fix(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Mode setting
// =============================================================================

func TestModeSettingRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mode")
	m := NewModeSetting(path, logging.Discard())
	defer m.Close()

	assert.True(t, m.ModeSupported())
	_, err := m.LocationMode()
	assert.ErrorIs(t, err, ErrModeUnset)

	require.NoError(t, m.SetLocationMode(location.ModeBatterySaving))
	mode, err := m.LocationMode()
	require.NoError(t, err)
	assert.Equal(t, location.ModeBatterySaving, mode)

	require.NoError(t, os.WriteFile(path, []byte("  sensors_only\n"), 0600))
	mode, err = m.LocationMode()
	require.NoError(t, err)
	assert.Equal(t, location.ModeSensorsOnly, mode)

	require.NoError(t, os.WriteFile(path, []byte("sometimes"), 0600))
	_, err = m.LocationMode()
	assert.Error(t, err)
}

func TestModeSettingUnsupported(t *testing.T) {
	m := NewModeSetting("", logging.Discard())

	assert.False(t, m.ModeSupported())
	_, err := m.SubscribeProvidersChanged(func() {})
	assert.ErrorIs(t, err, ErrModeUnset)
	assert.NoError(t, m.Close())
}

func TestModeSettingNotifiesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mode")
	m := NewModeSetting(path, logging.Discard())
	defer m.Close()

	var calls atomic.Int32
	unsubscribe, err := m.SubscribeProvidersChanged(func() { calls.Add(1) })
	require.NoError(t, err)

	require.NoError(t, m.SetLocationMode(location.ModeOff))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	unsubscribe()
	seen := calls.Load()
	require.NoError(t, m.SetLocationMode(location.ModeHighAccuracy))
	time.Sleep(3 * modeDebounce)
	assert.Equal(t, seen, calls.Load())
}

// =============================================================================
// Permissions
// =============================================================================

func TestPermissionsPolicies(t *testing.T) {
	readableFile := filepath.Join(t.TempDir(), "ttyFake")
	require.NoError(t, os.WriteFile(readableFile, nil, 0600))

	tests := []struct {
		name   string
		policy string
		device string
		want   bool
	}{
		{"granted", PolicyGranted, "", true},
		{"denied", PolicyDenied, readableFile, false},
		{"auto readable", PolicyAuto, readableFile, true},
		{"auto missing", PolicyAuto, filepath.Join(t.TempDir(), "missing"), false},
		{"auto no device", PolicyAuto, "", false},
		{"empty is auto", "", readableFile, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPermissions(tt.policy, tt.device)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.CheckPermission(location.FineLocation))
			assert.False(t, p.CheckPermission("camera"))
		})
	}

	_, err := NewPermissions("sometimes", "")
	assert.Error(t, err)
}

// =============================================================================
// Scans
// =============================================================================

func TestRunScansPostsWhileActive(t *testing.T) {
	bus := eventbus.New(logging.Discard())
	var scans atomic.Int32
	bus.Register(eventbus.SubscriberFunc(func(e eventbus.Event) {
		if e.EventType() == eventbus.SinglePositionScan {
			scans.Add(1)
		}
	}))

	var active atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunScans(ctx, bus, 5*time.Millisecond, active.Load)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, scans.Load(), "no scans while inactive")

	active.Store(true)
	require.Eventually(t, func() bool { return scans.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunScans did not return after cancel")
	}
}

func TestRunScansDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		RunScans(context.Background(), eventbus.New(logging.Discard()), 0, nil)
		RunScans(context.Background(), nil, time.Millisecond, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunScans should return at once when disabled")
	}
}

func TestRunScansDriveDetector(t *testing.T) {
	gps := newFakeSource(location.GPSProvider)
	m := NewManager(logging.Discard(), time.Second, gps)
	defer m.Close()
	perms, err := NewPermissions(PolicyGranted, "")
	require.NoError(t, err)
	bus := eventbus.New(logging.Discard())

	det := location.New(location.Host{
		Service:          m,
		Permissions:      perms,
		ProvidersChanged: m,
	}, location.Options{ID: "pos", Bus: bus, Logger: logging.Discard()})
	defer det.Terminate()

	require.True(t, det.StartListening())
	gps.fixes <- location.Location{Time: 1, Latitude: 1, Longitude: 1}
	require.Eventually(t, func() bool { return det.Session().Len() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunScans(ctx, bus, 10*time.Millisecond, det.IsListening)

	gps.fixes <- location.Location{Time: 2, Latitude: 1, Longitude: 2}
	require.Eventually(t, func() bool { return det.Session().Len() == 2 }, time.Second, 5*time.Millisecond)
}

// =============================================================================
// Host
// =============================================================================

func TestDemoHost(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Location.Demo = true
	cfg.Location.ModeFile = filepath.Join(t.TempDir(), "mode")

	h, err := NewHost(cfg, eventbus.New(logging.Discard()), logging.Discard())
	require.NoError(t, err)
	defer h.Close()

	lh := h.Location()
	assert.Equal(t, []string{"gps", "network"}, lh.Service.AllProviders())
	assert.True(t, lh.Permissions.CheckPermission(location.FineLocation))
	assert.NotNil(t, lh.Settings)
	assert.False(t, h.HasSatellites())

	var calls atomic.Int32
	unsubscribe, err := lh.ProvidersChanged.SubscribeProvidersChanged(func() { calls.Add(1) })
	require.NoError(t, err)
	h.Manager.NotifyProvidersChanged()
	assert.Equal(t, int32(1), calls.Load())
	unsubscribe()
	h.Manager.NotifyProvidersChanged()
	assert.Equal(t, int32(1), calls.Load())
}

func TestHostWithoutModeFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Location.Demo = true
	cfg.Location.ModeFile = ""

	h, err := NewHost(cfg, nil, logging.Discard())
	require.NoError(t, err)
	defer h.Close()

	lh := h.Location()
	assert.Nil(t, lh.Settings)
	assert.Equal(t, h.Manager, lh.ProvidersChanged)
}

func TestHostRejectsBadPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Location.Permission = "sometimes"

	_, err := NewHost(cfg, nil, logging.Discard())
	assert.Error(t, err)
}
