package satellite_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possum/internal/detector"
	"possum/internal/detector/detectortest"
	"possum/internal/eventbus"
	"possum/internal/logging"
	"possum/internal/satellite"
)

func newDetector(t *testing.T) (*satellite.Detector, *eventbus.Bus, *detectortest.FakeScheduler, *detectortest.RecordingStore) {
	t.Helper()
	bus := eventbus.New(logging.Discard())
	sched := detectortest.NewFakeScheduler()
	store := &detectortest.RecordingStore{}
	clock := time.UnixMilli(1_700_000_000_000)

	d := satellite.New(satellite.Options{
		ID:            "sat",
		SecretKeyHash: "hash",
		Bus:           bus,
		Store:         store,
		Logger:        logging.Discard(),
		Scheduler:     sched,
		Now:           func() time.Time { return clock },
	})
	return d, bus, sched, store
}

func TestIdentity(t *testing.T) {
	d, _, _, _ := newDetector(t)

	assert.Equal(t, detector.GpsStatus, d.Type())
	assert.Equal(t, "GpsStatus", d.Name())
	assert.True(t, d.IsEnabled())
	assert.True(t, d.IsValidSet())
	assert.True(t, d.StoresWithInterval())
}

func TestIgnoresEventsWhenNotListening(t *testing.T) {
	d, bus, _, _ := newDetector(t)

	bus.Post(eventbus.NewSatelliteChangeEvent("4 2", 4, 2))
	assert.Equal(t, 0, d.Session().Len())
}

func TestRecordsSatelliteChanges(t *testing.T) {
	d, bus, _, store := newDetector(t)
	require.True(t, d.StartListening())

	bus.Post(eventbus.NewSatelliteChangeEvent("4 2", 4, 2))
	bus.Post(eventbus.NewLocationChangeEvent(eventbus.SinglePositionScan, ""))

	assert.Equal(t, []string{"1700000000000 4 2"}, d.Session().Values())
	assert.Equal(t, 0, store.Calls(), "values wait for the interval")

	inView, used := d.InView()
	assert.Equal(t, 4, inView)
	assert.Equal(t, 2, used)
	assert.True(t, d.IsAvailable())
}

func TestStoresOnInterval(t *testing.T) {
	d, bus, sched, store := newDetector(t)
	d.StartListening()

	bus.Post(eventbus.NewSatelliteChangeEvent("1 0", 1, 0))
	sched.Advance(satellite.DefaultStoreInterval - time.Second)
	assert.Equal(t, 0, store.Calls())

	sched.Advance(time.Second)
	assert.Equal(t, 1, store.Calls())

	bus.Post(eventbus.NewSatelliteChangeEvent("2 1", 2, 1))
	sched.Advance(satellite.DefaultStoreInterval)
	assert.Equal(t, []string{"1700000000000 1 0", "1700000000000 2 1"}, store.Values())
}

func TestStopStoresBufferedValues(t *testing.T) {
	d, bus, sched, store := newDetector(t)
	d.StartListening()
	bus.Post(eventbus.NewSatelliteChangeEvent("3 3", 3, 3))

	d.StopListening()
	assert.Equal(t, 1, store.Calls())
	assert.Equal(t, 0, sched.Pending())

	d.StopListening()
	assert.Equal(t, 1, store.Calls())
}

func TestNotifiesOnVisibilityChange(t *testing.T) {
	d, bus, _, _ := newDetector(t)
	listener := &detectortest.RecordingListener{}
	d.AddStatusListener(listener)
	d.StartListening()

	bus.Post(eventbus.NewSatelliteChangeEvent("3 1", 3, 1))
	bus.Post(eventbus.NewSatelliteChangeEvent("5 4", 5, 4))
	bus.Post(eventbus.NewSatelliteChangeEvent("0 0", 0, 0))

	assert.Equal(t, 2, listener.Count())
	assert.False(t, d.IsAvailable())
}

func TestDisabledWithoutSource(t *testing.T) {
	d := satellite.New(satellite.Options{
		Logger:  logging.Discard(),
		Enabled: func() bool { return false },
	})
	assert.False(t, d.IsEnabled())
	assert.False(t, d.IsAvailable())
}

func TestTerminateUnsubscribes(t *testing.T) {
	d, bus, _, _ := newDetector(t)
	require.Equal(t, 1, bus.Len())

	d.Terminate()
	assert.Equal(t, 0, bus.Len())
	assert.False(t, d.StartListening())
}
