package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"possum/internal/config"
	"possum/internal/eventbus"
	"possum/internal/location"
	"possum/internal/logging"
)

// demoFixDelay is how long a simulated fix takes.
const demoFixDelay = 500 * time.Millisecond

// Host owns the platform collaborators built from the configuration.
type Host struct {
	Manager     *Manager
	Permissions *Permissions
	Mode        *ModeSetting
	NMEA        *NMEASource

	logger *logging.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHost builds the location sources named by cfg. Satellite changes
// of the gps receiver are posted on bus. Network location failing to
// start is logged and leaves the provider out.
func NewHost(cfg *config.Config, bus *eventbus.Bus, logger *logging.Logger) (*Host, error) {
	if logger == nil {
		logger = logging.Default()
	}
	loc := cfg.Location

	policy := loc.Permission
	if loc.Demo && policy == PolicyAuto {
		policy = PolicyGranted
	}
	perms, err := NewPermissions(policy, loc.GPS.Device)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		Manager:     NewManager(logger, cfg.FixTimeout()),
		Permissions: perms,
		logger:      logger.WithComponent("platform"),
		cancel:      cancel,
	}
	if loc.ModeFile != "" {
		h.Mode = NewModeSetting(loc.ModeFile, logger)
	}

	if loc.Demo {
		h.Manager.AddSource(NewDemoSource(location.GPSProvider, demoFixDelay))
		h.Manager.AddSource(NewDemoSource(location.NetworkProvider, demoFixDelay))
		h.logger.Info("using simulated location providers")
		return h, nil
	}

	if loc.GPS.Enabled {
		h.NMEA = NewNMEASource(NMEAConfig{
			Device:   loc.GPS.Device,
			BaudRate: loc.GPS.BaudRate,
			OnSatellites: func(inView, used int) {
				if bus != nil {
					bus.Post(eventbus.NewSatelliteChangeEvent(
						strconv.Itoa(inView)+" "+strconv.Itoa(used), inView, used))
				}
			},
			OnAvailability: func(bool) { h.Manager.NotifyProvidersChanged() },
		}, logger)
		h.Manager.AddSource(h.NMEA)

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.NMEA.Run(ctx)
		}()
	}

	if loc.Network.Enabled {
		geoclue, err := NewGeoClueSource(loc.Network.DesktopID, logger)
		if err != nil {
			h.logger.Warn("network location unavailable", "error", err)
		} else {
			h.Manager.AddSource(geoclue)
		}
	}
	return h, nil
}

// Location returns the handle a location detector is built with.
func (h *Host) Location() location.Host {
	lh := location.Host{
		Service:          h.Manager,
		Permissions:      h.Permissions,
		ProvidersChanged: h.Manager,
	}
	if h.Mode != nil {
		lh.Settings = h.Mode
		lh.ProvidersChanged = joinedBroadcasts{h.Mode, h.Manager}
	}
	return lh
}

// HasSatellites reports whether a receiver that reports satellites is
// configured.
func (h *Host) HasSatellites() bool {
	return h.NMEA != nil
}

// Close stops every source.
func (h *Host) Close() error {
	h.cancel()
	var errs []error
	if err := h.Manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if h.Mode != nil {
		if err := h.Mode.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mode setting: %w", err))
		}
	}
	h.wg.Wait()
	return errors.Join(errs...)
}

// joinedBroadcasts subscribes to several change streams at once.
type joinedBroadcasts []location.ProvidersChanged

func (j joinedBroadcasts) SubscribeProvidersChanged(fn func()) (func(), error) {
	var unsubs []func()
	unsubscribeAll := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, b := range j {
		u, err := b.SubscribeProvidersChanged(fn)
		if err != nil {
			unsubscribeAll()
			return nil, err
		}
		unsubs = append(unsubs, u)
	}
	return unsubscribeAll, nil
}
