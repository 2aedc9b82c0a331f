//go:build linux

package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"possum/internal/location"
	"possum/internal/logging"
)

const (
	geoclueName        = "org.freedesktop.GeoClue2"
	geoclueManagerPath = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")
	geoclueManagerIF   = "org.freedesktop.GeoClue2.Manager"
	geoclueClientIF    = "org.freedesktop.GeoClue2.Client"
	geoclueLocationIF  = "org.freedesktop.GeoClue2.Location"

	// GeoClue accuracy level for wifi and cell based positions.
	geoclueAccuracyStreet = uint32(6)
)

// GeoClueSource serves the network provider from GeoClue2 on the system
// bus.
type GeoClueSource struct {
	desktopID string
	logger    *logging.Logger
	conn      *dbus.Conn

	// fixMu serializes fixes; GeoClue hands out one client per caller.
	fixMu sync.Mutex
}

var _ Source = (*GeoClueSource)(nil)

// NewGeoClueSource connects to the system bus.
func NewGeoClueSource(desktopID string, logger *logging.Logger) (*GeoClueSource, error) {
	if logger == nil {
		logger = logging.Default()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &GeoClueSource{
		desktopID: desktopID,
		logger:    logger.WithComponent("geoclue"),
		conn:      conn,
	}, nil
}

// Provider implements Source.
func (g *GeoClueSource) Provider() string { return location.NetworkProvider }

// Available reports whether GeoClue is running or can be activated.
func (g *GeoClueSource) Available() bool {
	bus := g.conn.BusObject()

	var owned bool
	if err := bus.Call("org.freedesktop.DBus.NameHasOwner", 0, geoclueName).Store(&owned); err == nil && owned {
		return true
	}

	var names []string
	if err := bus.Call("org.freedesktop.DBus.ListActivatableNames", 0).Store(&names); err != nil {
		return false
	}
	for _, name := range names {
		if name == geoclueName {
			return true
		}
	}
	return false
}

// Fix starts a GeoClue client and waits for its first location.
func (g *GeoClueSource) Fix(ctx context.Context) (location.Location, error) {
	g.fixMu.Lock()
	defer g.fixMu.Unlock()

	var clientPath dbus.ObjectPath
	manager := g.conn.Object(geoclueName, geoclueManagerPath)
	if err := manager.CallWithContext(ctx, geoclueManagerIF+".GetClient", 0).Store(&clientPath); err != nil {
		return location.Location{}, fmt.Errorf("geoclue get client: %w", err)
	}
	client := g.conn.Object(geoclueName, clientPath)

	if err := client.SetProperty(geoclueClientIF+".DesktopId", dbus.MakeVariant(g.desktopID)); err != nil {
		return location.Location{}, fmt.Errorf("geoclue desktop id: %w", err)
	}
	if err := client.SetProperty(geoclueClientIF+".RequestedAccuracyLevel", dbus.MakeVariant(geoclueAccuracyStreet)); err != nil {
		return location.Location{}, fmt.Errorf("geoclue accuracy: %w", err)
	}

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(clientPath),
		dbus.WithMatchInterface(geoclueClientIF),
		dbus.WithMatchMember("LocationUpdated"),
	}
	if err := g.conn.AddMatchSignal(match...); err != nil {
		return location.Location{}, fmt.Errorf("geoclue match signal: %w", err)
	}
	defer g.conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 4)
	g.conn.Signal(signals)
	defer g.conn.RemoveSignal(signals)

	if err := client.CallWithContext(ctx, geoclueClientIF+".Start", 0).Err; err != nil {
		return location.Location{}, fmt.Errorf("geoclue start: %w", err)
	}
	defer func() {
		if err := client.Call(geoclueClientIF+".Stop", 0).Err; err != nil {
			g.logger.Debug("geoclue stop", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return location.Location{}, ctx.Err()
		case sig := <-signals:
			if sig.Path != clientPath || sig.Name != geoclueClientIF+".LocationUpdated" || len(sig.Body) < 2 {
				continue
			}
			path, ok := sig.Body[1].(dbus.ObjectPath)
			if !ok {
				continue
			}
			return g.readLocation(path)
		}
	}
}

func (g *GeoClueSource) readLocation(path dbus.ObjectPath) (location.Location, error) {
	obj := g.conn.Object(geoclueName, path)

	var props map[string]dbus.Variant
	err := obj.Call("org.freedesktop.DBus.Properties.GetAll", 0, geoclueLocationIF).Store(&props)
	if err != nil {
		return location.Location{}, fmt.Errorf("geoclue read location: %w", err)
	}

	fix := location.Location{
		Time:     time.Now().UnixMilli(),
		Provider: location.NetworkProvider,
	}
	if v, ok := props["Latitude"].Value().(float64); ok {
		fix.Latitude = v
	}
	if v, ok := props["Longitude"].Value().(float64); ok {
		fix.Longitude = v
	}
	// GeoClue reports unknown altitude and speed as -Double.MAX.
	if v, ok := props["Altitude"].Value().(float64); ok && v > -1e300 {
		fix.Altitude = v
	}
	if v, ok := props["Accuracy"].Value().(float64); ok {
		fix.Accuracy = float32(v)
	}
	if v, ok := props["Speed"].Value().(float64); ok && v >= 0 {
		fix.Speed = float32(v)
	}
	if ts, ok := props["Timestamp"].Value().([]interface{}); ok && len(ts) == 2 {
		sec, _ := ts[0].(uint64)
		usec, _ := ts[1].(uint64)
		if sec > 0 {
			fix.Time = time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)).UnixMilli()
		}
	}
	return fix, nil
}
