package platform

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"possum/internal/location"
)

// DemoSource generates a simulated drive in a circle.
type DemoSource struct {
	provider string
	interval time.Duration
	now      func() time.Time

	mu sync.Mutex
	t  float64
}

var _ Source = (*DemoSource)(nil)

// NewDemoSource creates a simulated source for provider that produces a
// fix every interval.
func NewDemoSource(provider string, interval time.Duration) *DemoSource {
	return &DemoSource{provider: provider, interval: interval, now: time.Now}
}

// Provider implements Source.
func (d *DemoSource) Provider() string { return d.provider }

// Available implements Source.
func (d *DemoSource) Available() bool { return true }

// Fix implements Source.
func (d *DemoSource) Fix(ctx context.Context) (location.Location, error) {
	if d.interval > 0 {
		select {
		case <-ctx.Done():
			return location.Location{}, ctx.Err()
		case <-time.After(d.interval):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	// Drive in a circle around Fornebu.
	centerLat := 59.8992
	centerLon := 10.6266
	radius := 0.005 // ~500m

	fix := location.Location{
		Time:      d.now().UnixMilli(),
		Latitude:  centerLat + radius*math.Sin(d.t*0.1),
		Longitude: centerLon + radius*math.Cos(d.t*0.1),
		Altitude:  12,
		Accuracy:  4,
		Speed:     float32(14 + 8*math.Sin(d.t*0.3) + rand.Float64()),
		Provider:  d.provider,
	}
	if d.provider == location.NetworkProvider {
		fix.Accuracy = 40
		fix.Altitude = 0
		fix.Speed = 0
	}
	return fix, nil
}
