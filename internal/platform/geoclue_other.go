//go:build !linux

package platform

import (
	"context"
	"errors"

	"possum/internal/location"
	"possum/internal/logging"
)

// ErrGeoClueUnsupported is returned off linux.
var ErrGeoClueUnsupported = errors.New("platform: geoclue requires linux")

// GeoClueSource is unavailable off linux.
type GeoClueSource struct{}

// NewGeoClueSource always fails off linux.
func NewGeoClueSource(string, *logging.Logger) (*GeoClueSource, error) {
	return nil, ErrGeoClueUnsupported
}

// Provider implements Source.
func (g *GeoClueSource) Provider() string { return location.NetworkProvider }

// Available implements Source.
func (g *GeoClueSource) Available() bool { return false }

// Fix implements Source.
func (g *GeoClueSource) Fix(context.Context) (location.Location, error) {
	return location.Location{}, ErrGeoClueUnsupported
}
