package location

import (
	"fmt"
	"strconv"
	"strings"
)

// Provider names.
const (
	GPSProvider     = "gps"
	NetworkProvider = "network"
	PassiveProvider = "passive"
)

// FineLocation is the permission required to request or cancel fixes.
const FineLocation = "location.fine"

// trackedProviders are the providers whose availability is tracked, in
// scan order.
var trackedProviders = []string{GPSProvider, NetworkProvider}

// Location is one position fix.
type Location struct {
	// Time is the fix time in Unix milliseconds.
	Time      int64
	Latitude  float64
	Longitude float64
	Altitude  float64
	// Accuracy is the horizontal accuracy radius in meters.
	Accuracy float32
	// Speed is the ground speed in meters per second.
	Speed    float32
	Provider string
}

// SessionValue formats l as a session value:
// "<time> <lat> <lon> <alt> <accuracy> <provider>".
func (l Location) SessionValue() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(l.Time, 10))
	b.WriteByte(' ')
	b.WriteString(formatDouble(l.Latitude))
	b.WriteByte(' ')
	b.WriteString(formatDouble(l.Longitude))
	b.WriteByte(' ')
	b.WriteString(formatDouble(l.Altitude))
	b.WriteByte(' ')
	b.WriteString(formatFloat(l.Accuracy))
	b.WriteByte(' ')
	b.WriteString(l.Provider)
	return b.String()
}

// ProviderStatus is the live status a provider reports.
type ProviderStatus int

const (
	OutOfService ProviderStatus = iota
	TemporarilyUnavailable
	Available
)

func (s ProviderStatus) String() string {
	switch s {
	case OutOfService:
		return "out_of_service"
	case TemporarilyUnavailable:
		return "temporarily_unavailable"
	case Available:
		return "available"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Mode is the consolidated location mode of the host.
type Mode int

const (
	ModeOff Mode = iota
	ModeSensorsOnly
	ModeBatterySaving
	ModeHighAccuracy
)

var modeNames = map[Mode]string{
	ModeOff:           "off",
	ModeSensorsOnly:   "sensors_only",
	ModeBatterySaving: "battery_saving",
	ModeHighAccuracy:  "high_accuracy",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return strconv.Itoa(int(m))
}

// ParseMode parses a mode name, or a bare number for modes this package
// does not know.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if s == name {
			return m, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("location: unknown mode %q", s)
	}
	return Mode(n), nil
}

// Listener receives fixes and provider changes from a Service.
type Listener interface {
	OnLocationChanged(Location)
	OnStatusChanged(provider string, status ProviderStatus)
	OnProviderEnabled(provider string)
	OnProviderDisabled(provider string)
}

// Service is the host location service.
type Service interface {
	AllProviders() []string
	IsProviderEnabled(provider string) bool
	RequestSingleUpdate(provider string, l Listener) error
	RemoveUpdates(l Listener) error
}

// Permissions answers permission checks. It has no side effects.
type Permissions interface {
	CheckPermission(name string) bool
}

// Settings exposes the consolidated location mode when the host has one.
type Settings interface {
	ModeSupported() bool
	LocationMode() (Mode, error)
}

// ProvidersChanged notifies when the set of enabled providers changes.
type ProvidersChanged interface {
	SubscribeProvidersChanged(fn func()) (unsubscribe func(), err error)
}

// Host bundles the platform collaborators of a Detector. Any of them
// may be nil; a nil Service disables the detector.
type Host struct {
	Service          Service
	Permissions      Permissions
	Settings         Settings
	ProvidersChanged ProvidersChanged
}
