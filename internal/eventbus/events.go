package eventbus

// Location event types.
const (
	// SinglePositionScan asks the location detector to run one scan.
	SinglePositionScan = "SINGLE_POSITION_SCAN"
)

// BasicChangeEvent is a typed event with a message.
type BasicChangeEvent struct {
	Type string
	Msg  string
}

// NewBasicChangeEvent returns a BasicChangeEvent.
func NewBasicChangeEvent(eventType, message string) BasicChangeEvent {
	return BasicChangeEvent{Type: eventType, Msg: message}
}

// EventType implements Event.
func (e BasicChangeEvent) EventType() string { return e.Type }

// Message implements Event.
func (e BasicChangeEvent) Message() string { return e.Msg }

// LocationChangeEvent is addressed to location detectors.
type LocationChangeEvent struct {
	BasicChangeEvent
}

// NewLocationChangeEvent returns a LocationChangeEvent.
func NewLocationChangeEvent(eventType, message string) LocationChangeEvent {
	return LocationChangeEvent{BasicChangeEvent{Type: eventType, Msg: message}}
}

// SatelliteChangeEvent reports a change in the visible GPS satellites.
// It carries no event type.
type SatelliteChangeEvent struct {
	BasicChangeEvent

	// InView is the number of satellites in view.
	InView int
	// Used is the number of satellites used in the fix.
	Used int
}

// NewSatelliteChangeEvent returns a SatelliteChangeEvent.
func NewSatelliteChangeEvent(message string, inView, used int) SatelliteChangeEvent {
	return SatelliteChangeEvent{
		BasicChangeEvent: BasicChangeEvent{Msg: message},
		InView:           inView,
		Used:             used,
	}
}
