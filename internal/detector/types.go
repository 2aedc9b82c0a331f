package detector

// Type tags a detector's signal kind.
type Type int

// Detector types.
const (
	Accelerometer Type = iota + 1
	Gyroscope
	Magnetometer
	Position
	GpsStatus
	Network
	Wifi
	Bluetooth
	AmbientSound
	Image
)

var typeNames = map[Type]string{
	Accelerometer: "Accelerometer",
	Gyroscope:     "Gyroscope",
	Magnetometer:  "Magnetometer",
	Position:      "Position",
	GpsStatus:     "GpsStatus",
	Network:       "Network",
	Wifi:          "Wifi",
	Bluetooth:     "Bluetooth",
	AmbientSound:  "AmbientSound",
	Image:         "Image",
}

// String returns the display name of t.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseType returns the Type with the given display name.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}
