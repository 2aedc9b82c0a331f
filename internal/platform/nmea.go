package platform

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"possum/internal/location"
	"possum/internal/logging"
)

const (
	knotsToMetersPerSecond = 0.514444

	// userRangeError scales HDOP to an accuracy radius in meters.
	userRangeError = 5.0

	reconnectDelay = 2 * time.Second
)

// NMEAConfig holds configuration for the NMEA serial source.
type NMEAConfig struct {
	Device   string
	BaudRate int

	// OnSatellites is called when the satellites in view or used change.
	OnSatellites func(inView, used int)

	// OnAvailability is called when the port opens or closes.
	OnAvailability func(available bool)
}

// NMEASource reads NMEA 0183 sentences from a serial GPS receiver and
// serves the gps provider.
type NMEASource struct {
	cfg    NMEAConfig
	logger *logging.Logger
	open   func(device string, mode *serial.Mode) (io.ReadCloser, error)
	now    func() time.Time

	mu        sync.Mutex
	connected bool
	altitude  float64
	accuracy  float32
	inView    int
	used      int
	waiters   []chan location.Location
}

var _ Source = (*NMEASource)(nil)

// NewNMEASource creates an NMEA source. Call Run to start reading.
func NewNMEASource(cfg NMEAConfig, logger *logging.Logger) *NMEASource {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &NMEASource{
		cfg:    cfg,
		logger: logger.WithComponent("nmea"),
		open:   openSerial,
		now:    time.Now,
	}
}

// openSerial opens the port without a read timeout; Run closes the port
// to unblock a pending read.
func openSerial(device string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(device, mode)
}

// Provider implements Source.
func (n *NMEASource) Provider() string { return location.GPSProvider }

// Available reports whether the serial port is open.
func (n *NMEASource) Available() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Satellites returns the satellites in view and used in the last fix.
func (n *NMEASource) Satellites() (inView, used int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inView, n.used
}

// Fix waits for the next valid RMC sentence.
func (n *NMEASource) Fix(ctx context.Context) (location.Location, error) {
	ch := make(chan location.Location, 1)
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return location.Location{}, fmt.Errorf("%w: %s not connected", ErrNoFix, n.cfg.Device)
	}
	n.waiters = append(n.waiters, ch)
	n.mu.Unlock()

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		n.dropWaiter(ch)
		return location.Location{}, ctx.Err()
	}
}

func (n *NMEASource) dropWaiter(ch chan location.Location) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, w := range n.waiters {
		if w == ch {
			n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
			return
		}
	}
}

// Run opens the port and reads sentences until ctx is done, reopening
// the port after read errors.
func (n *NMEASource) Run(ctx context.Context) {
	mode := &serial.Mode{
		BaudRate: n.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	for {
		port, err := n.open(n.cfg.Device, mode)
		if err != nil {
			n.logger.Debug("open serial port", "device", n.cfg.Device, "error", err)
		} else {
			n.logger.Info("gps connected", "device", n.cfg.Device, "baud", n.cfg.BaudRate)
			n.setConnected(true)

			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					port.Close()
				case <-done:
				}
			}()
			err = n.Feed(port)
			close(done)
			port.Close()
			n.setConnected(false)
			if err != nil && ctx.Err() == nil {
				n.logger.Warn("gps read failed", "device", n.cfg.Device, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (n *NMEASource) setConnected(connected bool) {
	n.mu.Lock()
	changed := n.connected != connected
	n.connected = connected
	n.mu.Unlock()

	if changed && n.cfg.OnAvailability != nil {
		n.cfg.OnAvailability(connected)
	}
}

// Feed reads sentences from r until it is exhausted.
func (n *NMEASource) Feed(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		n.HandleSentence(scanner.Text())
	}
	return scanner.Err()
}

// HandleSentence processes one sentence. Sentences with a bad checksum
// are dropped.
func (n *NMEASource) HandleSentence(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") || !validateNMEAChecksum(line) {
		return
	}

	parts := splitNMEA(line)
	if len(parts[0]) < 5 {
		return
	}
	switch parts[0][2:] {
	case "RMC":
		n.handleRMC(parts)
	case "GGA":
		n.handleGGA(parts)
	case "GSV":
		n.handleGSV(parts)
	}
}

func (n *NMEASource) handleRMC(parts []string) {
	// RMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a
	if len(parts) < 10 || parts[2] != "A" {
		return
	}

	fix := location.Location{
		Time:      n.fixTime(parts[1], parts[9]).UnixMilli(),
		Latitude:  parseNMEACoord(parts[3], parts[4]),
		Longitude: parseNMEACoord(parts[5], parts[6]),
		Provider:  location.GPSProvider,
	}
	if knots, err := strconv.ParseFloat(parts[7], 64); err == nil {
		fix.Speed = float32(knots * knotsToMetersPerSecond)
	}

	n.mu.Lock()
	fix.Altitude = n.altitude
	fix.Accuracy = n.accuracy
	waiters := n.waiters
	n.waiters = nil
	n.mu.Unlock()

	for _, w := range waiters {
		w <- fix
	}
}

func (n *NMEASource) handleGGA(parts []string) {
	// GGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx
	if len(parts) < 11 {
		return
	}

	n.mu.Lock()
	used := n.used
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		used = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		n.accuracy = float32(hdop * userRangeError)
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		n.altitude = alt
	}
	n.mu.Unlock()

	n.setSatellites(-1, used)
}

func (n *NMEASource) handleGSV(parts []string) {
	// GSV,total,msgnum,inview,...
	if len(parts) < 4 {
		return
	}
	inView, err := strconv.Atoi(parts[3])
	if err != nil {
		return
	}
	n.setSatellites(inView, -1)
}

// setSatellites updates the counts; a negative value keeps the old one.
func (n *NMEASource) setSatellites(inView, used int) {
	n.mu.Lock()
	if inView < 0 {
		inView = n.inView
	}
	if used < 0 {
		used = n.used
	}
	changed := inView != n.inView || used != n.used
	n.inView, n.used = inView, used
	n.mu.Unlock()

	if changed && n.cfg.OnSatellites != nil {
		n.cfg.OnSatellites(inView, used)
	}
}

// fixTime combines RMC time and date fields. It falls back to the clock
// when either is malformed.
func (n *NMEASource) fixTime(hms, dmy string) time.Time {
	if len(hms) < 6 || len(dmy) != 6 {
		return n.now()
	}
	t, err := time.Parse("020106150405", dmy+hms[:6])
	if err != nil {
		return n.now()
	}
	if len(hms) > 7 && hms[6] == '.' {
		if frac, err := strconv.ParseFloat("0"+hms[6:], 64); err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return t.UTC()
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	minutes := val - deg*100
	result := deg + minutes/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx]
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}
