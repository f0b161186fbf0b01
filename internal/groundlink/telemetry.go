package groundlink

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/banshee-data/fruitpilot/internal/vehicle"
)

// TelemetryCSVHeader names the columns of each UDP datagram.
const TelemetryCSVHeader = "time_unix_ms,alt_m,lat,lon,heading_deg,armed,mode,battery_pct"

// UDPSender fans telemetry out as one CSV datagram per sample. A nil sender
// or one built with an empty address drops everything.
type UDPSender struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	address string
	dropped int
}

// NewUDPSender dials addr ("host:port").
func NewUDPSender(addr string) (*UDPSender, error) {
	if addr == "" {
		return &UDPSender{}, nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve telemetry address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry connection: %w", err)
	}
	logf("forwarding telemetry to %s", addr)
	return &UDPSender{conn: conn, address: addr}, nil
}

// FormatTelemetry renders t in TelemetryCSVHeader order.
func FormatTelemetry(t vehicle.Telemetry) string {
	var ms int64
	if !t.Time.IsZero() {
		ms = t.Time.UnixMilli()
	}
	return fmt.Sprintf("%d,%.2f,%.7f,%.7f,%.1f,%s,%s,%d",
		ms, t.AltitudeM, t.Lat, t.Lon, t.HeadingDeg, strconv.FormatBool(t.Armed), t.Mode, t.BatteryPct)
}

func (s *UDPSender) SendTelemetry(t vehicle.Telemetry) error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write([]byte(FormatTelemetry(t))); err != nil {
		s.dropped++
		return fmt.Errorf("telemetry to %s: %w", s.address, err)
	}
	return nil
}

// Dropped counts datagrams that failed to send.
func (s *UDPSender) Dropped() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *UDPSender) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
