// Package vehicle is the command and telemetry boundary to the flight
// controller. Link is the narrow interface the navigation core borrows;
// MAVLink and Sim implement it.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConnection means the link could not be established or was lost
	// while a blocking startup operation was running.
	ErrConnection = errors.New("vehicle connection failed")
	// ErrCommandTransmit means a one-shot command could not be sent.
	ErrCommandTransmit = errors.New("vehicle command not transmitted")
	// ErrTelemetryTimeout means a bounded telemetry wait ran out of polls.
	ErrTelemetryTimeout = errors.New("vehicle telemetry wait timed out")
)

// Mode is an ArduCopter custom flight mode number.
type Mode uint32

const (
	ModeStabilize Mode = 0
	ModeAltHold   Mode = 2
	ModeAuto      Mode = 3
	ModeGuided    Mode = 4
	ModeLoiter    Mode = 5
	ModeRTL       Mode = 6
	ModeLand      Mode = 9
)

var modeNames = map[Mode]string{
	ModeStabilize: "STABILIZE",
	ModeAltHold:   "ALT_HOLD",
	ModeAuto:      "AUTO",
	ModeGuided:    "GUIDED",
	ModeLoiter:    "LOITER",
	ModeRTL:       "RTL",
	ModeLand:      "LAND",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MODE(%d)", uint32(m))
}

// ParseMode accepts a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown flight mode %q", s)
}

// Telemetry is a snapshot of the vehicle state.
type Telemetry struct {
	Time       time.Time `json:"time"`
	AltitudeM  float64   `json:"altitude_m"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	HeadingDeg float64   `json:"heading_deg"`
	Armed      bool      `json:"armed"`
	Mode       Mode      `json:"mode"`
	BatteryPct int       `json:"battery_pct"`
}

// Link is the command channel and telemetry source for one vehicle.
// Commands are fire-and-forget: a nil error means the command was handed to
// the transport, not that the vehicle acted on it.
type Link interface {
	SetMode(ctx context.Context, mode Mode) error
	Arm(ctx context.Context) error
	// Takeoff sends the takeoff command without waiting; see ArmAndTakeoff.
	Takeoff(ctx context.Context, altitudeM float64) error
	SendYaw(ctx context.Context, degrees float64, relative bool) error
	SendVelocityBody(ctx context.Context, vx, vy, vz float64) error
	Goto(ctx context.Context, lat, lon, altitudeM float64) error
	Telemetry(ctx context.Context) (Telemetry, error)
	Close() error
}

// IsArmed reads the armed flag from telemetry.
func IsArmed(ctx context.Context, l Link) (bool, error) {
	t, err := l.Telemetry(ctx)
	if err != nil {
		return false, err
	}
	return t.Armed, nil
}
