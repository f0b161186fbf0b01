package vehicle

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

// CommandKind names the command a Link was asked to send.
type CommandKind string

const (
	CommandMode     CommandKind = "mode"
	CommandArm      CommandKind = "arm"
	CommandTakeoff  CommandKind = "takeoff"
	CommandYaw      CommandKind = "yaw"
	CommandVelocity CommandKind = "velocity"
	CommandGoto     CommandKind = "goto"
)

// Command is one outbound command as seen by Sim or an observer.
type Command struct {
	Kind     CommandKind `json:"kind"`
	Mode     Mode        `json:"mode,omitempty"`
	Degrees  float64     `json:"degrees,omitempty"`
	Relative bool        `json:"relative,omitempty"`
	VX       float64     `json:"vx,omitempty"`
	VY       float64     `json:"vy,omitempty"`
	VZ       float64     `json:"vz,omitempty"`
	Lat      float64     `json:"lat,omitempty"`
	Lon      float64     `json:"lon,omitempty"`
	AltM     float64     `json:"alt_m,omitempty"`
}

func (c Command) String() string {
	switch c.Kind {
	case CommandMode:
		return "mode " + c.Mode.String()
	case CommandTakeoff:
		return fmt.Sprintf("takeoff %.1fm", c.AltM)
	case CommandYaw:
		if c.Relative {
			return fmt.Sprintf("yaw %+.1f°", c.Degrees)
		}
		return fmt.Sprintf("yaw to %.1f°", c.Degrees)
	case CommandVelocity:
		return fmt.Sprintf("velocity %.2f,%.2f,%.2f", c.VX, c.VY, c.VZ)
	case CommandGoto:
		return fmt.Sprintf("goto %.7f,%.7f %.1fm", c.Lat, c.Lon, c.AltM)
	default:
		return string(c.Kind)
	}
}

// Sim is an in-memory vehicle. It records every command and moves altitude
// toward its goal by ClimbPerPoll on each telemetry read, so bounded waits
// behave as they would against a real autopilot. Zero ClimbPerPoll moves
// instantly.
type Sim struct {
	mu sync.Mutex

	clock        timeutil.Clock
	ClimbPerPoll float64
	// FailSend makes every command return an error wrapping
	// ErrCommandTransmit.
	FailSend bool
	// FailTelemetry makes telemetry reads fail.
	FailTelemetry bool
	// Stuck freezes altitude and arming state.
	Stuck bool

	commands []Command
	state    Telemetry
	goalAlt  float64
	closed   bool
}

// NewSim returns a disarmed vehicle on the ground in STABILIZE.
func NewSim(clock timeutil.Clock) *Sim {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sim{clock: clock, state: Telemetry{Mode: ModeStabilize, BatteryPct: 100}}
}

// SetState overwrites the simulated telemetry, e.g. to start airborne.
func (s *Sim) SetState(t Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = t
	s.goalAlt = t.AltitudeM
}

// SetFailSend toggles transmit failures.
func (s *Sim) SetFailSend(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailSend = fail
}

// Commands returns a copy of everything sent so far.
func (s *Sim) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandsOf filters Commands by kind.
func (s *Sim) CommandsOf(kind CommandKind) []Command {
	var out []Command
	for _, c := range s.Commands() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// ResetCommands clears the command record.
func (s *Sim) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

func (s *Sim) send(ctx context.Context, c Command, apply func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: link closed", ErrCommandTransmit)
	}
	if s.FailSend {
		return fmt.Errorf("%w: %s", ErrCommandTransmit, c)
	}
	s.commands = append(s.commands, c)
	if apply != nil && !s.Stuck {
		apply()
	}
	return nil
}

func (s *Sim) SetMode(ctx context.Context, mode Mode) error {
	return s.send(ctx, Command{Kind: CommandMode, Mode: mode}, func() {
		s.state.Mode = mode
		if mode == ModeLand || mode == ModeRTL {
			s.goalAlt = 0
		}
	})
}

func (s *Sim) Arm(ctx context.Context) error {
	return s.send(ctx, Command{Kind: CommandArm}, func() {
		s.state.Armed = true
	})
}

func (s *Sim) Takeoff(ctx context.Context, altitudeM float64) error {
	return s.send(ctx, Command{Kind: CommandTakeoff, AltM: altitudeM}, func() {
		if s.state.Armed && s.state.Mode == ModeGuided {
			s.goalAlt = altitudeM
		}
	})
}

func (s *Sim) SendYaw(ctx context.Context, degrees float64, relative bool) error {
	return s.send(ctx, Command{Kind: CommandYaw, Degrees: degrees, Relative: relative}, func() {
		h := degrees
		if relative {
			h += s.state.HeadingDeg
		}
		s.state.HeadingDeg = math.Mod(math.Mod(h, 360)+360, 360)
	})
}

func (s *Sim) SendVelocityBody(ctx context.Context, vx, vy, vz float64) error {
	return s.send(ctx, Command{Kind: CommandVelocity, VX: vx, VY: vy, VZ: vz}, nil)
}

func (s *Sim) Goto(ctx context.Context, lat, lon, altitudeM float64) error {
	return s.send(ctx, Command{Kind: CommandGoto, Lat: lat, Lon: lon, AltM: altitudeM}, func() {
		s.state.Lat, s.state.Lon = lat, lon
		s.goalAlt = altitudeM
	})
}

// Telemetry advances the simulation one step and returns the new state.
func (s *Sim) Telemetry(ctx context.Context) (Telemetry, error) {
	if err := ctx.Err(); err != nil {
		return Telemetry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Telemetry{}, fmt.Errorf("%w: link closed", ErrConnection)
	}
	if s.FailTelemetry {
		return Telemetry{}, fmt.Errorf("simulated telemetry failure")
	}
	if !s.Stuck {
		s.step()
	}
	s.state.Time = s.clock.Now()
	return s.state, nil
}

func (s *Sim) step() {
	diff := s.goalAlt - s.state.AltitudeM
	if s.ClimbPerPoll <= 0 || math.Abs(diff) <= s.ClimbPerPoll {
		s.state.AltitudeM = s.goalAlt
	} else {
		s.state.AltitudeM += math.Copysign(s.ClimbPerPoll, diff)
	}
	landing := s.state.Mode == ModeLand || s.state.Mode == ModeRTL
	if landing && s.state.Armed && s.state.AltitudeM <= 0 {
		s.state.AltitudeM = 0
		s.state.Armed = false
	}
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// DialSim returns a Dialer that hands out sim for the "sim:" endpoint.
func DialSim(sim *Sim) Dialer {
	return func(ctx context.Context, ep Endpoint) (Link, error) {
		if ep.Transport != TransportSim {
			return nil, fmt.Errorf("sim dialer cannot open %s", ep)
		}
		return sim, nil
	}
}
