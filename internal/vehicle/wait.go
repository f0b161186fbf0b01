package vehicle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/fruitpilot/internal/monitoring"
	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

var logf = monitoring.Component("vehicle")

// Poll bounds a telemetry wait: at most MaxPolls reads, Interval apart.
type Poll struct {
	Clock    timeutil.Clock
	Interval time.Duration
	MaxPolls int
}

// Until reads telemetry until cond holds. Telemetry read errors use up a
// poll like any other miss. When the budget is spent it returns the last
// telemetry seen and an error wrapping ErrTelemetryTimeout.
func (p Poll) Until(ctx context.Context, l Link, what string, cond func(Telemetry) bool) (Telemetry, error) {
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	polls := p.MaxPolls
	if polls < 1 {
		polls = 1
	}

	var (
		last    Telemetry
		lastErr error
	)
	for i := 0; i < polls; i++ {
		if i > 0 {
			if err := timeutil.Sleep(ctx, clock, p.Interval); err != nil {
				return last, err
			}
		}
		t, err := l.Telemetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			lastErr = err
			continue
		}
		last = t
		if cond(t) {
			return t, nil
		}
	}
	if lastErr != nil {
		return last, fmt.Errorf("%w: %s after %d polls (last error: %v)", ErrTelemetryTimeout, what, polls, lastErr)
	}
	return last, fmt.Errorf("%w: %s after %d polls", ErrTelemetryTimeout, what, polls)
}

// ArmAndTakeoff switches to GUIDED, arms, waits for the armed flag, commands
// a takeoff and waits until altitude reaches fraction*altitudeM. Any send
// failure here is reported as ErrConnection: startup cannot continue.
func ArmAndTakeoff(ctx context.Context, l Link, altitudeM, fraction float64, p Poll) error {
	if err := l.SetMode(ctx, ModeGuided); err != nil {
		return fmt.Errorf("%w: set GUIDED: %v", ErrConnection, err)
	}
	if err := l.Arm(ctx); err != nil {
		return fmt.Errorf("%w: arm: %v", ErrConnection, err)
	}
	if _, err := p.Until(ctx, l, "waiting for arm", func(t Telemetry) bool { return t.Armed }); err != nil {
		return err
	}
	logf("armed, taking off to %.1fm", altitudeM)

	if err := l.Takeoff(ctx, altitudeM); err != nil {
		return fmt.Errorf("%w: takeoff: %v", ErrConnection, err)
	}
	target := altitudeM * fraction
	t, err := p.Until(ctx, l, "climbing", func(t Telemetry) bool {
		logf("altitude %.2fm", t.AltitudeM)
		return t.AltitudeM >= target
	})
	if err != nil {
		return err
	}
	logf("reached %.2fm", t.AltitudeM)
	return nil
}

// LandAndWait switches to LAND and waits until the vehicle disarms.
func LandAndWait(ctx context.Context, l Link, p Poll) error {
	return modeAndWaitDisarm(ctx, l, ModeLand, p)
}

// ReturnToLaunchAndWait switches to RTL and waits until the vehicle disarms.
func ReturnToLaunchAndWait(ctx context.Context, l Link, p Poll) error {
	return modeAndWaitDisarm(ctx, l, ModeRTL, p)
}

func modeAndWaitDisarm(ctx context.Context, l Link, mode Mode, p Poll) error {
	if err := l.SetMode(ctx, mode); err != nil {
		return fmt.Errorf("set %s: %w", mode, err)
	}
	logf("%s requested, waiting for disarm", mode)
	_, err := p.Until(ctx, l, "waiting for disarm", func(t Telemetry) bool { return !t.Armed })
	return err
}

// WaitAltitude waits until telemetry altitude is within tolerance of
// targetM.
func WaitAltitude(ctx context.Context, l Link, targetM, tolerance float64, p Poll) (Telemetry, error) {
	return p.Until(ctx, l, fmt.Sprintf("altitude %.1fm", targetM), func(t Telemetry) bool {
		return math.Abs(t.AltitudeM-targetM) <= tolerance
	})
}

// IsTimeout reports whether err came from an exhausted telemetry wait.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTelemetryTimeout)
}
