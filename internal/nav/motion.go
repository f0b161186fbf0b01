package nav

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/fruitpilot/internal/geometry"
	"github.com/banshee-data/fruitpilot/internal/timeutil"
	"github.com/banshee-data/fruitpilot/internal/vehicle"
)

// YawAligner turns the vehicle toward a target's horizontal offset.
type YawAligner struct {
	Link        vehicle.Link
	Clock       timeutil.Clock
	Geometry    geometry.FrameGeometry
	ThresholdPX float64
	SettleDelay time.Duration
}

// Align sends one relative yaw of errorPX/width*HFOV degrees when
// |errorPX| exceeds the threshold, then waits SettleDelay. It reports
// whether a correction was issued.
func (a *YawAligner) Align(ctx context.Context, errorPX float64) (bool, error) {
	if math.Abs(errorPX) <= a.ThresholdPX {
		return false, nil
	}
	angle := a.Geometry.OffsetToAngle(errorPX)
	if err := a.Link.SendYaw(ctx, angle, true); err != nil {
		return true, err
	}
	logf("yaw correction %+.1f° for %+.0fpx", angle, errorPX)
	return true, timeutil.Sleep(ctx, a.Clock, a.SettleDelay)
}

// ScanCursor is the search heading. YawDeg stays in [0,360).
type ScanCursor struct {
	YawDeg   float64   `json:"yaw_deg"`
	LastScan time.Time `json:"last_scan"`
}

// SearchScanner steps an absolute heading around the circle, half a field
// of view less five degrees at a time.
type SearchScanner struct {
	Link        vehicle.Link
	Clock       timeutil.Clock
	StepDeg     float64
	SettleDelay time.Duration
	Cursor      ScanCursor
}

// NewSearchScanner derives the step from the horizontal field of view.
func NewSearchScanner(link vehicle.Link, clock timeutil.Clock, g geometry.FrameGeometry, settle time.Duration) *SearchScanner {
	return &SearchScanner{
		Link:        link,
		Clock:       clock,
		StepDeg:     g.HFOVDeg/2 - 5,
		SettleDelay: settle,
	}
}

// Step advances the cursor and commands the new absolute heading. A failed
// send leaves the cursor where it was so the next step retries the same
// heading.
func (s *SearchScanner) Step(ctx context.Context) error {
	next := math.Mod(s.Cursor.YawDeg+s.StepDeg, 360)
	if next < 0 {
		next += 360
	}
	if err := s.Link.SendYaw(ctx, next, false); err != nil {
		return err
	}
	s.Cursor.YawDeg = next
	s.Cursor.LastScan = s.Clock.Now()
	logf("scanning at %.1f°", next)
	return timeutil.Sleep(ctx, s.Clock, s.SettleDelay)
}

// ApproachController flies toward a target in timed forward steps, then
// restores the altitude target at the position reached.
type ApproachController struct {
	Link            vehicle.Link
	Clock           timeutil.Clock
	ForwardSpeedMPS float64
	Step            time.Duration
	CruiseAltitudeM float64
	// AltitudeTarget, if set and positive, overrides CruiseAltitudeM. It
	// reads the height the operator last took off to.
	AltitudeTarget func() float64
	ToleranceM     float64
	// Poll bounds the position read and the altitude restore.
	Poll vehicle.Poll
	// OnTelemetry sees each telemetry sample taken during the approach.
	OnTelemetry func(vehicle.Telemetry)
}

// Steps is the number of forward steps for a target at distanceCM.
func (a *ApproachController) Steps(distanceCM float64) int {
	if a.ForwardSpeedMPS <= 0 || a.Step <= 0 || math.IsInf(distanceCM, 0) || distanceCM <= 0 {
		return 0
	}
	seconds := distanceCM / 100 / a.ForwardSpeedMPS
	return int(math.Floor(seconds / a.Step.Seconds()))
}

// Approach runs the forward steps and the altitude restore. returning is
// called once the forward phase ends. Cancelling ctx abandons the sequence
// at the next blocking point.
func (a *ApproachController) Approach(ctx context.Context, est geometry.TargetEstimate, returning func()) error {
	steps := a.Steps(est.DistanceCM)
	logf("approaching target at %.0fcm in %d steps", est.DistanceCM, steps)

	var (
		last vehicle.Telemetry
		have bool
	)
	for i := 0; i < steps; i++ {
		if err := a.Link.SendVelocityBody(ctx, a.ForwardSpeedMPS, 0, 0); err != nil {
			return fmt.Errorf("approach step %d: %w", i+1, err)
		}
		if t, err := a.Link.Telemetry(ctx); err == nil {
			last, have = t, true
			a.observe(t)
			logf("step %d/%d alt=%.2fm lat=%.7f lon=%.7f", i+1, steps, t.AltitudeM, t.Lat, t.Lon)
		} else if ctx.Err() == nil {
			logf("step %d/%d telemetry unavailable: %v", i+1, steps, err)
		}
		if err := timeutil.Sleep(ctx, a.Clock, a.Step); err != nil {
			return err
		}
	}

	if returning != nil {
		returning()
	}
	if !have {
		t, err := a.Poll.Until(ctx, a.Link, "position fix", func(vehicle.Telemetry) bool { return true })
		if err != nil {
			return err
		}
		last = t
	}
	alt := a.restoreAltitude()
	if err := a.Link.Goto(ctx, last.Lat, last.Lon, alt); err != nil {
		return fmt.Errorf("altitude restore: %w", err)
	}
	t, err := vehicle.WaitAltitude(ctx, a.Link, alt, a.ToleranceM, a.Poll)
	if err != nil {
		return err
	}
	a.observe(t)
	logf("back at %.2fm (target %.1fm)", t.AltitudeM, alt)
	return nil
}

func (a *ApproachController) restoreAltitude() float64 {
	if a.AltitudeTarget != nil {
		if alt := a.AltitudeTarget(); alt > 0 {
			return alt
		}
	}
	return a.CruiseAltitudeM
}

func (a *ApproachController) observe(t vehicle.Telemetry) {
	if a.OnTelemetry != nil {
		a.OnTelemetry(t)
	}
}

// isCancelled reports whether err is a context cancellation rather than a
// vehicle failure.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
