package nav

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/fruitpilot/internal/config"
	"github.com/banshee-data/fruitpilot/internal/geometry"
	"github.com/banshee-data/fruitpilot/internal/monitoring"
	"github.com/banshee-data/fruitpilot/internal/timeutil"
	"github.com/banshee-data/fruitpilot/internal/vehicle"
	"github.com/banshee-data/fruitpilot/internal/vision"
)

var logf = monitoring.Component("nav")

// Config holds the navigation parameters resolved from a MissionConfig.
type Config struct {
	Geometry           geometry.FrameGeometry
	Target             geometry.Target
	ProximityCM        float64
	AlignThresholdPX   float64
	MaxAlignAttempts   int
	ForwardSpeedMPS    float64
	ApproachStep       time.Duration
	SettleDelay        time.Duration
	NudgeSpeedMPS      float64
	NudgeDuration      time.Duration
	CruiseAltitudeM    float64
	AltitudeToleranceM float64
	PollInterval       time.Duration
	MaxAltitudePolls   int
	TakeoffFraction    float64
	MinConfidence      float64
	TargetLabels       []string
	LandOnTarget       bool
}

// ConfigFrom resolves every default of cfg.
func ConfigFrom(cfg *config.MissionConfig) Config {
	return Config{
		Geometry:           geometry.NewFrameGeometry(cfg.CameraGeometry()),
		Target:             cfg.Target(),
		ProximityCM:        cfg.GetProximityCM(),
		AlignThresholdPX:   cfg.GetAlignThresholdPX(),
		MaxAlignAttempts:   cfg.GetMaxAlignAttempts(),
		ForwardSpeedMPS:    cfg.GetForwardSpeedMPS(),
		ApproachStep:       cfg.GetApproachStep(),
		SettleDelay:        cfg.GetSettleDelay(),
		NudgeSpeedMPS:      cfg.GetNudgeSpeedMPS(),
		NudgeDuration:      cfg.GetNudgeDuration(),
		CruiseAltitudeM:    cfg.GetCruiseAltitudeM(),
		AltitudeToleranceM: cfg.GetAltitudeToleranceM(),
		PollInterval:       cfg.GetPollInterval(),
		MaxAltitudePolls:   cfg.GetMaxAltitudePolls(),
		TakeoffFraction:    cfg.GetTakeoffFraction(),
		MinConfidence:      cfg.GetMinConfidence(),
		TargetLabels:       cfg.GetTargetLabels(),
		LandOnTarget:       cfg.GetLandOnTarget(),
	}
}

// Poll returns the telemetry wait bound used for convergence checks.
func (c Config) Poll(clock timeutil.Clock) vehicle.Poll {
	return vehicle.Poll{Clock: clock, Interval: c.PollInterval, MaxPolls: c.MaxAltitudePolls}
}

// TransitionFunc observes state changes. It is called synchronously from
// the frame loop and must not block.
type TransitionFunc func(from, to State)

// StepResult describes one frame's evaluation.
type StepResult struct {
	// Visited lists each state entered while handling the frame, in order.
	// Staying in a state after acting in it counts as entering it again.
	Visited  []State
	Outcome  Outcome
	Target   *vision.Detection
	Estimate geometry.TargetEstimate
}

// Machine is the per-frame navigation state machine. Step is not safe for
// concurrent use; State may be read from any goroutine.
type Machine struct {
	cfg   Config
	link  vehicle.Link
	clock timeutil.Clock
	flags *Flags

	Aligner  *YawAligner
	Scanner  *SearchScanner
	Approach *ApproachController

	mu            sync.RWMutex
	state         State
	alignAttempts int
	cursor        ScanCursor
	onTransition  TransitionFunc
	visited       []State
}

// NewMachine starts in SEARCHING.
func NewMachine(cfg Config, link vehicle.Link, clock timeutil.Clock, flags *Flags) *Machine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if flags == nil {
		flags = &Flags{}
	}
	return &Machine{
		cfg:   cfg,
		link:  link,
		clock: clock,
		flags: flags,
		state: StateSearching,
		Aligner: &YawAligner{
			Link:        link,
			Clock:       clock,
			Geometry:    cfg.Geometry,
			ThresholdPX: cfg.AlignThresholdPX,
			SettleDelay: cfg.SettleDelay,
		},
		Scanner: NewSearchScanner(link, clock, cfg.Geometry, cfg.SettleDelay),
		Approach: &ApproachController{
			Link:            link,
			Clock:           clock,
			ForwardSpeedMPS: cfg.ForwardSpeedMPS,
			Step:            cfg.ApproachStep,
			CruiseAltitudeM: cfg.CruiseAltitudeM,
			AltitudeTarget:  flags.AltitudeTarget,
			ToleranceM:      cfg.AltitudeToleranceM,
			Poll:            cfg.Poll(clock),
		},
	}
}

// OnTransition registers the transition observer.
func (m *Machine) OnTransition(f TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = f
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Cursor returns the current search heading.
func (m *Machine) Cursor() ScanCursor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor
}

// transition is the only writer of the state.
func (m *Machine) transition(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.visited = append(m.visited, to)
	f := m.onTransition
	m.mu.Unlock()

	if from != to {
		logf("%s -> %s", from, to)
		if f != nil {
			f(from, to)
		}
	}
}

// resume leaves IDLE or a stale mid-sequence state without counting as a
// visit.
func (m *Machine) resume() {
	m.mu.Lock()
	from := m.state
	m.state = StateSearching
	m.alignAttempts = 0
	f := m.onTransition
	m.mu.Unlock()
	if from != StateSearching {
		logf("%s -> %s", from, StateSearching)
		if f != nil {
			f(from, StateSearching)
		}
	}
}

// Land and ReturnToLaunch move the machine into its terminal states. The
// caller drives the vehicle.
func (m *Machine) Land()           { m.transition(StateLanding) }
func (m *Machine) ReturnToLaunch() { m.transition(StateReturnToLaunch) }

// Step evaluates one frame's detections. Command failures are logged and
// retried on a later frame; the returned error is either a context error or
// a fatal vehicle error such as vehicle.ErrTelemetryTimeout.
func (m *Machine) Step(ctx context.Context, dets []vision.Detection) (StepResult, error) {
	m.mu.Lock()
	m.visited = nil
	m.mu.Unlock()

	res, err := m.step(ctx, dets)

	m.mu.Lock()
	res.Visited = m.visited
	m.visited = nil
	m.mu.Unlock()
	return res, err
}

func (m *Machine) step(ctx context.Context, dets []vision.Detection) (StepResult, error) {
	var res StepResult

	state := m.State()
	if state.Terminal() {
		return res, nil
	}
	if !m.flags.Active() {
		m.transition(StateIdle)
		return res, nil
	}
	if state != StateSearching && state != StateAligning {
		m.resume()
		state = StateSearching
	}

	qualified := vision.Filter(dets, m.cfg.MinConfidence, m.cfg.TargetLabels)

	if d, est, ok := vision.Closest(qualified, m.cfg.Geometry, m.cfg.Target); ok && est.DistanceCM < m.cfg.ProximityCM {
		res.Target, res.Estimate = &d, est
		logHeightEstimate(est)
		return m.nudge(ctx, res)
	}

	best, found := vision.Best(qualified)
	if found {
		res.Target = &best
		res.Estimate = m.cfg.Geometry.Estimate(best.Box, m.cfg.Target)
		logHeightEstimate(res.Estimate)
	}

	switch state {
	case StateSearching:
		if !found {
			return res, m.scan(ctx)
		}
		m.setAlignAttempts(0)
		m.transition(StateAligning)
		return m.align(ctx, res)
	case StateAligning:
		if !found {
			logf("target lost while aligning")
			m.setAlignAttempts(0)
			return res, m.scan(ctx)
		}
		return m.align(ctx, res)
	}
	return res, nil
}

func (m *Machine) setAlignAttempts(n int) {
	m.mu.Lock()
	m.alignAttempts = n
	m.mu.Unlock()
}

func (m *Machine) scan(ctx context.Context) error {
	err := m.Scanner.Step(ctx)
	m.mu.Lock()
	m.cursor = m.Scanner.Cursor
	m.mu.Unlock()
	m.transition(StateSearching)
	return m.absorb(err)
}

func (m *Machine) align(ctx context.Context, res StepResult) (StepResult, error) {
	m.mu.RLock()
	attempts := m.alignAttempts
	m.mu.RUnlock()

	if attempts < m.cfg.MaxAlignAttempts {
		corrected, err := m.Aligner.Align(ctx, res.Estimate.OffsetPX)
		if corrected {
			m.setAlignAttempts(attempts + 1)
			m.transition(StateAligning)
			return res, m.absorb(err)
		}
	} else {
		logf("still %+.0fpx off after %d corrections, approaching anyway", res.Estimate.OffsetPX, attempts)
	}

	m.transition(StateApproaching)
	err := m.Approach.Approach(ctx, res.Estimate, func() { m.transition(StateReturning) })
	if err != nil && !errors.Is(err, vehicle.ErrCommandTransmit) {
		return res, err
	}
	if err != nil {
		logf("approach abandoned: %v", err)
	}
	m.setAlignAttempts(0)
	m.transition(StateSearching)
	return res, nil
}

func (m *Machine) nudge(ctx context.Context, res StepResult) (StepResult, error) {
	logf("target within %.0fcm (%.0fcm), final nudge", m.cfg.ProximityCM, res.Estimate.DistanceCM)
	if err := m.link.SendVelocityBody(ctx, m.cfg.NudgeSpeedMPS, 0, 0); err != nil {
		return res, m.absorb(err)
	}
	if err := timeutil.Sleep(ctx, m.clock, m.cfg.NudgeDuration); err != nil {
		return res, err
	}
	res.Outcome = OutcomeTargetReached
	return res, nil
}

// absorb logs and swallows command transmit failures so the next frame
// retries. Everything else is returned to the caller.
func (m *Machine) absorb(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, vehicle.ErrCommandTransmit) {
		logf("command failed, retrying next frame: %v", err)
		return nil
	}
	return err
}

// logHeightEstimate notes a distance taken from the box height because the
// target was clipped at the frame edge.
func logHeightEstimate(est geometry.TargetEstimate) {
	if est.FromHeight {
		logf("target clipped at frame edge; distance %.1fcm from box height", est.DistanceCM)
	}
}
