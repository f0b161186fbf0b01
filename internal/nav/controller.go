package nav

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fruitpilot/internal/geometry"
	"github.com/banshee-data/fruitpilot/internal/timeutil"
	"github.com/banshee-data/fruitpilot/internal/vehicle"
	"github.com/banshee-data/fruitpilot/internal/vision"
)

var (
	// ErrBusy is returned by Submit when the request queue is full.
	ErrBusy = errors.New("operator request queue full")
	// ErrFinished is returned by Submit after the session has ended.
	ErrFinished = errors.New("session already finished")
)

const statusTimeout = time.Second

// StatusSink receives one token per state change. Delivery is best-effort.
type StatusSink interface {
	SendStatus(ctx context.Context, token string) error
}

// TelemetrySink receives every telemetry sample the controller reads.
type TelemetrySink interface {
	SendTelemetry(t vehicle.Telemetry) error
}

// Recorder persists a session. Implementations log their own failures;
// the frame loop never stops for the flight log.
type Recorder interface {
	RecordTransition(from, to State, at time.Time)
	RecordCommand(c vehicle.Command, err error, at time.Time)
	RecordDetections(seq int, dets []vision.Detection, at time.Time)
	RecordTelemetry(t vehicle.Telemetry)
	EndSession(outcome Outcome, reason string, at time.Time)
}

// SnapshotSaver stores annotated frames that carried detections.
type SnapshotSaver interface {
	Save(name string, f vision.Frame, dets []vision.Detection) (string, error)
}

// Options wires a Controller. Link, Source and Detector are required.
type Options struct {
	Config    Config
	Link      vehicle.Link
	Source    vision.FrameSource
	Detector  vision.Detector
	Clock     timeutil.Clock
	Flags     *Flags
	Status    StatusSink
	Recorder  Recorder
	Telemetry TelemetrySink
	Snapshots SnapshotSaver
	// SessionID prefixes snapshot names.
	SessionID string
	// QueueSize bounds pending operator requests; default 16.
	QueueSize int
}

// Status is a point-in-time view of the controller for the API.
type Status struct {
	SessionID    string                   `json:"session_id,omitempty"`
	State        State                    `json:"state"`
	Outcome      Outcome                  `json:"outcome"`
	Flags        FlagSnapshot             `json:"flags"`
	Cursor       ScanCursor               `json:"cursor"`
	Frames       int                      `json:"frames"`
	Telemetry    *vehicle.Telemetry       `json:"telemetry,omitempty"`
	LastTarget   *vision.Detection        `json:"last_target,omitempty"`
	LastEstimate *geometry.TargetEstimate `json:"last_estimate,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

// Controller runs the frame loop: operator requests first, then one frame
// through the detector and the machine. It borrows the link and never
// closes it.
type Controller struct {
	cfg      Config
	link     vehicle.Link
	source   vision.FrameSource
	detector vision.Detector
	clock    timeutil.Clock
	flags    *Flags
	machine  *Machine

	status    StatusSink
	recorder  Recorder
	telemetry TelemetrySink
	snapshots SnapshotSaver
	sessionID string

	requests chan Request

	cycleMu         sync.Mutex
	cancelCycle     context.CancelFunc
	terminalPending bool

	statMu    sync.RWMutex
	frames    int
	lastTel   *vehicle.Telemetry
	lastDet   *vision.Detection
	lastEst   *geometry.TargetEstimate
	outcome   Outcome
	finishErr error

	finishOnce sync.Once
	finished   chan struct{}
}

// NewController validates opts and builds the machine.
func NewController(opts Options) (*Controller, error) {
	if opts.Link == nil || opts.Source == nil || opts.Detector == nil {
		return nil, fmt.Errorf("controller needs a link, a frame source and a detector")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Flags == nil {
		opts.Flags = &Flags{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}

	c := &Controller{
		cfg:       opts.Config,
		source:    opts.Source,
		detector:  opts.Detector,
		clock:     opts.Clock,
		flags:     opts.Flags,
		status:    opts.Status,
		recorder:  opts.Recorder,
		telemetry: opts.Telemetry,
		snapshots: opts.Snapshots,
		sessionID: opts.SessionID,
		requests:  make(chan Request, opts.QueueSize),
		finished:  make(chan struct{}),
	}

	c.link = opts.Link
	if c.recorder != nil {
		c.link = vehicle.Observe(opts.Link, func(cmd vehicle.Command, err error) {
			c.recorder.RecordCommand(cmd, err, c.clock.Now())
		})
	}

	c.machine = NewMachine(c.cfg, c.link, c.clock, c.flags)
	c.machine.Approach.OnTelemetry = c.observeTelemetry
	c.machine.OnTransition(func(from, to State) {
		now := c.clock.Now()
		if c.recorder != nil {
			c.recorder.RecordTransition(from, to, now)
		}
		c.sendStatus(context.Background(), to.Token())
	})
	c.flags.SetAltitudeTarget(c.cfg.CruiseAltitudeM)
	return c, nil
}

// Machine exposes the state machine, mainly for tests and the API.
func (c *Controller) Machine() *Machine { return c.machine }

// Flags returns the shared flags.
func (c *Controller) Flags() *Flags { return c.flags }

// Done is closed once the session has finished.
func (c *Controller) Done() <-chan struct{} { return c.finished }

// Submit queues an operator request. Terminal requests also cancel the
// cycle in progress so a long approach or settle delay stops early.
func (c *Controller) Submit(req Request) error {
	select {
	case <-c.finished:
		return ErrFinished
	default:
	}

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	select {
	case c.requests <- req:
	default:
		return ErrBusy
	}
	if req.Terminal() {
		c.terminalPending = true
		if c.cancelCycle != nil {
			c.cancelCycle()
		}
	}
	return nil
}

func (c *Controller) beginCycle(ctx context.Context) (context.Context, bool) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if c.terminalPending {
		return nil, false
	}
	cctx, cancel := context.WithCancel(ctx)
	c.cancelCycle = cancel
	return cctx, true
}

func (c *Controller) endCycle() {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if c.cancelCycle != nil {
		c.cancelCycle()
		c.cancelCycle = nil
	}
}

// Run loops until a terminal request, a fatal error, the target being
// reached, or ctx cancellation. Every exit goes through the shutdown path.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	c.sendStatus(ctx, c.machine.State().Token())
	for {
		select {
		case <-c.finished:
			s := c.Status()
			return s.Outcome, nil
		default:
		}
		if ctx.Err() != nil {
			err := c.Shutdown(ctx)
			return OutcomeExited, err
		}

		if out, err, done := c.drain(ctx); done {
			return out, err
		}

		cctx, ok := c.beginCycle(ctx)
		if !ok {
			continue
		}
		out, err, done := c.cycle(ctx, cctx)
		c.endCycle()
		if done {
			return out, err
		}
	}
}

func (c *Controller) drain(ctx context.Context) (Outcome, error, bool) {
	for {
		select {
		case req := <-c.requests:
			if req.Terminal() {
				c.cycleMu.Lock()
				c.terminalPending = false
				c.cycleMu.Unlock()
			}
			if out, err, done := c.handle(ctx, req); done {
				return out, err, true
			}
		default:
			return OutcomeNone, nil, false
		}
	}
}

func (c *Controller) cycle(ctx, cctx context.Context) (Outcome, error, bool) {
	c.refresh(cctx)

	frame, err := c.source.Read(cctx)
	if err != nil {
		if cctx.Err() != nil {
			return OutcomeNone, nil, false
		}
		logf("camera failure: %v", err)
		c.abort(ctx, err)
		return OutcomeAborted, err, true
	}

	dets, err := c.detector.Detect(cctx, frame)
	if err != nil {
		if cctx.Err() != nil {
			return OutcomeNone, nil, false
		}
		logf("frame %d: detector error, treating as no detection: %v", frame.Seq, err)
		dets = nil
	}
	c.observeFrame(frame, dets)

	res, err := c.machine.Step(cctx, dets)
	c.observeStep(res)
	if err != nil {
		if cctx.Err() != nil && isCancelled(err) {
			return OutcomeNone, nil, false
		}
		logf("fatal navigation error: %v", err)
		c.abort(ctx, err)
		return OutcomeAborted, err, true
	}

	if res.Outcome == OutcomeTargetReached {
		return c.targetReached(ctx)
	}
	return OutcomeNone, nil, false
}

func (c *Controller) targetReached(ctx context.Context) (Outcome, error, bool) {
	logf("target reached")
	if !c.cfg.LandOnTarget {
		err := c.returnToLaunch(ctx, OutcomeTargetReached, "target reached")
		return OutcomeTargetReached, err, true
	}
	c.machine.Land()
	err := vehicle.LandAndWait(detach(ctx), c.link, c.cfg.Poll(c.clock))
	if err != nil {
		logf("landing after target: %v", err)
	}
	c.finish(ctx, OutcomeTargetReached, "target reached", err)
	return OutcomeTargetReached, err, true
}

func (c *Controller) handle(ctx context.Context, req Request) (Outcome, error, bool) {
	logf("operator %s from %s", req, sourceName(req))
	switch req.Kind {
	case RequestStatus:
		req.reply("%s", c.StatusLine())

	case RequestSearch:
		c.flags.SetSearchEnabled(req.Enable)
		req.reply("search %s", onOff(req.Enable))

	case RequestConnect:
		t, err := c.link.Telemetry(ctx)
		if err != nil {
			c.flags.SetConnected(false)
			req.reply("vehicle not responding: %v", err)
			break
		}
		c.applyTelemetry(t)
		req.reply("connected: mode %s, armed %v, alt %.1fm", t.Mode, t.Armed, t.AltitudeM)

	case RequestTakeoff:
		alt := req.AltitudeM
		if alt <= 0 {
			alt = c.cfg.CruiseAltitudeM
		}
		cctx, ok := c.beginCycle(ctx)
		if !ok {
			req.reply("takeoff skipped: session ending")
			break
		}
		err := vehicle.ArmAndTakeoff(cctx, c.link, alt, c.cfg.TakeoffFraction, c.cfg.Poll(c.clock))
		c.endCycle()
		if err != nil {
			if isCancelled(err) && ctx.Err() == nil {
				req.reply("takeoff interrupted")
				break
			}
			req.reply("takeoff failed: %v", err)
			logf("takeoff failed: %v", err)
			c.abort(ctx, err)
			return OutcomeAborted, err, true
		}
		c.flags.SetArmed(true)
		c.flags.SetGuided(true)
		c.flags.SetAltitudeTarget(alt)
		c.flags.SetSearchEnabled(true)
		req.reply("airborne at %.1fm, search on", alt)

	case RequestLand:
		c.machine.Land()
		err := vehicle.LandAndWait(detach(ctx), c.link, c.cfg.Poll(c.clock))
		c.finish(ctx, OutcomeLanded, "operator land", err)
		req.reply("landed")
		return OutcomeLanded, err, true

	case RequestRTL:
		err := c.returnToLaunch(ctx, OutcomeReturned, "operator rtl")
		req.reply("returned to launch")
		return OutcomeReturned, err, true

	case RequestExit:
		err := c.Shutdown(ctx)
		req.reply("exiting")
		return OutcomeExited, err, true
	}
	return OutcomeNone, nil, false
}

// Shutdown returns the vehicle to launch if it is armed, closes the flight
// log session and sends EXIT. It is safe to call more than once and from
// any goroutine; only the first call acts.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.returnToLaunch(ctx, OutcomeExited, "shutdown")
}

func (c *Controller) abort(ctx context.Context, cause error) {
	c.returnToLaunchCause(ctx, OutcomeAborted, cause.Error(), cause)
}

func (c *Controller) returnToLaunch(ctx context.Context, outcome Outcome, reason string) error {
	return c.returnToLaunchCause(ctx, outcome, reason, nil)
}

func (c *Controller) returnToLaunchCause(ctx context.Context, outcome Outcome, reason string, cause error) error {
	var err error
	c.finishOnce.Do(func() {
		dctx := detach(ctx)
		armed, aerr := vehicle.IsArmed(dctx, c.link)
		if aerr != nil || armed {
			c.machine.ReturnToLaunch()
			err = vehicle.ReturnToLaunchAndWait(dctx, c.link, c.cfg.Poll(c.clock))
			if err != nil {
				logf("return to launch: %v", err)
			}
		}
		if cause == nil {
			cause = err
		}
		c.complete(dctx, outcome, reason, cause)
	})
	return err
}

// finish ends the session without commanding the vehicle.
func (c *Controller) finish(ctx context.Context, outcome Outcome, reason string, cause error) {
	c.finishOnce.Do(func() {
		c.complete(detach(ctx), outcome, reason, cause)
	})
}

func (c *Controller) complete(ctx context.Context, outcome Outcome, reason string, cause error) {
	c.statMu.Lock()
	c.outcome = outcome
	c.finishErr = cause
	c.statMu.Unlock()

	logf("session finished: %s (%s)", outcome, reason)
	if c.recorder != nil {
		c.recorder.EndSession(outcome, reason, c.clock.Now())
	}
	c.sendStatus(ctx, TokenExit)
	close(c.finished)
}

func (c *Controller) refresh(ctx context.Context) {
	t, err := c.link.Telemetry(ctx)
	if err != nil {
		return
	}
	c.applyTelemetry(t)
	if c.telemetry != nil {
		if err := c.telemetry.SendTelemetry(t); err != nil {
			logf("telemetry fan-out: %v", err)
		}
	}
}

func (c *Controller) applyTelemetry(t vehicle.Telemetry) {
	c.flags.SetConnected(true)
	c.flags.SetArmed(t.Armed)
	c.flags.SetGuided(t.Mode == vehicle.ModeGuided)
	c.statMu.Lock()
	c.lastTel = &t
	c.statMu.Unlock()
}

func (c *Controller) observeTelemetry(t vehicle.Telemetry) {
	c.statMu.Lock()
	c.lastTel = &t
	c.statMu.Unlock()
	if c.recorder != nil {
		c.recorder.RecordTelemetry(t)
	}
	if c.telemetry != nil {
		if err := c.telemetry.SendTelemetry(t); err != nil {
			logf("telemetry fan-out: %v", err)
		}
	}
}

func (c *Controller) observeFrame(f vision.Frame, dets []vision.Detection) {
	c.statMu.Lock()
	c.frames++
	c.statMu.Unlock()

	if len(dets) == 0 {
		return
	}
	if c.recorder != nil {
		c.recorder.RecordDetections(f.Seq, dets, f.Time)
	}
	if c.snapshots != nil {
		name := fmt.Sprintf("frame-%06d", f.Seq)
		if c.sessionID != "" {
			name = c.sessionID + "-" + name
		}
		if _, err := c.snapshots.Save(name, f, dets); err != nil {
			logf("snapshot: %v", err)
		}
	}
}

func (c *Controller) observeStep(res StepResult) {
	if res.Target == nil {
		return
	}
	est := res.Estimate
	c.statMu.Lock()
	c.lastDet = res.Target
	c.lastEst = &est
	c.statMu.Unlock()
}

func (c *Controller) sendStatus(ctx context.Context, token string) {
	if c.status == nil {
		return
	}
	sctx, cancel := context.WithTimeout(detach(ctx), statusTimeout)
	defer cancel()
	if err := c.status.SendStatus(sctx, token); err != nil {
		logf("status %s not delivered: %v", token, err)
	}
}

// Status snapshots the controller.
func (c *Controller) Status() Status {
	c.statMu.RLock()
	defer c.statMu.RUnlock()
	var errText string
	if c.finishErr != nil {
		errText = c.finishErr.Error()
	}
	return Status{
		Error:        errText,
		SessionID:    c.sessionID,
		State:        c.machine.State(),
		Outcome:      c.outcome,
		Flags:        c.flags.Snapshot(),
		Cursor:       c.machine.Cursor(),
		Frames:       c.frames,
		Telemetry:    c.lastTel,
		LastTarget:   c.lastDet,
		LastEstimate: c.lastEst,
	}
}

// StatusLine is the one-line operator answer to "status".
func (c *Controller) StatusLine() string {
	s := c.Status()
	line := fmt.Sprintf("state=%s armed=%v guided=%v search=%s frames=%d",
		s.State, s.Flags.Armed, s.Flags.Guided, onOff(s.Flags.SearchEnabled), s.Frames)
	if s.Telemetry != nil {
		line += fmt.Sprintf(" alt=%.1fm mode=%s battery=%d%%", s.Telemetry.AltitudeM, s.Telemetry.Mode, s.Telemetry.BatteryPct)
	}
	return line
}

// detach keeps ctx's values but not its cancellation, so the shutdown path
// can still command the vehicle after a signal.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func sourceName(r Request) string {
	if r.Source == "" {
		return "operator"
	}
	return r.Source
}
