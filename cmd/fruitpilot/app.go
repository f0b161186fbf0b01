package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/fruitpilot/internal/api"
	"github.com/banshee-data/fruitpilot/internal/config"
	"github.com/banshee-data/fruitpilot/internal/flightlog"
	"github.com/banshee-data/fruitpilot/internal/geometry"
	"github.com/banshee-data/fruitpilot/internal/groundlink"
	"github.com/banshee-data/fruitpilot/internal/monitoring"
	"github.com/banshee-data/fruitpilot/internal/nav"
	"github.com/banshee-data/fruitpilot/internal/operator"
	"github.com/banshee-data/fruitpilot/internal/timeutil"
	"github.com/banshee-data/fruitpilot/internal/vehicle"
	"github.com/banshee-data/fruitpilot/internal/vision"
)

var logf = monitoring.Component("fruitpilot")

//go:embed fixtures/dev_script.json
var devScript []byte

const (
	snapshotMaxWidth = 640
	statusTimeout    = time.Second
	// metres per telemetry poll for the dev simulator
	devClimbPerPoll = 2.5
)

// options are the command line settings. Empty strings keep the value from
// the config file.
type options struct {
	ConfigPath   string
	Dev          bool
	ScriptPath   string
	Listen       string
	DBPath       string
	Connect      string
	Fallback     *string // nil when -fallback was not given; "" disables it
	RadioPort    string
	RadioBaud    int
	StatusAddr   string
	TelemetryUDP string
	SnapshotDir  string
	TakeoffAltM  float64

	// Clock drives the session; nil uses the wall clock.
	Clock timeutil.Clock
	// Sim is the vehicle flown in dev mode; nil creates one.
	Sim *vehicle.Sim
}

// radio is the ground link as the app uses it: a command channel that also
// shows state tokens.
type radio interface {
	groundlink.Radio
	groundlink.StatusSink
}

type app struct {
	cfg     *config.MissionConfig
	clock   timeutil.Clock
	address string

	link     vehicle.Link
	source   vision.FrameSource
	detector vision.Detector
	db       *flightlog.DB
	session  *flightlog.Session
	radio    radio
	status   *groundlink.StatusClient
	udp      *groundlink.UDPSender
	ctrl     *nav.Controller

	listen      string
	takeoffAltM float64
	closers     []io.Closer

	mu       sync.Mutex
	httpAddr string
}

// resolveConfig layers the config file, FRUITPILOT_* variables and flags.
func resolveConfig(opts options) (*config.MissionConfig, error) {
	path := opts.ConfigPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}

	cfg := config.EmptyMissionConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadMissionConfig(path); err != nil {
			return nil, err
		}
		logf("loaded mission config from %s", path)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	override := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	override(&cfg.DBPath, opts.DBPath)
	override(&cfg.Connect, opts.Connect)
	if opts.Fallback != nil {
		fallback := *opts.Fallback
		cfg.FallbackConnect = &fallback
	}
	override(&cfg.StatusAddr, opts.StatusAddr)
	override(&cfg.TelemetryUDP, opts.TelemetryUDP)
	override(&cfg.SnapshotDir, opts.SnapshotDir)

	if opts.Dev {
		sim, none := "sim:", ""
		cfg.Connect, cfg.FallbackConnect = &sim, &none
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDevScript(path string) (*vision.Script, error) {
	if path == "" {
		return vision.ParseScript(devScript, "built-in dev script")
	}
	return vision.LoadScript(path)
}

// newApp connects every collaborator of the session. On error whatever was
// already opened is closed again.
func newApp(ctx context.Context, opts options) (*app, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	a := &app{cfg: cfg, clock: clock, listen: opts.Listen, takeoffAltM: opts.TakeoffAltM}
	if err := a.open(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, opts options) error {
	cfg := a.cfg

	var dial vehicle.Dialer
	if opts.Dev {
		sim := opts.Sim
		if sim == nil {
			sim = vehicle.NewSim(a.clock)
			sim.ClimbPerPoll = devClimbPerPoll
		}
		dial = vehicle.DialSim(sim)
	} else {
		dial = vehicle.DialMAVLinkFunc(vehicle.MAVLinkOptions{Clock: a.clock})
	}
	link, address, err := vehicle.ConnectWithFallback(ctx, dial, cfg.GetConnect(), cfg.GetFallbackConnect(), cfg.GetBaudRate())
	if err != nil {
		return err
	}
	a.link, a.address = link, address
	a.closers = append(a.closers, link)

	if opts.Dev {
		script, err := loadDevScript(opts.ScriptPath)
		if err != nil {
			return err
		}
		src, det := script.Source(a.clock), script.Detector()
		a.source, a.detector = src, det
		a.closers = append(a.closers, src, det)
	} else {
		cam, err := vision.OpenCamera(cfg.GetCamera(), cfg.GetImageWidthPX(), cfg.GetImageHeightPX(), a.clock)
		if err != nil {
			return fmt.Errorf("camera %s: %w", cfg.GetCamera(), err)
		}
		a.source = cam
		a.closers = append(a.closers, cam)

		det, err := vision.NewYOLODetector(cfg.GetModelPath(), cfg.GetLabelsPath(), cfg.GetMinConfidence())
		if err != nil {
			return fmt.Errorf("detector %s: %w", cfg.GetModelPath(), err)
		}
		a.detector = det
		a.closers = append(a.closers, det)
	}

	db, err := flightlog.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("flight log: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db)

	navCfg := nav.ConfigFrom(cfg)
	sess, err := db.StartSession(flightlog.SessionOptions{
		Vehicle: address,
		Dev:     opts.Dev,
		Config:  cfg,
		Estimate: func(b geometry.Box) geometry.TargetEstimate {
			return navCfg.Geometry.Estimate(b, navCfg.Target)
		},
		Now: a.clock.Now,
	})
	if err != nil {
		return err
	}
	a.session = sess
	logf("flight log session %s in %s", sess.ID(), db.Path())

	if opts.RadioPort != "" {
		m, err := groundlink.Open(opts.RadioPort, groundlink.PortOptions{BaudRate: opts.RadioBaud})
		if err != nil {
			return fmt.Errorf("ground radio: %w", err)
		}
		a.radio = m
	} else {
		a.radio = groundlink.NewDisabledMux()
	}
	a.closers = append(a.closers, a.radio)

	sinks := groundlink.MultiStatus{a.radio}
	if addr := cfg.GetStatusAddr(); addr != "" {
		a.status = groundlink.NewStatusClient(addr, statusTimeout)
		a.status.Clock = a.clock
		a.closers = append(a.closers, a.status)
		sinks = append(sinks, a.status)
	}

	if a.udp, err = groundlink.NewUDPSender(cfg.GetTelemetryUDP()); err != nil {
		return err
	}
	a.closers = append(a.closers, a.udp)

	var snaps nav.SnapshotSaver
	if dir := cfg.GetSnapshotDir(); dir != "" {
		w, err := vision.NewSnapshotWriter(dir, snapshotMaxWidth)
		if err != nil {
			return err
		}
		snaps = w
	}

	a.ctrl, err = nav.NewController(nav.Options{
		Config:    navCfg,
		Link:      link,
		Source:    a.source,
		Detector:  a.detector,
		Clock:     a.clock,
		Status:    sinks,
		Recorder:  sess,
		Telemetry: a.udp,
		Snapshots: snaps,
		SessionID: sess.ID(),
	})
	return err
}

// Close releases everything in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", api.NewServer(a.ctrl, a.db).ServeMux())
	if err := a.db.AttachAdminRoutes(mux); err != nil {
		logf("flight log admin routes: %v", err)
	}
	a.radio.AttachAdminRoutes(mux)
	return api.LoggingMiddleware(mux)
}

// HTTPAddr is the address the API is listening on, once it is.
func (a *app) HTTPAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

func (a *app) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.listen)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.httpAddr = ln.Addr().String()
	a.mu.Unlock()
	logf("API listening on %s", ln.Addr())

	server := &http.Server{Handler: a.handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logf("HTTP server shutdown error: %v", err)
		}
	}()
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// fly runs the session until the controller finishes, feeding it from the
// console, the ground radio and the HTTP API.
func (a *app) fly(ctx context.Context, console io.Reader, out io.Writer) (nav.Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.radio.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logf("ground radio monitor: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		id, lines := a.radio.Subscribe()
		defer a.radio.Unsubscribe(id)
		reply := func(s string) {
			if err := a.radio.SendLine(s); err != nil {
				logf("ground radio reply: %v", err)
			}
		}
		if err := operator.RunLines(ctx, lines, a.ctrl.Submit, reply, "radio"); err != nil && !errors.Is(err, context.Canceled) {
			logf("ground radio commands: %v", err)
		}
	}()

	if console != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := operator.Run(ctx, console, out, a.ctrl.Submit, "console"); err != nil && !errors.Is(err, context.Canceled) {
				logf("console: %v", err)
			}
		}()
	}

	if a.listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.serveHTTP(ctx); err != nil {
				logf("HTTP server: %v", err)
			}
		}()
	}

	if a.takeoffAltM > 0 {
		err := a.ctrl.Submit(nav.Request{
			Kind:      nav.RequestTakeoff,
			AltitudeM: a.takeoffAltM,
			Source:    "startup",
			Reply:     func(s string) { logf("startup: %s", s) },
		})
		if err != nil {
			logf("startup takeoff rejected: %v", err)
		}
	}

	outcome, err := a.ctrl.Run(ctx)
	cancel()
	wg.Wait()
	return outcome, err
}

func run(ctx context.Context, opts options, console io.Reader, out io.Writer) (nav.Outcome, error) {
	a, err := newApp(ctx, opts)
	if err != nil {
		return nav.OutcomeNone, err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logf("close: %v", err)
		}
	}()
	return a.fly(ctx, console, out)
}
