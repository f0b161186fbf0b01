package vehicle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

const (
	// velocityTypeMask keeps only the vx, vy, vz fields of
	// SET_POSITION_TARGET_LOCAL_NED.
	velocityTypeMask = 0b0000111111000111
	// positionTypeMask keeps only the position fields of
	// SET_POSITION_TARGET_GLOBAL_INT.
	positionTypeMask = 0b0000111111111000
)

// MAVLinkOptions tunes DialMAVLink. Zero values pick the defaults.
type MAVLinkOptions struct {
	SystemID         byte          // default 10
	HeartbeatTimeout time.Duration // default 30s
	StaleAfter       time.Duration // default 5s
	YawRateDegS      float64       // default 1
	Clock            timeutil.Clock
}

func (o *MAVLinkOptions) normalize() {
	if o.SystemID == 0 {
		o.SystemID = 10
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Second
	}
	if o.YawRateDegS <= 0 {
		o.YawRateDegS = 1
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// MAVLink is a Link over a gomavlib node. A background goroutine folds
// incoming HEARTBEAT, GLOBAL_POSITION_INT and SYS_STATUS messages into a
// cached Telemetry snapshot.
type MAVLink struct {
	node *gomavlib.Node
	// write broadcasts one message; it is node.WriteMessageAll outside tests.
	write func(message.Message) error
	opts  MAVLinkOptions

	mu        sync.RWMutex
	tracker   telemetryTracker
	channels  int
	heartbeat chan struct{}
	hbOnce    sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func endpointConf(ep Endpoint) (gomavlib.EndpointConf, error) {
	switch ep.Transport {
	case TransportTCP:
		return gomavlib.EndpointTCPClient{Address: ep.Address}, nil
	case TransportUDP:
		return gomavlib.EndpointUDPClient{Address: ep.Address}, nil
	case TransportUDPListen:
		return gomavlib.EndpointUDPServer{Address: ep.Address}, nil
	case TransportSerial:
		return gomavlib.EndpointSerial{Device: ep.Address, Baud: ep.Baud}, nil
	default:
		return nil, fmt.Errorf("transport %q is not a MAVLink endpoint", ep.Transport)
	}
}

// DialMAVLink opens ep and blocks until the autopilot's first heartbeat,
// the heartbeat timeout, or ctx cancellation.
func DialMAVLink(ctx context.Context, ep Endpoint, opts MAVLinkOptions) (*MAVLink, error) {
	opts.normalize()
	conf, err := endpointConf(ep)
	if err != nil {
		return nil, err
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:           []gomavlib.EndpointConf{conf},
		Dialect:             common.Dialect,
		OutVersion:          gomavlib.V2,
		OutSystemID:         opts.SystemID,
		StreamRequestEnable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MAVLink node: %w", err)
	}

	m := &MAVLink{
		node:      node,
		write:     node.WriteMessageAll,
		opts:      opts,
		heartbeat: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.run()

	wctx, cancel := context.WithTimeout(ctx, opts.HeartbeatTimeout)
	defer cancel()
	select {
	case <-m.heartbeat:
		t := m.snapshot()
		sys, _ := m.target()
		logf("heartbeat from system %d, mode %s, armed=%v", sys, t.Mode, t.Armed)
		return m, nil
	case <-wctx.Done():
		m.Close()
		return nil, fmt.Errorf("no heartbeat from %s: %w", ep, wctx.Err())
	}
}

// DialMAVLinkFunc adapts DialMAVLink to a Dialer.
func DialMAVLinkFunc(opts MAVLinkOptions) Dialer {
	return func(ctx context.Context, ep Endpoint) (Link, error) {
		return DialMAVLink(ctx, ep, opts)
	}
}

func (m *MAVLink) run() {
	defer close(m.done)
	for evt := range m.node.Events() {
		switch e := evt.(type) {
		case *gomavlib.EventChannelOpen:
			m.mu.Lock()
			m.channels++
			m.mu.Unlock()
		case *gomavlib.EventChannelClose:
			m.mu.Lock()
			m.channels--
			m.mu.Unlock()
		case *gomavlib.EventFrame:
			m.mu.Lock()
			gotHeartbeat := m.tracker.apply(e.SystemID(), e.ComponentID(), e.Message(), m.opts.Clock.Now())
			m.mu.Unlock()
			if gotHeartbeat {
				m.hbOnce.Do(func() { close(m.heartbeat) })
			}
		}
	}
}

func (m *MAVLink) snapshot() Telemetry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.state
}

func (m *MAVLink) send(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	open := m.channels
	m.mu.RUnlock()
	if open <= 0 {
		return fmt.Errorf("%w: no open channel", ErrCommandTransmit)
	}
	if err := m.write(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrCommandTransmit, err)
	}
	return nil
}

func (m *MAVLink) target() (uint8, uint8) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.sysID, m.tracker.compID
}

func (m *MAVLink) SetMode(ctx context.Context, mode Mode) error {
	sys, comp := m.target()
	return m.send(ctx, setModeMessage(sys, comp, mode))
}

func (m *MAVLink) Arm(ctx context.Context) error {
	sys, comp := m.target()
	return m.send(ctx, armMessage(sys, comp))
}

func (m *MAVLink) Takeoff(ctx context.Context, altitudeM float64) error {
	sys, comp := m.target()
	return m.send(ctx, takeoffMessage(sys, comp, altitudeM))
}

func (m *MAVLink) SendYaw(ctx context.Context, degrees float64, relative bool) error {
	sys, comp := m.target()
	return m.send(ctx, yawMessage(sys, comp, degrees, m.opts.YawRateDegS, relative))
}

func (m *MAVLink) SendVelocityBody(ctx context.Context, vx, vy, vz float64) error {
	sys, comp := m.target()
	return m.send(ctx, velocityMessage(sys, comp, vx, vy, vz))
}

func (m *MAVLink) Goto(ctx context.Context, lat, lon, altitudeM float64) error {
	sys, comp := m.target()
	return m.send(ctx, gotoMessage(sys, comp, lat, lon, altitudeM))
}

// Telemetry returns the cached snapshot. It fails when nothing has been
// heard for StaleAfter.
func (m *MAVLink) Telemetry(ctx context.Context) (Telemetry, error) {
	if err := ctx.Err(); err != nil {
		return Telemetry{}, err
	}
	t := m.snapshot()
	if age := m.opts.Clock.Since(t.Time); age > m.opts.StaleAfter {
		return t, fmt.Errorf("telemetry is %s old", age.Round(time.Millisecond))
	}
	return t, nil
}

func (m *MAVLink) Close() error {
	m.closeOnce.Do(func() {
		m.node.Close()
		<-m.done
	})
	return nil
}

// telemetryTracker folds autopilot messages into a Telemetry snapshot.
type telemetryTracker struct {
	sysID  uint8
	compID uint8
	state  Telemetry
}

// apply reports whether msg was an autopilot heartbeat.
func (tt *telemetryTracker) apply(sysID, compID uint8, msg message.Message, now time.Time) bool {
	switch msg := msg.(type) {
	case *common.MessageHeartbeat:
		if msg.Autopilot == common.MAV_AUTOPILOT_INVALID {
			return false
		}
		tt.sysID, tt.compID = sysID, compID
		tt.state.Armed = msg.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
		tt.state.Mode = Mode(msg.CustomMode)
		tt.state.Time = now
		return true
	case *common.MessageGlobalPositionInt:
		if tt.sysID != 0 && sysID != tt.sysID {
			return false
		}
		tt.state.Lat = float64(msg.Lat) / 1e7
		tt.state.Lon = float64(msg.Lon) / 1e7
		tt.state.AltitudeM = float64(msg.RelativeAlt) / 1000
		if msg.Hdg != math.MaxUint16 {
			tt.state.HeadingDeg = float64(msg.Hdg) / 100
		}
		tt.state.Time = now
	case *common.MessageSysStatus:
		if tt.sysID != 0 && sysID != tt.sysID {
			return false
		}
		tt.state.BatteryPct = int(msg.BatteryRemaining)
		tt.state.Time = now
	}
	return false
}

func commandLong(sys, comp uint8, cmd common.MAV_CMD, params [7]float32) *common.MessageCommandLong {
	return &common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         cmd,
		Param1:          params[0],
		Param2:          params[1],
		Param3:          params[2],
		Param4:          params[3],
		Param5:          params[4],
		Param6:          params[5],
		Param7:          params[6],
	}
}

func setModeMessage(sys, comp uint8, mode Mode) *common.MessageCommandLong {
	return commandLong(sys, comp, common.MAV_CMD_DO_SET_MODE,
		[7]float32{float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), float32(mode)})
}

func armMessage(sys, comp uint8) *common.MessageCommandLong {
	return commandLong(sys, comp, common.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{1})
}

func takeoffMessage(sys, comp uint8, altitudeM float64) *common.MessageCommandLong {
	return commandLong(sys, comp, common.MAV_CMD_NAV_TAKEOFF, [7]float32{6: float32(altitudeM)})
}

// yawMessage builds CONDITION_YAW. Relative turns carry the sign in the
// direction parameter (1 clockwise, -1 counter-clockwise).
func yawMessage(sys, comp uint8, degrees, rate float64, relative bool) *common.MessageCommandLong {
	dir := float32(1)
	angle := degrees
	rel := float32(0)
	if relative {
		rel = 1
		if degrees < 0 {
			dir = -1
			angle = -degrees
		}
	} else {
		angle = math.Mod(math.Mod(degrees, 360)+360, 360)
	}
	return commandLong(sys, comp, common.MAV_CMD_CONDITION_YAW,
		[7]float32{float32(angle), float32(rate), dir, rel})
}

func velocityMessage(sys, comp uint8, vx, vy, vz float64) *common.MessageSetPositionTargetLocalNed {
	return &common.MessageSetPositionTargetLocalNed{
		TargetSystem:    sys,
		TargetComponent: comp,
		CoordinateFrame: common.MAV_FRAME_BODY_OFFSET_NED,
		TypeMask:        common.POSITION_TARGET_TYPEMASK(velocityTypeMask),
		Vx:              float32(vx),
		Vy:              float32(vy),
		Vz:              float32(vz),
	}
}

func gotoMessage(sys, comp uint8, lat, lon, altitudeM float64) *common.MessageSetPositionTargetGlobalInt {
	return &common.MessageSetPositionTargetGlobalInt{
		TargetSystem:    sys,
		TargetComponent: comp,
		CoordinateFrame: common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
		TypeMask:        common.POSITION_TARGET_TYPEMASK(positionTypeMask),
		LatInt:          int32(math.Round(lat * 1e7)),
		LonInt:          int32(math.Round(lon * 1e7)),
		Alt:             float32(altitudeM),
	}
}
