package vehicle

import "context"

// Observer is told about each command after the link accepts or rejects it.
type Observer func(c Command, err error)

type observedLink struct {
	Link
	obs Observer
}

// Observe wraps l so that every outbound command is reported to obs.
// Telemetry reads are passed through untouched.
func Observe(l Link, obs Observer) Link {
	if obs == nil {
		return l
	}
	return &observedLink{Link: l, obs: obs}
}

func (o *observedLink) report(c Command, err error) error {
	o.obs(c, err)
	return err
}

func (o *observedLink) SetMode(ctx context.Context, mode Mode) error {
	return o.report(Command{Kind: CommandMode, Mode: mode}, o.Link.SetMode(ctx, mode))
}

func (o *observedLink) Arm(ctx context.Context) error {
	return o.report(Command{Kind: CommandArm}, o.Link.Arm(ctx))
}

func (o *observedLink) Takeoff(ctx context.Context, altitudeM float64) error {
	return o.report(Command{Kind: CommandTakeoff, AltM: altitudeM}, o.Link.Takeoff(ctx, altitudeM))
}

func (o *observedLink) SendYaw(ctx context.Context, degrees float64, relative bool) error {
	return o.report(Command{Kind: CommandYaw, Degrees: degrees, Relative: relative}, o.Link.SendYaw(ctx, degrees, relative))
}

func (o *observedLink) SendVelocityBody(ctx context.Context, vx, vy, vz float64) error {
	return o.report(Command{Kind: CommandVelocity, VX: vx, VY: vy, VZ: vz}, o.Link.SendVelocityBody(ctx, vx, vy, vz))
}

func (o *observedLink) Goto(ctx context.Context, lat, lon, altitudeM float64) error {
	return o.report(Command{Kind: CommandGoto, Lat: lat, Lon: lon, AltM: altitudeM}, o.Link.Goto(ctx, lat, lon, altitudeM))
}
