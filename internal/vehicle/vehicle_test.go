package vehicle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testPoll(clock *timeutil.MockClock, max int) Poll {
	return Poll{Clock: clock, Interval: 3 * time.Second, MaxPolls: max}
}

func TestModeStringAndParse(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "GUIDED", ModeGuided.String())
	assert.Equal(t, "MODE(42)", Mode(42).String())

	m, err := ParseMode(" rtl ")
	require.NoError(t, err)
	assert.Equal(t, ModeRTL, m)

	_, err = ParseMode("warp")
	assert.Error(t, err)
}

func TestArmAndTakeoff(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	sim := NewSim(clock)
	sim.ClimbPerPoll = 2.5

	err := ArmAndTakeoff(context.Background(), sim, 10, 0.95, testPoll(clock, 20))
	require.NoError(t, err)

	got := sim.Commands()
	want := []Command{
		{Kind: CommandMode, Mode: ModeGuided},
		{Kind: CommandArm},
		{Kind: CommandTakeoff, AltM: 10},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	tel, err := sim.Telemetry(context.Background())
	require.NoError(t, err)
	assert.True(t, tel.Armed)
	assert.GreaterOrEqual(t, tel.AltitudeM, 9.5)
	// arm check (1 poll) plus 4 climb polls, 3 of which slept
	assert.Equal(t, 3, len(clock.Sleeps()))
}

func TestArmAndTakeoff_TimesOut(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	sim := NewSim(clock)
	sim.Stuck = true

	err := ArmAndTakeoff(context.Background(), sim, 10, 0.95, testPoll(clock, 5))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Len(t, clock.Sleeps(), 4)
	assert.Equal(t, 12*time.Second, clock.TotalSlept())
}

func TestArmAndTakeoff_SendFailureIsConnectionError(t *testing.T) {
	t.Parallel()

	sim := NewSim(timeutil.NewMockClock(epoch))
	sim.FailSend = true

	err := ArmAndTakeoff(context.Background(), sim, 10, 0.95, testPoll(timeutil.NewMockClock(epoch), 5))
	assert.ErrorIs(t, err, ErrConnection)
}

func TestArmAndTakeoff_Cancelled(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	sim := NewSim(clock)
	sim.Stuck = true

	ctx, cancel := context.WithCancel(context.Background())
	clock.OnSleep(func(time.Duration) { cancel() })

	err := ArmAndTakeoff(ctx, sim, 10, 0.95, testPoll(clock, 20))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, clock.Sleeps(), 1)
}

func TestLandAndReturnToLaunch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(context.Context, Link, Poll) error
		mode Mode
	}{
		{"land", LandAndWait, ModeLand},
		{"rtl", ReturnToLaunchAndWait, ModeRTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := timeutil.NewMockClock(epoch)
			sim := NewSim(clock)
			sim.ClimbPerPoll = 4
			sim.SetState(Telemetry{AltitudeM: 10, Armed: true, Mode: ModeGuided})

			require.NoError(t, tt.fn(context.Background(), sim, testPoll(clock, 10)))

			tel, err := sim.Telemetry(context.Background())
			require.NoError(t, err)
			assert.False(t, tel.Armed)
			assert.Equal(t, tt.mode, tel.Mode)
			assert.Zero(t, tel.AltitudeM)
		})
	}
}

func TestPollUntil_TelemetryErrorsUsePolls(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	sim := NewSim(clock)
	sim.FailTelemetry = true

	_, err := testPoll(clock, 3).Until(context.Background(), sim, "anything", func(Telemetry) bool { return true })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTelemetryTimeout))
	assert.Contains(t, err.Error(), "simulated telemetry failure")
}

func TestWaitAltitude(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	sim := NewSim(clock)
	sim.ClimbPerPoll = 1
	sim.SetState(Telemetry{AltitudeM: 3, Armed: true, Mode: ModeGuided})
	require.NoError(t, sim.Goto(context.Background(), 0, 0, 6))

	tel, err := WaitAltitude(context.Background(), sim, 6, 0.5, testPoll(clock, 10))
	require.NoError(t, err)
	assert.InDelta(t, 6, tel.AltitudeM, 0.5)
}

func TestIsArmed(t *testing.T) {
	t.Parallel()

	sim := NewSim(nil)
	armed, err := IsArmed(context.Background(), sim)
	require.NoError(t, err)
	assert.False(t, armed)

	require.NoError(t, sim.Arm(context.Background()))
	armed, err = IsArmed(context.Background(), sim)
	require.NoError(t, err)
	assert.True(t, armed)
}
