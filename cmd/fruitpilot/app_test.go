package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fruitpilot/internal/api"
	"github.com/banshee-data/fruitpilot/internal/flightlog"
	"github.com/banshee-data/fruitpilot/internal/nav"
	"github.com/banshee-data/fruitpilot/internal/testutil"
	"github.com/banshee-data/fruitpilot/internal/timeutil"
	"github.com/banshee-data/fruitpilot/internal/vehicle"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestResolveConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mission := writeFile(t, filepath.Join(dir, "mission.json"), `{"cruise_altitude_m": 6, "connect": "tcp:10.0.0.2:5762", "db_path": "from-file.db"}`)
	broken := writeFile(t, filepath.Join(dir, "broken.json"), `{"min_confidence": 2}`)

	tests := []struct {
		name        string
		opts        options
		wantErr     bool
		wantConnect string
		wantDB      string
		wantAlt     float64
	}{
		{
			name:        "defaults without a file",
			opts:        options{},
			wantConnect: "tcp:10.147.84.40:5762",
			wantDB:      "flight.db",
			wantAlt:     10,
		},
		{
			name:        "file values",
			opts:        options{ConfigPath: mission},
			wantConnect: "tcp:10.0.0.2:5762",
			wantDB:      "from-file.db",
			wantAlt:     6,
		},
		{
			name:        "flags override the file",
			opts:        options{ConfigPath: mission, Connect: "udpin:0.0.0.0:14550", DBPath: "flag.db"},
			wantConnect: "udpin:0.0.0.0:14550",
			wantDB:      "flag.db",
			wantAlt:     6,
		},
		{
			name:        "dev flies the simulator",
			opts:        options{ConfigPath: mission, Dev: true, Connect: "tcp:1.2.3.4:5762"},
			wantConnect: "sim:",
			wantDB:      "from-file.db",
			wantAlt:     6,
		},
		{name: "invalid file", opts: options{ConfigPath: broken}, wantErr: true},
		{name: "missing file", opts: options{ConfigPath: filepath.Join(dir, "nope.json")}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := resolveConfig(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantConnect, cfg.GetConnect())
			assert.Equal(t, tt.wantDB, cfg.GetDBPath())
			assert.Equal(t, tt.wantAlt, cfg.GetCruiseAltitudeM())
			if tt.opts.Dev {
				assert.Empty(t, cfg.GetFallbackConnect())
			}
		})
	}
}

func TestResolveConfig_Fallback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mission := writeFile(t, filepath.Join(dir, "mission.json"), `{"fallback_connect": "tcp:10.0.0.3:5762"}`)
	none, other := "", "udpin:0.0.0.0:14551"

	tests := []struct {
		name string
		opts options
		want string
	}{
		{"default", options{}, "tcp:127.0.0.1:5762"},
		{"from file", options{ConfigPath: mission}, "tcp:10.0.0.3:5762"},
		{"flag overrides file", options{ConfigPath: mission, Fallback: &other}, other},
		{"empty flag disables", options{ConfigPath: mission, Fallback: &none}, ""},
		{"dev disables", options{ConfigPath: mission, Dev: true, Fallback: &other}, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := resolveConfig(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.GetFallbackConnect())
		})
	}
}

func TestResolveConfig_Environment(t *testing.T) {
	t.Setenv("FRUITPILOT_CONNECT", "tcp:192.168.1.5:5762")
	t.Setenv("FRUITPILOT_DB", "env.db")

	cfg, err := resolveConfig(options{DBPath: "flag.db"})
	require.NoError(t, err)
	assert.Equal(t, "tcp:192.168.1.5:5762", cfg.GetConnect())
	assert.Equal(t, "flag.db", cfg.GetDBPath(), "flags win over the environment")
}

func TestLoadDevScript(t *testing.T) {
	t.Parallel()

	script, err := loadDevScript("")
	require.NoError(t, err)
	assert.Len(t, script.Frames, 5)
	assert.True(t, script.Render)

	_, err = loadDevScript(filepath.Join(t.TempDir(), "script.yaml"))
	assert.Error(t, err)
}

func devOptions(t *testing.T, clock *timeutil.MockClock) (options, *vehicle.Sim) {
	t.Helper()
	dir := t.TempDir()
	sim := vehicle.NewSim(clock)
	return options{
		Dev:         true,
		DBPath:      filepath.Join(dir, "flight.db"),
		SnapshotDir: filepath.Join(dir, "snapshots"),
		Clock:       clock,
		Sim:         sim,
	}, sim
}

func TestRun_DevSessionReachesTarget(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	opts, sim := devOptions(t, clock)
	opts.TakeoffAltM = 8

	var out strings.Builder
	outcome, err := run(context.Background(), opts, strings.NewReader(""), &out)
	require.NoError(t, err)
	assert.Equal(t, nav.OutcomeTargetReached, outcome)

	takeoffs := sim.CommandsOf(vehicle.CommandTakeoff)
	require.Len(t, takeoffs, 1)
	assert.Equal(t, 8.0, takeoffs[0].AltM)
	assert.NotEmpty(t, sim.CommandsOf(vehicle.CommandYaw))
	modes := sim.CommandsOf(vehicle.CommandMode)
	require.NotEmpty(t, modes)
	assert.Equal(t, vehicle.ModeLand, modes[len(modes)-1].Mode)

	db, err := flightlog.OpenDB(opts.DBPath)
	require.NoError(t, err)
	defer db.Close()

	sessions, err := db.ListSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "TARGET_REACHED", sessions[0].Outcome)
	assert.Equal(t, "sim:", sessions[0].Vehicle)
	assert.True(t, sessions[0].Dev)

	dets, err := db.Detections(sessions[0].ID)
	require.NoError(t, err)
	assert.Len(t, dets, 3)

	snaps, err := filepath.Glob(filepath.Join(opts.SnapshotDir, "*.webp"))
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestRun_ConsoleExit(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	opts, sim := devOptions(t, clock)
	opts.ScriptPath = writeFile(t, filepath.Join(t.TempDir(), "empty_sky.json"), `{"loop": true, "frames": [{"detections": []}]}`)

	var out strings.Builder
	outcome, err := run(context.Background(), opts, strings.NewReader("status\nexit\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, nav.OutcomeExited, outcome)
	assert.Empty(t, sim.CommandsOf(vehicle.CommandArm))
	assert.Empty(t, sim.CommandsOf(vehicle.CommandMode), "disarmed vehicle is not sent home")
	assert.Contains(t, out.String(), "exiting")
}

func TestNewApp_FailuresCloseWhatWasOpened(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	opts, _ := devOptions(t, clock)
	opts.ScriptPath = filepath.Join(t.TempDir(), "missing.json")

	_, err := newApp(context.Background(), opts)
	require.Error(t, err)
	_, statErr := os.Stat(opts.DBPath)
	assert.True(t, os.IsNotExist(statErr), "flight log opened after a failed script load")
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	opts, _ := devOptions(t, clock)
	a, err := newApp(context.Background(), opts)
	require.NoError(t, err)
	defer a.Close()

	h := a.handler()

	rec := testutil.Serve(h, http.MethodGet, "/api/status", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	var st api.StatusResponse
	testutil.DecodeJSON(t, rec, &st)
	assert.Equal(t, a.session.ID(), st.SessionID)
	assert.Equal(t, "SEARCHING", st.State)

	rec = testutil.Serve(h, http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	var list []flightlog.SessionInfo
	testutil.DecodeJSON(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, a.session.ID(), list[0].ID)

	rec = testutil.Serve(h, http.MethodGet, "/debug/radio-disabled", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
}
