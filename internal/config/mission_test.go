package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestEmptyMissionConfig_Defaults(t *testing.T) {
	cfg := EmptyMissionConfig()

	assert.Equal(t, 3.6, cfg.GetFocalLengthMM())
	assert.Equal(t, 4.8, cfg.GetSensorWidthMM())
	assert.Equal(t, 3.6, cfg.GetSensorHeightMM())
	assert.Equal(t, 640, cfg.GetImageWidthPX())
	assert.Equal(t, 480, cfg.GetImageHeightPX())
	assert.Equal(t, 10.0, cfg.GetCruiseAltitudeM())
	assert.Equal(t, 100.0, cfg.GetProximityCM())
	assert.Equal(t, 20.0, cfg.GetAlignThresholdPX())
	assert.Equal(t, 0.25, cfg.GetForwardSpeedMPS())
	assert.Equal(t, time.Second, cfg.GetApproachStep())
	assert.Equal(t, 3*time.Second, cfg.GetSettleDelay())
	assert.Equal(t, 0.2, cfg.GetNudgeSpeedMPS())
	assert.Equal(t, 3*time.Second, cfg.GetNudgeDuration())
	assert.Equal(t, 0.3, cfg.GetAltitudeToleranceM())
	assert.Equal(t, 20, cfg.GetMaxAltitudePolls())
	assert.Equal(t, 0.95, cfg.GetTakeoffFraction())
	assert.Equal(t, 0.6, cfg.GetMinConfidence())
	assert.True(t, cfg.GetLandOnTarget())
	assert.Equal(t, "tcp:10.147.84.40:5762", cfg.GetConnect())
	assert.Equal(t, "tcp:127.0.0.1:5762", cfg.GetFallbackConnect())
	assert.Equal(t, 57600, cfg.GetBaudRate())
	assert.Empty(t, cfg.GetTargetLabels())
}

func TestDefaultMissionConfig_MatchesGetters(t *testing.T) {
	cfg := DefaultMissionConfig()
	require.NoError(t, cfg.Validate())

	require.NotNil(t, cfg.SettleDelay)
	assert.Equal(t, "3s", *cfg.SettleDelay)
	require.NotNil(t, cfg.CruiseAltitudeM)
	assert.Equal(t, 10.0, *cfg.CruiseAltitudeM)
	assert.Equal(t, EmptyMissionConfig().GetDBPath(), cfg.GetDBPath())
}

func TestLoadMissionConfig(t *testing.T) {
	path := writeConfig(t, "mission.json", `{
  "cruise_altitude_m": 12.5,
  "settle_delay": "1500ms",
  "target_labels": ["mango", "papaya"],
  "land_on_target": false
}`)

	cfg, err := LoadMissionConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 12.5, cfg.GetCruiseAltitudeM())
	assert.Equal(t, 1500*time.Millisecond, cfg.GetSettleDelay())
	assert.Equal(t, []string{"mango", "papaya"}, cfg.GetTargetLabels())
	assert.False(t, cfg.GetLandOnTarget())
	// untouched fields keep defaults
	assert.Equal(t, 20.0, cfg.GetAlignThresholdPX())
}

func TestLoadMissionConfig_LegacyAltitude(t *testing.T) {
	path := writeConfig(t, "config.json", `{"altitude": 25}`)

	cfg, err := LoadMissionConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.GetCruiseAltitudeM())

	// the explicit key wins when both are present
	path = writeConfig(t, "config.json", `{"altitude": 25, "cruise_altitude_m": 8}`)
	cfg, err = LoadMissionConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8.0, cfg.GetCruiseAltitudeM())
}

func TestLoadMissionConfig_EmptyFallbackDisablesIt(t *testing.T) {
	path := writeConfig(t, "mission.json", `{"fallback_connect": ""}`)

	cfg, err := LoadMissionConfig(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.GetFallbackConnect())
	assert.Equal(t, "tcp:127.0.0.1:5762", EmptyMissionConfig().GetFallbackConnect())
}

func TestLoadMissionConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "mission.yaml", `{}`, ".json extension"},
		{"bad json", "mission.json", `{`, "failed to parse config JSON"},
		{"negative altitude", "mission.json", `{"cruise_altitude_m": -1}`, "cruise_altitude_m must be positive"},
		{"confidence above one", "mission.json", `{"min_confidence": 1.5}`, "min_confidence"},
		{"bad duration", "mission.json", `{"settle_delay": "soon"}`, "invalid settle_delay"},
		{"negative duration", "mission.json", `{"poll_interval": "-1s"}`, "poll_interval must be non-negative"},
		{"zero polls", "mission.json", `{"max_altitude_polls": 0}`, "max_altitude_polls"},
		{"takeoff fraction", "mission.json", `{"takeoff_fraction": 1.2}`, "takeoff_fraction"},
		{"zero width", "mission.json", `{"image_width_px": 0}`, "image_width_px"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadMissionConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissionConfig_Missing(t *testing.T) {
	_, err := LoadMissionConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat config file")
}

func TestLoadMissionConfig_TooLarge(t *testing.T) {
	path := writeConfig(t, "big.json", `{"model_path": "`+strings.Repeat("a", 1024*1024)+`"}`)
	_, err := LoadMissionConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestDurationGetters_FallBackOnParseError(t *testing.T) {
	bad := "nonsense"
	cfg := &MissionConfig{PollInterval: &bad}
	assert.Equal(t, 3*time.Second, cfg.GetPollInterval())
}

func TestCameraGeometryAndTarget(t *testing.T) {
	cfg := EmptyMissionConfig()
	cam := cfg.CameraGeometry()
	assert.Equal(t, 640, cam.ImageWidthPX)
	assert.Equal(t, 4.8, cam.SensorWidthMM)

	target := cfg.Target()
	assert.InDelta(t, 19.81, target.WidthCM, 1e-9)
	assert.InDelta(t, 25.14, target.HeightCM, 1e-9)
}

func TestApplyEnv(t *testing.T) {
	cfg := EmptyMissionConfig()
	err := ApplyEnvWith(cfg, env.Options{Environment: map[string]string{
		"FRUITPILOT_CONNECT":       "udp:192.168.1.10:14550",
		"FRUITPILOT_ALTITUDE":      "7.5",
		"FRUITPILOT_TARGET_LABELS": "mango,banana",
	}})
	require.NoError(t, err)

	assert.Equal(t, "udp:192.168.1.10:14550", cfg.GetConnect())
	assert.Equal(t, 7.5, cfg.GetCruiseAltitudeM())
	assert.Equal(t, []string{"mango", "banana"}, cfg.GetTargetLabels())
	// not set in the environment
	assert.Equal(t, "tcp:127.0.0.1:5762", cfg.GetFallbackConnect())
}

func TestApplyEnv_Invalid(t *testing.T) {
	t.Run("parse error", func(t *testing.T) {
		err := ApplyEnvWith(EmptyMissionConfig(), env.Options{Environment: map[string]string{
			"FRUITPILOT_BAUD": "fast",
		}})
		assert.Error(t, err)
	})

	t.Run("validation error", func(t *testing.T) {
		err := ApplyEnvWith(EmptyMissionConfig(), env.Options{Environment: map[string]string{
			"FRUITPILOT_MIN_CONFIDENCE": "2",
		}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "min_confidence")
	})

	t.Run("negative altitude", func(t *testing.T) {
		err := ApplyEnvWith(EmptyMissionConfig(), env.Options{Environment: map[string]string{
			"FRUITPILOT_ALTITUDE": "-3",
		}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cruise_altitude_m")
	})
}

func TestLoadMissionConfig_Example(t *testing.T) {
	cfg, err := LoadMissionConfig(filepath.Join("..", "..", "config.example.json"))
	require.NoError(t, err)

	def := DefaultMissionConfig()
	assert.Equal(t, def.GetCruiseAltitudeM(), cfg.GetCruiseAltitudeM())
	assert.Equal(t, def.GetProximityCM(), cfg.GetProximityCM())
	assert.Equal(t, def.GetSettleDelay(), cfg.GetSettleDelay())
	assert.Equal(t, []string{"mango"}, cfg.GetTargetLabels())
	assert.Equal(t, "127.0.0.1:12345", cfg.GetStatusAddr())
}
