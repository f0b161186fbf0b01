package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverlay lists the settings that can be overridden from the environment.
// Unset variables leave the pointer nil so the file value survives.
type envOverlay struct {
	Connect         *string  `env:"FRUITPILOT_CONNECT"`
	FallbackConnect *string  `env:"FRUITPILOT_FALLBACK_CONNECT"`
	BaudRate        *int     `env:"FRUITPILOT_BAUD"`
	CruiseAltitudeM *float64 `env:"FRUITPILOT_ALTITUDE"`
	ModelPath       *string  `env:"FRUITPILOT_MODEL"`
	LabelsPath      *string  `env:"FRUITPILOT_LABELS"`
	Camera          *string  `env:"FRUITPILOT_CAMERA"`
	SnapshotDir     *string  `env:"FRUITPILOT_SNAPSHOT_DIR"`
	StatusAddr      *string  `env:"FRUITPILOT_STATUS_ADDR"`
	TelemetryUDP    *string  `env:"FRUITPILOT_TELEMETRY_UDP"`
	DBPath          *string  `env:"FRUITPILOT_DB"`
	MinConfidence   *float64 `env:"FRUITPILOT_MIN_CONFIDENCE"`
	TargetLabels    []string `env:"FRUITPILOT_TARGET_LABELS" envSeparator:","`
}

// ApplyEnv overlays FRUITPILOT_* environment variables onto cfg and
// re-validates the result.
func ApplyEnv(cfg *MissionConfig) error {
	return ApplyEnvWith(cfg, env.Options{})
}

// ApplyEnvWith is ApplyEnv with explicit parser options; tests pass
// Environment to avoid touching the process environment.
func ApplyEnvWith(cfg *MissionConfig, opts env.Options) error {
	var o envOverlay
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	if o.Connect != nil {
		cfg.Connect = o.Connect
	}
	if o.FallbackConnect != nil {
		cfg.FallbackConnect = o.FallbackConnect
	}
	if o.BaudRate != nil {
		cfg.BaudRate = o.BaudRate
	}
	if o.CruiseAltitudeM != nil {
		cfg.CruiseAltitudeM = o.CruiseAltitudeM
	}
	if o.ModelPath != nil {
		cfg.ModelPath = o.ModelPath
	}
	if o.LabelsPath != nil {
		cfg.LabelsPath = o.LabelsPath
	}
	if o.Camera != nil {
		cfg.Camera = o.Camera
	}
	if o.SnapshotDir != nil {
		cfg.SnapshotDir = o.SnapshotDir
	}
	if o.StatusAddr != nil {
		cfg.StatusAddr = o.StatusAddr
	}
	if o.TelemetryUDP != nil {
		cfg.TelemetryUDP = o.TelemetryUDP
	}
	if o.DBPath != nil {
		cfg.DBPath = o.DBPath
	}
	if o.MinConfidence != nil {
		cfg.MinConfidence = o.MinConfidence
	}
	if len(o.TargetLabels) > 0 {
		cfg.TargetLabels = o.TargetLabels
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return nil
}
