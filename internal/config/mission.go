package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/fruitpilot/internal/geometry"
)

// DefaultConfigPath is where cmd/fruitpilot looks for a mission file when
// -config is not given. A missing default file is not an error.
const DefaultConfigPath = "config.json"

// MissionConfig is the flight and perception configuration. Every field is a
// pointer so a partial JSON file only overrides what it names; the Get*
// methods supply defaults for the rest.
type MissionConfig struct {
	// Camera and target geometry
	FocalLengthMM  *float64 `json:"focal_length_mm,omitempty"`
	SensorWidthMM  *float64 `json:"sensor_width_mm,omitempty"`
	SensorHeightMM *float64 `json:"sensor_height_mm,omitempty"`
	ImageWidthPX   *int     `json:"image_width_px,omitempty"`
	ImageHeightPX  *int     `json:"image_height_px,omitempty"`
	TargetWidthCM  *float64 `json:"target_width_cm,omitempty"`
	TargetHeightCM *float64 `json:"target_height_cm,omitempty"`

	// Flight behaviour
	CruiseAltitudeM    *float64 `json:"cruise_altitude_m,omitempty"`
	LegacyAltitudeM    *float64 `json:"altitude,omitempty"` // older config.json files
	ProximityCM        *float64 `json:"proximity_cm,omitempty"`
	AlignThresholdPX   *float64 `json:"align_threshold_px,omitempty"`
	ForwardSpeedMPS    *float64 `json:"forward_speed_mps,omitempty"`
	ApproachStep       *string  `json:"approach_step,omitempty"`
	SettleDelay        *string  `json:"settle_delay,omitempty"`
	NudgeSpeedMPS      *float64 `json:"nudge_speed_mps,omitempty"`
	NudgeDuration      *string  `json:"nudge_duration,omitempty"`
	AltitudeToleranceM *float64 `json:"altitude_tolerance_m,omitempty"`
	PollInterval       *string  `json:"poll_interval,omitempty"`
	MaxAltitudePolls   *int     `json:"max_altitude_polls,omitempty"`
	TakeoffFraction    *float64 `json:"takeoff_fraction,omitempty"`
	MaxAlignAttempts   *int     `json:"max_align_attempts,omitempty"`
	LandOnTarget       *bool    `json:"land_on_target,omitempty"`

	// Detection
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	TargetLabels  []string `json:"target_labels,omitempty"`
	ModelPath     *string  `json:"model_path,omitempty"`
	LabelsPath    *string  `json:"labels_path,omitempty"`
	Camera        *string  `json:"camera,omitempty"`
	SnapshotDir   *string  `json:"snapshot_dir,omitempty"`

	// Links
	Connect         *string `json:"connect,omitempty"`
	FallbackConnect *string `json:"fallback_connect,omitempty"`
	BaudRate        *int    `json:"baud_rate,omitempty"`
	StatusAddr      *string `json:"status_addr,omitempty"`
	TelemetryUDP    *string `json:"telemetry_udp,omitempty"`
	DBPath          *string `json:"db_path,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyMissionConfig returns a MissionConfig with all fields unset.
func EmptyMissionConfig() *MissionConfig {
	return &MissionConfig{}
}

// DefaultMissionConfig returns a config with every field populated from the
// defaults used by the Get* accessors.
func DefaultMissionConfig() *MissionConfig {
	e := EmptyMissionConfig()
	return &MissionConfig{
		FocalLengthMM:      ptrFloat64(e.GetFocalLengthMM()),
		SensorWidthMM:      ptrFloat64(e.GetSensorWidthMM()),
		SensorHeightMM:     ptrFloat64(e.GetSensorHeightMM()),
		ImageWidthPX:       ptrInt(e.GetImageWidthPX()),
		ImageHeightPX:      ptrInt(e.GetImageHeightPX()),
		TargetWidthCM:      ptrFloat64(e.GetTargetWidthCM()),
		TargetHeightCM:     ptrFloat64(e.GetTargetHeightCM()),
		CruiseAltitudeM:    ptrFloat64(e.GetCruiseAltitudeM()),
		ProximityCM:        ptrFloat64(e.GetProximityCM()),
		AlignThresholdPX:   ptrFloat64(e.GetAlignThresholdPX()),
		ForwardSpeedMPS:    ptrFloat64(e.GetForwardSpeedMPS()),
		ApproachStep:       ptrString(e.GetApproachStep().String()),
		SettleDelay:        ptrString(e.GetSettleDelay().String()),
		NudgeSpeedMPS:      ptrFloat64(e.GetNudgeSpeedMPS()),
		NudgeDuration:      ptrString(e.GetNudgeDuration().String()),
		AltitudeToleranceM: ptrFloat64(e.GetAltitudeToleranceM()),
		PollInterval:       ptrString(e.GetPollInterval().String()),
		MaxAltitudePolls:   ptrInt(e.GetMaxAltitudePolls()),
		TakeoffFraction:    ptrFloat64(e.GetTakeoffFraction()),
		MaxAlignAttempts:   ptrInt(e.GetMaxAlignAttempts()),
		LandOnTarget:       ptrBool(e.GetLandOnTarget()),
		MinConfidence:      ptrFloat64(e.GetMinConfidence()),
		ModelPath:          ptrString(e.GetModelPath()),
		LabelsPath:         ptrString(e.GetLabelsPath()),
		Camera:             ptrString(e.GetCamera()),
		SnapshotDir:        ptrString(e.GetSnapshotDir()),
		Connect:            ptrString(e.GetConnect()),
		FallbackConnect:    ptrString(e.GetFallbackConnect()),
		BaudRate:           ptrInt(e.GetBaudRate()),
		StatusAddr:         ptrString(e.GetStatusAddr()),
		TelemetryUDP:       ptrString(e.GetTelemetryUDP()),
		DBPath:             ptrString(e.GetDBPath()),
	}
}

// LoadMissionConfig loads a MissionConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their defaults.
func LoadMissionConfig(path string) (*MissionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyMissionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *MissionConfig) Validate() error {
	positive := map[string]*float64{
		"focal_length_mm":      c.FocalLengthMM,
		"sensor_width_mm":      c.SensorWidthMM,
		"sensor_height_mm":     c.SensorHeightMM,
		"target_width_cm":      c.TargetWidthCM,
		"cruise_altitude_m":    c.CruiseAltitudeM,
		"altitude":             c.LegacyAltitudeM,
		"forward_speed_mps":    c.ForwardSpeedMPS,
		"altitude_tolerance_m": c.AltitudeToleranceM,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	if c.TargetHeightCM != nil && *c.TargetHeightCM < 0 {
		return fmt.Errorf("target_height_cm must be non-negative, got %f", *c.TargetHeightCM)
	}
	if c.ImageWidthPX != nil && *c.ImageWidthPX <= 0 {
		return fmt.Errorf("image_width_px must be positive, got %d", *c.ImageWidthPX)
	}
	if c.ImageHeightPX != nil && *c.ImageHeightPX <= 0 {
		return fmt.Errorf("image_height_px must be positive, got %d", *c.ImageHeightPX)
	}
	if c.ProximityCM != nil && *c.ProximityCM < 0 {
		return fmt.Errorf("proximity_cm must be non-negative, got %f", *c.ProximityCM)
	}
	if c.AlignThresholdPX != nil && *c.AlignThresholdPX < 0 {
		return fmt.Errorf("align_threshold_px must be non-negative, got %f", *c.AlignThresholdPX)
	}
	if c.NudgeSpeedMPS != nil && *c.NudgeSpeedMPS < 0 {
		return fmt.Errorf("nudge_speed_mps must be non-negative, got %f", *c.NudgeSpeedMPS)
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
	}
	if c.TakeoffFraction != nil && (*c.TakeoffFraction <= 0 || *c.TakeoffFraction > 1) {
		return fmt.Errorf("takeoff_fraction must be in (0, 1], got %f", *c.TakeoffFraction)
	}
	if c.MaxAltitudePolls != nil && *c.MaxAltitudePolls < 1 {
		return fmt.Errorf("max_altitude_polls must be at least 1, got %d", *c.MaxAltitudePolls)
	}
	if c.MaxAlignAttempts != nil && *c.MaxAlignAttempts < 0 {
		return fmt.Errorf("max_align_attempts must be non-negative, got %d", *c.MaxAlignAttempts)
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}

	durations := map[string]*string{
		"approach_step":  c.ApproachStep,
		"settle_delay":   c.SettleDelay,
		"nudge_duration": c.NudgeDuration,
		"poll_interval":  c.PollInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	return nil
}

func float64Or(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func (c *MissionConfig) GetFocalLengthMM() float64  { return float64Or(c.FocalLengthMM, 3.6) }
func (c *MissionConfig) GetSensorWidthMM() float64  { return float64Or(c.SensorWidthMM, 4.8) }
func (c *MissionConfig) GetSensorHeightMM() float64 { return float64Or(c.SensorHeightMM, 3.6) }
func (c *MissionConfig) GetImageWidthPX() int       { return intOr(c.ImageWidthPX, 640) }
func (c *MissionConfig) GetImageHeightPX() int      { return intOr(c.ImageHeightPX, 480) }
func (c *MissionConfig) GetTargetWidthCM() float64  { return float64Or(c.TargetWidthCM, 19.81) }
func (c *MissionConfig) GetTargetHeightCM() float64 { return float64Or(c.TargetHeightCM, 25.14) }

// GetCruiseAltitudeM returns cruise_altitude_m, falling back to the legacy
// "altitude" key and then to 10m.
func (c *MissionConfig) GetCruiseAltitudeM() float64 {
	if c.CruiseAltitudeM != nil {
		return *c.CruiseAltitudeM
	}
	return float64Or(c.LegacyAltitudeM, 10)
}

func (c *MissionConfig) GetProximityCM() float64        { return float64Or(c.ProximityCM, 100) }
func (c *MissionConfig) GetAlignThresholdPX() float64   { return float64Or(c.AlignThresholdPX, 20) }
func (c *MissionConfig) GetForwardSpeedMPS() float64    { return float64Or(c.ForwardSpeedMPS, 0.25) }
func (c *MissionConfig) GetApproachStep() time.Duration { return durationOr(c.ApproachStep, time.Second) }
func (c *MissionConfig) GetSettleDelay() time.Duration  { return durationOr(c.SettleDelay, 3*time.Second) }
func (c *MissionConfig) GetNudgeSpeedMPS() float64      { return float64Or(c.NudgeSpeedMPS, 0.2) }
func (c *MissionConfig) GetNudgeDuration() time.Duration {
	return durationOr(c.NudgeDuration, 3*time.Second)
}
func (c *MissionConfig) GetAltitudeToleranceM() float64 { return float64Or(c.AltitudeToleranceM, 0.3) }
func (c *MissionConfig) GetPollInterval() time.Duration { return durationOr(c.PollInterval, 3*time.Second) }
func (c *MissionConfig) GetMaxAltitudePolls() int       { return intOr(c.MaxAltitudePolls, 20) }
func (c *MissionConfig) GetTakeoffFraction() float64    { return float64Or(c.TakeoffFraction, 0.95) }
func (c *MissionConfig) GetMaxAlignAttempts() int       { return intOr(c.MaxAlignAttempts, 3) }

// GetLandOnTarget reports whether to land after the target is reached.
func (c *MissionConfig) GetLandOnTarget() bool {
	if c.LandOnTarget == nil {
		return true
	}
	return *c.LandOnTarget
}

func (c *MissionConfig) GetMinConfidence() float64 { return float64Or(c.MinConfidence, 0.6) }

// GetTargetLabels returns the allowed class labels. Empty means any label.
func (c *MissionConfig) GetTargetLabels() []string { return c.TargetLabels }

func (c *MissionConfig) GetModelPath() string   { return stringOr(c.ModelPath, "best.onnx") }
func (c *MissionConfig) GetLabelsPath() string  { return stringOr(c.LabelsPath, "labels.txt") }
func (c *MissionConfig) GetCamera() string      { return stringOr(c.Camera, "0") }
func (c *MissionConfig) GetSnapshotDir() string { return stringOr(c.SnapshotDir, "") }
func (c *MissionConfig) GetConnect() string     { return stringOr(c.Connect, "tcp:10.147.84.40:5762") }
// GetFallbackConnect returns fallback_connect. An explicit empty string
// disables the fallback; only an absent value picks the default.
func (c *MissionConfig) GetFallbackConnect() string {
	if c.FallbackConnect != nil {
		return *c.FallbackConnect
	}
	return "tcp:127.0.0.1:5762"
}
func (c *MissionConfig) GetBaudRate() int        { return intOr(c.BaudRate, 57600) }
func (c *MissionConfig) GetStatusAddr() string   { return stringOr(c.StatusAddr, "") }
func (c *MissionConfig) GetTelemetryUDP() string { return stringOr(c.TelemetryUDP, "") }
func (c *MissionConfig) GetDBPath() string       { return stringOr(c.DBPath, "flight.db") }

// CameraGeometry returns the lens and sensor constants.
func (c *MissionConfig) CameraGeometry() geometry.Camera {
	return geometry.Camera{
		FocalMM:        c.GetFocalLengthMM(),
		SensorWidthMM:  c.GetSensorWidthMM(),
		SensorHeightMM: c.GetSensorHeightMM(),
		ImageWidthPX:   c.GetImageWidthPX(),
		ImageHeightPX:  c.GetImageHeightPX(),
	}
}

// Target returns the physical size of the tracked object.
func (c *MissionConfig) Target() geometry.Target {
	return geometry.Target{
		WidthCM:  c.GetTargetWidthCM(),
		HeightCM: c.GetTargetHeightCM(),
	}
}
