package flightlog

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats describes one numeric series.
type Stats struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
}

func describe(xs []float64) Stats {
	if len(xs) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	return Stats{
		N:      len(sorted),
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(sorted),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Max:    floats.Max(sorted),
	}
}

// Summary condenses a session for reports and the CLI.
type Summary struct {
	Session        SessionInfo      `json:"session"`
	Duration       time.Duration    `json:"duration"`
	Transitions    int              `json:"transitions"`
	TimeInState    map[string]int64 `json:"time_in_state_ms"`
	Commands       map[string]int   `json:"commands"`
	FailedCommands int              `json:"failed_commands"`
	Frames         int              `json:"frames_with_detections"`
	Detections     int              `json:"detections"`
	Confidence     Stats            `json:"confidence"`
	DistanceCM     Stats            `json:"distance_cm"`
	AltitudeM      Stats            `json:"altitude_m"`
	BatteryUsedPct int              `json:"battery_used_pct"`
}

// Summarize reads every record of session id.
func (db *DB) Summarize(id string) (Summary, error) {
	info, err := db.GetSession(id)
	if err != nil {
		return Summary{}, err
	}
	transitions, err := db.Transitions(id)
	if err != nil {
		return Summary{}, err
	}
	commands, err := db.Commands(id)
	if err != nil {
		return Summary{}, err
	}
	detections, err := db.Detections(id)
	if err != nil {
		return Summary{}, err
	}
	telemetry, err := db.Telemetry(id)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Session:     info,
		Duration:    info.Duration(),
		Transitions: len(transitions),
		TimeInState: timeInState(transitions, info.EndedAt),
		Commands:    make(map[string]int),
		Detections:  len(detections),
	}

	for _, c := range commands {
		s.Commands[c.Kind]++
		if c.Error != "" {
			s.FailedCommands++
		}
	}

	frames := make(map[int]bool)
	conf := make([]float64, 0, len(detections))
	var dist []float64
	for _, d := range detections {
		frames[d.FrameSeq] = true
		conf = append(conf, d.Confidence)
		if d.DistanceCM != nil && !math.IsInf(*d.DistanceCM, 0) {
			dist = append(dist, *d.DistanceCM)
		}
	}
	s.Frames = len(frames)
	s.Confidence = describe(conf)
	s.DistanceCM = describe(dist)

	alt := make([]float64, 0, len(telemetry))
	for _, t := range telemetry {
		alt = append(alt, t.AltitudeM)
	}
	s.AltitudeM = describe(alt)
	if len(telemetry) > 1 {
		s.BatteryUsedPct = telemetry[0].BatteryPct - telemetry[len(telemetry)-1].BatteryPct
	}
	return s, nil
}

// timeInState attributes the time between consecutive transitions to the
// state entered first. The last state runs until end, if known.
func timeInState(ts []TransitionRow, end *time.Time) map[string]int64 {
	out := make(map[string]int64)
	for i, t := range ts {
		var until time.Time
		switch {
		case i+1 < len(ts):
			until = ts[i+1].At
		case end != nil:
			until = *end
		default:
			continue
		}
		if d := until.Sub(t.At); d > 0 {
			out[t.To] += d.Milliseconds()
		}
	}
	return out
}
