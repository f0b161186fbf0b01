// Package report renders recorded flight sessions as charts: a PNG
// altitude plot and an HTML state timeline.
package report

import (
	"fmt"
	"time"

	"github.com/banshee-data/fruitpilot/internal/flightlog"
	"github.com/banshee-data/fruitpilot/internal/nav"
)

// Store is the slice of the flight log a report reads.
type Store interface {
	Summarize(id string) (flightlog.Summary, error)
	Transitions(id string) ([]flightlog.TransitionRow, error)
	Telemetry(id string) ([]flightlog.TelemetryRow, error)
	Detections(id string) ([]flightlog.DetectionRow, error)
}

var _ Store = (*flightlog.DB)(nil)

// Session is everything recorded for one run.
type Session struct {
	Summary     flightlog.Summary
	Transitions []flightlog.TransitionRow
	Telemetry   []flightlog.TelemetryRow
	Detections  []flightlog.DetectionRow
}

func Load(st Store, id string) (Session, error) {
	var s Session
	var err error
	if s.Summary, err = st.Summarize(id); err != nil {
		return Session{}, err
	}
	if s.Transitions, err = st.Transitions(id); err != nil {
		return Session{}, fmt.Errorf("load report %s: %w", id, err)
	}
	if s.Telemetry, err = st.Telemetry(id); err != nil {
		return Session{}, fmt.Errorf("load report %s: %w", id, err)
	}
	if s.Detections, err = st.Detections(id); err != nil {
		return Session{}, fmt.Errorf("load report %s: %w", id, err)
	}
	return s, nil
}

// Elapsed is seconds since the session started.
func (s Session) Elapsed(t time.Time) float64 {
	return t.Sub(s.Summary.Session.StartedAt).Seconds()
}

// stateLevel places a state name on the timeline's y axis. Unknown names
// sit at -1.
func stateLevel(name string) int {
	st, err := nav.ParseState(name)
	if err != nil {
		return -1
	}
	return int(st)
}
