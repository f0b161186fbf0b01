package flightlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fruitpilot/internal/geometry"
	"github.com/banshee-data/fruitpilot/internal/nav"
	"github.com/banshee-data/fruitpilot/internal/vehicle"
	"github.com/banshee-data/fruitpilot/internal/vision"
)

// SessionOptions describes a new session.
type SessionOptions struct {
	// Vehicle is the link address in use.
	Vehicle string
	Dev     bool
	// Config is stored as JSON alongside the session.
	Config interface{}
	// Estimate, if set, fills the distance column of detections.
	Estimate func(geometry.Box) geometry.TargetEstimate
	// Now stamps the session start; defaults to time.Now.
	Now func() time.Time
}

// Session records one navigation run. It implements nav.Recorder; write
// failures are logged and counted, never returned to the frame loop.
type Session struct {
	db       *DB
	id       string
	estimate func(geometry.Box) geometry.TargetEstimate

	mu     sync.Mutex
	errs   int
	closed bool
}

var _ nav.Recorder = (*Session)(nil)

// StartSession inserts a session row with a fresh UUID.
func (db *DB) StartSession(opts SessionOptions) (*Session, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	cfg := []byte("{}")
	if opts.Config != nil {
		b, err := json.Marshal(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("encode session config: %w", err)
		}
		cfg = b
	}

	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at, vehicle, dev, outcome, config_json) VALUES (?, ?, ?, ?, ?, ?)`,
		id, now().UTC(), opts.Vehicle, opts.Dev, nav.OutcomeNone.String(), string(cfg),
	)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	logf("session %s started", id)
	return &Session{db: db, id: id, estimate: opts.Estimate}, nil
}

// ID is the session UUID.
func (s *Session) ID() string { return s.id }

// Errors counts failed writes.
func (s *Session) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

func (s *Session) exec(what, query string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		s.errs++
		logf("session %s: record %s: %v", s.id, what, err)
	}
}

func (s *Session) RecordTransition(from, to nav.State, at time.Time) {
	s.exec("transition",
		`INSERT INTO transitions (session_id, at, from_state, to_state) VALUES (?, ?, ?, ?)`,
		s.id, at.UTC(), from.String(), to.String())
}

func (s *Session) RecordCommand(c vehicle.Command, err error, at time.Time) {
	var errText string
	if err != nil {
		errText = err.Error()
	}
	s.exec("command",
		`INSERT INTO commands (session_id, at, kind, detail, error) VALUES (?, ?, ?, ?, ?)`,
		s.id, at.UTC(), string(c.Kind), c.String(), errText)
}

func (s *Session) RecordDetections(seq int, dets []vision.Detection, at time.Time) {
	for _, d := range dets {
		var dist sql.NullFloat64
		if s.estimate != nil {
			if est := s.estimate(d.Box); est.DistanceCM > 0 && est.DistanceCM < 1e9 {
				dist = sql.NullFloat64{Float64: est.DistanceCM, Valid: true}
			}
		}
		s.exec("detection",
			`INSERT INTO detections (session_id, at, frame_seq, label, confidence, x1, y1, x2, y2, distance_cm)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.id, at.UTC(), seq, d.Label, d.Confidence, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2, dist)
	}
}

func (s *Session) RecordTelemetry(t vehicle.Telemetry) {
	s.exec("telemetry",
		`INSERT INTO telemetry (session_id, at, altitude_m, lat, lon, heading_deg, armed, mode, battery_pct)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.id, t.Time.UTC(), t.AltitudeM, t.Lat, t.Lon, t.HeadingDeg, t.Armed, t.Mode.String(), t.BatteryPct)
}

// EndSession stamps the outcome. Later records are ignored.
func (s *Session) EndSession(outcome nav.Outcome, reason string, at time.Time) {
	s.exec("end",
		`UPDATE sessions SET ended_at = ?, outcome = ?, reason = ? WHERE session_id = ?`,
		at.UTC(), outcome.String(), reason, s.id)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	logf("session %s ended: %s", s.id, outcome)
}
