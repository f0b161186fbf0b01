package flightlog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

type SessionInfo struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Vehicle   string     `json:"vehicle"`
	Dev       bool       `json:"dev"`
	Outcome   string     `json:"outcome"`
	Reason    string     `json:"reason,omitempty"`
	Config    string     `json:"config,omitempty"`
}

// Duration is zero for sessions that have not ended.
func (s SessionInfo) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

type TransitionRow struct {
	At   time.Time `json:"at"`
	From string    `json:"from"`
	To   string    `json:"to"`
}

type CommandRow struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	Error  string    `json:"error,omitempty"`
}

type DetectionRow struct {
	At         time.Time `json:"at"`
	FrameSeq   int       `json:"frame_seq"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	X1         float64   `json:"x1"`
	Y1         float64   `json:"y1"`
	X2         float64   `json:"x2"`
	Y2         float64   `json:"y2"`
	DistanceCM *float64  `json:"distance_cm,omitempty"`
}

type TelemetryRow struct {
	At         time.Time `json:"at"`
	AltitudeM  float64   `json:"altitude_m"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	HeadingDeg float64   `json:"heading_deg"`
	Armed      bool      `json:"armed"`
	Mode       string    `json:"mode"`
	BatteryPct int       `json:"battery_pct"`
}

const sessionColumns = `session_id, started_at, ended_at, vehicle, dev, outcome, reason, config_json`

func scanSession(row interface{ Scan(...interface{}) error }) (SessionInfo, error) {
	var s SessionInfo
	var ended sql.NullTime
	if err := row.Scan(&s.ID, &s.StartedAt, &ended, &s.Vehicle, &s.Dev, &s.Outcome, &s.Reason, &s.Config); err != nil {
		return SessionInfo{}, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return s, nil
}

// ListSessions returns the newest sessions first. limit <= 0 means all.
func (db *DB) ListSessions(limit int) ([]SessionInfo, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSession looks up one session.
func (db *DB) GetSession(id string) (SessionInfo, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

func (db *DB) Transitions(id string) ([]TransitionRow, error) {
	rows, err := db.Query(`SELECT at, from_state, to_state FROM transitions WHERE session_id = ? ORDER BY at, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		if err := rows.Scan(&r.At, &r.From, &r.To); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) Commands(id string) ([]CommandRow, error) {
	rows, err := db.Query(`SELECT at, kind, detail, error FROM commands WHERE session_id = ? ORDER BY at, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRow
	for rows.Next() {
		var r CommandRow
		if err := rows.Scan(&r.At, &r.Kind, &r.Detail, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) Detections(id string) ([]DetectionRow, error) {
	rows, err := db.Query(`SELECT at, frame_seq, label, confidence, x1, y1, x2, y2, distance_cm
		FROM detections WHERE session_id = ? ORDER BY frame_seq, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionRow
	for rows.Next() {
		var r DetectionRow
		var dist sql.NullFloat64
		if err := rows.Scan(&r.At, &r.FrameSeq, &r.Label, &r.Confidence, &r.X1, &r.Y1, &r.X2, &r.Y2, &dist); err != nil {
			return nil, err
		}
		if dist.Valid {
			d := dist.Float64
			r.DistanceCM = &d
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) Telemetry(id string) ([]TelemetryRow, error) {
	rows, err := db.Query(`SELECT at, altitude_m, lat, lon, heading_deg, armed, mode, battery_pct
		FROM telemetry WHERE session_id = ? ORDER BY at, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	defer rows.Close()

	var out []TelemetryRow
	for rows.Next() {
		var r TelemetryRow
		if err := rows.Scan(&r.At, &r.AltitudeM, &r.Lat, &r.Lon, &r.HeadingDeg, &r.Armed, &r.Mode, &r.BatteryPct); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, through foreign keys, its records.
func (db *DB) DeleteSession(id string) error {
	res, err := db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
