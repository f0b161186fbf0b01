// Package api serves the controller and the flight log over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fruitpilot/internal/flightlog"
	"github.com/banshee-data/fruitpilot/internal/httputil"
	"github.com/banshee-data/fruitpilot/internal/monitoring"
	"github.com/banshee-data/fruitpilot/internal/nav"
	"github.com/banshee-data/fruitpilot/internal/operator"
	"github.com/banshee-data/fruitpilot/internal/report"
	"github.com/banshee-data/fruitpilot/internal/version"
)

var logf = monitoring.Component("api")

// ANSI escape codes for the request log
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// DefaultReplyTimeout bounds how long POST /api/command waits for the
// controller's answer before responding without one.
const DefaultReplyTimeout = 2 * time.Second

// Controller is the running navigation session.
type Controller interface {
	Submit(req nav.Request) error
	Status() nav.Status
}

// Sessions is the flight log as the API reads it.
type Sessions interface {
	report.Store
	ListSessions(limit int) ([]flightlog.SessionInfo, error)
}

type Server struct {
	ctrl         Controller
	sessions     Sessions
	replyTimeout time.Duration
	assetsHost   string
}

// NewServer serves ctrl and sessions. Either may be nil; their routes then
// answer 503.
func NewServer(ctrl Controller, sessions Sessions) *Server {
	return &Server{ctrl: ctrl, sessions: sessions, replyTimeout: DefaultReplyTimeout}
}

// SetReplyTimeout changes how long command requests wait for a reply.
func (s *Server) SetReplyTimeout(d time.Duration) { s.replyTimeout = d }

// SetAssetsHost makes timeline pages load echarts from host.
func (s *Server) SetAssetsHost(host string) { s.assetsHost = host }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf("[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/command", s.sendCommand)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/{id}", s.showSession)
	mux.HandleFunc("/api/sessions/{id}/timeline", s.showTimeline)
	mux.HandleFunc("/api/sessions/{id}/altitude.png", s.showAltitudePlot)
	return mux
}

// TelemetryView is vehicle telemetry with the mode by name.
type TelemetryView struct {
	Time       time.Time `json:"time"`
	AltitudeM  float64   `json:"altitude_m"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	HeadingDeg float64   `json:"heading_deg"`
	Armed      bool      `json:"armed"`
	Mode       string    `json:"mode"`
	BatteryPct int       `json:"battery_pct"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	SessionID  string           `json:"session_id,omitempty"`
	State      string           `json:"state"`
	Token      string           `json:"token"`
	Outcome    string           `json:"outcome"`
	Flags      nav.FlagSnapshot `json:"flags"`
	ScanYawDeg float64          `json:"scan_yaw_deg"`
	Frames     int              `json:"frames"`
	Telemetry  *TelemetryView   `json:"telemetry,omitempty"`
	DistanceCM *float64         `json:"distance_cm,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
	Error      string           `json:"error,omitempty"`
	Version    version.Info     `json:"version"`
}

func statusResponse(st nav.Status) StatusResponse {
	resp := StatusResponse{
		SessionID:  st.SessionID,
		State:      st.State.String(),
		Token:      st.State.Token(),
		Outcome:    st.Outcome.String(),
		Flags:      st.Flags,
		ScanYawDeg: st.Cursor.YawDeg,
		Frames:     st.Frames,
		Error:      st.Error,
		Version:    version.Get(),
	}
	if t := st.Telemetry; t != nil {
		resp.Telemetry = &TelemetryView{
			Time:       t.Time,
			AltitudeM:  t.AltitudeM,
			Lat:        t.Lat,
			Lon:        t.Lon,
			HeadingDeg: t.HeadingDeg,
			Armed:      t.Armed,
			Mode:       t.Mode.String(),
			BatteryPct: t.BatteryPct,
		}
	}
	if st.LastEstimate != nil {
		d := st.LastEstimate.DistanceCM
		resp.DistanceCM = &d
	}
	if st.LastTarget != nil {
		c := st.LastTarget.Confidence
		resp.Confidence = &c
	}
	return resp
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.ctrl == nil {
		httputil.WriteJSONOK(w, StatusResponse{State: nav.StateIdle.String(), Outcome: nav.OutcomeNone.String(), Version: version.Get()})
		return
	}
	httputil.WriteJSONOK(w, statusResponse(s.ctrl.Status()))
}

// CommandResponse is the body of a successful POST /api/command.
type CommandResponse struct {
	Command string `json:"command"`
	// Reply is empty when the controller did not answer in time.
	Reply string `json:"reply,omitempty"`
}

// sendCommand accepts the same lines as the console, in the "command"
// form field.
func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.ctrl == nil {
		httputil.ServiceUnavailable(w, "no navigation session is running")
		return
	}

	req, err := operator.Parse(r.FormValue("command"))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("%v; %s", err, operator.Help))
		return
	}
	replies := make(chan string, 1)
	req.Source = "http " + r.RemoteAddr
	req.Reply = func(line string) {
		select {
		case replies <- line:
		default:
		}
	}

	switch err := s.ctrl.Submit(req); {
	case errors.Is(err, nav.ErrBusy):
		httputil.ServiceUnavailable(w, err.Error())
		return
	case errors.Is(err, nav.ErrFinished):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return
	}

	resp := CommandResponse{Command: req.String()}
	ctx, cancel := context.WithTimeout(r.Context(), s.replyTimeout)
	defer cancel()
	select {
	case resp.Reply = <-replies:
	case <-ctx.Done():
	}
	httputil.WriteJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.sessions == nil {
		httputil.ServiceUnavailable(w, "flight log disabled")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}

	list, err := s.sessions.ListSessions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if list == nil {
		list = []flightlog.SessionInfo{}
	}
	httputil.WriteJSONOK(w, list)
}

// loadSession answers the error itself and reports whether to continue.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (report.Session, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return report.Session{}, false
	}
	if s.sessions == nil {
		httputil.ServiceUnavailable(w, "flight log disabled")
		return report.Session{}, false
	}
	sess, err := report.Load(s.sessions, r.PathValue("id"))
	switch {
	case errors.Is(err, flightlog.ErrSessionNotFound):
		httputil.NotFound(w, err.Error())
		return report.Session{}, false
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return report.Session{}, false
	}
	return sess, true
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, sess.Summary)
}

func (s *Server) showTimeline(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.Timeline(&buf, sess, report.TimelineOptions{AssetsHost: s.assetsHost}); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) showAltitudePlot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.AltitudePlot(&buf, sess); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
