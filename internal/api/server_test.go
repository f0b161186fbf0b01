package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fruitpilot/internal/flightlog"
	"github.com/banshee-data/fruitpilot/internal/geometry"
	"github.com/banshee-data/fruitpilot/internal/httputil"
	"github.com/banshee-data/fruitpilot/internal/monitoring"
	"github.com/banshee-data/fruitpilot/internal/nav"
	"github.com/banshee-data/fruitpilot/internal/operator"
	"github.com/banshee-data/fruitpilot/internal/testutil"
	"github.com/banshee-data/fruitpilot/internal/vehicle"
	"github.com/banshee-data/fruitpilot/internal/version"
	"github.com/banshee-data/fruitpilot/internal/vision"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeController struct {
	mu       sync.Mutex
	requests []nav.Request
	err      error
	silent   bool
	status   nav.Status
}

func (f *fakeController) Submit(req nav.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	if !f.silent && req.Reply != nil {
		req.Reply("ack " + req.String())
	}
	return nil
}

func (f *fakeController) Status() nav.Status { return f.status }

func (f *fakeController) submitted() []nav.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nav.Request(nil), f.requests...)
}

func newFlightLog(t *testing.T) (*flightlog.DB, string) {
	t.Helper()
	db, err := flightlog.NewDB(filepath.Join(t.TempDir(), "flight.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g := geometry.NewFrameGeometry(geometry.Camera{FocalMM: 3.6, SensorWidthMM: 4.8, SensorHeightMM: 3.6, ImageWidthPX: 640, ImageHeightPX: 480})
	target := geometry.Target{WidthCM: 15.625, HeightCM: 20}
	s, err := db.StartSession(flightlog.SessionOptions{
		Estimate: func(b geometry.Box) geometry.TargetEstimate { return g.Estimate(b, target) },
		Now:      func() time.Time { return epoch },
	})
	require.NoError(t, err)
	s.RecordTransition(nav.StateSearching, nav.StateAligning, epoch.Add(2*time.Second))
	s.RecordDetections(1, []vision.Detection{{Box: geometry.Box{X1: 295, Y1: 215, X2: 345, Y2: 265}, Confidence: 0.9, Label: "mango"}}, epoch.Add(2*time.Second))
	s.RecordTelemetry(vehicle.Telemetry{Time: epoch.Add(time.Second), AltitudeM: 10, Mode: vehicle.ModeGuided})
	s.EndSession(nav.OutcomeLanded, "operator land", epoch.Add(5*time.Second))
	return db, s.ID()
}

func TestShowStatus(t *testing.T) {
	t.Parallel()

	est := geometry.TargetEstimate{DistanceCM: 150}
	ctrl := &fakeController{status: nav.Status{
		SessionID:    "s1",
		State:        nav.StateReturning,
		Frames:       12,
		Flags:        nav.FlagSnapshot{Armed: true, Guided: true, SearchEnabled: true},
		Telemetry:    &vehicle.Telemetry{AltitudeM: 9.5, Mode: vehicle.ModeGuided, BatteryPct: 80},
		LastTarget:   &vision.Detection{Confidence: 0.8},
		LastEstimate: &est,
	}}
	mux := NewServer(ctrl, nil).ServeMux()

	rec := testutil.Serve(mux, http.MethodGet, "/api/status", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	var st StatusResponse
	testutil.DecodeJSON(t, rec, &st)
	assert.Equal(t, "RETURNING", st.State)
	assert.Equal(t, nav.TokenApproaching, st.Token)
	assert.Equal(t, "NONE", st.Outcome)
	assert.Equal(t, 12, st.Frames)
	assert.True(t, st.Flags.Armed)
	require.NotNil(t, st.Telemetry)
	assert.Equal(t, "GUIDED", st.Telemetry.Mode)
	require.NotNil(t, st.DistanceCM)
	assert.Equal(t, 150.0, *st.DistanceCM)
	assert.Equal(t, version.Version, st.Version.Version)

	rec = testutil.Serve(mux, http.MethodPost, "/api/status", "")
	testutil.AssertStatusCode(t, rec, http.StatusMethodNotAllowed)
}

func TestShowStatus_NoController(t *testing.T) {
	t.Parallel()

	rec := testutil.Serve(NewServer(nil, nil).ServeMux(), http.MethodGet, "/api/status", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	var st StatusResponse
	testutil.DecodeJSON(t, rec, &st)
	assert.Equal(t, "IDLE", st.State)
	assert.Nil(t, st.Telemetry)
}

func TestSendCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		method    string
		form      string
		ctrl      *fakeController
		wantCode  int
		wantReply string
		wantError string
	}{
		{name: "takeoff", method: http.MethodPost, form: "command=takeoff+5", ctrl: &fakeController{}, wantCode: http.StatusAccepted, wantReply: "ack takeoff 5"},
		{name: "alias", method: http.MethodPost, form: "command=l", ctrl: &fakeController{}, wantCode: http.StatusAccepted, wantReply: "ack land"},
		{name: "no reply in time", method: http.MethodPost, form: "command=rtl", ctrl: &fakeController{silent: true}, wantCode: http.StatusAccepted},
		{name: "unknown", method: http.MethodPost, form: "command=flip", ctrl: &fakeController{}, wantCode: http.StatusBadRequest, wantError: "commands:"},
		{name: "empty", method: http.MethodPost, form: "command=", ctrl: &fakeController{}, wantCode: http.StatusBadRequest, wantError: "empty command"},
		{name: "busy", method: http.MethodPost, form: "command=status", ctrl: &fakeController{err: nav.ErrBusy}, wantCode: http.StatusServiceUnavailable, wantError: "queue full"},
		{name: "finished", method: http.MethodPost, form: "command=status", ctrl: &fakeController{err: nav.ErrFinished}, wantCode: http.StatusConflict, wantError: "finished"},
		{name: "other error", method: http.MethodPost, form: "command=status", ctrl: &fakeController{err: errors.New("wedged")}, wantCode: http.StatusInternalServerError, wantError: "wedged"},
		{name: "get", method: http.MethodGet, ctrl: &fakeController{}, wantCode: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := NewServer(tt.ctrl, nil)
			srv.SetReplyTimeout(10 * time.Millisecond)
			rec := testutil.Serve(srv.ServeMux(), tt.method, "/api/command", tt.form)
			testutil.AssertStatusCode(t, rec, tt.wantCode)
			if tt.wantCode == http.StatusAccepted {
				var resp CommandResponse
				testutil.DecodeJSON(t, rec, &resp)
				assert.Equal(t, tt.wantReply, resp.Reply)
				reqs := tt.ctrl.submitted()
				require.Len(t, reqs, 1)
				assert.Equal(t, "http "+testutil.LoopbackAddr, reqs[0].Source)
				return
			}
			if tt.wantError != "" {
				assert.Contains(t, httputil.DecodeError(rec.Body.Bytes()), tt.wantError)
			}
		})
	}
}

func TestSendCommand_NoController(t *testing.T) {
	t.Parallel()

	rec := testutil.Serve(NewServer(nil, nil).ServeMux(), http.MethodPost, "/api/command", "command=land")
	testutil.AssertStatusCode(t, rec, http.StatusServiceUnavailable)
}

func TestSessions(t *testing.T) {
	t.Parallel()

	db, id := newFlightLog(t)
	mux := NewServer(nil, db).ServeMux()

	rec := testutil.Serve(mux, http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	var list []flightlog.SessionInfo
	testutil.DecodeJSON(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "LANDED", list[0].Outcome)

	rec = testutil.Serve(mux, http.MethodGet, "/api/sessions?limit=x", "")
	testutil.AssertStatusCode(t, rec, http.StatusBadRequest)

	rec = testutil.Serve(mux, http.MethodGet, "/api/sessions/"+id, "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	var sum flightlog.Summary
	testutil.DecodeJSON(t, rec, &sum)
	assert.Equal(t, 1, sum.Detections)
	assert.Equal(t, "operator land", sum.Session.Reason)

	rec = testutil.Serve(mux, http.MethodGet, "/api/sessions/"+id+"/timeline", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Navigation state")

	rec = testutil.Serve(mux, http.MethodGet, "/api/sessions/"+id+"/altitude.png", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = testutil.Serve(mux, http.MethodGet, "/api/sessions/nope/timeline", "")
	testutil.AssertStatusCode(t, rec, http.StatusNotFound)

	rec = testutil.Serve(mux, http.MethodDelete, "/api/sessions/"+id, "")
	testutil.AssertStatusCode(t, rec, http.StatusMethodNotAllowed)
}

func TestSessions_EmptyAndDisabled(t *testing.T) {
	t.Parallel()

	db, err := flightlog.NewDB(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer db.Close()

	rec := testutil.Serve(NewServer(nil, db).ServeMux(), http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, path := range []string{"/api/sessions", "/api/sessions/abc", "/api/sessions/abc/timeline"} {
		rec := testutil.Serve(NewServer(nil, nil).ServeMux(), http.MethodGet, path, "")
		testutil.AssertStatusCode(t, rec, http.StatusServiceUnavailable)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	orig := monitoring.Logf
	defer func() { monitoring.Logf = orig }()
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, format)
	})

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := testutil.Serve(h, http.MethodGet, "/api/status", "")
	testutil.AssertStatusCode(t, rec, http.StatusTeapot)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "[api] "))
	assert.Contains(t, statusCodeColor(http.StatusTeapot), colorBoldRed)
	assert.Contains(t, statusCodeColor(http.StatusOK), colorBoldGreen)
	assert.Contains(t, statusCodeColor(http.StatusFound), colorYellow)
	assert.Equal(t, "101", statusCodeColor(http.StatusSwitchingProtocols))
}

func TestClient(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{status: nav.Status{State: nav.StateSearching}}
	srv := httptest.NewServer(NewServer(ctrl, nil).ServeMux())
	defer srv.Close()
	c := NewClient(srv.URL+"/", httputil.NewStandardClient(srv.Client()))
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SEARCHING", st.State)

	resp, err := c.Command(ctx, "search off")
	require.NoError(t, err)
	assert.Equal(t, "ack search off", resp.Reply)

	_, err = c.Command(ctx, "flip")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "unknown")
}

func TestClient_RemoteConsole(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusAccepted, `{"command":"takeoff 5","reply":"airborne at 5.0m, search on"}`).
		AddResponse(http.StatusAccepted, `{"command":"land"}`).
		AddResponse(http.StatusConflict, `{"error":"session already finished"}`)
	c := NewClient("http://drone:8080", mock)

	lines := make(chan string, 3)
	lines <- "takeoff 5"
	lines <- "l"
	lines <- "rtl"
	close(lines)
	var replies []string
	require.NoError(t, operator.RunLines(context.Background(), lines, c.Submit(context.Background()), func(s string) {
		replies = append(replies, s)
	}, "remote"))

	assert.Equal(t, []string{
		"airborne at 5.0m, search on",
		"land accepted",
		"rtl rejected: 409 Conflict: session already finished",
	}, replies)

	req, body := mock.Request(1)
	require.NotNil(t, req)
	assert.Equal(t, "http://drone:8080/api/command", req.URL.String())
	assert.Equal(t, "command=land", body)
}

func TestClient_TransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("no route to host")
	c := NewClient("http://drone:8080", httputil.NewMockHTTPClient().AddErrorResponse(boom))
	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, boom)

	c = NewClient("http://drone:8080", httputil.NewMockHTTPClient().AddResponse(http.StatusOK, "not json"))
	_, err = c.Status(context.Background())
	assert.ErrorContains(t, err, "decode /api/status")
}
