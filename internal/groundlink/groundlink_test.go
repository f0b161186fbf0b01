package groundlink

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/fruitpilot/internal/timeutil"
	"github.com/banshee-data/fruitpilot/internal/vehicle"
)

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestMux_MonitorFansOutLines(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	m := NewMux(port)
	idA, a := m.Subscribe()
	_, b := m.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()

	port.AddReadData([]byte("status\r\ntakeoff 5\n"))
	assert.Equal(t, "status", receive(t, a))
	assert.Equal(t, "takeoff 5", receive(t, a))
	assert.Equal(t, "status", receive(t, b))

	m.Unsubscribe(idA)
	_, ok := <-a
	assert.False(t, ok)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, m.Close())
	assert.True(t, port.Closed())
	var rest []string
	for line := range b {
		rest = append(rest, line)
	}
	assert.Equal(t, []string{"takeoff 5"}, rest, "Close closes remaining subscribers")
}

func TestMux_MonitorReturnsPortError(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	m := NewMux(port)
	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()
	port.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errPortClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
}

func TestMux_SendLine(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	m := NewMux(port)

	require.NoError(t, m.SendLine("hello"))
	require.NoError(t, m.SendLine("already\n"))
	require.NoError(t, m.SendStatus(context.Background(), "ALIGNING"))
	assert.Equal(t, "hello\nalready\nSTATUS ALIGNING\n", port.Written())

	boom := errors.New("radio unplugged")
	port.SetWriteError(boom)
	assert.ErrorIs(t, m.SendLine("lost"), boom)
	assert.Equal(t, 4, port.WriteCalls())
}

type shortWriter struct{ *TestablePort }

func (s shortWriter) Write(b []byte) (int, error) { return len(b) - 1, nil }

func TestMux_ShortWrite(t *testing.T) {
	t.Parallel()

	m := NewMux(shortWriter{NewTestablePort()})
	assert.ErrorIs(t, m.SendLine("land"), ErrWriteFailed)
}

func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestMux_AdminRoutes(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	m := NewMux(port)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		want   int
	}{
		{"send", http.MethodPost, url.Values{"line": {"status"}}, http.StatusOK},
		{"empty", http.MethodPost, url.Values{"line": {"  "}}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/send-line-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, "status\n", port.Written())

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/send-line", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "send-line-api")
}

func TestDisabledMux(t *testing.T) {
	t.Parallel()

	d := NewDisabledMux()
	id, ch := d.Subscribe()
	assert.NoError(t, d.SendLine("status"))
	assert.NoError(t, d.SendStatus(context.Background(), "IDLE"))
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, ch2 := d.Subscribe()
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, ok = <-ch2
	assert.False(t, ok)

	_, ch3 := d.Subscribe()
	_, ok = <-ch3
	assert.False(t, ok, "subscribing after Close yields a closed channel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/radio-disabled", nil))
	assert.Equal(t, "ground radio disabled", w.Body.String())
}

func TestPortOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: 57600, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"explicit", PortOptions{BaudRate: 115200, DataBits: 7, StopBits: 2, Parity: "even"}, PortOptions{BaudRate: 115200, DataBits: 7, StopBits: 2, Parity: "E"}, false},
		{"odd baud", PortOptions{BaudRate: 12345}, PortOptions{}, true},
		{"data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := tt.in.Normalise()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 57600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.OddParity}, mode)
}

func TestStatusReply(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Searching for target...", StatusReply("SEARCHING"))
	assert.Equal(t, "Searching for target...", StatusReply("red"))
	assert.Equal(t, "Adjusting position...", StatusReply(" ORANGE "))
	assert.Equal(t, "Idle...", StatusReply("NONE"))
	assert.Equal(t, "Unknown command.", StatusReply("PURPLE"))
}

func TestStatusClientServer(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	srv := &StatusServer{OnToken: func(token, reply string) {
		mu.Lock()
		seen = append(seen, token)
		mu.Unlock()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	c := NewStatusClient(ln.Addr().String(), 2*time.Second)
	require.NoError(t, c.SendStatus(context.Background(), "SEARCHING"))
	assert.Equal(t, "Searching for target...", c.LastReply())
	require.NoError(t, c.SendStatus(context.Background(), "ALIGNING"))
	assert.Equal(t, "Adjusting position...", c.LastReply())

	// EXIT ends the connection; the next token redials.
	require.NoError(t, c.SendStatus(context.Background(), "EXIT"))
	assert.Error(t, c.SendStatus(context.Background(), "IDLE"))
	require.NoError(t, c.SendStatus(context.Background(), "IDLE"))
	assert.Equal(t, "Idle...", c.LastReply())
	require.NoError(t, c.Close())

	cancel()
	assert.ErrorIs(t, <-served, context.Canceled)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"SEARCHING", "ALIGNING", "EXIT", "IDLE"}, seen)
}

func TestStatusClient_Unreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewStatusClient(addr, 200*time.Millisecond)
	assert.Error(t, c.SendStatus(context.Background(), "SEARCHING"))
}

func TestStatusClient_BacksOffAfterFailedDial(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	c := NewStatusClient(addr, 200*time.Millisecond)
	c.Clock = clock
	c.Backoff = 2 * time.Second

	err = c.SendStatus(context.Background(), "SEARCHING")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStatusBackoff)

	assert.ErrorIs(t, c.SendStatus(context.Background(), "ALIGNING"), ErrStatusBackoff)
	clock.Advance(time.Second)
	assert.ErrorIs(t, c.SendStatus(context.Background(), "APPROACHING"), ErrStatusBackoff)

	clock.Advance(time.Second)
	err = c.SendStatus(context.Background(), "SEARCHING")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStatusBackoff, "backoff elapsed, so the client dials again")
	assert.ErrorIs(t, c.SendStatus(context.Background(), "IDLE"), ErrStatusBackoff)
}

type recordingSink struct {
	tokens []string
	err    error
}

func (r *recordingSink) SendStatus(_ context.Context, token string) error {
	r.tokens = append(r.tokens, token)
	return r.err
}

func TestMultiStatus(t *testing.T) {
	t.Parallel()

	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("offline")}
	m := MultiStatus{ok, nil, bad}
	err := m.SendStatus(context.Background(), "IDLE")
	assert.ErrorContains(t, err, "offline")
	assert.Equal(t, []string{"IDLE"}, ok.tokens)
	assert.Equal(t, []string{"IDLE"}, bad.tokens)
}

func TestUDPSender(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	s, err := NewUDPSender(pc.LocalAddr().String())
	require.NoError(t, err)
	defer s.Close()

	tel := vehicle.Telemetry{
		Time:       time.UnixMilli(1700000000123),
		AltitudeM:  9.876,
		Lat:        -35.3632621,
		Lon:        149.1652374,
		HeadingDeg: 271.04,
		Armed:      true,
		Mode:       vehicle.ModeGuided,
		BatteryPct: 87,
	}
	require.NoError(t, s.SendTelemetry(tel))

	buf := make([]byte, 512)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "1700000000123,9.88,-35.3632621,149.1652374,271.0,true,GUIDED,87", string(buf[:n]))
	assert.Len(t, strings.Split(TelemetryCSVHeader, ","), 8)
	assert.Zero(t, s.Dropped())
}

func TestUDPSender_Disabled(t *testing.T) {
	t.Parallel()

	s, err := NewUDPSender("")
	require.NoError(t, err)
	assert.NoError(t, s.SendTelemetry(vehicle.Telemetry{}))
	assert.NoError(t, s.Close())

	var nilSender *UDPSender
	assert.NoError(t, nilSender.SendTelemetry(vehicle.Telemetry{}))
}
