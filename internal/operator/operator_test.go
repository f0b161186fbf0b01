package operator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fruitpilot/internal/nav"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		kind    nav.RequestKind
		alt     float64
		enable  bool
		wantErr bool
	}{
		{line: "connect", kind: nav.RequestConnect},
		{line: "d", kind: nav.RequestConnect},
		{line: "takeoff", kind: nav.RequestTakeoff},
		{line: "  TakeOff 12.5 ", kind: nav.RequestTakeoff, alt: 12.5},
		{line: "t 4", kind: nav.RequestTakeoff, alt: 4},
		{line: "land", kind: nav.RequestLand},
		{line: "RTL", kind: nav.RequestRTL},
		{line: "q", kind: nav.RequestExit},
		{line: "search", kind: nav.RequestSearch, enable: true},
		{line: "search on", kind: nav.RequestSearch, enable: true},
		{line: "search OFF", kind: nav.RequestSearch},
		{line: "status", kind: nav.RequestStatus},
		{line: "takeoff -3", wantErr: true},
		{line: "takeoff 500", wantErr: true},
		{line: "takeoff high", wantErr: true},
		{line: "takeoff 3 4", wantErr: true},
		{line: "search maybe", wantErr: true},
		{line: "land now", wantErr: true},
		{line: "hover", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			t.Parallel()

			req, err := Parse(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, req.Kind)
			assert.Equal(t, tt.alt, req.AltitudeM)
			assert.Equal(t, tt.enable, req.Enable)
		})
	}
}

func TestParse_EmptyAndUnknown(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"", "   ", "# comment"} {
		_, err := Parse(line)
		assert.ErrorIs(t, err, ErrEmpty, "%q", line)
	}
	_, err := Parse("hover")
	assert.ErrorIs(t, err, ErrUnknown)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_SubmitsParsedLines(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("status\n\nhover\ntakeoff 6\nland\n")
	var out syncBuffer
	var got []nav.Request
	submit := func(r nav.Request) error {
		got = append(got, r)
		if r.Kind == nav.RequestStatus {
			r.Reply("state=SEARCHING")
		}
		if r.Kind == nav.RequestLand {
			return errors.New("session already finished")
		}
		return nil
	}

	require.NoError(t, Run(context.Background(), in, &out, submit, "stdin"))
	require.Len(t, got, 3)
	assert.Equal(t, nav.RequestStatus, got[0].Kind)
	assert.Equal(t, 6.0, got[1].AltitudeM)
	assert.Equal(t, "stdin", got[2].Source)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "state=SEARCHING", lines[0])
	assert.Contains(t, lines[1], `unknown command "hover"`)
	assert.Contains(t, lines[1], Help)
	assert.Equal(t, "land rejected: session already finished", lines[2])
}

func TestRunLines_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string)
	done := make(chan error, 1)
	go func() {
		done <- RunLines(ctx, lines, func(nav.Request) error { return nil }, nil, "radio")
	}()
	lines <- "status"
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
