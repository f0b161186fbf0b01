package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Write([]byte(r.Method + " " + string(b)))
	}))
	defer srv.Close()

	c := NewStandardClient(nil)
	assert.Same(t, http.DefaultClient, c.Client)

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("land"))
	require.NoError(t, err)
	resp, err := NewStandardClient(srv.Client()).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "POST land", string(body))
}

func TestMockHTTPClient_Replays(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	m := NewMockHTTPClient().
		AddResponse(http.StatusAccepted, "first").
		AddErrorResponse(boom)

	req, _ := http.NewRequest(http.MethodPost, "http://drone/api/command", strings.NewReader("rtl"))
	resp, err := m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "first", string(body))

	_, err = m.Do(req)
	assert.ErrorIs(t, err, boom)

	resp, err = m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 3, m.RequestCount())
	got, sent := m.Request(0)
	require.NotNil(t, got)
	assert.Equal(t, "rtl", sent)
	r, _ := m.Request(7)
	assert.Nil(t, r)
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient()
	m.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	req, _ := http.NewRequest(http.MethodGet, "http://drone/api/status", nil)
	resp, err := m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, 1, m.RequestCount())
}
