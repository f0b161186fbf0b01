// Package testutil holds HTTP helpers shared by handler tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// LoopbackAddr is the RemoteAddr given to test requests, so tsweb debug
// routes treat them as local.
const LoopbackAddr = "127.0.0.1:34567"

// AssertStatusCode fails t when got differs from want, showing body.
func AssertStatusCode(t testing.TB, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Errorf("status code = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

// NewRequest builds a loopback request. A non-empty form body is sent as
// application/x-www-form-urlencoded.
func NewRequest(method, path, form string) *http.Request {
	var body io.Reader
	if form != "" {
		body = strings.NewReader(form)
	}
	req := httptest.NewRequest(method, path, body)
	if form != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.RemoteAddr = LoopbackAddr
	return req
}

// Serve runs one request through h.
func Serve(h http.Handler, method, path, form string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, NewRequest(method, path, form))
	return rec
}

// DecodeJSON decodes the recorded body into v or stops the test.
func DecodeJSON(t testing.TB, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}
