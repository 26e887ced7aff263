// Package testutil provides helpers for testing the tsweb admin routes.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// LoopbackAddr is the RemoteAddr given to debug requests. tsweb only serves
// /debug/ to loopback or Tailscale peers.
const LoopbackAddr = "127.0.0.1:12345"

// NewDebugRequest creates a GET request for target from a loopback address.
func NewDebugRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = LoopbackAddr
	return req
}

// ServeDebug sends a loopback GET for target to h and returns the recorder.
func ServeDebug(t testing.TB, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, NewDebugRequest(target))
	return rec
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Errorf("status code = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}
