package testutil

import (
	"net/http"
	"testing"
)

func TestServeDebug(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/ping", func(w http.ResponseWriter, r *http.Request) {
		if r.RemoteAddr != LoopbackAddr {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusTeapot)
	})

	rec := ServeDebug(t, mux, "/debug/ping")
	AssertStatusCode(t, rec, http.StatusTeapot)
}
