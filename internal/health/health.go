// Package health serves liveness and readiness probes.
package health

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Healthz returns 200 "ok\n" unconditionally.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Readiness flips to ready once the first poll cycle has completed.
type Readiness struct {
	lastCycle atomic.Int64
}

// MarkCycle records a completed cycle at t.
func (r *Readiness) MarkCycle(t time.Time) {
	r.lastCycle.Store(t.UnixNano())
}

// Ready reports whether a cycle has completed.
func (r *Readiness) Ready() bool {
	return r.lastCycle.Load() != 0
}

// LastCycle returns the time of the last completed cycle, zero if none.
func (r *Readiness) LastCycle() time.Time {
	n := r.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Readyz returns 200 "ready\n" after the first cycle and 503 before.
func (r *Readiness) Readyz(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !r.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}
