package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/api/v1/fields", "/api/v1/fields"},
		{"/api/v1/ingests", "/api/v1/ingests"},

		// Per-list routes collapse to one label.
		{"/api/v1/fields/2024-01-01T00:00:00_Tile_Scan", "/api/v1/fields/{key}"},
		{"/api/v1/fields/x", "/api/v1/fields/{key}"},

		// Unknown/bot paths collapse to "other".
		{"/", "other"},
		{"/api/v1/fields/", "other"},
		{"/wp-admin", "other"},
		{"/.env", "other"},
		{"/api/v2/something", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that 100 distinct field lists produce
// exactly 1 distinct path label, not 100.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[normalizeRoute(fmt.Sprintf("/api/v1/fields/2024-01-01T00:00:%02d_plan", i))] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for per-list paths, got %d: %v", len(seen), seen)
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(outcomesTotal.WithLabelValues("skipped", "known"))
	IncOutcome("skipped", "known")
	IncOutcome("skipped", "known")
	if got := testutil.ToFloat64(outcomesTotal.WithLabelValues("skipped", "known")) - before; got != 2 {
		t.Errorf("outcome counter delta = %v, want 2", got)
	}

	before = testutil.ToFloat64(notificationsTotal.WithLabelValues("email", "error"))
	IncNotification("email", false)
	if got := testutil.ToFloat64(notificationsTotal.WithLabelValues("email", "error")) - before; got != 1 {
		t.Errorf("notification counter delta = %v, want 1", got)
	}

	before = testutil.ToFloat64(pollsTotal.WithLabelValues("plans", "ok"))
	IncPoll("plans", true)
	if got := testutil.ToFloat64(pollsTotal.WithLabelValues("plans", "ok")) - before; got != 1 {
		t.Errorf("poll counter delta = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	SetActiveFields(3, 42)
	if got := testutil.ToFloat64(activeFieldLists); got != 3 {
		t.Errorf("active lists = %v", got)
	}
	if got := testutil.ToFloat64(activeFields); got != 42 {
		t.Errorf("active fields = %v", got)
	}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	SetLastCycle(ts)
	if got := testutil.ToFloat64(lastCycle); got != float64(ts.Unix()) {
		t.Errorf("last cycle = %v", got)
	}
}

func TestMiddleware(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("other", "GET", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("other", "GET", "418")) - before; got != 1 {
		t.Errorf("request counter delta = %v, want 1", got)
	}
}
