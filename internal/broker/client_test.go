package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

const plansReply = `{"status":"success","data":{"requests":[
 {"localization_id":5,"observation_plans":[
  {"id":1,"dateobs":"2024-01-01T00:00:00","plan_name":"Tile Scan","planned_observations":[{"field":{"id":42,"ra":10.0,"dec":-20.0},"weight":0.8,"filt":"R","exposure_time":60}]},
  {"id":2,"plan_name":"broken"},
  {"id":3,"dateobs":"2024-01-01T00:00:00","plan_name":"Second","localization_id":9,"planned_observations":[]}
 ]}]}}`

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url, Token: "secret", InstrumentID: 22}, testLogger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestPlans(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Write([]byte(plansReply))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	plans, err := c.Plans(context.Background(), Lookback(now, 24*time.Hour))
	if err != nil {
		t.Fatalf("Plans: %v", err)
	}

	if got.URL.Path != plansPath {
		t.Errorf("path = %s", got.URL.Path)
	}
	if h := got.Header.Get("Authorization"); h != "token secret" {
		t.Errorf("Authorization = %q", h)
	}
	q := got.URL.Query()
	want := map[string]string{
		"instrumentID":               "22",
		"startDate":                  "2023-12-31T12:00:00.000",
		"endDate":                    "2024-01-01T12:00:00.000",
		"status":                     "complete",
		"includePlannedObservations": "true",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("param %s = %q, want %q", k, q.Get(k), v)
		}
	}

	if len(plans) != 2 {
		t.Fatalf("got %d plans, want 2 (broken one skipped)", len(plans))
	}
	if plans[0].Name != "Tile Scan" || plans[0].LocalizationID != 5 {
		t.Errorf("first plan = %+v", plans[0])
	}
	if plans[1].LocalizationID != 9 {
		t.Errorf("explicit localization overwritten: %d", plans[1].LocalizationID)
	}
	if !strings.Contains(string(plans[0].Raw), `"ra":10.0`) {
		t.Errorf("raw payload not preserved: %s", plans[0].Raw)
	}
}

func TestAuthScheme(t *testing.T) {
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"success","data":{"requests":[]}}`))
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL, Token: "abc", AuthScheme: "Bearer"}, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	plans, err := c.Plans(context.Background(), Lookback(time.Now(), time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 0 {
		t.Errorf("got %d plans", len(plans))
	}
	if header != "Bearer abc" {
		t.Errorf("Authorization = %q", header)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusInternalServerError, "", ErrStatus},
		{"unauthorized", http.StatusUnauthorized, `{"status":"error"}`, ErrStatus},
		{"failed status", http.StatusOK, `{"status":"error","message":"nope"}`, ErrStatus},
		{"not json", http.StatusOK, `<html>`, ErrMalformed},
		{"no data", http.StatusOK, `{"status":"success"}`, ErrMalformed},
		{"wrong shape", http.StatusOK, `{"status":"success","data":{"requests":{}}}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).Plans(context.Background(), Lookback(time.Now(), time.Hour))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url).Plans(context.Background(), Lookback(time.Now(), time.Hour))
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrStatus) {
		t.Errorf("transport failure misclassified: %v", err)
	}
}

func TestBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := strings.Repeat("A", 1024*1024)
		for i := 0; i < 52; i++ {
			if _, err := w.Write([]byte(chunk)); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Plans(context.Background(), Lookback(time.Now(), time.Hour))
	if err == nil || !strings.Contains(err.Error(), "byte limit") {
		t.Errorf("expected body limit error, got %v", err)
	}
}

func TestFollowups(t *testing.T) {
	var status string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != followupsPath {
			http.NotFound(w, r)
			return
		}
		status = r.URL.Query().Get("status")
		w.Write([]byte(`{"status":"success","data":{"followup_requests":[
			{"id":11,"obj_id":"ZTF24aaa","payload":{"priority":"5","start_date":"2024-01-01T01:00:00","filters":["R","B"],"exposure_time":30,"exposure_counts":3},"obj":{"ra":150.5,"dec":2.2}},
			{"obj_id":"missing id"}
		]}}`))
	}))
	defer server.Close()

	reqs, err := newTestClient(t, server.URL).Followups(context.Background(), Lookback(time.Now(), time.Hour))
	if err != nil {
		t.Fatalf("Followups: %v", err)
	}
	if status != "submitted" {
		t.Errorf("status param = %q", status)
	}
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	if reqs[0].ID != 11 || reqs[0].Repeat() != 3 {
		t.Errorf("request = %+v", reqs[0])
	}
}

func TestEventName(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want string
	}{
		{"lvc alias", http.StatusOK, `{"status":"success","data":{"aliases":["LVC#S240101a","other"]}}`, "S240101a"},
		{"plain alias", http.StatusOK, `{"status":"success","data":{"aliases":["GRB240101A"]}}`, "GRB240101A"},
		{"no aliases", http.StatusOK, `{"status":"success","data":{"aliases":[]}}`, UnknownEvent},
		{"not found", http.StatusNotFound, ``, UnknownEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			got := newTestClient(t, server.URL).EventName(context.Background(), "2024-01-01T00:00:00")
			if got != tt.want {
				t.Errorf("EventName = %q, want %q", got, tt.want)
			}
			if path != "/api/gcn_event/2024-01-01T00:00:00" {
				t.Errorf("path = %s", path)
			}
		})
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "skyportal"}, testLogger); err == nil {
		t.Error("expected error for relative url")
	}
}
