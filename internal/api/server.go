// Package api serves the read-only status API: probes, metrics, active field
// lists and the ingest journal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/auth"
	"github.com/karpov-sv/fram-grandma/internal/health"
	"github.com/karpov-sv/fram-grandma/internal/journal"
	"github.com/karpov-sv/fram-grandma/internal/metrics"
	"github.com/karpov-sv/fram-grandma/internal/plan"
	"github.com/karpov-sv/fram-grandma/internal/store"
)

// FieldSource lists persisted field lists.
type FieldSource interface {
	ListFieldLists() ([]store.FieldList, error)
	LoadFields(key string) (plan.FieldSet, error)
}

// IngestSource lists journal entries.
type IngestSource interface {
	RecentIngests(ctx context.Context, limit int) ([]journal.Ingest, error)
}

// Deps are the state the API reads. Ingests may be nil when the journal is
// disabled.
type Deps struct {
	Fields    FieldSource
	Ingests   IngestSource
	Readiness *health.Readiness
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, authCfg auth.Config, deps Deps) *Server {
	if deps.Readiness == nil {
		deps.Readiness = &health.Readiness{}
	}

	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", deps.Readiness.Readyz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/fields", fieldListsHandler(logger, deps.Fields))
	mux.HandleFunc("GET /api/v1/fields/{key}", fieldListHandler(logger, deps.Fields))
	mux.HandleFunc("GET /api/v1/ingests", ingestsHandler(logger, deps.Ingests))

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type fieldListSummary struct {
	Key      string    `json:"key"`
	Fields   int       `json:"fields"`
	Modified time.Time `json:"modified"`
}

func fieldListsHandler(logger *slog.Logger, src FieldSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lists, err := src.ListFieldLists()
		if err != nil {
			logger.Error("listing field lists", "error", err)
			writeError(w, http.StatusInternalServerError, "listing field lists failed")
			return
		}

		out := make([]fieldListSummary, 0, len(lists))
		total := 0
		for _, l := range lists {
			fields, err := src.LoadFields(l.Key)
			if err != nil {
				// Consumed between listing and reading.
				continue
			}
			total += fields.Len()
			out = append(out, fieldListSummary{Key: l.Key, Fields: fields.Len(), Modified: l.ModTime.UTC()})
		}
		metrics.SetActiveFields(len(out), total)

		writeJSON(w, http.StatusOK, map[string]any{
			"lists":  out,
			"fields": total,
		})
	}
}

type fieldJSON struct {
	ID           int64   `json:"id"`
	RA           float64 `json:"ra"`
	Dec          float64 `json:"dec"`
	Weight       float64 `json:"weight"`
	Filter       string  `json:"filt"`
	ExposureTime float64 `json:"exposure_time"`
	Repeat       int     `json:"repeat"`
}

func fieldListHandler(logger *slog.Logger, src FieldSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
			writeError(w, http.StatusBadRequest, "invalid key")
			return
		}

		fields, err := src.LoadFields(key)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				writeError(w, http.StatusNotFound, "no such field list")
				return
			}
			logger.Error("loading field list", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "loading field list failed")
			return
		}

		out := make([]fieldJSON, 0, fields.Len())
		for _, f := range fields.Ranked().Fields() {
			out = append(out, fieldJSON(f))
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "fields": out})
	}
}

func ingestsHandler(logger *slog.Logger, src IngestSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			writeError(w, http.StatusNotFound, "journal disabled")
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
				return
			}
			limit = n
		}

		ingests, err := src.RecentIngests(r.Context(), limit)
		if err != nil {
			logger.Error("reading journal", "error", err)
			writeError(w, http.StatusInternalServerError, "reading journal failed")
			return
		}
		if ingests == nil {
			ingests = []journal.Ingest{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ingests": ingests})
	}
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", remoteIP(r),
			)
		})
	}
}
