// Package web provides the HTTP status page and JSON API for the ignition controller.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/ignition-controller/internal/engine"
	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/logic"
	"github.com/sweeney/ignition-controller/internal/status"
)

// maxConfigBody bounds POST /api/config payloads.
const maxConfigBody = 64 << 10

// Engine is the controller surface the server reads and updates.
type Engine interface {
	Telemetry() logic.Telemetry
	Configuration() logic.Configuration
	ApplyJSON(data []byte) (logic.Configuration, error)
	Firings() []engine.Firing
}

// FiringJSON is the wire representation of an in-flight firing.
type FiringJSON struct {
	ID          string `json:"id"`
	Cylinder    int    `json:"cylinder"`
	DelayMs     int64  `json:"delay_ms"`
	DurationMs  int64  `json:"duration_ms"`
	ScheduledAt string `json:"scheduled_at"`
	Phase       string `json:"phase"`
	Overlaps    bool   `json:"overlaps"`
}

// ErrorJSON is returned with 4xx responses.
type ErrorJSON struct {
	Error string `json:"error"`
}

// Server serves the status page and API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	engine     Engine
	log        *eventlog.Log
	logger     zerolog.Logger
}

// New creates a Server that reads daemon state from tracker and engine state from eng.
func New(addr string, tracker *status.Tracker, eng Engine, log *eventlog.Log, logger zerolog.Logger) *Server {
	s := &Server{
		tracker: tracker,
		engine:  eng,
		log:     log,
		logger:  logger.With().Str("component", "web").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/api/telemetry", s.api(http.MethodGet, s.handleTelemetry))
	mux.HandleFunc("/api/config", s.api(http.MethodGet+","+http.MethodPost, s.handleConfig))
	mux.HandleFunc("/api/log", s.api(http.MethodGet, s.handleLog))
	mux.HandleFunc("/api/firings", s.api(http.MethodGet, s.handleFirings))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// api wraps an API handler with CORS headers, preflight handling and a
// method check. allowed is a comma-separated method list.
func (s *Server) api(allowed string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", allowed+","+http.MethodOptions)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !methodAllowed(allowed, r.Method) {
			w.Header().Set("Allow", allowed)
			writeJSON(w, http.StatusMethodNotAllowed, ErrorJSON{Error: "method not allowed"})
			return
		}
		h(w, r)
	}
}

func methodAllowed(allowed, method string) bool {
	for _, m := range strings.Split(allowed, ",") {
		if m == method {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, s.tracker.Snapshot(), s.log.Entries()); err != nil {
		s.logger.Error().Err(err).Msg("render status page")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.tracker.Snapshot()))
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, logic.NewTelemetryJSON(s.engine.Telemetry()))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, logic.NewConfigJSON(s.engine.Configuration()))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorJSON{Error: err.Error()})
		return
	}
	cfg, err := s.engine.ApplyJSON(body)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, logic.ErrInvalidConfig) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, ErrorJSON{Error: err.Error()})
		return
	}
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("configuration updated")
	writeJSON(w, http.StatusOK, logic.NewConfigJSON(cfg))
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	entries := s.log.Entries()
	out := make([]eventlog.EntryJSON, len(entries))
	for i, e := range entries {
		out[i] = e.JSON()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFirings(w http.ResponseWriter, r *http.Request) {
	firings := s.engine.Firings()
	out := make([]FiringJSON, len(firings))
	for i, f := range firings {
		out[i] = FiringJSON{
			ID:          f.ID.String(),
			Cylinder:    f.Cylinder,
			DelayMs:     f.Delay.Milliseconds(),
			DurationMs:  f.Duration.Milliseconds(),
			ScheduledAt: f.ScheduledAt.UTC().Format(time.RFC3339Nano),
			Phase:       string(f.Phase),
			Overlaps:    f.Overlaps,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
