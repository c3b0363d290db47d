// Package api serves Hearth's read-only status API: health, build
// information, session views, the usage ledger, and a live WebSocket
// stream of operational events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/connwatch"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/session"
	"github.com/nugget/hearth/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// GreetingTasks reports which conversations have a live idle-greeting
// task.
type GreetingTasks interface {
	Active() []string
}

// HealthSource reports the reachability of external dependencies.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// Config holds the server's address and data sources. Usage, Bus and
// Greetings are optional; their endpoints answer 503 when unset. Health
// is optional too; without it /health reports only the process.
type Config struct {
	Address string
	Port    int

	Store     *session.Store
	Usage     *usage.Store
	Bus       *events.Bus
	Greetings GreetingTasks
	Health    HealthSource
	Logger    *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	address   string
	port      int
	store     *session.Store
	usage     *usage.Store
	bus       *events.Bus
	greetings GreetingTasks
	health    HealthSource
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a status server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		store:     cfg.Store,
		usage:     cfg.Usage,
		bus:       cfg.Bus,
		greetings: cfg.Greetings,
		health:    cfg.Health,
		logger:    logger.With("component", "api"),
	}
}

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)

	mux.HandleFunc("GET /v1/usage", s.handleUsageSummary)
	mux.HandleFunc("GET /v1/usage/recent", s.handleUsageRecent)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns
// [http.ErrServerClosed] after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "code": code},
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Hearth",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth reports "healthy" when every watched dependency is
// reachable and "degraded" otherwise. It always answers 200 so that a
// broker outage does not get the process restarted.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		services := s.health.Status()
		for _, st := range services {
			if !st.Ready {
				resp["status"] = "degraded"
			}
		}
		resp["services"] = services
	}
	writeJSON(w, resp, s.logger)
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID             string    `json:"id"`
	Personality    string    `json:"personality"`
	Timezone       string    `json:"timezone"`
	Turns          int       `json:"turns"`
	Memories       int       `json:"memories"`
	Reminders      int       `json:"reminders"`
	DailyReminders int       `json:"daily_reminders"`
	LastActivity   time.Time `json:"last_activity,omitzero"`
	GreetingActive bool      `json:"greeting_active"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	active := make(map[string]bool)
	if s.greetings != nil {
		for _, id := range s.greetings.Active() {
			active[id] = true
		}
	}

	ids := s.store.IDs()
	rows := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		snap := s.store.Snapshot(id)
		rows = append(rows, SessionSummary{
			ID:             id,
			Personality:    snap.Personality,
			Timezone:       snap.Timezone,
			Turns:          len(snap.History),
			Memories:       len(snap.Memories),
			Reminders:      len(snap.Reminders),
			DailyReminders: len(snap.DailyReminders),
			LastActivity:   snap.LastActivity,
			GreetingActive: active[id],
		})
	}

	writeJSON(w, map[string]any{
		"stats":          s.store.Stats(),
		"greeting_tasks": len(active),
		"sessions":       rows,
	}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.Exists(id) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, s.store.Snapshot(id), s.logger)
}

// UsageReport is the body of GET /v1/usage.
type UsageReport struct {
	Start     time.Time                 `json:"start"`
	End       time.Time                 `json:"end"`
	Total     *usage.Summary            `json:"total"`
	ByPurpose map[string]*usage.Summary `json:"by_purpose"`
	ByModel   map[string]*usage.Summary `json:"by_model"`
}

// handleUsageSummary reports ledger totals for the last ?hours= hours
// (default 24).
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}
	hours, err := intParam(r, "hours", 24)
	if err != nil || hours <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "hours must be a positive integer")
		return
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	rep, err := s.usageReport(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, rep, s.logger)
}

func (s *Server) usageReport(ctx context.Context, start, end time.Time) (*UsageReport, error) {
	rep := &UsageReport{Start: start.UTC(), End: end.UTC()}
	var err error
	if rep.Total, err = s.usage.Summary(ctx, start, end); err != nil {
		return nil, err
	}
	if rep.ByPurpose, err = s.usage.SummaryByPurpose(ctx, start, end); err != nil {
		return nil, err
	}
	if rep.ByModel, err = s.usage.SummaryByModel(ctx, start, end); err != nil {
		return nil, err
	}
	return rep, nil
}

// UsageRecord is one ledger entry as served.
type UsageRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	Purpose        string    `json:"purpose"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	DurationMS     int64     `json:"duration_ms"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil || limit <= 0 || limit > 1000 {
		s.errorResponse(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	recs, err := s.usage.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	out := make([]UsageRecord, len(recs))
	for i, rec := range recs {
		out[i] = UsageRecord{
			ID:             rec.ID,
			Timestamp:      rec.Timestamp,
			ConversationID: rec.ConversationID,
			Purpose:        rec.Purpose,
			Model:          rec.Model,
			InputTokens:    rec.InputTokens,
			OutputTokens:   rec.OutputTokens,
			DurationMS:     rec.Duration.Milliseconds(),
			OK:             rec.OK,
			Error:          rec.Error,
		}
	}
	writeJSON(w, map[string]any{"records": out}, s.logger)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
