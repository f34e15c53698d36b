package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"caltrigger/internal/config"
	"caltrigger/internal/ics"
	appLog "caltrigger/internal/log"
	"caltrigger/internal/model"
	"caltrigger/internal/transition"
	"caltrigger/internal/trigger"
)

// Cycler runs one dispatch cycle. *trigger.Runner implements it.
type Cycler interface {
	RunOnce(ctx context.Context) (trigger.Report, error)
}

// Server provides the HTTP API: health, a side-effect free transition
// preview and a manual cycle trigger.
type Server struct {
	cfg      *config.Config
	source   trigger.DocumentSource
	detector transition.Detector
	runner   Cycler
	now      func() time.Time
	mux      *http.ServeMux

	// In-memory cache for /api/transitions without ?at, so that polling
	// dashboards do not refetch the calendar on every request.
	previewMu    sync.RWMutex
	previewCache *previewCache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, source trigger.DocumentSource, detector transition.Detector, runner Cycler) *Server {
	s := &Server{
		cfg:      cfg,
		source:   source,
		detector: detector,
		runner:   runner,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="caltrigger", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	appLog.Info("stopping HTTP server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/transitions", s.handleTransitions)
	s.mux.HandleFunc("/api/run", s.handleRun)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// transitionsResponse is the JSON response shape for /api/transitions.
type transitionsResponse struct {
	Now      time.Time       `json:"now"`
	Starting []occurrenceDTO `json:"starting"`
	Stopping []occurrenceDTO `json:"stopping"`
}

// previewCache holds a cached /api/transitions response and its timestamp.
type previewCache struct {
	resp      transitionsResponse
	updatedAt time.Time
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	Key         string    `json:"key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

func toDTOs(occs []model.Occurrence) []occurrenceDTO {
	out := make([]occurrenceDTO, 0, len(occs))
	for _, o := range occs {
		out = append(out, occurrenceDTO{
			Key:         o.Key(),
			Summary:     o.Summary,
			Description: o.Description,
			Location:    o.Location,
			AllDay:      o.AllDay,
			Start:       o.Start,
			End:         o.End,
		})
	}
	return out
}

// handleTransitions previews what a cycle would publish, without touching
// the idempotency store.
//
// GET /api/transitions?at=2024-01-01T12:00:00Z
//   - at: reference instant (RFC 3339). Defaults to now; only the
//     default is cached.
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	now := s.now()
	useCache := true
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp")
			return
		}
		now = t
		useCache = false
	}

	const previewCacheTTL = 30 * time.Second
	if useCache {
		s.previewMu.RLock()
		pc := s.previewCache
		s.previewMu.RUnlock()
		if pc != nil && now.Sub(pc.updatedAt) < previewCacheTTL {
			writeJSON(w, http.StatusOK, pc.resp)
			return
		}
	}

	body, err := s.source.Fetch(r.Context())
	if err != nil {
		appLog.Error("api transitions: fetch failed", err)
		writeError(w, http.StatusBadGateway, "failed to fetch calendar")
		return
	}
	doc, err := ics.ParseDocument(body)
	if err != nil {
		appLog.Error("api transitions: parse failed", err)
		writeError(w, http.StatusBadGateway, "calendar is not a valid iCalendar document")
		return
	}
	res, err := s.detector.Detect(doc, now)
	if err != nil {
		appLog.Error("api transitions: detect failed", err)
		writeError(w, http.StatusInternalServerError, "failed to detect transitions")
		return
	}

	resp := transitionsResponse{
		Now:      res.Now,
		Starting: toDTOs(res.Starting),
		Stopping: toDTOs(res.Stopping),
	}

	if useCache {
		s.previewMu.Lock()
		s.previewCache = &previewCache{resp: resp, updatedAt: now}
		s.previewMu.Unlock()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRun triggers one dispatch cycle and returns its report.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner not configured")
		return
	}

	rep, err := s.runner.RunOnce(r.Context())
	if err != nil && !errors.Is(err, trigger.ErrPartialDelivery) {
		appLog.Error("api run: cycle failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
