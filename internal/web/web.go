package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"coursecal/internal/config"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/pipeline"
)

// RefreshFunc runs one build. It is usually (*pipeline.Runner).Run.
type RefreshFunc func(ctx context.Context) (pipeline.Result, error)

// Server exposes the last built document and a refresh trigger.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	refresh RefreshFunc

	docMu    sync.RWMutex
	doc      *model.Document
	stats    []pipeline.SourceStats
	builtAt  time.Time
	buildErr string
}

// NewServer constructs a new Server. refresh may be nil, in which case
// /api/refresh answers 503.
func NewServer(cfg *config.Config, refresh RefreshFunc) *Server {
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		refresh: refresh,
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
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="coursecal", charset="UTF-8"`)
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

// SetDocument publishes a freshly built document.
func (s *Server) SetDocument(res pipeline.Result) {
	doc := res.Document
	s.docMu.Lock()
	s.doc = &doc
	s.stats = res.Sources
	s.builtAt = time.Now().UTC()
	s.buildErr = ""
	s.docMu.Unlock()
}

// SetBuildError records a failed build; the previous document stays served.
func (s *Server) SetBuildError(err error) {
	s.docMu.Lock()
	s.buildErr = err.Error()
	s.docMu.Unlock()
}

// Document returns the last published document.
func (s *Server) Document() (model.Document, bool) {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	if s.doc == nil {
		return model.Document{}, false
	}
	return *s.doc, true
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
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
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/events.json", s.handleDocument)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleDocument serves the document exactly as it is written to disk.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	doc, ok := s.Document()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no document built yet")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleEvents returns the events of the last document, optionally
// narrowed down.
//
// GET /api/events?course=ALGO&days=7&limit=50
//   - course: only events of this course code (case-insensitive)
//   - days:   only events starting within the next N days
//   - limit:  at most N events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	doc, ok := s.Document()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no document built yet")
		return
	}

	q := r.URL.Query()
	code := strings.TrimSpace(q.Get("course"))
	days := parseIntDefault(q.Get("days"), 0)
	limit := parseIntDefault(q.Get("limit"), 0)

	if code == "" && days <= 0 && limit <= 0 {
		writeJSON(w, http.StatusOK, doc)
		return
	}

	now := time.Now()
	events := make([]model.CanonicalEvent, 0, len(doc.Events))
	for _, ev := range doc.Events {
		if code != "" && !strings.EqualFold(ev.CourseCode, code) {
			continue
		}
		if days > 0 && (ev.Start.Before(now) || !ev.Start.Before(now.AddDate(0, 0, days))) {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, model.NewDocument(events, doc.GeneratedAt))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	BuiltAt *time.Time             `json:"builtAt,omitempty"`
	Count   int                    `json:"count"`
	Sources []pipeline.SourceStats `json:"sources"`
	Error   string                 `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.docMu.RLock()
	resp := statusResponse{Sources: s.stats, Error: s.buildErr}
	if s.doc != nil {
		builtAt := s.builtAt
		resp.BuiltAt = &builtAt
		resp.Count = s.doc.Count
	}
	s.docMu.RUnlock()
	if resp.Sources == nil {
		resp.Sources = []pipeline.SourceStats{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh triggers a build and publishes its document.
//
// POST /api/refresh
//   - 200 with per-source stats on success
//   - 409 when a build is already running
//   - 502 when every source failed (the previous document stays served)
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.refresh == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not available")
		return
	}

	res, err := s.refresh(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrBuildInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, pipeline.ErrAllSourcesFailed):
		appLog.Error("api refresh: build failed", err)
		s.SetBuildError(err)
		writeJSON(w, http.StatusBadGateway, statusResponse{Sources: res.Sources, Error: err.Error()})
		return
	case err != nil:
		appLog.Error("api refresh: build failed", err)
		s.SetBuildError(err)
		writeError(w, http.StatusInternalServerError, "build failed")
		return
	}

	s.SetDocument(res)
	appLog.Info("api refresh: document updated", "events", res.Document.Count)
	writeJSON(w, http.StatusOK, statusResponse{Count: res.Document.Count, Sources: res.Sources})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
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
