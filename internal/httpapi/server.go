// Package httpapi serves the polling surface, the live channel upgrade and
// the MCP endpoint on one mux.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kink2001crypto/aether-relay/internal/cache"
	"github.com/kink2001crypto/aether-relay/internal/models"
	"github.com/kink2001crypto/aether-relay/internal/polling"
	"github.com/kink2001crypto/aether-relay/internal/relay"
	"github.com/kink2001crypto/aether-relay/internal/session"
)

// maxBodyBytes bounds request bodies; project trees are posted whole.
const maxBodyBytes = 32 << 20

// Deps are the components the routes read and mutate.
type Deps struct {
	Cache    *cache.Cache
	Relay    *relay.Relay
	Buffer   *polling.Buffer
	Sessions *session.Registry
	// MCP is mounted at /mcp when set.
	MCP     http.Handler
	Version string
	Logger  *zap.Logger
}

// Server routes HTTP requests.
type Server struct {
	deps    Deps
	log     *zap.Logger
	mux     *http.ServeMux
	started time.Time
	now     func() time.Time
}

// NewServer builds the mux.
func NewServer(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		log:     log.Named("http"),
		mux:     http.NewServeMux(),
		started: time.Now(),
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the mux wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.mux)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.deps.Relay.ServeWS)

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/clients", s.handleRegisterClient)
	s.mux.HandleFunc("GET /api/projects", s.handleListProjects)
	s.mux.HandleFunc("POST /api/projects", s.handleRegisterProject)
	s.mux.HandleFunc("POST /api/projects/sync", s.handleSyncProjects)
	s.mux.HandleFunc("DELETE /api/projects", s.handleClearProjects)
	s.mux.HandleFunc("GET /api/files", s.handleFiles)
	s.mux.HandleFunc("GET /api/file-content", s.handleFileContent)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/relay", s.handleRelay)

	if s.deps.MCP != nil {
		s.mux.Handle("/mcp", s.deps.MCP)
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// mutationResult maps a cache mutation error to a response. Store failures
// still answer success with a warning; the cache already holds the change.
func (s *Server) mutationResult(w http.ResponseWriter, err error, body map[string]any) {
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrInvalidProject):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, cache.ErrNotPersisted):
		body["warning"] = err.Error()
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body["success"] = true
	writeJSON(w, http.StatusOK, body)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"version":        s.deps.Version,
		"connections":    s.deps.Relay.Hub().Count(),
		"pollingClients": s.deps.Sessions.Count(),
		"projects":       s.deps.Cache.Count(),
		"pendingEvents":  s.deps.Buffer.Len(),
		"uptimeSeconds":  int64(s.now().Sub(s.started).Seconds()),
	})
}

type registerClientRequest struct {
	ProjectPath string `json:"projectPath"`
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	c := s.deps.Sessions.Register(req.ProjectPath)
	s.log.Info("polling client registered", zap.String("client", c.ID), zap.String("project", c.ProjectPath))
	writeJSON(w, http.StatusOK, map[string]string{"clientId": c.ID})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"projects": s.deps.Cache.GetProjectsWithFiles(),
	})
}

func (s *Server) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if !s.decodeBody(w, r, &p) {
		return
	}
	err := s.deps.Cache.RegisterProject(r.Context(), &p)
	s.mutationResult(w, err, map[string]any{
		"project": p.Summary(cache.DefaultFolder),
	})
}

type syncRequest struct {
	Projects *[]*models.Project `json:"projects"`
}

func (s *Server) handleSyncProjects(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Projects == nil {
		writeError(w, http.StatusBadRequest, "projects array is required")
		return
	}
	list := *req.Projects
	err := s.deps.Cache.RegisterProjects(r.Context(), list)
	s.mutationResult(w, err, map[string]any{"count": len(list)})
}

func (s *Server) handleClearProjects(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Cache.ClearAllProjects(r.Context())
	s.mutationResult(w, err, map[string]any{})
}

// projectFor falls back to the polling client's project hint.
func (s *Server) projectFor(r *http.Request) string {
	q := r.URL.Query()
	if p := q.Get("projectPath"); p != "" {
		return p
	}
	if id := q.Get("clientId"); id != "" {
		if c, ok := s.deps.Sessions.Get(id); ok {
			return c.ProjectPath
		}
	}
	return ""
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	projectPath := s.projectFor(r)
	if projectPath == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}
	if _, ok := s.deps.Cache.GetProject(projectPath); !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"files": []models.FileEntry{},
			"error": cache.ErrProjectNotFound.Error(),
		})
		return
	}
	dir := r.URL.Query().Get("path")
	writeJSON(w, http.StatusOK, map[string]any{
		"files": s.deps.Cache.GetFiles(dir, projectPath),
	})
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	projectPath := s.projectFor(r)
	filePath := r.URL.Query().Get("path")
	if projectPath == "" || filePath == "" {
		writeError(w, http.StatusBadRequest, "projectPath and path are required")
		return
	}
	content, err := s.deps.Cache.GetFileContent(filePath, projectPath)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"path":    filePath,
			"content": "",
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    filePath,
		"content": content,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get("clientId"); id != "" {
		s.deps.Sessions.Touch(id)
	}

	events := s.deps.Buffer.Events()
	if raw := q.Get("since"); raw != "" {
		since, err := parseSince(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339 or unix milliseconds")
			return
		}
		events = s.deps.Buffer.Since(since)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// parseSince accepts RFC 3339 timestamps and unix milliseconds.
func parseSince(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

type relayRequest struct {
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	TargetID string          `json:"targetId"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	n, err := s.deps.Relay.Inject(req.Event, req.Data, req.TargetID)
	if errors.Is(err, relay.ErrUnknownConnection) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"delivered": n,
	})
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Flush pushes streamed responses (MCP event streams) to the client.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
