package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/medio/internal/exiftool"
	"github.com/loykin/medio/internal/metrics"
	"github.com/loykin/medio/internal/scanner"
)

// SessionStatus is the view of the helper session the router needs.
type SessionStatus interface {
	Status() exiftool.Status
}

// LoopStats is the view of the scan loop the router needs.
type LoopStats interface {
	Stats() scanner.Stats
}

// Router provides read-only HTTP handlers for the running service.
// Endpoints:
//
//	GET {basePath}/status    session status and scan counters
//	GET {basePath}/healthz   200 while the helper session is running, 503 otherwise
//	GET /metrics             Prometheus exposition (when metrics are registered)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	session  SessionStatus
	loop     LoopStats
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
// loop may be nil before the scan loop exists.
func NewRouter(session SessionStatus, loop LoopStats, basePath string, withMetrics bool) *Router {
	return &Router{session: session, loop: loop, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Server is a started status server.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan error
}

// NewServer binds addr and serves the router in the background. Bind errors are
// returned immediately.
func NewServer(addr string, r *Router, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:   ln,
		done: make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil && logger != nil {
			logger.Error("status server stopped", "error", err)
		}
		s.done <- err
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if serveErr := <-s.done; err == nil {
		err = serveErr
	}
	return err
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	Session exiftool.Status `json:"session"`
	Scan    *scanner.Stats  `json:"scan,omitempty"`
}

type healthResp struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.session == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "session not configured"})
		return
	}
	resp := statusResp{Session: r.session.Status()}
	if r.loop != nil {
		st := r.loop.Stats()
		resp.Scan = &st
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.session == nil {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "unavailable"})
		return
	}
	st := r.session.Status()
	if st.State != exiftool.StateRunning.String() || !st.Alive {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "unhealthy", State: st.State, Error: st.Error})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "ok", State: st.State})
}
