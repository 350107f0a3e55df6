// Package health serves liveness, readiness and debug endpoints.
//
//	/healthz          200 unless the process is shutting down
//	/readyz           200 when every registered ReadinessChecker passes
//	/debug/rankings   the current ranking table as JSON
//	/debug/pprof/     runtime profiles
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/placement/internal/logging"
)

// ReadinessChecker is a dependency that must be healthy before the process
// serves lookups.
type ReadinessChecker interface {
	Name() string
	CheckReady(ctx context.Context) error
}

// Status is the body of /healthz and /readyz.
type Status struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// Server provides the health HTTP endpoints.
type Server struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	shutDown         atomic.Bool
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	extraHandlers    map[string]http.Handler
}

// NewServer creates a health server for addr.
func NewServer(addr string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Server{
		addr:             addr,
		logger:           logger.WithComponent("health"),
		readinessTimeout: DefaultReadinessTimeout,
		extraHandlers:    make(map[string]http.Handler),
	}
}

// RegisterHandler mounts an extra handler. Call before Start.
func (h *Server) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extraHandlers[pattern] = handler
}

// RegisterReadinessCheck adds a check run on every /readyz request.
func (h *Server) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout sets the per-check timeout.
func (h *Server) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// SetShuttingDown makes both probes fail from now on.
func (h *Server) SetShuttingDown() {
	h.shutDown.Store(true)
}

func (h *Server) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Handler returns the mux with every endpoint mounted.
func (h *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)

	h.mu.RLock()
	for pattern, handler := range h.extraHandlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start binds the listener and serves in the background.
func (h *Server) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:     h.Handler(),
		ReadTimeout: 5 * time.Second,
		// Readiness checks may take up to readinessTimeout each.
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.boundAddr = ln.Addr().String()
	h.server = srv
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (h *Server) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

func (h *Server) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckHealth())
}

func (h *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status Status) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// CheckHealth returns the liveness status.
func (h *Server) CheckHealth() Status {
	if h.shutDown.Load() {
		return shuttingDown()
	}
	return Status{
		Status: "ok",
		Checks: map[string]CheckResult{"shutdown": {Healthy: true, Message: "running"}},
	}
}

// CheckReadiness runs every registered check with its own timeout.
func (h *Server) CheckReadiness(ctx context.Context) Status {
	if h.shutDown.Load() {
		return shuttingDown()
	}
	status := Status{
		Status: "ok",
		Checks: map[string]CheckResult{"shutdown": {Healthy: true, Message: "running"}},
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.readinessChecks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
		} else {
			status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
		}
	}
	return status
}

func shuttingDown() Status {
	return Status{
		Status: "shutting_down",
		Checks: map[string]CheckResult{"shutdown": {Healthy: false, Message: "process is shutting down"}},
	}
}
