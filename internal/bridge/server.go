// Package bridge exposes the engine to the desktop shell over loopback
// HTTP: a JSON status API plus a WebSocket stream of engine events.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/veletrix/warden/internal/buildinfo"
	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/debug"
	"github.com/veletrix/warden/internal/events"
	"github.com/veletrix/warden/internal/ratelimit"
	"github.com/veletrix/warden/internal/supervisor"
)

// Options configures the bridge server.
type Options struct {
	Host      string
	Port      int
	AuthToken string
}

// Server hosts the HTTP API and the event stream bridge.
type Server struct {
	sup        *supervisor.Supervisor
	bus        *events.Bus
	cfg        *config.Config
	tracker    *ratelimit.Tracker
	httpServer *http.Server
	host       string
	port       int
	authToken  string
	listener   net.Listener
}

// New constructs a bridge server around a running supervisor.
func New(sup *supervisor.Supervisor, bus *events.Bus, cfg *config.Config, tracker *ratelimit.Tracker, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port <= 0 {
		port = 8733
	}

	srv := &Server{
		sup:       sup,
		bus:       bus,
		cfg:       cfg,
		tracker:   tracker,
		host:      host,
		port:      port,
		authToken: strings.TrimSpace(opts.AuthToken),
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	handler := corsMiddleware(logMiddleware(authMiddleware(srv.authToken, mux)))
	srv.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("GET /api/workers", srv.handleWorkers)
	mux.HandleFunc("GET /api/profiles", srv.handleProfiles)
	mux.HandleFunc("POST /api/workers/{key}/kill", srv.handleKill)
	mux.HandleFunc("POST /api/killall", srv.handleKillAll)
	mux.HandleFunc("GET /ws/events", srv.handleEventsWebSocket)
}

// Addr returns the bound address. Valid after Start.
func (srv *Server) Addr() string {
	if srv.listener != nil {
		return srv.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", srv.host, srv.port)
}

// Start binds the listener and serves in a background goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", srv.host, srv.port))
	if err != nil {
		return fmt.Errorf("bridge listen: %w", err)
	}
	srv.listener = ln
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			debug.Logf("bridge", "serve: %v", err)
		}
	}()
	debug.LogKV("bridge", "listening", "addr", srv.Addr())
	return nil
}

// Stop shuts the server down gracefully.
func (srv *Server) Stop(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("bridge", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type statusResponse struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	ActiveWorkers int    `json:"active_workers"`
	DroppedEvents int64  `json:"dropped_events"`
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Current()
	writeJSON(w, http.StatusOK, statusResponse{
		Version:       info.Version,
		Commit:        info.CommitHash,
		ActiveWorkers: len(srv.sup.ActiveKeys()),
		DroppedEvents: srv.bus.Dropped(),
	})
}

type workerResponse struct {
	TaskKey   string    `json:"task_key"`
	SpawnID   int64     `json:"spawn_id"`
	PID       int       `json:"pid"`
	Class     string    `json:"worker_class"`
	StartedAt time.Time `json:"started_at"`
	SwapCount int       `json:"swap_count"`
}

func (srv *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	reg := srv.sup.Registry()
	workers := make([]workerResponse, 0)
	for _, key := range reg.ActiveKeys() {
		worker, ok := reg.Get(key)
		if !ok {
			continue
		}
		workers = append(workers, workerResponse{
			TaskKey:   worker.TaskKey,
			SpawnID:   worker.SpawnID,
			PID:       worker.Handle.PID(),
			Class:     string(worker.Class),
			StartedAt: worker.StartedAt,
			SwapCount: srv.sup.SwapCount(key),
		})
	}
	writeJSON(w, http.StatusOK, workers)
}

type profileResponse struct {
	Name            string     `json:"name"`
	Active          bool       `json:"active"`
	LastRateLimit   *time.Time `json:"last_rate_limit,omitempty"`
	TotalRateLimits int        `json:"total_rate_limits"`
	TotalSuccesses  int        `json:"total_successes"`
}

func (srv *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := make([]profileResponse, 0, len(srv.cfg.Profiles))
	for _, p := range srv.cfg.Profiles {
		resp := profileResponse{Name: p.Name, Active: p.Name == srv.cfg.ActiveProfile}
		if st := srv.tracker.State(p.Name); st != nil {
			if !st.LastRateLimit.IsZero() {
				lr := st.LastRateLimit
				resp.LastRateLimit = &lr
			}
			resp.TotalRateLimits = st.TotalRateLimits
			resp.TotalSuccesses = st.TotalSuccesses
		}
		profiles = append(profiles, resp)
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (srv *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing task key")
		return
	}
	killed := srv.sup.Stop(key)
	writeJSON(w, http.StatusOK, map[string]bool{"killed": killed})
}

func (srv *Server) handleKillAll(w http.ResponseWriter, r *http.Request) {
	srv.sup.KillAll()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
