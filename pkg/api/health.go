package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/beedrive/pkg/metrics"
	"github.com/cuemby/beedrive/pkg/types"
)

// Readiness check names
const (
	CheckListener = "listener"
	CheckManagers = "managers"
	CheckStorage  = "storage"
)

// Acceptor is the view of the transfer server used by readiness checks
type Acceptor interface {
	Running() bool
	ManagerCount() int
}

// History lists persisted transfer records
type History interface {
	ListTransfers() ([]*types.TransferRecord, error)
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	acceptor Acceptor
	history  History
	version  string
	started  time.Time
	mux      *http.ServeMux

	mu     sync.Mutex
	server *http.Server
}

// NewHealthServer creates a new health check HTTP server. Either
// dependency may be nil; readiness then reports it as not initialized.
func NewHealthServer(acceptor Acceptor, history History, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		acceptor: acceptor,
		history:  history,
		version:  version,
		started:  time.Now(),
		mux:      mux,
	}

	// Register endpoints
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/live", hs.liveHandler)
	mux.HandleFunc("/transfers", hs.transfersHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Serve serves the endpoints on lis until Shutdown is called
func (hs *HealthServer) Serve(lis net.Listener) error {
	server := &http.Server{
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.mu.Lock()
	hs.server = server
	hs.mu.Unlock()

	if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on addr and serves the endpoints
func (hs *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return hs.Serve(lis)
}

// Shutdown gracefully stops the HTTP server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	server := hs.server
	hs.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	})
}

// liveHandler answers as long as the process is running
func (hs *HealthServer) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(hs.started).Round(time.Second).String(),
	})
}

// readyHandler implements the /ready endpoint
// The server is ready once the listener accepts and history is readable
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: Listener
	switch {
	case hs.acceptor == nil:
		checks[CheckListener] = "not initialized"
		ready = false
		message = "Server not initialized"
	case hs.acceptor.Running():
		checks[CheckListener] = "accepting"
		checks[CheckManagers] = strconv.Itoa(hs.acceptor.ManagerCount())
	default:
		checks[CheckListener] = "stopped"
		ready = false
		message = "Server not accepting connections"
	}

	// Check 2: Storage
	if hs.history != nil {
		if _, err := hs.history.ListTransfers(); err != nil {
			checks[CheckStorage] = "error: " + err.Error()
			ready = false
			if message == "" {
				message = "Storage not accessible"
			}
		} else {
			checks[CheckStorage] = "ok"
		}
	} else {
		checks[CheckStorage] = "not initialized"
		ready = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// transfersHandler lists the transfer history, newest first
func (hs *HealthServer) transfersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.history == nil {
		http.Error(w, "History not available", http.StatusServiceUnavailable)
		return
	}

	records, err := hs.history.ListTransfers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(records) {
		records = records[:limit]
	}
	if records == nil {
		records = []*types.TransferRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
