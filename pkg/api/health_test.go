package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beedrive/pkg/types"
)

type fakeAcceptor struct {
	running  bool
	managers int
}

func (f fakeAcceptor) Running() bool     { return f.running }
func (f fakeAcceptor) ManagerCount() int { return f.managers }

type fakeHistory struct {
	records []*types.TransferRecord
	err     error
}

func (f fakeHistory) ListTransfers() ([]*types.TransferRecord, error) {
	return f.records, f.err
}

// TestHealthHandler tests the /health endpoint
func TestHealthHandler(t *testing.T) {
	hs := NewHealthServer(nil, nil, "test")

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{
			name:           "GET request succeeds",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST request fails",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "DELETE request fails",
			method:         http.MethodDelete,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()

			hs.healthHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, "test", response.Version)
				assert.False(t, response.Timestamp.IsZero())
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			}
		})
	}
}

// TestReadyHandler tests readiness against listener and storage state
func TestReadyHandler(t *testing.T) {
	tests := []struct {
		name           string
		acceptor       Acceptor
		history        History
		expectedStatus int
		checks         map[string]string
	}{
		{
			name:           "nothing initialized",
			expectedStatus: http.StatusServiceUnavailable,
			checks:         map[string]string{"listener": "not initialized", "storage": "not initialized"},
		},
		{
			name:           "ready",
			acceptor:       fakeAcceptor{running: true, managers: 2},
			history:        fakeHistory{},
			expectedStatus: http.StatusOK,
			checks:         map[string]string{"listener": "accepting", "managers": "2", "storage": "ok"},
		},
		{
			name:           "listener stopped",
			acceptor:       fakeAcceptor{},
			history:        fakeHistory{},
			expectedStatus: http.StatusServiceUnavailable,
			checks:         map[string]string{"listener": "stopped", "storage": "ok"},
		},
		{
			name:           "storage broken",
			acceptor:       fakeAcceptor{running: true},
			history:        fakeHistory{err: errors.New("database not open")},
			expectedStatus: http.StatusServiceUnavailable,
			checks:         map[string]string{"listener": "accepting", "storage": "error: database not open"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServer(tt.acceptor, tt.history, "test")
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()

			hs.readyHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var response ReadyResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			for k, v := range tt.checks {
				assert.Equal(t, v, response.Checks[k], "check %s", k)
			}
			if tt.expectedStatus != http.StatusOK {
				assert.Equal(t, "not ready", response.Status)
				assert.NotEmpty(t, response.Message)
			}
		})
	}

	hs := NewHealthServer(nil, nil, "")
	w := httptest.NewRecorder()
	hs.readyHandler(w, httptest.NewRequest(http.MethodPost, "/ready", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestLiveHandler(t *testing.T) {
	hs := NewHealthServer(nil, nil, "")
	w := httptest.NewRecorder()
	hs.liveHandler(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}

func TestTransfersHandler(t *testing.T) {
	now := time.Now()
	history := fakeHistory{records: []*types.TransferRecord{
		{UUID: "b", User: "alice", FinishedAt: now},
		{UUID: "a", User: "bob", FinishedAt: now.Add(-time.Minute)},
	}}
	hs := NewHealthServer(fakeAcceptor{running: true}, history, "test")

	w := httptest.NewRecorder()
	hs.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transfers?limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var records []types.TransferRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].UUID)

	w = httptest.NewRecorder()
	NewHealthServer(nil, fakeHistory{}, "").mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transfers", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = httptest.NewRecorder()
	NewHealthServer(nil, nil, "").mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transfers", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// TestNewHealthServer tests route registration
func TestNewHealthServer(t *testing.T) {
	hs := NewHealthServer(fakeAcceptor{running: true}, fakeHistory{}, "test")

	tests := []struct {
		path           string
		expectedStatus int
	}{
		{path: "/health", expectedStatus: http.StatusOK},
		{path: "/ready", expectedStatus: http.StatusOK},
		{path: "/live", expectedStatus: http.StatusOK},
		{path: "/metrics", expectedStatus: http.StatusOK},
		{path: "/nonexistent", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()

			hs.GetHandler().ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code, "Path: %s", tt.path)
		})
	}
}

func TestServeAndShutdown(t *testing.T) {
	hs := NewHealthServer(nil, nil, "test")
	assert.NoError(t, hs.Shutdown(context.Background()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hs.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}

func BenchmarkReadyHandler(b *testing.B) {
	hs := NewHealthServer(fakeAcceptor{running: true}, fakeHistory{}, "bench")
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		hs.readyHandler(w, req)
	}
}
