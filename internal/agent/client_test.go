package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/wire"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newFakeEngineServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post(wire.PathValidate, func(w http.ResponseWriter, r *http.Request) {
		var req wire.ValidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Detail: "topic: field required"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire.ValidateResponse{ExecutionID: "exec-9", Status: "started", EstimatedDurationMinutes: 20})
	})
	r.Get(wire.PathStatus, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if chi.URLParam(r, "id") != "exec-9" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Detail: "Execution not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(wire.StatusResponse{ExecutionID: "exec-9", Status: domain.ExecutionRunning, AgentsCompleted: 4, TotalAgents: 11})
	})
	r.Get(wire.PathResult, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Detail: "Execution not completed yet"})
	})
	r.Get(wire.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire.HealthResponse{Status: "healthy", Version: "test"})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newFakeEngineServer(t)
	c := NewClient(srv.URL+"/", 0, nil)
	ctx := context.Background()

	started, err := c.StartValidation(ctx, &wire.ValidateRequest{Topic: "Meal kits"})
	require.NoError(t, err)
	require.Equal(t, "exec-9", started.ExecutionID)
	require.Equal(t, 20, started.EstimatedDurationMinutes)

	st, err := c.Status(ctx, "exec-9")
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionRunning, st.Status)
	require.Equal(t, 4, st.AgentsCompleted)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", health.Status)
}

func TestClientMapsErrorStatus(t *testing.T) {
	srv := newFakeEngineServer(t)
	c := NewClient(srv.URL, 0, nil)
	ctx := context.Background()

	_, err := c.Status(ctx, "missing")
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err))
	require.Contains(t, err.Error(), "Execution not found")

	_, err = c.Result(ctx, "exec-9")
	require.True(t, errdefs.IsInvalidArgument(err))

	_, err = c.StartValidation(ctx, &wire.ValidateRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "422")
}

func TestClientTransportError(t *testing.T) {
	srv := newFakeEngineServer(t)
	url := srv.URL
	srv.Close()

	c := NewClient(url, 0, nil)
	_, err := c.StartValidation(context.Background(), &wire.ValidateRequest{Topic: "x"})
	require.Error(t, err)
}
