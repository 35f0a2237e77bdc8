package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plansession/pkg/channel"
	"github.com/openfroyo/plansession/pkg/plan"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{BaseURL: server.URL, Token: "secret", Timeout: 2 * time.Second}, zerolog.Nop())
}

func TestClient_RunPlan(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathPlan, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req plan.RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dev", req.Environment)
		assert.True(t, req.Options.SkipTests)

		_ = json.NewEncoder(w).Encode(plan.RunResult{
			Changes: &plan.Changes{Added: []string{"db.orders"}},
			Start:   req.Start,
			End:     req.End,
		})
	})

	res, err := c.RunPlan(context.Background(), plan.RunRequest{
		Environment: "dev",
		Start:       "2023-01-01",
		End:         "2023-01-07",
		Options:     plan.Options{SkipTests: true},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Changes)
	assert.Equal(t, []string{"db.orders"}, res.Changes.Added)
	assert.Equal(t, "2023-01-07", res.End)
}

func TestClient_ApplyPlanType(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathApply, r.URL.Path)
		_, _ = w.Write([]byte(`{"type":"virtual"}`))
	})

	res, err := c.ApplyPlan(context.Background(), plan.ApplyRequest{Environment: "dev"})
	require.NoError(t, err)
	assert.Equal(t, plan.ApplyTypeVirtual, res.Type)
}

func TestClient_CancelEndpoints(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.CancelRun(context.Background()))
	require.NoError(t, c.CancelApply(context.Background()))
	assert.Equal(t, []string{PathPlanCancel, PathApplyCancel}, paths)
}

func TestClient_NonSuccessIsOperational(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"model db.orders does not exist"}`))
	})

	_, err := c.RunPlan(context.Background(), plan.RunRequest{Environment: "dev"})
	require.Error(t, err)
	assert.False(t, plan.IsSuperseded(err))

	var perr *plan.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, plan.ErrorClassOperational, perr.Class)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "model db.orders does not exist", apiErr.Message)
}

func TestClient_CancelledRequestIsSuperseded(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.RunPlan(ctx, plan.RunRequest{Environment: "dev"})
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.True(t, plan.IsSuperseded(err))
	case <-time.After(2 * time.Second):
		t.Fatal("request was not aborted")
	}
}

func TestClient_StreamPumpsEvents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathEvents, r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"topic":"tests","data":{"ok":true}}` + "\n"))
		_, _ = w.Write([]byte(`{"topic":"report","data":{"ok":true,"status":"finished","type":"apply"}}` + "\n"))
	})

	b := channel.NewBroker(channel.DefaultConfig(), zerolog.Nop())
	var reports []plan.PlanReport
	b.Subscribe(channel.TopicReport, func(payload json.RawMessage) {
		var r plan.PlanReport
		require.NoError(t, json.Unmarshal(payload, &r))
		reports = append(reports, r)
	})

	require.NoError(t, c.Stream(context.Background(), b))
	require.Len(t, reports, 1)
	assert.Equal(t, plan.ReportStatusFinished, reports[0].Status)
}
