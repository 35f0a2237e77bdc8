package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plansession/pkg/plan"
)

// fakeAPI serves the plan API endpoints planctl talks to.
type fakeAPI struct {
	mu        sync.Mutex
	calls     []string
	applyType plan.ApplyType
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/plan", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path)
		var req plan.RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(plan.RunResult{
			Changes:   &plan.Changes{Added: []string{"db.orders"}},
			Backfills: []plan.Backfill{{ModelName: "db.orders", Interval: []string{req.Start, req.End}, Batches: 2}},
			Start:     req.Start,
			End:       req.End,
		})
	})
	mux.HandleFunc("/api/apply", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path)
		_ = json.NewEncoder(w).Encode(plan.ApplyResult{Type: f.applyType})
	})
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-r.Context().Done()
	})
	return mux
}

func (f *fakeAPI) record(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
}

func (f *fakeAPI) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func writeConfig(t *testing.T, baseURL string, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "planctl.yaml")
	doc := "backend:\n  base_url: " + baseURL + "\n" +
		"session:\n  environment:\n    name: dev\n  debounce_window: 10ms\n" +
		"logging:\n  output: " + filepath.Join(t.TempDir(), "planctl.log") + "\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	root := newRootCommand("test", "abc123", "today")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestPlanCommandRunsAndApplies(t *testing.T) {
	api := &fakeAPI{applyType: plan.ApplyTypeVirtual}
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	cfgPath := writeConfig(t, server.URL, "")
	out, err := execute(t, "plan", "--config", cfgPath, "--start", "2024-01-01", "--end", "2024-01-07", "--apply")
	require.NoError(t, err)

	assert.Equal(t, []string{"/api/plan", "/api/apply"}, api.paths())
	assert.Contains(t, out, "state  init -> running")
	assert.Contains(t, out, "state:     finished")
	assert.Contains(t, out, "added:     1")
	assert.Contains(t, out, "db.orders  2024-01-01 .. 2024-01-07  (2 batches)")
}

func TestPlanCommandWithoutApply(t *testing.T) {
	api := &fakeAPI{applyType: plan.ApplyTypeVirtual}
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	cfgPath := writeConfig(t, server.URL, "")
	out, err := execute(t, "plan", "--config", cfgPath, "--json")
	require.NoError(t, err)

	assert.Equal(t, []string{"/api/plan"}, api.paths())

	// Close emits transitions after the summary, so find it by event.
	var summary map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		if ev["event"] == "summary" {
			summary = ev
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, "init", summary["state"])
	assert.Equal(t, "apply", summary["action"])
}

func TestPlanCommandWritesAuditJournal(t *testing.T) {
	api := &fakeAPI{applyType: plan.ApplyTypeVirtual}
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	dbPath := filepath.Join(t.TempDir(), "audit.db")
	cfgPath := writeConfig(t, server.URL, "audit:\n  enabled: true\n  store:\n    path: "+dbPath+"\n")

	_, err := execute(t, "plan", "--config", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "history", "--config", cfgPath, "--json")
	require.NoError(t, err)

	var sessions []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "dev", sessions[0]["environment"])
	assert.NotNil(t, sessions[0]["closed_at"])

	out, err = execute(t, "history", "--config", cfgPath, "--session", sessions[0]["id"].(string))
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "succeeded")
}

func TestPlanCommandReportsBackendFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/events" {
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"planner crashed"}`))
	}))
	t.Cleanup(server.Close)

	cfgPath := writeConfig(t, server.URL, "")
	out, err := execute(t, "plan", "--config", cfgPath)
	require.Error(t, err)

	var perr *plan.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, plan.ErrorClassOperational, perr.Class)
	assert.Contains(t, out, "state:     failed")
}

func TestPlanCommandRejectsBadDates(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1", "")
	_, err := execute(t, "plan", "--config", cfgPath, "--start", "2024-02-01", "--end", "2024-01-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is before start")
}

func TestWatchRequiresConfig(t *testing.T) {
	_, err := execute(t, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires --config")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "planctl test")
	assert.Contains(t, out, "abc123")
}

func TestPrinterText(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)

	p.OnTransition(plan.Transition{Kind: plan.TransitionAction, From: "run", To: "running"})
	p.OnOperation(plan.OperationRecord{
		Operation: plan.OperationRun,
		Outcome:   plan.OutcomeFailed,
		Duration:  1234 * time.Microsecond,
		Err:       errors.New("boom"),
	})

	assert.Equal(t, "action run -> running\nrun    failed in 1ms: boom\n", buf.String())
}

func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, true)
	p.OnOperation(plan.OperationRecord{Operation: plan.OperationApply, Outcome: plan.OutcomeSucceeded})

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "operation", got["event"])
	assert.Equal(t, "apply", got["operation"])
	assert.Equal(t, "succeeded", got["outcome"])
	assert.NotContains(t, got, "error")
}
