package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/devflow/internal/consensus"
	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/cost"
	"github.com/hugo-lorenzo-mato/devflow/internal/engine"
	"github.com/hugo-lorenzo-mato/devflow/internal/events"
	"github.com/hugo-lorenzo-mato/devflow/internal/logging"
	"github.com/hugo-lorenzo-mato/devflow/internal/provider"
	"github.com/hugo-lorenzo-mato/devflow/internal/resources"
	"github.com/hugo-lorenzo-mato/devflow/internal/router"
	"github.com/hugo-lorenzo-mato/devflow/internal/state"
	"github.com/hugo-lorenzo-mato/devflow/internal/testutil"
)

type apiHarness struct {
	store   *state.SQLiteStore
	handler http.Handler
}

func newTestServer(t *testing.T, withProvider bool) *apiHarness {
	t.Helper()

	store, err := state.New(filepath.Join(t.TempDir(), "devflow.db"))
	require.NoError(t, err)

	bus := events.NewBus()
	registry := provider.NewRegistry()

	if withProvider {
		registry.Register(testutil.NewMockProvider("mock"))
	}

	rt, err := router.New(nil, router.Decision{Provider: "mock", Model: "mock-model"})
	require.NoError(t, err)
	ce, err := consensus.NewEngine(registry, nil)
	require.NoError(t, err)

	eng := engine.New(store, bus, registry, rt, ce, cost.NewTracker(), resources.NewAllocator(), logging.NewNop(), engine.Options{})
	srv := NewServer(eng, store, registry, bus, logging.NewNop(), Options{Addr: "127.0.0.1:0"})

	t.Cleanup(func() {
		eng.Close()
		bus.Close()
		store.Close()
	})
	return &apiHarness{store: store, handler: srv.Handler()}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) doRaw(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func (h *apiHarness) createWorkflow(t *testing.T, name, kind string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/workflows", map[string]interface{}{
		"name":             name,
		"kind":             kind,
		"task_description": "add a login endpoint",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created["id"])
	return created["id"]
}

// waitForState polls the GET endpoint until the workflow reaches the wanted
// state. The engine runs workflows on its own goroutines.
func (h *apiHarness) waitForState(t *testing.T, id, want string) workflowBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var wf workflowBody
	for time.Now().Before(deadline) {
		rec := h.do(t, http.MethodGet, "/workflows/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeBody(t, rec, &wf)
		if wf.State == want {
			return wf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached %s (currently %s)", id, want, wf.State)
	return wf
}

func TestCreateAndGet(t *testing.T) {
	h := newTestServer(t, true)

	rec := h.do(t, http.MethodPost, "/workflows", map[string]interface{}{
		"name":             "api-create",
		"kind":             "standard",
		"task_description": "wire up the login endpoint",
		"tags":             []string{"backend", "auth"},
		"issue_ref":        "GH-42",
		"budget_usd":       1.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	decodeBody(t, rec, &created)
	id := created["id"]
	require.NotEmpty(t, id)

	rec = h.do(t, http.MethodGet, "/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wf workflowBody
	decodeBody(t, rec, &wf)
	assert.Equal(t, id, wf.ID)
	assert.Equal(t, "api-create", wf.Name)
	assert.Equal(t, "standard", wf.Kind)
	assert.Equal(t, "created", wf.State)
	assert.Equal(t, []string{"backend", "auth"}, wf.Tags)
	assert.Equal(t, "GH-42", wf.IssueRef)
	require.NotNil(t, wf.BudgetUSD)
	assert.Equal(t, 1.5, *wf.BudgetUSD)
}

func TestCreate_InvalidJSON(t *testing.T) {
	h := newTestServer(t, true)

	rec := h.doRaw(t, http.MethodPost, "/workflows", `{"name":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, string(core.ErrCatValidation), body.Category)
	assert.Equal(t, "INVALID_JSON", body.Code)
}

func TestCreate_InvalidSpec(t *testing.T) {
	h := newTestServer(t, true)

	// Empty name and kind fail spec validation.
	rec := h.do(t, http.MethodPost, "/workflows", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, string(core.ErrCatValidation), body.Category)
}

func TestGet_NotFound(t *testing.T) {
	h := newTestServer(t, true)

	rec := h.do(t, http.MethodGet, "/workflows/wf-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, string(core.ErrCatNotFound), body.Category)
}

func TestList_Filters(t *testing.T) {
	h := newTestServer(t, true)

	h.createWorkflow(t, "list-std", "standard")
	h.createWorkflow(t, "list-tdd", "tdd")
	h.createWorkflow(t, "list-tdd-2", "tdd")

	type listBody struct {
		Workflows []workflowBody `json:"workflows"`
	}

	rec := h.do(t, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all listBody
	decodeBody(t, rec, &all)
	assert.Len(t, all.Workflows, 3)

	rec = h.do(t, http.MethodGet, "/workflows?kind=tdd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tdd listBody
	decodeBody(t, rec, &tdd)
	assert.Len(t, tdd.Workflows, 2)

	rec = h.do(t, http.MethodGet, "/workflows?kind=tdd&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var limited listBody
	decodeBody(t, rec, &limited)
	assert.Len(t, limited.Workflows, 1)

	rec = h.do(t, http.MethodGet, "/workflows?state=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var none listBody
	decodeBody(t, rec, &none)
	assert.Empty(t, none.Workflows)

	rec = h.do(t, http.MethodGet, "/workflows?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "INVALID_LIMIT", body.Code)
}

func TestLifecycle_StartToArchive(t *testing.T) {
	h := newTestServer(t, true)
	id := h.createWorkflow(t, "api-lifecycle", "standard")

	rec := h.do(t, http.MethodPost, "/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started map[string]string
	decodeBody(t, rec, &started)
	assert.Equal(t, "running", started["state"])

	wf := h.waitForState(t, id, "completed")
	require.NotNil(t, wf.ExitCode)
	assert.Equal(t, 0, *wf.ExitCode)
	assert.Equal(t, 4, wf.PhaseCount)
	assert.InDelta(t, 0.0012, wf.CostUSD, 1e-9)

	// Starting a finished workflow conflicts.
	rec = h.do(t, http.MethodPost, "/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/workflows/"+id+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var archived map[string]string
	decodeBody(t, rec, &archived)
	assert.Equal(t, "archived", archived["state"])

	wf = h.waitForState(t, id, "archived")
	assert.NotNil(t, wf.ArchivedAt)
}

func TestLifecycle_TransitionConflicts(t *testing.T) {
	h := newTestServer(t, true)
	id := h.createWorkflow(t, "api-conflicts", "standard")

	// None of these apply to a freshly created workflow.
	for _, action := range []string{"pause", "resume", "cancel", "archive"} {
		rec := h.do(t, http.MethodPost, "/workflows/"+id+"/"+action, nil)
		require.Equal(t, http.StatusConflict, rec.Code, "action %s", action)
		var body errorBody
		decodeBody(t, rec, &body)
		assert.NotEmpty(t, body.Category, "action %s", action)
	}
}

func TestStart_NotFound(t *testing.T) {
	h := newTestServer(t, true)

	rec := h.do(t, http.MethodPost, "/workflows/wf-missing/start", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents(t *testing.T) {
	h := newTestServer(t, true)
	id := h.createWorkflow(t, "api-events", "standard")

	rec := h.do(t, http.MethodPost, "/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.waitForState(t, id, "completed")

	type eventsResp struct {
		Events []eventBody `json:"events"`
	}

	// The terminal state change event lands shortly after the state row.
	var all eventsResp
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = h.do(t, http.MethodGet, "/workflows/"+id+"/events", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		all = eventsResp{}
		decodeBody(t, rec, &all)
		if len(all.Events) >= 11 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, len(all.Events), 11)
	assert.Equal(t, events.TypeWorkflowCreated, all.Events[0].EventType)
	assert.Equal(t, id, all.Events[0].WorkflowID)

	// since_seq returns the strict tail.
	cutoff := all.Events[len(all.Events)-2].Seq
	rec = h.do(t, http.MethodGet, fmt.Sprintf("/workflows/%s/events?since_seq=%d", id, cutoff), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tail eventsResp
	decodeBody(t, rec, &tail)
	require.Len(t, tail.Events, 1)
	assert.Greater(t, tail.Events[0].Seq, cutoff)

	rec = h.do(t, http.MethodGet, "/workflows/"+id+"/events?since_seq=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/workflows/wf-missing/events", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, true)

	type healthResp struct {
		Components map[string]string `json:"components"`
	}

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResp
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body.Components["state"])
	assert.Equal(t, "healthy", body.Components["registry"])

	// A store failure turns the endpoint unavailable.
	require.NoError(t, h.store.Close())
	rec = h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = healthResp{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "unhealthy", body.Components["state"])
}

func TestHealth_EmptyRegistryDegraded(t *testing.T) {
	h := newTestServer(t, false)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Components map[string]string `json:"components"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "degraded", body.Components["registry"])
}

func TestMetrics(t *testing.T) {
	h := newTestServer(t, true)
	id := h.createWorkflow(t, "api-metrics", "standard")

	rec := h.do(t, http.MethodPost, "/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.waitForState(t, id, "completed")

	type metricsResp struct {
		Aggregates []aggregateBody        `json:"aggregates"`
		Process    map[string]interface{} `json:"process"`
	}

	rec = h.do(t, http.MethodGet, "/metrics?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body metricsResp
	decodeBody(t, rec, &body)
	require.Len(t, body.Aggregates, 1)
	agg := body.Aggregates[0]
	assert.Equal(t, "standard", agg.Kind)
	assert.Equal(t, 1, agg.Count)
	assert.Equal(t, 1, agg.Completed)
	assert.Equal(t, 1.0, agg.SuccessRate)
	assert.InDelta(t, 0.0012, agg.TotalCostUSD, 1e-9)
	assert.NotEmpty(t, body.Process)

	for _, bad := range []string{"0", "-3", "abc"} {
		rec = h.do(t, http.MethodGet, "/metrics?days="+bad, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "days=%s", bad)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		cat  core.ErrorCategory
		want int
	}{
		{core.ErrCatValidation, http.StatusBadRequest},
		{core.ErrCatNotFound, http.StatusNotFound},
		{core.ErrCatTransition, http.StatusConflict},
		{core.ErrCatState, http.StatusConflict},
		{core.ErrCatCancelled, http.StatusConflict},
		{core.ErrCatAuth, http.StatusUnauthorized},
		{core.ErrCatRateLimit, http.StatusTooManyRequests},
		{core.ErrCatResource, http.StatusTooManyRequests},
		{core.ErrCatTimeout, http.StatusGatewayTimeout},
		{core.ErrCatProvider, http.StatusBadGateway},
		{core.ErrCatConsensus, http.StatusBadGateway},
		{core.ErrCatBudget, http.StatusUnprocessableEntity},
		{core.ErrCatExecution, http.StatusUnprocessableEntity},
		{core.ErrCatInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.cat), "category %s", tc.cat)
	}
}
