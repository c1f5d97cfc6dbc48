package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/diagnostics"
)

// =============================================================================
// DTOs
// =============================================================================

type workflowBody struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Kind            string            `json:"kind"`
	State           string            `json:"state"`
	TaskDescription string            `json:"task_description"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	LastActivityAt  time.Time         `json:"last_activity_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	ArchivedAt      *time.Time        `json:"archived_at,omitempty"`
	IssueRef        string            `json:"issue_ref,omitempty"`
	IssueClass      string            `json:"issue_class,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	BaseBranch      string            `json:"base_branch"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ExitCode        *int              `json:"exit_code,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	RetryCount      int               `json:"retry_count"`
	CostUSD         float64           `json:"cost_usd"`
	TotalTokens     int               `json:"total_tokens"`
	PhaseCount      int               `json:"phase_count"`
	BudgetUSD       *float64          `json:"budget_usd,omitempty"`
	BackendPort     *int              `json:"backend_port,omitempty"`
	FrontendPort    *int              `json:"frontend_port,omitempty"`
	ModelSet        string            `json:"model_set"`
}

func toWorkflowBody(w *core.Workflow) workflowBody {
	return workflowBody{
		ID:              string(w.ID),
		Name:            w.Name,
		Kind:            string(w.Kind),
		State:           string(w.State),
		TaskDescription: w.TaskDescription,
		CreatedAt:       w.CreatedAt,
		StartedAt:       w.StartedAt,
		LastActivityAt:  w.LastActivityAt,
		CompletedAt:     w.CompletedAt,
		ArchivedAt:      w.ArchivedAt,
		IssueRef:        w.IssueRef,
		IssueClass:      string(w.IssueClass),
		Branch:          w.Branch,
		BaseBranch:      w.BaseBranch,
		Tags:            w.Tags,
		Metadata:        w.Metadata,
		ExitCode:        w.ExitCode,
		ErrorMessage:    w.ErrorMessage,
		RetryCount:      w.RetryCount,
		CostUSD:         w.CostUSD,
		TotalTokens:     w.TotalTokens,
		PhaseCount:      w.PhaseCount,
		BudgetUSD:       w.BudgetUSD,
		BackendPort:     w.BackendPort,
		FrontendPort:    w.FrontendPort,
		ModelSet:        string(w.ModelSet),
	}
}

type eventBody struct {
	Seq        int64             `json:"seq"`
	WorkflowID string            `json:"workflow_id"`
	EventType  string            `json:"event_type"`
	Severity   string            `json:"severity"`
	PhaseName  string            `json:"phase_name,omitempty"`
	FromState  string            `json:"from_state,omitempty"`
	ToState    string            `json:"to_state,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// =============================================================================
// Workflow handlers
// =============================================================================

type createRequest struct {
	Name            string            `json:"name"`
	Kind            string            `json:"kind"`
	TaskDescription string            `json:"task_description"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IssueRef        string            `json:"issue_ref,omitempty"`
	IssueClass      string            `json:"issue_class,omitempty"`
	BaseBranch      string            `json:"base_branch,omitempty"`
	ModelSet        string            `json:"model_set,omitempty"`
	BudgetUSD       *float64          `json:"budget_usd,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.ErrValidation("INVALID_JSON", "request body is not valid JSON"))
		return
	}

	id, err := s.engine.Create(r.Context(), core.Spec{
		Name:            req.Name,
		Kind:            core.WorkflowKind(req.Kind),
		TaskDescription: req.TaskDescription,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
		IssueRef:        req.IssueRef,
		IssueClass:      core.IssueClass(req.IssueClass),
		BaseBranch:      req.BaseBranch,
		ModelSet:        core.ModelSet(req.ModelSet),
		BudgetUSD:       req.BudgetUSD,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(id)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "id"))
	wf, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowBody(wf))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.Filter{
		IssueRef:   q.Get("issue_ref"),
		IssueClass: core.IssueClass(q.Get("issue_class")),
		Tag:        q.Get("tag"),
	}
	for _, st := range splitParam(q.Get("state")) {
		filter.States = append(filter.States, core.WorkflowState(st))
	}
	for _, k := range splitParam(q.Get("kind")) {
		filter.Kinds = append(filter.Kinds, core.WorkflowKind(k))
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, core.ErrValidation("INVALID_LIMIT", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	workflows, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]workflowBody, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, toWorkflowBody(wf))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": out})
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "id"))
	if err := s.engine.Start(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id), "state": "running"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "id"))
	if err := s.engine.Pause(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id)})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "id"))
	if err := s.engine.Resume(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id), "state": "running"})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "id"))
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, core.ErrValidation("INVALID_JSON", "request body is not valid JSON"))
			return
		}
	}
	if err := s.engine.Cancel(r.Context(), id, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id)})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "id"))
	if err := s.engine.Archive(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id), "state": "archived"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "id"))
	var sinceSeq int64
	if since := r.URL.Query().Get("since_seq"); since != "" {
		n, err := strconv.ParseInt(since, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, core.ErrValidation("INVALID_SINCE_SEQ", "since_seq must be a non-negative integer"))
			return
		}
		sinceSeq = n
	}

	// Distinguish "no events" from "no workflow".
	if _, err := s.engine.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	recs, err := s.engine.Events(r.Context(), id, sinceSeq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]eventBody, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventBody{
			Seq:        rec.Seq,
			WorkflowID: string(rec.WorkflowID),
			EventType:  rec.EventType,
			Severity:   string(rec.Severity),
			PhaseName:  string(rec.PhaseName),
			FromState:  string(rec.FromState),
			ToState:    string(rec.ToState),
			Message:    rec.Message,
			Metadata:   rec.Metadata,
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// =============================================================================
// Health and metrics
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"state":    "healthy",
		"events":   "healthy",
		"registry": "healthy",
	}
	overall := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		components["state"] = "unhealthy"
		overall = http.StatusServiceUnavailable
	}
	if s.registry.Len() == 0 {
		components["registry"] = "degraded"
	}

	writeJSON(w, overall, map[string]interface{}{"components": components})
}

type aggregateBody struct {
	Date            string  `json:"date"`
	Kind            string  `json:"kind"`
	Count           int     `json:"count"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Cancelled       int     `json:"cancelled"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationSecs float64 `json:"avg_duration_seconds"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	TotalTokens     int     `json:"total_tokens"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().AddDate(0, 0, -30)
	if days := r.URL.Query().Get("days"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			s.writeError(w, core.ErrValidation("INVALID_DAYS", "days must be a positive integer"))
			return
		}
		since = time.Now().UTC().AddDate(0, 0, -n)
	}

	aggs, err := s.store.Aggregates(r.Context(), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]aggregateBody, 0, len(aggs))
	for _, a := range aggs {
		out = append(out, aggregateBody{
			Date:            a.Date,
			Kind:            string(a.Kind),
			Count:           a.Count,
			Completed:       a.Completed,
			Failed:          a.Failed,
			Cancelled:       a.Cancelled,
			SuccessRate:     a.SuccessRate,
			AvgDurationSecs: a.AvgDurationSecs,
			TotalCostUSD:    a.TotalCostUSD,
			TotalTokens:     a.TotalTokens,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aggregates": out,
		"process":    diagnostics.Collect(),
	})
}
