// Package state implements the durable workflow store on SQLite.
// All writes serialize through a single writer lock; reads run concurrently
// under WAL. State transitions are single-row compare-and-swap updates, so
// no separate lock manager is needed.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

//go:embed migrations/002_add_resource_columns.sql
var migrationV2 string

// SQLiteStore implements core.Store with SQLite storage.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex // writer lock; never held across anything that suspends
}

// New creates a SQLite store at dbPath, applying pending migrations.
func New(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &SQLiteStore{dbPath: dbPath, db: db}

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the store is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies pending migrations in version order. Migrations are
// additive and idempotent; schema_migrations records what has been applied.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0 // table doesn't exist yet
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}

	if version < 2 {
		// Guarded ADD COLUMN: SQLite lacks IF NOT EXISTS for columns.
		addColumns := []struct{ name, ddl string }{
			{"backend_port", "ALTER TABLE workflows ADD COLUMN backend_port INTEGER CHECK (backend_port IS NULL OR (backend_port >= 9100 AND backend_port <= 9199))"},
			{"frontend_port", "ALTER TABLE workflows ADD COLUMN frontend_port INTEGER CHECK (frontend_port IS NULL OR (frontend_port >= 9200 AND frontend_port <= 9299))"},
			{"issue_class", "ALTER TABLE workflows ADD COLUMN issue_class TEXT CHECK (issue_class IS NULL OR issue_class IN ('feature', 'bug', 'test', 'refactor', 'docs', 'chore'))"},
			{"model_set", "ALTER TABLE workflows ADD COLUMN model_set TEXT NOT NULL DEFAULT 'base' CHECK (model_set IN ('base', 'fast', 'powerful'))"},
		}
		for _, col := range addColumns {
			exists, err := s.hasColumn("workflows", col.name)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if _, err := s.db.Exec(col.ddl); err != nil {
				return fmt.Errorf("adding column %s: %w", col.name, err)
			}
		}
		if _, err := s.db.Exec(migrationV2); err != nil {
			return fmt.Errorf("applying migration v2: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) hasColumn(table, column string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspecting %s schema: %w", table, err)
	}
	return n > 0, nil
}

// =============================================================================
// Workflows
// =============================================================================

const workflowColumns = `id, name, kind, state, task_description, created_at, started_at,
	last_activity_at, completed_at, archived_at, issue_ref, branch, base_branch,
	worktree_path, tags, metadata, exit_code, error_message, retry_count,
	cost_usd, total_tokens, phase_count, budget_usd, backend_port, frontend_port,
	issue_class, model_set`

// CreateWorkflow persists a new workflow row.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	tagsJSON, metaJSON, err := marshalWorkflowJSON(w)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID, w.Name, w.Kind, w.State, w.TaskDescription, w.CreatedAt,
		nullableTime(w.StartedAt), w.LastActivityAt, nullableTime(w.CompletedAt),
		nullableTime(w.ArchivedAt), nullableStr(w.IssueRef), nullableStr(w.Branch),
		w.BaseBranch, nullableStr(w.WorktreePath), nullableStr(tagsJSON),
		nullableStr(metaJSON), nullableInt(w.ExitCode), nullableStr(w.ErrorMessage),
		w.RetryCount, w.CostUSD, w.TotalTokens, w.PhaseCount,
		nullableFloat(w.BudgetUSD), nullableInt(w.BackendPort),
		nullableInt(w.FrontendPort), nullableStr(string(w.IssueClass)), w.ModelSet,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return core.ErrState("DUPLICATE_WORKFLOW", fmt.Sprintf("workflow %s already exists", w.ID)).WithCause(err)
		}
		return fmt.Errorf("inserting workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id core.WorkflowID) (*core.Workflow, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("workflow", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	return w, nil
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter core.Filter) ([]*core.Workflow, error) {
	query := "SELECT " + workflowColumns + " FROM workflows"
	var conds []string
	var args []interface{}

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		conds = append(conds, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.IssueRef != "" {
		conds = append(conds, "issue_ref = ?")
		args = append(args, filter.IssueRef)
	}
	if filter.IssueClass != "" {
		conds = append(conds, "issue_class = ?")
		args = append(args, filter.IssueClass)
	}
	if filter.Tag != "" {
		// Tags are a JSON array; match the quoted element.
		conds = append(conds, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []*core.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workflows: %w", err)
	}
	return out, nil
}

// UpdateWorkflow persists mutable columns. The state column is deliberately
// excluded; transitions go through CompareAndSwapState.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, w *core.Workflow) error {
	tagsJSON, metaJSON, err := marshalWorkflowJSON(w)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			name = ?, started_at = ?, last_activity_at = ?, completed_at = ?,
			issue_ref = ?, branch = ?, base_branch = ?, worktree_path = ?,
			tags = ?, metadata = ?, exit_code = ?, error_message = ?,
			retry_count = ?, cost_usd = ?, total_tokens = ?, phase_count = ?,
			budget_usd = ?, backend_port = ?, frontend_port = ?, issue_class = ?,
			model_set = ?
		WHERE id = ?
	`,
		w.Name, nullableTime(w.StartedAt), w.LastActivityAt, nullableTime(w.CompletedAt),
		nullableStr(w.IssueRef), nullableStr(w.Branch), w.BaseBranch,
		nullableStr(w.WorktreePath), nullableStr(tagsJSON), nullableStr(metaJSON),
		nullableInt(w.ExitCode), nullableStr(w.ErrorMessage), w.RetryCount,
		w.CostUSD, w.TotalTokens, w.PhaseCount, nullableFloat(w.BudgetUSD),
		nullableInt(w.BackendPort), nullableInt(w.FrontendPort),
		nullableStr(string(w.IssueClass)), w.ModelSet, w.ID,
	)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound("workflow", string(w.ID))
	}
	return nil
}

// CompareAndSwapState atomically transitions a workflow from -> to. The
// mutate callback adjusts the in-memory row before it is written; the update
// is guarded by the current state so concurrent transitions cannot race.
func (s *SQLiteStore) CompareAndSwapState(ctx context.Context, id core.WorkflowID, from, to core.WorkflowState, mutate func(*core.Workflow)) (*core.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("workflow", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if w.State != from {
		return nil, core.ErrState("STATE_CONFLICT",
			fmt.Sprintf("workflow %s is %s, expected %s", id, w.State, from))
	}

	w.State = to
	w.LastActivityAt = time.Now().UTC()
	if mutate != nil {
		mutate(w)
	}

	tagsJSON, metaJSON, err := marshalWorkflowJSON(w)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET
			state = ?, started_at = ?, last_activity_at = ?, completed_at = ?,
			archived_at = ?, branch = ?, worktree_path = ?, tags = ?, metadata = ?,
			exit_code = ?, error_message = ?, retry_count = ?, cost_usd = ?,
			total_tokens = ?, phase_count = ?, backend_port = ?, frontend_port = ?
		WHERE id = ? AND state = ?
	`,
		w.State, nullableTime(w.StartedAt), w.LastActivityAt, nullableTime(w.CompletedAt),
		nullableTime(w.ArchivedAt), nullableStr(w.Branch), nullableStr(w.WorktreePath),
		nullableStr(tagsJSON), nullableStr(metaJSON), nullableInt(w.ExitCode),
		nullableStr(w.ErrorMessage), w.RetryCount, w.CostUSD, w.TotalTokens,
		w.PhaseCount, nullableInt(w.BackendPort), nullableInt(w.FrontendPort),
		id, from,
	)
	if err != nil {
		return nil, fmt.Errorf("swapping workflow state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking swap: %w", err)
	}
	if n != 1 {
		return nil, core.ErrState("STATE_CONFLICT",
			fmt.Sprintf("workflow %s changed concurrently", id))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return w, nil
}

// ArchiveWorkflow marks a terminal workflow archived and deletes its phases
// and events. Calling it on an already archived workflow is a no-op.
func (s *SQLiteStore) ArchiveWorkflow(ctx context.Context, id core.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state core.WorkflowState
	err = tx.QueryRowContext(ctx, "SELECT state FROM workflows WHERE id = ?", id).Scan(&state)
	if err == sql.ErrNoRows {
		return core.ErrNotFound("workflow", string(id))
	}
	if err != nil {
		return fmt.Errorf("loading workflow state: %w", err)
	}
	if state == core.WorkflowStateArchived {
		return nil
	}
	if !core.IsTerminalState(state) {
		return core.ErrInvalidTransition(state, core.WorkflowStateArchived)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE workflows SET state = ?, archived_at = ?, last_activity_at = ? WHERE id = ?",
		core.WorkflowStateArchived, now, now, id); err != nil {
		return fmt.Errorf("archiving workflow: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM phases WHERE workflow_id = ?", id); err != nil {
		return fmt.Errorf("deleting archived phases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE workflow_id = ?", id); err != nil {
		return fmt.Errorf("deleting archived events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// =============================================================================
// Phases
// =============================================================================

const phaseColumns = `workflow_id, name, attempt, phase_index, state, started_at,
	completed_at, duration_seconds, exit_code, error_message, max_attempts,
	llm_requests, tokens_in, tokens_out, cost_usd`

// CreatePhase inserts a phase attempt row.
func (s *SQLiteStore) CreatePhase(ctx context.Context, p *core.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phases (`+phaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.WorkflowID, p.Name, p.Attempt, p.Index, p.State,
		nullableTime(p.StartedAt), nullableTime(p.CompletedAt),
		nullableFloat(p.DurationSeconds), nullableInt(p.ExitCode),
		nullableStr(p.ErrorMessage), p.MaxAttempts,
		p.LLMRequests, p.TokensIn, p.TokensOut, p.CostUSD,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return core.ErrState("DUPLICATE_PHASE",
				fmt.Sprintf("phase %s attempt %d already exists for workflow %s", p.Name, p.Attempt, p.WorkflowID)).WithCause(err)
		}
		return fmt.Errorf("inserting phase: %w", err)
	}
	return nil
}

// UpdatePhase persists a phase attempt row.
func (s *SQLiteStore) UpdatePhase(ctx context.Context, p *core.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE phases SET
			state = ?, started_at = ?, completed_at = ?, duration_seconds = ?,
			exit_code = ?, error_message = ?, llm_requests = ?, tokens_in = ?,
			tokens_out = ?, cost_usd = ?
		WHERE workflow_id = ? AND name = ? AND attempt = ?
	`,
		p.State, nullableTime(p.StartedAt), nullableTime(p.CompletedAt),
		nullableFloat(p.DurationSeconds), nullableInt(p.ExitCode),
		nullableStr(p.ErrorMessage), p.LLMRequests, p.TokensIn, p.TokensOut,
		p.CostUSD, p.WorkflowID, p.Name, p.Attempt,
	)
	if err != nil {
		return fmt.Errorf("updating phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking phase update: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound("phase", fmt.Sprintf("%s/%s#%d", p.WorkflowID, p.Name, p.Attempt))
	}
	return nil
}

// ListPhases returns all phase attempts for a workflow in plan order.
func (s *SQLiteStore) ListPhases(ctx context.Context, id core.WorkflowID) ([]*core.Phase, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+phaseColumns+" FROM phases WHERE workflow_id = ? ORDER BY phase_index, attempt", id)
	if err != nil {
		return nil, fmt.Errorf("listing phases: %w", err)
	}
	defer rows.Close()

	var out []*core.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning phase: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating phases: %w", err)
	}
	return out, nil
}

// =============================================================================
// Events
// =============================================================================

// AppendEvent appends an audit record and returns its sequence number.
func (s *SQLiteStore) AppendEvent(ctx context.Context, rec *core.EventRecord) (int64, error) {
	var metaJSON []byte
	if len(rec.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshaling event metadata: %w", err)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	severity := rec.Severity
	if severity == "" {
		severity = core.SeverityInfo
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (workflow_id, event_type, severity, phase_name,
			from_state, to_state, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.WorkflowID, rec.EventType, severity, nullableStr(string(rec.PhaseName)),
		nullableStr(string(rec.FromState)), nullableStr(string(rec.ToState)),
		nullableStr(rec.Message), nullableStr(string(metaJSON)), rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event seq: %w", err)
	}
	rec.Seq = seq
	return seq, nil
}

// ListEvents returns events for a workflow with seq > sinceSeq.
func (s *SQLiteStore) ListEvents(ctx context.Context, id core.WorkflowID, sinceSeq int64) ([]*core.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, workflow_id, event_type, severity, phase_name, from_state,
		       to_state, message, metadata, created_at
		FROM events WHERE workflow_id = ? AND seq > ? ORDER BY seq
	`, id, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []*core.EventRecord
	for rows.Next() {
		var rec core.EventRecord
		var phaseName, fromState, toState, message, metaJSON sql.NullString
		if err := rows.Scan(&rec.Seq, &rec.WorkflowID, &rec.EventType, &rec.Severity,
			&phaseName, &fromState, &toState, &message, &metaJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		rec.PhaseName = core.PhaseName(phaseName.String)
		rec.FromState = core.WorkflowState(fromState.String)
		rec.ToState = core.WorkflowState(toState.String)
		rec.Message = message.String
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling event metadata: %w", err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// =============================================================================
// Aggregates
// =============================================================================

// Aggregates computes daily rollups per (date, kind). The canonical cost
// column is cost_usd; there is no total_cost alias.
func (s *SQLiteStore) Aggregates(ctx context.Context, since time.Time) ([]*core.MetricsAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(created_at) AS day, kind,
		       COUNT(*) AS count,
		       SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END) AS completed,
		       SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END) AS failed,
		       SUM(CASE WHEN state = 'cancelled' THEN 1 ELSE 0 END) AS cancelled,
		       COALESCE(AVG(CASE WHEN completed_at IS NOT NULL AND started_at IS NOT NULL
		                    THEN (julianday(completed_at) - julianday(started_at)) * 86400.0 END), 0) AS avg_duration,
		       COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
		       COALESCE(SUM(total_tokens), 0) AS total_tokens
		FROM workflows
		WHERE created_at >= ?
		GROUP BY day, kind
		ORDER BY day DESC, kind
	`, since)
	if err != nil {
		return nil, fmt.Errorf("aggregating workflows: %w", err)
	}
	defer rows.Close()

	var out []*core.MetricsAggregate
	for rows.Next() {
		var agg core.MetricsAggregate
		if err := rows.Scan(&agg.Date, &agg.Kind, &agg.Count, &agg.Completed,
			&agg.Failed, &agg.Cancelled, &agg.AvgDurationSecs,
			&agg.TotalCostUSD, &agg.TotalTokens); err != nil {
			return nil, fmt.Errorf("scanning aggregate: %w", err)
		}
		if agg.Count > 0 {
			agg.SuccessRate = float64(agg.Completed) / float64(agg.Count)
		}
		out = append(out, &agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aggregates: %w", err)
	}
	return out, nil
}

// =============================================================================
// Scan and null helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*core.Workflow, error) {
	var w core.Workflow
	var startedAt, completedAt, archivedAt sql.NullTime
	var issueRef, branch, worktreePath, tagsJSON, metaJSON sql.NullString
	var errorMessage, issueClass sql.NullString
	var exitCode, backendPort, frontendPort sql.NullInt64
	var budgetUSD sql.NullFloat64

	err := row.Scan(
		&w.ID, &w.Name, &w.Kind, &w.State, &w.TaskDescription, &w.CreatedAt,
		&startedAt, &w.LastActivityAt, &completedAt, &archivedAt, &issueRef,
		&branch, &w.BaseBranch, &worktreePath, &tagsJSON, &metaJSON, &exitCode,
		&errorMessage, &w.RetryCount, &w.CostUSD, &w.TotalTokens, &w.PhaseCount,
		&budgetUSD, &backendPort, &frontendPort, &issueClass, &w.ModelSet,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		w.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	if archivedAt.Valid {
		w.ArchivedAt = &archivedAt.Time
	}
	w.IssueRef = issueRef.String
	w.Branch = branch.String
	w.WorktreePath = worktreePath.String
	w.ErrorMessage = errorMessage.String
	w.IssueClass = core.IssueClass(issueClass.String)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		w.ExitCode = &v
	}
	if backendPort.Valid {
		v := int(backendPort.Int64)
		w.BackendPort = &v
	}
	if frontendPort.Valid {
		v := int(frontendPort.Int64)
		w.FrontendPort = &v
	}
	if budgetUSD.Valid {
		v := budgetUSD.Float64
		w.BudgetUSD = &v
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &w.Tags); err != nil {
			return nil, fmt.Errorf("unmarshaling tags: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &w.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &w, nil
}

func scanPhase(row rowScanner) (*core.Phase, error) {
	var p core.Phase
	var startedAt, completedAt sql.NullTime
	var durationSecs sql.NullFloat64
	var exitCode sql.NullInt64
	var errorMessage sql.NullString

	err := row.Scan(
		&p.WorkflowID, &p.Name, &p.Attempt, &p.Index, &p.State, &startedAt,
		&completedAt, &durationSecs, &exitCode, &errorMessage, &p.MaxAttempts,
		&p.LLMRequests, &p.TokensIn, &p.TokensOut, &p.CostUSD,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if durationSecs.Valid {
		v := durationSecs.Float64
		p.DurationSeconds = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		p.ExitCode = &v
	}
	p.ErrorMessage = errorMessage.String
	return &p, nil
}

func marshalWorkflowJSON(w *core.Workflow) (tags, meta string, err error) {
	if len(w.Tags) > 0 {
		b, err := json.Marshal(w.Tags)
		if err != nil {
			return "", "", fmt.Errorf("marshaling tags: %w", err)
		}
		tags = string(b)
	}
	if len(w.Metadata) > 0 {
		b, err := json.Marshal(w.Metadata)
		if err != nil {
			return "", "", fmt.Errorf("marshaling metadata: %w", err)
		}
		meta = string(b)
	}
	return tags, meta, nil
}

func nullableStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Verify that SQLiteStore implements core.Store.
var _ core.Store = (*SQLiteStore)(nil)
