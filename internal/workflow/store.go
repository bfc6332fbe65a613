package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mediaforge/backend/internal/errs"
)

// Store is the persistence contract the run engine drives.
type Store interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*Workflow, error)
	ListWorkflows(ctx context.Context, accountID int64, limit int) ([]*Workflow, error)

	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRuns(ctx context.Context, accountID int64, limit int) ([]*Run, error)

	// MergeNodeState upserts one node's state at its key inside node_states.
	// Concurrent writers touching different nodes never clobber each other.
	MergeNodeState(ctx context.Context, runID int64, nodeID string, st *NodeState) error
	// MergeVariables upserts the given keys inside runtime_variables.
	MergeVariables(ctx context.Context, runID int64, vars map[string]interface{}) error
	AddEstimatedCost(ctx context.Context, runID int64, delta int64) error
	FinishRun(ctx context.Context, runID int64, status RunStatus, errorNodeID, errorMessage string) error

	// ClaimRunning leases live runs due for reconciliation.
	ClaimRunning(ctx context.Context, batch int, lease time.Duration) ([]*Run, error)
	// ReleaseRun clears the lease so the next sweep can pick the run up again.
	ReleaseRun(ctx context.Context, runID int64) error
}

// PostgresStore stores definitions as jsonb documents and run state as two
// jsonb maps merged per-key with the || operator.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	nodes, err := json.Marshal(w.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edges, err := json.Marshal(w.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	vars, err := json.Marshal(w.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO workflows (account_id, name, version, nodes, edges, variables)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		w.AccountID, w.Name, w.Version, nodes, edges, vars,
	).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, version, nodes, edges, variables, created_at, updated_at
		 FROM workflows WHERE id = $1`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %d: %w", id, errs.ErrNotFound)
	}
	return w, err
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, accountID int64, limit int) ([]*Workflow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, name, version, nodes, edges, variables, created_at, updated_at
		 FROM workflows WHERE account_id = $1 ORDER BY id DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *Run) error {
	starts, err := json.Marshal(r.StartNodeIDs)
	if err != nil {
		return fmt.Errorf("marshal start nodes: %w", err)
	}
	vars, err := json.Marshal(r.RuntimeVariables)
	if err != nil {
		return fmt.Errorf("marshal runtime variables: %w", err)
	}
	states, err := json.Marshal(r.NodeStates)
	if err != nil {
		return fmt.Errorf("marshal node states: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO workflow_runs
		   (account_id, workflow_id, exec_mode, start_node_ids, status,
		    runtime_variables, node_states, total_estimated_cost)
		 VALUES ($1, $2, $3, $4, 'running', $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		r.AccountID, r.WorkflowID, string(r.ExecMode), starts, vars, states, r.TotalEstimatedCost,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	r.Status = RunRunning
	return nil
}

const runColumns = `id, account_id, workflow_id, exec_mode, start_node_ids, status,
	runtime_variables, node_states, total_estimated_cost,
	error_node_id, error_message, created_at, updated_at, completed_at`

func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, errs.ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, accountID int64, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs
		 WHERE account_id = $1 ORDER BY id DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MergeNodeState writes {"<nodeID>": <state>} into node_states with a jsonb
// concatenation, replacing only that key. A skipped write is guarded so it
// never demotes a node that already progressed past pending.
func (s *PostgresStore) MergeNodeState(ctx context.Context, runID int64, nodeID string, st *NodeState) error {
	patch, err := json.Marshal(map[string]*NodeState{nodeID: st})
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}
	query := `UPDATE workflow_runs
	          SET node_states = node_states || $1::jsonb, updated_at = now()
	          WHERE id = $2`
	args := []interface{}{patch, runID}
	if st.Status == NodeSkipped {
		query += ` AND coalesce(node_states->$3->>'status', 'pending') = 'pending'`
		args = append(args, nodeID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("merge node state: %w", err)
	}
	if st.Status != NodeSkipped {
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %d: %w", runID, errs.ErrNotFound)
		}
	}
	return nil
}

func (s *PostgresStore) MergeVariables(ctx context.Context, runID int64, vars map[string]interface{}) error {
	if len(vars) == 0 {
		return nil
	}
	patch, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET runtime_variables = runtime_variables || $1::jsonb, updated_at = now()
		 WHERE id = $2`,
		patch, runID)
	if err != nil {
		return fmt.Errorf("merge variables: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d: %w", runID, errs.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddEstimatedCost(ctx context.Context, runID int64, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET total_estimated_cost = total_estimated_cost + $1, updated_at = now()
		 WHERE id = $2`,
		delta, runID)
	if err != nil {
		return fmt.Errorf("add estimated cost: %w", err)
	}
	return nil
}

// FinishRun is terminal and idempotent: a run already out of running keeps
// its first outcome.
func (s *PostgresStore) FinishRun(ctx context.Context, runID int64, status RunStatus, errorNodeID, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET status = $1, error_node_id = $2, error_message = $3,
		     completed_at = now(), claimed_until = NULL, updated_at = now()
		 WHERE id = $4 AND status = 'running'`,
		string(status), nullStr(errorNodeID), nullStr(errorMessage), runID)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	return nil
}

func (s *PostgresStore) ClaimRunning(ctx context.Context, batch int, lease time.Duration) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE workflow_runs SET claimed_until = now() + $1 * interval '1 second'
		 WHERE id IN (
		   SELECT id FROM workflow_runs
		   WHERE status = 'running' AND (claimed_until IS NULL OR claimed_until <= now())
		   ORDER BY id
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED)
		 RETURNING `+runColumns,
		int64(lease.Seconds()), batch)
	if err != nil {
		return nil, fmt.Errorf("claim runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReleaseRun(ctx context.Context, runID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET claimed_until = NULL WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("release run %d: %w", runID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	w := &Workflow{}
	var nodes, edges, vars []byte
	err := row.Scan(&w.ID, &w.AccountID, &w.Name, &w.Version, &nodes, &edges, &vars,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodes, &w.Nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &w.Edges); err != nil {
		return nil, fmt.Errorf("decode edges: %w", err)
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &w.Variables); err != nil {
			return nil, fmt.Errorf("decode variables: %w", err)
		}
	}
	return w, nil
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var starts, vars, states []byte
	var errNode, errMsg sql.NullString
	err := row.Scan(&r.ID, &r.AccountID, &r.WorkflowID, &r.ExecMode, &starts, &r.Status,
		&vars, &states, &r.TotalEstimatedCost, &errNode, &errMsg,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(starts) > 0 {
		if err := json.Unmarshal(starts, &r.StartNodeIDs); err != nil {
			return nil, fmt.Errorf("decode start nodes: %w", err)
		}
	}
	if err := json.Unmarshal(vars, &r.RuntimeVariables); err != nil {
		return nil, fmt.Errorf("decode runtime variables: %w", err)
	}
	if err := json.Unmarshal(states, &r.NodeStates); err != nil {
		return nil, fmt.Errorf("decode node states: %w", err)
	}
	r.ErrorNodeID = errNode.String
	r.ErrorMessage = errMsg.String
	return r, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
