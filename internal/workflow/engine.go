package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/events"
	"github.com/mediaforge/backend/internal/expr"
	"github.com/mediaforge/backend/internal/monitoring"
	"github.com/mediaforge/backend/internal/task"
)

// Tasks is the slice of the task engine runs drive. *task.Engine satisfies
// it.
type Tasks interface {
	Create(ctx context.Context, accountID int64, typ task.Type, cfg json.RawMessage, inputs []task.InputSpec, estimatedUsage float64) (*task.Task, error)
	Get(ctx context.Context, id int64) (*task.Task, error)
}

// Publisher emits domain events. May be a no-op in tests.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// signal is the outcome of visiting one node during reconciliation.
type signal int

const (
	sigContinue signal = iota // node completed, successors may advance
	sigSuspend                // node is waiting (child task, delay)
	sigFail                   // node failed, the run fails
)

// Engine advances workflow runs. Reconcile is the single entry point: it
// drives every node it can and is safe to call repeatedly; a second call on
// an unchanged run writes nothing.
type Engine struct {
	store   Store
	tasks   Tasks
	bus     Publisher
	metrics *monitoring.Metrics
	log     *slog.Logger
}

// NewEngine wires the run engine. bus and metrics may be nil.
func NewEngine(store Store, tasks Tasks, bus Publisher, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		store:   store,
		tasks:   tasks,
		bus:     bus,
		metrics: metrics,
		log:     slog.With("component", "workflow_engine"),
	}
}

// CreateWorkflow validates and persists a definition.
func (e *Engine) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if err := Validate(w); err != nil {
		return err
	}
	if w.Version <= 0 {
		w.Version = 1
	}
	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return err
	}
	e.log.Info("workflow created", "workflow_id", w.ID, "nodes", len(w.Nodes))
	return nil
}

func (e *Engine) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

func (e *Engine) ListWorkflows(ctx context.Context, accountID int64, limit int) ([]*Workflow, error) {
	return e.store.ListWorkflows(ctx, accountID, limit)
}

func (e *Engine) GetRun(ctx context.Context, id int64) (*Run, error) {
	return e.store.GetRun(ctx, id)
}

func (e *Engine) ListRuns(ctx context.Context, accountID int64, limit int) ([]*Run, error) {
	return e.store.ListRuns(ctx, accountID, limit)
}

// StartRun seeds a run: resolves the execution starts for the mode, marks
// every reachable node pending and persists the row. The scheduler picks it
// up on the next sweep.
func (e *Engine) StartRun(ctx context.Context, accountID, workflowID int64, mode ExecMode, startIDs []string, vars map[string]interface{}) (*Run, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.AccountID != accountID {
		return nil, fmt.Errorf("workflow %d: %w", workflowID, errs.ErrNotFound)
	}
	if mode == "" {
		mode = ExecAll
	}

	g := newGraph(w)
	roots, err := g.executionStarts(mode, startIDs)
	if err != nil {
		return nil, err
	}
	reach := g.reachableFrom(roots, mode)

	states := make(map[string]*NodeState, len(reach))
	for id := range reach {
		states[id] = &NodeState{Status: NodePending}
	}
	if vars == nil {
		vars = make(map[string]interface{})
	}

	r := &Run{
		AccountID:        accountID,
		WorkflowID:       workflowID,
		ExecMode:         mode,
		StartNodeIDs:     roots,
		RuntimeVariables: vars,
		NodeStates:       states,
	}
	if err := e.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	e.publishRun(ctx, r)
	e.log.Info("run started", "run_id", r.ID, "workflow_id", workflowID, "mode", mode, "nodes", len(reach))
	return r, nil
}

// Reconcile drives a run to quiescence: repeatedly visits every reachable
// node and applies whatever transition its gate allows, until a full pass
// changes nothing. Waiting nodes (child tasks in flight, unexpired delays)
// stay suspended and the run is revisited on the next sweep.
func (e *Engine) Reconcile(ctx context.Context, r *Run) error {
	if r.Status != RunRunning {
		return nil
	}
	w, err := e.store.GetWorkflow(ctx, r.WorkflowID)
	if err != nil {
		return err
	}
	g := newGraph(w)
	reach := g.reachableFrom(r.StartNodeIDs, r.ExecMode)

	for {
		progressed := false
		for _, id := range g.nodeIDs() {
			if !reach[id] {
				continue
			}
			changed, err := e.visit(ctx, w, g, r, reach, id)
			if err != nil {
				return err
			}
			if r.Status != RunRunning {
				return nil
			}
			progressed = progressed || changed
		}
		if !progressed {
			break
		}
	}

	for id := range reach {
		if !e.state(r, id).Status.Done() {
			return nil
		}
	}
	return e.finish(ctx, r, RunCompleted, "", "")
}

// visit applies at most one transition to the node and reports whether the
// run state changed.
func (e *Engine) visit(ctx context.Context, w *Workflow, g *graph, r *Run, reach map[string]bool, id string) (bool, error) {
	st := e.state(r, id)
	if st.Status.Done() || st.Status == NodeFailed {
		return false, nil
	}

	if st.Status == NodePending {
		ready, viable := e.gate(g, r, reach, id)
		if !ready {
			return false, nil
		}
		if !viable {
			return true, e.markSkipped(ctx, r, id)
		}
	}

	node := g.node(id)
	sig, out, cause, err := e.execute(ctx, w, r, node, st)
	if err != nil {
		return false, err
	}
	switch sig {
	case sigContinue:
		return true, e.markCompleted(ctx, r, id, out)
	case sigFail:
		if err := e.markFailed(ctx, r, id, cause); err != nil {
			return false, err
		}
		e.log.Warn("node failed, failing run", "run_id", r.ID, "node", describeNode(node), "error", cause)
		return true, e.finish(ctx, r, RunFailed, id, cause)
	default:
		// Suspend. Entering running for the first time is still progress.
		if st.Status == NodePending {
			return true, e.markRunning(ctx, r, id, st)
		}
		return false, nil
	}
}

// gate reports whether a pending node may act. ready means every
// predecessor inside the reachable set reached a terminal-for-ordering
// state; viable means at least one incoming path is live: a completed
// source whose edge condition (if any) holds. Roots are trivially viable.
// A ready, non-viable node is skipped, which is how both false condition
// branches and descendants of skipped nodes propagate.
func (e *Engine) gate(g *graph, r *Run, reach map[string]bool, id string) (ready, viable bool) {
	ectx := e.exprContext(r)
	live := false
	seen := false
	for _, edge := range g.in[id] {
		if !reach[edge.Source] {
			continue
		}
		seen = true
		src := e.state(r, edge.Source)
		if !src.Status.Done() {
			return false, false
		}
		if src.Status != NodeCompleted {
			continue
		}
		if edge.Condition == "" || ectx.Evaluate(edge.Condition) {
			live = true
		}
	}
	if !seen {
		return true, true
	}
	return true, live
}

// execute runs the node's handler. For sigFail the cause string is set.
func (e *Engine) execute(ctx context.Context, w *Workflow, r *Run, node *Node, st *NodeState) (signal, *NodeOutput, string, error) {
	switch node.Type {
	case NodeStart:
		return e.execStart(ctx, w, r)
	case NodeEnd:
		return e.execEnd(ctx, r, node)
	case NodeVariableSet:
		return e.execVariableSet(ctx, r, node)
	case NodeCondition:
		// Branching lives on the outgoing edges.
		return sigContinue, nil, "", nil
	case NodeDelay:
		return e.execDelay(node, st)
	default:
		if node.Type.TaskType() != "" {
			return e.execTask(ctx, r, node, st)
		}
		return sigFail, nil, fmt.Sprintf("unknown node type %q", node.Type), nil
	}
}

// execStart checks declared inputs and fills defaults for absent optional
// variables.
func (e *Engine) execStart(ctx context.Context, w *Workflow, r *Run) (signal, *NodeOutput, string, error) {
	defaults := make(map[string]interface{})
	for name, def := range w.Variables {
		if _, ok := r.RuntimeVariables[name]; ok {
			continue
		}
		if def.DefaultValue != nil {
			defaults[name] = def.DefaultValue
			continue
		}
		if def.Required {
			return sigFail, nil, fmt.Sprintf("missing required variable %q", name), nil
		}
	}
	if len(defaults) > 0 {
		if err := e.setVariables(ctx, r, defaults); err != nil {
			return 0, nil, "", err
		}
	}
	return sigContinue, nil, "", nil
}

// execEnd publishes resolved outputs as run variables.
func (e *Engine) execEnd(ctx context.Context, r *Run, node *Node) (signal, *NodeOutput, string, error) {
	var cfg EndConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return sigFail, nil, fmt.Sprintf("bad end config: %v", err), nil
		}
	}
	ectx := e.exprContext(r)
	outVars := make(map[string]interface{}, len(cfg.Outputs))
	for _, o := range cfg.Outputs {
		outVars[o.Name] = ectx.Resolve(o.Source)
	}
	if err := e.setVariables(ctx, r, outVars); err != nil {
		return 0, nil, "", err
	}
	return sigContinue, &NodeOutput{Variables: outVars}, "", nil
}

func (e *Engine) execVariableSet(ctx context.Context, r *Run, node *Node) (signal, *NodeOutput, string, error) {
	var cfg VariableSetConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return sigFail, nil, fmt.Sprintf("bad variable_set config: %v", err), nil
	}
	ectx := e.exprContext(r)
	vars := make(map[string]interface{}, len(cfg.Assignments))
	for _, a := range cfg.Assignments {
		vars[a.Name] = resolveValue(ectx, a.Value)
	}
	if err := e.setVariables(ctx, r, vars); err != nil {
		return 0, nil, "", err
	}
	return sigContinue, &NodeOutput{Variables: vars}, "", nil
}

// execDelay suspends until the configured duration has elapsed since the
// node entered running.
func (e *Engine) execDelay(node *Node, st *NodeState) (signal, *NodeOutput, string, error) {
	var cfg DelayConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return sigFail, nil, fmt.Sprintf("bad delay config: %v", err), nil
	}
	if st.StartedAt == nil {
		return sigSuspend, nil, "", nil
	}
	if time.Since(*st.StartedAt) >= time.Duration(cfg.DelaySeconds*float64(time.Second)) {
		return sigContinue, nil, "", nil
	}
	return sigSuspend, nil, "", nil
}

// execTask creates the child task on first visit and tracks it to a
// terminal state afterwards.
func (e *Engine) execTask(ctx context.Context, r *Run, node *Node, st *NodeState) (signal, *NodeOutput, string, error) {
	if st.TaskID == nil {
		return e.dispatchTask(ctx, r, node)
	}

	t, err := e.tasks.Get(ctx, *st.TaskID)
	if err != nil {
		// Transient read failure; the next sweep retries.
		e.log.Warn("child task read failed", "run_id", r.ID, "task_id", *st.TaskID, "error", err)
		return sigSuspend, nil, "", nil
	}
	switch t.Status {
	case task.StatusCompleted, task.StatusPartial:
		return sigContinue, taskOutput(t), "", nil
	case task.StatusFailed:
		return sigFail, nil, fmt.Sprintf("task %d failed: %s", t.ID, t.ErrorMessage), nil
	case task.StatusCancelled:
		return sigFail, nil, fmt.Sprintf("task %d was cancelled", t.ID), nil
	default:
		return sigSuspend, nil, "", nil
	}
}

func (e *Engine) dispatchTask(ctx context.Context, r *Run, node *Node) (signal, *NodeOutput, string, error) {
	var cfg TaskNodeConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return sigFail, nil, fmt.Sprintf("bad task node config: %v", err), nil
	}
	ectx := e.exprContext(r)

	resolved := make(map[string]interface{}, len(cfg.Config))
	for k, v := range cfg.Config {
		resolved[k] = resolveValue(ectx, v)
	}
	taskCfg, err := json.Marshal(resolved)
	if err != nil {
		return 0, nil, "", fmt.Errorf("marshal task config: %w", err)
	}

	var inputs []task.InputSpec
	for i, in := range cfg.Inputs {
		url, _ := ectx.Resolve(in.Source).(string)
		if url == "" {
			return sigFail, nil, fmt.Sprintf("input %q resolved to nothing", in.Source), nil
		}
		filename := in.Filename
		if filename == "" {
			filename = fmt.Sprintf("input-%d%s", i, path.Ext(url))
		}
		inputs = append(inputs, task.InputSpec{
			Type:     in.Type,
			URL:      url,
			Filename: filename,
			Mime:     in.Mime,
		})
	}

	t, err := e.tasks.Create(ctx, r.AccountID, node.Type.TaskType(), taskCfg, inputs, 0)
	if err != nil {
		// Creation failures (insufficient balance, bad config) fail the
		// branch; nothing was charged.
		return sigFail, nil, fmt.Sprintf("create task: %v", err), nil
	}
	if err := e.store.AddEstimatedCost(ctx, r.ID, t.EstimatedCost); err != nil {
		return 0, nil, "", err
	}
	r.TotalEstimatedCost += t.EstimatedCost

	now := time.Now()
	st := &NodeState{Status: NodeRunning, TaskID: &t.ID, StartedAt: &now}
	r.NodeStates[node.ID] = st
	if err := e.store.MergeNodeState(ctx, r.ID, node.ID, st); err != nil {
		return 0, nil, "", err
	}
	e.publishNode(ctx, r, node.ID, st)
	e.log.Info("child task dispatched", "run_id", r.ID, "node", node.ID, "task_id", t.ID)
	return sigSuspend, nil, "", nil
}

// taskOutput exposes a finished task to downstream expressions.
func taskOutput(t *task.Task) *NodeOutput {
	out := &NodeOutput{
		Variables: map[string]interface{}{
			"task_id": t.ID,
			"status":  string(t.Status),
		},
	}
	if t.ActualUsage != nil {
		out.Variables["usage"] = *t.ActualUsage
	}
	for _, res := range t.Resources {
		if res.IsInput {
			continue
		}
		out.Resources = append(out.Resources, OutputResource{
			Type:     res.Type,
			URL:      res.URL,
			Metadata: res.Metadata,
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// State writes
// ---------------------------------------------------------------------------

func (e *Engine) state(r *Run, id string) *NodeState {
	if st, ok := r.NodeStates[id]; ok {
		return st
	}
	st := &NodeState{Status: NodePending}
	r.NodeStates[id] = st
	return st
}

func (e *Engine) markRunning(ctx context.Context, r *Run, id string, st *NodeState) error {
	now := time.Now()
	st.Status = NodeRunning
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	if err := e.store.MergeNodeState(ctx, r.ID, id, st); err != nil {
		return err
	}
	e.publishNode(ctx, r, id, st)
	return nil
}

func (e *Engine) markCompleted(ctx context.Context, r *Run, id string, out *NodeOutput) error {
	now := time.Now()
	st := e.state(r, id)
	st.Status = NodeCompleted
	st.Output = out
	st.CompletedAt = &now
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	if err := e.store.MergeNodeState(ctx, r.ID, id, st); err != nil {
		return err
	}
	e.publishNode(ctx, r, id, st)
	return nil
}

func (e *Engine) markSkipped(ctx context.Context, r *Run, id string) error {
	st := e.state(r, id)
	st.Status = NodeSkipped
	if err := e.store.MergeNodeState(ctx, r.ID, id, st); err != nil {
		return err
	}
	e.publishNode(ctx, r, id, st)
	return nil
}

func (e *Engine) markFailed(ctx context.Context, r *Run, id, cause string) error {
	now := time.Now()
	st := e.state(r, id)
	st.Status = NodeFailed
	st.Error = cause
	st.CompletedAt = &now
	if err := e.store.MergeNodeState(ctx, r.ID, id, st); err != nil {
		return err
	}
	e.publishNode(ctx, r, id, st)
	return nil
}

func (e *Engine) setVariables(ctx context.Context, r *Run, vars map[string]interface{}) error {
	if len(vars) == 0 {
		return nil
	}
	if err := e.store.MergeVariables(ctx, r.ID, vars); err != nil {
		return err
	}
	for k, v := range vars {
		r.RuntimeVariables[k] = v
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, r *Run, status RunStatus, errorNodeID, errorMessage string) error {
	if err := e.store.FinishRun(ctx, r.ID, status, errorNodeID, errorMessage); err != nil {
		return err
	}
	now := time.Now()
	r.Status = status
	r.ErrorNodeID = errorNodeID
	r.ErrorMessage = errorMessage
	r.CompletedAt = &now
	if e.metrics != nil {
		e.metrics.RunTransitions.WithLabelValues(string(status)).Inc()
	}
	e.publishRun(ctx, r)
	e.log.Info("run finished", "run_id", r.ID, "status", status)
	return nil
}

// exprContext snapshots the run for expression evaluation. Node outputs are
// exposed as plain JSON maps under "output".
func (e *Engine) exprContext(r *Run) *expr.Context {
	nodes := make(map[string]map[string]interface{}, len(r.NodeStates))
	for id, st := range r.NodeStates {
		if st.Output == nil {
			continue
		}
		raw, err := json.Marshal(st.Output)
		if err != nil {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		nodes[id] = map[string]interface{}{"output": m}
	}
	return &expr.Context{Variables: r.RuntimeVariables, Nodes: nodes}
}

// resolveValue resolves string references; every other JSON type passes
// through unchanged.
func resolveValue(ectx *expr.Context, v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return ectx.Resolve(s)
	}
	return v
}

func (e *Engine) publishRun(ctx context.Context, r *Run) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, events.NewEvent(events.EventRunStatusChanged, r.AccountID, map[string]interface{}{
		"run_id":      r.ID,
		"workflow_id": r.WorkflowID,
		"status":      string(r.Status),
	}))
}

func (e *Engine) publishNode(ctx context.Context, r *Run, nodeID string, st *NodeState) {
	if e.metrics != nil {
		e.metrics.NodeTransitions.WithLabelValues(string(st.Status)).Inc()
	}
	if e.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"run_id":  r.ID,
		"node_id": nodeID,
		"status":  string(st.Status),
	}
	if st.TaskID != nil {
		payload["task_id"] = *st.TaskID
	}
	if st.Error != "" {
		payload["error"] = st.Error
	}
	_ = e.bus.Publish(ctx, events.NewEvent(events.EventRunNodeChanged, r.AccountID, payload))
}
