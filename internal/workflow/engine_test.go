package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/task"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRunStore struct {
	workflows map[int64]*Workflow
	runs      map[int64]*Run
	nextID    int64
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		workflows: make(map[int64]*Workflow),
		runs:      make(map[int64]*Run),
	}
}

func (s *fakeRunStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	s.nextID++
	w.ID = s.nextID
	s.workflows[w.ID] = w
	return nil
}

func (s *fakeRunStore) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	w, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %d: %w", id, errs.ErrNotFound)
	}
	return w, nil
}

func (s *fakeRunStore) ListWorkflows(ctx context.Context, accountID int64, limit int) ([]*Workflow, error) {
	var out []*Workflow
	for _, w := range s.workflows {
		if w.AccountID == accountID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *fakeRunStore) CreateRun(ctx context.Context, r *Run) error {
	s.nextID++
	r.ID = s.nextID
	r.Status = RunRunning
	s.runs[r.ID] = r
	return nil
}

func (s *fakeRunStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", id, errs.ErrNotFound)
	}
	return r, nil
}

func (s *fakeRunStore) ListRuns(ctx context.Context, accountID int64, limit int) ([]*Run, error) {
	var out []*Run
	for _, r := range s.runs {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeRunStore) MergeNodeState(ctx context.Context, runID int64, nodeID string, st *NodeState) error {
	r := s.runs[runID]
	if st.Status == NodeSkipped {
		if prev, ok := r.NodeStates[nodeID]; ok && prev.Status != NodePending {
			return nil
		}
	}
	cp := *st
	r.NodeStates[nodeID] = &cp
	return nil
}

func (s *fakeRunStore) MergeVariables(ctx context.Context, runID int64, vars map[string]interface{}) error {
	r := s.runs[runID]
	for k, v := range vars {
		r.RuntimeVariables[k] = v
	}
	return nil
}

func (s *fakeRunStore) AddEstimatedCost(ctx context.Context, runID int64, delta int64) error {
	return nil
}

func (s *fakeRunStore) FinishRun(ctx context.Context, runID int64, status RunStatus, errorNodeID, errorMessage string) error {
	r := s.runs[runID]
	if r.Status != RunRunning {
		return nil
	}
	r.Status = status
	r.ErrorNodeID = errorNodeID
	r.ErrorMessage = errorMessage
	return nil
}

func (s *fakeRunStore) ClaimRunning(ctx context.Context, batch int, lease time.Duration) ([]*Run, error) {
	var out []*Run
	for _, r := range s.runs {
		if r.Status == RunRunning {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeRunStore) ReleaseRun(ctx context.Context, runID int64) error { return nil }

type fakeTasks struct {
	nextID  int64
	tasks   map[int64]*task.Task
	created []*task.Task
	failErr error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[int64]*task.Task)}
}

func (f *fakeTasks) Create(ctx context.Context, accountID int64, typ task.Type, cfg json.RawMessage, inputs []task.InputSpec, estimatedUsage float64) (*task.Task, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.nextID++
	t := &task.Task{
		ID:            f.nextID,
		AccountID:     accountID,
		Type:          typ,
		Status:        task.StatusPending,
		Config:        cfg,
		EstimatedCost: 100,
	}
	for _, in := range inputs {
		t.Resources = append(t.Resources, &task.Resource{Type: in.Type, URL: in.URL, IsInput: true})
	}
	f.tasks[t.ID] = t
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeTasks) Get(ctx context.Context, id int64) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, errs.ErrNotFound)
	}
	return t, nil
}

// complete flips a fake child task to completed with one video output.
func (f *fakeTasks) complete(id int64, url string) {
	t := f.tasks[id]
	t.Status = task.StatusCompleted
	usage := 10.0
	t.ActualUsage = &usage
	t.Resources = append(t.Resources, &task.Resource{Type: "video", URL: url, IsInput: false})
}

func (f *fakeTasks) fail(id int64, msg string) {
	t := f.tasks[id]
	t.Status = task.StatusFailed
	t.ErrorMessage = msg
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type runHarness struct {
	engine *Engine
	store  *fakeRunStore
	tasks  *fakeTasks
}

func newRunHarness() *runHarness {
	store := newFakeRunStore()
	tasks := newFakeTasks()
	return &runHarness{
		engine: NewEngine(store, tasks, nil, nil),
		store:  store,
		tasks:  tasks,
	}
}

func (h *runHarness) createWorkflow(t *testing.T, w *Workflow) *Workflow {
	t.Helper()
	w.AccountID = 7
	require.NoError(t, h.engine.CreateWorkflow(context.Background(), w))
	return w
}

func (h *runHarness) startRun(t *testing.T, workflowID int64, vars map[string]interface{}) *Run {
	t.Helper()
	r, err := h.engine.StartRun(context.Background(), 7, workflowID, ExecAll, nil, vars)
	require.NoError(t, err)
	return r
}

func (h *runHarness) reconcile(t *testing.T, r *Run) {
	t.Helper()
	require.NoError(t, h.engine.Reconcile(context.Background(), r))
}

// taskFor returns the child task a node dispatched.
func (h *runHarness) taskFor(t *testing.T, r *Run, nodeID string) *task.Task {
	t.Helper()
	st := r.NodeStates[nodeID]
	require.NotNil(t, st, "node %s has no state", nodeID)
	require.NotNil(t, st.TaskID, "node %s has no task", nodeID)
	return h.tasks.tasks[*st.TaskID]
}

func taskNodeConfig(cfg map[string]interface{}, inputs ...TaskNodeInput) json.RawMessage {
	raw, _ := json.Marshal(TaskNodeConfig{Inputs: inputs, Config: cfg})
	return raw
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestChainRun(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "single motion",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "motion", Type: "video_motion", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 12.0},
				TaskNodeInput{Type: "image", Source: "$var.face_url", Filename: "face.png"},
			)},
			{ID: "end", Type: NodeEnd, Config: json.RawMessage(
				`{"outputs":[{"name":"video_url","source":"$node.motion.output.resources[0].url"}]}`)},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "motion"},
			{ID: "e2", Source: "motion", Target: "end"},
		},
	})

	r := h.startRun(t, w.ID, map[string]interface{}{"face_url": "https://cdn.test/face.png"})
	assert.Equal(t, RunRunning, r.Status)
	assert.Len(t, r.NodeStates, 3)

	// First sweep: start completes, the child task is dispatched.
	h.reconcile(t, r)
	assert.Equal(t, RunRunning, r.Status)
	assert.Equal(t, NodeCompleted, r.NodeStates["start"].Status)
	assert.Equal(t, NodeRunning, r.NodeStates["motion"].Status)
	require.Len(t, h.tasks.created, 1)
	assert.Equal(t, task.TypeVideoMotion, h.tasks.created[0].Type)
	// The input reference resolved to the runtime variable.
	require.Len(t, h.tasks.created[0].Resources, 1)
	assert.Equal(t, "https://cdn.test/face.png", h.tasks.created[0].Resources[0].URL)

	// Task still pending: nothing moves.
	h.reconcile(t, r)
	assert.Equal(t, RunRunning, r.Status)

	// Child completes; the next sweep finishes the run.
	h.tasks.complete(h.tasks.created[0].ID, "https://cdn.test/out/motion.mp4")
	h.reconcile(t, r)

	assert.Equal(t, RunCompleted, r.Status)
	assert.Equal(t, NodeCompleted, r.NodeStates["motion"].Status)
	assert.Equal(t, NodeCompleted, r.NodeStates["end"].Status)
	assert.Equal(t, "https://cdn.test/out/motion.mp4", r.RuntimeVariables["video_url"])
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "single motion",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "motion", Type: "video_motion", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 12.0})},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "motion"}},
	})
	r := h.startRun(t, w.ID, nil)

	h.reconcile(t, r)
	h.reconcile(t, r)
	h.reconcile(t, r)

	// Exactly one child task despite repeated sweeps.
	assert.Len(t, h.tasks.created, 1)
	assert.Equal(t, RunRunning, r.Status)
}

func TestFanOutAndJoin(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "motion plus tts into lipsync",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "motion", Type: "video_motion", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 8.0})},
			{ID: "tts", Type: "audio_tts", Config: taskNodeConfig(
				map[string]interface{}{"text": "hello"})},
			{ID: "lipsync", Type: "video_lipsync", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 8.0},
				TaskNodeInput{Type: "video", Source: "$node.motion.output.resources[0].url", Filename: "in.mp4"},
				TaskNodeInput{Type: "audio", Source: "$node.tts.output.resources[0].url", Filename: "in.mp3"},
			)},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "motion"},
			{ID: "e2", Source: "start", Target: "tts"},
			{ID: "e3", Source: "motion", Target: "lipsync"},
			{ID: "e4", Source: "tts", Target: "lipsync"},
		},
	})
	r := h.startRun(t, w.ID, nil)

	// Both branches dispatch on the first sweep after start.
	h.reconcile(t, r)
	require.Len(t, h.tasks.created, 2)
	assert.Equal(t, NodeRunning, r.NodeStates["motion"].Status)
	assert.Equal(t, NodeRunning, r.NodeStates["tts"].Status)
	assert.Equal(t, NodePending, r.NodeStates["lipsync"].Status)

	// One branch done: the join still waits.
	h.tasks.complete(h.taskFor(t, r, "motion").ID, "https://cdn.test/out/motion.mp4")
	h.reconcile(t, r)
	assert.Equal(t, NodePending, r.NodeStates["lipsync"].Status)
	assert.Len(t, h.tasks.created, 2)

	// Both branches done: the join dispatches with both resolved inputs.
	h.tasks.complete(h.taskFor(t, r, "tts").ID, "https://cdn.test/out/voice.mp3")
	h.reconcile(t, r)
	require.Len(t, h.tasks.created, 3)
	join := h.taskFor(t, r, "lipsync")
	require.Len(t, join.Resources, 2)
	assert.Equal(t, "https://cdn.test/out/motion.mp4", join.Resources[0].URL)
	assert.Equal(t, "https://cdn.test/out/voice.mp3", join.Resources[1].URL)

	h.tasks.complete(join.ID, "https://cdn.test/out/final.mp4")
	h.reconcile(t, r)
	assert.Equal(t, RunCompleted, r.Status)
}

func TestConditionSkipsFalseBranch(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "quality gate",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "gate", Type: NodeCondition},
			{ID: "hi", Type: "video_motion", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 8.0})},
			{ID: "lo", Type: "video_motion", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 4.0})},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "gate"},
			{ID: "e2", Type: EdgeCondition, Source: "gate", Target: "hi", Condition: `$var.quality == 'high'`},
			{ID: "e3", Type: EdgeCondition, Source: "gate", Target: "lo", Condition: `$var.quality == 'low'`},
			{ID: "e4", Source: "hi", Target: "end"},
			{ID: "e5", Source: "lo", Target: "end"},
		},
	})
	r := h.startRun(t, w.ID, map[string]interface{}{"quality": "high"})

	h.reconcile(t, r)
	assert.Equal(t, NodeRunning, r.NodeStates["hi"].Status)
	assert.Equal(t, NodeSkipped, r.NodeStates["lo"].Status)
	require.Len(t, h.tasks.created, 1)

	h.tasks.complete(h.tasks.created[0].ID, "https://cdn.test/out/hi.mp4")
	h.reconcile(t, r)

	// end advances past the skipped branch.
	assert.Equal(t, NodeCompleted, r.NodeStates["end"].Status)
	assert.Equal(t, RunCompleted, r.Status)
	// The skipped branch never spawned a task.
	assert.Len(t, h.tasks.created, 1)
}

func TestSkipPropagatesThroughDeadBranch(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "dead branch",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "gate", Type: NodeCondition},
			{ID: "a", Type: "video_motion", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 4.0})},
			{ID: "b", Type: "audio_tts", Config: taskNodeConfig(
				map[string]interface{}{"text": "never"})},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "gate"},
			{ID: "e2", Type: EdgeCondition, Source: "gate", Target: "a", Condition: `$var.go == true`},
			{ID: "e3", Source: "a", Target: "b"},
		},
	})
	r := h.startRun(t, w.ID, map[string]interface{}{"go": false})

	h.reconcile(t, r)

	assert.Equal(t, NodeSkipped, r.NodeStates["a"].Status)
	assert.Equal(t, NodeSkipped, r.NodeStates["b"].Status)
	assert.Equal(t, RunCompleted, r.Status)
	assert.Empty(t, h.tasks.created)
}

func TestChildTaskFailureFailsRun(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "single motion",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "motion", Type: "video_motion", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 12.0})},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "motion"}},
	})
	r := h.startRun(t, w.ID, nil)

	h.reconcile(t, r)
	h.tasks.fail(h.tasks.created[0].ID, "provider rejected input")
	h.reconcile(t, r)

	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, "motion", r.ErrorNodeID)
	assert.Contains(t, r.ErrorMessage, "provider rejected input")
	assert.Equal(t, NodeFailed, r.NodeStates["motion"].Status)
}

func TestTaskCreationFailureFailsRun(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "single motion",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "motion", Type: "video_motion", Config: taskNodeConfig(
				map[string]interface{}{"duration_seconds": 12.0})},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "motion"}},
	})
	h.tasks.failErr = fmt.Errorf("balance 0, need 120: %w", errs.ErrInsufficientBalance)
	r := h.startRun(t, w.ID, nil)

	h.reconcile(t, r)

	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, "motion", r.ErrorNodeID)
}

func TestStartRequiresDeclaredVariables(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name:  "needs face",
		Nodes: []Node{{ID: "start", Type: NodeStart}},
		Variables: map[string]VariableDef{
			"face_url": {Type: "string", Required: true},
			"quality":  {Type: "string", DefaultValue: "standard"},
		},
	})

	r := h.startRun(t, w.ID, nil)
	h.reconcile(t, r)

	assert.Equal(t, RunFailed, r.Status)
	assert.Contains(t, r.ErrorMessage, "face_url")
}

func TestStartFillsDefaults(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name:  "defaults",
		Nodes: []Node{{ID: "start", Type: NodeStart}},
		Variables: map[string]VariableDef{
			"quality": {Type: "string", DefaultValue: "standard"},
		},
	})

	r := h.startRun(t, w.ID, nil)
	h.reconcile(t, r)

	assert.Equal(t, RunCompleted, r.Status)
	assert.Equal(t, "standard", r.RuntimeVariables["quality"])
}

func TestVariableSetFeedsCondition(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "set then branch",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "set", Type: NodeVariableSet, Config: json.RawMessage(
				`{"assignments":[{"name":"mode","value":"fast"}]}`)},
			{ID: "fast", Type: "audio_tts", Config: taskNodeConfig(
				map[string]interface{}{"text": "quick"})},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "set"},
			{ID: "e2", Type: EdgeCondition, Source: "set", Target: "fast", Condition: `$var.mode == 'fast'`},
		},
	})
	r := h.startRun(t, w.ID, nil)

	h.reconcile(t, r)

	assert.Equal(t, "fast", r.RuntimeVariables["mode"])
	assert.Equal(t, NodeRunning, r.NodeStates["fast"].Status)
	assert.Len(t, h.tasks.created, 1)
}

func TestDelayNodeSuspends(t *testing.T) {
	h := newRunHarness()
	w := h.createWorkflow(t, &Workflow{
		Name: "long delay",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "wait", Type: NodeDelay, Config: json.RawMessage(`{"delay_seconds":3600}`)},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "wait"},
			{ID: "e2", Source: "wait", Target: "end"},
		},
	})
	r := h.startRun(t, w.ID, nil)

	h.reconcile(t, r)
	assert.Equal(t, RunRunning, r.Status)
	assert.Equal(t, NodeRunning, r.NodeStates["wait"].Status)
	require.NotNil(t, r.NodeStates["wait"].StartedAt)

	// The delay expires; the next sweep finishes the run.
	past := time.Now().Add(-2 * time.Hour)
	r.NodeStates["wait"].StartedAt = &past
	h.reconcile(t, r)
	assert.Equal(t, RunCompleted, r.Status)
}

func TestIsolatedNodesRunOnlyDisconnectedNodes(t *testing.T) {
	h := newRunHarness()
	// "solo" has no edges at all; the chain around it must not run.
	w := h.createWorkflow(t, &Workflow{
		Name: "isolated",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "tts", Type: "audio_tts", Config: taskNodeConfig(
				map[string]interface{}{"text": "chained"})},
			{ID: "end", Type: NodeEnd},
			{ID: "solo", Type: "audio_tts", Config: taskNodeConfig(
				map[string]interface{}{"text": "solo"})},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "tts"},
			{ID: "e2", Source: "tts", Target: "end"},
		},
	})

	// The disconnected nodes are derived from the graph; no start list.
	r, err := h.engine.StartRun(context.Background(), 7, w.ID, ExecIsolatedNodes, nil, nil)
	require.NoError(t, err)
	require.Len(t, r.NodeStates, 1)
	require.Contains(t, r.NodeStates, "solo")

	h.reconcile(t, r)
	require.Len(t, h.tasks.created, 1)

	h.tasks.complete(h.tasks.created[0].ID, "https://cdn.test/out/solo.mp3")
	h.reconcile(t, r)
	assert.Equal(t, RunCompleted, r.Status)
	// The connected chain never ran.
	_, ran := r.NodeStates["tts"]
	assert.False(t, ran)
}

func TestStartRunUnknownWorkflow(t *testing.T) {
	h := newRunHarness()
	_, err := h.engine.StartRun(context.Background(), 7, 99, ExecAll, nil, nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateWorkflowValidates(t *testing.T) {
	h := newRunHarness()
	err := h.engine.CreateWorkflow(context.Background(), &Workflow{
		AccountID: 7,
		Nodes: []Node{
			{ID: "a", Type: NodeStart},
			{ID: "b", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}
