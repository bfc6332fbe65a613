// Package workflow implements the DAG runtime: static workflow definitions,
// per-run node state machines and the reconcile engine that advances them.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/mediaforge/backend/internal/task"
)

// NodeType is the closed enum of node kinds. Task node types reuse the task
// engine's type names; everything else is a control node.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
	NodeVariableSet NodeType = "variable_set"
	NodeCondition   NodeType = "condition"
	NodeDelay       NodeType = "delay"
)

// TaskType returns the task engine type for a task node, or "" for control
// nodes.
func (n NodeType) TaskType() task.Type {
	t := task.Type(n)
	if t.Valid() {
		return t
	}
	return ""
}

// Valid reports whether the node type is known.
func (n NodeType) Valid() bool {
	switch n {
	case NodeStart, NodeEnd, NodeVariableSet, NodeCondition, NodeDelay:
		return true
	}
	return task.Type(n).Valid()
}

// Node is one vertex of a workflow definition.
type Node struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Name     string          `json:"name,omitempty"`
	ExecMode string          `json:"exec_mode,omitempty"` // sync | async
	Config   json.RawMessage `json:"config,omitempty"`
}

// EdgeType distinguishes plain edges from conditional ones.
type EdgeType string

const (
	EdgeNormal    EdgeType = "normal"
	EdgeCondition EdgeType = "condition"
)

// Edge joins two nodes. Condition edges carry an expression; when it
// evaluates false the target is marked skipped.
type Edge struct {
	ID        string   `json:"id"`
	Type      EdgeType `json:"type"`
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	Condition string   `json:"condition,omitempty"`
}

// VariableDef declares one workflow input/output variable.
type VariableDef struct {
	Type         string      `json:"type"`
	Required     bool        `json:"required,omitempty"`
	DefaultValue interface{} `json:"default_value,omitempty"`
}

// Workflow is a static DAG definition. The graph must be acyclic and every
// edge endpoint must reference an existing node; both are validated at
// creation.
type Workflow struct {
	ID        int64                  `json:"id"`
	AccountID int64                  `json:"account_id"`
	Name      string                 `json:"name"`
	Version   int                    `json:"version"`
	Nodes     []Node                 `json:"nodes"`
	Edges     []Edge                 `json:"edges"`
	Variables map[string]VariableDef `json:"variables,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ExecMode selects how a run seeds its execution starts.
type ExecMode string

const (
	ExecAll             ExecMode = "all"
	ExecSpecifiedStarts ExecMode = "specified_starts"
	ExecIsolatedNodes   ExecMode = "isolated_nodes"
)

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// NodeStatus is the per-node lifecycle state within a run.
type NodeStatus string

const (
	NodePending       NodeStatus = "pending"
	NodeRunning       NodeStatus = "running"
	NodeCompleted     NodeStatus = "completed"
	NodeFailed        NodeStatus = "failed"
	NodeSkipped       NodeStatus = "skipped"
)

// Done reports whether the status unblocks successors.
func (s NodeStatus) Done() bool {
	return s == NodeCompleted || s == NodeSkipped
}

// OutputResource is one resource a task node exposes to downstream nodes.
type OutputResource struct {
	Type     string                 `json:"type"`
	URL      string                 `json:"url"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NodeOutput is what a completed node exposes to expressions.
type NodeOutput struct {
	Resources []OutputResource       `json:"resources,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// NodeState is the per-(run, node) record. Writes merge at the node-id key;
// a skipped write never overwrites a higher status.
type NodeState struct {
	Status      NodeStatus  `json:"status"`
	TaskID      *int64      `json:"task_id,omitempty"`
	Output      *NodeOutput `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Run is one live workflow execution.
type Run struct {
	ID                 int64                  `json:"id"`
	AccountID          int64                  `json:"account_id"`
	WorkflowID         int64                  `json:"workflow_id"`
	ExecMode           ExecMode               `json:"exec_mode"`
	StartNodeIDs       []string               `json:"start_node_ids,omitempty"`
	Status             RunStatus              `json:"status"`
	RuntimeVariables   map[string]interface{} `json:"runtime_variables"`
	NodeStates         map[string]*NodeState  `json:"node_states"`
	TotalEstimatedCost int64                  `json:"total_estimated_cost"`
	ErrorNodeID        string                 `json:"error_node_id,omitempty"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

// ---------------------------------------------------------------------------
// Node config variants
// ---------------------------------------------------------------------------

// EndOutput maps a resolved source path into a run variable.
type EndOutput struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// EndConfig lists the run variables an end node publishes.
type EndConfig struct {
	Outputs []EndOutput `json:"outputs"`
}

// Assignment is one variable_set entry; Value may be a reference.
type Assignment struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// VariableSetConfig lists assignments applied to the run variables.
type VariableSetConfig struct {
	Assignments []Assignment `json:"assignments"`
}

// DelayConfig pauses a branch for a fixed duration.
type DelayConfig struct {
	DelaySeconds float64 `json:"delay_seconds"`
}

// TaskNodeInput resolves one task input; Source is an expression reference
// producing a URL (or inline text for text inputs).
type TaskNodeInput struct {
	Type     string `json:"type"`
	Source   string `json:"source"`
	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime,omitempty"`
}

// TaskNodeConfig configures a task node. Config string values may be
// expression references resolved at dispatch.
type TaskNodeConfig struct {
	Inputs []TaskNodeInput        `json:"inputs,omitempty"`
	Config map[string]interface{} `json:"config"`
}
