package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/workflow"
)

type createWorkflowRequest struct {
	Name      string                          `json:"name"`
	Nodes     []workflow.Node                 `json:"nodes"`
	Edges     []workflow.Edge                 `json:"edges"`
	Variables map[string]workflow.VariableDef `json:"variables,omitempty"`
}

// HandleCreateWorkflow validates and stores a DAG definition.
func HandleCreateWorkflow(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		var req createWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, errs.Invalidf("bad request body: %v", err))
			return
		}
		wf := &workflow.Workflow{
			AccountID: acct,
			Name:      req.Name,
			Nodes:     req.Nodes,
			Edges:     req.Edges,
			Variables: req.Variables,
		}
		if err := engine.CreateWorkflow(r.Context(), wf); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, wf)
	}
}

// HandleGetWorkflow returns one definition.
func HandleGetWorkflow(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		id, err := pathID(r, "workflowID")
		if err != nil {
			respondError(w, err)
			return
		}
		wf, err := engine.GetWorkflow(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		if wf.AccountID != acct {
			respondError(w, errs.ErrNotFound)
			return
		}
		respondJSON(w, http.StatusOK, wf)
	}
}

// HandleListWorkflows lists the account's definitions, newest first.
func HandleListWorkflows(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		list, err := engine.ListWorkflows(r.Context(), acct, queryInt(r, "limit"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"workflows": list,
			"count":     len(list),
		})
	}
}
