package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/workflow"
)

type startRunRequest struct {
	WorkflowID   int64                  `json:"workflow_id"`
	ExecMode     workflow.ExecMode      `json:"exec_mode,omitempty"`
	StartNodeIDs []string               `json:"start_node_ids,omitempty"`
	Variables    map[string]interface{} `json:"variables,omitempty"`
}

// HandleStartRun seeds a workflow run; the scheduler advances it.
func HandleStartRun(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		var req startRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, errs.Invalidf("bad request body: %v", err))
			return
		}
		if req.WorkflowID <= 0 {
			respondError(w, errs.Invalidf("workflow_id is required"))
			return
		}
		run, err := engine.StartRun(r.Context(), acct, req.WorkflowID, req.ExecMode, req.StartNodeIDs, req.Variables)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, run)
	}
}

// HandleGetRun returns a run with its node states and variables.
func HandleGetRun(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		id, err := pathID(r, "runID")
		if err != nil {
			respondError(w, err)
			return
		}
		run, err := engine.GetRun(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		if run.AccountID != acct {
			respondError(w, errs.ErrNotFound)
			return
		}
		respondJSON(w, http.StatusOK, run)
	}
}

// HandleListRuns lists the account's runs, newest first.
func HandleListRuns(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		list, err := engine.ListRuns(r.Context(), acct, queryInt(r, "limit"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"runs":  list,
			"count": len(list),
		})
	}
}
