package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/task"
)

type createTaskRequest struct {
	Type   task.Type        `json:"type"`
	Config json.RawMessage  `json:"config"`
	Inputs []task.InputSpec `json:"inputs,omitempty"`
}

// HandleCreateTask validates, charges and inserts a task.
func HandleCreateTask(engine *task.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, errs.Invalidf("bad request body: %v", err))
			return
		}
		t, err := engine.Create(r.Context(), acct, req.Type, req.Config, req.Inputs, 0)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, t)
	}
}

// HandleGetTask returns a task with its resources.
func HandleGetTask(engine *task.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		id, err := pathID(r, "taskID")
		if err != nil {
			respondError(w, err)
			return
		}
		t, err := engine.Get(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		if t.AccountID != acct {
			respondError(w, errs.ErrNotFound)
			return
		}
		respondJSON(w, http.StatusOK, t)
	}
}

// HandleListTasks returns the account's tasks, newest first. Query params:
// status, type, limit.
func HandleListTasks(engine *task.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		f := task.Filter{
			Status: task.Status(r.URL.Query().Get("status")),
			Type:   task.Type(r.URL.Query().Get("type")),
			Limit:  queryInt(r, "limit"),
		}
		tasks, err := engine.List(r.Context(), acct, f)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"tasks": tasks,
			"count": len(tasks),
		})
	}
}

// HandleCancelTask cancels a pending or processing task and refunds the
// pre-charge. Repeating the call is a no-op.
func HandleCancelTask(engine *task.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		id, err := pathID(r, "taskID")
		if err != nil {
			respondError(w, err)
			return
		}
		t, err := engine.Get(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		if t.AccountID != acct {
			respondError(w, errs.ErrNotFound)
			return
		}
		if err := engine.Cancel(r.Context(), id); err != nil {
			respondError(w, err)
			return
		}
		t, err = engine.Get(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, t)
	}
}
