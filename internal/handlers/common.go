// Package handlers implements the HTTP API. Every handler is a constructor
// taking its dependencies and returning an http.HandlerFunc.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mediaforge/backend/internal/errs"
)

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps the error taxonomy onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindInvalidInput:
		status = http.StatusBadRequest
	case errs.KindInsufficientBalance:
		status = http.StatusPaymentRequired
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindTransient:
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in logs.
		msg = "internal error"
	}
	respondJSON(w, status, map[string]interface{}{
		"error": msg,
		"kind":  string(kind),
	})
}

// pathID parses a numeric path variable.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Invalidf("bad %s", name)
	}
	return id, nil
}

// accountID reads the calling account from the X-Account-ID header.
func accountID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.Header.Get("X-Account-ID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Invalidf("X-Account-ID header is required")
	}
	return id, nil
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}
