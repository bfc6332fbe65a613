package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/ledger"
)

type createAccountRequest struct {
	UserID string `json:"user_id"`
}

// HandleCreateAccount opens a zero-balance account.
func HandleCreateAccount(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, errs.Invalidf("bad request body: %v", err))
			return
		}
		if req.UserID == "" {
			respondError(w, errs.Invalidf("user_id is required"))
			return
		}
		acct, err := l.CreateAccount(r.Context(), req.UserID)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, acct)
	}
}

// HandleGetBalance returns the account balance in minor currency units.
func HandleGetBalance(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		balance, err := l.Balance(r.Context(), acct)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"account_id": acct,
			"balance":    balance,
		})
	}
}

// HandleListTransactions returns the account's ledger entries, newest first.
func HandleListTransactions(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		txs, err := l.ListTransactions(r.Context(), acct, queryInt(r, "limit"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"transactions": txs,
			"count":        len(txs),
		})
	}
}
