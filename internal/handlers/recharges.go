package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mediaforge/backend/internal/config"
	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/events"
	"github.com/mediaforge/backend/internal/ledger"
)

type createRechargeRequest struct {
	Amount   int64  `json:"amount"`
	Provider string `json:"provider"`
}

// HandleCreateRecharge opens a pending recharge order and returns its
// out_trade_no for the payment provider handoff.
func HandleCreateRecharge(l *ledger.Ledger, cfg config.RechargeConfig) http.HandlerFunc {
	expiry := time.Duration(cfg.OrderExpiryMinutes) * time.Minute
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		var req createRechargeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, errs.Invalidf("bad request body: %v", err))
			return
		}
		if _, ok := cfg.CallbackSecrets[req.Provider]; !ok {
			respondError(w, errs.Invalidf("unknown payment provider %q", req.Provider))
			return
		}
		order, err := l.CreateRechargeOrder(r.Context(), acct, req.Amount, req.Provider, expiry)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, order)
	}
}

// HandleGetRecharge returns an order by trade number.
func HandleGetRecharge(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		order, err := l.GetRechargeOrder(r.Context(), mux.Vars(r)["outTradeNo"])
		if err != nil {
			respondError(w, err)
			return
		}
		if order.AccountID != acct {
			respondError(w, errs.ErrNotFound)
			return
		}
		respondJSON(w, http.StatusOK, order)
	}
}

// HandleCloseRecharge closes a pending order on user cancel.
func HandleCloseRecharge(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accountID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		outTradeNo := mux.Vars(r)["outTradeNo"]
		order, err := l.GetRechargeOrder(r.Context(), outTradeNo)
		if err != nil {
			respondError(w, err)
			return
		}
		if order.AccountID != acct {
			respondError(w, errs.ErrNotFound)
			return
		}
		if err := l.CloseRechargeOrder(r.Context(), outTradeNo); err != nil {
			respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type rechargeCallback struct {
	OutTradeNo            string `json:"out_trade_no"`
	ExternalTransactionID string `json:"external_transaction_id"`
	Amount                int64  `json:"amount"`
	Status                string `json:"status"` // success | failed
}

// HandleRechargeCallback applies a payment provider's server-to-server
// notification. The body is authenticated with an HMAC-SHA256 signature in
// X-Signature, keyed per provider. Confirmation is idempotent: duplicate
// success callbacks acknowledge without a second credit.
func HandleRechargeCallback(l *ledger.Ledger, cfg config.RechargeConfig, bus events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := mux.Vars(r)["provider"]
		secret, ok := cfg.CallbackSecrets[provider]
		if !ok {
			respondError(w, errs.Invalidf("unknown payment provider %q", provider))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			respondError(w, errs.Invalidf("read body: %v", err))
			return
		}
		if !verifySignature(body, r.Header.Get("X-Signature"), secret) {
			respondJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"error": "bad signature",
			})
			return
		}

		var cb rechargeCallback
		if err := json.Unmarshal(body, &cb); err != nil {
			respondError(w, errs.Invalidf("bad callback body: %v", err))
			return
		}
		if cb.Status != "success" {
			// Non-success notifications are acknowledged; the order ages out
			// via the expiry sweep.
			respondJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": true})
			return
		}

		res, err := l.ConfirmRecharge(r.Context(), cb.OutTradeNo, cb.ExternalTransactionID, cb.Amount)
		if err != nil {
			respondError(w, err)
			return
		}
		if !res.AlreadyPaid && bus != nil {
			_ = bus.Publish(r.Context(), events.NewEvent(events.EventRechargeConfirmed, res.Order.AccountID, map[string]interface{}{
				"out_trade_no": res.Order.OutTradeNo,
				"amount":       res.Order.Amount,
			}))
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"out_trade_no":   res.Order.OutTradeNo,
			"status":         string(res.Order.Status),
			"transaction_id": res.TransactionID,
			"already_paid":   res.AlreadyPaid,
		})
	}
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
