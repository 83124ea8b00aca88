/**
 * @description
 * This file contains the HTTP handlers for the two inbound webhooks: the
 * telco USSD gateway (form-encoded, plain-text CON/END replies) and the
 * mobile-money payment callback (JSON, HMAC-validated when a secret is
 * configured).
 *
 * Key behaviors:
 * - USSD replies always use HTTP 200; internal failures degrade to a terminal
 *   human-readable END message and never leak internal detail to the phone.
 * - Payment callbacks are acknowledged with the gateway's expected JSON body;
 *   persistence errors return 500 so the at-least-once gateway redelivers,
 *   which is safe because reconciliation is idempotent.
 */
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/rigzlion8/ussd-credit/internal/app"
)

const ussdUnavailableReply = "END Service is temporarily unavailable. Please try again later."

// USSDStepper processes one USSD menu step and returns the full reply body.
type USSDStepper interface {
	HandleStep(ctx context.Context, gatewaySessionID, serviceCode, phone, text string) (string, error)
}

// PaymentReconciler applies one payment callback.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, externalRef string, success bool, reason string, resultCode int, rawPayload []byte) (app.Outcome, error)
}

// Handler holds the webhook dependencies.
type Handler struct {
	ussd           USSDStepper
	reconciler     PaymentReconciler
	callbackSecret string
	logger         *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(ussd USSDStepper, reconciler PaymentReconciler, callbackSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		ussd:           ussd,
		reconciler:     reconciler,
		callbackSecret: callbackSecret,
		logger:         logger,
	}
}

// handleUSSD processes a USSD gateway webhook delivery.
func (h *Handler) handleUSSD(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "cannot parse form", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("sessionId")
	serviceCode := r.FormValue("serviceCode")
	phone := r.FormValue("phoneNumber")
	text := r.FormValue("text")

	w.Header().Set("Content-Type", "text/plain")

	reply, err := h.ussd.HandleStep(r.Context(), sessionID, serviceCode, phone, text)
	if err != nil {
		h.logger.Error("ussd step failed", "session_id", sessionID, "error", err)
		w.Write([]byte(ussdUnavailableReply))
		return
	}
	w.Write([]byte(reply))
}

// stkCallbackEnvelope mirrors the Daraja STK push result callback shape.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// handlePaymentCallback processes an asynchronous payment result.
func (h *Handler) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get("X-Callback-Signature"), body) {
		h.logger.Warn("payment callback with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	callback := envelope.Body.StkCallback
	if callback.CheckoutRequestID == "" {
		http.Error(w, "missing CheckoutRequestID", http.StatusBadRequest)
		return
	}

	success := callback.ResultCode == 0
	outcome, err := h.reconciler.Reconcile(r.Context(), callback.CheckoutRequestID, success, callback.ResultDesc, callback.ResultCode, body)
	if err != nil {
		h.logger.Error("payment callback reconciliation failed",
			"external_ref", callback.CheckoutRequestID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("payment callback processed",
		"external_ref", callback.CheckoutRequestID, "result_code", callback.ResultCode, "outcome", outcome)

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

// isValidSignature validates the HMAC-SHA256 signature of the callback body.
// Validation is skipped when no secret is configured.
func (h *Handler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.callbackSecret == "" {
		return true
	}
	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.callbackSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
