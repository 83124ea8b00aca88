package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rigzlion8/ussd-credit/internal/app"
)

type stepperStub struct {
	reply string
	err   error

	gotPhone string
	gotText  string
}

func (s *stepperStub) HandleStep(ctx context.Context, gatewaySessionID, serviceCode, phone, text string) (string, error) {
	s.gotPhone = phone
	s.gotText = text
	return s.reply, s.err
}

type reconcilerStub struct {
	outcome app.Outcome
	err     error

	gotRef     string
	gotSuccess bool
	gotReason  string
	calls      int
}

func (r *reconcilerStub) Reconcile(ctx context.Context, externalRef string, success bool, reason string, resultCode int, rawPayload []byte) (app.Outcome, error) {
	r.calls++
	r.gotRef = externalRef
	r.gotSuccess = success
	r.gotReason = reason
	return r.outcome, r.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postUSSD(t *testing.T, handler http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ussd", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHandleUSSD_ReturnsStepperReply(t *testing.T) {
	stepper := &stepperStub{reply: "CON Welcome to Auto-Credit\n1. Subscribe\n2. My Subscriptions\n0. Exit"}
	router := NewRouter(NewHandler(stepper, &reconcilerStub{}, "", discardLogger()))

	rr := postUSSD(t, router, url.Values{
		"sessionId":   {"ATUid_1"},
		"serviceCode": {"*384*77#"},
		"phoneNumber": {"254712345678"},
		"text":        {"1*1"},
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != stepper.reply {
		t.Fatalf("body = %q, want the stepper reply verbatim", got)
	}
	if stepper.gotPhone != "254712345678" || stepper.gotText != "1*1" {
		t.Fatalf("stepper got phone=%q text=%q", stepper.gotPhone, stepper.gotText)
	}
}

func TestHandleUSSD_StepperErrorDegradesToTerminalReply(t *testing.T) {
	stepper := &stepperStub{err: errors.New("redis: connection refused")}
	router := NewRouter(NewHandler(stepper, &reconcilerStub{}, "", discardLogger()))

	rr := postUSSD(t, router, url.Values{
		"sessionId":   {"ATUid_2"},
		"phoneNumber": {"254712345678"},
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even on failure", rr.Code)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, "END ") {
		t.Fatalf("body = %q, want a terminal END reply", body)
	}
	if strings.Contains(body, "redis") {
		t.Fatal("internal error detail leaked to the phone")
	}
}

const callbackBody = `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":0,"ResultDesc":"The service request is processed successfully."}}}`

func postCallback(handler http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Callback-Signature", signature)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func signBody(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandlePaymentCallback_AcknowledgesSuccess(t *testing.T) {
	reconciler := &reconcilerStub{outcome: app.OutcomeApplied}
	router := NewRouter(NewHandler(&stepperStub{}, reconciler, "", discardLogger()))

	rr := postCallback(router, callbackBody, "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if reconciler.gotRef != "ws_CO_191220191020363925" || !reconciler.gotSuccess {
		t.Fatalf("reconciler got ref=%q success=%v", reconciler.gotRef, reconciler.gotSuccess)
	}
	if got := rr.Body.String(); !strings.Contains(got, `"ResultCode":0`) {
		t.Fatalf("body = %q, want the gateway ack shape", got)
	}
}

func TestHandlePaymentCallback_FailureResultCode(t *testing.T) {
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	reconciler := &reconcilerStub{outcome: app.OutcomeApplied}
	router := NewRouter(NewHandler(&stepperStub{}, reconciler, "", discardLogger()))

	rr := postCallback(router, body, "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if reconciler.gotSuccess {
		t.Fatal("non-zero ResultCode must reconcile as a failure")
	}
	if reconciler.gotReason != "Request cancelled by user" {
		t.Fatalf("reason = %q", reconciler.gotReason)
	}
}

func TestHandlePaymentCallback_SignatureEnforcedWhenConfigured(t *testing.T) {
	const secret = "callback-secret"
	reconciler := &reconcilerStub{outcome: app.OutcomeApplied}
	router := NewRouter(NewHandler(&stepperStub{}, reconciler, secret, discardLogger()))

	rr := postCallback(router, callbackBody, signBody("wrong-secret", callbackBody))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", rr.Code)
	}
	if reconciler.calls != 0 {
		t.Fatal("unsigned callback must not reach the reconciler")
	}

	rr = postCallback(router, callbackBody, signBody(secret, callbackBody))
	if rr.Code != http.StatusOK {
		t.Fatalf("valid signature status = %d, want 200", rr.Code)
	}
	if reconciler.calls != 1 {
		t.Fatal("signed callback should be reconciled")
	}
}

func TestHandlePaymentCallback_MissingCheckoutRequestID(t *testing.T) {
	reconciler := &reconcilerStub{outcome: app.OutcomeApplied}
	router := NewRouter(NewHandler(&stepperStub{}, reconciler, "", discardLogger()))

	rr := postCallback(router, `{"Body":{"stkCallback":{"ResultCode":0}}}`, "")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if reconciler.calls != 0 {
		t.Fatal("malformed callback must not reach the reconciler")
	}
}

func TestHandlePaymentCallback_ReconcileErrorReturns500ForRedelivery(t *testing.T) {
	reconciler := &reconcilerStub{err: errors.New("pg: connection reset")}
	router := NewRouter(NewHandler(&stepperStub{}, reconciler, "", discardLogger()))

	rr := postCallback(router, callbackBody, "")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the gateway redelivers", rr.Code)
	}
}
