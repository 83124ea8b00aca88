/**
 * @description
 * This package provides a client for initiating mobile-money charges via an
 * M-Pesa style STK push API. It encapsulates request construction, response
 * parsing and, importantly for the billing scheduler, classification of
 * failures into transient errors (worth retrying with the same idempotency
 * key) and permanent rejections (the charge will never go through).
 *
 * Completion is not reported here: the provider confirms or rejects the
 * charge later through the asynchronous payment callback webhook.
 */
package daraja

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrGatewayTimeout marks a transient transport failure: the request may or
// may not have reached the provider, so the caller retries with the same
// idempotency key.
var ErrGatewayTimeout = errors.New("daraja: gateway unreachable or timed out")

// RejectedError is a permanent rejection from the provider; retrying with the
// same parameters will not succeed.
type RejectedError struct {
	Code        string
	Description string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("daraja: charge rejected (%s): %s", e.Code, e.Description)
}

// IsRejected reports whether err is a permanent gateway rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && !IsRejected(err)
}

// Client is a client for the STK push API.
type Client struct {
	BaseURL    string
	APIKey     string
	ShortCode  string
	HTTPClient *http.Client
}

// NewClient creates a new gateway client with a bounded request timeout.
func NewClient(baseURL, apiKey, shortCode string) *Client {
	return &Client{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		ShortCode: shortCode,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	PhoneNumber       string `json:"PhoneNumber"`
	Amount            int64  `json:"Amount"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

// InitiateSTKPush asks the provider to prompt the payer's phone for the given
// amount. The idempotency key doubles as the account reference so a retried
// request collapses onto the original charge at the provider. It returns the
// provider's pending transaction reference (CheckoutRequestID).
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amount int64, idempotencyKey string) (string, error) {
	payload := stkPushRequest{
		BusinessShortCode: c.ShortCode,
		PhoneNumber:       phone,
		Amount:            amount,
		AccountReference:  idempotencyKey,
		TransactionDesc:   "Auto-Credit subscription",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("daraja: marshal stk push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("daraja: build stk push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	defer resp.Body.Close()

	// 5xx responses are provider-side trouble and treated as transient; 4xx
	// means the request itself was refused.
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: status %d", ErrGatewayTimeout, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", &RejectedError{
			Code:        fmt.Sprintf("http_%d", resp.StatusCode),
			Description: "request refused by gateway",
		}
	}

	var parsed stkPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGatewayTimeout, err)
	}
	if parsed.ResponseCode != "0" {
		return "", &RejectedError{Code: parsed.ResponseCode, Description: parsed.ResponseDescription}
	}
	if parsed.CheckoutRequestID == "" {
		return "", fmt.Errorf("%w: response missing CheckoutRequestID", ErrGatewayTimeout)
	}

	return parsed.CheckoutRequestID, nil
}
