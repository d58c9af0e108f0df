package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultPaystackURL is the Paystack API base.
const DefaultPaystackURL = "https://api.paystack.co"

// PaystackError is a non-2xx answer from Paystack.
type PaystackError struct {
	StatusCode int
	Message    string
}

func (e *PaystackError) Error() string {
	return fmt.Sprintf("paystack: %d %s", e.StatusCode, e.Message)
}

// PaystackClient calls the Paystack REST API.
type PaystackClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewPaystackClient creates a client. An empty baseURL uses the live API.
func NewPaystackClient(secret, baseURL string) *PaystackClient {
	if baseURL == "" {
		baseURL = DefaultPaystackURL
	}
	return &PaystackClient{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type paystackResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// Refund reverses the transaction with reference in full.
func (c *PaystackClient) Refund(ctx context.Context, reference, reason string) error {
	body, err := json.Marshal(map[string]string{
		"transaction":   reference,
		"merchant_note": reason,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refund", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var out paystackResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.Status {
		return &PaystackError{StatusCode: resp.StatusCode, Message: out.Message}
	}
	return nil
}

func retryablePaystack(err error) bool {
	pe, ok := err.(*PaystackError)
	if !ok {
		return true
	}
	return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= 500
}
