// Package rails contains the HTTP clients for the two fiat payment rails: the
// inbound card/bank-transfer collector and the outbound bank-payout
// disburser. Both rails treat the caller-supplied reference as the
// idempotency key for a logical transaction.
package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ChargeSession is an opened collector payment session the user completes
// out-of-band.
type ChargeSession struct {
	Reference     string `json:"reference"`
	RailReference string `json:"id"`
	CheckoutURL   string `json:"checkout_url"`
}

// ChargeStatus is the collector's view of a charge.
type ChargeStatus struct {
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	AmountPaid string `json:"amount_paid"`
}

// Succeeded reports whether the collector considers the charge settled.
func (c ChargeStatus) Succeeded() bool {
	switch strings.ToLower(strings.TrimSpace(c.Status)) {
	case "success", "successful", "paid", "completed":
		return true
	}
	return false
}

// Declined reports whether the collector terminally rejected the charge.
func (c ChargeStatus) Declined() bool {
	switch strings.ToLower(strings.TrimSpace(c.Status)) {
	case "failed", "abandoned", "declined", "reversed":
		return true
	}
	return false
}

// Collector is the subset of the inbound rail API the service requires.
type Collector interface {
	CreateCharge(ctx context.Context, reference, amount, currency, email string) (*ChargeSession, error)
	VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error)
}

// HTTPCollector implements Collector against the collector rail HTTP API.
type HTTPCollector struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPCollector constructs a collector client with sane defaults.
func NewHTTPCollector(baseURL, apiKey string) *HTTPCollector {
	return &HTTPCollector{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateCharge opens a payment session keyed by the settlement reference.
func (c *HTTPCollector) CreateCharge(ctx context.Context, reference, amount, currency, email string) (*ChargeSession, error) {
	payload := map[string]string{
		"reference": reference,
		"amount":    amount,
		"currency":  currency,
		"email":     email,
	}
	var session ChargeSession
	if err := c.do(ctx, http.MethodPost, "/charges", payload, &session); err != nil {
		return nil, err
	}
	if session.Reference == "" {
		session.Reference = reference
	}
	return &session, nil
}

// VerifyCharge fetches the authoritative charge status by reference.
func (c *HTTPCollector) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	var status ChargeStatus
	if err := c.do(ctx, http.MethodGet, "/charges/"+strings.TrimSpace(reference), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *HTTPCollector) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("collector client not configured")
	}
	return doJSON(ctx, c.http, c.apiKey, method, c.baseURL+path, payload, out, "collector")
}

func doJSON(ctx context.Context, client *http.Client, apiKey, method, url string, payload, out any, rail string) error {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s request failed: status=%d", rail, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
