package rails

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PayoutAccount is the destination bank account for a disbursement.
type PayoutAccount struct {
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// Transfer is the disburser's acknowledgement of an initiated payout.
type Transfer struct {
	RailReference string `json:"id"`
	Status        string `json:"status"`
}

// TransferStatus is the disburser's view of a payout.
type TransferStatus struct {
	RailReference string `json:"id"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

// Succeeded reports whether the payout landed.
func (t TransferStatus) Succeeded() bool {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "success", "successful", "completed", "paid":
		return true
	}
	return false
}

// Failed reports whether the payout terminally failed.
func (t TransferStatus) Failed() bool {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "failed", "rejected", "reversed":
		return true
	}
	return false
}

// Disburser is the subset of the outbound rail API the service requires.
type Disburser interface {
	InitiateTransfer(ctx context.Context, amount, currency string, account PayoutAccount, reference string) (*Transfer, error)
	GetTransfer(ctx context.Context, reference string) (*TransferStatus, error)
}

// HTTPDisburser implements Disburser against the disburser rail HTTP API.
type HTTPDisburser struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPDisburser constructs a disburser client with sane defaults.
func NewHTTPDisburser(baseURL, apiKey string) *HTTPDisburser {
	return &HTTPDisburser{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// InitiateTransfer starts a payout, sending the settlement reference as the
// rail-side idempotency key so replays cannot double-pay.
func (c *HTTPDisburser) InitiateTransfer(ctx context.Context, amount, currency string, account PayoutAccount, reference string) (*Transfer, error) {
	payload := map[string]any{
		"amount":    amount,
		"currency":  currency,
		"account":   account,
		"reference": strings.TrimSpace(reference),
	}
	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/transfers", payload, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// GetTransfer fetches the authoritative payout status by reference.
func (c *HTTPDisburser) GetTransfer(ctx context.Context, reference string) (*TransferStatus, error) {
	var status TransferStatus
	if err := c.do(ctx, http.MethodGet, "/transfers/"+strings.TrimSpace(reference), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *HTTPDisburser) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("disburser client not configured")
	}
	return doJSON(ctx, c.http, c.apiKey, method, c.baseURL+path, payload, out, "disburser")
}
