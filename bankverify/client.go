// Package bankverify resolves bank account ownership through the external
// KYC/bank-lookup collaborator. A failed lookup always blocks initiation.
package bankverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrVerificationFailed indicates the account could not be resolved.
var ErrVerificationFailed = errors.New("bankverify: account verification failed")

// Account is the resolved ownership record for a bank account.
type Account struct {
	AccountName string `json:"accountName"`
	BankName    string `json:"bankName"`
}

// Verifier resolves bank account ownership.
type Verifier interface {
	VerifyAccount(ctx context.Context, bankCode, accountNumber string) (Account, error)
}

// HTTPClient implements Verifier against the lookup service HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient constructs a verifier client with sane defaults.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// VerifyAccount implements Verifier.
func (c *HTTPClient) VerifyAccount(ctx context.Context, bankCode, accountNumber string) (Account, error) {
	if c == nil {
		return Account{}, fmt.Errorf("bankverify client not configured")
	}
	bankCode = strings.TrimSpace(bankCode)
	accountNumber = strings.TrimSpace(accountNumber)
	if bankCode == "" || accountNumber == "" {
		return Account{}, fmt.Errorf("%w: bank code and account number required", ErrVerificationFailed)
	}
	query := url.Values{}
	query.Set("bank_code", bankCode)
	query.Set("account_number", accountNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/resolve?"+query.Encode(), nil)
	if err != nil {
		return Account{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Account{}, fmt.Errorf("%w: status=%d", ErrVerificationFailed, resp.StatusCode)
	}
	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if strings.TrimSpace(account.AccountName) == "" {
		return Account{}, fmt.Errorf("%w: empty account name", ErrVerificationFailed)
	}
	return account, nil
}
