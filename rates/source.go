package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// HTTPRateSource fetches the base fiat-per-stablecoin rate from an upstream
// pricing service returning {"rate": "<decimal>"}.
type HTTPRateSource struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPRateSource constructs a rate source with sane defaults.
func NewHTTPRateSource(baseURL, apiKey string) *HTTPRateSource {
	return &HTTPRateSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseRate implements RateSource.
func (s *HTTPRateSource) BaseRate(ctx context.Context) (*big.Rat, error) {
	if s == nil {
		return nil, fmt.Errorf("rate source not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/rate", nil)
	if err != nil {
		return nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rate fetch failed: status=%d", resp.StatusCode)
	}
	var payload struct {
		Rate string `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	rate, ok := new(big.Rat).SetString(strings.TrimSpace(payload.Rate))
	if !ok || rate.Sign() <= 0 {
		return nil, fmt.Errorf("rate fetch returned invalid rate %q", payload.Rate)
	}
	return rate, nil
}
