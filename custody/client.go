// Package custody talks to the wallet-custody service that holds the
// operator's keys. The engine never constructs or signs on-chain
// transactions itself; it submits transfer requests and trusts the custody
// service's confirmation report.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// ErrConfirmationFailed indicates the chain reported the transaction as
// unsuccessful.
var ErrConfirmationFailed = errors.New("custody: transaction failed on chain")

// Confirmation is the custody service's report for a submitted transfer.
type Confirmation struct {
	Status string
	TxHash ethcommon.Hash
}

// Confirmed reports whether the chain leg succeeded.
func (c Confirmation) Confirmed() bool {
	switch strings.ToLower(strings.TrimSpace(c.Status)) {
	case "success", "confirmed", "mined":
		return true
	}
	return false
}

// Wallet is the subset of the custody API the settlement engine requires.
type Wallet interface {
	StableBalance(ctx context.Context, address, asset string) (*big.Int, error)
	GasBalance(ctx context.Context, address string) (*big.Int, error)
	EstimateTransferGas(ctx context.Context, asset, from, to string, amount *big.Int) (*big.Int, error)
	SubmitTransfer(ctx context.Context, asset, from, to string, amount *big.Int) (ethcommon.Hash, error)
	AwaitConfirmation(ctx context.Context, hash ethcommon.Hash) (Confirmation, error)
}

// HTTPClient implements Wallet against the custody service HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	network string
	http    *http.Client
}

// NewHTTPClient constructs a custody client with sane defaults.
func NewHTTPClient(baseURL, token, network string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		network: network,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

type estimateResponse struct {
	GasCostWei string `json:"gasCostWei"`
}

type transferResponse struct {
	Hash string `json:"hash"`
}

type confirmationResponse struct {
	Status string `json:"status"`
	TxHash string `json:"txHash"`
}

// StableBalance returns the custody wallet's token balance in base units.
func (c *HTTPClient) StableBalance(ctx context.Context, address, asset string) (*big.Int, error) {
	if !ethcommon.IsHexAddress(address) {
		return nil, fmt.Errorf("custody: invalid address %q", address)
	}
	var out balanceResponse
	path := fmt.Sprintf("/balances/%s/%s", ethcommon.HexToAddress(address).Hex(), strings.ToUpper(asset))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return parseBig(out.Balance, "balance")
}

// GasBalance returns the custody wallet's native balance in wei.
func (c *HTTPClient) GasBalance(ctx context.Context, address string) (*big.Int, error) {
	if !ethcommon.IsHexAddress(address) {
		return nil, fmt.Errorf("custody: invalid address %q", address)
	}
	var out balanceResponse
	path := fmt.Sprintf("/balances/%s/native", ethcommon.HexToAddress(address).Hex())
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return parseBig(out.Balance, "balance")
}

// EstimateTransferGas returns the estimated total gas cost of the transfer in wei.
func (c *HTTPClient) EstimateTransferGas(ctx context.Context, asset, from, to string, amount *big.Int) (*big.Int, error) {
	payload, err := transferPayload(c.network, asset, from, to, amount)
	if err != nil {
		return nil, err
	}
	var out estimateResponse
	if err := c.do(ctx, http.MethodPost, "/transfers/estimate", payload, &out); err != nil {
		return nil, err
	}
	return parseBig(out.GasCostWei, "gas estimate")
}

// SubmitTransfer asks custody to sign and broadcast the transfer.
func (c *HTTPClient) SubmitTransfer(ctx context.Context, asset, from, to string, amount *big.Int) (ethcommon.Hash, error) {
	payload, err := transferPayload(c.network, asset, from, to, amount)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	var out transferResponse
	if err := c.do(ctx, http.MethodPost, "/transfers", payload, &out); err != nil {
		return ethcommon.Hash{}, err
	}
	trimmed := strings.TrimSpace(out.Hash)
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 66 {
		return ethcommon.Hash{}, fmt.Errorf("custody: invalid transaction hash %q", out.Hash)
	}
	return ethcommon.HexToHash(trimmed), nil
}

// AwaitConfirmation blocks until custody reports a terminal chain status for
// the hash or the context expires.
func (c *HTTPClient) AwaitConfirmation(ctx context.Context, hash ethcommon.Hash) (Confirmation, error) {
	var out confirmationResponse
	if err := c.do(ctx, http.MethodGet, "/transfers/"+hash.Hex()+"/confirmation", nil, &out); err != nil {
		return Confirmation{}, err
	}
	conf := Confirmation{Status: out.Status, TxHash: hash}
	if trimmed := strings.TrimSpace(out.TxHash); trimmed != "" {
		conf.TxHash = ethcommon.HexToHash(trimmed)
	}
	return conf, nil
}

func transferPayload(network, asset, from, to string, amount *big.Int) (map[string]string, error) {
	if !ethcommon.IsHexAddress(from) {
		return nil, fmt.Errorf("custody: invalid sender address %q", from)
	}
	if !ethcommon.IsHexAddress(to) {
		return nil, fmt.Errorf("custody: invalid recipient address %q", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("custody: transfer amount must be positive")
	}
	return map[string]string{
		"network": network,
		"asset":   strings.ToUpper(asset),
		"from":    ethcommon.HexToAddress(from).Hex(),
		"to":      ethcommon.HexToAddress(to).Hex(),
		"amount":  amount.String(),
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return fmt.Errorf("custody client not configured")
	}
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
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("custody %s failed: status=%d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseBig(raw, what string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("custody: invalid %s %q", what, raw)
	}
	return value, nil
}

// ToBaseUnits converts a decimal token amount into integer base units with the
// given number of decimals, truncating any precision beyond them.
func ToBaseUnits(amount *big.Rat, decimals int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(amount, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}
