// Package preflight gates settlement initiation on the custody wallet's
// ability to execute the on-chain leg. The check runs before any row is
// created so the service never promises a payout it cannot honour.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"stablerail/custody"
)

var (
	// ErrLiquidityInsufficient indicates the custody wallet cannot cover
	// the required stablecoin amount.
	ErrLiquidityInsufficient = errors.New("preflight: insufficient stablecoin liquidity")
	// ErrGasInsufficient indicates the custody wallet cannot cover the gas
	// for the on-chain leg.
	ErrGasInsufficient = errors.New("preflight: insufficient gas")
)

// CheckDetail reports one check's figures so callers can produce actionable
// errors.
type CheckDetail struct {
	Ok        bool   `json:"ok"`
	Available string `json:"available"`
	Required  string `json:"required"`
}

// Result aggregates the three independent checks.
type Result struct {
	StableOk    bool        `json:"usdcOk"`
	GasOk       bool        `json:"ethOk"`
	GasEstimate bool        `json:"gasEstimateOk"`
	Stable      CheckDetail `json:"stable"`
	Gas         CheckDetail `json:"gas"`
	Estimate    CheckDetail `json:"estimate"`
}

// Passed reports whether every check succeeded.
func (r Result) Passed() bool {
	return r.StableOk && r.GasOk && r.GasEstimate
}

// Checker runs the liquidity and gas sufficiency gate.
type Checker struct {
	wallet custody.Wallet
	asset  string
	// minGasWei is the native-balance floor the hot wallet must keep.
	minGasWei *big.Int
	// bufferBps inflates the gas estimate as a safety margin.
	bufferBps int64
}

// NewChecker constructs a checker. A buffer of 0 falls back to 30%.
func NewChecker(wallet custody.Wallet, asset string, minGasWei *big.Int, bufferBps int64) *Checker {
	if bufferBps <= 0 {
		bufferBps = 3000
	}
	if minGasWei == nil {
		minGasWei = new(big.Int)
	}
	return &Checker{wallet: wallet, asset: asset, minGasWei: minGasWei, bufferBps: bufferBps}
}

// Check verifies the custody wallet at payerAddress can move requiredStable
// base units to recipient. Any collaborator error fails the affected check
// closed; it is never treated as a pass.
func (c *Checker) Check(ctx context.Context, requiredStable *big.Int, payerAddress, recipient string) (Result, error) {
	if c == nil || c.wallet == nil {
		return Result{}, fmt.Errorf("preflight: wallet not configured")
	}
	if requiredStable == nil || requiredStable.Sign() <= 0 {
		return Result{}, fmt.Errorf("preflight: required amount must be positive")
	}

	result := Result{}

	stableBalance, err := c.wallet.StableBalance(ctx, payerAddress, c.asset)
	if err != nil {
		result.Stable = CheckDetail{Required: requiredStable.String(), Available: "unknown"}
	} else {
		result.StableOk = stableBalance.Cmp(requiredStable) >= 0
		result.Stable = CheckDetail{
			Ok:        result.StableOk,
			Available: stableBalance.String(),
			Required:  requiredStable.String(),
		}
	}

	gasBalance, gasErr := c.wallet.GasBalance(ctx, payerAddress)
	if gasErr != nil {
		result.Gas = CheckDetail{Required: c.minGasWei.String(), Available: "unknown"}
	} else {
		result.GasOk = gasBalance.Cmp(c.minGasWei) >= 0
		result.Gas = CheckDetail{
			Ok:        result.GasOk,
			Available: gasBalance.String(),
			Required:  c.minGasWei.String(),
		}
	}

	estimate, estErr := c.wallet.EstimateTransferGas(ctx, c.asset, payerAddress, recipient, requiredStable)
	if estErr != nil || gasErr != nil {
		result.Estimate = CheckDetail{Available: "unknown", Required: "unknown"}
	} else {
		buffered := c.buffered(estimate)
		result.GasEstimate = gasBalance.Cmp(buffered) >= 0
		result.Estimate = CheckDetail{
			Ok:        result.GasEstimate,
			Available: gasBalance.String(),
			Required:  buffered.String(),
		}
	}

	if !result.StableOk {
		return result, ErrLiquidityInsufficient
	}
	if !result.GasOk || !result.GasEstimate {
		return result, ErrGasInsufficient
	}
	return result, nil
}

func (c *Checker) buffered(estimate *big.Int) *big.Int {
	scaled := new(big.Int).Mul(estimate, big.NewInt(10000+c.bufferBps))
	return scaled.Quo(scaled, big.NewInt(10000))
}
