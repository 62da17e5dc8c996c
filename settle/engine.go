// Package settle drives settlement transactions through their directional
// state machines. Webhook and polling reconciliation both land here so the
// business rules for tolerance and valid next states live in exactly one
// place.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stablerail/bankverify"
	"stablerail/custody"
	"stablerail/ledger"
	"stablerail/observability"
	"stablerail/preflight"
	"stablerail/rails"
	"stablerail/rates"
)

// Failure codes recorded on FAILED rows. The codes distinguish "money already
// moved on one rail" cases, whose remediation differs from a clean failure.
const (
	FailureAmountMismatch = "AMOUNT_MISMATCH"
	FailureRailDeclined   = "RAIL_DECLINED"
	FailureChainLeg       = "CHAIN_LEG_FAILED"
	FailureDisbursement   = "DISBURSEMENT_FAILED"
)

// Outcome summarises how a reconciliation event landed.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeReplay  Outcome = "replay"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
	OutcomeIgnored Outcome = "ignored"
)

var (
	// ErrNotCancellable indicates the transaction has progressed past PENDING.
	ErrNotCancellable = errors.New("settle: transaction can no longer be cancelled")
	// ErrUnknownReference indicates no transaction matches the event.
	ErrUnknownReference = errors.New("settle: unknown reference")
)

// Decimal precisions used when rendering amounts toward the rails and the API.
const (
	FiatPrecision   = 2
	StablePrecision = 6
	RatePrecision   = 8
)

// Config carries the engine's static settlement parameters.
type Config struct {
	// StableAsset is the stablecoin symbol, e.g. USDC.
	StableAsset string
	// StableDecimals is the token's base-unit precision.
	StableDecimals int
	// FiatCurrency is the fiat ISO code both rails settle in.
	FiatCurrency string
	// TreasuryAddress is the operator-controlled hot wallet.
	TreasuryAddress string
	// AmountTolerance is the fiat slack allowed between expected and paid
	// amounts before an onramp is failed for mismatch.
	AmountTolerance *big.Rat
}

// Engine coordinates the ledger, the rate engine, and the external
// collaborators for both settlement directions.
type Engine struct {
	cfg       Config
	ledger    *ledger.Store
	rates     *rates.Engine
	preflight *preflight.Checker
	wallet    custody.Wallet
	collector rails.Collector
	disburser rails.Disburser
	verifier  bankverify.Verifier

	tracer  trace.Tracer
	metrics *observability.SettlementMetrics
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine constructs a settlement engine.
func NewEngine(cfg Config, store *ledger.Store, rateEngine *rates.Engine, checker *preflight.Checker, wallet custody.Wallet, collector rails.Collector, disburser rails.Disburser, verifier bankverify.Verifier) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("settle: ledger required")
	}
	if rateEngine == nil {
		return nil, fmt.Errorf("settle: rate engine required")
	}
	if cfg.StableDecimals <= 0 {
		cfg.StableDecimals = 6
	}
	if cfg.AmountTolerance == nil {
		cfg.AmountTolerance = big.NewRat(1, 1)
	}
	return &Engine{
		cfg:       cfg,
		ledger:    store,
		rates:     rateEngine,
		preflight: checker,
		wallet:    wallet,
		collector: collector,
		disburser: disburser,
		verifier:  verifier,
		tracer:    otel.Tracer("settle"),
		metrics:   observability.Settlement(),
		log:       slog.Default(),
		now:       time.Now,
	}, nil
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock != nil {
		e.now = clock
	}
}

// Ledger exposes the backing store for read paths.
func (e *Engine) Ledger() *ledger.Store { return e.ledger }

// Quote prices a conversion without creating any state.
func (e *Engine) Quote(ctx context.Context, amount *big.Rat, direction ledger.Direction) (rates.Quote, error) {
	return e.rates.Quote(ctx, amount, rates.Direction(direction))
}

// Cancel aborts a transaction that has not progressed past PENDING.
func (e *Engine) Cancel(ctx context.Context, reference string) (*ledger.SettlementTransaction, error) {
	applied, current, err := e.ledger.Transition(ctx, reference, []ledger.Status{ledger.StatusPending}, ledger.StatusCancelled, ledger.Patch{})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrUnknownReference
		}
		return nil, err
	}
	if !applied {
		if current.Status == ledger.StatusCancelled {
			return current, nil
		}
		return current, ErrNotCancellable
	}
	e.metrics.RecordTransition(string(current.Direction), string(ledger.StatusCancelled))
	return current, nil
}

// transition applies one guarded status change and records metrics. A CAS
// miss where the row already sits at the target status is reported as a
// replay, never an error.
func (e *Engine) transition(ctx context.Context, reference string, expected []ledger.Status, next ledger.Status, patch ledger.Patch) (Outcome, *ledger.SettlementTransaction, error) {
	applied, current, err := e.ledger.Transition(ctx, reference, expected, next, patch)
	if err != nil {
		return OutcomeIgnored, nil, err
	}
	if applied {
		e.metrics.RecordTransition(string(current.Direction), string(next))
		if patch.NeedsReview {
			e.metrics.RecordManualReview(patch.FailureCode)
		}
		return OutcomeApplied, current, nil
	}
	if current.Status == next {
		return OutcomeReplay, current, nil
	}
	e.log.Warn("rejected ledger transition",
		"reference", reference,
		"current", current.Status,
		"attempted", next,
	)
	return OutcomeIgnored, current, nil
}

func (e *Engine) startSpan(ctx context.Context, name, reference string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("reference", reference)))
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func timePtr(t time.Time) *time.Time { return &t }

func absRat(r *big.Rat) *big.Rat {
	if r.Sign() < 0 {
		return new(big.Rat).Neg(r)
	}
	return new(big.Rat).Set(r)
}
