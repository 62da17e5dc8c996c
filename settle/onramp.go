package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"stablerail/custody"
	"stablerail/ledger"
	"stablerail/rails"
	"stablerail/rates"
)

// OnrampRequest initiates a fiat collection that settles as a stablecoin
// credit to the user's deposit address.
type OnrampRequest struct {
	Reference      string
	UserID         string
	Amount         string
	Email          string
	DepositAddress string
}

// OnrampSession pairs the ledger row with the collector checkout handoff.
type OnrampSession struct {
	Transaction *ledger.SettlementTransaction
	CheckoutURL string
}

// InitiateOnramp quotes the conversion, records the PENDING row, and opens a
// collector charge session. Replaying a reference returns the existing row
// without opening a second charge.
func (e *Engine) InitiateOnramp(ctx context.Context, req OnrampRequest) (*OnrampSession, error) {
	ctx, span := e.startSpan(ctx, "settle.initiate_onramp", req.Reference)
	defer span.End()

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference required", rates.ErrValidation)
	}
	if !ethcommon.IsHexAddress(req.DepositAddress) {
		return nil, fmt.Errorf("%w: invalid deposit address", rates.ErrValidation)
	}
	amount, err := rates.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	// Replays return the existing row before quoting, so a rate outage
	// cannot break idempotency for a reference that already settled.
	if existing, err := e.ledger.FindByReference(ctx, reference); err == nil {
		return &OnrampSession{Transaction: existing}, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		spanError(span, err)
		return nil, err
	}

	quote, err := e.rates.Quote(ctx, amount, rates.DirectionOnramp)
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	row := &ledger.SettlementTransaction{
		Reference:      reference,
		Direction:      ledger.DirectionOnramp,
		UserID:         strings.TrimSpace(req.UserID),
		SourceAmount:   rates.FormatAmount(amount, FiatPrecision),
		FeeAmount:      rates.FormatAmount(quote.Fee, FiatPrecision),
		NetAmount:      rates.FormatAmount(quote.NetAmount, FiatPrecision),
		CounterAmount:  rates.FormatAmount(quote.CounterAmount, StablePrecision),
		BaseRate:       rates.FormatAmount(quote.BaseRate, RatePrecision),
		AppliedRate:    rates.FormatAmount(quote.EffectiveRate, RatePrecision),
		RateSource:     string(quote.Source),
		OnChainAddress: ethcommon.HexToAddress(req.DepositAddress).Hex(),
		Status:         ledger.StatusPending,
	}
	created, err := e.ledger.Create(ctx, row)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return &OnrampSession{Transaction: created}, nil
	}
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	e.metrics.RecordTransition(string(ledger.DirectionOnramp), string(ledger.StatusPending))

	session, err := e.collector.CreateCharge(ctx, reference, row.SourceAmount, e.cfg.FiatCurrency, strings.TrimSpace(req.Email))
	if err != nil {
		// No money has moved yet; fail the row cleanly and surface the error.
		_, _, _ = e.transition(ctx, reference, []ledger.Status{ledger.StatusPending}, ledger.StatusFailed, ledger.Patch{
			FailureCode:    FailureRailDeclined,
			FailureMessage: "collector charge creation failed",
		})
		spanError(span, err)
		return nil, fmt.Errorf("settle: open collector charge: %w", err)
	}
	if session.RailReference != "" {
		if err := e.ledger.AttachRailReference(ctx, reference, session.RailReference, ""); err != nil {
			e.log.Warn("attach rail reference failed", "reference", reference, "error", err)
		}
	}
	return &OnrampSession{Transaction: created, CheckoutURL: session.CheckoutURL}, nil
}

// CollectorEvent is a collector-side status report, whether delivered by
// webhook or fetched by the poller.
type CollectorEvent struct {
	Reference     string
	RailReference string
	Status        string
	AmountPaid    string
	Event         string
}

// ApplyCollectorEvent reconciles one collector report against the ledger.
// Whichever caller wins the PENDING to PAID race performs the on-chain credit;
// every other delivery of the same event becomes a no-op replay.
func (e *Engine) ApplyCollectorEvent(ctx context.Context, evt CollectorEvent) (Outcome, error) {
	ctx, span := e.startSpan(ctx, "settle.apply_collector_event", evt.Reference)
	defer span.End()

	row, err := e.resolve(ctx, evt.RailReference, evt.Reference)
	if err != nil {
		return OutcomeIgnored, err
	}
	if row.Direction != ledger.DirectionOnramp {
		return OutcomeIgnored, fmt.Errorf("settle: collector event for %s transaction %s", row.Direction, row.Reference)
	}
	if row.Status.Terminal() {
		return OutcomeReplay, nil
	}

	report := rails.ChargeStatus{Status: evt.Status, AmountPaid: evt.AmountPaid}
	switch {
	case report.Declined():
		outcome, _, err := e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPending}, ledger.StatusFailed, ledger.Patch{
			RailStatus:     evt.Status,
			FailureCode:    FailureRailDeclined,
			FailureMessage: fmt.Sprintf("collector reported %s", evt.Status),
		})
		if err != nil {
			return OutcomeIgnored, err
		}
		if outcome == OutcomeApplied {
			return OutcomeFailed, nil
		}
		return outcome, nil
	case report.Succeeded():
		return e.settlePaidCharge(ctx, row, evt)
	default:
		if evt.RailReference != "" && row.RailReference == "" {
			_ = e.ledger.AttachRailReference(ctx, row.Reference, evt.RailReference, evt.Status)
		}
		return OutcomePending, nil
	}
}

func (e *Engine) settlePaidCharge(ctx context.Context, row *ledger.SettlementTransaction, evt CollectorEvent) (Outcome, error) {
	if strings.TrimSpace(evt.AmountPaid) != "" {
		expected, err := rates.ParseAmount(row.SourceAmount)
		if err != nil {
			return OutcomeIgnored, fmt.Errorf("settle: corrupt source amount on %s: %w", row.Reference, err)
		}
		paid, err := rates.ParseAmount(evt.AmountPaid)
		if err != nil {
			return OutcomeIgnored, fmt.Errorf("settle: unparseable paid amount %q: %w", evt.AmountPaid, err)
		}
		diff := absRat(new(big.Rat).Sub(paid, expected))
		if diff.Cmp(e.cfg.AmountTolerance) > 0 {
			outcome, _, err := e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPending}, ledger.StatusFailed, ledger.Patch{
				RailStatus:     evt.Status,
				FailureCode:    FailureAmountMismatch,
				FailureMessage: fmt.Sprintf("amount mismatch: expected %s, collector reports %s", row.SourceAmount, evt.AmountPaid),
				NeedsReview:    true,
			})
			if err != nil {
				return OutcomeIgnored, err
			}
			if outcome == OutcomeApplied {
				return OutcomeFailed, nil
			}
			return outcome, nil
		}
	}

	patch := ledger.Patch{RailStatus: evt.Status, ProcessedAt: timePtr(e.now().UTC())}
	if evt.RailReference != "" {
		patch.RailReference = evt.RailReference
	}
	outcome, current, err := e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPending}, ledger.StatusPaid, patch)
	if err != nil {
		return OutcomeIgnored, err
	}
	if outcome != OutcomeApplied {
		// Lost the CAS: another delivery owns the credit, or the row already
		// completed. Either way the chain leg must not run twice.
		if current != nil && current.Status == ledger.StatusPaid {
			return OutcomeReplay, nil
		}
		return outcome, nil
	}
	return e.creditOnChain(ctx, current)
}

// creditOnChain performs the stablecoin leg for a PAID onramp. Fiat is already
// captured, so every failure here parks the row for manual review rather than
// silently retrying a transfer that may have gone through.
func (e *Engine) creditOnChain(ctx context.Context, row *ledger.SettlementTransaction) (Outcome, error) {
	started := e.now()
	defer func() { e.metrics.ObserveOperation("onramp_chain_credit", time.Since(started)) }()

	counter, err := rates.ParseAmount(row.CounterAmount)
	if err != nil {
		_, _, _ = e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPaid}, ledger.StatusFailed, ledger.Patch{
			FailureCode:    FailureChainLeg,
			FailureMessage: "corrupt counter amount",
			NeedsReview:    true,
		})
		return OutcomeFailed, fmt.Errorf("settle: corrupt counter amount on %s: %w", row.Reference, err)
	}
	units := custody.ToBaseUnits(counter, e.cfg.StableDecimals)

	hash, err := e.wallet.SubmitTransfer(ctx, e.cfg.StableAsset, e.cfg.TreasuryAddress, row.OnChainAddress, units)
	if err != nil {
		_, _, _ = e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPaid}, ledger.StatusFailed, ledger.Patch{
			FailureCode:    FailureChainLeg,
			FailureMessage: "stablecoin transfer submission failed",
			NeedsReview:    true,
		})
		return OutcomeFailed, fmt.Errorf("settle: submit credit for %s: %w", row.Reference, err)
	}

	conf, err := e.wallet.AwaitConfirmation(ctx, hash)
	if err != nil || !conf.Confirmed() {
		if err == nil {
			err = custody.ErrConfirmationFailed
		}
		_, _, _ = e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPaid}, ledger.StatusFailed, ledger.Patch{
			TransactionHash: hash.Hex(),
			FailureCode:     FailureChainLeg,
			FailureMessage:  "stablecoin transfer not confirmed",
			NeedsReview:     true,
		})
		return OutcomeFailed, fmt.Errorf("settle: confirm credit for %s: %w", row.Reference, err)
	}

	outcome, _, err := e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPaid}, ledger.StatusCompleted, ledger.Patch{
		TransactionHash: conf.TxHash.Hex(),
		CompletedAt:     timePtr(e.now().UTC()),
	})
	if err != nil {
		return OutcomeIgnored, err
	}
	e.log.Info("onramp settled",
		"reference", row.Reference,
		"txHash", conf.TxHash.Hex(),
		"counterAmount", row.CounterAmount,
	)
	return outcome, nil
}

// resolve locates a transaction by the rail's id first, falling back to the
// settlement reference the service issued.
func (e *Engine) resolve(ctx context.Context, railRef, reference string) (*ledger.SettlementTransaction, error) {
	if strings.TrimSpace(railRef) != "" {
		row, err := e.ledger.FindByRailReference(ctx, railRef)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}
	if strings.TrimSpace(reference) == "" {
		return nil, ErrUnknownReference
	}
	row, err := e.ledger.FindByReference(ctx, reference)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrUnknownReference
	}
	return row, err
}
