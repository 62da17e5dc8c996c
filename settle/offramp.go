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

// OfframpRequest initiates a stablecoin collection that settles as a bank
// payout.
type OfframpRequest struct {
	Reference     string
	UserID        string
	Amount        string
	SenderAddress string
	BankCode      string
	AccountNumber string
	AccountName   string
}

// InitiateOfframp verifies the payout account, prices the conversion, gates on
// liquidity, collects the stablecoin into treasury, and hands the fiat leg to
// the disburser. It returns once the payout has been accepted by the rail; the
// COMPLETED transition arrives through reconciliation.
func (e *Engine) InitiateOfframp(ctx context.Context, req OfframpRequest) (*ledger.SettlementTransaction, error) {
	ctx, span := e.startSpan(ctx, "settle.initiate_offramp", req.Reference)
	defer span.End()
	started := e.now()
	defer func() { e.metrics.ObserveOperation("offramp_initiate", time.Since(started)) }()

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference required", rates.ErrValidation)
	}
	if !ethcommon.IsHexAddress(req.SenderAddress) {
		return nil, fmt.Errorf("%w: invalid sender address", rates.ErrValidation)
	}
	amount, err := rates.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	// Replays return the existing row before any collaborator is consulted,
	// so a degraded verifier or drained treasury cannot break idempotency.
	if existing, err := e.ledger.FindByReference(ctx, reference); err == nil {
		return existing, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		spanError(span, err)
		return nil, err
	}

	account, err := e.verifier.VerifyAccount(ctx, req.BankCode, req.AccountNumber)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	accountName := account.AccountName
	if accountName == "" {
		accountName = strings.TrimSpace(req.AccountName)
	}

	quote, err := e.rates.Quote(ctx, amount, rates.DirectionOfframp)
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	sender := ethcommon.HexToAddress(req.SenderAddress).Hex()
	sourceUnits := custody.ToBaseUnits(amount, e.cfg.StableDecimals)
	if e.preflight != nil {
		if _, err := e.preflight.Check(ctx, sourceUnits, sender, e.cfg.TreasuryAddress); err != nil {
			spanError(span, err)
			return nil, err
		}
	}

	row := &ledger.SettlementTransaction{
		Reference:      reference,
		Direction:      ledger.DirectionOfframp,
		UserID:         strings.TrimSpace(req.UserID),
		SourceAmount:   rates.FormatAmount(amount, StablePrecision),
		FeeAmount:      rates.FormatAmount(quote.Fee, StablePrecision),
		NetAmount:      rates.FormatAmount(quote.NetAmount, StablePrecision),
		CounterAmount:  rates.FormatAmount(quote.CounterAmount, FiatPrecision),
		BaseRate:       rates.FormatAmount(quote.BaseRate, RatePrecision),
		AppliedRate:    rates.FormatAmount(quote.EffectiveRate, RatePrecision),
		RateSource:     string(quote.Source),
		OnChainAddress: sender,
		BankCode:       strings.TrimSpace(req.BankCode),
		AccountNumber:  strings.TrimSpace(req.AccountNumber),
		AccountName:    accountName,
		Status:         ledger.StatusPending,
	}
	created, err := e.ledger.Create(ctx, row)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return created, nil
	}
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	e.metrics.RecordTransition(string(ledger.DirectionOfframp), string(ledger.StatusPending))

	if err := e.collectStablecoin(ctx, created, sender, sourceUnits); err != nil {
		spanError(span, err)
		return nil, err
	}
	if err := e.disburse(ctx, created); err != nil {
		spanError(span, err)
		return nil, err
	}
	return e.ledger.FindByReference(ctx, reference)
}

// collectStablecoin moves the user's stablecoin into treasury and advances the
// row to PROCESSING. A submission error fails cleanly; a confirmation failure
// after broadcast is ambiguous and parks the row for review.
func (e *Engine) collectStablecoin(ctx context.Context, row *ledger.SettlementTransaction, sender string, units *big.Int) error {
	hash, err := e.wallet.SubmitTransfer(ctx, e.cfg.StableAsset, sender, e.cfg.TreasuryAddress, units)
	if err != nil {
		_, _, _ = e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPending}, ledger.StatusFailed, ledger.Patch{
			FailureCode:    FailureChainLeg,
			FailureMessage: "stablecoin collection submission failed",
		})
		return fmt.Errorf("settle: submit collection for %s: %w", row.Reference, err)
	}

	conf, err := e.wallet.AwaitConfirmation(ctx, hash)
	if err != nil || !conf.Confirmed() {
		if err == nil {
			err = custody.ErrConfirmationFailed
		}
		_, _, _ = e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPending}, ledger.StatusFailed, ledger.Patch{
			TransactionHash: hash.Hex(),
			FailureCode:     FailureChainLeg,
			FailureMessage:  "stablecoin collection not confirmed",
			NeedsReview:     true,
		})
		return fmt.Errorf("settle: confirm collection for %s: %w", row.Reference, err)
	}

	_, _, err = e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusPending}, ledger.StatusProcessing, ledger.Patch{
		TransactionHash: conf.TxHash.Hex(),
		ProcessedAt:     timePtr(e.now().UTC()),
	})
	return err
}

// disburse hands the fiat leg to the disburser and advances the row to
// SETTLING. By this point the stablecoin has been collected, so a rail error
// always parks the row for review.
func (e *Engine) disburse(ctx context.Context, row *ledger.SettlementTransaction) error {
	account := rails.PayoutAccount{
		BankCode:      row.BankCode,
		AccountNumber: row.AccountNumber,
		AccountName:   row.AccountName,
	}
	transfer, err := e.disburser.InitiateTransfer(ctx, row.CounterAmount, e.cfg.FiatCurrency, account, row.Reference)
	if err != nil {
		_, _, _ = e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusProcessing}, ledger.StatusFailed, ledger.Patch{
			FailureCode:    FailureDisbursement,
			FailureMessage: "disbursement initiation failed",
			NeedsReview:    true,
		})
		return fmt.Errorf("settle: initiate disbursement for %s: %w", row.Reference, err)
	}

	_, _, err = e.transition(ctx, row.Reference, []ledger.Status{ledger.StatusProcessing}, ledger.StatusSettling, ledger.Patch{
		RailReference: transfer.RailReference,
		RailStatus:    transfer.Status,
		SettledAt:     timePtr(e.now().UTC()),
	})
	if err != nil {
		return err
	}
	e.log.Info("offramp disbursement initiated",
		"reference", row.Reference,
		"railReference", transfer.RailReference,
		"counterAmount", row.CounterAmount,
	)
	return nil
}

// DisburserEvent is a disburser-side status report, whether delivered by
// webhook or fetched by the poller.
type DisburserEvent struct {
	Reference     string
	RailReference string
	Status        string
	Reason        string
	Event         string
}

// ApplyDisburserEvent reconciles one disburser report against the ledger. A
// success may arrive before the initiating request has written SETTLING, so
// PROCESSING is also an accepted prior state.
func (e *Engine) ApplyDisburserEvent(ctx context.Context, evt DisburserEvent) (Outcome, error) {
	ctx, span := e.startSpan(ctx, "settle.apply_disburser_event", evt.Reference)
	defer span.End()

	row, err := e.resolve(ctx, evt.RailReference, evt.Reference)
	if err != nil {
		return OutcomeIgnored, err
	}
	if row.Direction != ledger.DirectionOfframp {
		return OutcomeIgnored, fmt.Errorf("settle: disburser event for %s transaction %s", row.Direction, row.Reference)
	}
	if row.Status.Terminal() {
		return OutcomeReplay, nil
	}

	report := rails.TransferStatus{Status: evt.Status}
	prior := []ledger.Status{ledger.StatusProcessing, ledger.StatusSettling}
	switch {
	case report.Succeeded():
		outcome, _, err := e.transition(ctx, row.Reference, prior, ledger.StatusCompleted, ledger.Patch{
			RailStatus:  evt.Status,
			CompletedAt: timePtr(e.now().UTC()),
		})
		if err != nil {
			return OutcomeIgnored, err
		}
		if outcome == OutcomeApplied {
			e.log.Info("offramp settled", "reference", row.Reference)
		}
		return outcome, nil
	case report.Failed():
		message := fmt.Sprintf("disburser reported %s", evt.Status)
		if strings.TrimSpace(evt.Reason) != "" {
			message = fmt.Sprintf("%s: %s", message, evt.Reason)
		}
		outcome, _, err := e.transition(ctx, row.Reference, prior, ledger.StatusFailed, ledger.Patch{
			RailStatus:     evt.Status,
			FailureCode:    FailureDisbursement,
			FailureMessage: message,
			NeedsReview:    true,
		})
		if err != nil {
			return OutcomeIgnored, err
		}
		if outcome == OutcomeApplied {
			return OutcomeFailed, nil
		}
		return outcome, nil
	default:
		return OutcomePending, nil
	}
}
