package settle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"stablerail/bankverify"
	"stablerail/ledger"
	"stablerail/preflight"
	"stablerail/rates"
)

func initiateOfframp(t *testing.T, h *testHarness, reference string) *ledger.SettlementTransaction {
	t.Helper()
	row, err := h.engine.InitiateOfframp(context.Background(), OfframpRequest{
		Reference:     reference,
		UserID:        "user-1",
		Amount:        "100",
		SenderAddress: testSender,
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.NoError(t, err)
	return row
}

func TestInitiateOfframpHappyPath(t *testing.T) {
	h := newHarness(t)
	row := initiateOfframp(t, h, "off-1")

	require.Equal(t, ledger.StatusSettling, row.Status)
	require.Equal(t, "100", row.SourceAmount)
	require.Equal(t, "1", row.FeeAmount)
	require.Equal(t, "99", row.NetAmount)
	require.Equal(t, "140580", row.CounterAmount)
	require.Equal(t, "ADA OBI", row.AccountName)
	require.Equal(t, testHash.Hex(), row.TransactionHash)
	require.Equal(t, "payout-off-1", row.RailReference)
	require.NotNil(t, row.ProcessedAt)
	require.NotNil(t, row.SettledAt)

	// The stablecoin leg pulls the full source amount into treasury.
	require.Len(t, h.wallet.transfers, 1)
	collection := h.wallet.transfers[0]
	require.Equal(t, testSender, collection.from)
	require.Equal(t, testTreasury, collection.to)
	require.Equal(t, "100000000", collection.amount.String())

	require.Equal(t, []string{"off-1"}, h.disburser.initiated)
}

func TestInitiateOfframpReplayReturnsExisting(t *testing.T) {
	h := newHarness(t)
	initiateOfframp(t, h, "off-2")
	row := initiateOfframp(t, h, "off-2")

	require.Equal(t, ledger.StatusSettling, row.Status)
	require.Len(t, h.wallet.transfers, 1, "replay must not move funds again")
	require.Equal(t, []string{"off-2"}, h.disburser.initiated)
}

func TestInitiateOfframpReplaySurvivesCollaboratorOutage(t *testing.T) {
	h := newHarness(t)
	first := initiateOfframp(t, h, "off-13")

	// The verifier goes down and the sender's balance drains after the first
	// settlement; a replay of the same reference must not consult either.
	h.verifier.err = bankverify.ErrVerificationFailed
	h.wallet.stable = big.NewInt(1)

	row, err := h.engine.InitiateOfframp(context.Background(), OfframpRequest{
		Reference:     "off-13",
		UserID:        "user-1",
		Amount:        "100",
		SenderAddress: testSender,
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSettling, row.Status)
	require.Equal(t, first.CounterAmount, row.CounterAmount)
	require.Len(t, h.wallet.transfers, 1, "replay must not move funds again")
}

func TestInitiateOfframpVerificationFailure(t *testing.T) {
	h := newHarness(t)
	h.verifier.err = bankverify.ErrVerificationFailed

	_, err := h.engine.InitiateOfframp(context.Background(), OfframpRequest{
		Reference:     "off-3",
		Amount:        "100",
		SenderAddress: testSender,
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.ErrorIs(t, err, bankverify.ErrVerificationFailed)

	_, err = h.store.FindByReference(context.Background(), "off-3")
	require.ErrorIs(t, err, ledger.ErrNotFound, "no row before verification passes")
}

func TestInitiateOfframpPreflightFailure(t *testing.T) {
	h := newHarness(t)
	h.wallet.stable = big.NewInt(1)

	_, err := h.engine.InitiateOfframp(context.Background(), OfframpRequest{
		Reference:     "off-4",
		Amount:        "100",
		SenderAddress: testSender,
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.ErrorIs(t, err, preflight.ErrLiquidityInsufficient)

	_, err = h.store.FindByReference(context.Background(), "off-4")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.Empty(t, h.wallet.transfers)
}

func TestInitiateOfframpValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.InitiateOfframp(context.Background(), OfframpRequest{
		Reference:     "off-5",
		Amount:        "100",
		SenderAddress: "nope",
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.ErrorIs(t, err, rates.ErrValidation)

	_, err = h.engine.InitiateOfframp(context.Background(), OfframpRequest{
		Reference:     "off-5",
		Amount:        "-3",
		SenderAddress: testSender,
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.ErrorIs(t, err, rates.ErrValidation)
}

func TestInitiateOfframpSubmitFailureFailsCleanly(t *testing.T) {
	h := newHarness(t)
	h.wallet.submitErr = errors.New("custody unavailable")
	ctx := context.Background()

	_, err := h.engine.InitiateOfframp(ctx, OfframpRequest{
		Reference:     "off-6",
		Amount:        "100",
		SenderAddress: testSender,
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.Error(t, err)

	row, findErr := h.store.FindByReference(ctx, "off-6")
	require.NoError(t, findErr)
	require.Equal(t, ledger.StatusFailed, row.Status)
	require.Equal(t, FailureChainLeg, row.FailureCode)
	require.False(t, row.NeedsReview, "nothing was broadcast")
	require.Empty(t, h.disburser.initiated)
}

func TestInitiateOfframpConfirmationFailureParksForReview(t *testing.T) {
	h := newHarness(t)
	h.wallet.confirmErr = errors.New("timeout waiting for receipt")
	ctx := context.Background()

	_, err := h.engine.InitiateOfframp(ctx, OfframpRequest{
		Reference:     "off-7",
		Amount:        "100",
		SenderAddress: testSender,
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.Error(t, err)

	// The transfer was broadcast; whether it landed is unknown.
	row, findErr := h.store.FindByReference(ctx, "off-7")
	require.NoError(t, findErr)
	require.Equal(t, ledger.StatusFailed, row.Status)
	require.True(t, row.NeedsReview)
}

func TestInitiateOfframpDisbursementFailureParksForReview(t *testing.T) {
	h := newHarness(t)
	h.disburser.initErr = errors.New("disburser down")
	ctx := context.Background()

	_, err := h.engine.InitiateOfframp(ctx, OfframpRequest{
		Reference:     "off-8",
		Amount:        "100",
		SenderAddress: testSender,
		BankCode:      "058",
		AccountNumber: "0123456789",
	})
	require.Error(t, err)

	// Stablecoin is in treasury but no payout went out.
	row, findErr := h.store.FindByReference(ctx, "off-8")
	require.NoError(t, findErr)
	require.Equal(t, ledger.StatusFailed, row.Status)
	require.Equal(t, FailureDisbursement, row.FailureCode)
	require.True(t, row.NeedsReview)
	require.Len(t, h.wallet.transfers, 1)
}

func TestDisburserSuccessCompletesOfframp(t *testing.T) {
	h := newHarness(t)
	initiateOfframp(t, h, "off-9")
	ctx := context.Background()

	outcome, err := h.engine.ApplyDisburserEvent(ctx, DisburserEvent{
		RailReference: "payout-off-9",
		Status:        "successful",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	row, err := h.store.FindByReference(ctx, "off-9")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, row.Status)
	require.NotNil(t, row.CompletedAt)
}

func TestDisburserReplayIsNoOp(t *testing.T) {
	h := newHarness(t)
	initiateOfframp(t, h, "off-10")
	ctx := context.Background()
	evt := DisburserEvent{RailReference: "payout-off-10", Status: "successful"}

	_, err := h.engine.ApplyDisburserEvent(ctx, evt)
	require.NoError(t, err)

	outcome, err := h.engine.ApplyDisburserEvent(ctx, evt)
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, outcome)
}

func TestDisburserFailureParksForReview(t *testing.T) {
	h := newHarness(t)
	initiateOfframp(t, h, "off-11")
	ctx := context.Background()

	outcome, err := h.engine.ApplyDisburserEvent(ctx, DisburserEvent{
		RailReference: "payout-off-11",
		Status:        "failed",
		Reason:        "beneficiary account closed",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	row, err := h.store.FindByReference(ctx, "off-11")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, row.Status)
	require.Equal(t, FailureDisbursement, row.FailureCode)
	require.Contains(t, row.FailureMessage, "beneficiary account closed")
	require.True(t, row.NeedsReview)
}

func TestDisburserPendingEventIsNoOp(t *testing.T) {
	h := newHarness(t)
	initiateOfframp(t, h, "off-12")

	outcome, err := h.engine.ApplyDisburserEvent(context.Background(), DisburserEvent{
		RailReference: "payout-off-12",
		Status:        "queued",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome)
}
