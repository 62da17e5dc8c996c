package settle

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"stablerail/bankverify"
	"stablerail/custody"
	"stablerail/ledger"
	"stablerail/preflight"
	"stablerail/rails"
	"stablerail/rates"
)

const (
	testTreasury = "0x1111111111111111111111111111111111111111"
	testDeposit  = "0x2222222222222222222222222222222222222222"
	testSender   = "0x3333333333333333333333333333333333333333"
)

var testHash = ethcommon.HexToHash("0x4444444444444444444444444444444444444444444444444444444444444444")

type transferCall struct {
	asset, from, to string
	amount          *big.Int
}

type stubWallet struct {
	stable        *big.Int
	gas           *big.Int
	estimate      *big.Int
	submitErr     error
	confirmStatus string
	confirmErr    error
	transfers     []transferCall
}

func newStubWallet() *stubWallet {
	return &stubWallet{
		stable:        new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil),
		gas:           new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		estimate:      big.NewInt(100000),
		confirmStatus: "confirmed",
	}
}

func (w *stubWallet) StableBalance(context.Context, string, string) (*big.Int, error) {
	return new(big.Int).Set(w.stable), nil
}

func (w *stubWallet) GasBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int).Set(w.gas), nil
}

func (w *stubWallet) EstimateTransferGas(context.Context, string, string, string, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(w.estimate), nil
}

func (w *stubWallet) SubmitTransfer(_ context.Context, asset, from, to string, amount *big.Int) (ethcommon.Hash, error) {
	if w.submitErr != nil {
		return ethcommon.Hash{}, w.submitErr
	}
	w.transfers = append(w.transfers, transferCall{asset: asset, from: from, to: to, amount: new(big.Int).Set(amount)})
	return testHash, nil
}

func (w *stubWallet) AwaitConfirmation(_ context.Context, hash ethcommon.Hash) (custody.Confirmation, error) {
	if w.confirmErr != nil {
		return custody.Confirmation{}, w.confirmErr
	}
	return custody.Confirmation{Status: w.confirmStatus, TxHash: hash}, nil
}

type stubCollector struct {
	created   []string
	createErr error
	status    *rails.ChargeStatus
	verifyErr error
}

func (c *stubCollector) CreateCharge(_ context.Context, reference, _, _, _ string) (*rails.ChargeSession, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.created = append(c.created, reference)
	return &rails.ChargeSession{
		Reference:     reference,
		RailReference: "charge-" + reference,
		CheckoutURL:   "https://collector.test/pay/" + reference,
	}, nil
}

func (c *stubCollector) VerifyCharge(_ context.Context, reference string) (*rails.ChargeStatus, error) {
	if c.verifyErr != nil {
		return nil, c.verifyErr
	}
	if c.status != nil {
		return c.status, nil
	}
	return &rails.ChargeStatus{Reference: reference, Status: "pending"}, nil
}

type stubDisburser struct {
	initiated []string
	initErr   error
	status    *rails.TransferStatus
	getErr    error
}

func (d *stubDisburser) InitiateTransfer(_ context.Context, _, _ string, _ rails.PayoutAccount, reference string) (*rails.Transfer, error) {
	if d.initErr != nil {
		return nil, d.initErr
	}
	d.initiated = append(d.initiated, reference)
	return &rails.Transfer{RailReference: "payout-" + reference, Status: "pending"}, nil
}

func (d *stubDisburser) GetTransfer(_ context.Context, reference string) (*rails.TransferStatus, error) {
	if d.getErr != nil {
		return nil, d.getErr
	}
	if d.status != nil {
		return d.status, nil
	}
	return &rails.TransferStatus{RailReference: "payout-" + reference, Status: "pending"}, nil
}

type stubVerifier struct {
	err error
}

func (v *stubVerifier) VerifyAccount(context.Context, string, string) (bankverify.Account, error) {
	if v.err != nil {
		return bankverify.Account{}, v.err
	}
	return bankverify.Account{AccountName: "ADA OBI", BankName: "First Test Bank"}, nil
}

type testHarness struct {
	engine    *Engine
	store     *ledger.Store
	wallet    *stubWallet
	collector *stubCollector
	disburser *stubDisburser
	verifier  *stubVerifier
}

var harnessSeq atomic.Int64

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := ledger.Open(fmt.Sprintf("file:settle_test_%d?mode=memory&cache=shared", harnessSeq.Add(1)))
	require.NoError(t, err)

	rateEngine, err := rates.NewEngine(fixedSource{big.NewRat(1400, 1)}, rates.Config{
		CacheTTL:     time.Minute,
		FetchTimeout: time.Second,
		Policies: map[rates.Direction]rates.FeePolicy{
			rates.DirectionOnramp: {
				FeePercent: big.NewRat(1, 100),
				Bounds:     rates.Bounds{Min: big.NewRat(1000, 1), Max: big.NewRat(10000000, 1)},
			},
			rates.DirectionOfframp: {
				FeePercent: big.NewRat(1, 100),
				Markup:     big.NewRat(20, 1),
				Bounds:     rates.Bounds{Min: big.NewRat(1, 1), Max: big.NewRat(100000, 1)},
			},
		},
	})
	require.NoError(t, err)

	wallet := newStubWallet()
	collector := &stubCollector{}
	disburser := &stubDisburser{}
	verifier := &stubVerifier{}
	checker := preflight.NewChecker(wallet, "USDC", big.NewInt(1), 3000)

	engine, err := NewEngine(Config{
		StableAsset:     "USDC",
		StableDecimals:  6,
		FiatCurrency:    "NGN",
		TreasuryAddress: testTreasury,
	}, store, rateEngine, checker, wallet, collector, disburser, verifier)
	require.NoError(t, err)
	engine.WithClock(func() time.Time { return time.Unix(1700000000, 0).UTC() })

	return &testHarness{
		engine:    engine,
		store:     store,
		wallet:    wallet,
		collector: collector,
		disburser: disburser,
		verifier:  verifier,
	}
}

type fixedSource struct{ rate *big.Rat }

func (s fixedSource) BaseRate(context.Context) (*big.Rat, error) {
	return new(big.Rat).Set(s.rate), nil
}

type failingSource struct{}

func (failingSource) BaseRate(context.Context) (*big.Rat, error) {
	return nil, fmt.Errorf("pricing unavailable")
}

func TestCancelPendingTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Create(ctx, &ledger.SettlementTransaction{
		Reference: "cancel-1",
		Direction: ledger.DirectionOnramp,
		Status:    ledger.StatusPending,
	})
	require.NoError(t, err)

	row, err := h.engine.Cancel(ctx, "cancel-1")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCancelled, row.Status)

	// Cancelling again is a no-op, not an error.
	row, err = h.engine.Cancel(ctx, "cancel-1")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCancelled, row.Status)
}

func TestCancelRejectsProgressedTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Create(ctx, &ledger.SettlementTransaction{
		Reference: "cancel-2",
		Direction: ledger.DirectionOnramp,
		Status:    ledger.StatusPaid,
	})
	require.NoError(t, err)

	_, err = h.engine.Cancel(ctx, "cancel-2")
	require.ErrorIs(t, err, ErrNotCancellable)

	row, err := h.store.FindByReference(ctx, "cancel-2")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPaid, row.Status)
}

func TestCancelUnknownReference(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownReference)
}
