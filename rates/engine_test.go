package rates

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSource struct {
	rate  *big.Rat
	err   error
	calls int
}

func (s *stubSource) BaseRate(context.Context) (*big.Rat, error) {
	s.calls++
	return s.rate, s.err
}

func testConfig() Config {
	return Config{
		CacheTTL:     time.Minute,
		FetchTimeout: time.Second,
		Policies: map[Direction]FeePolicy{
			DirectionOnramp: {
				FeePercent: big.NewRat(1, 100),
				Bounds:     Bounds{Min: big.NewRat(1000, 1), Max: big.NewRat(10000000, 1)},
			},
			DirectionOfframp: {
				FeePercent: big.NewRat(1, 100),
				Markup:     big.NewRat(20, 1),
				Bounds:     Bounds{Min: big.NewRat(1, 1), Max: big.NewRat(100000, 1)},
			},
		},
	}
}

func TestOfframpQuoteMath(t *testing.T) {
	source := &stubSource{rate: big.NewRat(1400, 1)}
	engine, err := NewEngine(source, testConfig())
	require.NoError(t, err)

	quote, err := engine.Quote(context.Background(), big.NewRat(100, 1), DirectionOfframp)
	require.NoError(t, err)

	// 100 at 1% fee leaves 99; base 1400 plus markup 20 gives 1420; the
	// fiat leg must come out to exactly 140580.
	require.Equal(t, "1", FormatAmount(quote.Fee, 6))
	require.Equal(t, "99", FormatAmount(quote.NetAmount, 6))
	require.Equal(t, "1420", FormatAmount(quote.EffectiveRate, 8))
	require.Equal(t, "140580", FormatAmount(quote.CounterAmount, 2))
	require.Equal(t, SourcePrimary, quote.Source)
}

func TestOfframpFeeCap(t *testing.T) {
	cfg := testConfig()
	policy := cfg.Policies[DirectionOfframp]
	policy.FeeCap = big.NewRat(1, 2)
	cfg.Policies[DirectionOfframp] = policy

	engine, err := NewEngine(&stubSource{rate: big.NewRat(1400, 1)}, cfg)
	require.NoError(t, err)

	quote, err := engine.Quote(context.Background(), big.NewRat(100, 1), DirectionOfframp)
	require.NoError(t, err)
	require.Equal(t, "0.5", FormatAmount(quote.Fee, 6))
	require.Equal(t, "99.5", FormatAmount(quote.NetAmount, 6))
}

func TestOnrampQuoteInvertsRate(t *testing.T) {
	engine, err := NewEngine(&stubSource{rate: big.NewRat(1400, 1)}, testConfig())
	require.NoError(t, err)

	quote, err := engine.Quote(context.Background(), big.NewRat(140000, 1), DirectionOnramp)
	require.NoError(t, err)

	// 140000 fiat at 1% fee nets 138600, which buys 99 tokens at 1400.
	require.Equal(t, "1400", FormatAmount(quote.Fee, 2))
	require.Equal(t, "99", FormatAmount(quote.CounterAmount, 6))
}

func TestQuoteValidatesBeforeFetching(t *testing.T) {
	source := &stubSource{rate: big.NewRat(1400, 1)}
	engine, err := NewEngine(source, testConfig())
	require.NoError(t, err)

	_, err = engine.Quote(context.Background(), big.NewRat(-5, 1), DirectionOfframp)
	require.ErrorIs(t, err, ErrValidation)
	_, err = engine.Quote(context.Background(), nil, DirectionOfframp)
	require.ErrorIs(t, err, ErrValidation)
	_, err = engine.Quote(context.Background(), big.NewRat(200000, 1), DirectionOfframp)
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, source.calls, "validation failures must not reach the network")
}

func TestQuoteUsesFreshCache(t *testing.T) {
	source := &stubSource{rate: big.NewRat(1400, 1)}
	engine, err := NewEngine(source, testConfig())
	require.NoError(t, err)

	current := time.Unix(1700000000, 0)
	engine.WithClock(func() time.Time { return current })

	_, err = engine.Quote(context.Background(), big.NewRat(100, 1), DirectionOfframp)
	require.NoError(t, err)
	require.Equal(t, 1, source.calls)

	current = current.Add(30 * time.Second)
	quote, err := engine.Quote(context.Background(), big.NewRat(100, 1), DirectionOfframp)
	require.NoError(t, err)
	require.Equal(t, 1, source.calls, "fresh cache must not refetch")
	require.Equal(t, SourceCache, quote.Source)
}

func TestQuoteFallsBackToStaleCache(t *testing.T) {
	source := &stubSource{rate: big.NewRat(1400, 1)}
	engine, err := NewEngine(source, testConfig())
	require.NoError(t, err)

	current := time.Unix(1700000000, 0)
	engine.WithClock(func() time.Time { return current })

	_, err = engine.Quote(context.Background(), big.NewRat(100, 1), DirectionOfframp)
	require.NoError(t, err)

	source.err = errors.New("upstream down")
	current = current.Add(10 * time.Minute)

	quote, err := engine.Quote(context.Background(), big.NewRat(100, 1), DirectionOfframp)
	require.NoError(t, err)
	require.Equal(t, SourceCache, quote.Source)
	require.Equal(t, "1420", FormatAmount(quote.EffectiveRate, 8))
}

func TestQuoteFallsBackToStaticRate(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackRate = big.NewRat(1350, 1)
	engine, err := NewEngine(&stubSource{err: errors.New("upstream down")}, cfg)
	require.NoError(t, err)

	quote, err := engine.Quote(context.Background(), big.NewRat(100, 1), DirectionOfframp)
	require.NoError(t, err)
	require.Equal(t, SourceFallback, quote.Source)
	require.Equal(t, "1370", FormatAmount(quote.EffectiveRate, 8))
}

func TestQuoteUnavailableWithoutAnyTier(t *testing.T) {
	engine, err := NewEngine(&stubSource{err: errors.New("upstream down")}, testConfig())
	require.NoError(t, err)

	_, err = engine.Quote(context.Background(), big.NewRat(100, 1), DirectionOfframp)
	require.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestFormatAmountTrimsZeros(t *testing.T) {
	require.Equal(t, "140580", FormatAmount(big.NewRat(140580, 1), 2))
	require.Equal(t, "0.5", FormatAmount(big.NewRat(1, 2), 6))
	require.Equal(t, "0", FormatAmount(nil, 2))
}

func TestParseAmount(t *testing.T) {
	value, err := ParseAmount("100.25")
	require.NoError(t, err)
	require.Equal(t, 0, value.Cmp(big.NewRat(401, 4)))

	_, err = ParseAmount("")
	require.ErrorIs(t, err, ErrValidation)
	_, err = ParseAmount("abc")
	require.ErrorIs(t, err, ErrValidation)
}
