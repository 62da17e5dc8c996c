package rates

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"stablerail/observability"
)

// Direction identifies which leg of the bridge a quote prices.
type Direction string

const (
	// DirectionOnramp converts collected fiat into stablecoin.
	DirectionOnramp Direction = "ONRAMP"
	// DirectionOfframp converts collected stablecoin into fiat.
	DirectionOfframp Direction = "OFFRAMP"
)

// Source records where the base rate used for a quote came from.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

var (
	// ErrValidation indicates the requested amount failed pre-network validation.
	ErrValidation = errors.New("rates: invalid amount")
	// ErrQuoteUnavailable indicates no usable rate exists across fetch, cache, and fallback.
	ErrQuoteUnavailable = errors.New("rates: quote unavailable")
)

// Quote is the priced result of a conversion request. It is never persisted.
type Quote struct {
	Direction     Direction
	BaseRate      *big.Rat
	Markup        *big.Rat
	FeePercent    *big.Rat
	FeeCap        *big.Rat
	Fee           *big.Rat
	NetAmount     *big.Rat
	CounterAmount *big.Rat
	EffectiveRate *big.Rat
	Source        Source
	CachedAt      time.Time
}

// RateSource resolves the upstream fiat-per-stablecoin base rate.
type RateSource interface {
	BaseRate(ctx context.Context) (*big.Rat, error)
}

// Bounds limit the acceptable source amount for a direction.
type Bounds struct {
	Min *big.Rat
	Max *big.Rat
}

// FeePolicy prices one direction. FeePercent applies to the source amount and
// FeeCap is denominated in the same units, so the fee comes off the leg the
// user pays in: stablecoin for the offramp, fiat for the onramp. Markup is an
// additive fiat-per-stablecoin adjustment and is only honoured for the offramp
// direction.
type FeePolicy struct {
	FeePercent *big.Rat
	FeeCap     *big.Rat
	Markup     *big.Rat
	Bounds     Bounds
}

// Config wires the engine's rate handling.
type Config struct {
	// CacheTTL is the freshness window during which a previously fetched
	// rate is reused without contacting the source.
	CacheTTL time.Duration
	// FetchTimeout bounds each upstream fetch. Timeouts are treated as
	// fetch failures.
	FetchTimeout time.Duration
	// FallbackRate is the static rate of last resort. Nil disables the
	// fallback tier.
	FallbackRate *big.Rat
	// Policies keys pricing by direction. Both directions must be present.
	Policies map[Direction]FeePolicy
}

// Engine prices conversions between the fiat and stablecoin legs. It owns an
// in-process cache of the upstream rate with an injectable clock so freshness
// behaviour stays deterministic under test.
type Engine struct {
	source  RateSource
	cfg     Config
	metrics *observability.RateMetrics

	mu       sync.Mutex
	cached   *big.Rat
	cachedAt time.Time
	now      func() time.Time
}

// NewEngine constructs a rate engine. The source may be nil only when a
// fallback rate is configured.
func NewEngine(source RateSource, cfg Config) (*Engine, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	for _, dir := range []Direction{DirectionOnramp, DirectionOfframp} {
		policy, ok := cfg.Policies[dir]
		if !ok {
			return nil, fmt.Errorf("rates: policy for %s required", dir)
		}
		if policy.FeePercent != nil && policy.FeePercent.Sign() < 0 {
			return nil, fmt.Errorf("rates: %s fee percent must not be negative", dir)
		}
	}
	if source == nil && cfg.FallbackRate == nil {
		return nil, fmt.Errorf("rates: either a rate source or a fallback rate is required")
	}
	return &Engine{
		source:  source,
		cfg:     cfg,
		metrics: observability.Rates(),
		now:     time.Now,
	}, nil
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	e.mu.Lock()
	e.now = clock
	e.mu.Unlock()
}

// Quote prices the supplied source amount for the direction. Validation runs
// before any network activity.
func (e *Engine) Quote(ctx context.Context, amount *big.Rat, direction Direction) (Quote, error) {
	policy, ok := e.cfg.Policies[direction]
	if !ok {
		return Quote{}, fmt.Errorf("%w: unsupported direction %q", ErrValidation, direction)
	}
	if err := validateAmount(amount, policy.Bounds); err != nil {
		return Quote{}, err
	}

	base, source, cachedAt, err := e.baseRate(ctx)
	if err != nil {
		e.metrics.RecordQuote(string(source), false)
		return Quote{}, err
	}
	e.metrics.RecordQuote(string(source), true)

	fee := feeFor(amount, policy.FeePercent, policy.FeeCap)
	net := new(big.Rat).Sub(amount, fee)
	if net.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: amount does not cover fees", ErrValidation)
	}

	effective := effectiveRate(base, policy.Markup, direction)
	counter := new(big.Rat).Mul(net, effective)

	return Quote{
		Direction:     direction,
		BaseRate:      new(big.Rat).Set(base),
		Markup:        ratOrZero(policy.Markup),
		FeePercent:    ratOrZero(policy.FeePercent),
		FeeCap:        cloneRat(policy.FeeCap),
		Fee:           fee,
		NetAmount:     net,
		CounterAmount: counter,
		EffectiveRate: effective,
		Source:        source,
		CachedAt:      cachedAt,
	}, nil
}

// baseRate resolves the base rate through the cache, the upstream source, and
// the static fallback, in that order of preference.
func (e *Engine) baseRate(ctx context.Context) (*big.Rat, Source, time.Time, error) {
	e.mu.Lock()
	now := e.now()
	if e.cached != nil && now.Sub(e.cachedAt) <= e.cfg.CacheTTL {
		rate := new(big.Rat).Set(e.cached)
		at := e.cachedAt
		e.metrics.SetCacheAge(now.Sub(at))
		e.mu.Unlock()
		return rate, SourceCache, at, nil
	}
	e.mu.Unlock()

	if e.source != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		rate, err := e.source.BaseRate(fetchCtx)
		cancel()
		if err == nil && rate != nil && rate.Sign() > 0 {
			e.mu.Lock()
			e.cached = new(big.Rat).Set(rate)
			e.cachedAt = e.now()
			at := e.cachedAt
			e.mu.Unlock()
			e.metrics.SetCacheAge(0)
			return rate, SourcePrimary, at, nil
		}
	}

	// Fetch failed: a stale cache entry still beats the static fallback.
	e.mu.Lock()
	if e.cached != nil {
		rate := new(big.Rat).Set(e.cached)
		at := e.cachedAt
		e.metrics.SetCacheAge(e.now().Sub(at))
		e.mu.Unlock()
		return rate, SourceCache, at, nil
	}
	e.mu.Unlock()

	if e.cfg.FallbackRate != nil && e.cfg.FallbackRate.Sign() > 0 {
		return new(big.Rat).Set(e.cfg.FallbackRate), SourceFallback, time.Time{}, nil
	}
	return nil, "", time.Time{}, ErrQuoteUnavailable
}

func validateAmount(amount *big.Rat, bounds Bounds) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if bounds.Min != nil && amount.Cmp(bounds.Min) < 0 {
		return fmt.Errorf("%w: amount below minimum %s", ErrValidation, bounds.Min.FloatString(2))
	}
	if bounds.Max != nil && amount.Cmp(bounds.Max) > 0 {
		return fmt.Errorf("%w: amount above maximum %s", ErrValidation, bounds.Max.FloatString(2))
	}
	return nil
}

func feeFor(amount, percent, cap *big.Rat) *big.Rat {
	fee := new(big.Rat)
	if percent != nil && percent.Sign() > 0 {
		fee.Mul(amount, percent)
	}
	if cap != nil && cap.Sign() >= 0 && fee.Cmp(cap) > 0 {
		fee.Set(cap)
	}
	return fee
}

func effectiveRate(base, markup *big.Rat, direction Direction) *big.Rat {
	if direction == DirectionOfframp && markup != nil {
		return new(big.Rat).Add(base, markup)
	}
	if direction == DirectionOnramp {
		// Onramp counts stablecoin out per fiat in.
		return new(big.Rat).Inv(base)
	}
	return new(big.Rat).Set(base)
}

func ratOrZero(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return nil
	}
	return new(big.Rat).Set(r)
}

// FormatAmount renders a rational amount with the given decimal precision,
// trimming insignificant zeros the way rail APIs expect.
func FormatAmount(r *big.Rat, precision int) string {
	if r == nil {
		return "0"
	}
	text := r.FloatString(precision)
	if strings.Contains(text, ".") {
		text = strings.TrimRight(text, "0")
		text = strings.TrimRight(text, ".")
	}
	if text == "" || text == "-" {
		return "0"
	}
	return text
}

// ParseAmount parses a decimal string into a rational amount.
func ParseAmount(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrValidation)
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrValidation, raw)
	}
	return value, nil
}
