// Package recon backstops webhook delivery. A ticker-driven poller sweeps the
// ledger for transactions that have sat in a non-terminal state past a grace
// period and asks the owning rail for its authoritative status, feeding the
// answer through the same reconciliation paths webhooks use.
package recon

import (
	"context"
	"log/slog"
	"time"

	"stablerail/ledger"
	"stablerail/observability"
	"stablerail/rails"
	"stablerail/settle"
)

// Config tunes the sweep cadence and give-up behaviour.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// Grace is how long a row may sit unchanged before it is polled.
	Grace time.Duration
	// MaxAttempts caps polls per row; an exhausted row that still has not
	// resolved is parked for manual review.
	MaxAttempts int
}

// Poller periodically reconciles stuck transactions against the rails.
type Poller struct {
	cfg       Config
	engine    *settle.Engine
	collector rails.Collector
	disburser rails.Disburser
	metrics   *observability.SettlementMetrics
	log       *slog.Logger
	now       func() time.Time
}

// NewPoller constructs a poller over the settlement engine and rail clients.
func NewPoller(cfg Config, engine *settle.Engine, collector rails.Collector, disburser rails.Disburser) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	return &Poller{
		cfg:       cfg,
		engine:    engine,
		collector: collector,
		disburser: disburser,
		metrics:   observability.Settlement(),
		log:       slog.Default(),
		now:       time.Now,
	}
}

// WithClock overrides the poller clock for deterministic tests.
func (p *Poller) WithClock(clock func() time.Time) {
	if clock != nil {
		p.now = clock
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil {
				p.log.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep reconciles every currently stuck transaction once. Individual rows
// failing never abort the sweep.
func (p *Poller) Sweep(ctx context.Context) error {
	cutoff := p.now().UTC().Add(-p.cfg.Grace)
	rows, err := p.engine.Ledger().ListStuck(ctx, cutoff, p.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	for i := range rows {
		row := rows[i]
		if err := p.reconcile(ctx, &row); err != nil {
			p.log.Warn("poll reconciliation failed",
				"reference", row.Reference,
				"direction", row.Direction,
				"error", err,
			)
		}
	}
	return nil
}

func (p *Poller) reconcile(ctx context.Context, row *ledger.SettlementTransaction) error {
	store := p.engine.Ledger()
	if err := store.RecordPollAttempt(ctx, row.Reference); err != nil {
		return err
	}
	attempts := row.PollAttempts + 1

	outcome, err := p.query(ctx, row)
	if err != nil {
		p.metrics.RecordPoll(string(row.Direction), "error")
		if attempts >= p.cfg.MaxAttempts {
			p.park(ctx, row.Reference)
		}
		return err
	}
	p.metrics.RecordPoll(string(row.Direction), string(outcome))

	// Still unresolved with the budget spent: hand the row to an operator
	// instead of polling forever.
	if attempts >= p.cfg.MaxAttempts && (outcome == settle.OutcomePending || outcome == settle.OutcomeIgnored || outcome == settle.OutcomeReplay) {
		p.park(ctx, row.Reference)
	}
	return nil
}

// query asks the rail that owns the row's current state for its status and
// applies the answer through the engine.
func (p *Poller) query(ctx context.Context, row *ledger.SettlementTransaction) (settle.Outcome, error) {
	switch row.Direction {
	case ledger.DirectionOnramp:
		status, err := p.collector.VerifyCharge(ctx, row.Reference)
		if err != nil {
			return settle.OutcomeIgnored, err
		}
		return p.engine.ApplyCollectorEvent(ctx, settle.CollectorEvent{
			Reference:  row.Reference,
			Status:     status.Status,
			AmountPaid: status.AmountPaid,
			Event:      "poll",
		})
	case ledger.DirectionOfframp:
		// A PENDING offramp never reached the disburser; there is nothing
		// to ask the rail, only the attempt budget runs down.
		if row.Status == ledger.StatusPending {
			return settle.OutcomePending, nil
		}
		status, err := p.disburser.GetTransfer(ctx, row.Reference)
		if err != nil {
			return settle.OutcomeIgnored, err
		}
		return p.engine.ApplyDisburserEvent(ctx, settle.DisburserEvent{
			Reference:     row.Reference,
			RailReference: status.RailReference,
			Status:        status.Status,
			Reason:        status.Reason,
			Event:         "poll",
		})
	default:
		return settle.OutcomeIgnored, nil
	}
}

func (p *Poller) park(ctx context.Context, reference string) {
	if err := p.engine.Ledger().MarkNeedsReview(ctx, reference); err != nil {
		p.log.Error("failed to park transaction for review", "reference", reference, "error", err)
		return
	}
	p.metrics.RecordManualReview("POLL_EXHAUSTED")
	p.log.Warn("transaction parked for manual review", "reference", reference)
}
