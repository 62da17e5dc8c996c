package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound indicates no transaction exists for the reference.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrDuplicateReference indicates a create collided with an existing
	// reference; the existing row is returned alongside it.
	ErrDuplicateReference = errors.New("ledger: duplicate reference")
)

// Store is the durable transaction ledger. All status changes flow through
// Transition, a single conditional update guarding against concurrent
// reconciliation sources double-applying the same event.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open initialises the ledger against the supplied DSN. Postgres DSNs select
// the postgres driver; anything else is treated as a sqlite path.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: dsn required")
	}
	var dialector gorm.Dialector
	isPostgres := strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://")
	if isPostgres {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if !isPostgres {
		// sqlite allows one writer at a time; a single pooled connection
		// turns concurrent transitions into queued ones instead of busy
		// errors.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// WithClock overrides the store clock for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Create persists a new transaction row. When the reference already exists the
// existing row is returned together with ErrDuplicateReference so initiation
// replays stay idempotent.
func (s *Store) Create(ctx context.Context, tx *SettlementTransaction) (*SettlementTransaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("ledger: transaction required")
	}
	tx.Reference = strings.TrimSpace(tx.Reference)
	if tx.Reference == "" {
		return nil, fmt.Errorf("ledger: reference required")
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	err := s.db.WithContext(ctx).Create(tx).Error
	if err == nil {
		return tx, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, findErr := s.FindByReference(ctx, tx.Reference)
		if findErr != nil {
			return nil, findErr
		}
		return existing, ErrDuplicateReference
	}
	return nil, fmt.Errorf("ledger: create: %w", err)
}

// FindByReference loads a transaction by its idempotency reference.
func (s *Store) FindByReference(ctx context.Context, reference string) (*SettlementTransaction, error) {
	var tx SettlementTransaction
	err := s.db.WithContext(ctx).First(&tx, "reference = ?", strings.TrimSpace(reference)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find: %w", err)
	}
	return &tx, nil
}

// FindByRailReference loads a transaction by the rail's own transaction id.
func (s *Store) FindByRailReference(ctx context.Context, railRef string) (*SettlementTransaction, error) {
	var tx SettlementTransaction
	err := s.db.WithContext(ctx).First(&tx, "rail_reference = ?", strings.TrimSpace(railRef)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find by rail reference: %w", err)
	}
	return &tx, nil
}

// Patch carries the optional column updates applied with a transition.
type Patch struct {
	RailReference   string
	RailStatus      string
	TransactionHash string
	FailureCode     string
	FailureMessage  string
	NeedsReview     bool
	ProcessedAt     *time.Time
	SettledAt       *time.Time
	CompletedAt     *time.Time
}

func (p Patch) columns(next Status, now time.Time) map[string]any {
	cols := map[string]any{
		"status":     next,
		"updated_at": now,
	}
	if p.RailReference != "" {
		cols["rail_reference"] = p.RailReference
	}
	if p.RailStatus != "" {
		cols["rail_status"] = p.RailStatus
	}
	if p.TransactionHash != "" {
		cols["transaction_hash"] = p.TransactionHash
	}
	if p.FailureCode != "" {
		cols["failure_code"] = p.FailureCode
	}
	if p.FailureMessage != "" {
		cols["failure_message"] = p.FailureMessage
	}
	if p.NeedsReview {
		cols["needs_review"] = true
	}
	if p.ProcessedAt != nil {
		cols["processed_at"] = *p.ProcessedAt
	}
	if p.SettledAt != nil {
		cols["settled_at"] = *p.SettledAt
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	return cols
}

// Transition conditionally advances a transaction to next when its current
// status is one of expected. It is the only sanctioned write path for status
// changes: the guard and the write are a single UPDATE so two reconciliation
// sources racing on the same reference apply at most one transition. Returns
// whether the update applied and the row as it stands afterwards.
func (s *Store) Transition(ctx context.Context, reference string, expected []Status, next Status, patch Patch) (bool, *SettlementTransaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return false, nil, fmt.Errorf("ledger: reference required")
	}
	if len(expected) == 0 {
		return false, nil, fmt.Errorf("ledger: expected statuses required")
	}
	statuses := make([]string, len(expected))
	for i, st := range expected {
		statuses[i] = string(st)
	}
	res := s.db.WithContext(ctx).
		Model(&SettlementTransaction{}).
		Where("reference = ? AND status IN ?", reference, statuses).
		Updates(patch.columns(next, s.now().UTC()))
	if res.Error != nil {
		return false, nil, fmt.Errorf("ledger: transition: %w", res.Error)
	}
	current, err := s.FindByReference(ctx, reference)
	if err != nil {
		return false, nil, err
	}
	return res.RowsAffected == 1, current, nil
}

// AttachRailReference records the rail's own transaction id for a row without
// touching its status.
func (s *Store) AttachRailReference(ctx context.Context, reference, railRef, railStatus string) error {
	cols := map[string]any{"rail_reference": strings.TrimSpace(railRef)}
	if railStatus != "" {
		cols["rail_status"] = railStatus
	}
	return s.db.WithContext(ctx).
		Model(&SettlementTransaction{}).
		Where("reference = ?", strings.TrimSpace(reference)).
		Updates(cols).Error
}

// RecordPollAttempt bumps the poll counters for a row outside the status path.
func (s *Store) RecordPollAttempt(ctx context.Context, reference string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).
		Model(&SettlementTransaction{}).
		Where("reference = ?", strings.TrimSpace(reference)).
		Updates(map[string]any{
			"poll_attempts":  gorm.Expr("poll_attempts + 1"),
			"last_polled_at": now,
		}).Error
}

// RecordWebhookAttempt bumps the webhook delivery counter for a row.
func (s *Store) RecordWebhookAttempt(ctx context.Context, reference string) error {
	return s.db.WithContext(ctx).
		Model(&SettlementTransaction{}).
		Where("reference = ?", strings.TrimSpace(reference)).
		Update("webhook_attempts", gorm.Expr("webhook_attempts + 1")).Error
}

// MarkNeedsReview parks a row for operator remediation without touching its
// status.
func (s *Store) MarkNeedsReview(ctx context.Context, reference string) error {
	return s.db.WithContext(ctx).
		Model(&SettlementTransaction{}).
		Where("reference = ?", strings.TrimSpace(reference)).
		Update("needs_review", true).Error
}

// ListStuck returns non-terminal rows last updated before the cutoff that have
// not exhausted the poll attempt budget and are not already parked for review.
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time, maxAttempts int) ([]SettlementTransaction, error) {
	var rows []SettlementTransaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(StatusPending),
			string(StatusPaid),
			string(StatusProcessing),
			string(StatusSettling),
		}).
		Where("updated_at < ?", cutoff).
		Where("poll_attempts < ?", maxAttempts).
		Where("needs_review = ?", false).
		Order("updated_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list stuck: %w", err)
	}
	return rows, nil
}

// SaveWebhookEvent appends one accepted webhook delivery to the audit trail.
func (s *Store) SaveWebhookEvent(ctx context.Context, rail, reference, event, payload string) error {
	record := WebhookEvent{
		ID:         uuid.New(),
		Rail:       rail,
		Reference:  strings.TrimSpace(reference),
		Event:      event,
		Payload:    payload,
		ReceivedAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// CreateBeneficiary stores a verified bank account in the user's address book.
func (s *Store) CreateBeneficiary(ctx context.Context, b *Beneficiary) error {
	if b == nil {
		return fmt.Errorf("ledger: beneficiary required")
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(b).Error
}

// ListBeneficiaries returns the user's saved payout accounts.
func (s *Store) ListBeneficiaries(ctx context.Context, userID string) ([]Beneficiary, error) {
	var rows []Beneficiary
	err := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list beneficiaries: %w", err)
	}
	return rows, nil
}
