package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Direction identifies the settlement flow for a transaction.
type Direction string

const (
	DirectionOnramp  Direction = "ONRAMP"
	DirectionOfframp Direction = "OFFRAMP"
)

// Status is a state in a settlement transaction lifecycle. Statuses only move
// forward in their defined order; FAILED is reachable from any non-terminal
// state and CANCELLED only from PENDING.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPaid       Status = "PAID"
	StatusProcessing Status = "PROCESSING"
	StatusSettling   Status = "SETTLING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SettlementTransaction is the durable record of one settlement attempt and
// the single source of truth for idempotency. Rows are never deleted;
// terminal rows form the audit trail. Monetary columns are decimal strings.
type SettlementTransaction struct {
	ID        uint      `gorm:"primaryKey"`
	Reference string    `gorm:"size:128;uniqueIndex;not null"`
	Direction Direction `gorm:"size:16;index;not null"`
	UserID    string    `gorm:"size:64;index"`

	SourceAmount  string `gorm:"size:64;not null"`
	FeeAmount     string `gorm:"size:64"`
	NetAmount     string `gorm:"size:64"`
	CounterAmount string `gorm:"size:64"`
	BaseRate      string `gorm:"size:64"`
	AppliedRate   string `gorm:"size:64"`
	RateSource    string `gorm:"size:16"`

	OnChainAddress  string `gorm:"size:64"`
	TransactionHash string `gorm:"size:80"`

	BankCode      string `gorm:"size:16"`
	AccountNumber string `gorm:"size:32"`
	AccountName   string `gorm:"size:128"`

	RailReference string `gorm:"size:128;index"`
	RailStatus    string `gorm:"size:64"`

	Status         Status `gorm:"size:16;index;not null"`
	FailureCode    string `gorm:"size:32"`
	FailureMessage string `gorm:"size:512"`
	NeedsReview    bool   `gorm:"index"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
	SettledAt   *time.Time
	CompletedAt *time.Time

	PollAttempts    int
	LastPolledAt    *time.Time
	WebhookAttempts int
}

// MaskedAccount renders the counterparty account with all but the last four
// digits hidden, for status responses.
func (t *SettlementTransaction) MaskedAccount() string {
	digits := strings.TrimSpace(t.AccountNumber)
	if len(digits) <= 4 {
		return digits
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}

// Beneficiary is an external bank account a user offramps to. It is an
// address book entry only and carries no settlement invariants.
type Beneficiary struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"size:64;index"`
	BankCode      string    `gorm:"size:16;not null"`
	AccountNumber string    `gorm:"size:32;not null"`
	AccountName   string    `gorm:"size:128"`
	BankName      string    `gorm:"size:128"`
	CreatedAt     time.Time
}

// WebhookEvent records every accepted webhook delivery for audit.
type WebhookEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Rail       string    `gorm:"size:32;index"`
	Reference  string    `gorm:"size:128;index"`
	Event      string    `gorm:"size:64"`
	Payload    string    `gorm:"type:text"`
	ReceivedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SettlementTransaction{},
		&Beneficiary{},
		&WebhookEvent{},
	)
}
