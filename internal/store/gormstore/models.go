package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID                string    `gorm:"primaryKey"`
	PlanTier                 string    `gorm:"not null;default:free;index:idx_accounts_tier_due,priority:1"`
	SubscriptionPlanID       *string   `gorm:"column:subscription_plan_id"`
	SubscriptionStartUnixUTC int64     `gorm:"column:subscription_start_unix_utc;not null;default:0"`
	SubscriptionEndUnixUTC   int64     `gorm:"column:subscription_end_unix_utc;not null;default:0"`
	Balance                  int64     `gorm:"not null;default:0"`
	LastGrantUnixUTC         int64     `gorm:"column:last_grant_unix_utc;not null;default:0"`
	NextGrantDueUnixUTC      int64     `gorm:"column:next_grant_due_unix_utc;not null;default:0;index:idx_accounts_tier_due,priority:2"`
	LastFreeGrantUnixUTC     int64     `gorm:"column:last_free_grant_unix_utc;not null;default:0"`
	BillingCustomerID        *string   `gorm:"column:billing_customer_id;uniqueIndex:uniq_accounts_billing_customer"`
	BillingSubscriptionID    *string   `gorm:"column:billing_subscription_id;index:idx_accounts_billing_subscription"`
	Version                  int64     `gorm:"not null;default:0"`
	CreatedAt                time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Sequence preserves insertion order.
type LedgerEntry struct {
	Sequence       int64          `gorm:"primaryKey;autoIncrement"`
	EntryID        string         `gorm:"not null;uniqueIndex:uniq_ledger_entry_id"`
	AccountID      string         `gorm:"not null;index:idx_ledger_account_sequence,priority:1;uniqueIndex:uniq_entry_account_idem,priority:1"`
	Kind           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	PlanID         *string        `gorm:"column:plan_id"`
	Description    string         `gorm:"not null;default:''"`
	IdempotencyKey *string        `gorm:"uniqueIndex:uniq_entry_account_idem,priority:2"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent records every reconciled webhook event per account.
type ProcessedEvent struct {
	AccountID      string    `gorm:"primaryKey"`
	IdempotencyKey string    `gorm:"primaryKey"`
	EventType      string    `gorm:"not null"`
	Outcome        string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// ServiceRequest mirrors the service_requests table.
type ServiceRequest struct {
	RequestID string    `gorm:"primaryKey"`
	AccountID string    `gorm:"not null;index:idx_requests_account_created,priority:1"`
	Services  string    `gorm:"not null"`
	Cost      int64     `gorm:"not null"`
	Status    string    `gorm:"not null"`
	Refunded  bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null;index:idx_requests_account_created,priority:2"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ServiceRequest) TableName() string { return "service_requests" }

// Models lists every table the store owns, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &ProcessedEvent{}, &ServiceRequest{}}
}

// AutoMigrate creates or updates the schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
