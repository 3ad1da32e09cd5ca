package transaction

import (
	"time"

	"openledger/services/account"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a transaction. Pending transactions can be
// posted or archived; posted and archived are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPosted   Status = "posted"
	StatusArchived Status = "archived"
)

// CreatableStatus reports whether a client may select this status at record
// time. Archived is never a valid creation target.
func (s Status) CreatableStatus() bool {
	return s == StatusPending || s == StatusPosted
}

// Transaction is one logical money-movement event. CorrelationID is shared
// by every engine transfer belonging to this transaction so the whole batch
// traces back to one transfer group in the engine.
type Transaction struct {
	ID            string         `gorm:"column:id;primaryKey"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
	LedgerID      string         `gorm:"column:ledger_id;index"`
	ExternalID    string         `gorm:"column:external_id;uniqueIndex"`
	Description   string         `gorm:"column:description"`
	Status        Status         `gorm:"column:status;index"`
	EffectiveDate time.Time      `gorm:"column:effective_date"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	CorrelationID string         `gorm:"column:engine_correlation_id;index"`

	Entries []*Entry `gorm:"foreignKey:TransactionID"`
}

// Entry is one leg of a transaction, created in matched debit/credit pairs
// per entry line. Amount is integer minor units at the owning account's
// currency exponent, stored as decimal text. Entries are immutable once
// created; posting or archiving changes transaction status, never entry rows.
type Entry struct {
	ID               string          `gorm:"column:id;primaryKey"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	TransactionID    string          `gorm:"column:transaction_id;index"`
	AccountID        string          `gorm:"column:account_id;index"`
	LedgerID         string          `gorm:"column:ledger_id"`
	Amount           decimal.Decimal `gorm:"column:amount;type:text"`
	Direction        account.Side    `gorm:"column:direction"`
	EngineTransferID string          `gorm:"column:engine_transfer_id;index"`
}

// MetadataEntry is one key/value pair attached to an owning entity, unique
// per (entity, key).
type MetadataEntry struct {
	ID         string    `gorm:"column:id;primaryKey"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	EntityType string    `gorm:"column:entity_type;uniqueIndex:idx_metadata_entity_key"`
	EntityID   string    `gorm:"column:entity_id;uniqueIndex:idx_metadata_entity_key"`
	Key        string    `gorm:"column:key;uniqueIndex:idx_metadata_entity_key"`
	Value      string    `gorm:"column:value"`
}

func (MetadataEntry) TableName() string { return "metadata" }
