package ledger

import (
	"time"

	"gorm.io/gorm"
)

// Ledger is a named grouping of accounts. EngineLedgerID is the small integer
// identifying this ledger inside the accounting engine; it is allocated once
// at creation and never changes.
type Ledger struct {
	ID             string         `gorm:"column:id;primaryKey"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index"`
	Name           string         `gorm:"column:name"`
	Description    string         `gorm:"column:description"`
	EngineLedgerID uint32         `gorm:"column:engine_ledger_id;uniqueIndex"`
}
