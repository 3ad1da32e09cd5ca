package engine

import (
	"context"
	"time"

	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
	"go.uber.org/zap"
)

// EngineAccount is the relational audit mirror of an engine account record.
// Written after the engine create succeeds; best-effort only.
type EngineAccount struct {
	ID          string    `gorm:"column:id;primaryKey"`
	AccountID   string    `gorm:"column:account_id;index"`
	Ledger      uint32    `gorm:"column:ledger"`
	Code        uint16    `gorm:"column:code"`
	Flags       uint16    `gorm:"column:flags"`
	UserData64  uint64    `gorm:"column:user_data_64"`
	Mirrored    bool      `gorm:"column:mirrored"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (EngineAccount) TableName() string { return "engine_accounts" }

// EngineTransfer is the relational audit mirror of an engine transfer record.
type EngineTransfer struct {
	ID              string    `gorm:"column:id;primaryKey"`
	TransactionID   string    `gorm:"column:transaction_id;index"`
	DebitAccountID  string    `gorm:"column:debit_account_id"`
	CreditAccountID string    `gorm:"column:credit_account_id"`
	Amount          string    `gorm:"column:amount"`
	Ledger          uint32    `gorm:"column:ledger"`
	Code            uint16    `gorm:"column:code"`
	Flags           uint16    `gorm:"column:flags"`
	Mirrored        bool      `gorm:"column:mirrored"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (EngineTransfer) TableName() string { return "engine_transfers" }

func uint128String(v types.Uint128) string {
	b := v.BigInt()
	return b.String()
}

func (c *Cluster) auditAccounts(ctx context.Context, specs []AccountSpec, mirrored bool) {
	if c.db == nil {
		return
	}

	rows := make([]*EngineAccount, 0, len(specs))
	for _, spec := range specs {
		rows = append(rows, &EngineAccount{
			ID:         uint128String(spec.Record.ID),
			AccountID:  spec.AccountID,
			Ledger:     spec.Record.Ledger,
			Code:       spec.Record.Code,
			Flags:      spec.Record.Flags,
			UserData64: spec.Record.UserData64,
			Mirrored:   mirrored,
		})
	}

	if err := c.db.WithContext(ctx).Create(rows).Error; err != nil {
		zap.L().Error("failed to persist engine account audit rows", zap.Error(err))
	}
}

func (c *Cluster) auditTransfers(ctx context.Context, specs []TransferSpec, mirrored bool) {
	if c.db == nil {
		return
	}

	rows := make([]*EngineTransfer, 0, len(specs))
	for _, spec := range specs {
		rows = append(rows, &EngineTransfer{
			ID:              uint128String(spec.Record.ID),
			TransactionID:   spec.TransactionID,
			DebitAccountID:  uint128String(spec.Record.DebitAccountID),
			CreditAccountID: uint128String(spec.Record.CreditAccountID),
			Amount:          uint128String(spec.Record.Amount),
			Ledger:          spec.Record.Ledger,
			Code:            spec.Record.Code,
			Flags:           spec.Record.Flags,
			Mirrored:        mirrored,
		})
	}

	if err := c.db.WithContext(ctx).Create(rows).Error; err != nil {
		zap.L().Error("failed to persist engine transfer audit rows", zap.Error(err))
	}
}
