package account

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Side is the normal-balance side of an account: the side on which its
// balance is conventionally positive.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

func (s Side) Valid() bool {
	return s == SideDebit || s == SideCredit
}

// Account is a balance-bearing account. Balances are never stored on the
// row; they are derived on read from the accounting engine's counters.
// EngineAccountID is immutable once created and 1:1 with this row.
// Min/MaxBalance limits are held in minor units of the account currency.
type Account struct {
	ID               string           `gorm:"column:id;primaryKey"`
	CreatedAt        time.Time        `gorm:"column:created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at"`
	DeletedAt        gorm.DeletedAt   `gorm:"column:deleted_at;index"`
	LedgerID         string           `gorm:"column:ledger_id;index"`
	ExternalID       *string          `gorm:"column:external_id;uniqueIndex"`
	CurrencyCode     string           `gorm:"column:currency_code"`
	CurrencyExponent int32            `gorm:"column:currency_exponent"`
	NormalBalance    Side             `gorm:"column:normal_balance"`
	EngineAccountID  string           `gorm:"column:engine_account_id;uniqueIndex"`
	MinBalance       *decimal.Decimal `gorm:"column:min_balance;type:text"`
	MaxBalance       *decimal.Decimal `gorm:"column:max_balance;type:text"`
}

// EngineID returns the account's engine identifier as the engine's 128-bit
// id type. The stored id is written once at account creation and always
// parses; a parse failure means the row was tampered with, and resolving it
// to id zero would read another account's counters.
func (a *Account) EngineID() types.Uint128 {
	id, err := strconv.ParseUint(a.EngineAccountID, 10, 64)
	if err != nil {
		zap.L().Error("corrupt engine account id",
			zap.String("account_id", a.ID),
			zap.String("engine_account_id", a.EngineAccountID),
			zap.Error(err))
	}
	return types.ToUint128(id)
}
