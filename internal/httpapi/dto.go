package httpapi

import (
	"time"

	"openledger/pkg/pagination"
	"openledger/services/account"
	"openledger/services/ledger"
	"openledger/services/transaction"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type pageMeta struct {
	HasNext    bool   `json:"has_next"`
	HasPrev    bool   `json:"has_prev"`
	NextCursor string `json:"next_cursor,omitempty"`
	PrevCursor string `json:"prev_cursor,omitempty"`
}

type listResponse[T any] struct {
	Items      []T      `json:"items"`
	Pagination pageMeta `json:"pagination"`
}

func pageResponse[In any, Out any](page *pagination.Page[In], convert func(*In) Out) listResponse[Out] {
	items := make([]Out, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, convert(item))
	}
	return listResponse[Out]{
		Items: items,
		Pagination: pageMeta{
			HasNext:    page.HasNext,
			HasPrev:    page.HasPrev,
			NextCursor: page.NextCursor,
			PrevCursor: page.PrevCursor,
		},
	}
}

type createLedgerRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type ledgerResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	EngineLedgerID uint32    `json:"engine_ledger_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toLedgerResponse(row *ledger.Ledger) ledgerResponse {
	return ledgerResponse{
		ID:             row.ID,
		Name:           row.Name,
		Description:    row.Description,
		EngineLedgerID: row.EngineLedgerID,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

type createAccountRequest struct {
	LedgerID      string           `json:"ledger_id" binding:"required"`
	ExternalID    string           `json:"external_id"`
	CurrencyCode  string           `json:"currency_code" binding:"required"`
	NormalBalance string           `json:"normal_balance" binding:"required"`
	MinBalance    *decimal.Decimal `json:"min_balance"`
	MaxBalance    *decimal.Decimal `json:"max_balance"`
}

type balanceResponse struct {
	Amount           decimal.Decimal `json:"amount"`
	Credits          decimal.Decimal `json:"credits"`
	Debits           decimal.Decimal `json:"debits"`
	CurrencyCode     string          `json:"currency_code"`
	CurrencyExponent int32           `json:"currency_exponent"`
}

type balancesResponse struct {
	Pending   balanceResponse `json:"pending"`
	Posted    balanceResponse `json:"posted"`
	Available balanceResponse `json:"available"`
}

type accountResponse struct {
	ID               string            `json:"id"`
	LedgerID         string            `json:"ledger_id"`
	ExternalID       *string           `json:"external_id,omitempty"`
	CurrencyCode     string            `json:"currency_code"`
	CurrencyExponent int32             `json:"currency_exponent"`
	NormalBalance    account.Side      `json:"normal_balance"`
	MinBalance       *decimal.Decimal  `json:"min_balance,omitempty"`
	MaxBalance       *decimal.Decimal  `json:"max_balance,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Balances         *balancesResponse `json:"balances,omitempty"`
}

func toBalanceResponse(b account.Balance) balanceResponse {
	return balanceResponse{
		Amount:           b.Amount,
		Credits:          b.Credits,
		Debits:           b.Debits,
		CurrencyCode:     b.CurrencyCode,
		CurrencyExponent: b.CurrencyExponent,
	}
}

func toAccountResponse(row *account.Account, balances *account.Balances) accountResponse {
	resp := accountResponse{
		ID:               row.ID,
		LedgerID:         row.LedgerID,
		ExternalID:       row.ExternalID,
		CurrencyCode:     row.CurrencyCode,
		CurrencyExponent: row.CurrencyExponent,
		NormalBalance:    row.NormalBalance,
		MinBalance:       row.MinBalance,
		MaxBalance:       row.MaxBalance,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if balances != nil {
		resp.Balances = &balancesResponse{
			Pending:   toBalanceResponse(balances.Pending),
			Posted:    toBalanceResponse(balances.Posted),
			Available: toBalanceResponse(balances.Available),
		}
	}
	return resp
}

type entryLineRequest struct {
	SourceAccountID      string          `json:"source_account_id" binding:"required"`
	DestinationAccountID string          `json:"destination_account_id" binding:"required"`
	Amount               decimal.Decimal `json:"amount" binding:"required"`
}

type recordTransactionRequest struct {
	ExternalID    string             `json:"external_id" binding:"required"`
	Description   string             `json:"description"`
	Status        string             `json:"status"`
	EffectiveDate *time.Time         `json:"effective_date"`
	Metadata      map[string]string  `json:"metadata"`
	Entries       []entryLineRequest `json:"entries" binding:"required"`
}

type entryResponse struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Amount           decimal.Decimal `json:"amount"`
	Direction        account.Side    `json:"direction"`
	CurrencyCode     string          `json:"currency_code,omitempty"`
	CurrencyExponent int32           `json:"currency_exponent"`
	EngineTransferID string          `json:"engine_transfer_id"`
	CreatedAt        time.Time       `json:"created_at"`
}

type transactionResponse struct {
	ID            string             `json:"id"`
	LedgerID      string             `json:"ledger_id"`
	ExternalID    string             `json:"external_id"`
	Description   string             `json:"description"`
	Status        transaction.Status `json:"status"`
	EffectiveDate time.Time          `json:"effective_date"`
	Metadata      datatypes.JSON     `json:"metadata,omitempty"`
	CorrelationID string             `json:"correlation_id"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Entries       []entryResponse    `json:"entries"`
}

func toEntryResponse(row *transaction.Entry, accounts map[string]*account.Account) entryResponse {
	resp := entryResponse{
		ID:               row.ID,
		AccountID:        row.AccountID,
		Amount:           row.Amount,
		Direction:        row.Direction,
		EngineTransferID: row.EngineTransferID,
		CreatedAt:        row.CreatedAt,
	}
	if acc := accounts[row.AccountID]; acc != nil {
		resp.CurrencyCode = acc.CurrencyCode
		resp.CurrencyExponent = acc.CurrencyExponent
	}
	return resp
}

func toTransactionResponse(row *transaction.Transaction, accounts map[string]*account.Account) transactionResponse {
	entries := make([]entryResponse, 0, len(row.Entries))
	for _, entry := range row.Entries {
		entries = append(entries, toEntryResponse(entry, accounts))
	}
	return transactionResponse{
		ID:            row.ID,
		LedgerID:      row.LedgerID,
		ExternalID:    row.ExternalID,
		Description:   row.Description,
		Status:        row.Status,
		EffectiveDate: row.EffectiveDate,
		Metadata:      row.Metadata,
		CorrelationID: row.CorrelationID,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		Entries:       entries,
	}
}
