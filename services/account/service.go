package account

import (
	"context"

	"openledger/internal/engine"
	"openledger/pkg/errutil"
	"openledger/pkg/pagination"
	"openledger/pkg/repository"
	"openledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	engine  *engine.Cluster
	ledgers *ledger.Service

	accounts repository.Repository[Account]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Engine  *engine.Cluster
	Ledgers *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		engine:   p.Engine,
		ledgers:  p.Ledgers,
		accounts: repository.ProvideStore[Account](p.DB),
	}
}

type CreateInput struct {
	LedgerID      string
	ExternalID    string
	CurrencyCode  string
	NormalBalance Side
	MinBalance    *decimal.Decimal
	MaxBalance    *decimal.Decimal
}

// Create registers the account in the engine first, then persists the
// relational row. A row insert failure leaves an unreferenced engine account
// behind, which is harmless; the reverse order would leave a row whose
// engine id resolves to nothing and break every balance read.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Account, error) {
	span := trace.SpanFromContext(ctx)
	logFields := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("ledger_id", in.LedgerID),
	}

	if !in.NormalBalance.Valid() {
		return nil, errutil.ValidationFailed("invalid_normal_balance", nil,
			errutil.WithDetails(errutil.Detail{Field: "normal_balance", Message: "must be debit or credit"}))
	}

	code, ok := engine.CurrencyNumericCode(in.CurrencyCode)
	if !ok {
		return nil, errutil.ValidationFailed("unsupported_currency", nil,
			errutil.WithDetails(errutil.Detail{Field: "currency_code", Message: in.CurrencyCode}))
	}
	exponent, _ := engine.CurrencyExponent(in.CurrencyCode)

	ledgerRow, err := s.ledgers.Get(ctx, in.LedgerID)
	if err != nil {
		return nil, err
	}

	id := s.node.Generate()
	engineID := uint64(id.Int64())

	row := &Account{
		ID:               id.String(),
		LedgerID:         ledgerRow.ID,
		CurrencyCode:     in.CurrencyCode,
		CurrencyExponent: exponent,
		NormalBalance:    in.NormalBalance,
		EngineAccountID:  id.String(),
	}
	if in.ExternalID != "" {
		externalID := in.ExternalID
		row.ExternalID = &externalID
	}

	// Limits arrive in display units; compare-time balances are minor units.
	if in.MinBalance != nil {
		scaled := in.MinBalance.Shift(exponent)
		row.MinBalance = &scaled
	}
	if in.MaxBalance != nil {
		scaled := in.MaxBalance.Shift(exponent)
		row.MaxBalance = &scaled
	}

	spec := engine.AccountSpec{
		AccountID: row.ID,
		Record: types.Account{
			ID:         types.ToUint128(engineID),
			Ledger:     ledgerRow.EngineLedgerID,
			Code:       code,
			UserData64: engineID,
			Flags:      types.AccountFlags{History: true}.ToUint16(),
		},
	}

	if err := s.engine.CreateAccounts(ctx, []engine.AccountSpec{spec}); err != nil {
		zap.L().With(logFields...).Error("engine create account failed", zap.Error(err))
		return nil, engineError(err)
	}

	if err := s.accounts.Create(ctx, row); err != nil {
		zap.L().With(logFields...).Error("failed to persist account row", zap.Error(err))
		return nil, errutil.Internal("failed to persist account", err)
	}

	return row, nil
}

// Get loads the account row and recomputes its balances from the engine
// counters.
func (s *Service) Get(ctx context.Context, id string) (*Account, *Balances, error) {
	row, err := s.accounts.FindOne(ctx, &Account{ID: id})
	if err != nil {
		return nil, nil, errutil.Internal("failed to query account", err)
	}
	if row == nil {
		return nil, nil, errutil.NotFound("account not found", nil)
	}

	balances, err := s.loadBalances(ctx, []*Account{row})
	if err != nil {
		return nil, nil, err
	}

	b := balances[row.ID]
	return row, &b, nil
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*Account, *Balances, error) {
	row, err := s.accounts.FindOne(ctx, &Account{ExternalID: &externalID})
	if err != nil {
		return nil, nil, errutil.Internal("failed to query account", err)
	}
	if row == nil {
		return nil, nil, errutil.NotFound("account not found", nil)
	}

	balances, err := s.loadBalances(ctx, []*Account{row})
	if err != nil {
		return nil, nil, err
	}

	b := balances[row.ID]
	return row, &b, nil
}

// List pages account rows and computes balances for the whole page from one
// bulk engine lookup.
func (s *Service) List(ctx context.Context, ledgerID string, opts pagination.Options) (*pagination.Page[Account], map[string]Balances, error) {
	query := s.db.WithContext(ctx).Model(&Account{})
	if ledgerID != "" {
		query = query.Where("ledger_id = ?", ledgerID)
	}

	page, err := pagination.Paginate(query, "id", func(a *Account) string { return a.ID }, opts)
	if err != nil {
		return nil, nil, errutil.Internal("failed to list accounts", err)
	}

	balances, err := s.loadBalances(ctx, page.Items)
	if err != nil {
		return nil, nil, err
	}

	return page, balances, nil
}

// Find bulk-loads account rows by id. Used by the transaction engine to
// resolve entry accounts.
func (s *Service) Find(ctx context.Context, ids []string) (map[string]*Account, error) {
	var rows []*Account
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, errutil.Internal("failed to query accounts", err)
	}

	byID := make(map[string]*Account, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	return byID, nil
}

// Exists reports whether an account row with the id is present.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	count, err := s.accounts.Count(ctx, &Account{ID: id})
	if err != nil {
		return false, errutil.Internal("failed to count accounts", err)
	}
	return count > 0, nil
}

// LookupCounters fetches raw engine counters for the given accounts, keyed
// by account row id.
func (s *Service) LookupCounters(ctx context.Context, accounts []*Account) (map[string]types.Account, error) {
	if len(accounts) == 0 {
		return map[string]types.Account{}, nil
	}

	ids := make([]types.Uint128, 0, len(accounts))
	for _, row := range accounts {
		ids = append(ids, row.EngineID())
	}

	found, err := s.engine.LookupAccounts(ctx, ids)
	if err != nil {
		return nil, errutil.BadGateway("accounting engine lookup failed", err)
	}

	counters := make(map[string]types.Account, len(accounts))
	for _, row := range accounts {
		record, ok := found[row.EngineID()]
		if !ok {
			zap.L().Error("engine account missing for ledger account",
				zap.String("account_id", row.ID),
				zap.String("engine_account_id", row.EngineAccountID))
			return nil, errutil.Internal("engine account not found", nil)
		}
		counters[row.ID] = record
	}
	return counters, nil
}

func (s *Service) loadBalances(ctx context.Context, accounts []*Account) (map[string]Balances, error) {
	counters, err := s.LookupCounters(ctx, accounts)
	if err != nil {
		return nil, err
	}

	balances := make(map[string]Balances, len(accounts))
	for _, row := range accounts {
		balances[row.ID] = ComputeBalances(row, counters[row.ID])
	}
	return balances, nil
}

func engineError(err error) error {
	return errutil.BadGateway("accounting engine request failed", err)
}
