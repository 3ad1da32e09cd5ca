package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"openledger/internal/engine"
	"openledger/pkg/db/option"
	"openledger/pkg/errutil"
	"openledger/pkg/pagination"
	"openledger/pkg/repository"
	"openledger/services/account"
	"openledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	engine   *engine.Cluster
	accounts *account.Service
	ledgers  *ledger.Service

	transactions repository.Repository[Transaction]
	entries      repository.Repository[Entry]
	metadata     repository.Repository[MetadataEntry]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Engine   *engine.Cluster
	Accounts *account.Service
	Ledgers  *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		engine:       p.Engine,
		accounts:     p.Accounts,
		ledgers:      p.Ledgers,
		transactions: repository.ProvideStore[Transaction](p.DB),
		entries:      repository.ProvideStore[Entry](p.DB),
		metadata:     repository.ProvideStore[MetadataEntry](p.DB),
	}
}

// EntryInput is one movement line of a record request. Amount is a positive
// major-unit value in the currency shared by both accounts; the service
// expands it into a debit on the source and a credit on the destination.
type EntryInput struct {
	SourceAccountID      string
	DestinationAccountID string
	Amount               decimal.Decimal
}

type RecordInput struct {
	ExternalID    string
	Description   string
	Status        Status
	EffectiveDate *time.Time
	Metadata      map[string]string
	Entries       []EntryInput
}

// Detail is a transaction plus every account its entries reference, so
// callers can annotate entry amounts with currency and exponent without a
// second round trip.
type Detail struct {
	Transaction *Transaction
	Accounts    map[string]*account.Account
}

// entryPlan is one validated record line with its accounts resolved and the
// amount scaled to integer minor units.
type entryPlan struct {
	source      *account.Account
	destination *account.Account
	amountMinor decimal.Decimal
	amountUnits uint64
}

// Record validates the requested entry lines, persists the transaction and
// its entry rows, then submits one linked transfer batch to the accounting
// engine. The relational write commits first: an engine failure afterward
// leaves rows whose transfers never existed, which is surfaced as a gateway
// error and logged for reconciliation rather than rolled back.
func (s *Service) Record(ctx context.Context, in RecordInput) (*Detail, error) {
	span := trace.SpanFromContext(ctx)
	logFields := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("external_id", in.ExternalID),
	}

	status := in.Status
	if status == "" {
		status = StatusPosted
	}
	if !status.CreatableStatus() {
		return nil, errutil.ValidationFailed("invalid_target_status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "must be pending or posted"}))
	}
	if in.ExternalID == "" {
		return nil, errutil.BadRequest("external_id is required", nil)
	}
	if len(in.Entries) == 0 {
		return nil, errutil.ValidationFailed("empty_entries", nil,
			errutil.WithDetails(errutil.Detail{Field: "entries", Message: "at least one entry is required"}))
	}

	existing, err := s.transactions.FindOne(ctx, &Transaction{ExternalID: in.ExternalID})
	if err != nil {
		return nil, errutil.Internal("lookup transaction by external id", err)
	}
	if existing != nil {
		return nil, errutil.Conflict("transaction external_id already exists", nil,
			errutil.WithDetails(errutil.Detail{Field: "external_id", Message: in.ExternalID}))
	}

	plans, accounts, err := s.planEntries(ctx, in.Entries)
	if err != nil {
		return nil, err
	}

	if status == StatusPosted {
		if err := s.checkBalanceLimits(ctx, accounts, planDeltas(plans)); err != nil {
			return nil, err
		}
	}

	txSnowflake := s.node.Generate()
	txID := txSnowflake.String()
	effective := time.Now().UTC()
	if in.EffectiveDate != nil {
		effective = in.EffectiveDate.UTC()
	}

	var metadataJSON datatypes.JSON
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, errutil.Internal("encode metadata", err)
		}
		metadataJSON = datatypes.JSON(raw)
	}

	row := &Transaction{
		ID:            txID,
		LedgerID:      plans[0].source.LedgerID,
		ExternalID:    in.ExternalID,
		Description:   in.Description,
		Status:        status,
		EffectiveDate: effective,
		Metadata:      metadataJSON,
		CorrelationID: txID,
	}

	// Every transfer in the batch carries the transaction id as engine
	// correlation data, and all but the last are linked so the engine treats
	// the batch atomically. Pending transactions create pending transfers;
	// posting later flips status only.
	correlation := types.ToUint128(uint64(txSnowflake.Int64()))

	specs := make([]engine.TransferSpec, 0, len(plans))
	entryRows := make([]*Entry, 0, len(plans)*2)
	for i, plan := range plans {
		transferID := s.node.Generate()
		debitEntry := &Entry{
			ID:               s.node.Generate().String(),
			TransactionID:    txID,
			AccountID:        plan.source.ID,
			LedgerID:         plan.source.LedgerID,
			Amount:           plan.amountMinor,
			Direction:        account.SideDebit,
			EngineTransferID: transferID.String(),
		}
		creditEntry := &Entry{
			ID:               s.node.Generate().String(),
			TransactionID:    txID,
			AccountID:        plan.destination.ID,
			LedgerID:         plan.destination.LedgerID,
			Amount:           plan.amountMinor,
			Direction:        account.SideCredit,
			EngineTransferID: transferID.String(),
		}
		entryRows = append(entryRows, debitEntry, creditEntry)

		engineLedgerID, code, err := s.engineLedger(ctx, plan.source)
		if err != nil {
			return nil, err
		}

		specs = append(specs, engine.TransferSpec{
			Record: types.Transfer{
				ID:              types.ToUint128(uint64(transferID.Int64())),
				DebitAccountID:  plan.source.EngineID(),
				CreditAccountID: plan.destination.EngineID(),
				Amount:          types.ToUint128(plan.amountUnits),
				Ledger:          engineLedgerID,
				Code:            code,
				UserData128:     correlation,
				Flags: types.TransferFlags{
					Linked:  i < len(plans)-1,
					Pending: status == StatusPending,
				}.ToUint16(),
			},
			EntryIDs:      []string{debitEntry.ID, creditEntry.ID},
			TransactionID: txID,
		})
	}

	metadataRows := metadataRowsFor(s.node, "transaction", txID, in.Metadata)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.transactions.WithTrx(tx).Create(ctx, row); err != nil {
			return err
		}
		if err := s.entries.WithTrx(tx).BatchCreate(ctx, entryRows); err != nil {
			return err
		}
		if len(metadataRows) > 0 {
			if err := s.metadata.WithTrx(tx).BatchCreate(ctx, metadataRows); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		zap.L().Error("persist transaction failed", append(logFields, zap.Error(err))...)
		return nil, errutil.Internal("persist transaction", err)
	}

	if err := s.engine.CreateTransfers(ctx, specs); err != nil {
		zap.L().Error("engine transfer batch failed after relational commit; rows require reconciliation",
			append(logFields, zap.String("transaction_id", txID), zap.Error(err))...)
		return nil, engineError(err)
	}

	row.Entries = entryRows
	return &Detail{Transaction: row, Accounts: accounts}, nil
}

// Post moves a pending transaction to posted. Balance limits are re-checked
// against current counters because pending movement never counted against
// them at record time. The status flip is guarded by a conditional update so
// two concurrent posts cannot both succeed.
func (s *Service) Post(ctx context.Context, id string) (*Detail, error) {
	detail, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if detail.Transaction.Status != StatusPending {
		return nil, errutil.UnprocessableEntity("transaction is not pending", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(detail.Transaction.Status)}))
	}

	if err := s.checkBalanceLimits(ctx, detail.Accounts, entryDeltas(detail.Transaction.Entries)); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, id, StatusPosted); err != nil {
		return nil, err
	}

	detail.Transaction.Status = StatusPosted
	return detail, nil
}

// Archive voids a pending transaction. No limit check: archiving releases
// pending movement, it never adds posted movement.
func (s *Service) Archive(ctx context.Context, id string) (*Detail, error) {
	detail, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if detail.Transaction.Status != StatusPending {
		return nil, errutil.UnprocessableEntity("transaction is not pending", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(detail.Transaction.Status)}))
	}

	if err := s.transition(ctx, id, StatusArchived); err != nil {
		return nil, err
	}

	detail.Transaction.Status = StatusArchived
	return detail, nil
}

func (s *Service) transition(ctx context.Context, id string, to Status) error {
	affected, err := s.transactions.Update(ctx, id, map[string]any{"status": to},
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: StatusPending}))
	if err != nil {
		return errutil.Internal("update transaction status", err)
	}
	if affected == 0 {
		return errutil.UnprocessableEntity("transaction is not pending", nil)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	return s.getBy(ctx, "id = ?", id)
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*Detail, error) {
	return s.getBy(ctx, "external_id = ?", externalID)
}

func (s *Service) getBy(ctx context.Context, cond string, value string) (*Detail, error) {
	var row Transaction
	err := s.db.WithContext(ctx).
		Where(cond, value).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("transaction not found", nil)
	}
	if err != nil {
		return nil, errutil.Internal("lookup transaction", err)
	}

	entries, err := s.entries.Find(ctx, &Entry{TransactionID: row.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id"}))
	if err != nil {
		return nil, errutil.Internal("load transaction entries", err)
	}
	row.Entries = entries

	accounts, err := s.entryAccounts(ctx, row.Entries)
	if err != nil {
		return nil, err
	}
	return &Detail{Transaction: &row, Accounts: accounts}, nil
}

type ListOptions struct {
	LedgerID        string
	Status          Status
	EffectiveAfter  *time.Time
	EffectiveBefore *time.Time
	Page            pagination.Options
}

// List returns one page of transactions with the accounts referenced by
// every entry on the page.
func (s *Service) List(ctx context.Context, opts ListOptions) (*pagination.Page[Transaction], map[string]*account.Account, error) {
	query := s.db.WithContext(ctx).Model(&Transaction{}).Preload("Entries")
	if opts.LedgerID != "" {
		query = query.Where("ledger_id = ?", opts.LedgerID)
	}
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}
	if opts.EffectiveAfter != nil {
		query = option.ApplyOperator(option.Condition{Field: "effective_date", Operator: option.GTE, Value: *opts.EffectiveAfter})(query)
	}
	if opts.EffectiveBefore != nil {
		query = option.ApplyOperator(option.Condition{Field: "effective_date", Operator: option.LTE, Value: *opts.EffectiveBefore})(query)
	}

	page, err := pagination.Paginate[Transaction](query, "id", func(t *Transaction) string { return t.ID }, opts.Page)
	if err != nil {
		return nil, nil, errutil.Internal("list transactions", err)
	}

	var all []*Entry
	for _, row := range page.Items {
		all = append(all, row.Entries...)
	}
	accounts, err := s.entryAccounts(ctx, all)
	if err != nil {
		return nil, nil, err
	}
	return page, accounts, nil
}

// ListEntries returns one page of entry rows touching the account.
func (s *Service) ListEntries(ctx context.Context, accountID string, opts pagination.Options) (*pagination.Page[Entry], error) {
	ok, err := s.accounts.Exists(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.NotFound("account not found", nil)
	}

	query := s.db.WithContext(ctx).Model(&Entry{}).Where("account_id = ?", accountID)
	page, err := pagination.Paginate[Entry](query, "id", func(e *Entry) string { return e.ID }, opts)
	if err != nil {
		return nil, errutil.Internal("list entries", err)
	}
	return page, nil
}

func (s *Service) planEntries(ctx context.Context, lines []EntryInput) ([]entryPlan, map[string]*account.Account, error) {
	ids := make([]string, 0, len(lines)*2)
	seen := make(map[string]struct{}, len(lines)*2)
	for _, line := range lines {
		for _, id := range []string{line.SourceAccountID, line.DestinationAccountID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	accounts, err := s.accounts.Find(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	plans := make([]entryPlan, 0, len(lines))
	for i, line := range lines {
		field := fmt.Sprintf("entries[%d]", i)

		if line.SourceAccountID == line.DestinationAccountID {
			return nil, nil, errutil.ValidationFailed("source_equals_destination", nil,
				errutil.WithDetails(errutil.Detail{Field: field, Message: "source and destination must differ"}))
		}

		src, ok := accounts[line.SourceAccountID]
		if !ok {
			return nil, nil, errutil.NotFound("source account not found", nil,
				errutil.WithDetails(errutil.Detail{Field: field, Message: line.SourceAccountID}))
		}
		dst, ok := accounts[line.DestinationAccountID]
		if !ok {
			return nil, nil, errutil.NotFound("destination account not found", nil,
				errutil.WithDetails(errutil.Detail{Field: field, Message: line.DestinationAccountID}))
		}

		if src.LedgerID != dst.LedgerID {
			return nil, nil, errutil.ValidationFailed("cross_ledger", nil,
				errutil.WithDetails(errutil.Detail{Field: field, Message: "accounts belong to different ledgers"}))
		}
		// The whole transaction belongs to one ledger; lines may not span
		// ledgers even when each line is internally consistent.
		if len(plans) > 0 && src.LedgerID != plans[0].source.LedgerID {
			return nil, nil, errutil.ValidationFailed("cross_ledger", nil,
				errutil.WithDetails(errutil.Detail{Field: field, Message: "all entries must share one ledger"}))
		}
		if src.CurrencyCode != dst.CurrencyCode {
			return nil, nil, errutil.ValidationFailed("cross_currency", nil,
				errutil.WithDetails(errutil.Detail{Field: field, Message: "accounts hold different currencies"}))
		}

		scaled := line.Amount.Shift(src.CurrencyExponent)
		if line.Amount.Sign() <= 0 || !scaled.IsInteger() {
			return nil, nil, errutil.ValidationFailed("malformed_amount", nil,
				errutil.WithDetails(errutil.Detail{Field: field, Message: "amount must be positive with at most the currency's decimal places"}))
		}
		big := scaled.BigInt()
		if !big.IsUint64() {
			return nil, nil, errutil.ValidationFailed("malformed_amount", nil,
				errutil.WithDetails(errutil.Detail{Field: field, Message: "amount out of range"}))
		}

		plans = append(plans, entryPlan{
			source:      src,
			destination: dst,
			amountMinor: scaled,
			amountUnits: big.Uint64(),
		})
	}
	return plans, accounts, nil
}

func (s *Service) engineLedger(ctx context.Context, row *account.Account) (uint32, uint16, error) {
	led, err := s.ledgers.Get(ctx, row.LedgerID)
	if err != nil {
		return 0, 0, err
	}
	code, ok := engine.CurrencyNumericCode(row.CurrencyCode)
	if !ok {
		return 0, 0, errutil.Internal(fmt.Sprintf("currency %s not registered", row.CurrencyCode), nil)
	}
	return led.EngineLedgerID, code, nil
}

// balanceDelta is the additional posted movement a batch would introduce on
// one account, in minor units.
type balanceDelta struct {
	debits  decimal.Decimal
	credits decimal.Decimal
}

func planDeltas(plans []entryPlan) map[string]balanceDelta {
	deltas := make(map[string]balanceDelta)
	for _, plan := range plans {
		d := deltas[plan.source.ID]
		d.debits = d.debits.Add(plan.amountMinor)
		deltas[plan.source.ID] = d

		c := deltas[plan.destination.ID]
		c.credits = c.credits.Add(plan.amountMinor)
		deltas[plan.destination.ID] = c
	}
	return deltas
}

func entryDeltas(entries []*Entry) map[string]balanceDelta {
	deltas := make(map[string]balanceDelta)
	for _, entry := range entries {
		d := deltas[entry.AccountID]
		if entry.Direction == account.SideDebit {
			d.debits = d.debits.Add(entry.Amount)
		} else {
			d.credits = d.credits.Add(entry.Amount)
		}
		deltas[entry.AccountID] = d
	}
	return deltas
}

// checkBalanceLimits projects each limited account's posted balance with the
// batch applied and rejects the whole batch when any account would leave its
// configured range. Pending movement is intentionally not counted.
func (s *Service) checkBalanceLimits(ctx context.Context, accounts map[string]*account.Account, deltas map[string]balanceDelta) error {
	limited := make([]*account.Account, 0, len(deltas))
	for id := range deltas {
		row := accounts[id]
		if row == nil {
			continue
		}
		if row.MinBalance != nil || row.MaxBalance != nil {
			limited = append(limited, row)
		}
	}
	if len(limited) == 0 {
		return nil
	}

	counters, err := s.accounts.LookupCounters(ctx, limited)
	if err != nil {
		return err
	}

	for _, row := range limited {
		delta := deltas[row.ID]
		projected := account.ProjectPosted(row, counters[row.ID], delta.debits, delta.credits)

		if row.MinBalance != nil && projected.LessThan(*row.MinBalance) {
			return errutil.ValidationFailed("balance_limit_exceeded", nil,
				errutil.WithDetails(errutil.Detail{
					Field:   "entries",
					Message: fmt.Sprintf("account %s would fall below its minimum balance", row.ID),
				}))
		}
		if row.MaxBalance != nil && projected.GreaterThan(*row.MaxBalance) {
			return errutil.ValidationFailed("balance_limit_exceeded", nil,
				errutil.WithDetails(errutil.Detail{
					Field:   "entries",
					Message: fmt.Sprintf("account %s would exceed its maximum balance", row.ID),
				}))
		}
	}
	return nil
}

func (s *Service) entryAccounts(ctx context.Context, entries []*Entry) (map[string]*account.Account, error) {
	ids := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.AccountID]; !ok {
			seen[entry.AccountID] = struct{}{}
			ids = append(ids, entry.AccountID)
		}
	}
	if len(ids) == 0 {
		return map[string]*account.Account{}, nil
	}
	return s.accounts.Find(ctx, ids)
}

func metadataRowsFor(node *snowflake.Node, entityType, entityID string, values map[string]string) []*MetadataEntry {
	if len(values) == 0 {
		return nil
	}
	rows := make([]*MetadataEntry, 0, len(values))
	for key, value := range values {
		rows = append(rows, &MetadataEntry{
			ID:         node.Generate().String(),
			EntityType: entityType,
			EntityID:   entityID,
			Key:        key,
			Value:      value,
		})
	}
	return rows
}

func engineError(err error) error {
	var batchErr *engine.BatchError
	if errors.As(err, &batchErr) {
		return errutil.BadGateway("accounting engine rejected transfer batch", err)
	}
	if errors.Is(err, engine.ErrSecondaryCluster) {
		return errutil.BadGateway("secondary accounting cluster failed after primary commit", err)
	}
	return errutil.BadGateway("accounting engine request failed", err)
}
