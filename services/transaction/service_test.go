package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"openledger/internal/engine"
	"openledger/pkg/errutil"
	"openledger/pkg/pagination"
	"openledger/services/account"
	"openledger/services/ledger"
	"openledger/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	fake         *testutil.FakeEngine
	ledgers      *ledger.Service
	accounts     *account.Service
	transactions *Service
	ledger       *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Ledger{},
		&account.Account{},
		&Transaction{},
		&Entry{},
		&MetadataEntry{},
		&engine.EngineAccount{},
		&engine.EngineTransfer{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := testutil.NewFakeEngine()
	cluster := engine.NewCluster(fake, nil, db)

	ledgers := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	accounts := account.NewService(account.ServiceParams{DB: db, Node: node, Engine: cluster, Ledgers: ledgers})
	transactions := NewService(ServiceParams{DB: db, Node: node, Engine: cluster, Accounts: accounts, Ledgers: ledgers})

	led, err := ledgers.Create(context.Background(), ledger.CreateInput{Name: "main"})
	require.NoError(t, err)

	return &fixture{
		fake:         fake,
		ledgers:      ledgers,
		accounts:     accounts,
		transactions: transactions,
		ledger:       led,
	}
}

func (f *fixture) newAccount(t *testing.T, side account.Side, opts ...func(*account.CreateInput)) *account.Account {
	t.Helper()

	in := account.CreateInput{
		LedgerID:      f.ledger.ID,
		CurrencyCode:  "USD",
		NormalBalance: side,
	}
	for _, opt := range opts {
		opt(&in)
	}

	row, err := f.accounts.Create(context.Background(), in)
	require.NoError(t, err)
	return row
}

func amount(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func requireCode(t *testing.T, err error, code errutil.CoreStatus) {
	t.Helper()

	var base errutil.BaseError
	require.True(t, errors.As(err, &base), "expected BaseError, got %v", err)
	require.Equal(t, code, base.Code)
}

func TestRecordPostedMovesBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	detail, err := f.transactions.Record(ctx, RecordInput{
		ExternalID:  "tx-1",
		Description: "settlement",
		Status:      StatusPosted,
		Entries: []EntryInput{
			{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(100)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPosted, detail.Transaction.Status)
	require.Len(t, detail.Transaction.Entries, 2)

	var debit, credit *Entry
	for _, entry := range detail.Transaction.Entries {
		switch entry.Direction {
		case account.SideDebit:
			debit = entry
		case account.SideCredit:
			credit = entry
		}
	}
	require.NotNil(t, debit)
	require.NotNil(t, credit)
	require.Equal(t, b.ID, debit.AccountID)
	require.Equal(t, a.ID, credit.AccountID)
	require.True(t, debit.Amount.Equal(decimal.NewFromInt(10000)), "amount stored in minor units")
	require.Equal(t, debit.EngineTransferID, credit.EngineTransferID)

	_, balances, err := f.accounts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, balances.Posted.Amount.Equal(decimal.NewFromInt(10000)))
	require.True(t, balances.Available.Amount.Equal(decimal.NewFromInt(10000)))

	_, balances, err = f.accounts.Get(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, balances.Posted.Amount.Equal(decimal.NewFromInt(10000)))
}

func TestRecordPendingLeavesPostedUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	detail, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "tx-pending",
		Status:     StatusPending,
		Entries: []EntryInput{
			{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(50)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, detail.Transaction.Status)

	_, balances, err := f.accounts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, balances.Posted.Amount.IsZero())
	require.True(t, balances.Pending.Amount.Equal(decimal.NewFromInt(5000)))
	require.True(t, balances.Available.Amount.IsZero())

	_, balances, err = f.accounts.Get(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, balances.Posted.Amount.IsZero())
	require.True(t, balances.Available.Amount.IsZero())
	require.True(t, balances.Pending.Amount.Equal(decimal.NewFromInt(5000)))
}

func TestRecordValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)
	eur := f.newAccount(t, account.SideDebit, func(in *account.CreateInput) { in.CurrencyCode = "EUR" })

	other, err := f.ledgers.Create(ctx, ledger.CreateInput{Name: "other"})
	require.NoError(t, err)
	foreign := f.newAccount(t, account.SideDebit, func(in *account.CreateInput) { in.LedgerID = other.ID })

	cases := []struct {
		name    string
		in      RecordInput
		code    errutil.CoreStatus
	}{
		{
			name: "archived is not a creatable status",
			in: RecordInput{ExternalID: "t1", Status: StatusArchived,
				Entries: []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(1)}}},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "missing external id",
			in: RecordInput{
				Entries: []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(1)}}},
			code: errutil.StatusBadRequest,
		},
		{
			name: "no entries",
			in:   RecordInput{ExternalID: "t2"},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "source equals destination",
			in: RecordInput{ExternalID: "t3",
				Entries: []EntryInput{{SourceAccountID: a.ID, DestinationAccountID: a.ID, Amount: amount(1)}}},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "unknown source account",
			in: RecordInput{ExternalID: "t4",
				Entries: []EntryInput{{SourceAccountID: "missing", DestinationAccountID: a.ID, Amount: amount(1)}}},
			code: errutil.StatusNotFound,
		},
		{
			name: "cross ledger entry",
			in: RecordInput{ExternalID: "t5",
				Entries: []EntryInput{{SourceAccountID: foreign.ID, DestinationAccountID: a.ID, Amount: amount(1)}}},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "cross currency entry",
			in: RecordInput{ExternalID: "t6",
				Entries: []EntryInput{{SourceAccountID: eur.ID, DestinationAccountID: a.ID, Amount: amount(1)}}},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "negative amount",
			in: RecordInput{ExternalID: "t7",
				Entries: []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(-5)}}},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "zero amount",
			in: RecordInput{ExternalID: "t8",
				Entries: []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(0)}}},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "more precision than the currency allows",
			in: RecordInput{ExternalID: "t9",
				Entries: []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: decimal.RequireFromString("0.001")}}},
			code: errutil.StatusValidationFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.transactions.Record(ctx, tc.in)
			require.Error(t, err)
			requireCode(t, err, tc.code)
		})
	}
}

func TestRecordDuplicateExternalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	in := RecordInput{
		ExternalID: "dup",
		Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(1)}},
	}

	_, err := f.transactions.Record(ctx, in)
	require.NoError(t, err)

	_, err = f.transactions.Record(ctx, in)
	requireCode(t, err, errutil.StatusConflict)
}

func TestRecordEngineRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	f.fake.RejectTransfers = true

	_, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "rejected",
		Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(10)}},
	})
	requireCode(t, err, errutil.StatusBadGateway)

	// No counters moved on either side.
	_, balances, err := f.accounts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, balances.Pending.Amount.IsZero())
	require.True(t, balances.Posted.Amount.IsZero())
}

func TestPostLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	detail, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "lifecycle",
		Status:     StatusPending,
		Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(25)}},
	})
	require.NoError(t, err)

	posted, err := f.transactions.Post(ctx, detail.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, posted.Transaction.Status)

	// Second post sees a non-pending transaction.
	_, err = f.transactions.Post(ctx, detail.Transaction.ID)
	requireCode(t, err, errutil.StatusUnprocessableEntity)

	// So does archive.
	_, err = f.transactions.Archive(ctx, detail.Transaction.ID)
	requireCode(t, err, errutil.StatusUnprocessableEntity)

	reloaded, err := f.transactions.Get(ctx, detail.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, reloaded.Transaction.Status)
	require.Len(t, reloaded.Transaction.Entries, 2)
}

func TestArchivePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	detail, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "void-me",
		Status:     StatusPending,
		Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(5)}},
	})
	require.NoError(t, err)

	archived, err := f.transactions.Archive(ctx, detail.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, StatusArchived, archived.Transaction.Status)

	_, err = f.transactions.Post(ctx, detail.Transaction.ID)
	requireCode(t, err, errutil.StatusUnprocessableEntity)
}

func TestBalanceLimitOnPostedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	max := amount(100)
	capped := f.newAccount(t, account.SideCredit, func(in *account.CreateInput) { in.MaxBalance = &max })
	b := f.newAccount(t, account.SideDebit)

	_, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "over-max",
		Status:     StatusPosted,
		Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: capped.ID, Amount: amount(150)}},
	})
	requireCode(t, err, errutil.StatusValidationFailed)

	// At the limit is allowed.
	_, err = f.transactions.Record(ctx, RecordInput{
		ExternalID: "at-max",
		Status:     StatusPosted,
		Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: capped.ID, Amount: amount(100)}},
	})
	require.NoError(t, err)
}

func TestBalanceLimitSkippedForPendingCheckedOnPost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	max := amount(100)
	capped := f.newAccount(t, account.SideCredit, func(in *account.CreateInput) { in.MaxBalance = &max })
	b := f.newAccount(t, account.SideDebit)

	// Pending movement never counts against limits at record time.
	detail, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "pending-over-max",
		Status:     StatusPending,
		Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: capped.ID, Amount: amount(150)}},
	})
	require.NoError(t, err)

	// Posting re-checks and refuses.
	_, err = f.transactions.Post(ctx, detail.Transaction.ID)
	requireCode(t, err, errutil.StatusValidationFailed)

	// Archiving the same transaction is always allowed.
	_, err = f.transactions.Archive(ctx, detail.Transaction.ID)
	require.NoError(t, err)
}

func TestMinBalanceLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	min := amount(-50)
	floor := f.newAccount(t, account.SideDebit, func(in *account.CreateInput) { in.MinBalance = &min })
	a := f.newAccount(t, account.SideCredit)

	// Crediting a debit-normal account drives its posted balance negative.
	_, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "below-min",
		Status:     StatusPosted,
		Entries:    []EntryInput{{SourceAccountID: a.ID, DestinationAccountID: floor.ID, Amount: amount(60)}},
	})
	requireCode(t, err, errutil.StatusValidationFailed)

	_, err = f.transactions.Record(ctx, RecordInput{
		ExternalID: "at-min",
		Status:     StatusPosted,
		Entries:    []EntryInput{{SourceAccountID: a.ID, DestinationAccountID: floor.ID, Amount: amount(50)}},
	})
	require.NoError(t, err)
}

func TestGetByExternalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	created, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "ext-lookup",
		Metadata:   map[string]string{"order_id": "ord-9"},
		Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(3)}},
	})
	require.NoError(t, err)

	found, err := f.transactions.GetByExternalID(ctx, "ext-lookup")
	require.NoError(t, err)
	require.Equal(t, created.Transaction.ID, found.Transaction.ID)
	require.Contains(t, found.Accounts, a.ID)
	require.Contains(t, found.Accounts, b.ID)

	_, err = f.transactions.GetByExternalID(ctx, "nope")
	requireCode(t, err, errutil.StatusNotFound)
}

func TestListFiltersAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	for _, ext := range []string{"l1", "l2", "l3"} {
		_, err := f.transactions.Record(ctx, RecordInput{
			ExternalID: ext,
			Status:     StatusPending,
			Entries:    []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(1)}},
		})
		require.NoError(t, err)
	}

	page, accounts, err := f.transactions.List(ctx, ListOptions{
		Status: StatusPending,
		Page:   pagination.Options{Limit: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasNext)
	require.NotEmpty(t, page.NextCursor)
	require.Contains(t, accounts, a.ID)

	page, _, err = f.transactions.List(ctx, ListOptions{
		Status: StatusPending,
		Page:   pagination.Options{Limit: 2, Cursor: page.NextCursor},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.False(t, page.HasNext)

	page, _, err = f.transactions.List(ctx, ListOptions{Status: StatusPosted, Page: pagination.Options{Limit: 10}})
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestRecordRejectsLinesSpanningLedgers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	other, err := f.ledgers.Create(ctx, ledger.CreateInput{Name: "other"})
	require.NoError(t, err)
	c := f.newAccount(t, account.SideCredit, func(in *account.CreateInput) { in.LedgerID = other.ID })
	d := f.newAccount(t, account.SideDebit, func(in *account.CreateInput) { in.LedgerID = other.ID })

	// Each line is internally consistent but the second belongs to another
	// ledger.
	_, err = f.transactions.Record(ctx, RecordInput{
		ExternalID: "span",
		Entries: []EntryInput{
			{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(1)},
			{SourceAccountID: d.ID, DestinationAccountID: c.ID, Amount: amount(1)},
		},
	})
	requireCode(t, err, errutil.StatusValidationFailed)
	require.Contains(t, err.Error(), "cross_ledger")
}

func TestListFiltersByEffectiveDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)

	jan := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	for ext, at := range map[string]time.Time{"early": jan, "late": jun} {
		_, err := f.transactions.Record(ctx, RecordInput{
			ExternalID:    ext,
			EffectiveDate: &at,
			Entries:       []EntryInput{{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(1)}},
		})
		require.NoError(t, err)
	}

	cut := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	page, _, err := f.transactions.List(ctx, ListOptions{EffectiveAfter: &cut, Page: pagination.Options{Limit: 10}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "late", page.Items[0].ExternalID)

	page, _, err = f.transactions.List(ctx, ListOptions{EffectiveBefore: &cut, Page: pagination.Options{Limit: 10}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "early", page.Items[0].ExternalID)
}

func TestListEntriesByAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, account.SideCredit)
	b := f.newAccount(t, account.SideDebit)
	c := f.newAccount(t, account.SideDebit)

	_, err := f.transactions.Record(ctx, RecordInput{
		ExternalID: "multi",
		Entries: []EntryInput{
			{SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: amount(10)},
			{SourceAccountID: c.ID, DestinationAccountID: a.ID, Amount: amount(20)},
		},
	})
	require.NoError(t, err)

	page, err := f.transactions.ListEntries(ctx, a.ID, pagination.Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	for _, entry := range page.Items {
		require.Equal(t, a.ID, entry.AccountID)
		require.Equal(t, account.SideCredit, entry.Direction)
	}

	_, err = f.transactions.ListEntries(ctx, "missing", pagination.Options{})
	requireCode(t, err, errutil.StatusNotFound)
}
