package testutil

import (
	"sync"

	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

type fakeAccount struct {
	record         types.Account
	debitsPending  uint64
	debitsPosted   uint64
	creditsPending uint64
	creditsPosted  uint64
}

// FakeEngine is an in-memory accounting engine implementing engine.Client.
// It applies pending/posted counters the way the real engine does and treats
// every batch as one atomic group, matching the linked-batch contract.
type FakeEngine struct {
	mu        sync.Mutex
	accounts  map[types.Uint128]*fakeAccount
	transfers map[types.Uint128]types.Transfer

	// CreateAccountsErr / CreateTransfersErr force a transport-level failure.
	CreateAccountsErr  error
	CreateTransfersErr error
	// RejectTransfers forces a per-index rejection of every transfer.
	RejectTransfers bool
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		accounts:  make(map[types.Uint128]*fakeAccount),
		transfers: make(map[types.Uint128]types.Transfer),
	}
}

func (f *FakeEngine) CreateAccounts(accounts []types.Account) ([]types.AccountEventResult, error) {
	if f.CreateAccountsErr != nil {
		return nil, f.CreateAccountsErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]types.AccountEventResult, 0)
	for i, record := range accounts {
		if _, ok := f.accounts[record.ID]; ok {
			results = append(results, types.AccountEventResult{Index: uint32(i), Result: types.AccountExists})
			continue
		}
		f.accounts[record.ID] = &fakeAccount{record: record}
	}
	return results, nil
}

func (f *FakeEngine) CreateTransfers(transfers []types.Transfer) ([]types.TransferEventResult, error) {
	if f.CreateTransfersErr != nil {
		return nil, f.CreateTransfersErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]types.TransferEventResult, 0)
	for i, record := range transfers {
		if f.RejectTransfers {
			results = append(results, types.TransferEventResult{Index: uint32(i), Result: types.TransferLinkedEventFailed})
			continue
		}
		if _, ok := f.accounts[record.DebitAccountID]; !ok {
			results = append(results, types.TransferEventResult{Index: uint32(i), Result: types.TransferDebitAccountNotFound})
		}
		if _, ok := f.accounts[record.CreditAccountID]; !ok {
			results = append(results, types.TransferEventResult{Index: uint32(i), Result: types.TransferCreditAccountNotFound})
		}
	}

	// Whole batch is linked: any rejection applies nothing.
	if len(results) > 0 {
		return results, nil
	}

	for _, record := range transfers {
		amount := uint128ToUint64(record.Amount)
		debit := f.accounts[record.DebitAccountID]
		credit := f.accounts[record.CreditAccountID]

		if record.TransferFlags().Pending {
			debit.debitsPending += amount
			credit.creditsPending += amount
		} else {
			debit.debitsPosted += amount
			credit.creditsPosted += amount
		}

		f.transfers[record.ID] = record
	}

	return nil, nil
}

func (f *FakeEngine) LookupAccounts(accountIDs []types.Uint128) ([]types.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make([]types.Account, 0, len(accountIDs))
	for _, id := range accountIDs {
		acct, ok := f.accounts[id]
		if !ok {
			continue
		}

		record := acct.record
		record.DebitsPending = types.ToUint128(acct.debitsPending)
		record.DebitsPosted = types.ToUint128(acct.debitsPosted)
		record.CreditsPending = types.ToUint128(acct.creditsPending)
		record.CreditsPosted = types.ToUint128(acct.creditsPosted)
		records = append(records, record)
	}
	return records, nil
}

func (f *FakeEngine) LookupTransfers(transferIDs []types.Uint128) ([]types.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make([]types.Transfer, 0, len(transferIDs))
	for _, id := range transferIDs {
		if record, ok := f.transfers[id]; ok {
			records = append(records, record)
		}
	}
	return records, nil
}

func (f *FakeEngine) Close() {}

func uint128ToUint64(v types.Uint128) uint64 {
	b := v.BigInt()
	return b.Uint64()
}
