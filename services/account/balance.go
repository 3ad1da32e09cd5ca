package account

import (
	"github.com/shopspring/decimal"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

// Balance is one balance view in minor units, with the raw summed credit and
// debit components it was computed from.
type Balance struct {
	Amount           decimal.Decimal `json:"amount"`
	Credits          decimal.Decimal `json:"credits"`
	Debits           decimal.Decimal `json:"debits"`
	CurrencyCode     string          `json:"currency_code"`
	CurrencyExponent int32           `json:"currency_exponent"`
}

// Balances holds the three point-in-time views of one account: pending
// includes not-yet-settled movement, posted is settled-only, available is
// what can be spent right now.
type Balances struct {
	Pending   Balance `json:"pending"`
	Posted    Balance `json:"posted"`
	Available Balance `json:"available"`
}

// ComputeBalances derives the balance triple from raw engine counters,
// relative to the account's normal-balance side. It is deterministic and
// side-effect-free; balances are recomputed on every read rather than stored.
func ComputeBalances(account *Account, counters types.Account) Balances {
	debitsPosted := counterDecimal(counters.DebitsPosted)
	debitsPending := counterDecimal(counters.DebitsPending)
	creditsPosted := counterDecimal(counters.CreditsPosted)
	creditsPending := counterDecimal(counters.CreditsPending)

	pendingDebit := debitsPosted.Add(debitsPending)
	pendingCredit := creditsPosted.Add(creditsPending)

	annotate := func(amount, credits, debits decimal.Decimal) Balance {
		return Balance{
			Amount:           amount,
			Credits:          credits,
			Debits:           debits,
			CurrencyCode:     account.CurrencyCode,
			CurrencyExponent: account.CurrencyExponent,
		}
	}

	if account.NormalBalance == SideCredit {
		return Balances{
			Pending:   annotate(pendingCredit.Sub(pendingDebit), pendingCredit, pendingDebit),
			Posted:    annotate(creditsPosted.Sub(debitsPosted), creditsPosted, debitsPosted),
			Available: annotate(creditsPosted.Sub(pendingDebit), creditsPosted, pendingDebit),
		}
	}

	return Balances{
		Pending:   annotate(pendingDebit.Sub(pendingCredit), pendingCredit, pendingDebit),
		Posted:    annotate(debitsPosted.Sub(creditsPosted), creditsPosted, debitsPosted),
		Available: annotate(debitsPosted.Sub(pendingCredit), pendingCredit, debitsPosted),
	}
}

// ProjectPosted returns the posted balance (signed toward the account's
// normal side) the account would have after applying additional debit and
// credit minor-unit movement to its current posted counters. Used for
// balance-limit pre-validation before any write.
func ProjectPosted(account *Account, counters types.Account, debits, credits decimal.Decimal) decimal.Decimal {
	postedDebits := counterDecimal(counters.DebitsPosted).Add(debits)
	postedCredits := counterDecimal(counters.CreditsPosted).Add(credits)

	if account.NormalBalance == SideCredit {
		return postedCredits.Sub(postedDebits)
	}
	return postedDebits.Sub(postedCredits)
}

func counterDecimal(v types.Uint128) decimal.Decimal {
	b := v.BigInt()
	return decimal.NewFromBigInt(&b, 0)
}
