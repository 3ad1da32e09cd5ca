package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"openledger/pkg/errutil"
	"openledger/pkg/pagination"
	"openledger/services/account"
	"openledger/services/ledger"
	"openledger/services/transaction"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	ledgers      *ledger.Service
	accounts     *account.Service
	transactions *transaction.Service
}

type HandlerParams struct {
	fx.In
	Ledgers      *ledger.Service
	Accounts     *account.Service
	Transactions *transaction.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		ledgers:      p.Ledgers,
		accounts:     p.Accounts,
		transactions: p.Transactions,
	}
}

func pageOptions(c *gin.Context) pagination.Options {
	opts := pagination.Options{
		Cursor:    c.Query("cursor"),
		SortOrder: pagination.SortAsc,
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if c.Query("sort_order") == pagination.SortDesc {
		opts.SortOrder = pagination.SortDesc
	}
	return opts
}

// timeQuery parses an optional RFC 3339 query parameter.
func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errutil.BadRequest(name+" must be RFC 3339", err)
	}
	return &parsed, nil
}

func (h *Handler) CreateLedger(c *gin.Context) {
	var req createLedgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	row, err := h.ledgers.Create(c.Request.Context(), ledger.CreateInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toLedgerResponse(row))
}

func (h *Handler) GetLedger(c *gin.Context) {
	row, err := h.ledgers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toLedgerResponse(row))
}

func (h *Handler) ListLedgers(c *gin.Context) {
	page, err := h.ledgers.List(c.Request.Context(), pageOptions(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pageResponse(page, toLedgerResponse))
}

func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	row, err := h.accounts.Create(c.Request.Context(), account.CreateInput{
		LedgerID:      req.LedgerID,
		ExternalID:    req.ExternalID,
		CurrencyCode:  req.CurrencyCode,
		NormalBalance: account.Side(req.NormalBalance),
		MinBalance:    req.MinBalance,
		MaxBalance:    req.MaxBalance,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toAccountResponse(row, nil))
}

func (h *Handler) GetAccount(c *gin.Context) {
	row, balances, err := h.accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(row, balances))
}

func (h *Handler) GetAccountByExternalID(c *gin.Context) {
	row, balances, err := h.accounts.GetByExternalID(c.Request.Context(), c.Param("external_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(row, balances))
}

func (h *Handler) ListAccounts(c *gin.Context) {
	page, balances, err := h.accounts.List(c.Request.Context(), c.Query("ledger_id"), pageOptions(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pageResponse(page, func(row *account.Account) accountResponse {
		if b, ok := balances[row.ID]; ok {
			return toAccountResponse(row, &b)
		}
		return toAccountResponse(row, nil)
	}))
}

func (h *Handler) ListAccountEntries(c *gin.Context) {
	page, err := h.transactions.ListEntries(c.Request.Context(), c.Param("id"), pageOptions(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pageResponse(page, func(row *transaction.Entry) entryResponse {
		return toEntryResponse(row, nil)
	}))
}

func (h *Handler) RecordTransaction(c *gin.Context) {
	var req recordTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	entries := make([]transaction.EntryInput, 0, len(req.Entries))
	for _, line := range req.Entries {
		entries = append(entries, transaction.EntryInput{
			SourceAccountID:      line.SourceAccountID,
			DestinationAccountID: line.DestinationAccountID,
			Amount:               line.Amount,
		})
	}

	var effective *time.Time
	if req.EffectiveDate != nil {
		effective = req.EffectiveDate
	}

	detail, err := h.transactions.Record(c.Request.Context(), transaction.RecordInput{
		ExternalID:    req.ExternalID,
		Description:   req.Description,
		Status:        transaction.Status(req.Status),
		EffectiveDate: effective,
		Metadata:      req.Metadata,
		Entries:       entries,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toTransactionResponse(detail.Transaction, detail.Accounts))
}

func (h *Handler) GetTransaction(c *gin.Context) {
	detail, err := h.transactions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toTransactionResponse(detail.Transaction, detail.Accounts))
}

func (h *Handler) GetTransactionByExternalID(c *gin.Context) {
	detail, err := h.transactions.GetByExternalID(c.Request.Context(), c.Param("external_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toTransactionResponse(detail.Transaction, detail.Accounts))
}

func (h *Handler) ListTransactions(c *gin.Context) {
	after, err := timeQuery(c, "effective_after")
	if err != nil {
		c.Error(err)
		return
	}
	before, err := timeQuery(c, "effective_before")
	if err != nil {
		c.Error(err)
		return
	}

	page, accounts, err := h.transactions.List(c.Request.Context(), transaction.ListOptions{
		LedgerID:        c.Query("ledger_id"),
		Status:          transaction.Status(c.Query("status")),
		EffectiveAfter:  after,
		EffectiveBefore: before,
		Page:            pageOptions(c),
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pageResponse(page, func(row *transaction.Transaction) transactionResponse {
		return toTransactionResponse(row, accounts)
	}))
}

func (h *Handler) PostTransaction(c *gin.Context) {
	detail, err := h.transactions.Post(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toTransactionResponse(detail.Transaction, detail.Accounts))
}

func (h *Handler) ArchiveTransaction(c *gin.Context) {
	detail, err := h.transactions.Archive(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toTransactionResponse(detail.Transaction, detail.Accounts))
}
