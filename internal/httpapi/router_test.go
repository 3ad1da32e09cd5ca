package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"openledger/internal/engine"
	"openledger/pkg/health"
	"openledger/services/account"
	"openledger/services/idempotency"
	"openledger/services/ledger"
	"openledger/services/testutil"
	"openledger/services/transaction"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Ledger{},
		&account.Account{},
		&transaction.Transaction{},
		&transaction.Entry{},
		&transaction.MetadataEntry{},
		&idempotency.Record{},
		&engine.EngineAccount{},
		&engine.EngineTransfer{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cluster := engine.NewCluster(testutil.NewFakeEngine(), nil, db)
	ledgers := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	accounts := account.NewService(account.ServiceParams{DB: db, Node: node, Engine: cluster, Ledgers: ledgers})
	transactions := transaction.NewService(transaction.ServiceParams{
		DB: db, Node: node, Engine: cluster, Accounts: accounts, Ledgers: ledgers,
	})

	handler := NewHandler(HandlerParams{Ledgers: ledgers, Accounts: accounts, Transactions: transactions})
	guard := idempotency.NewGuard(idempotency.GuardParams{DB: db, Node: node})

	return ProvideRouter(RouterParams{
		Handler: handler,
		Health:  health.ProvideHealth(health.HealthParams{DB: db}),
		Guard:   guard,
	})
}

// keySeq keeps the default idempotency keys distinct across requests
// within one test run.
var keySeq atomic.Int64

func do(t *testing.T, router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if method != http.MethodGet {
		req.Header.Set(idempotency.HeaderKey, fmt.Sprintf("test-%s-%d", path, keySeq.Add(1)))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	router := newRouter(t)

	rec := do(t, router, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEndToEndTransactionFlow(t *testing.T) {
	router := newRouter(t)

	rec := do(t, router, http.MethodPost, "/v1/ledgers", `{"name":"main"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	ledgerID := decode(t, rec)["id"].(string)

	mkAccount := func(normal string) string {
		body := fmt.Sprintf(`{"ledger_id":%q,"currency_code":"USD","normal_balance":%q}`, ledgerID, normal)
		rec := do(t, router, http.MethodPost, "/v1/accounts", body, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		return decode(t, rec)["id"].(string)
	}
	creditAcc := mkAccount("credit")
	debitAcc := mkAccount("debit")

	txBody := fmt.Sprintf(`{"external_id":"tx-1","entries":[{"source_account_id":%q,"destination_account_id":%q,"amount":"100"}]}`, debitAcc, creditAcc)
	rec = do(t, router, http.MethodPost, "/v1/transactions", txBody, map[string]string{idempotency.HeaderKey: "k1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	require.Equal(t, "posted", created["status"])
	require.Len(t, created["entries"], 2)

	// Replay returns the stored response without creating anything.
	rec = do(t, router, http.MethodPost, "/v1/transactions", txBody, map[string]string{idempotency.HeaderKey: "k1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "true", rec.Header().Get(idempotency.HeaderReplayed))
	require.Equal(t, created["id"], decode(t, rec)["id"])

	// Balances reflect the posted movement.
	rec = do(t, router, http.MethodGet, "/v1/accounts/"+creditAcc, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balances := decode(t, rec)["balances"].(map[string]any)
	posted := balances["posted"].(map[string]any)
	require.Equal(t, "10000", posted["amount"])

	// External id lookup resolves the same transaction.
	rec = do(t, router, http.MethodGet, "/v1/transactions/external/tx-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, created["id"], decode(t, rec)["id"])

	// Entry listing for the credited account.
	rec = do(t, router, http.MethodGet, "/v1/accounts/"+creditAcc+"/entries", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["items"].([]any)
	require.Len(t, entries, 1)
}

func TestPendingPostOverHTTP(t *testing.T) {
	router := newRouter(t)

	rec := do(t, router, http.MethodPost, "/v1/ledgers", `{"name":"main"}`, nil)
	ledgerID := decode(t, rec)["id"].(string)

	mk := func(normal string) string {
		body := fmt.Sprintf(`{"ledger_id":%q,"currency_code":"USD","normal_balance":%q}`, ledgerID, normal)
		return decode(t, do(t, router, http.MethodPost, "/v1/accounts", body, nil))["id"].(string)
	}
	creditAcc := mk("credit")
	debitAcc := mk("debit")

	txBody := fmt.Sprintf(`{"external_id":"tx-p","status":"pending","entries":[{"source_account_id":%q,"destination_account_id":%q,"amount":"10"}]}`, debitAcc, creditAcc)
	rec = do(t, router, http.MethodPost, "/v1/transactions", txBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	txID := decode(t, rec)["id"].(string)

	rec = do(t, router, http.MethodPost, "/v1/transactions/"+txID+"/post", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "posted", decode(t, rec)["status"])

	// Archiving after post is refused with the error envelope.
	rec = do(t, router, http.MethodPost, "/v1/transactions/"+txID+"/archive", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errBody := decode(t, rec)["error"].(map[string]any)
	require.Equal(t, "UNPROCESSABLE_ENTITY", errBody["code"])
}

func TestNotFoundEnvelope(t *testing.T) {
	router := newRouter(t)

	rec := do(t, router, http.MethodGet, "/v1/transactions/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	errBody := decode(t, rec)["error"].(map[string]any)
	require.Equal(t, "NOT_FOUND", errBody["code"])
	require.NotEmpty(t, errBody["message"])
}

func TestMutationRequiresIdempotencyKey(t *testing.T) {
	router := newRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/ledgers", strings.NewReader(`{"name":"main"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := decode(t, rec)["error"].(map[string]any)
	require.Equal(t, "BAD_REQUEST", errBody["code"])
}

func TestValidationErrorEnvelope(t *testing.T) {
	router := newRouter(t)

	rec := do(t, router, http.MethodPost, "/v1/ledgers", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := decode(t, rec)["error"].(map[string]any)
	require.Equal(t, "BAD_REQUEST", errBody["code"])

	rec = do(t, router, http.MethodGet, "/v1/transactions?effective_after=yesterday", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
