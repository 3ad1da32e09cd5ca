package httpapi

import (
	"openledger/pkg/health"
	"openledger/pkg/middleware"
	"openledger/services/idempotency"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler),
	fx.Provide(ProvideRouter),
)

type RouterParams struct {
	fx.In
	Handler *Handler
	Health  health.HealthService
	Guard   *idempotency.Guard
}

// ProvideRouter wires every route. Mutating routes sit behind the idempotency
// guard; reads never consult it.
func ProvideRouter(p RouterParams) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)

	h := p.Handler
	v1 := r.Group("/v1")

	v1.GET("/ledgers", h.ListLedgers)
	v1.GET("/ledgers/:id", h.GetLedger)

	v1.GET("/accounts", h.ListAccounts)
	v1.GET("/accounts/:id", h.GetAccount)
	v1.GET("/accounts/:id/entries", h.ListAccountEntries)
	v1.GET("/accounts/external/:external_id", h.GetAccountByExternalID)

	v1.GET("/transactions", h.ListTransactions)
	v1.GET("/transactions/:id", h.GetTransaction)
	v1.GET("/transactions/external/:external_id", h.GetTransactionByExternalID)

	mutating := v1.Group("", p.Guard.Handle())
	mutating.POST("/ledgers", h.CreateLedger)
	mutating.POST("/accounts", h.CreateAccount)
	mutating.POST("/transactions", h.RecordTransaction)
	mutating.POST("/transactions/:id/post", h.PostTransaction)
	mutating.POST("/transactions/:id/archive", h.ArchiveTransaction)

	return r
}
