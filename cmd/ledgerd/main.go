package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"openledger/internal/engine"
	"openledger/internal/httpapi"
	"openledger/pkg/config"
	"openledger/pkg/db"
	"openledger/pkg/health"
	"openledger/pkg/logger"
	"openledger/pkg/server"
	"openledger/services/account"
	"openledger/services/idempotency"
	"openledger/services/ledger"
	"openledger/services/transaction"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		engine.Module,
		health.Module,
		fx.Provide(
			provideTracerProvider,
			provideMeterProvider,
			provideSnowflakeNode,
		),
		ledger.Module,
		account.Module,
		transaction.Module,
		idempotency.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fx.Invoke(autoMigrate),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&ledger.Ledger{},
		&account.Account{},
		&transaction.Transaction{},
		&transaction.Entry{},
		&transaction.MetadataEntry{},
		&idempotency.Record{},
		&engine.EngineAccount{},
		&engine.EngineTransfer{},
	)
}
