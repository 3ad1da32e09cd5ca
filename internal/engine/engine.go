package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"openledger/pkg/config"

	tb "github.com/tigerbeetle/tigerbeetle-go"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrSecondaryCluster marks a failure that happened after the primary cluster
// already committed. Callers must treat it as "primary succeeded, secondary
// state unknown"; there is no compensating rollback.
var ErrSecondaryCluster = errors.New("secondary accounting cluster write failed")

// Client is the subset of the accounting engine API the ledger depends on.
// The production implementation is a tigerbeetle client; tests substitute an
// in-memory fake.
type Client interface {
	CreateAccounts(accounts []types.Account) ([]types.AccountEventResult, error)
	CreateTransfers(transfers []types.Transfer) ([]types.TransferEventResult, error)
	LookupAccounts(accountIDs []types.Uint128) ([]types.Account, error)
	LookupTransfers(transferIDs []types.Uint128) ([]types.Transfer, error)
	Close()
}

// ItemError is one (index, reason-code) pair from a batched create.
type ItemError struct {
	Index uint32
	Code  string
}

// BatchError is the non-empty error list of a batched create. Any item error
// is fatal to the surrounding request.
type BatchError struct {
	Op    string
	Items []ItemError
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		parts = append(parts, fmt.Sprintf("[%d] %s", item.Index, item.Code))
	}
	return fmt.Sprintf("engine %s rejected %d item(s): %s", e.Op, len(e.Items), strings.Join(parts, ", "))
}

// AccountSpec pairs an engine account record with the relational row that
// owns it, for the audit mirror.
type AccountSpec struct {
	Record    types.Account
	AccountID string
}

// TransferSpec pairs an engine transfer record with its owning ledger
// entities, for the audit mirror.
type TransferSpec struct {
	Record        types.Transfer
	EntryIDs      []string
	TransactionID string
}

// Cluster issues batched operations against the primary accounting cluster
// and, when configured, mirrors every create to a secondary cluster. The
// primary is the source of truth: creates go to the primary first and are
// only mirrored on primary success. A secondary failure surfaces as
// ErrSecondaryCluster after the primary write has committed.
type Cluster struct {
	primary   Client
	secondary Client
	db        *gorm.DB
}

func NewCluster(primary, secondary Client, db *gorm.DB) *Cluster {
	return &Cluster{primary: primary, secondary: secondary, db: db}
}

func (c *Cluster) Close() {
	c.primary.Close()
	if c.secondary != nil {
		c.secondary.Close()
	}
}

func (c *Cluster) CreateAccounts(ctx context.Context, specs []AccountSpec) error {
	records := make([]types.Account, 0, len(specs))
	for _, spec := range specs {
		records = append(records, spec.Record)
	}

	results, err := c.primary.CreateAccounts(records)
	if err != nil {
		return err
	}
	if len(results) > 0 {
		return &BatchError{Op: "create_accounts", Items: accountItemErrors(results)}
	}

	secErr := c.mirrorAccounts(records)
	c.auditAccounts(ctx, specs, secErr == nil)

	if secErr != nil {
		return fmt.Errorf("%w: %v", ErrSecondaryCluster, secErr)
	}
	return nil
}

func (c *Cluster) CreateTransfers(ctx context.Context, specs []TransferSpec) error {
	records := make([]types.Transfer, 0, len(specs))
	for _, spec := range specs {
		records = append(records, spec.Record)
	}

	results, err := c.primary.CreateTransfers(records)
	if err != nil {
		return err
	}
	if len(results) > 0 {
		return &BatchError{Op: "create_transfers", Items: transferItemErrors(results)}
	}

	secErr := c.mirrorTransfers(records)
	c.auditTransfers(ctx, specs, secErr == nil)

	if secErr != nil {
		return fmt.Errorf("%w: %v", ErrSecondaryCluster, secErr)
	}
	return nil
}

// LookupAccounts returns the engine records found for ids, keyed by id.
// Absent ids are simply missing from the map.
func (c *Cluster) LookupAccounts(ctx context.Context, ids []types.Uint128) (map[types.Uint128]types.Account, error) {
	records, err := c.primary.LookupAccounts(ids)
	if err != nil {
		return nil, err
	}

	found := make(map[types.Uint128]types.Account, len(records))
	for _, record := range records {
		found[record.ID] = record
	}
	return found, nil
}

func (c *Cluster) LookupTransfers(ctx context.Context, ids []types.Uint128) ([]types.Transfer, error) {
	return c.primary.LookupTransfers(ids)
}

func (c *Cluster) mirrorAccounts(records []types.Account) error {
	if c.secondary == nil {
		return nil
	}

	results, err := c.secondary.CreateAccounts(records)
	if err != nil {
		zap.L().Error("secondary cluster create accounts failed", zap.Error(err))
		return err
	}
	if len(results) > 0 {
		batchErr := &BatchError{Op: "create_accounts", Items: accountItemErrors(results)}
		zap.L().Error("secondary cluster rejected accounts", zap.Error(batchErr))
		return batchErr
	}
	return nil
}

func (c *Cluster) mirrorTransfers(records []types.Transfer) error {
	if c.secondary == nil {
		return nil
	}

	results, err := c.secondary.CreateTransfers(records)
	if err != nil {
		zap.L().Error("secondary cluster create transfers failed", zap.Error(err))
		return err
	}
	if len(results) > 0 {
		batchErr := &BatchError{Op: "create_transfers", Items: transferItemErrors(results)}
		zap.L().Error("secondary cluster rejected transfers", zap.Error(batchErr))
		return batchErr
	}
	return nil
}

func accountItemErrors(results []types.AccountEventResult) []ItemError {
	items := make([]ItemError, 0, len(results))
	for _, result := range results {
		items = append(items, ItemError{Index: result.Index, Code: result.Result.String()})
	}
	return items
}

func transferItemErrors(results []types.TransferEventResult) []ItemError {
	items := make([]ItemError, 0, len(results))
	for _, result := range results {
		items = append(items, ItemError{Index: result.Index, Code: result.Result.String()})
	}
	return items
}

var Module = fx.Module("engine",
	fx.Provide(ProvideCluster),
)

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	DB        *gorm.DB
}

func ProvideCluster(p Params) (*Cluster, error) {
	cfg := p.Config.Engine

	primary, err := tb.NewClient(types.ToUint128(cfg.ClusterID), cfg.Addresses)
	if err != nil {
		return nil, fmt.Errorf("dial primary accounting cluster: %w", err)
	}

	var secondary Client
	if len(cfg.SecondaryAddresses) > 0 {
		secondary, err = tb.NewClient(types.ToUint128(cfg.SecondaryClusterID), cfg.SecondaryAddresses)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("dial secondary accounting cluster: %w", err)
		}
		zap.L().Info("secondary accounting cluster configured",
			zap.Uint64("cluster_id", cfg.SecondaryClusterID),
			zap.Strings("addresses", cfg.SecondaryAddresses))
	}

	cluster := NewCluster(primary, secondary, p.DB)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cluster.Close()
			return nil
		},
	})

	return cluster, nil
}
