package ledger

import (
	"context"

	"openledger/pkg/errutil"
	"openledger/pkg/pagination"
	"openledger/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	ledgers repository.Repository[Ledger]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		ledgers: repository.ProvideStore[Ledger](p.DB),
	}
}

type CreateInput struct {
	Name        string
	Description string
}

// Create assigns the next engine-ledger-id as MAX+1 of the existing rows.
// The read is not serialized against concurrent creates; the unique index
// on engine_ledger_id is what keeps ids distinct, and the losing insert of
// a concurrent pair surfaces as an error to its caller.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Ledger, error) {
	if in.Name == "" {
		return nil, errutil.BadRequest("ledger name is required", nil)
	}

	row := &Ledger{
		ID:          s.node.Generate().String(),
		Name:        in.Name,
		Description: in.Description,
	}

	var maxID int64
	if err := s.db.WithContext(ctx).Model(&Ledger{}).Unscoped().
		Select("COALESCE(MAX(engine_ledger_id), 0)").
		Scan(&maxID).Error; err != nil {
		zap.L().Error("failed to allocate engine ledger id", zap.Error(err))
		return nil, errutil.Internal("failed to create ledger", err)
	}
	row.EngineLedgerID = uint32(maxID) + 1

	if err := s.ledgers.Create(ctx, row); err != nil {
		zap.L().Error("failed to create ledger", zap.Error(err))
		return nil, errutil.Internal("failed to create ledger", err)
	}

	return row, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Ledger, error) {
	row, err := s.ledgers.FindOne(ctx, &Ledger{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to query ledger", err)
	}
	if row == nil {
		return nil, errutil.NotFound("ledger not found", nil)
	}
	return row, nil
}

func (s *Service) List(ctx context.Context, opts pagination.Options) (*pagination.Page[Ledger], error) {
	query := s.db.WithContext(ctx).Model(&Ledger{})

	page, err := pagination.Paginate(query, "id", func(l *Ledger) string { return l.ID }, opts)
	if err != nil {
		return nil, errutil.Internal("failed to list ledgers", err)
	}
	return page, nil
}
