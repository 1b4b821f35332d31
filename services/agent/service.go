package agent

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/pkg/repository"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	repo repository.Repository[Agent]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[Agent](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, agentID string) (*Agent, error) {
	found, err := s.repo.FindOne(ctx, &Agent{ID: agentID})
	if err != nil {
		zap.L().Error("failed to query agent", zap.String("agent_id", agentID), zap.Error(err))
		return nil, errutil.Internal("failed to get agent", err)
	}
	if found == nil {
		return nil, errutil.NotFound("agent not found", nil)
	}
	return found, nil
}

// ListApproved returns every approved agent; requireAutoBooking narrows the
// set to the automatic-matching pool.
func (s *Service) ListApproved(ctx context.Context, requireAutoBooking bool) ([]*Agent, error) {
	query := &Agent{ApprovalStatus: ApprovalApproved}
	if requireAutoBooking {
		query.AutoBookingEnabled = true
	}

	agents, err := s.repo.Find(ctx, query)
	if err != nil {
		zap.L().Error("failed to list approved agents", zap.Error(err))
		return nil, errutil.Internal("failed to list agents", err)
	}
	return agents, nil
}

// IncrementStats bumps the aggregate counters after a completed job. Callers
// treat the result as best-effort.
func (s *Service) IncrementStats(ctx context.Context, agentID string, earnedCents int64) error {
	return s.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ?", agentID).
		Updates(map[string]any{
			"completed_jobs":          gorm.Expr("completed_jobs + 1"),
			"lifetime_earnings_cents": gorm.Expr("lifetime_earnings_cents + ?", earnedCents),
		}).Error
}
