package rule

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
	db        *gorm.DB
	node      *snowflake.Node
	evaluator *Evaluator

	repo repository.Repository[DispatchRule]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		evaluator: NewEvaluator(),
		repo:      repository.ProvideStore[DispatchRule](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, name, expression string) (*DispatchRule, error) {
	if expression == "" {
		return nil, errutil.ValidationFailed("expression must not be empty", nil)
	}

	// compile once up front so broken rules never reach the dispatcher
	if _, err := s.evaluator.Evaluate(expression, map[string]any{
		"agent_id": "", "tier": "", "rating": 0.0, "service_type": "",
		"category": "", "distance_miles": 0.0, "auto_booking": false,
	}); err != nil {
		return nil, errutil.ValidationFailed("invalid rule expression", err)
	}

	active := true
	r := &DispatchRule{
		ID:         s.node.Generate().String(),
		Name:       name,
		Expression: expression,
		Active:     &active,
	}
	if err := s.repo.Create(ctx, r); err != nil {
		zap.L().Error("failed to create dispatch rule", zap.Error(err))
		return nil, errutil.Internal("failed to create dispatch rule", err)
	}
	return r, nil
}

// SetActive flips a rule on or off.
func (s *Service) SetActive(ctx context.Context, ruleID string, active bool) (*DispatchRule, error) {
	r, err := s.repo.FindOne(ctx, &DispatchRule{ID: ruleID})
	if err != nil {
		zap.L().Error("failed to load dispatch rule", zap.String("rule_id", ruleID), zap.Error(err))
		return nil, errutil.Internal("failed to load dispatch rule", err)
	}
	if r == nil {
		return nil, errutil.NotFound("dispatch rule not found", nil)
	}

	if err := s.repo.Update(ctx, r.ID, map[string]any{"active": active}); err != nil {
		zap.L().Error("failed to update dispatch rule", zap.String("rule_id", ruleID), zap.Error(err))
		return nil, errutil.Internal("failed to update dispatch rule", err)
	}
	r.Active = &active
	return r, nil
}

// Matches runs every active rule against the candidate context. A rule that
// fails to evaluate is logged and skipped rather than excluding the
// candidate; only an explicit false excludes.
func (s *Service) Matches(ctx context.Context, candidate map[string]any) bool {
	active := true
	rules, err := s.repo.Find(ctx, &DispatchRule{Active: &active})
	if err != nil {
		zap.L().Error("failed to load dispatch rules", zap.Error(err))
		return true
	}

	for _, r := range rules {
		ok, err := s.evaluator.Evaluate(r.Expression, candidate)
		if err != nil {
			zap.L().Warn("dispatch rule evaluation failed, skipping",
				zap.String("rule_id", r.ID),
				zap.String("rule_name", r.Name),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}
