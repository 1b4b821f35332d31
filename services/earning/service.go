package earning

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fieldops-dispatch/pkg/db/option"
	"fieldops-dispatch/pkg/db/pagination"
	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/pkg/repository"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	earnings repository.Repository[Earning]
	balances repository.Repository[AgentBalance]
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

		earnings: repository.ProvideStore[Earning](p.DB),
		balances: repository.ProvideStore[AgentBalance](p.DB),
	}
}

// UpsertJobPayout records the pending payout for an assignment. It is
// idempotent: an existing job_payout row for the assignment short-circuits.
func (s *Service) UpsertJobPayout(ctx context.Context, agentID, assignmentID string, amountCents int64) (*Earning, error) {
	existing, err := s.earnings.FindOne(ctx, &Earning{AssignmentID: assignmentID, Type: TypeJobPayout})
	if err != nil {
		zap.L().Error("failed to query job payout earning", zap.String("assignment_id", assignmentID), zap.Error(err))
		return nil, errutil.Internal("failed to query earning", err)
	}
	if existing != nil {
		return existing, nil
	}

	transactionID, err := GenerateTransactionID()
	if err != nil {
		return nil, errutil.Internal("failed to generate transaction id", err)
	}

	entry := &Earning{
		ID:            s.node.Generate().String(),
		AgentID:       agentID,
		AssignmentID:  assignmentID,
		Type:          TypeJobPayout,
		AmountCents:   amountCents,
		Status:        StatusPending,
		TransactionID: transactionID,
		Description:   "Job payout",
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.earnings.WithTrx(tx).Create(ctx, entry); err != nil {
			return err
		}
		return s.adjustBalance(ctx, tx, agentID, amountCents, 0)
	}); err != nil {
		zap.L().Error("failed to create job payout earning", zap.String("assignment_id", assignmentID), zap.Error(err))
		return nil, errutil.Internal("failed to create earning", err)
	}

	return entry, nil
}

// SchedulePayoutRelease pins the payout amount at verification time and sets
// the availability window. Creates the row when check-out never wrote one.
func (s *Service) SchedulePayoutRelease(ctx context.Context, agentID, assignmentID string, amountCents int64, availableAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		earningsTx := s.earnings.WithTrx(tx)

		existing, err := earningsTx.FindOne(ctx, &Earning{AssignmentID: assignmentID, Type: TypeJobPayout}, option.WithLockingUpdate())
		if err != nil {
			return err
		}

		if existing == nil {
			transactionID, err := GenerateTransactionID()
			if err != nil {
				return err
			}
			entry := &Earning{
				ID:            s.node.Generate().String(),
				AgentID:       agentID,
				AssignmentID:  assignmentID,
				Type:          TypeJobPayout,
				AmountCents:   amountCents,
				Status:        StatusPending,
				AvailableAt:   &availableAt,
				TransactionID: transactionID,
				Description:   "Job payout",
			}
			if err := earningsTx.Create(ctx, entry); err != nil {
				return err
			}
			return s.adjustBalance(ctx, tx, agentID, amountCents, 0)
		}

		delta := amountCents - existing.AmountCents
		if err := earningsTx.Update(ctx, existing.ID, map[string]any{
			"amount_cents": amountCents,
			"status":       StatusPending,
			"available_at": availableAt,
		}); err != nil {
			return err
		}
		if delta != 0 {
			return s.adjustBalance(ctx, tx, agentID, delta, 0)
		}
		return nil
	})
}

// CreditCancellationShare credits the agent's share of a cancellation fee as
// immediately available money. Any prior cancellation-fee rows for the
// assignment are removed first so a re-run never double-credits.
func (s *Service) CreditCancellationShare(ctx context.Context, agentID, assignmentID string, amountCents int64) (*Earning, error) {
	transactionID, err := GenerateTransactionID()
	if err != nil {
		return nil, errutil.Internal("failed to generate transaction id", err)
	}

	now := time.Now()
	entry := &Earning{
		ID:            s.node.Generate().String(),
		AgentID:       agentID,
		AssignmentID:  assignmentID,
		Type:          TypeCancellationFee,
		AmountCents:   amountCents,
		Status:        StatusAvailable,
		AvailableAt:   &now,
		TransactionID: transactionID,
		Description:   "Cancellation fee share",
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		earningsTx := s.earnings.WithTrx(tx)

		stale, err := earningsTx.Find(ctx, &Earning{AssignmentID: assignmentID, Type: TypeCancellationFee})
		if err != nil {
			return err
		}
		for _, e := range stale {
			if err := earningsTx.Delete(ctx, e.ID); err != nil {
				return err
			}
			undoPending, undoAvailable := bucketDeltas(e, -e.AmountCents)
			if err := s.adjustBalance(ctx, tx, e.AgentID, undoPending, undoAvailable); err != nil {
				return err
			}
		}

		if err := earningsTx.Create(ctx, entry); err != nil {
			return err
		}
		return s.adjustBalance(ctx, tx, agentID, 0, amountCents)
	}); err != nil {
		zap.L().Error("failed to credit cancellation share", zap.String("assignment_id", assignmentID), zap.Error(err))
		return nil, errutil.Internal("failed to credit cancellation share", err)
	}

	return entry, nil
}

// MatureEarnings moves pending earnings whose release time has passed into
// the available bucket. Invoked by the worker on a schedule.
func (s *Service) MatureEarnings(ctx context.Context, now time.Time) (int, error) {
	matured := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		earningsTx := s.earnings.WithTrx(tx)

		due, err := earningsTx.Find(ctx, &Earning{Status: StatusPending},
			option.ApplyOperator(option.Condition{Field: "available_at", Operator: option.LTE, Value: now}),
			option.WithLockingUpdate(),
		)
		if err != nil {
			return err
		}

		for _, e := range due {
			if e.AvailableAt == nil {
				continue
			}
			if err := earningsTx.Update(ctx, e.ID, map[string]any{"status": StatusAvailable}); err != nil {
				return err
			}
			if err := s.adjustBalance(ctx, tx, e.AgentID, -e.AmountCents, e.AmountCents); err != nil {
				return err
			}
			matured++
		}
		return nil
	})
	if err != nil {
		zap.L().Error("failed to mature earnings", zap.Error(err))
		return 0, errutil.Internal("failed to mature earnings", err)
	}
	return matured, nil
}

func (s *Service) GetBalance(ctx context.Context, agentID string) (*AgentBalance, error) {
	balance, err := s.balances.FindOne(ctx, &AgentBalance{AgentID: agentID})
	if err != nil {
		zap.L().Error("failed to query agent balance", zap.String("agent_id", agentID), zap.Error(err))
		return nil, errutil.Internal("failed to get balance", err)
	}
	if balance == nil {
		return &AgentBalance{AgentID: agentID}, nil
	}
	return balance, nil
}

func (s *Service) ListByAssignment(ctx context.Context, assignmentID string) ([]*Earning, error) {
	return s.earnings.Find(ctx, &Earning{AssignmentID: assignmentID})
}

// ListByAgent returns the agent's ledger newest-first with cursor pagination.
func (s *Service) ListByAgent(ctx context.Context, agentID string, page pagination.Pagination) ([]*Earning, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "DESC"}),
		option.ApplyPagination(pagination.Pagination{Limit: limit + 1}),
	}

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		before, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: before}))
	}

	rows, err := s.earnings.Find(ctx, &Earning{AgentID: agentID}, opts...)
	if err != nil {
		zap.L().Error("failed to list earnings", zap.String("agent_id", agentID), zap.Error(err))
		return nil, nil, errutil.Internal("failed to list earnings", err)
	}

	info := pagination.BuildCursorPageInfo(rows, int32(limit), func(e *Earning) string {
		c, err := pagination.EncodeCursor(pagination.Cursor{CreatedAt: e.CreatedAt.Format(time.RFC3339Nano), ID: e.ID})
		if err != nil {
			return ""
		}
		return c
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	return rows, info, nil
}

// bucketDeltas maps an earning's status to the balance bucket it lives in.
func bucketDeltas(e *Earning, amount int64) (pending int64, available int64) {
	if e.Status == StatusAvailable {
		return 0, amount
	}
	if e.Status == StatusPaidOut {
		return 0, 0
	}
	return amount, 0
}

func (s *Service) adjustBalance(ctx context.Context, tx *gorm.DB, agentID string, pendingDelta, availableDelta int64) error {
	if pendingDelta == 0 && availableDelta == 0 {
		return nil
	}

	balanceTx := s.balances.WithTrx(tx)

	balance, err := balanceTx.FindOne(ctx, &AgentBalance{AgentID: agentID}, option.WithLockingUpdate())
	if err != nil {
		return err
	}

	if balance == nil {
		return balanceTx.Create(ctx, &AgentBalance{
			ID:             s.node.Generate().String(),
			AgentID:        agentID,
			PendingCents:   pendingDelta,
			AvailableCents: availableDelta,
		})
	}

	return balanceTx.Update(ctx, balance.ID, map[string]any{
		"pending_cents":   gorm.Expr("pending_cents + ?", pendingDelta),
		"available_cents": gorm.Expr("available_cents + ?", availableDelta),
		"updated_at":      time.Now(),
	})
}
