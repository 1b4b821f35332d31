package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fieldops-dispatch/pkg/authz"
	"fieldops-dispatch/pkg/config"
	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/pkg/repository"
	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/earning"
	"fieldops-dispatch/services/notify"
	"fieldops-dispatch/services/payment"
	"fieldops-dispatch/services/payout"
	"fieldops-dispatch/services/request"
)

// Actor identifies who is driving a transition and in what role.
type Actor struct {
	ID   string
	Role string
}

// Action names accepted by Transition.
const (
	ActionCheckIn  = authz.ActionCheckIn
	ActionCheckOut = authz.ActionCheckOut
	ActionVerify   = authz.ActionVerify
	ActionReject   = authz.ActionReject
	ActionCancel   = authz.ActionCancel
)

// TransitionParams carries the action-specific inputs.
type TransitionParams struct {
	Lat    *float64
	Lon    *float64
	Notes  string
	Reason string
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  *config.Config

	enforcer  authz.Enforcer
	agents    *agent.Service
	earnings  *earning.Service
	payouts   *payout.Service
	processor payment.Processor
	notifier  notify.Dispatcher
	artifacts ArtifactStore
	policy    CancellationPolicy

	repo        repository.Repository[JobAssignment]
	checkIns    repository.Repository[CheckInRecord]
	checkOuts   repository.Repository[CheckOutRecord]
	proofs      repository.Repository[ProofArtifact]
	requestRepo repository.Repository[request.ServiceRequest]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Enforcer  authz.Enforcer
	Agents    *agent.Service
	Earnings  *earning.Service
	Payouts   *payout.Service
	Processor payment.Processor
	Notifier  notify.Dispatcher
	Artifacts ArtifactStore `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		cfg:  p.Config,

		enforcer:  p.Enforcer,
		agents:    p.Agents,
		earnings:  p.Earnings,
		payouts:   p.Payouts,
		processor: p.Processor,
		notifier:  p.Notifier,
		artifacts: p.Artifacts,
		policy:    DefaultCancellationPolicy(),

		repo:        repository.ProvideStore[JobAssignment](p.DB),
		checkIns:    repository.ProvideStore[CheckInRecord](p.DB),
		checkOuts:   repository.ProvideStore[CheckOutRecord](p.DB),
		proofs:      repository.ProvideStore[ProofArtifact](p.DB),
		requestRepo: repository.ProvideStore[request.ServiceRequest](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, assignmentID string) (*JobAssignment, error) {
	found, err := s.repo.FindOne(ctx, &JobAssignment{ID: assignmentID})
	if err != nil {
		zap.L().Error("failed to query assignment", zap.String("assignment_id", assignmentID), zap.Error(err))
		return nil, errutil.Internal("failed to get assignment", err)
	}
	if found == nil {
		return nil, errutil.NotFound("assignment not found", nil)
	}
	return found, nil
}

// Transition dispatches a lifecycle action after role gating. Unknown
// actions are rejected before any state is touched.
func (s *Service) Transition(ctx context.Context, assignmentID, action string, actor Actor, p TransitionParams) (*JobAssignment, error) {
	if !s.enforcer.Can(actor.Role, action) {
		return nil, errutil.Forbidden("role may not perform this action", nil)
	}

	switch action {
	case ActionCheckIn:
		return s.CheckIn(ctx, assignmentID, actor, p.Lat, p.Lon)
	case ActionCheckOut:
		return s.CheckOut(ctx, assignmentID, actor, p.Notes)
	case ActionVerify:
		return s.Verify(ctx, assignmentID, actor)
	case ActionReject:
		return s.Reject(ctx, assignmentID, actor, p.Reason)
	case ActionCancel:
		result, err := s.Cancel(ctx, assignmentID, actor, p.Reason)
		if err != nil {
			return nil, err
		}
		return result.Assignment, nil
	default:
		return nil, errutil.BadRequest("unknown action", nil)
	}
}

// CheckIn moves an assigned job to in_progress. The agent's location is
// mandatory; it anchors the proof trail.
func (s *Service) CheckIn(ctx context.Context, assignmentID string, actor Actor, lat, lon *float64) (*JobAssignment, error) {
	job, err := s.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role == authz.RoleAgent && actor.ID != job.AgentID {
		return nil, errutil.Forbidden("assignment belongs to another agent", nil)
	}
	if job.Status != StatusAssigned {
		return nil, errutil.Conflict("assignment is not awaiting check-in", nil)
	}
	if lat == nil || lon == nil {
		return nil, errutil.UnprocessableEntity("check-in requires a location", nil)
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkIns.WithTrx(tx).Create(ctx, &CheckInRecord{
			ID:           s.node.Generate().String(),
			AssignmentID: job.ID,
			Lat:          *lat,
			Lon:          *lon,
		}); err != nil {
			return err
		}
		return s.repo.WithTrx(tx).Update(ctx, job.ID, map[string]any{
			"status":     StatusInProgress,
			"started_at": now,
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("assignment already checked in", err)
		}
		zap.L().Error("failed to check in", zap.String("assignment_id", job.ID), zap.Error(err))
		return nil, errutil.Internal("failed to check in", err)
	}

	job.Status = StatusInProgress
	job.StartedAt = &now
	return job, nil
}

// AttachProof registers an uploaded proof object against the assignment.
// When an artifact store is configured the object must already exist.
func (s *Service) AttachProof(ctx context.Context, assignmentID string, actor Actor, proofType, objectKey string) (*ProofArtifact, error) {
	if proofType != ProofPhotoBefore && proofType != ProofPhotoAfter {
		return nil, errutil.ValidationFailed("unknown proof type", nil)
	}
	if objectKey == "" {
		return nil, errutil.ValidationFailed("object key is required", nil)
	}

	job, err := s.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role == authz.RoleAgent && actor.ID != job.AgentID {
		return nil, errutil.Forbidden("assignment belongs to another agent", nil)
	}
	if job.Status != StatusInProgress {
		return nil, errutil.Conflict("proof can only be attached while work is in progress", nil)
	}

	if s.artifacts != nil {
		exists, err := s.artifacts.Exists(ctx, objectKey)
		if err != nil {
			zap.L().Error("failed to stat proof object", zap.String("object_key", objectKey), zap.Error(err))
			return nil, errutil.Internal("failed to verify proof object", err)
		}
		if !exists {
			return nil, errutil.UnprocessableEntity("proof object has not been uploaded", nil)
		}
	}

	proof := &ProofArtifact{
		ID:           s.node.Generate().String(),
		AssignmentID: job.ID,
		Type:         proofType,
		ObjectKey:    objectKey,
	}
	if err := s.proofs.Create(ctx, proof); err != nil {
		zap.L().Error("failed to record proof artifact", zap.String("assignment_id", job.ID), zap.Error(err))
		return nil, errutil.Internal("failed to record proof artifact", err)
	}
	return proof, nil
}

// CheckOut submits in-progress work for verification. It requires a prior
// check-in and both proof photo kinds, then records the pending payout.
func (s *Service) CheckOut(ctx context.Context, assignmentID string, actor Actor, notes string) (*JobAssignment, error) {
	job, err := s.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role == authz.RoleAgent && actor.ID != job.AgentID {
		return nil, errutil.Forbidden("assignment belongs to another agent", nil)
	}
	if job.Status != StatusInProgress {
		return nil, errutil.Conflict("assignment is not in progress", nil)
	}

	checkIn, err := s.checkIns.FindOne(ctx, &CheckInRecord{AssignmentID: job.ID})
	if err != nil {
		zap.L().Error("failed to query check-in record", zap.String("assignment_id", job.ID), zap.Error(err))
		return nil, errutil.Internal("failed to check out", err)
	}
	if checkIn == nil {
		return nil, errutil.UnprocessableEntity("check-out requires a prior check-in", nil)
	}

	if err := s.requireProofs(ctx, job.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkOuts.WithTrx(tx).Create(ctx, &CheckOutRecord{
			ID:           s.node.Generate().String(),
			AssignmentID: job.ID,
			Notes:        notes,
		}); err != nil {
			return err
		}
		return s.repo.WithTrx(tx).Update(ctx, job.ID, map[string]any{
			"status":         StatusPendingVerification,
			"checked_out_at": now,
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("assignment already checked out", err)
		}
		zap.L().Error("failed to check out", zap.String("assignment_id", job.ID), zap.Error(err))
		return nil, errutil.Internal("failed to check out", err)
	}

	if _, err := s.earnings.UpsertJobPayout(ctx, job.AgentID, job.ID, job.PayoutCents); err != nil {
		// recoverable: the upsert is idempotent and verify re-pins the
		// amount, so the ledger heals on the next attempt
		zap.L().Warn("pending payout not recorded at check-out",
			zap.String("assignment_id", job.ID),
			zap.String("reconciled_by", "verify"),
			zap.Error(err),
		)
	}

	job.Status = StatusPendingVerification
	job.CheckedOutAt = &now
	return job, nil
}

// requireProofs checks both photo kinds are on file, and when an artifact
// store is configured, that the objects really exist.
func (s *Service) requireProofs(ctx context.Context, assignmentID string) error {
	proofs, err := s.proofs.Find(ctx, &ProofArtifact{AssignmentID: assignmentID})
	if err != nil {
		zap.L().Error("failed to query proof artifacts", zap.String("assignment_id", assignmentID), zap.Error(err))
		return errutil.Internal("failed to check out", err)
	}

	byType := map[string]*ProofArtifact{}
	for _, p := range proofs {
		byType[p.Type] = p
	}
	if byType[ProofPhotoBefore] == nil || byType[ProofPhotoAfter] == nil {
		return errutil.UnprocessableEntity("check-out requires before and after photos", nil)
	}

	if s.artifacts == nil {
		return nil
	}
	for _, kind := range []string{ProofPhotoBefore, ProofPhotoAfter} {
		exists, err := s.artifacts.Exists(ctx, byType[kind].ObjectKey)
		if err != nil {
			zap.L().Error("failed to stat proof object", zap.String("object_key", byType[kind].ObjectKey), zap.Error(err))
			return errutil.Internal("failed to verify proof objects", err)
		}
		if !exists {
			return errutil.UnprocessableEntity("proof object is missing from storage", nil)
		}
	}
	return nil
}

// Verify approves checked-out work and completes the job in one step. The
// payout is pinned (falling back to the flat share of price when unset) and
// released after the configured hold; agent stats are best-effort.
func (s *Service) Verify(ctx context.Context, assignmentID string, actor Actor) (*JobAssignment, error) {
	job, err := s.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPendingVerification {
		return nil, errutil.Conflict("assignment is not pending verification", nil)
	}

	payoutCents := job.PayoutCents
	if payoutCents <= 0 {
		split, err := s.payouts.Compute(ctx, job.PriceCents, 0, 0, "", payout.ModeFlat)
		if err != nil {
			return nil, err
		}
		payoutCents = split.PayoutCents
	}

	availableAt := time.Now().Add(time.Duration(s.cfg.Dispatch.PayoutHoldHours) * time.Hour)
	if err := s.earnings.SchedulePayoutRelease(ctx, job.AgentID, job.ID, payoutCents, availableAt); err != nil {
		zap.L().Error("failed to schedule payout release", zap.String("assignment_id", job.ID), zap.Error(err))
		return nil, errutil.Internal("failed to schedule payout", err)
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.WithTrx(tx).Update(ctx, job.ID, map[string]any{
			"status":       StatusCompleted,
			"payout_cents": payoutCents,
			"verified_by":  actor.ID,
			"verified_at":  now,
			"completed_at": now,
		}); err != nil {
			return err
		}
		return s.requestRepo.WithTrx(tx).Update(ctx, job.ServiceRequestID, map[string]any{
			"status": request.StatusCompleted,
		})
	})
	if err != nil {
		zap.L().Error("failed to complete assignment", zap.String("assignment_id", job.ID), zap.Error(err))
		return nil, errutil.Internal("failed to complete assignment", err)
	}

	if err := s.agents.IncrementStats(ctx, job.AgentID, payoutCents); err != nil {
		zap.L().Warn("failed to increment agent stats", zap.String("agent_id", job.AgentID), zap.Error(err))
	}

	s.notifier.Notify(ctx, job.AgentID, notify.TemplateJobVerified, map[string]any{
		"assignment_id": job.ID,
		"payout_cents":  payoutCents,
	})

	job.Status = StatusCompleted
	job.PayoutCents = payoutCents
	job.VerifiedBy = actor.ID
	job.VerifiedAt = &now
	job.CompletedAt = &now
	return job, nil
}

// Reject sends checked-out work back to in_progress. The check-out record is
// deleted so the agent can submit again; deleting nothing is fine.
func (s *Service) Reject(ctx context.Context, assignmentID string, actor Actor, reason string) (*JobAssignment, error) {
	job, err := s.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPendingVerification {
		return nil, errutil.Conflict("assignment is not pending verification", nil)
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("assignment_id = ?", job.ID).Delete(&CheckOutRecord{}).Error; err != nil {
			return err
		}
		return s.repo.WithTrx(tx).Update(ctx, job.ID, map[string]any{
			"status":           StatusInProgress,
			"checked_out_at":   nil,
			"rejection_reason": reason,
			"rejected_by":      actor.ID,
			"rejected_at":      now,
		})
	})
	if err != nil {
		zap.L().Error("failed to reject assignment", zap.String("assignment_id", job.ID), zap.Error(err))
		return nil, errutil.Internal("failed to reject assignment", err)
	}

	s.notifier.Notify(ctx, job.AgentID, notify.TemplateJobRejected, map[string]any{
		"assignment_id": job.ID,
		"reason":        reason,
	})

	job.Status = StatusInProgress
	job.CheckedOutAt = nil
	job.RejectionReason = reason
	job.RejectedBy = actor.ID
	job.RejectedAt = &now
	return job, nil
}

// CancelResult reports what the cancellation cost and where the money went.
type CancelResult struct {
	Assignment      *JobAssignment `json:"assignment"`
	FeeCents        int64          `json:"fee_cents"`
	AgentShareCents int64          `json:"agent_share_cents"`
	RefundCents     int64          `json:"refund_cents"`
	RefundStatus    string         `json:"refund_status"`
}

// Cancel tears down a live assignment from assigned or in_progress. The fee
// depends on how close to the scheduled start the cancellation lands; the
// agent's share is credited immediately and the remainder refunded to the
// client when a capture exists. A failed refund is reported, not rolled
// back.
func (s *Service) Cancel(ctx context.Context, assignmentID string, actor Actor, reason string) (*CancelResult, error) {
	if !s.enforcer.Can(actor.Role, authz.ActionCancel) {
		return nil, errutil.Forbidden("role may not cancel", nil)
	}

	job, err := s.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role == authz.RoleAgent && actor.ID != job.AgentID {
		return nil, errutil.Forbidden("assignment belongs to another agent", nil)
	}
	if job.Status != StatusAssigned && job.Status != StatusInProgress {
		return nil, errutil.Conflict("assignment can no longer be cancelled", nil)
	}

	req, err := s.requestRepo.FindOne(ctx, &request.ServiceRequest{ID: job.ServiceRequestID})
	if err != nil {
		zap.L().Error("failed to query service request", zap.String("request_id", job.ServiceRequestID), zap.Error(err))
		return nil, errutil.Internal("failed to cancel assignment", err)
	}
	if req == nil {
		return nil, errutil.NotFound("service request not found", nil)
	}

	fee := Cancellation{}
	if req.ScheduledAt != nil {
		fee = s.policy.Assess(time.Until(*req.ScheduledAt))
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.WithTrx(tx).Update(ctx, job.ID, map[string]any{
			"status":                 StatusCancelled,
			"active":                 nil,
			"cancelled_by":           actor.Role,
			"cancelled_at":           now,
			"cancellation_reason":    reason,
			"cancellation_fee_cents": fee.FeeCents,
			"agent_fee_share_cents":  fee.AgentShareCents,
		}); err != nil {
			return err
		}
		return s.requestRepo.WithTrx(tx).Update(ctx, req.ID, map[string]any{
			"status":            request.StatusCancelled,
			"assigned_agent_id": nil,
		})
	})
	if err != nil {
		zap.L().Error("failed to cancel assignment", zap.String("assignment_id", job.ID), zap.Error(err))
		return nil, errutil.Internal("failed to cancel assignment", err)
	}

	if fee.AgentShareCents > 0 {
		if _, err := s.earnings.CreditCancellationShare(ctx, job.AgentID, job.ID, fee.AgentShareCents); err != nil {
			zap.L().Error("failed to credit cancellation share", zap.String("assignment_id", job.ID), zap.Error(err))
		}
	}

	refundCents := int64(0)
	refundStatus := payment.RefundSkipped
	if req.PaymentIntentID != "" {
		refundCents = req.TotalCents - fee.FeeCents
		if refundCents < 0 {
			refundCents = 0
		}
		if refundCents > 0 {
			status, err := s.processor.Refund(ctx, req.PaymentIntentID, refundCents)
			if err != nil {
				zap.L().Error("refund failed after cancellation",
					zap.String("payment_intent_id", req.PaymentIntentID),
					zap.Int64("refund_cents", refundCents),
					zap.Error(err),
				)
				refundStatus = payment.RefundFailed
			} else {
				refundStatus = status
			}
		}
	}

	s.notifier.Notify(ctx, job.AgentID, notify.TemplateJobCancelled, map[string]any{
		"assignment_id": job.ID,
		"cancelled_by":  actor.Role,
	})
	s.notifier.Notify(ctx, req.ClientID, notify.TemplateJobCancelled, map[string]any{
		"assignment_id": job.ID,
		"fee_cents":     fee.FeeCents,
		"refund_cents":  refundCents,
	})

	job.Status = StatusCancelled
	job.Active = nil
	job.CancelledBy = actor.Role
	job.CancelledAt = &now
	job.CancellationReason = reason
	job.CancellationFeeCents = fee.FeeCents
	job.AgentFeeShareCents = fee.AgentShareCents

	return &CancelResult{
		Assignment:      job,
		FeeCents:        fee.FeeCents,
		AgentShareCents: fee.AgentShareCents,
		RefundCents:     refundCents,
		RefundStatus:    refundStatus,
	}, nil
}
