package matching

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fieldops-dispatch/pkg/authz"
	"fieldops-dispatch/pkg/config"
	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/pkg/repository"
	"fieldops-dispatch/pkg/sequence"
	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/assignment"
	"fieldops-dispatch/services/notify"
	"fieldops-dispatch/services/payment"
	"fieldops-dispatch/services/payout"
	"fieldops-dispatch/services/request"
	"fieldops-dispatch/services/rule"
)

type Outcome string

const (
	OutcomeAutoAssigned   Outcome = "auto_assigned"
	OutcomeOffered        Outcome = "offered"
	OutcomeManualDispatch Outcome = "manual_dispatch"
)

type MatchResult struct {
	Outcome      Outcome `json:"outcome"`
	AgentID      string  `json:"agent_id,omitempty"`
	AssignmentID string  `json:"assignment_id,omitempty"`
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  *config.Config
	seq  sequence.Generator

	agents    *agent.Service
	requests  *request.Service
	rules     *rule.Service
	payouts   *payout.Service
	processor payment.Processor
	notifier  notify.Dispatcher
	enforcer  authz.Enforcer

	requestRepo    repository.Repository[request.ServiceRequest]
	assignmentRepo repository.Repository[assignment.JobAssignment]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Seq       sequence.Generator `optional:"true"`
	Agents    *agent.Service
	Requests  *request.Service
	Rules     *rule.Service `optional:"true"`
	Payouts   *payout.Service
	Processor payment.Processor
	Notifier  notify.Dispatcher
	Enforcer  authz.Enforcer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		cfg:       p.Config,
		seq:       p.Seq,
		agents:    p.Agents,
		requests:  p.Requests,
		rules:     p.Rules,
		payouts:   p.Payouts,
		processor: p.Processor,
		notifier:  p.Notifier,
		enforcer:  p.Enforcer,

		requestRepo:    repository.ProvideStore[request.ServiceRequest](p.DB),
		assignmentRepo: repository.ProvideStore[assignment.JobAssignment](p.DB),
	}
}

// MatchAndAssign runs the automatic pipeline for a pending request: filter,
// rank, then either assign the referring agent outright, offer the top
// candidate, or park the request for manual dispatch.
func (s *Service) MatchAndAssign(ctx context.Context, requestID string) (*MatchResult, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != request.StatusPending && req.Status != request.StatusOffered {
		return nil, errutil.Conflict("request is not open for matching", nil)
	}

	candidates, err := s.candidates(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return s.parkForManualDispatch(ctx, req)
	}

	top := candidates[0]
	if req.ReferredByAgentID != nil && *req.ReferredByAgentID == top.Agent.ID {
		return s.autoAssign(ctx, req, top)
	}
	return s.offer(ctx, req, top)
}

// Accept is the agent's claim on an offered request. The assignment row's
// unique index decides races: the second writer gets a duplicate-key error
// and a Conflict. Payment is captured once, synchronously; a declined
// capture rolls the assignment back.
func (s *Service) Accept(ctx context.Context, requestID string, actor assignment.Actor) (*MatchResult, error) {
	if s.enforcer != nil && !s.enforcer.Can(actor.Role, authz.ActionAccept) {
		return nil, errutil.Forbidden("role may not accept offers", nil)
	}
	agentID := actor.ID

	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != request.StatusOffered || req.AssignedAgentID != nil {
		return nil, errutil.Conflict("request is not open for acceptance", nil)
	}
	if req.PreferredAgentID == nil || *req.PreferredAgentID != agentID {
		return nil, errutil.Conflict("request is not offered to this agent", nil)
	}
	if req.TotalCents > 0 && req.PaymentMethodRef == "" {
		return nil, errutil.UnprocessableEntity("request has no payment method on file", nil)
	}

	claimant, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	job, err := s.createAssignment(ctx, req, claimant, false)
	if err != nil {
		return nil, err
	}

	intentID := ""
	if req.TotalCents > 0 {
		capture, err := s.processor.Capture(ctx, req.TotalCents, req.CustomerRef, req.PaymentMethodRef)
		if err != nil || capture.Status != payment.CaptureSucceeded {
			s.deleteAssignment(ctx, job.ID)
			zap.L().Warn("payment capture failed, assignment rolled back",
				zap.String("request_id", req.ID),
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			return nil, errutil.PaymentFailed("payment capture failed", err)
		}
		intentID = capture.IntentID
	}

	if err := s.requestRepo.Update(ctx, req.ID, map[string]any{
		"status":            request.StatusAssigned,
		"assigned_agent_id": agentID,
		"payment_intent_id": intentID,
	}); err != nil {
		s.deleteAssignment(ctx, job.ID)
		if intentID != "" {
			if _, refundErr := s.processor.Refund(ctx, intentID, req.TotalCents); refundErr != nil {
				zap.L().Error("failed to refund capture after rollback",
					zap.String("payment_intent_id", intentID),
					zap.Error(refundErr),
				)
			}
		}
		zap.L().Error("failed to mark request assigned", zap.String("request_id", req.ID), zap.Error(err))
		return nil, errutil.Internal("failed to assign request", err)
	}

	s.notifier.Notify(ctx, req.ClientID, notify.TemplateJobAssigned, map[string]any{
		"request_id": req.ID,
		"agent_id":   agentID,
	})

	return &MatchResult{Outcome: OutcomeAutoAssigned, AgentID: agentID, AssignmentID: job.ID}, nil
}

// Reprocess re-runs matching after a declined or expired offer. Agents from
// the stored offered set and the caller's excludes never see the request
// again; the one live offer (PreferredAgentID) stays eligible, so a repeated
// invocation converges on the same offer instead of skipping the agent. An
// empty remainder parks the request for manual dispatch.
func (s *Service) Reprocess(ctx context.Context, requestID string, excludeAgentIDs []string) (*MatchResult, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case request.StatusPending, request.StatusOffered, request.StatusManualDispatch:
	default:
		return nil, errutil.Conflict("request is no longer open for matching", nil)
	}
	if req.AssignedAgentID != nil {
		return nil, errutil.Conflict("request is already assigned", nil)
	}

	excluded := make(map[string]bool, len(req.OfferedAgentIDs)+len(excludeAgentIDs))
	for _, id := range req.OfferedAgentIDs {
		excluded[id] = true
	}
	if req.PreferredAgentID != nil {
		delete(excluded, *req.PreferredAgentID)
	}
	for _, id := range excludeAgentIDs {
		excluded[id] = true
	}

	candidates, err := s.candidates(ctx, req, excluded)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return s.parkForManualDispatch(ctx, req)
	}
	return s.offer(ctx, req, candidates[0])
}

func (s *Service) candidates(ctx context.Context, req *request.ServiceRequest, excluded map[string]bool) ([]*Candidate, error) {
	pool, err := s.agents.ListApproved(ctx, true)
	if err != nil {
		return nil, err
	}
	if excluded != nil {
		kept := pool[:0]
		for _, a := range pool {
			if !excluded[a.ID] {
				kept = append(kept, a)
			}
		}
		pool = kept
	}

	var matcher RuleMatcher
	if s.rules != nil {
		matcher = func(candidate map[string]any) bool {
			return s.rules.Matches(ctx, candidate)
		}
	}

	candidates := EligibleCandidates(req, pool, s.cfg.Dispatch.DefaultRadiusMiles, matcher)
	Rank(req, candidates, s.cfg.Dispatch.DefaultRadiusMiles)
	return candidates, nil
}

func (s *Service) autoAssign(ctx context.Context, req *request.ServiceRequest, top *Candidate) (*MatchResult, error) {
	job, err := s.createAssignment(ctx, req, top.Agent, true)
	if err != nil {
		return nil, err
	}

	if err := s.requestRepo.Update(ctx, req.ID, map[string]any{
		"status":            request.StatusAssigned,
		"assigned_agent_id": top.Agent.ID,
	}); err != nil {
		s.deleteAssignment(ctx, job.ID)
		zap.L().Error("failed to mark request assigned", zap.String("request_id", req.ID), zap.Error(err))
		return nil, errutil.Internal("failed to assign request", err)
	}

	s.notifier.Notify(ctx, top.Agent.ID, notify.TemplateJobAssigned, map[string]any{
		"request_id": req.ID,
	})

	return &MatchResult{Outcome: OutcomeAutoAssigned, AgentID: top.Agent.ID, AssignmentID: job.ID}, nil
}

func (s *Service) offer(ctx context.Context, req *request.ServiceRequest, top *Candidate) (*MatchResult, error) {
	offered := req.OfferedAgentIDs
	if !req.AlreadyOffered(top.Agent.ID) {
		offered = append(offered, top.Agent.ID)
	}

	if err := s.requestRepo.Update(ctx, req.ID, &request.ServiceRequest{
		Status:           request.StatusOffered,
		PreferredAgentID: &top.Agent.ID,
		OfferedAgentIDs:  offered,
	}); err != nil {
		zap.L().Error("failed to record offer", zap.String("request_id", req.ID), zap.Error(err))
		return nil, errutil.Internal("failed to record offer", err)
	}

	s.notifier.Notify(ctx, top.Agent.ID, notify.TemplateJobOffered, map[string]any{
		"request_id":   req.ID,
		"service_type": req.ServiceType,
	})

	return &MatchResult{Outcome: OutcomeOffered, AgentID: top.Agent.ID}, nil
}

func (s *Service) parkForManualDispatch(ctx context.Context, req *request.ServiceRequest) (*MatchResult, error) {
	if err := s.requestRepo.Update(ctx, req.ID, map[string]any{
		"status": request.StatusManualDispatch,
	}); err != nil {
		zap.L().Error("failed to park request for manual dispatch", zap.String("request_id", req.ID), zap.Error(err))
		return nil, errutil.Internal("failed to update request", err)
	}

	s.notifier.Notify(ctx, req.ClientID, notify.TemplateManualDispatch, map[string]any{
		"request_id": req.ID,
	})

	return &MatchResult{Outcome: OutcomeManualDispatch}, nil
}

// createAssignment inserts the live assignment row. The composite unique
// index on (service_request_id, active) turns the concurrent-claim race into
// gorm.ErrDuplicatedKey, surfaced as Conflict.
func (s *Service) createAssignment(ctx context.Context, req *request.ServiceRequest, a *agent.Agent, auto bool) (*assignment.JobAssignment, error) {
	mode := s.payouts.ModeFor(ctx, req.ClientID)
	split, err := s.payouts.Compute(ctx, req.TotalCents, req.LaborCents, req.MaterialsCents, a.Tier, mode)
	if err != nil {
		return nil, err
	}

	code := ""
	if s.seq != nil {
		generated, err := s.seq.NextAssignmentCode(ctx)
		if err != nil {
			zap.L().Warn("failed to generate assignment code, falling back to id", zap.Error(err))
		} else {
			code = generated
		}
	}

	active := true
	job := &assignment.JobAssignment{
		ID:               s.node.Generate().String(),
		Code:             code,
		ServiceRequestID: req.ID,
		AgentID:          a.ID,
		Status:           assignment.StatusAssigned,
		Active:           &active,
		AutoAssigned:     auto,
		PriceCents:       req.TotalCents,
		PayoutCents:      split.PayoutCents,
		FeeCents:         split.FeeCents,
		AssignedAt:       time.Now(),
	}
	if job.Code == "" {
		job.Code = "JOB-" + job.ID
	}

	if err := s.assignmentRepo.Create(ctx, job); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("request already has a live assignment", err)
		}
		zap.L().Error("failed to create assignment", zap.String("request_id", req.ID), zap.Error(err))
		return nil, errutil.Internal("failed to create assignment", err)
	}
	return job, nil
}

func (s *Service) deleteAssignment(ctx context.Context, assignmentID string) {
	if err := s.assignmentRepo.Delete(ctx, assignmentID); err != nil {
		zap.L().Error("failed to delete assignment during rollback",
			zap.String("assignment_id", assignmentID),
			zap.Error(err),
		)
	}
}

// ReofferPayload is the body of the re-offer background task.
type ReofferPayload struct {
	RequestID       string   `json:"request_id"`
	ExcludeAgentIDs []string `json:"exclude_agent_ids,omitempty"`
}

// HandleReofferTask consumes the re-offer task in the worker. A Conflict
// means someone accepted in the meantime; the task is done, not failed.
func (s *Service) HandleReofferTask(ctx context.Context, t *asynq.Task) error {
	var payload ReofferPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid reoffer payload", zap.Error(err))
		return err
	}

	result, err := s.Reprocess(ctx, payload.RequestID, payload.ExcludeAgentIDs)
	if err != nil {
		var base errutil.BaseError
		if errors.As(err, &base) && base.Code == errutil.StatusConflict {
			zap.L().Info("reoffer skipped, request no longer open", zap.String("request_id", payload.RequestID))
			return nil
		}
		return err
	}

	zap.L().Info("reoffer processed",
		zap.String("request_id", payload.RequestID),
		zap.String("outcome", string(result.Outcome)),
	)
	return nil
}
