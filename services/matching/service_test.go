package matching

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fieldops-dispatch/pkg/authz"
	"fieldops-dispatch/pkg/config"
	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/pkg/repository"
	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/assignment"
	"fieldops-dispatch/services/notify"
	"fieldops-dispatch/services/payment"
	"fieldops-dispatch/services/payout"
	"fieldops-dispatch/services/request"
	"fieldops-dispatch/services/testutil"
)

type fakeProcessor struct {
	mu         sync.Mutex
	declineAll bool
	captures   int
	refunds    []int64
}

func (f *fakeProcessor) Capture(ctx context.Context, amountCents int64, customerRef, paymentMethodRef string) (payment.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.declineAll {
		return payment.Capture{Status: payment.CaptureDeclined}, nil
	}
	return payment.Capture{IntentID: "pi_test", Status: payment.CaptureSucceeded}, nil
}

func (f *fakeProcessor) Refund(ctx context.Context, intentID string, amountCents int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, amountCents)
	return payment.RefundSucceeded, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	templates []string
}

func (f *fakeNotifier) Notify(ctx context.Context, userID, template string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, template)
}

func asAgent(id string) assignment.Actor {
	return assignment.Actor{ID: id, Role: authz.RoleAgent}
}

type resolverFixture struct {
	db        *gorm.DB
	svc       *Service
	processor *fakeProcessor
	notifier  *fakeNotifier
}

func newResolver(t *testing.T) *resolverFixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&agent.Agent{},
		&request.ServiceRequest{},
		&assignment.JobAssignment{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Dispatch.DefaultRadiusMiles = 25

	processor := &fakeProcessor{}
	notifier := &fakeNotifier{}
	enforcer, err := authz.NewEnforcer()
	require.NoError(t, err)

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Agents:    agent.NewService(agent.ServiceParams{DB: db, Node: node}),
		Requests:  request.NewService(request.ServiceParams{DB: db, Node: node}),
		Payouts:   payout.NewService(payout.ServiceParams{}),
		Processor: processor,
		Notifier:  notifier,
		Enforcer:  enforcer,
	})

	return &resolverFixture{db: db, svc: svc, processor: processor, notifier: notifier}
}

func (f *resolverFixture) seedAgent(t *testing.T, id string, tier agent.Tier, rating float64) {
	t.Helper()
	require.NoError(t, f.db.Create(&agent.Agent{
		ID:                 id,
		Name:               id,
		ApprovalStatus:     agent.ApprovalApproved,
		AutoBookingEnabled: true,
		Tier:               tier,
		Rating:             rating,
	}).Error)
}

func (f *resolverFixture) seedRequest(t *testing.T, id string, mutate func(*request.ServiceRequest)) *request.ServiceRequest {
	t.Helper()
	req := &request.ServiceRequest{
		ID:               id,
		Code:             "REQ-" + id,
		ClientID:         "client-1",
		ServiceType:      "hvac_repair",
		LaborCents:       8000,
		MaterialsCents:   1000,
		TotalCents:       10000,
		Status:           request.StatusPending,
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
	}
	if mutate != nil {
		mutate(req)
	}
	require.NoError(t, f.db.Create(req).Error)
	return req
}

func (f *resolverFixture) getRequest(t *testing.T, id string) *request.ServiceRequest {
	t.Helper()
	var req request.ServiceRequest
	require.NoError(t, f.db.First(&req, "id = ?", id).Error)
	return &req
}

func requireStatus(t *testing.T, err error, status errutil.CoreStatus) {
	t.Helper()
	require.Error(t, err)
	var be errutil.BaseError
	require.True(t, errors.As(err, &be), "unexpected error type: %v", err)
	require.Equal(t, status, be.Status())
}

func TestMatchAndAssignReferralAutoAssigns(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "referrer", agent.TierBronze, 3.0)
	f.seedAgent(t, "better", agent.TierPlatinum, 5.0)
	referrer := "referrer"
	f.seedRequest(t, "req-1", func(r *request.ServiceRequest) {
		r.ReferredByAgentID = &referrer
	})

	result, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeAutoAssigned, result.Outcome)
	require.Equal(t, "referrer", result.AgentID)

	req := f.getRequest(t, "req-1")
	require.Equal(t, request.StatusAssigned, req.Status)
	require.Equal(t, "referrer", *req.AssignedAgentID)

	var job assignment.JobAssignment
	require.NoError(t, f.db.First(&job, "service_request_id = ?", "req-1").Error)
	require.True(t, job.Live())
	require.True(t, job.AutoAssigned)
	require.Equal(t, int64(10000), job.PriceCents)
	require.Equal(t, int64(10000), job.PayoutCents+job.FeeCents)
}

func TestMatchAndAssignOffersTopCandidate(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "bronze", agent.TierBronze, 4.0)
	f.seedAgent(t, "platinum", agent.TierPlatinum, 5.0)
	f.seedRequest(t, "req-1", nil)

	result, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeOffered, result.Outcome)
	require.Equal(t, "platinum", result.AgentID)

	req := f.getRequest(t, "req-1")
	require.Equal(t, request.StatusOffered, req.Status)
	require.Equal(t, "platinum", *req.PreferredAgentID)
	require.Contains(t, req.OfferedAgentIDs, "platinum")
}

func TestMatchAndAssignNoCandidatesParksForManual(t *testing.T) {
	f := newResolver(t)
	f.seedRequest(t, "req-1", nil)

	result, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeManualDispatch, result.Outcome)
	require.Equal(t, request.StatusManualDispatch, f.getRequest(t, "req-1").Status)
	require.Contains(t, f.notifier.templates, notify.TemplateManualDispatch)
}

func TestMatchAndAssignClosedRequestConflicts(t *testing.T) {
	f := newResolver(t)
	f.seedRequest(t, "req-1", func(r *request.ServiceRequest) {
		r.Status = request.StatusCompleted
	})

	_, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	requireStatus(t, err, errutil.StatusConflict)
}

func TestAcceptAssignsAndCaptures(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "tech", agent.TierGold, 4.5)
	f.seedRequest(t, "req-1", nil)

	_, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)

	result, err := f.svc.Accept(context.Background(), "req-1", asAgent("tech"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAutoAssigned, result.Outcome)
	require.Equal(t, 1, f.processor.captures)

	req := f.getRequest(t, "req-1")
	require.Equal(t, request.StatusAssigned, req.Status)
	require.Equal(t, "tech", *req.AssignedAgentID)
	require.Equal(t, "pi_test", req.PaymentIntentID)

	var job assignment.JobAssignment
	require.NoError(t, f.db.First(&job, "service_request_id = ?", "req-1").Error)
	require.False(t, job.AutoAssigned)
	// gold split of 10000/8000/1000: 4800+1000+500
	require.Equal(t, int64(6300), job.PayoutCents)
	require.Equal(t, int64(3700), job.FeeCents)
}

func TestAcceptRoleGated(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "tech", agent.TierGold, 4.5)
	f.seedRequest(t, "req-1", nil)

	_, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)

	_, err = f.svc.Accept(context.Background(), "req-1", assignment.Actor{ID: "client-1", Role: authz.RoleClient})
	requireStatus(t, err, errutil.StatusForbidden)
	require.Equal(t, 0, f.processor.captures)
}

func TestAcceptByWrongAgentConflicts(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "tech", agent.TierGold, 4.5)
	f.seedRequest(t, "req-1", nil)

	_, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)

	_, err = f.svc.Accept(context.Background(), "req-1", asAgent("someone-else"))
	requireStatus(t, err, errutil.StatusConflict)
}

func TestAcceptWithoutPaymentMethodUnprocessable(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "tech", agent.TierGold, 4.5)
	f.seedRequest(t, "req-1", func(r *request.ServiceRequest) {
		r.PaymentMethodRef = ""
	})

	_, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)

	_, err = f.svc.Accept(context.Background(), "req-1", asAgent("tech"))
	requireStatus(t, err, errutil.StatusUnprocessableEntity)
	require.Equal(t, 0, f.processor.captures)
}

func TestAcceptPaymentDeclinedRollsBack(t *testing.T) {
	f := newResolver(t)
	f.processor.declineAll = true
	f.seedAgent(t, "tech", agent.TierGold, 4.5)
	f.seedRequest(t, "req-1", nil)

	_, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)

	_, err = f.svc.Accept(context.Background(), "req-1", asAgent("tech"))
	requireStatus(t, err, errutil.StatusPaymentFailed)

	// no assignment row survives and the offer is still claimable
	var count int64
	require.NoError(t, f.db.Model(&assignment.JobAssignment{}).Where("service_request_id = ?", "req-1").Count(&count).Error)
	require.Zero(t, count)
	require.Equal(t, request.StatusOffered, f.getRequest(t, "req-1").Status)
}

func TestAcceptRaceAdmitsExactlyOne(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "tech", agent.TierGold, 4.5)
	f.seedRequest(t, "req-1", nil)

	_, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)

	const claims = 4
	errs := make([]error, claims)
	var wg sync.WaitGroup
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Accept(context.Background(), "req-1", asAgent("tech"))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		requireStatus(t, err, errutil.StatusConflict)
	}
	require.Equal(t, 1, successes)

	var count int64
	require.NoError(t, f.db.Model(&assignment.JobAssignment{}).Where("service_request_id = ? AND active IS NOT NULL", "req-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestActiveAssignmentUniqueIndex(t *testing.T) {
	f := newResolver(t)
	f.seedRequest(t, "req-1", nil)

	repo := repository.ProvideStore[assignment.JobAssignment](f.db)
	active := true
	first := &assignment.JobAssignment{ID: "job-1", ServiceRequestID: "req-1", AgentID: "a-1", Active: &active}
	require.NoError(t, repo.Create(context.Background(), first))

	second := &assignment.JobAssignment{ID: "job-2", ServiceRequestID: "req-1", AgentID: "a-2", Active: &active}
	err := repo.Create(context.Background(), second)
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// a cancelled (NULL active) row never blocks a new live one
	require.NoError(t, f.db.Model(first).Update("active", nil).Error)
	require.NoError(t, repo.Create(context.Background(), second))
}

func TestReprocessExcludesAndConverges(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "first", agent.TierPlatinum, 5.0)
	f.seedAgent(t, "second", agent.TierGold, 4.5)
	f.seedRequest(t, "req-1", nil)

	result, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, "first", result.AgentID)

	// a redelivered task with no decline re-offers the live candidate
	result, err = f.svc.Reprocess(context.Background(), "req-1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeOffered, result.Outcome)
	require.Equal(t, "first", result.AgentID)

	// first declined
	result, err = f.svc.Reprocess(context.Background(), "req-1", []string{"first"})
	require.NoError(t, err)
	require.Equal(t, OutcomeOffered, result.Outcome)
	require.Equal(t, "second", result.AgentID)

	// idempotent: re-running converges on the same candidate
	again, err := f.svc.Reprocess(context.Background(), "req-1", []string{"first"})
	require.NoError(t, err)
	require.Equal(t, "second", again.AgentID)

	req := f.getRequest(t, "req-1")
	require.ElementsMatch(t, []string{"first", "second"}, req.OfferedAgentIDs)

	// everyone exhausted
	result, err = f.svc.Reprocess(context.Background(), "req-1", []string{"first", "second"})
	require.NoError(t, err)
	require.Equal(t, OutcomeManualDispatch, result.Outcome)
}

func TestReprocessAssignedRequestConflicts(t *testing.T) {
	f := newResolver(t)
	f.seedAgent(t, "tech", agent.TierGold, 4.5)
	f.seedRequest(t, "req-1", nil)

	_, err := f.svc.MatchAndAssign(context.Background(), "req-1")
	require.NoError(t, err)
	_, err = f.svc.Accept(context.Background(), "req-1", asAgent("tech"))
	require.NoError(t, err)

	_, err = f.svc.Reprocess(context.Background(), "req-1", nil)
	requireStatus(t, err, errutil.StatusConflict)
}
