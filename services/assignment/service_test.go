package assignment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fieldops-dispatch/pkg/authz"
	"fieldops-dispatch/pkg/config"
	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/earning"
	"fieldops-dispatch/services/notify"
	"fieldops-dispatch/services/payment"
	"fieldops-dispatch/services/payout"
	"fieldops-dispatch/services/request"
	"fieldops-dispatch/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func ptr[T any](v T) *T { return &v }

type fakeProcessor struct {
	mu      sync.Mutex
	refunds map[string]int64
	fail    bool
}

func (f *fakeProcessor) Capture(ctx context.Context, amountCents int64, customerRef, paymentMethodRef string) (payment.Capture, error) {
	return payment.Capture{IntentID: "pi_test", Status: payment.CaptureSucceeded}, nil
}

func (f *fakeProcessor) Refund(ctx context.Context, intentID string, amountCents int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return payment.RefundFailed, errors.New("gateway unavailable")
	}
	if f.refunds == nil {
		f.refunds = map[string]int64{}
	}
	f.refunds[intentID] += amountCents
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

type fakeArtifacts struct {
	objects map[string]bool
}

func (f *fakeArtifacts) Exists(ctx context.Context, objectKey string) (bool, error) {
	return f.objects[objectKey], nil
}

type lifecycleFixture struct {
	db        *gorm.DB
	svc       *Service
	earnings  *earning.Service
	processor *fakeProcessor
	notifier  *fakeNotifier
	artifacts *fakeArtifacts
}

func newLifecycle(t *testing.T) *lifecycleFixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&agent.Agent{},
		&request.ServiceRequest{},
		&JobAssignment{},
		&CheckInRecord{},
		&CheckOutRecord{},
		&ProofArtifact{},
		&earning.Earning{},
		&earning.AgentBalance{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Dispatch.PayoutHoldHours = 2

	enforcer, err := authz.NewEnforcer()
	require.NoError(t, err)

	earnings := earning.NewService(earning.ServiceParams{DB: db, Node: node})
	processor := &fakeProcessor{}
	notifier := &fakeNotifier{}
	artifacts := &fakeArtifacts{objects: map[string]bool{}}

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Enforcer:  enforcer,
		Agents:    agent.NewService(agent.ServiceParams{DB: db, Node: node}),
		Earnings:  earnings,
		Payouts:   payout.NewService(payout.ServiceParams{}),
		Processor: processor,
		Notifier:  notifier,
		Artifacts: artifacts,
	})

	return &lifecycleFixture{
		db:        db,
		svc:       svc,
		earnings:  earnings,
		processor: processor,
		notifier:  notifier,
		artifacts: artifacts,
	}
}

func (f *lifecycleFixture) seed(t *testing.T, mutate func(*request.ServiceRequest, *JobAssignment)) *JobAssignment {
	t.Helper()

	require.NoError(t, f.db.Create(&agent.Agent{
		ID:             "tech",
		Name:           "tech",
		ApprovalStatus: agent.ApprovalApproved,
		Tier:           agent.TierGold,
		Rating:         4.5,
	}).Error)

	scheduledAt := time.Now().Add(12 * time.Hour)
	req := &request.ServiceRequest{
		ID:              "req-1",
		Code:            "REQ-req-1",
		ClientID:        "client-1",
		ServiceType:     "hvac_repair",
		ScheduledAt:     &scheduledAt,
		LaborCents:      8000,
		MaterialsCents:  1000,
		TotalCents:      10000,
		Status:          request.StatusAssigned,
		AssignedAgentID: ptr("tech"),
		PaymentIntentID: "pi_test",
	}

	active := true
	job := &JobAssignment{
		ID:               "job-1",
		Code:             "JOB-job-1",
		ServiceRequestID: "req-1",
		AgentID:          "tech",
		Status:           StatusAssigned,
		Active:           &active,
		PriceCents:       10000,
		PayoutCents:      6300,
		FeeCents:         3700,
		AssignedAt:       time.Now(),
	}

	if mutate != nil {
		mutate(req, job)
	}
	require.NoError(t, f.db.Create(req).Error)
	require.NoError(t, f.db.Create(job).Error)
	return job
}

func (f *lifecycleFixture) reload(t *testing.T, id string) *JobAssignment {
	t.Helper()
	var job JobAssignment
	require.NoError(t, f.db.First(&job, "id = ?", id).Error)
	return &job
}

// walk the assignment to in_progress with both proofs registered
func (f *lifecycleFixture) checkIn(t *testing.T, id string) {
	t.Helper()
	_, err := f.svc.CheckIn(context.Background(), id, techActor, ptr(35.0), ptr(-97.0))
	require.NoError(t, err)
}

func (f *lifecycleFixture) attachProofs(t *testing.T, id string) {
	t.Helper()
	for _, kind := range []string{ProofPhotoBefore, ProofPhotoAfter} {
		key := "proofs/" + id + "/" + kind
		f.artifacts.objects[key] = true
		_, err := f.svc.AttachProof(context.Background(), id, techActor, kind, key)
		require.NoError(t, err)
	}
}

func requireStatus(t *testing.T, err error, status errutil.CoreStatus) {
	t.Helper()
	require.Error(t, err)
	var be errutil.BaseError
	require.True(t, errors.As(err, &be), "unexpected error type: %v", err)
	require.Equal(t, status, be.Status())
}

var (
	techActor   = Actor{ID: "tech", Role: authz.RoleAgent}
	adminActor  = Actor{ID: "ops", Role: authz.RoleAdmin}
	clientActor = Actor{ID: "client-1", Role: authz.RoleClient}
)

func TestCheckInRequiresLocation(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)

	_, err := f.svc.CheckIn(context.Background(), "job-1", techActor, nil, nil)
	requireStatus(t, err, errutil.StatusUnprocessableEntity)
}

func TestCheckInMovesToInProgress(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)

	job, err := f.svc.CheckIn(context.Background(), "job-1", techActor, ptr(35.0), ptr(-97.0))
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, job.Status)
	require.NotNil(t, job.StartedAt)

	var record CheckInRecord
	require.NoError(t, f.db.First(&record, "assignment_id = ?", "job-1").Error)
	require.Equal(t, 35.0, record.Lat)
}

func TestCheckInWrongStatusConflicts(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, func(_ *request.ServiceRequest, job *JobAssignment) {
		job.Status = StatusInProgress
	})

	_, err := f.svc.CheckIn(context.Background(), "job-1", techActor, ptr(35.0), ptr(-97.0))
	requireStatus(t, err, errutil.StatusConflict)
}

func TestCheckInByOtherAgentForbidden(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)

	_, err := f.svc.CheckIn(context.Background(), "job-1", Actor{ID: "intruder", Role: authz.RoleAgent}, ptr(35.0), ptr(-97.0))
	requireStatus(t, err, errutil.StatusForbidden)
}

func TestCheckOutRequiresCheckIn(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, func(_ *request.ServiceRequest, job *JobAssignment) {
		job.Status = StatusInProgress
	})

	_, err := f.svc.CheckOut(context.Background(), "job-1", techActor, "")
	requireStatus(t, err, errutil.StatusUnprocessableEntity)
}

func TestCheckOutRequiresBothProofKinds(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)
	f.checkIn(t, "job-1")

	key := "proofs/job-1/" + ProofPhotoBefore
	f.artifacts.objects[key] = true
	_, err := f.svc.AttachProof(context.Background(), "job-1", techActor, ProofPhotoBefore, key)
	require.NoError(t, err)

	_, err = f.svc.CheckOut(context.Background(), "job-1", techActor, "")
	requireStatus(t, err, errutil.StatusUnprocessableEntity)
}

func TestCheckOutRejectsMissingProofObject(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)
	f.checkIn(t, "job-1")
	f.attachProofs(t, "job-1")

	// the object vanished from storage between upload and check-out
	delete(f.artifacts.objects, "proofs/job-1/"+ProofPhotoAfter)

	_, err := f.svc.CheckOut(context.Background(), "job-1", techActor, "")
	requireStatus(t, err, errutil.StatusUnprocessableEntity)
}

func TestCheckOutCreatesPendingEarning(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)
	f.checkIn(t, "job-1")
	f.attachProofs(t, "job-1")

	job, err := f.svc.CheckOut(context.Background(), "job-1", techActor, "replaced compressor")
	require.NoError(t, err)
	require.Equal(t, StatusPendingVerification, job.Status)
	require.NotNil(t, job.CheckedOutAt)

	rows, err := f.earnings.ListByAssignment(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, earning.StatusPending, rows[0].Status)
	require.Equal(t, int64(6300), rows[0].AmountCents)
	require.Nil(t, rows[0].AvailableAt)
}

func TestCheckOutSurvivesLedgerFailure(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)
	f.checkIn(t, "job-1")
	f.attachProofs(t, "job-1")

	// the earning write is best-effort; verify re-pins the amount later
	require.NoError(t, f.db.Migrator().DropTable(&earning.Earning{}))

	job, err := f.svc.CheckOut(context.Background(), "job-1", techActor, "")
	require.NoError(t, err)
	require.Equal(t, StatusPendingVerification, job.Status)

	require.NoError(t, f.db.Migrator().CreateTable(&earning.Earning{}))

	job, err = f.svc.Verify(context.Background(), "job-1", adminActor)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)

	rows, err := f.earnings.ListByAssignment(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(6300), rows[0].AmountCents)
	require.NotNil(t, rows[0].AvailableAt)
}

func TestVerifyCompletesAndSchedulesPayout(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)
	f.checkIn(t, "job-1")
	f.attachProofs(t, "job-1")
	_, err := f.svc.CheckOut(context.Background(), "job-1", techActor, "")
	require.NoError(t, err)

	job, err := f.svc.Verify(context.Background(), "job-1", adminActor)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, "ops", job.VerifiedBy)
	require.NotNil(t, job.CompletedAt)

	var req request.ServiceRequest
	require.NoError(t, f.db.First(&req, "id = ?", "req-1").Error)
	require.Equal(t, request.StatusCompleted, req.Status)

	rows, err := f.earnings.ListByAssignment(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].AvailableAt)
	require.WithinDuration(t, time.Now().Add(2*time.Hour), *rows[0].AvailableAt, time.Minute)

	var tech agent.Agent
	require.NoError(t, f.db.First(&tech, "id = ?", "tech").Error)
	require.Equal(t, int64(1), tech.CompletedJobs)
	require.Equal(t, int64(6300), tech.LifetimeEarnings)

	require.Contains(t, f.notifier.templates, notify.TemplateJobVerified)
}

func TestVerifyFallbackPayout(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, func(_ *request.ServiceRequest, job *JobAssignment) {
		job.Status = StatusPendingVerification
		job.PayoutCents = 0
		job.FeeCents = 0
	})

	job, err := f.svc.Verify(context.Background(), "job-1", adminActor)
	require.NoError(t, err)
	require.Equal(t, int64(7000), job.PayoutCents)
}

func TestVerifyWrongStatusConflicts(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)

	_, err := f.svc.Verify(context.Background(), "job-1", adminActor)
	requireStatus(t, err, errutil.StatusConflict)
}

func TestRejectAllowsRedo(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)
	f.checkIn(t, "job-1")
	f.attachProofs(t, "job-1")
	_, err := f.svc.CheckOut(context.Background(), "job-1", techActor, "")
	require.NoError(t, err)

	job, err := f.svc.Reject(context.Background(), "job-1", adminActor, "after photo is too dark")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, job.Status)
	require.Equal(t, "after photo is too dark", job.RejectionReason)
	require.Nil(t, job.CheckedOutAt)

	var count int64
	require.NoError(t, f.db.Model(&CheckOutRecord{}).Where("assignment_id = ?", "job-1").Count(&count).Error)
	require.Zero(t, count)

	// the agent can submit again
	redo, err := f.svc.CheckOut(context.Background(), "job-1", techActor, "retook photos")
	require.NoError(t, err)
	require.Equal(t, StatusPendingVerification, redo.Status)
}

func TestCancelScenario(t *testing.T) {
	// $100 job cancelled one hour before start: $40 fee, $20 to the agent,
	// $60 refunded
	f := newLifecycle(t)
	f.seed(t, func(req *request.ServiceRequest, _ *JobAssignment) {
		scheduledAt := time.Now().Add(time.Hour)
		req.ScheduledAt = &scheduledAt
	})

	result, err := f.svc.Cancel(context.Background(), "job-1", clientActor, "changed plans")
	require.NoError(t, err)
	require.Equal(t, int64(4000), result.FeeCents)
	require.Equal(t, int64(2000), result.AgentShareCents)
	require.Equal(t, int64(6000), result.RefundCents)
	require.Equal(t, payment.RefundSucceeded, result.RefundStatus)
	require.Equal(t, int64(6000), f.processor.refunds["pi_test"])

	job := f.reload(t, "job-1")
	require.Equal(t, StatusCancelled, job.Status)
	require.Nil(t, job.Active)
	require.Equal(t, authz.RoleClient, job.CancelledBy)

	var req request.ServiceRequest
	require.NoError(t, f.db.First(&req, "id = ?", "req-1").Error)
	require.Equal(t, request.StatusCancelled, req.Status)

	balance, err := f.earnings.GetBalance(context.Background(), "tech")
	require.NoError(t, err)
	require.Equal(t, int64(2000), balance.AvailableCents)
}

func TestCancelOutsideAllBandsIsFree(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, func(req *request.ServiceRequest, _ *JobAssignment) {
		scheduledAt := time.Now().Add(30 * time.Hour)
		req.ScheduledAt = &scheduledAt
	})

	result, err := f.svc.Cancel(context.Background(), "job-1", clientActor, "")
	require.NoError(t, err)
	require.Zero(t, result.FeeCents)
	require.Zero(t, result.AgentShareCents)
	require.Equal(t, int64(10000), result.RefundCents)
}

func TestCancelRefundFailureReportedNotRolledBack(t *testing.T) {
	f := newLifecycle(t)
	f.processor.fail = true
	f.seed(t, func(req *request.ServiceRequest, _ *JobAssignment) {
		scheduledAt := time.Now().Add(time.Hour)
		req.ScheduledAt = &scheduledAt
	})

	result, err := f.svc.Cancel(context.Background(), "job-1", clientActor, "")
	require.NoError(t, err)
	require.Equal(t, payment.RefundFailed, result.RefundStatus)
	require.Equal(t, StatusCancelled, f.reload(t, "job-1").Status)
}

func TestCancelFromTerminalStatusConflicts(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, func(_ *request.ServiceRequest, job *JobAssignment) {
		job.Status = StatusCompleted
		job.Active = nil
	})

	_, err := f.svc.Cancel(context.Background(), "job-1", clientActor, "")
	requireStatus(t, err, errutil.StatusConflict)
}

func TestCancelByOtherAgentForbidden(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)

	_, err := f.svc.Cancel(context.Background(), "job-1", Actor{ID: "intruder", Role: authz.RoleAgent}, "")
	requireStatus(t, err, errutil.StatusForbidden)
}

func TestTransitionRoleGating(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, func(_ *request.ServiceRequest, job *JobAssignment) {
		job.Status = StatusPendingVerification
	})

	// agents may not verify their own work
	_, err := f.svc.Transition(context.Background(), "job-1", ActionVerify, techActor, TransitionParams{})
	requireStatus(t, err, errutil.StatusForbidden)

	// admins may not cancel
	_, err = f.svc.Transition(context.Background(), "job-1", ActionCancel, adminActor, TransitionParams{})
	requireStatus(t, err, errutil.StatusForbidden)

	_, err = f.svc.Transition(context.Background(), "job-1", ActionVerify, adminActor, TransitionParams{})
	require.NoError(t, err)
}

func TestTransitionUnknownAction(t *testing.T) {
	f := newLifecycle(t)
	f.seed(t, nil)

	_, err := f.svc.Transition(context.Background(), "job-1", "teleport", techActor, TransitionParams{})
	requireStatus(t, err, errutil.StatusForbidden)
}
