package assignment

import (
	"time"
)

type Status string

const (
	StatusAssigned            Status = "assigned"
	StatusInProgress          Status = "in_progress"
	StatusPendingVerification Status = "pending_verification"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
)

// Proof artifact kinds required before check-out.
const (
	ProofPhotoBefore = "photo_before"
	ProofPhotoAfter  = "photo_after"
)

// JobAssignment binds one agent to one service request. Active is true while
// the row is live and NULL once cancelled; the composite unique index on
// (service_request_id, active) makes "at most one live assignment per
// request" a database guarantee, since NULLs never collide.
type JobAssignment struct {
	ID               string `gorm:"column:id;primaryKey"`
	Code             string `gorm:"column:code;index"`
	ServiceRequestID string `gorm:"column:service_request_id;not null;uniqueIndex:idx_request_active"`
	AgentID          string `gorm:"column:agent_id;index;not null"`
	Status           Status `gorm:"column:status;index;default:'assigned'"`
	Active           *bool  `gorm:"column:active;uniqueIndex:idx_request_active"`
	AutoAssigned     bool   `gorm:"column:auto_assigned"`

	PriceCents  int64 `gorm:"column:price_cents"`
	PayoutCents int64 `gorm:"column:payout_cents"`
	FeeCents    int64 `gorm:"column:fee_cents"`

	AssignedAt   time.Time  `gorm:"column:assigned_at"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	CheckedOutAt *time.Time `gorm:"column:checked_out_at"`
	VerifiedAt   *time.Time `gorm:"column:verified_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
	PaidAt       *time.Time `gorm:"column:paid_at"`
	VerifiedBy   string     `gorm:"column:verified_by"`

	RejectionReason string     `gorm:"column:rejection_reason"`
	RejectedBy      string     `gorm:"column:rejected_by"`
	RejectedAt      *time.Time `gorm:"column:rejected_at"`

	CancelledBy          string     `gorm:"column:cancelled_by"`
	CancelledAt          *time.Time `gorm:"column:cancelled_at"`
	CancellationReason   string     `gorm:"column:cancellation_reason"`
	CancellationFeeCents int64      `gorm:"column:cancellation_fee_cents"`
	AgentFeeShareCents   int64      `gorm:"column:agent_fee_share_cents"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Live reports whether the assignment still occupies the request slot.
func (a *JobAssignment) Live() bool {
	return a.Active != nil && *a.Active
}

// CheckInRecord captures where the agent was when work started. Location is
// mandatory; the unique index keeps one record per assignment.
type CheckInRecord struct {
	ID           string    `gorm:"column:id;primaryKey"`
	AssignmentID string    `gorm:"column:assignment_id;uniqueIndex;not null"`
	Lat          float64   `gorm:"column:lat"`
	Lon          float64   `gorm:"column:lon"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// CheckOutRecord marks work submitted for verification. Rejection deletes it
// so a redone check-out starts clean.
type CheckOutRecord struct {
	ID           string    `gorm:"column:id;primaryKey"`
	AssignmentID string    `gorm:"column:assignment_id;uniqueIndex;not null"`
	Notes        string    `gorm:"column:notes"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// ProofArtifact references an uploaded proof-of-work object.
type ProofArtifact struct {
	ID           string    `gorm:"column:id;primaryKey"`
	AssignmentID string    `gorm:"column:assignment_id;index;not null"`
	Type         string    `gorm:"column:type;not null"`
	ObjectKey    string    `gorm:"column:object_key;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}
