package request

import (
	"time"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusOffered        Status = "offered"
	StatusAssigned       Status = "assigned"
	StatusManualDispatch Status = "manual_dispatch"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// ServiceRequest is the client-side job record. At most one non-cancelled
// JobAssignment may exist per request; the assignment table enforces it.
type ServiceRequest struct {
	ID          string     `gorm:"column:id;primaryKey"`
	Code        string     `gorm:"column:code;uniqueIndex"`
	ClientID    string     `gorm:"column:client_id;index;not null"`
	ServiceType string     `gorm:"column:service_type;not null"`
	Category    string     `gorm:"column:category"`
	ScheduledAt *time.Time `gorm:"column:scheduled_at"`
	Lat         *float64   `gorm:"column:lat"`
	Lon         *float64   `gorm:"column:lon"`

	LaborCents     int64 `gorm:"column:labor_cents"`
	MaterialsCents int64 `gorm:"column:materials_cents"`
	TotalCents     int64 `gorm:"column:total_cents"`

	Status            Status   `gorm:"column:status;index;default:'pending'"`
	AssignedAgentID   *string  `gorm:"column:assigned_agent_id"`
	PreferredAgentID  *string  `gorm:"column:preferred_agent_id"`
	ReferredByAgentID *string  `gorm:"column:referred_by_agent_id"`
	OfferedAgentIDs   []string `gorm:"column:offered_agent_ids;serializer:json"`

	CustomerRef      string `gorm:"column:customer_ref"`
	PaymentMethodRef string `gorm:"column:payment_method_ref"`
	PaymentIntentID  string `gorm:"column:payment_intent_id"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// AlreadyOffered reports whether the agent was offered this request before.
func (r *ServiceRequest) AlreadyOffered(agentID string) bool {
	for _, id := range r.OfferedAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}
