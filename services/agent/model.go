package agent

import (
	"strings"
	"time"

	"github.com/gosimple/slug"
)

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalSuspended ApprovalStatus = "suspended"
)

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// rank orders tiers for score monotonicity checks; higher is better.
func (t Tier) Rank() int {
	switch t {
	case TierPlatinum:
		return 4
	case TierGold:
		return 3
	case TierSilver:
		return 2
	default:
		return 1
	}
}

type Skill struct {
	Code     string `json:"code"`
	Category string `json:"category,omitempty"`
}

// Key returns the normalized skill key: the category when declared, else the
// text before the first underscore of the code, else the code itself.
// Normalization is lower-case with whitespace collapsed to underscores.
func (s Skill) Key() string {
	if s.Category != "" {
		return NormalizeKey(s.Category)
	}
	if idx := strings.Index(s.Code, "_"); idx > 0 {
		return NormalizeKey(s.Code[:idx])
	}
	return NormalizeKey(s.Code)
}

// NormalizeKey lower-cases and replaces whitespace with underscores.
func NormalizeKey(v string) string {
	return strings.ReplaceAll(slug.Make(v), "-", "_")
}

type Agent struct {
	ID                 string         `gorm:"column:id;primaryKey"`
	Name               string         `gorm:"column:name"`
	ApprovalStatus     ApprovalStatus `gorm:"column:approval_status;index;default:'pending'"`
	AutoBookingEnabled bool           `gorm:"column:auto_booking_enabled"`
	Tier               Tier           `gorm:"column:tier;default:'bronze'"`
	Rating             float64        `gorm:"column:rating"` // 0..5
	ServiceRadiusMiles float64        `gorm:"column:service_radius_miles"`
	HomeLat            *float64       `gorm:"column:home_lat"`
	HomeLon            *float64       `gorm:"column:home_lon"`
	Skills             []Skill        `gorm:"column:skills;serializer:json"`
	CompletedJobs      int64          `gorm:"column:completed_jobs"`
	LifetimeEarnings   int64          `gorm:"column:lifetime_earnings_cents"`
	CreatedAt          time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// HasWildcardSkills reports whether the agent matches every service type.
func (a *Agent) HasWildcardSkills() bool {
	return len(a.Skills) == 0
}
