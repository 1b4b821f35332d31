package earning

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeJobPayout       Type = "job_payout"
	TypeCancellationFee Type = "cancellation_fee"
	TypeAdjustment      Type = "adjustment"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAvailable Status = "available"
	StatusPaidOut   Status = "paid_out"
)

// Earning is one signed ledger row per agent and assignment. Fee reversals
// carry negative amounts; rows are never deleted except the duplicate
// cancellation-fee cleanup before re-insertion.
type Earning struct {
	ID            string         `gorm:"column:id;primaryKey"`
	AgentID       string         `gorm:"column:agent_id;index;not null"`
	AssignmentID  string         `gorm:"column:assignment_id;index;not null"`
	Type          Type           `gorm:"column:type;not null"`
	AmountCents   int64          `gorm:"column:amount_cents;not null"`
	Status        Status         `gorm:"column:status;index;default:'pending'"`
	AvailableAt   *time.Time     `gorm:"column:available_at"`
	TransactionID string         `gorm:"column:transaction_id"`
	Description   string         `gorm:"column:description"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// AgentBalance is the running bucket summary, maintained in the same
// transaction as every earning write.
type AgentBalance struct {
	ID             string    `gorm:"column:id;primaryKey"`
	AgentID        string    `gorm:"column:agent_id;uniqueIndex;not null"`
	PendingCents   int64     `gorm:"column:pending_cents"`
	AvailableCents int64     `gorm:"column:available_cents"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func GenerateTransactionID() (string, error) {
	datePart := time.Now().Format("20060102")

	r := make([]byte, 3) // 3 bytes = 6 hex chars
	_, err := rand.Read(r)
	if err != nil {
		return "", err
	}
	randomPart := strings.ToUpper(fmt.Sprintf("%x", r))

	return fmt.Sprintf("%s-%s", datePart, randomPart), nil
}
