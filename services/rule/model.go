package rule

import "time"

// DispatchRule is an operator-authored CEL predicate evaluated against each
// candidate during eligibility filtering. A rule that evaluates to false
// excludes the candidate. Active is a pointer so a stored false survives
// gorm's zero-value handling on insert.
type DispatchRule struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Name       string    `gorm:"column:name;uniqueIndex"`
	Expression string    `gorm:"column:expression;type:text;not null"`
	Active     *bool     `gorm:"column:active;index;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
