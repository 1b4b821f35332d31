package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fieldops-dispatch/pkg/db/pagination"
)

// QueryOption mutates a gorm query before it is executed by the repository.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

func ApplyOperator(conds ...Condition) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		for _, c := range conds {
			if c.Operator == IN {
				tx = tx.Where(fmt.Sprintf("%s IN ?", c.Field), c.Value)
				continue
			}
			tx = tx.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
		}
		return tx
	}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		column := sort.SortBy
		if column == "" {
			column = "created_at"
		}
		if sort.Allow != nil && !sort.Allow[column] {
			return tx
		}

		direction := strings.ToUpper(sort.OrderBy)
		if direction != "DESC" {
			direction = "ASC"
		}

		return tx.Order(fmt.Sprintf("%s %s", column, direction))
	}
}

// LockingUpdate is a gorm scope that applies SELECT ... FOR UPDATE. SQLite has
// no row-level locks, so it is a no-op there (single-writer anyway).
func LockingUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return LockingUpdate(tx)
	}
}

func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		limit := p.Limit
		if limit <= 0 {
			limit = 10
		}
		return tx.Limit(limit)
	}
}
