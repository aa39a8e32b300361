package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
	"gorm.io/gorm"
)

type CreateRuleRequest struct {
	Name           string         `json:"name"`
	Category       Category       `json:"category"`
	Trigger        map[string]any `json:"trigger"`
	Action         map[string]any `json:"action"`
	ExecutionOrder int            `json:"execution_order"`
	Active         *bool          `json:"active,omitempty"`
}

type Service interface {
	// LoadActive reads the active rule set. Rules are read fresh on every call.
	LoadActive(ctx context.Context) ([]Rule, error)
	CreateRule(ctx context.Context, req CreateRuleRequest) (*Rule, error)
	SetActive(ctx context.Context, ruleID snowflake.ID, active bool) error
	ListTasks(ctx context.Context, accountID snowflake.ID) ([]Task, error)
	// UpdateTaskStatus moves a collector task along. A done or canceled task
	// no longer suppresses re-emission of its dedup key.
	UpdateTaskStatus(ctx context.Context, taskID snowflake.ID, status TaskStatus) (*Task, error)
}

// EmitResult summarises the effects of one Emit call.
type EmitResult struct {
	Emitted    int
	Duplicates int
	// Rejected holds per-rule failures that were skipped without aborting the unit.
	Rejected []error
}

// Emitter turns matches into effects inside the account's transaction.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, account *collectiondomain.Account, snap Snapshot, matches []Match, now time.Time) (EmitResult, error)
}

type Repository interface {
	ListActive(ctx context.Context, db *gorm.DB) ([]Rule, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Rule, error)
	Insert(ctx context.Context, db *gorm.DB, rule *Rule) error
	UpdateActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, at time.Time) (int64, error)
	// InsertTask reports false when an unresolved task with the same dedup key already exists.
	InsertTask(ctx context.Context, db *gorm.DB, task *Task) (bool, error)
	ListTasks(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Task, error)
	FindTaskForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Task, error)
	UpdateTaskStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status TaskStatus, at time.Time) error
}
