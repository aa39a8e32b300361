package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RunStatus string

const (
	RunScheduled           RunStatus = "scheduled"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
	RunCanceled            RunStatus = "canceled"
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCanceled  Outcome = "canceled"
)

var (
	ErrRunInProgress = errors.New("batch_run_in_progress")
	ErrInvalidAsOf   = errors.New("invalid_as_of")
)

// BatchRun is the persisted record of one orchestrator run.
type BatchRun struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	AsOf              time.Time      `gorm:"not null" json:"as_of"`
	Status            RunStatus      `gorm:"not null" json:"status"`
	AccountsProcessed int            `gorm:"not null" json:"accounts_processed"`
	AccountsFailed    int            `gorm:"not null" json:"accounts_failed"`
	AccountsTimedOut  int            `gorm:"not null" json:"accounts_timed_out"`
	AccountsSkipped   int            `gorm:"not null" json:"accounts_skipped"`
	ActionsEmitted    int            `gorm:"not null" json:"actions_emitted"`
	RuleErrors        int            `gorm:"not null" json:"rule_errors"`
	ErrorSample       datatypes.JSON `json:"error_sample,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (BatchRun) TableName() string { return "collection_batch_runs" }

// AccountError is one sampled per-account failure.
type AccountError struct {
	AccountID snowflake.ID `json:"account_id"`
	Outcome   Outcome      `json:"outcome"`
	Error     string       `json:"error"`
}

type RunReport struct {
	RunID               snowflake.ID   `json:"run_id"`
	AsOf                time.Time      `json:"as_of"`
	Status              RunStatus      `json:"status"`
	AccountsProcessed   int            `json:"accounts_processed"`
	AccountsFailed      int            `json:"accounts_failed"`
	AccountsTimedOut    int            `json:"accounts_timed_out"`
	AccountsSkipped     int            `json:"accounts_skipped"`
	ActionsEmitted      int            `json:"actions_emitted"`
	DuplicateActions    int            `json:"duplicate_actions"`
	TransitionsRejected int            `json:"transitions_rejected"`
	RuleErrors          int            `json:"rule_errors"`
	Errors              []AccountError `json:"errors,omitempty"`
}

// HasErrors reports whether any account or rule failed.
func (r RunReport) HasErrors() bool {
	return r.AccountsFailed > 0 || r.AccountsTimedOut > 0 || r.AccountsSkipped > 0 ||
		r.RuleErrors > 0 || r.TransitionsRejected > 0
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, run *BatchRun) error
	Update(ctx context.Context, db *gorm.DB, run *BatchRun) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BatchRun, error)
}
