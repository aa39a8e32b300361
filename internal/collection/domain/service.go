package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/aging"
	"gorm.io/gorm"
)

// TransitionCause explains an explicit status change.
type TransitionCause struct {
	RuleID snowflake.ID
	Reason string
}

type Service interface {
	// LockAccount reads the account row under a row lock held by tx.
	LockAccount(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*Account, error)
	// Apply persists a Decision with an optimistic version check and updates account in place.
	Apply(ctx context.Context, tx *gorm.DB, account *Account, decision Decision, asOf time.Time) error
	// TransitionTo applies an explicit status change requested by a rule action.
	// It reports whether the status changed.
	TransitionTo(ctx context.Context, tx *gorm.DB, account *Account, to Status, cause TransitionCause, at time.Time) (bool, error)
	// AgingHistory returns up to limit recorded bucket splits at or before asOf, newest first.
	AgingHistory(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, asOf time.Time, limit int) ([]aging.Buckets, error)
	RecordActivity(ctx context.Context, tx *gorm.DB, activity *Activity) error
	// LatestActivity returns the newest activity that was not generated by the engine.
	LatestActivity(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*Activity, error)
	ListActivities(ctx context.Context, accountID snowflake.ID, limit int) ([]Activity, error)
	GetAccountState(ctx context.Context, accountID snowflake.ID) (AccountState, error)
	RecordSettlement(ctx context.Context, accountID snowflake.ID, amount int64, note string) (*Activity, error)
	Thresholds() Thresholds
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	UpdateEvaluation(ctx context.Context, db *gorm.DB, account *Account, expectedVersion int64) (int64, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, account *Account, expectedVersion int64) (int64, error)
	TouchActivity(ctx context.Context, db *gorm.DB, accountID snowflake.ID, at time.Time, contact bool) error
	InsertActivity(ctx context.Context, db *gorm.DB, activity *Activity) error
	LatestTriggeringActivity(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Activity, error)
	ListActivities(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]Activity, error)
	InsertAgingSnapshot(ctx context.Context, db *gorm.DB, snapshot *AgingSnapshot) (bool, error)
	ListAgingHistory(ctx context.Context, db *gorm.DB, accountID snowflake.ID, asOf time.Time, limit int) ([]AgingSnapshot, error)
}
