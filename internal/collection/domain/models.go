package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/aging"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusNew        Status = "new"
	StatusActive     Status = "active"
	StatusResolved   Status = "resolved"
	StatusWrittenOff Status = "written_off"
	StatusLegal      Status = "legal"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusActive, StatusResolved, StatusWrittenOff, StatusLegal:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type ActivityType string

const (
	ActivityCall         ActivityType = "call"
	ActivityLetter       ActivityType = "letter"
	ActivityRuleAction   ActivityType = "rule_action"
	ActivityPayment      ActivityType = "payment"
	ActivityDelinquency  ActivityType = "delinquency"
	ActivityStatusChange ActivityType = "status_change"
	ActivitySettlement   ActivityType = "settlement"
)

func (t ActivityType) Valid() bool {
	switch t {
	case ActivityCall, ActivityLetter, ActivityRuleAction, ActivityPayment,
		ActivityDelinquency, ActivityStatusChange, ActivitySettlement:
		return true
	}
	return false
}

// EngineGenerated reports activity types written by the engine itself. They never
// count as the triggering activity, so re-runs see the same trigger.
func (t ActivityType) EngineGenerated() bool {
	return t == ActivityRuleAction || t == ActivityStatusChange
}

// ContactAttempt reports activity types that count toward contact attempts.
func (t ActivityType) ContactAttempt() bool {
	return t == ActivityCall || t == ActivityLetter
}

// Account is the collections view of a patient financial relationship. Balance
// is maintained by billing; everything else here is owned by the engine.
type Account struct {
	ID                    snowflake.ID  `gorm:"primaryKey"`
	Currency              string        `gorm:"not null;default:USD"`
	Balance               int64         `gorm:"not null"`
	Bucket0To30           int64         `gorm:"column:bucket_0_30;not null"`
	Bucket31To60          int64         `gorm:"column:bucket_31_60;not null"`
	Bucket61To90          int64         `gorm:"column:bucket_61_90;not null"`
	Bucket91Plus          int64         `gorm:"column:bucket_91_plus;not null"`
	Status                Status        `gorm:"not null;default:new"`
	Priority              Priority      `gorm:"not null;default:low"`
	AssignedCollectorID   *snowflake.ID
	ContactAttempts       int `gorm:"not null"`
	LastActivityAt        *time.Time
	LastEvaluatedAt       *time.Time
	StatusChangedAt       *time.Time
	// ResolvedBalance is the balance left when the account resolved.
	ResolvedBalance int64 `gorm:"not null"`
	// NewestLineID is the newest outstanding charge line seen by the last evaluation.
	NewestLineID snowflake.ID `gorm:"not null;default:0"`
	// ResolvedLineWatermark is NewestLineID at resolution. Only lines past it
	// reopen the account.
	ResolvedLineWatermark snowflake.ID `gorm:"not null;default:0"`
	OverThresholdCycles   int          `gorm:"not null"`
	ReopenedCount         int          `gorm:"not null"`
	Version               int64        `gorm:"not null"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (Account) TableName() string { return "ar_accounts" }

func (a Account) Buckets() aging.Buckets {
	return aging.Buckets{
		D0To30:  a.Bucket0To30,
		D31To60: a.Bucket31To60,
		D61To90: a.Bucket61To90,
		D91Plus: a.Bucket91Plus,
	}
}

// AgingSnapshot is the bucket split an account held at one evaluation instant.
// Consecutive-cycle rules read the most recent snapshots.
type AgingSnapshot struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	AccountID    snowflake.ID `gorm:"not null;uniqueIndex:ux_aging_history_account_as_of,priority:1"`
	AsOf         time.Time    `gorm:"not null;uniqueIndex:ux_aging_history_account_as_of,priority:2"`
	Balance      int64        `gorm:"not null"`
	Bucket0To30  int64        `gorm:"column:bucket_0_30;not null"`
	Bucket31To60 int64        `gorm:"column:bucket_31_60;not null"`
	Bucket61To90 int64        `gorm:"column:bucket_61_90;not null"`
	Bucket91Plus int64        `gorm:"column:bucket_91_plus;not null"`
	CreatedAt    time.Time
}

func (AgingSnapshot) TableName() string { return "collection_aging_history" }

func (s AgingSnapshot) Buckets() aging.Buckets {
	return aging.Buckets{
		D0To30:  s.Bucket0To30,
		D31To60: s.Bucket31To60,
		D61To90: s.Bucket61To90,
		D91Plus: s.Bucket91Plus,
	}
}

// Activity is an append-only collection event on an account.
type Activity struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AccountID      snowflake.ID      `gorm:"not null;index"`
	Type           ActivityType      `gorm:"not null"`
	OccurredAt     time.Time         `gorm:"not null"`
	Outcome        string
	NextAction     string
	NextActionDate *time.Time
	RuleID         *snowflake.ID
	Metadata       datatypes.JSONMap
	CreatedAt      time.Time
}

func (Activity) TableName() string { return "collection_activities" }

// AccountState is the externally visible account summary.
type AccountState struct {
	AccountID snowflake.ID  `json:"account_id"`
	Currency  string        `json:"currency"`
	Balance   int64         `json:"balance"`
	Buckets   aging.Buckets `json:"aging_buckets"`
	Status    Status        `json:"status"`
	Priority  Priority      `json:"priority"`
}
