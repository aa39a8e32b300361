package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Category string

const (
	CategoryResolution Category = "resolution"
	CategoryEscalation Category = "escalation"
	CategoryLetter     Category = "letter"
	CategoryTask       Category = "task"
)

// CategoryOrder is the fixed order categories are evaluated in.
var CategoryOrder = []Category{
	CategoryResolution,
	CategoryEscalation,
	CategoryLetter,
	CategoryTask,
}

func (c Category) Valid() bool {
	switch c {
	case CategoryResolution, CategoryEscalation, CategoryLetter, CategoryTask:
		return true
	}
	return false
}

type MatchMode string

const (
	MatchFirst MatchMode = "first_match"
	MatchAll   MatchMode = "all_match"
)

func (c Category) MatchMode() MatchMode {
	if c == CategoryTask {
		return MatchAll
	}
	return MatchFirst
}

// Rule is a stored collection rule. Trigger and Action hold the declarative JSON.
type Rule struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	Name           string         `gorm:"not null" json:"name"`
	Category       Category       `gorm:"not null" json:"category"`
	Trigger        datatypes.JSON `gorm:"not null" json:"trigger"`
	Action         datatypes.JSON `gorm:"not null" json:"action"`
	ExecutionOrder int            `gorm:"not null" json:"execution_order"`
	Active         bool           `gorm:"not null" json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Rule) TableName() string { return "collection_rules" }

type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCanceled   TaskStatus = "canceled"
)

// UnresolvedTaskStatuses are the statuses that still suppress a task with the same dedup key.
var UnresolvedTaskStatuses = []TaskStatus{TaskOpen, TaskInProgress}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskDone, TaskCanceled:
		return true
	}
	return false
}

func (s TaskStatus) Resolved() bool {
	return s == TaskDone || s == TaskCanceled
}

// Task is a collector work item created by a create_task action.
type Task struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID         snowflake.ID `gorm:"not null;index" json:"account_id"`
	RuleID            snowflake.ID `gorm:"not null" json:"rule_id"`
	ActionType        ActionType   `gorm:"not null" json:"action_type"`
	DueDate           time.Time    `gorm:"not null" json:"due_date"`
	Priority          string       `gorm:"not null" json:"priority"`
	Status            TaskStatus   `gorm:"not null;default:open" json:"status"`
	DedupKey          string       `gorm:"not null;index" json:"dedup_key"`
	TriggerActivityID snowflake.ID `gorm:"not null" json:"trigger_activity_id"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Task) TableName() string { return "collection_tasks" }
