package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Record is one append-only audit entry.
type Record struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID     *snowflake.ID     `gorm:"index" json:"account_id,omitempty"`
	Component     string            `gorm:"not null" json:"component"`
	Action        string            `gorm:"not null;index" json:"action"`
	TargetType    string            `gorm:"not null" json:"target_type"`
	TargetID      string            `json:"target_id"`
	Before        datatypes.JSONMap `gorm:"column:before_state" json:"before,omitempty"`
	After         datatypes.JSONMap `gorm:"column:after_state" json:"after,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	RunID         *snowflake.ID     `gorm:"index" json:"run_id,omitempty"`
	Sequence      int64             `gorm:"not null" json:"sequence"`
	CreatedAt     time.Time         `gorm:"not null;index" json:"created_at"`
}

func (Record) TableName() string { return "audit_records" }

// Entry describes a state change to record.
type Entry struct {
	AccountID  snowflake.ID
	Component  string
	Action     string
	TargetType string
	TargetID   string
	Before     map[string]any
	After      map[string]any
}

type ListFilter struct {
	AccountID snowflake.ID
	RunID     snowflake.ID
	Action    string
	Component string
	StartAt   *time.Time
	EndAt     *time.Time
	CursorID  snowflake.ID
	Limit     int
}
