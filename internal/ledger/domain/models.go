package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ChargeLine is a billed service line owned by the billing subsystem. The engine only reads it.
type ChargeLine struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	AccountID         snowflake.ID `gorm:"not null;index"`
	ServiceDate       time.Time    `gorm:"not null"`
	OutstandingAmount int64        `gorm:"not null"`
	Description       string
	CreatedAt         time.Time
}

func (ChargeLine) TableName() string { return "ar_charge_lines" }

// Snapshot is one consistent read of an account's balance and outstanding lines.
type Snapshot struct {
	AccountID snowflake.ID
	Currency  string
	Balance   int64
	Lines     []ChargeLine
}
