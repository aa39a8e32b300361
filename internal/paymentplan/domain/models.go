package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDefaulted Status = "defaulted"
	StatusCanceled  Status = "canceled"
)

// Terminal reports statuses that accept no further postings or edits.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDefaulted || s == StatusCanceled
}

// Plan is an amortization ledger for one account. All amounts are minor units.
type Plan struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID         snowflake.ID `gorm:"not null;index" json:"account_id"`
	Currency          string       `gorm:"not null" json:"currency"`
	TotalAmount       int64        `gorm:"not null" json:"total_amount"`
	MonthlyPayment    int64        `gorm:"not null" json:"monthly_payment"`
	FinalPayment      int64        `gorm:"not null" json:"final_payment"`
	Term              int          `gorm:"not null" json:"term"`
	RemainingBalance  int64        `gorm:"not null" json:"remaining_balance"`
	AmountApplied     int64        `gorm:"not null" json:"amount_applied"`
	PartialCarry      int64        `gorm:"not null" json:"partial_carry"`
	StartDate         time.Time    `gorm:"not null" json:"start_date"`
	PeriodIndex       int          `gorm:"not null" json:"period_index"`
	NextPaymentDate   time.Time    `gorm:"not null;index" json:"next_payment_date"`
	PaymentsRemaining int          `gorm:"not null" json:"payments_remaining"`
	AutoPay           bool         `gorm:"not null" json:"auto_pay"`
	Status            Status       `gorm:"not null;index" json:"status"`
	ConsecutiveMisses int          `gorm:"not null" json:"consecutive_misses"`
	LastMissedDueDate *time.Time   `json:"last_missed_due_date,omitempty"`
	LastPostedAt      *time.Time   `json:"last_posted_at,omitempty"`
	CancelReason      string       `json:"cancel_reason,omitempty"`
	Version           int64        `gorm:"not null" json:"version"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Plan) TableName() string { return "payment_plans" }

// InstallmentDue is the amount that completes the current installment.
func (p Plan) InstallmentDue() int64 {
	if p.PaymentsRemaining <= 1 {
		return p.FinalPayment
	}
	return p.MonthlyPayment
}

// Posting records one posted payment against a plan. PaymentID is unique.
type Posting struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	PaymentID   string       `gorm:"not null;uniqueIndex" json:"payment_id"`
	PlanID      snowflake.ID `gorm:"not null;index" json:"plan_id"`
	Amount      int64        `gorm:"not null" json:"amount"`
	Applied     int64        `gorm:"not null" json:"applied"`
	Overpayment int64        `gorm:"not null" json:"overpayment"`
	OutOfOrder  bool         `gorm:"not null" json:"out_of_order"`
	PostedAt    time.Time    `gorm:"not null" json:"posted_at"`
	CreatedAt   time.Time    `json:"created_at"`
}

func (Posting) TableName() string { return "payment_plan_postings" }

type PlanState struct {
	PlanID            snowflake.ID `json:"plan_id"`
	RemainingBalance  int64        `json:"remaining_balance"`
	PaymentsRemaining int          `json:"payments_remaining"`
	Status            Status       `json:"status"`
}

func (p Plan) State() PlanState {
	return PlanState{
		PlanID:            p.ID,
		RemainingBalance:  p.RemainingBalance,
		PaymentsRemaining: p.PaymentsRemaining,
		Status:            p.Status,
	}
}
