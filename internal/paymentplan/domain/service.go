package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreatePlanRequest struct {
	AccountID      snowflake.ID `json:"account_id"`
	TotalAmount    int64        `json:"total_amount"`
	MonthlyPayment int64        `json:"monthly_payment,omitempty"`
	Term           int          `json:"term,omitempty"`
	StartDate      *time.Time   `json:"start_date,omitempty"`
	AutoPay        bool         `json:"auto_pay"`
}

// PostedPayment is a payment posted by billing against a plan.
type PostedPayment struct {
	PaymentID string
	PlanID    snowflake.ID
	Amount    int64
	Currency  string
	PostedAt  time.Time
}

type PostingResult struct {
	PlanID      snowflake.ID `json:"plan_id"`
	PaymentID   string       `json:"payment_id"`
	Applied     int64        `json:"applied"`
	Overpayment int64        `json:"overpayment"`
	Duplicate   bool         `json:"duplicate"`
	OutOfOrder  bool         `json:"out_of_order"`
	State       PlanState    `json:"state"`
}

type SweepResult struct {
	PlansChecked int
	Misses       int
	Defaulted    int
	Activated    int
}

//go:generate mockgen -source=service.go -destination=./mocks/mock_service.go -package=mocks
type Service interface {
	CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error)
	ApplyPayment(ctx context.Context, payment PostedPayment) (PostingResult, error)
	SweepMissedPayments(ctx context.Context, now time.Time) (SweepResult, error)
	CancelPlan(ctx context.Context, planID snowflake.ID, reason string) error
	UpdateAutoPay(ctx context.Context, planID snowflake.ID, enabled bool) error
	GetPlanState(ctx context.Context, planID snowflake.ID) (PlanState, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	Update(ctx context.Context, db *gorm.DB, plan *Plan, expectedVersion int64) (int64, error)
	HasOpenPlan(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (bool, error)
	FindPosting(ctx context.Context, db *gorm.DB, paymentID string) (*Posting, error)
	InsertPosting(ctx context.Context, db *gorm.DB, posting *Posting) (bool, error)
	// ListSweepCandidates returns ids of plans with a missed due date or a start date that has arrived.
	ListSweepCandidates(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}
