package domain

import "errors"

var (
	ErrPlanNotFound       = errors.New("plan_not_found")
	ErrPlanNotActive      = errors.New("plan_not_active")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidSchedule    = errors.New("invalid_schedule")
	ErrInvalidPaymentID   = errors.New("invalid_payment_id")
	ErrInvalidPostedAt    = errors.New("invalid_posted_at")
	ErrPlanExceedsBalance = errors.New("plan_exceeds_balance")
	ErrCurrencyMismatch   = errors.New("currency_mismatch")
	ErrActivePlanExists   = errors.New("active_plan_exists")
)
