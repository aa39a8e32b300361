package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScheduleFromMonthly(t *testing.T) {
	s, err := BuildSchedule(120_000, 10_000, 0)
	require.NoError(t, err)
	assert.Equal(t, Schedule{Total: 120_000, Monthly: 10_000, Final: 10_000, Term: 12}, s)

	s, err = BuildSchedule(100_000, 30_000, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Term)
	assert.Equal(t, int64(10_000), s.Final)
}

func TestBuildScheduleFromTerm(t *testing.T) {
	s, err := BuildSchedule(100_000, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(33_334), s.Monthly)
	assert.Equal(t, int64(33_332), s.Final)
	assert.Equal(t, 3, s.Term)
}

func TestBuildScheduleSumsToTotal(t *testing.T) {
	for total := int64(1); total <= 2_000; total += 37 {
		for term := 1; term <= 24; term++ {
			s, err := BuildSchedule(total, 0, term)
			require.NoError(t, err)
			assert.Equal(t, total, s.Monthly*int64(s.Term-1)+s.Final, "total=%d term=%d", total, term)
			assert.Positive(t, s.Final)
			assert.LessOrEqual(t, s.Final, s.Monthly)
		}
	}
}

func TestBuildScheduleRejects(t *testing.T) {
	_, err := BuildSchedule(0, 100, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = BuildSchedule(100, 10, 10)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = BuildSchedule(100, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestAddMonthsClampsDay(t *testing.T) {
	jan31 := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC), AddMonths(jan31, 1))
	assert.Equal(t, time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC), AddMonths(jan31, 2))
	assert.Equal(t, time.Date(2027, 1, 31, 9, 0, 0, 0, time.UTC), AddMonths(jan31, 12))
}

func newPlan(total, monthly int64) *Plan {
	s, _ := BuildSchedule(total, monthly, 0)
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	return &Plan{
		TotalAmount:       s.Total,
		MonthlyPayment:    s.Monthly,
		FinalPayment:      s.Final,
		Term:              s.Term,
		RemainingBalance:  s.Total,
		StartDate:         start,
		PeriodIndex:       1,
		NextPaymentDate:   AddMonths(start, 1),
		PaymentsRemaining: s.Term,
		Status:            StatusActive,
	}
}

func TestApplyAmountTwelveInstallments(t *testing.T) {
	plan := newPlan(120_000, 10_000)

	for i := 0; i < 11; i++ {
		out := ApplyAmount(plan, 10_000)
		assert.Equal(t, 1, out.InstallmentsCovered)
		assert.Equal(t, plan.TotalAmount, plan.RemainingBalance+plan.AmountApplied)
	}
	assert.Equal(t, int64(10_000), plan.RemainingBalance)
	assert.Equal(t, 1, plan.PaymentsRemaining)
	assert.Equal(t, StatusActive, plan.Status)
	assert.Equal(t, AddMonths(plan.StartDate, 12), plan.NextPaymentDate)

	out := ApplyAmount(plan, 10_000)
	assert.True(t, out.Completed)
	assert.Zero(t, plan.RemainingBalance)
	assert.Zero(t, plan.PaymentsRemaining)
	assert.Equal(t, StatusCompleted, plan.Status)
}

func TestApplyAmountPartialAccumulates(t *testing.T) {
	plan := newPlan(120_000, 10_000)

	out := ApplyAmount(plan, 4_000)
	assert.Zero(t, out.InstallmentsCovered)
	assert.Equal(t, 12, plan.PaymentsRemaining)
	assert.Equal(t, int64(116_000), plan.RemainingBalance)

	out = ApplyAmount(plan, 7_000)
	assert.Equal(t, 1, out.InstallmentsCovered)
	assert.Equal(t, 11, plan.PaymentsRemaining)
	assert.Equal(t, int64(1_000), plan.PartialCarry)
}

func TestApplyAmountOverpayment(t *testing.T) {
	plan := newPlan(30_000, 10_000)

	out := ApplyAmount(plan, 25_000)
	assert.Equal(t, 2, out.InstallmentsCovered)
	assert.Equal(t, 1, plan.PaymentsRemaining)
	assert.Equal(t, AddMonths(plan.StartDate, 3), plan.NextPaymentDate)

	out = ApplyAmount(plan, 9_000)
	assert.True(t, out.Completed)
	assert.Equal(t, int64(5_000), out.Applied)
	assert.Equal(t, int64(4_000), out.Overpayment)
	assert.Equal(t, plan.TotalAmount, plan.AmountApplied)
}

func TestApplyAmountCatchUpKeepsAdvancedDueDate(t *testing.T) {
	plan := newPlan(120_000, 10_000)
	// One missed period already moved the plan to period 2.
	plan.PeriodIndex = 2
	plan.NextPaymentDate = plan.DueDate(2)
	plan.ConsecutiveMisses = 1

	ApplyAmount(plan, 10_000)
	assert.Equal(t, 2, plan.PeriodIndex)
	assert.Equal(t, plan.DueDate(2), plan.NextPaymentDate)
	assert.Zero(t, plan.ConsecutiveMisses)
}

func TestApplyAmountActivatesPendingPlan(t *testing.T) {
	plan := newPlan(30_000, 10_000)
	plan.Status = StatusPending
	ApplyAmount(plan, 1_000)
	assert.Equal(t, StatusActive, plan.Status)
}
