package domain

import "github.com/smallbiznis/arengine/pkg/money"

// PostingOutcome is the effect of one payment on a plan.
type PostingOutcome struct {
	Applied             int64
	Overpayment         int64
	InstallmentsCovered int
	Completed           bool
}

// ApplyAmount applies amount to plan in place. Partial amounts accumulate in
// PartialCarry until they cover the current installment.
func ApplyAmount(plan *Plan, amount int64) PostingOutcome {
	var out PostingOutcome
	applied := money.Min(amount, plan.RemainingBalance)
	out.Applied = applied
	out.Overpayment = amount - applied

	plan.RemainingBalance -= applied
	plan.AmountApplied += applied
	plan.PartialCarry += applied

	for plan.PaymentsRemaining > 0 && plan.PartialCarry >= plan.InstallmentDue() {
		plan.PartialCarry -= plan.InstallmentDue()
		plan.PaymentsRemaining--
		out.InstallmentsCovered++
	}
	if out.InstallmentsCovered > 0 {
		// A missed period already moved the due date forward; catching up on it
		// must not move it again.
		if next := plan.Term - plan.PaymentsRemaining + 1; next > plan.PeriodIndex {
			plan.PeriodIndex = next
		}
		plan.NextPaymentDate = plan.DueDate(plan.PeriodIndex)
		plan.ConsecutiveMisses = 0
	}

	if plan.RemainingBalance == 0 {
		plan.Status = StatusCompleted
		plan.PaymentsRemaining = 0
		plan.PartialCarry = 0
		out.Completed = true
	} else if plan.Status == StatusPending {
		plan.Status = StatusActive
	}
	return out
}
