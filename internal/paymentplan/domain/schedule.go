package domain

import (
	"time"

	"github.com/smallbiznis/arengine/pkg/money"
)

// Schedule is a level-payment amortization; the final installment absorbs rounding.
type Schedule struct {
	Total   int64
	Monthly int64
	Final   int64
	Term    int
}

// BuildSchedule derives the missing side of a plan from total and exactly one of
// monthly or term. Monthly*(Term-1)+Final always equals Total.
func BuildSchedule(total, monthly int64, term int) (Schedule, error) {
	if total <= 0 {
		return Schedule{}, ErrInvalidAmount
	}
	switch {
	case monthly > 0 && term > 0:
		return Schedule{}, ErrInvalidSchedule
	case monthly > 0:
		if monthly > total {
			monthly = total
		}
	case term > 0:
		monthly = money.CeilDiv(total, int64(term))
	default:
		return Schedule{}, ErrInvalidSchedule
	}

	// term is recomputed from monthly so the final installment is never <= 0.
	n := money.CeilDiv(total, monthly)
	final := total - monthly*(n-1)
	return Schedule{Total: total, Monthly: monthly, Final: final, Term: int(n)}, nil
}

// AddMonths moves t by n calendar months keeping the day of month, clamped to
// the last day of shorter months.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// DueDate is the due date of the installment at period index i.
func (p Plan) DueDate(i int) time.Time {
	return AddMonths(p.StartDate, i)
}
