package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/aging"
	"github.com/smallbiznis/arengine/internal/config"
)

var legalEdges = map[Status]map[Status]struct{}{
	StatusNew:      {StatusActive: {}},
	StatusActive:   {StatusResolved: {}, StatusWrittenOff: {}, StatusLegal: {}},
	StatusResolved: {StatusActive: {}},
}

// Transition validates a status change. Identity transitions are legal no-ops.
func Transition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return &DataIntegrityError{
			Kind:   KindIllegalTransition,
			Detail: fmt.Sprintf("unknown status %q -> %q", from, to),
			Err:    ErrInvalidStatus,
		}
	}
	if from == to {
		return nil
	}
	if _, ok := legalEdges[from][to]; ok {
		return nil
	}
	return &DataIntegrityError{
		Kind:   KindIllegalTransition,
		Detail: fmt.Sprintf("%s -> %s is not a legal transition", from, to),
	}
}

type Thresholds struct {
	HighBalance         int64
	MediumBalance       int64
	HighScore           int64
	EscalationThreshold int64
}

func ThresholdsFromConfig(cfg config.CollectionsConfig) Thresholds {
	return Thresholds{
		HighBalance:         cfg.Priority.HighBalance,
		MediumBalance:       cfg.Priority.MediumBalance,
		HighScore:           cfg.Priority.HighScore,
		EscalationThreshold: cfg.EscalationThreshold,
	}
}

type DeriveInput struct {
	Account Account
	// Balance is the ledger balance read in the same unit of work as Buckets.
	Balance int64
	Buckets aging.Buckets
	// NewestLineID is the highest id among the outstanding charge lines, 0 when
	// there are none. Line ids are time ordered.
	NewestLineID snowflake.ID
	// Latest is the most recent activity not generated by the engine, if any.
	Latest *Activity
	AsOf   time.Time
}

type Decision struct {
	From                Status
	To                  Status
	Priority            Priority
	Score               int64
	Balance             int64
	Buckets             aging.Buckets
	NewestLineID        snowflake.ID
	OverThresholdCycles int
	Reason              string
}

func (d Decision) StatusChanged() bool { return d.From != d.To }

// Derive proposes the next status and priority. It only follows the automatic
// edges; written_off and legal are reached through rule actions.
func Derive(in DeriveInput, th Thresholds) Decision {
	acc := in.Account
	priority, score := ComputePriority(in.Balance, in.Buckets, th)
	d := Decision{
		From:                acc.Status,
		To:                  acc.Status,
		Priority:            priority,
		Score:               score,
		Balance:             in.Balance,
		Buckets:             in.Buckets,
		NewestLineID:        in.NewestLineID,
		OverThresholdCycles: NextOverThresholdCycles(acc, in.Buckets, in.AsOf, th.EscalationThreshold),
	}

	switch acc.Status {
	case StatusNew:
		if in.Buckets.PastDue() > 0 {
			d.To, d.Reason = StatusActive, "past_due_balance"
		}
	case StatusActive:
		switch {
		case in.Balance == 0:
			d.To, d.Reason = StatusResolved, "balance_cleared"
		case settledSinceLastChange(acc, in.Latest):
			d.To, d.Reason = StatusResolved, "settlement_recorded"
		}
	case StatusResolved:
		if in.Balance > 0 && in.NewestLineID > acc.ResolvedLineWatermark && !settledSinceLastChange(acc, in.Latest) {
			d.To, d.Reason = StatusActive, "new_charges"
		}
	}
	return d
}

func settledSinceLastChange(acc Account, latest *Activity) bool {
	if latest == nil || latest.Type != ActivitySettlement {
		return false
	}
	return acc.StatusChangedAt == nil || latest.OccurredAt.After(*acc.StatusChangedAt)
}

// ComputePriority weights older buckets more heavily. The score is in whole
// currency units: (b0_30*1 + b31_60*2 + b61_90*3 + b91*4) / 100.
func ComputePriority(balance int64, b aging.Buckets, th Thresholds) (Priority, int64) {
	score := (b.D0To30*1 + b.D31To60*2 + b.D61To90*3 + b.D91Plus*4) / 100
	switch {
	case balance >= th.HighBalance && th.HighBalance > 0:
		return PriorityHigh, score
	case b.D91Plus > 0 && score > th.HighScore:
		return PriorityHigh, score
	case balance >= th.MediumBalance && th.MediumBalance > 0:
		return PriorityMedium, score
	case b.PastDue() > 0:
		return PriorityMedium, score
	default:
		return PriorityLow, score
	}
}

// NextOverThresholdCycles advances the consecutive-cycle counter for the 91+
// bucket at or above the escalation threshold, once per evaluation instant.
// Re-evaluating at or before the last instant leaves it unchanged.
func NextOverThresholdCycles(acc Account, b aging.Buckets, asOf time.Time, threshold int64) int {
	if acc.LastEvaluatedAt != nil && !asOf.After(*acc.LastEvaluatedAt) {
		return acc.OverThresholdCycles
	}
	if b.D91Plus >= threshold && threshold > 0 {
		return acc.OverThresholdCycles + 1
	}
	return 0
}
