package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/arengine/internal/aging"
	"github.com/smallbiznis/arengine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	asOf       = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	thresholds = ThresholdsFromConfig(config.DefaultCollectionsConfig())
)

func TestLegalTransitions(t *testing.T) {
	legal := [][2]Status{
		{StatusNew, StatusActive},
		{StatusActive, StatusResolved},
		{StatusActive, StatusWrittenOff},
		{StatusActive, StatusLegal},
		{StatusResolved, StatusActive},
		{StatusActive, StatusActive},
	}
	for _, edge := range legal {
		assert.NoError(t, Transition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	all := []Status{StatusNew, StatusActive, StatusResolved, StatusWrittenOff, StatusLegal}
	allowed := map[[2]Status]bool{
		{StatusNew, StatusActive}:        true,
		{StatusActive, StatusResolved}:   true,
		{StatusActive, StatusWrittenOff}: true,
		{StatusActive, StatusLegal}:      true,
		{StatusResolved, StatusActive}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			if from == to || allowed[[2]Status{from, to}] {
				continue
			}
			err := Transition(from, to)
			var die *DataIntegrityError
			require.ErrorAs(t, err, &die, "%s -> %s", from, to)
			assert.Equal(t, KindIllegalTransition, die.Kind)
		}
	}

	err := Transition(StatusActive, Status("closed"))
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestDeriveNewBecomesActiveOnPastDue(t *testing.T) {
	d := Derive(DeriveInput{
		Account: Account{Status: StatusNew},
		Balance: 5000,
		Buckets: aging.Buckets{D31To60: 5000},
		AsOf:    asOf,
	}, thresholds)
	assert.Equal(t, StatusActive, d.To)
	assert.True(t, d.StatusChanged())

	d = Derive(DeriveInput{
		Account: Account{Status: StatusNew},
		Balance: 5000,
		Buckets: aging.Buckets{D0To30: 5000},
		AsOf:    asOf,
	}, thresholds)
	assert.Equal(t, StatusNew, d.To)
	assert.False(t, d.StatusChanged())
}

func TestDeriveActiveResolvesOnZeroBalanceOrSettlement(t *testing.T) {
	d := Derive(DeriveInput{Account: Account{Status: StatusActive}, AsOf: asOf}, thresholds)
	assert.Equal(t, StatusResolved, d.To)
	assert.Equal(t, "balance_cleared", d.Reason)

	changed := asOf.Add(-48 * time.Hour)
	settlement := &Activity{Type: ActivitySettlement, OccurredAt: asOf.Add(-time.Hour)}
	d = Derive(DeriveInput{
		Account: Account{Status: StatusActive, StatusChangedAt: &changed},
		Balance: 900,
		Buckets: aging.Buckets{D61To90: 900},
		Latest:  settlement,
		AsOf:    asOf,
	}, thresholds)
	assert.Equal(t, StatusResolved, d.To)
	assert.Equal(t, "settlement_recorded", d.Reason)

	// a settlement older than the last status change has already been consumed
	stale := &Activity{Type: ActivitySettlement, OccurredAt: changed.Add(-time.Hour)}
	d = Derive(DeriveInput{
		Account: Account{Status: StatusActive, StatusChangedAt: &changed},
		Balance: 900,
		Buckets: aging.Buckets{D61To90: 900},
		Latest:  stale,
		AsOf:    asOf,
	}, thresholds)
	assert.Equal(t, StatusActive, d.To)
}

func TestDeriveResolvedReopensOnNewCharges(t *testing.T) {
	acc := Account{Status: StatusResolved, ResolvedBalance: 200, NewestLineID: 40, ResolvedLineWatermark: 40}

	d := Derive(DeriveInput{Account: acc, Balance: 200, Buckets: aging.Buckets{D91Plus: 200}, NewestLineID: 40, AsOf: asOf}, thresholds)
	assert.Equal(t, StatusResolved, d.To)

	d = Derive(DeriveInput{Account: acc, Balance: 700, Buckets: aging.Buckets{D0To30: 500, D91Plus: 200}, NewestLineID: 41, AsOf: asOf}, thresholds)
	assert.Equal(t, StatusActive, d.To)
	assert.Equal(t, "new_charges", d.Reason)
	assert.EqualValues(t, 41, d.NewestLineID)
}

func TestDeriveResolvedReopensWhenBalanceBelowResolvedAmount(t *testing.T) {
	// settled at 500, then 200 of the old lines was paid and a 100 charge arrived
	acc := Account{Status: StatusResolved, ResolvedBalance: 500, NewestLineID: 40, ResolvedLineWatermark: 40}

	d := Derive(DeriveInput{Account: acc, Balance: 400, Buckets: aging.Buckets{D0To30: 100, D61To90: 300}, NewestLineID: 77, AsOf: asOf}, thresholds)
	assert.Equal(t, StatusActive, d.To)
	assert.Equal(t, "new_charges", d.Reason)
}

func TestDeriveResolvedIgnoresOldLinesGrowing(t *testing.T) {
	acc := Account{Status: StatusResolved, ResolvedBalance: 500, NewestLineID: 40, ResolvedLineWatermark: 40}

	d := Derive(DeriveInput{Account: acc, Balance: 900, Buckets: aging.Buckets{D91Plus: 900}, NewestLineID: 40, AsOf: asOf}, thresholds)
	assert.Equal(t, StatusResolved, d.To)

	// a settlement recorded after resolution keeps the account closed
	changed := asOf.Add(-48 * time.Hour)
	acc.StatusChangedAt = &changed
	settled := &Activity{Type: ActivitySettlement, OccurredAt: asOf.Add(-time.Hour)}
	d = Derive(DeriveInput{Account: acc, Balance: 300, Buckets: aging.Buckets{D0To30: 300}, NewestLineID: 90, Latest: settled, AsOf: asOf}, thresholds)
	assert.Equal(t, StatusResolved, d.To)
}

func TestDeriveNeverLeavesTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusWrittenOff, StatusLegal} {
		d := Derive(DeriveInput{Account: Account{Status: s}, Balance: 0, AsOf: asOf}, thresholds)
		assert.Equal(t, s, d.To)
	}
}

func TestComputePriority(t *testing.T) {
	p, score := ComputePriority(600_000, aging.Buckets{D0To30: 600_000}, thresholds)
	assert.Equal(t, PriorityHigh, p)
	assert.Equal(t, int64(6000), score)

	p, _ = ComputePriority(60_000, aging.Buckets{D91Plus: 60_000}, thresholds)
	assert.Equal(t, PriorityHigh, p, "score 2400 over 2000 with 91+ balance")

	p, _ = ComputePriority(40_000, aging.Buckets{D91Plus: 40_000}, thresholds)
	assert.Equal(t, PriorityMedium, p)

	p, _ = ComputePriority(150_000, aging.Buckets{D0To30: 150_000}, thresholds)
	assert.Equal(t, PriorityMedium, p)

	p, _ = ComputePriority(1_000, aging.Buckets{D0To30: 1_000}, thresholds)
	assert.Equal(t, PriorityLow, p)
}

func TestOverThresholdCyclesCountOncePerInstant(t *testing.T) {
	over := aging.Buckets{D91Plus: thresholds.EscalationThreshold + 1}
	acc := Account{}

	assert.Equal(t, 1, NextOverThresholdCycles(acc, over, asOf, thresholds.EscalationThreshold))

	last := asOf
	acc = Account{OverThresholdCycles: 1, LastEvaluatedAt: &last}
	assert.Equal(t, 1, NextOverThresholdCycles(acc, over, asOf, thresholds.EscalationThreshold))
	assert.Equal(t, 2, NextOverThresholdCycles(acc, over, asOf.Add(time.Hour), thresholds.EscalationThreshold))
	assert.Equal(t, 0, NextOverThresholdCycles(acc, aging.Buckets{}, asOf.Add(time.Hour), thresholds.EscalationThreshold))
}

func TestOverThresholdCyclesCountsExactThreshold(t *testing.T) {
	exact := aging.Buckets{D91Plus: thresholds.EscalationThreshold}
	acc := Account{}
	for i := 1; i <= 3; i++ {
		at := asOf.AddDate(0, 0, i)
		acc.OverThresholdCycles = NextOverThresholdCycles(acc, exact, at, thresholds.EscalationThreshold)
		acc.LastEvaluatedAt = &at
		assert.Equal(t, i, acc.OverThresholdCycles)
	}
}
