package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	auditrepo "github.com/smallbiznis/arengine/internal/audit/repository"
	auditservice "github.com/smallbiznis/arengine/internal/audit/service"
	"github.com/smallbiznis/arengine/internal/aging"
	"github.com/smallbiznis/arengine/internal/clock"
	"github.com/smallbiznis/arengine/internal/collection/domain"
	"github.com/smallbiznis/arengine/internal/collection/repository"
	"github.com/smallbiznis/arengine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var asOf = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	svc   domain.Service
	clock *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	conn := testutil.OpenDB(t)
	node := testutil.Node(t)
	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(asOf)

	audit := auditservice.NewService(auditservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Repo: auditrepo.Provide(),
	})
	svc := NewService(Params{
		DB:     conn,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Config: testutil.Config(t, nil),
		Repo:   repository.Provide(),
		Audit:  audit,
	})
	return fixture{db: conn, svc: svc, clock: fake}
}

func (f fixture) seed(t *testing.T, seed testutil.AccountSeed) *domain.Account {
	return testutil.SeedAccount(t, f.db, testutil.Node(t), asOf, seed)
}

func countAudits(t *testing.T, db *gorm.DB, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&auditdomain.Record{}).Where("action = ?", action).Count(&n).Error)
	return n
}

func TestApplyPersistsDecisionAndStatusChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seed(t, testutil.AccountSeed{Lines: []testutil.Line{{DaysOld: 45, Amount: 20_000}}})

	err := f.db.Transaction(func(tx *gorm.DB) error {
		locked, err := f.svc.LockAccount(ctx, tx, acc.ID)
		if err != nil {
			return err
		}
		decision := domain.Derive(domain.DeriveInput{
			Account: *locked,
			Balance: locked.Balance,
			Buckets: aging.Buckets{D31To60: 20_000},
			AsOf:    asOf,
		}, f.svc.Thresholds())
		return f.svc.Apply(ctx, tx, locked, decision, asOf)
	})
	require.NoError(t, err)

	state, err := f.svc.GetAccountState(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, state.Status)
	assert.Equal(t, domain.PriorityMedium, state.Priority)
	assert.Equal(t, int64(20_000), state.Buckets.D31To60)
	assert.Equal(t, state.Balance, state.Buckets.Total())

	activities, err := f.svc.ListActivities(ctx, acc.ID, 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, domain.ActivityStatusChange, activities[0].Type)
	assert.Equal(t, int64(1), countAudits(t, f.db, "collection.status_changed"))
}

func TestApplyDetectsStaleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seed(t, testutil.AccountSeed{Lines: []testutil.Line{{DaysOld: 5, Amount: 1_000}}})

	stale := *acc
	require.NoError(t, f.db.Model(&domain.Account{}).Where("id = ?", acc.ID).Update("version", 7).Error)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.Apply(ctx, tx, &stale, domain.Decision{
			From: stale.Status, To: stale.Status, Priority: domain.PriorityLow,
			Balance: 1_000, Buckets: aging.Buckets{D0To30: 1_000},
		}, asOf)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency_conflict")
}

func (f fixture) apply(t *testing.T, accountID snowflake.ID, decision domain.Decision, at time.Time) *domain.Account {
	t.Helper()
	var out *domain.Account
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		locked, err := f.svc.LockAccount(context.Background(), tx, accountID)
		if err != nil {
			return err
		}
		decision.From = locked.Status
		if err := f.svc.Apply(context.Background(), tx, locked, decision, at); err != nil {
			return err
		}
		out = locked
		return nil
	}))
	return out
}

func TestApplyRecordsAgingHistoryAndResolvedWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seed(t, testutil.AccountSeed{Status: domain.StatusActive, Lines: []testutil.Line{{DaysOld: 70, Amount: 300}}})
	next := asOf.AddDate(0, 0, 1)

	first := f.apply(t, acc.ID, domain.Decision{
		To: domain.StatusActive, Priority: domain.PriorityMedium,
		Balance: 300, Buckets: aging.Buckets{D61To90: 300}, NewestLineID: 10,
	}, asOf)
	assert.EqualValues(t, 10, first.NewestLineID)
	assert.Zero(t, first.ResolvedLineWatermark)

	resolved := f.apply(t, acc.ID, domain.Decision{
		To: domain.StatusResolved, Priority: domain.PriorityMedium,
		Balance: 300, Buckets: aging.Buckets{D61To90: 300}, NewestLineID: 10, Reason: "settlement_recorded",
	}, next)
	assert.Equal(t, domain.StatusResolved, resolved.Status)
	assert.EqualValues(t, 300, resolved.ResolvedBalance)
	assert.EqualValues(t, 10, resolved.ResolvedLineWatermark)

	// same instant again keeps the first split
	f.apply(t, acc.ID, domain.Decision{
		To: domain.StatusResolved, Priority: domain.PriorityLow,
		Balance: 300, Buckets: aging.Buckets{D91Plus: 300}, NewestLineID: 10,
	}, next)

	history, err := f.svc.AgingHistory(ctx, nil, acc.ID, next, 5)
	require.NoError(t, err)
	assert.Equal(t, []aging.Buckets{{D61To90: 300}, {D61To90: 300}}, history)

	history, err = f.svc.AgingHistory(ctx, nil, acc.ID, asOf, 5)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	history, err = f.svc.AgingHistory(ctx, nil, acc.ID, next, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	var stored domain.Account
	require.NoError(t, f.db.First(&stored, "id = ?", acc.ID).Error)
	assert.EqualValues(t, 10, stored.ResolvedLineWatermark)
	assert.EqualValues(t, 10, stored.NewestLineID)
}

func TestTransitionToRejectsIllegalEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seed(t, testutil.AccountSeed{Status: domain.StatusNew, Lines: []testutil.Line{{DaysOld: 100, Amount: 5_000}}})

	var changed bool
	var transitionErr error
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		locked, err := f.svc.LockAccount(ctx, tx, acc.ID)
		if err != nil {
			return err
		}
		changed, transitionErr = f.svc.TransitionTo(ctx, tx, locked, domain.StatusLegal, domain.TransitionCause{Reason: "test"}, asOf)
		return nil
	}))

	assert.False(t, changed)
	require.Error(t, transitionErr)
	assert.True(t, domain.IsDataIntegrity(transitionErr))
	assert.Contains(t, transitionErr.Error(), acc.ID.String())

	state, err := f.svc.GetAccountState(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, state.Status)
	assert.Equal(t, int64(1), countAudits(t, f.db, "collection.transition_rejected"))
}

func TestTransitionToLegalEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seed(t, testutil.AccountSeed{Status: domain.StatusActive, Lines: []testutil.Line{{DaysOld: 120, Amount: 5_000}}})

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		locked, err := f.svc.LockAccount(ctx, tx, acc.ID)
		if err != nil {
			return err
		}
		changed, err := f.svc.TransitionTo(ctx, tx, locked, domain.StatusWrittenOff, domain.TransitionCause{Reason: "uncollectable"}, asOf)
		assert.True(t, changed)
		return err
	}))

	state, err := f.svc.GetAccountState(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWrittenOff, state.Status)
}

func TestRecordActivityTouchesAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seed(t, testutil.AccountSeed{Status: domain.StatusActive, Lines: []testutil.Line{{DaysOld: 40, Amount: 5_000}}})

	call := &domain.Activity{AccountID: acc.ID, Type: domain.ActivityCall, OccurredAt: asOf.Add(-time.Hour), Outcome: "left voicemail"}
	require.NoError(t, f.svc.RecordActivity(ctx, nil, call))

	var reloaded domain.Account
	require.NoError(t, f.db.First(&reloaded, "id = ?", acc.ID).Error)
	assert.Equal(t, 1, reloaded.ContactAttempts)
	require.NotNil(t, reloaded.LastActivityAt)
	assert.True(t, reloaded.LastActivityAt.Equal(call.OccurredAt))

	latest, err := f.svc.LatestActivity(ctx, nil, acc.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, call.ID, latest.ID)

	assert.ErrorIs(t, f.svc.RecordActivity(ctx, nil, &domain.Activity{AccountID: acc.ID, Type: "fax"}), domain.ErrInvalidActivity)
}

func TestLatestActivityIgnoresEngineGenerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seed(t, testutil.AccountSeed{Status: domain.StatusActive, Lines: []testutil.Line{{DaysOld: 40, Amount: 5_000}}})

	letter := &domain.Activity{AccountID: acc.ID, Type: domain.ActivityLetter, OccurredAt: asOf.Add(-2 * time.Hour)}
	require.NoError(t, f.svc.RecordActivity(ctx, nil, letter))
	require.NoError(t, f.svc.RecordActivity(ctx, nil, &domain.Activity{AccountID: acc.ID, Type: domain.ActivityRuleAction, OccurredAt: asOf}))

	latest, err := f.svc.LatestActivity(ctx, nil, acc.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, letter.ID, latest.ID)
}

func TestRecordSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seed(t, testutil.AccountSeed{Status: domain.StatusActive, Lines: []testutil.Line{{DaysOld: 200, Amount: 50_000}}})

	_, err := f.svc.RecordSettlement(ctx, acc.ID, 0, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSettlement)

	activity, err := f.svc.RecordSettlement(ctx, acc.ID, 30_000, "agreed 60%")
	require.NoError(t, err)
	assert.Equal(t, domain.ActivitySettlement, activity.Type)
	assert.Equal(t, int64(1), countAudits(t, f.db, "collection.settlement_recorded"))

	_, err = f.svc.RecordSettlement(ctx, 12345, 100, "")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestGetAccountStateNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetAccountState(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}
