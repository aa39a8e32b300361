package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	"github.com/smallbiznis/arengine/internal/audit/repository"
	"github.com/smallbiznis/arengine/internal/clock"
	"github.com/smallbiznis/arengine/internal/testutil"
	"github.com/smallbiznis/arengine/pkg/db/pagination"
	"github.com/smallbiznis/arengine/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var start = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (auditdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	conn := testutil.OpenDB(t)
	fake := clock.NewFakeClock(start)
	svc := NewService(Params{
		DB:    conn,
		Log:   zaptest.NewLogger(t),
		GenID: testutil.Node(t),
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return svc, conn, fake
}

func TestRecordRequiresTransactionAndFields(t *testing.T) {
	svc, conn, _ := newService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Record(ctx, nil, auditdomain.Entry{Component: "c", Action: "a"}), auditdomain.ErrMissingTx)
	assert.ErrorIs(t, svc.Record(ctx, conn, auditdomain.Entry{Component: "c", Action: " "}), auditdomain.ErrInvalidAction)
	assert.ErrorIs(t, svc.Record(ctx, conn, auditdomain.Entry{Action: "a"}), auditdomain.ErrInvalidComponent)
}

func TestRecordRollsBackWithTransaction(t *testing.T) {
	svc, conn, _ := newService(t)
	ctx := context.Background()

	err := conn.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Record(ctx, tx, auditdomain.Entry{Component: "collection", Action: "collection.status_changed"}))
		return gorm.ErrInvalidTransaction
	})
	require.Error(t, err)

	resp, err := svc.List(ctx, auditdomain.ListRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Records)
}

func TestRecordSequencesUnitOfWorkAndMasksText(t *testing.T) {
	svc, conn, _ := newService(t)
	accountID := snowflake.ID(7)
	ctx := auditdomain.WithSequencer(correlation.ContextWithRunID(context.Background(), 99))

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		if err := svc.Record(ctx, tx, auditdomain.Entry{
			AccountID: accountID, Component: "collection", Action: "collection.status_changed",
			After: map[string]any{"status": "active", "note": "patient called about bill"},
		}); err != nil {
			return err
		}
		return svc.Record(ctx, tx, auditdomain.Entry{
			AccountID: accountID, Component: "rules", Action: "rule.action_emitted",
		})
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{AccountID: accountID})
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)

	// newest first
	emitted, changed := resp.Records[0], resp.Records[1]
	assert.EqualValues(t, 1, changed.Sequence)
	assert.EqualValues(t, 2, emitted.Sequence)
	require.NotNil(t, changed.RunID)
	assert.EqualValues(t, 99, *changed.RunID)
	assert.Equal(t, "unknown", changed.TargetType)
	assert.NotEmpty(t, changed.CorrelationID)
	assert.Equal(t, "active", changed.After["status"])
	assert.NotEqual(t, "patient called about bill", changed.After["note"])
}

func TestListFiltersAndPages(t *testing.T) {
	svc, conn, fake := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		action := "rule.action_emitted"
		if i%2 == 1 {
			action = "collection.status_changed"
		}
		require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
			return svc.Record(ctx, tx, auditdomain.Entry{AccountID: 1, Component: "engine", Action: action})
		}))
		fake.Advance(time.Hour)
	}

	byAction, err := svc.List(ctx, auditdomain.ListRequest{Action: "collection.status_changed"})
	require.NoError(t, err)
	assert.Len(t, byAction.Records, 2)

	from := start.Add(2 * time.Hour)
	to := start.Add(3 * time.Hour)
	byTime, err := svc.List(ctx, auditdomain.ListRequest{StartAt: &from, EndAt: &to})
	require.NoError(t, err)
	assert.Len(t, byTime.Records, 2)

	_, err = svc.List(ctx, auditdomain.ListRequest{StartAt: &to, EndAt: &from})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	page1, err := svc.List(ctx, auditdomain.ListRequest{Pagination: pagination.Pagination{PageSize: 3}})
	require.NoError(t, err)
	require.Len(t, page1.Records, 3)
	assert.True(t, page1.HasMore)

	page2, err := svc.List(ctx, auditdomain.ListRequest{Pagination: pagination.Pagination{PageSize: 3, PageToken: page1.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, page2.Records, 2)
	assert.False(t, page2.HasMore)
	assert.Less(t, page2.Records[0].ID, page1.Records[2].ID)

	_, err = svc.List(ctx, auditdomain.ListRequest{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
