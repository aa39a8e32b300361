package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	auditrepo "github.com/smallbiznis/arengine/internal/audit/repository"
	auditservice "github.com/smallbiznis/arengine/internal/audit/service"
	"github.com/smallbiznis/arengine/internal/clock"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
	collectionrepo "github.com/smallbiznis/arengine/internal/collection/repository"
	collectionservice "github.com/smallbiznis/arengine/internal/collection/service"
	"github.com/smallbiznis/arengine/internal/config"
	ledgerdomain "github.com/smallbiznis/arengine/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/arengine/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/arengine/internal/ledger/service"
	letterdomain "github.com/smallbiznis/arengine/internal/letterqueue/domain"
	letterrepo "github.com/smallbiznis/arengine/internal/letterqueue/repository"
	"github.com/smallbiznis/arengine/internal/orchestrator/domain"
	"github.com/smallbiznis/arengine/internal/orchestrator/repository"
	planrepo "github.com/smallbiznis/arengine/internal/paymentplan/repository"
	planservice "github.com/smallbiznis/arengine/internal/paymentplan/service"
	rulesdomain "github.com/smallbiznis/arengine/internal/rules/domain"
	rulesrepo "github.com/smallbiznis/arengine/internal/rules/repository"
	rulesservice "github.com/smallbiznis/arengine/internal/rules/service"
	"github.com/smallbiznis/arengine/internal/runlock"
	"github.com/smallbiznis/arengine/internal/testutil"
	"github.com/smallbiznis/arengine/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var asOf = time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	locker *runlock.LocalLocker
	params Params
	orch   *Orchestrator
}

// fixtureOptions swaps collaborators the orchestrator sees. The emitter and
// plan service always get the real ones.
type fixtureOptions struct {
	ledger     func(ledgerdomain.Reader) ledgerdomain.Reader
	collection func(collectiondomain.Service) collectiondomain.Service
	config     func(*config.CollectionsConfig)
}

func newFixture(t *testing.T, opts fixtureOptions) fixture {
	t.Helper()

	conn := testutil.OpenDB(t)
	node := testutil.Node(t)
	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(asOf)
	cfg := testutil.Config(t, func(c *config.CollectionsConfig) {
		c.Orchestrator.Workers = 4
		c.Orchestrator.BatchSize = 10
		c.Orchestrator.AccountTimeout = time.Minute
		if opts.config != nil {
			opts.config(c)
		}
	})

	audit := auditservice.NewService(auditservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Repo: auditrepo.Provide(),
	})
	collection := collectionservice.NewService(collectionservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Config: cfg,
		Repo:  collectionrepo.Provide(),
		Audit: audit,
	})
	var ledger ledgerdomain.Reader = ledgerservice.NewService(ledgerservice.Params{
		DB: conn, Log: log, Repo: ledgerrepo.Provide(),
	})
	if opts.ledger != nil {
		ledger = opts.ledger(ledger)
	}
	rulesRepo := rulesrepo.Provide()
	rules := rulesservice.NewService(rulesservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Repo: rulesRepo, Audit: audit,
	})
	emitter := rulesservice.NewEmitter(rulesservice.EmitterParams{
		Log: log, GenID: node, Clock: fake, Repo: rulesRepo,
		Letters:    letterrepo.Provide(),
		Collection: collection,
		Audit:      audit,
	})
	plans := planservice.NewService(planservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Config: cfg,
		Repo:       planrepo.Provide(),
		Ledger:     ledger,
		Collection: collection,
		Audit:      audit,
	})

	var orchCollection collectiondomain.Service = collection
	if opts.collection != nil {
		orchCollection = opts.collection(collection)
	}

	locker := runlock.NewLocalLocker()
	params := Params{
		DB:         conn,
		Log:        log,
		GenID:      node,
		Clock:      fake,
		Config:     cfg,
		Locker:     locker,
		Repo:       repository.Provide(),
		Ledger:     ledger,
		Collection: orchCollection,
		Rules:      rules,
		Emitter:    emitter,
		Plans:      plans,
		Audit:      audit,
	}
	orch, err := New(params)
	require.NoError(t, err)

	_, err = rules.CreateRule(context.Background(), rulesdomain.CreateRuleRequest{
		Name:     "Statement reminder",
		Category: rulesdomain.CategoryLetter,
		Trigger:  map[string]any{"kind": "min_bucket", "bucket": "31_60", "min_amount": 1},
		Action:   map[string]any{"type": "queue_letter", "template": "statement_reminder"},
	})
	require.NoError(t, err)

	return fixture{db: conn, node: node, locker: locker, params: params, orch: orch}
}

func (f fixture) seedAccounts(t *testing.T, n int) []snowflake.ID {
	t.Helper()
	ids := make([]snowflake.ID, 0, n)
	for i := 0; i < n; i++ {
		account := testutil.SeedAccount(t, f.db, f.node, asOf, testutil.AccountSeed{
			Lines: []testutil.Line{{DaysOld: 45, Amount: 12_500}},
		})
		ids = append(ids, account.ID)
	}
	return ids
}

func (f fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func TestRunBatchIsIdempotentForSameAsOf(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ids := f.seedAccounts(t, 12)
	ctx := context.Background()

	first, err := f.orch.RunBatch(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, first.Status)
	assert.Equal(t, 12, first.AccountsProcessed)
	assert.Equal(t, 12, first.ActionsEmitted)
	assert.Zero(t, first.DuplicateActions)

	letters := f.count(t, &letterdomain.Entry{}, "")
	activities := f.count(t, &collectiondomain.Activity{}, "")
	require.EqualValues(t, 12, letters)

	second, err := f.orch.RunBatch(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, second.Status)
	assert.Equal(t, 12, second.AccountsProcessed)
	assert.Zero(t, second.ActionsEmitted)
	assert.Equal(t, 12, second.DuplicateActions)

	assert.Equal(t, letters, f.count(t, &letterdomain.Entry{}, ""))
	assert.Equal(t, activities, f.count(t, &collectiondomain.Activity{}, ""))

	var account collectiondomain.Account
	require.NoError(t, f.db.First(&account, "id = ?", ids[0]).Error)
	assert.Equal(t, collectiondomain.StatusActive, account.Status)
	assert.EqualValues(t, 12_500, account.Bucket31To60)

	var runs []domain.BatchRun
	require.NoError(t, f.db.Order("id").Find(&runs).Error)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.RunCompleted, runs[1].Status)
	assert.Equal(t, 12, runs[1].AccountsProcessed)
	assert.NotNil(t, runs[1].FinishedAt)
	assert.EqualValues(t, 2, f.count(t, &auditdomain.Record{}, "action = ?", "batch_run.completed"))
}

// cancelingReader cancels the run once enumeration has handed out stopAfter ids.
type cancelingReader struct {
	ledgerdomain.Reader

	mu        sync.Mutex
	handed    int
	stopAfter int
	cancel    context.CancelFunc
}

func (r *cancelingReader) ListAccountIDs(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil && r.handed >= r.stopAfter {
		r.cancel()
		r.cancel = nil
		return nil, ctx.Err()
	}
	ids, err := r.Reader.ListAccountIDs(ctx, afterID, limit)
	r.handed += len(ids)
	return ids, err
}

func TestRunBatchResumesAfterInterruption(t *testing.T) {
	reader := &cancelingReader{stopAfter: 50}
	f := newFixture(t, fixtureOptions{ledger: func(inner ledgerdomain.Reader) ledgerdomain.Reader {
		reader.Reader = inner
		return reader
	}})
	ids := f.seedAccounts(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader.cancel = cancel

	interrupted, err := f.orch.RunBatch(ctx, asOf)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunCanceled, interrupted.Status)
	assert.Equal(t, 50, interrupted.AccountsProcessed)
	assert.Equal(t, 50, interrupted.ActionsEmitted)
	assert.EqualValues(t, 50, f.count(t, &letterdomain.Entry{}, ""))

	resumed, err := f.orch.RunBatch(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, resumed.Status)
	assert.Equal(t, 100, resumed.AccountsProcessed)
	assert.Equal(t, 50, resumed.ActionsEmitted)
	assert.Equal(t, 50, resumed.DuplicateActions)

	for _, id := range ids {
		assert.EqualValues(t, 1, f.count(t, &letterdomain.Entry{}, "account_id = ?", id), "account %s", id)
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	healthy := f.seedAccounts(t, 5)
	broken := testutil.SeedAccount(t, f.db, f.node, asOf, testutil.AccountSeed{
		Lines:   []testutil.Line{{DaysOld: 45, Amount: 1_000}},
		Balance: testutil.Int64(5_000),
	})
	require.NoError(t, f.db.Create(&rulesdomain.Rule{
		ID:        f.node.Generate(),
		Name:      "Broken trigger",
		Category:  rulesdomain.CategoryTask,
		Trigger:   datatypes.JSON(`{"kind":"no_such_kind"}`),
		Action:    datatypes.JSON(`{"type":"create_task","due_in_days":1}`),
		Active:    true,
		CreatedAt: asOf,
		UpdatedAt: asOf,
	}).Error)

	report, err := f.orch.RunBatch(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompletedWithErrors, report.Status)
	assert.Equal(t, 1, report.RuleErrors)
	assert.Equal(t, 1, report.AccountsSkipped)
	assert.Equal(t, 5, report.AccountsProcessed)
	assert.Equal(t, 5, report.ActionsEmitted)
	assert.Zero(t, report.AccountsFailed)

	var sampled bool
	for _, e := range report.Errors {
		if e.AccountID == broken.ID {
			sampled = true
			assert.Equal(t, domain.OutcomeSkipped, e.Outcome)
		}
	}
	assert.True(t, sampled)

	var account collectiondomain.Account
	require.NoError(t, f.db.First(&account, "id = ?", broken.ID).Error)
	assert.Equal(t, collectiondomain.StatusNew, account.Status)
	assert.Zero(t, f.count(t, &letterdomain.Entry{}, "account_id = ?", broken.ID))
	assert.EqualValues(t, 1, f.count(t, &auditdomain.Record{},
		"action = ? AND target_id = ?", "collection.integrity_violation", broken.ID.String()))

	for _, id := range healthy {
		require.NoError(t, f.db.First(&account, "id = ?", id).Error)
		assert.Equal(t, collectiondomain.StatusActive, account.Status)
	}
}

func TestRunBatchRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	token, ok, err := f.locker.TryLock(ctx, runLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.orch.RunBatch(ctx, asOf)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	require.NoError(t, f.locker.Release(ctx, runLockKey, token))
	report, err := f.orch.RunBatch(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.Zero(t, report.AccountsProcessed)
}

func TestRunBatchValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, err := f.orch.RunBatch(context.Background(), time.Time{})
	assert.ErrorIs(t, err, domain.ErrInvalidAsOf)

	p := f.params
	p.Ledger = nil
	_, err = New(p)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// stallingReader blocks reading one account until its unit gives up.
type stallingReader struct {
	ledgerdomain.Reader
	stall snowflake.ID
}

func (r *stallingReader) ReadAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (ledgerdomain.Snapshot, error) {
	if accountID == r.stall {
		<-ctx.Done()
		return ledgerdomain.Snapshot{}, ctx.Err()
	}
	return r.Reader.ReadAccount(ctx, db, accountID)
}

func TestRunBatchTimesOutSlowAccount(t *testing.T) {
	reader := &stallingReader{}
	f := newFixture(t, fixtureOptions{
		ledger: func(inner ledgerdomain.Reader) ledgerdomain.Reader {
			reader.Reader = inner
			return reader
		},
		config: func(c *config.CollectionsConfig) {
			c.Orchestrator.Workers = 1
			c.Orchestrator.AccountTimeout = 200 * time.Millisecond
		},
	})
	ids := f.seedAccounts(t, 4)
	reader.stall = ids[1]

	report, err := f.orch.RunBatch(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompletedWithErrors, report.Status)
	assert.Equal(t, 1, report.AccountsTimedOut)
	assert.Equal(t, 3, report.AccountsProcessed)
	assert.Zero(t, report.AccountsFailed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, ids[1], report.Errors[0].AccountID)
	assert.Equal(t, domain.OutcomeTimedOut, report.Errors[0].Outcome)

	var slow collectiondomain.Account
	require.NoError(t, f.db.First(&slow, "id = ?", ids[1]).Error)
	assert.Equal(t, collectiondomain.StatusNew, slow.Status, "timed out unit rolls back")
	assert.Zero(t, f.count(t, &letterdomain.Entry{}, "account_id = ?", ids[1]))

	var run domain.BatchRun
	require.NoError(t, f.db.First(&run, "id = ?", report.RunID).Error)
	assert.Equal(t, 1, run.AccountsTimedOut)
}

// failingReader fails enumeration, or the read of one account.
type failingReader struct {
	ledgerdomain.Reader
	listErr error
	readErr map[snowflake.ID]error
}

func (r *failingReader) ListAccountIDs(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.Reader.ListAccountIDs(ctx, afterID, limit)
}

func (r *failingReader) ReadAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (ledgerdomain.Snapshot, error) {
	if err, ok := r.readErr[accountID]; ok {
		return ledgerdomain.Snapshot{}, err
	}
	return r.Reader.ReadAccount(ctx, db, accountID)
}

func TestRunBatchFailsWhenEnumerationFails(t *testing.T) {
	unavailable := errors.New("billing store unavailable")
	reader := &failingReader{listErr: unavailable}
	f := newFixture(t, fixtureOptions{ledger: func(inner ledgerdomain.Reader) ledgerdomain.Reader {
		reader.Reader = inner
		return reader
	}})
	f.seedAccounts(t, 3)

	report, err := f.orch.RunBatch(context.Background(), asOf)
	require.ErrorIs(t, err, unavailable)
	assert.Equal(t, domain.RunFailed, report.Status)
	assert.Zero(t, report.AccountsProcessed)

	var run domain.BatchRun
	require.NoError(t, f.db.First(&run, "id = ?", report.RunID).Error)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Zero(t, f.count(t, &auditdomain.Record{}, "action = ?", "batch_run.completed"))

	// the failed run does not hold the lock
	reader.listErr = nil
	next, err := f.orch.RunBatch(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, 3, next.AccountsProcessed)
}

func TestRunBatchCountsReadErrorAsFailed(t *testing.T) {
	reader := &failingReader{}
	f := newFixture(t, fixtureOptions{ledger: func(inner ledgerdomain.Reader) ledgerdomain.Reader {
		reader.Reader = inner
		return reader
	}})
	ids := f.seedAccounts(t, 4)
	reader.readErr = map[snowflake.ID]error{
		ids[2]: &ledgerdomain.ExternalReadError{Op: "read_account", Err: errors.New("connection reset")},
	}

	report, err := f.orch.RunBatch(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompletedWithErrors, report.Status)
	assert.Equal(t, 1, report.AccountsFailed)
	assert.Equal(t, 3, report.AccountsProcessed)
	assert.Equal(t, 3, report.ActionsEmitted)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, ids[2], report.Errors[0].AccountID)
	assert.Equal(t, domain.OutcomeFailed, report.Errors[0].Outcome)
	assert.Zero(t, f.count(t, &letterdomain.Entry{}, "account_id = ?", ids[2]))
}

// conflictingCollection reports a version conflict on the first failures
// Apply calls for one account.
type conflictingCollection struct {
	collectiondomain.Service
	account  snowflake.ID
	failures int32
	calls    atomic.Int32
}

func (c *conflictingCollection) Apply(ctx context.Context, tx *gorm.DB, account *collectiondomain.Account, decision collectiondomain.Decision, asOf time.Time) error {
	if account.ID == c.account && c.calls.Add(1) <= c.failures {
		return &db.ConcurrencyConflict{Entity: "ar_account", ID: int64(account.ID)}
	}
	return c.Service.Apply(ctx, tx, account, decision, asOf)
}

func TestRunBatchRetriesConcurrencyConflictOnce(t *testing.T) {
	cases := []struct {
		name      string
		failures  int32
		processed int
		failed    int
	}{
		{name: "recovers on retry", failures: 1, processed: 3, failed: 0},
		{name: "fails after retry", failures: 5, processed: 2, failed: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conflicts := &conflictingCollection{failures: tc.failures}
			f := newFixture(t, fixtureOptions{collection: func(inner collectiondomain.Service) collectiondomain.Service {
				conflicts.Service = inner
				return conflicts
			}})
			ids := f.seedAccounts(t, 3)
			conflicts.account = ids[0]

			report, err := f.orch.RunBatch(context.Background(), asOf)
			require.NoError(t, err)
			assert.Equal(t, tc.processed, report.AccountsProcessed)
			assert.Equal(t, tc.failed, report.AccountsFailed)
			assert.EqualValues(t, min(tc.failures+1, 2), conflicts.calls.Load())
			if tc.failed > 0 {
				assert.Equal(t, domain.RunCompletedWithErrors, report.Status)
				require.Len(t, report.Errors, 1)
				assert.Equal(t, domain.OutcomeFailed, report.Errors[0].Outcome)
			} else {
				assert.Equal(t, domain.RunCompleted, report.Status)
			}
		})
	}
}

func TestRunBatchEscalatesOnConsecutiveBucketCycles(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	_, err := f.params.Rules.CreateRule(ctx, rulesdomain.CreateRuleRequest{
		Name:     "Aged 61-90 follow up",
		Category: rulesdomain.CategoryTask,
		Trigger:  map[string]any{"kind": "consecutive_over_threshold", "bucket": "61_90", "min_amount": 500, "cycles": 2},
		Action:   map[string]any{"type": "create_task", "due_in_days": 3},
	})
	require.NoError(t, err)
	account := testutil.SeedAccount(t, f.db, f.node, asOf, testutil.AccountSeed{
		Lines: []testutil.Line{{DaysOld: 70, Amount: 50_000}},
	})

	first, err := f.orch.RunBatch(ctx, asOf)
	require.NoError(t, err)
	assert.Zero(t, first.ActionsEmitted)
	assert.Zero(t, f.count(t, &rulesdomain.Task{}, "account_id = ?", account.ID))

	second, err := f.orch.RunBatch(ctx, asOf.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, second.ActionsEmitted)
	assert.EqualValues(t, 1, f.count(t, &rulesdomain.Task{}, "account_id = ?", account.ID))
	assert.EqualValues(t, 2, f.count(t, &collectiondomain.AgingSnapshot{}, "account_id = ?", account.ID))
}
