package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/aging"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	"github.com/smallbiznis/arengine/internal/clock"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
	"github.com/smallbiznis/arengine/internal/config"
	ledgerdomain "github.com/smallbiznis/arengine/internal/ledger/domain"
	obslogger "github.com/smallbiznis/arengine/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/arengine/internal/observability/metrics"
	"github.com/smallbiznis/arengine/internal/observability/tracing"
	"github.com/smallbiznis/arengine/internal/orchestrator/domain"
	plandomain "github.com/smallbiznis/arengine/internal/paymentplan/domain"
	rulesdomain "github.com/smallbiznis/arengine/internal/rules/domain"
	"github.com/smallbiznis/arengine/internal/runlock"
	"github.com/smallbiznis/arengine/pkg/db"
	"github.com/smallbiznis/arengine/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const runLockKey = "arengine:batch_run"

var ErrInvalidConfig = errors.New("invalid_orchestrator_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AppConfig  config.Config
	Config     *config.CollectionsConfigHolder
	Locker     runlock.Locker
	Repo       domain.Repository
	Ledger     ledgerdomain.Reader
	Collection collectiondomain.Service
	Rules      rulesdomain.Service
	Emitter    rulesdomain.Emitter
	Plans      plandomain.Service
	Audit      auditdomain.Recorder
}

type Orchestrator struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        *config.CollectionsConfigHolder
	lockTTL    time.Duration
	locker     runlock.Locker
	repo       domain.Repository
	ledger     ledgerdomain.Reader
	collection collectiondomain.Service
	rules      rulesdomain.Service
	emitter    rulesdomain.Emitter
	plans      plandomain.Service
	audit      auditdomain.Recorder
	metrics    *obsmetrics.EngineMetrics
}

type unitResult struct {
	emitted    int
	duplicates int
	ruleErrors []*rulesdomain.RuleEvaluationError
	rejected   []error
}

func New(p Params) (*Orchestrator, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Config == nil ||
		p.Locker == nil || p.Ledger == nil || p.Collection == nil || p.Rules == nil ||
		p.Emitter == nil || p.Plans == nil || p.Audit == nil || p.Repo == nil {
		return nil, ErrInvalidConfig
	}
	lockTTL := p.AppConfig.RunLockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Orchestrator{
		db:         p.DB,
		log:        p.Log.Named("orchestrator").With(zap.String("component", "orchestrator")),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		lockTTL:    lockTTL,
		locker:     p.Locker,
		repo:       p.Repo,
		ledger:     p.Ledger,
		collection: p.Collection,
		rules:      p.Rules,
		emitter:    p.Emitter,
		plans:      p.Plans,
		audit:      p.Audit,
		metrics:    obsmetrics.Engine(),
	}, nil
}

// RunBatch evaluates every account as of asOf. Each account is its own unit of
// work; failures are isolated and reported, never propagated to other accounts.
func (o *Orchestrator) RunBatch(parent context.Context, asOf time.Time) (domain.RunReport, error) {
	if asOf.IsZero() {
		return domain.RunReport{}, domain.ErrInvalidAsOf
	}
	asOf = asOf.UTC()
	cfg := o.cfg.Get()
	orch := cfg.Orchestrator
	classifier, err := aging.NewClassifier(cfg.AgingBuckets)
	if err != nil {
		return domain.RunReport{}, err
	}
	token, acquired, err := o.locker.TryLock(parent, runLockKey, o.lockTTL)
	if err != nil {
		return domain.RunReport{}, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return domain.RunReport{}, domain.ErrRunInProgress
	}
	defer func() {
		if err := o.locker.Release(context.WithoutCancel(parent), runLockKey, token); err != nil {
			o.log.Warn("orchestrator.lock.release_failed", zap.Error(err))
		}
	}()

	start := time.Now()
	now := o.clock.Now().UTC()
	run := &domain.BatchRun{
		ID:        o.genID.Generate(),
		AsOf:      asOf,
		Status:    domain.RunScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.Insert(parent, o.db, run); err != nil {
		return domain.RunReport{}, err
	}

	ctx := correlation.ContextWithRunID(parent, int64(run.ID))
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	ctx, span := tracing.Start(ctx, "orchestrator.run_batch",
		attribute.String("run_id", run.ID.String()),
		attribute.String("as_of", asOf.Format(time.RFC3339)),
	)
	log := obslogger.WithContext(ctx, o.log)

	run.Status = domain.RunRunning
	run.StartedAt = &now
	if err := o.repo.Update(ctx, o.db, run); err != nil {
		tracing.End(span, err)
		return domain.RunReport{}, err
	}
	log.Info("orchestrator.run.start", zap.Time("as_of", asOf))

	collector := newReportCollector(domain.RunReport{RunID: run.ID, AsOf: asOf}, orch.MaxErrorSamples)

	rules, err := o.rules.LoadActive(ctx)
	if err != nil {
		report, finishErr := o.fail(ctx, run, collector, err)
		tracing.End(span, err)
		return report, errors.Join(err, finishErr)
	}
	rules, compileErrs := compileRules(rules)
	if len(compileErrs) > 0 {
		collector.ruleErrors(compileErrs)
		for _, cerr := range compileErrs {
			log.Warn("orchestrator.rule.invalid", zap.Error(cerr))
		}
	}
	thresholdsCfg := o.collection.Thresholds()
	historyDepth := rulesdomain.HistoryDepth(rules)

	var afterID snowflake.ID
	for {
		if ctx.Err() != nil {
			break
		}
		ids, err := o.ledger.ListAccountIDs(ctx, afterID, orch.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			report, finishErr := o.fail(ctx, run, collector, err)
			tracing.End(span, err)
			return report, errors.Join(err, finishErr)
		}
		if len(ids) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(orch.Workers)
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			accountID := id
			g.Go(func() error {
				o.processAccount(ctx, accountID, unitInput{
					asOf:         asOf,
					classifier:   classifier,
					rules:        rules,
					historyDepth: historyDepth,
					thresholds:   thresholdsCfg,
					timeout:      orch.AccountTimeout,
				}, collector)
				return nil
			})
		}
		_ = g.Wait()

		if len(ids) < orch.BatchSize {
			break
		}
		afterID = ids[len(ids)-1]
	}

	report := collector.snapshot()
	switch {
	case ctx.Err() != nil:
		report.Status = domain.RunCanceled
	case report.HasErrors():
		report.Status = domain.RunCompletedWithErrors
	default:
		report.Status = domain.RunCompleted
	}

	finishErr := o.finish(context.WithoutCancel(ctx), run, report)
	duration := time.Since(start)
	o.metrics.IncBatchRun(string(report.Status))
	o.metrics.ObserveBatchDuration(duration)
	log.Info("orchestrator.run.finish",
		zap.String("status", string(report.Status)),
		zap.Int("processed", report.AccountsProcessed),
		zap.Int("failed", report.AccountsFailed),
		zap.Int("timed_out", report.AccountsTimedOut),
		zap.Int("skipped", report.AccountsSkipped),
		zap.Int("actions_emitted", report.ActionsEmitted),
		zap.Int("rule_errors", report.RuleErrors),
		zap.Duration("duration", duration),
	)
	tracing.End(span, finishErr)
	if finishErr != nil {
		return report, finishErr
	}
	if report.Status == domain.RunCanceled {
		return report, ctx.Err()
	}
	return report, nil
}

type unitInput struct {
	asOf         time.Time
	classifier   *aging.Classifier
	rules        []rulesdomain.Rule
	historyDepth int
	thresholds   collectiondomain.Thresholds
	timeout      time.Duration
}

func (o *Orchestrator) processAccount(ctx context.Context, accountID snowflake.ID, in unitInput, collector *reportCollector) {
	start := time.Now()
	log := obslogger.WithAccount(obslogger.WithContext(ctx, o.log), int64(accountID))

	var (
		res      unitResult
		err      error
		timedOut bool
	)
	for attempt := 0; attempt < 2; attempt++ {
		unitCtx, cancel := context.WithTimeout(ctx, in.timeout)
		unitCtx = auditdomain.WithSequencer(unitCtx)
		unitCtx, span := tracing.Start(unitCtx, "orchestrator.account",
			attribute.String("account_id", accountID.String()),
			attribute.Int("attempt", attempt),
		)
		res, err = o.evaluateAccount(unitCtx, accountID, in)
		timedOut = errors.Is(unitCtx.Err(), context.DeadlineExceeded)
		tracing.End(span, err)
		cancel()

		if err == nil || !db.IsConcurrencyConflict(err) {
			break
		}
		log.Info("orchestrator.account.retry", zap.Error(err))
	}

	outcome := domain.OutcomeProcessed
	switch {
	case err == nil:
		collector.processed(res)
		for _, rerr := range res.ruleErrors {
			log.Warn("orchestrator.rule.failed", zap.Error(rerr))
		}
	case timedOut:
		outcome = domain.OutcomeTimedOut
	case ctx.Err() != nil:
		outcome = domain.OutcomeCanceled
	case collectiondomain.IsDataIntegrity(err):
		outcome = domain.OutcomeSkipped
		o.recordIntegrityViolation(ctx, accountID, err)
	case errors.Is(err, ledgerdomain.ErrAccountNotFound), errors.Is(err, collectiondomain.ErrAccountNotFound):
		outcome = domain.OutcomeSkipped
	default:
		outcome = domain.OutcomeFailed
	}
	o.metrics.IncAccountOutcome(string(outcome), time.Since(start))

	if err != nil {
		if outcome != domain.OutcomeCanceled {
			collector.outcome(accountID, outcome, err)
		}
		log.Warn("orchestrator.account.unprocessed", zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

// evaluateAccount runs one account through classify, derive, apply, evaluate
// and emit inside a single transaction holding the account row lock.
func (o *Orchestrator) evaluateAccount(ctx context.Context, accountID snowflake.ID, in unitInput) (unitResult, error) {
	var out unitResult
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := o.collection.LockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		snap, err := o.ledger.ReadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		buckets := in.classifier.Classify(snap.Lines, in.asOf)
		if err := buckets.Verify(snap.Balance); err != nil {
			return &collectiondomain.DataIntegrityError{
				Kind:      collectiondomain.KindBucketMismatch,
				AccountID: accountID,
				Detail:    err.Error(),
				Err:       err,
			}
		}

		latest, err := o.collection.LatestActivity(ctx, tx, accountID)
		if err != nil {
			return err
		}
		var newestLine snowflake.ID
		for _, line := range snap.Lines {
			newestLine = max(newestLine, line.ID)
		}
		decision := collectiondomain.Derive(collectiondomain.DeriveInput{
			Account:      *account,
			Balance:      snap.Balance,
			Buckets:      buckets,
			NewestLineID: newestLine,
			Latest:       latest,
			AsOf:         in.asOf,
		}, in.thresholds)
		if err := o.collection.Apply(ctx, tx, account, decision, in.asOf); err != nil {
			return err
		}
		history, err := o.collection.AgingHistory(ctx, tx, accountID, in.asOf, in.historyDepth)
		if err != nil {
			return err
		}

		ruleSnap := rulesdomain.Snapshot{
			AccountID:       account.ID,
			Balance:         snap.Balance,
			Buckets:         buckets,
			Status:          account.Status,
			Priority:        account.Priority,
			ContactAttempts: account.ContactAttempts,
			LastActivityAt:  account.LastActivityAt,
			History:         history,
			Latest:          latest,
		}
		result := rulesdomain.Evaluate(ruleSnap, in.rules, in.asOf)
		emitted, err := o.emitter.Emit(ctx, tx, account, ruleSnap, result.Matches, in.asOf)
		if err != nil {
			return err
		}
		out = unitResult{
			emitted:    emitted.Emitted,
			duplicates: emitted.Duplicates,
			ruleErrors: result.Errors,
			rejected:   emitted.Rejected,
		}
		return nil
	})
	if err != nil {
		return unitResult{}, err
	}
	return out, nil
}

func (o *Orchestrator) recordIntegrityViolation(ctx context.Context, accountID snowflake.ID, cause error) {
	after := map[string]any{"error": cause.Error()}
	var die *collectiondomain.DataIntegrityError
	if errors.As(cause, &die) {
		after["kind"] = string(die.Kind)
		after["detail"] = die.Detail
	}
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return o.audit.Record(ctx, tx, auditdomain.Entry{
			AccountID:  accountID,
			Component:  "orchestrator",
			Action:     "collection.integrity_violation",
			TargetType: "ar_account",
			TargetID:   accountID.String(),
			After:      after,
		})
	})
	if err != nil {
		o.log.Warn("orchestrator.integrity_audit.failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) fail(ctx context.Context, run *domain.BatchRun, collector *reportCollector, cause error) (domain.RunReport, error) {
	report := collector.snapshot()
	report.Status = domain.RunFailed

	ctx = context.WithoutCancel(ctx)
	now := o.clock.Now().UTC()
	run.Status = domain.RunFailed
	run.FinishedAt = &now
	run.UpdatedAt = now
	o.metrics.IncBatchRun(string(domain.RunFailed))
	obslogger.WithContext(ctx, o.log).Error("orchestrator.run.failed", zap.Error(cause))
	return report, o.repo.Update(ctx, o.db, run)
}

// finish commits the run report as the final audit record together with the run row.
func (o *Orchestrator) finish(ctx context.Context, run *domain.BatchRun, report domain.RunReport) error {
	sample, err := json.Marshal(report.Errors)
	if err != nil {
		return err
	}
	now := o.clock.Now().UTC()
	run.Status = report.Status
	run.AccountsProcessed = report.AccountsProcessed
	run.AccountsFailed = report.AccountsFailed
	run.AccountsTimedOut = report.AccountsTimedOut
	run.AccountsSkipped = report.AccountsSkipped
	run.ActionsEmitted = report.ActionsEmitted
	run.RuleErrors = report.RuleErrors
	run.ErrorSample = datatypes.JSON(sample)
	run.FinishedAt = &now
	run.UpdatedAt = now

	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.repo.Update(ctx, tx, run); err != nil {
			return err
		}
		return o.audit.Record(ctx, tx, auditdomain.Entry{
			Component:  "orchestrator",
			Action:     "batch_run.completed",
			TargetType: "batch_run",
			TargetID:   run.ID.String(),
			After:      reportPayload(report),
		})
	})
}

func reportPayload(report domain.RunReport) map[string]any {
	return map[string]any{
		"run_id":               report.RunID.String(),
		"as_of":                report.AsOf.Format(time.RFC3339),
		"status":               string(report.Status),
		"accounts_processed":   report.AccountsProcessed,
		"accounts_failed":      report.AccountsFailed,
		"accounts_timed_out":   report.AccountsTimedOut,
		"accounts_skipped":     report.AccountsSkipped,
		"actions_emitted":      report.ActionsEmitted,
		"duplicate_actions":    report.DuplicateActions,
		"transitions_rejected": report.TransitionsRejected,
		"rule_errors":          report.RuleErrors,
		"error_sample_size":    len(report.Errors),
	}
}

// compileRules drops rules that fail to compile so each is reported once per run.
func compileRules(rules []rulesdomain.Rule) ([]rulesdomain.Rule, []error) {
	valid := make([]rulesdomain.Rule, 0, len(rules))
	var errs []error
	for _, rule := range rules {
		if _, err := rulesdomain.Compile(rule); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, rule)
	}
	return valid, errs
}

// RunForever runs a batch and the missed-payment sweep every RunInterval.
func (o *Orchestrator) RunForever(ctx context.Context) {
	interval := o.cfg.Get().Orchestrator.RunInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if next := o.cfg.Get().Orchestrator.RunInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	now := o.clock.Now()
	if _, err := o.RunBatch(ctx, now); err != nil {
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			o.log.Info("orchestrator.run.skipped", zap.String("reason", "run in progress elsewhere"))
		case errors.Is(err, context.Canceled):
		default:
			o.metrics.IncJobError("batch_run", err)
			o.log.Warn("orchestrator.run.error", zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := o.plans.SweepMissedPayments(ctx, o.clock.Now()); err != nil {
		o.metrics.IncJobError("plan_sweep", err)
		o.log.Warn("orchestrator.sweep.error", zap.Error(err))
	}
}
