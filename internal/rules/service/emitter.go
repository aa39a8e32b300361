package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	"github.com/smallbiznis/arengine/internal/clock"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
	letterdomain "github.com/smallbiznis/arengine/internal/letterqueue/domain"
	"github.com/smallbiznis/arengine/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/arengine/internal/observability/metrics"
	"github.com/smallbiznis/arengine/internal/rules/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EmitterParams struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Letters    letterdomain.Repository
	Collection collectiondomain.Service
	Audit      auditdomain.Recorder
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Emitter struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	letters    letterdomain.Repository
	collection collectiondomain.Service
	audit      auditdomain.Recorder
	otel       *obsmetrics.Metrics
	metrics    *obsmetrics.EngineMetrics
}

func NewEmitter(p EmitterParams) domain.Emitter {
	return &Emitter{
		log:        p.Log.Named("rules.emitter"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		letters:    p.Letters,
		collection: p.Collection,
		audit:      p.Audit,
		otel:       p.Metrics,
		metrics:    obsmetrics.Engine(),
	}
}

// Emit applies matches in order. A transition the status machine rejects skips
// that rule and is reported in Rejected; any other error aborts the unit.
func (e *Emitter) Emit(ctx context.Context, tx *gorm.DB, account *collectiondomain.Account, snap domain.Snapshot, matches []domain.Match, now time.Time) (domain.EmitResult, error) {
	var result domain.EmitResult
	if tx == nil {
		return result, collectiondomain.ErrMissingTransaction
	}
	log := logger.WithAccount(logger.WithContext(ctx, e.log), int64(account.ID))
	triggerID := snap.TriggerActivityID()

	for _, match := range matches {
		dedupKey := domain.DedupKey(account.ID, match.RuleID, triggerID)
		var (
			emitted bool
			detail  map[string]any
			err     error
		)
		switch match.Action.Type {
		case domain.ActionCreateTask:
			emitted, detail, err = e.createTask(ctx, tx, account, match, dedupKey, triggerID, now)
		case domain.ActionQueueLetter:
			emitted, detail, err = e.queueLetter(ctx, tx, account, match, dedupKey, triggerID, now)
		case domain.ActionEscalate:
			emitted, detail, err = e.transition(ctx, tx, account, match, collectiondomain.Status(strings.ToLower(strings.TrimSpace(match.Action.To))), now)
		case domain.ActionResolve:
			emitted, detail, err = e.transition(ctx, tx, account, match, collectiondomain.StatusResolved, now)
		default:
			err = &domain.RuleEvaluationError{RuleID: match.RuleID, RuleName: match.RuleName, Err: domain.ErrInvalidAction}
		}

		if err != nil {
			var evalErr *domain.RuleEvaluationError
			if collectiondomain.IsDataIntegrity(err) || errors.As(err, &evalErr) {
				result.Rejected = append(result.Rejected, err)
				log.Warn("rules.action.rejected",
					zap.String("rule_id", match.RuleID.String()),
					zap.String("action", string(match.Action.Type)),
					zap.Error(err),
				)
				continue
			}
			return result, err
		}
		if !emitted {
			result.Duplicates++
			continue
		}

		detail["dedup_key"] = dedupKey
		detail["trigger_activity_id"] = triggerID.String()
		if err := e.recordEmission(ctx, tx, account, match, detail, now); err != nil {
			return result, err
		}
		result.Emitted++
		e.metrics.IncActionEmitted(string(match.Action.Type))
		log.Info("rules.action.emitted",
			zap.String("rule_id", match.RuleID.String()),
			zap.String("action", string(match.Action.Type)),
		)
	}
	return result, nil
}

func (e *Emitter) createTask(ctx context.Context, tx *gorm.DB, account *collectiondomain.Account, match domain.Match, dedupKey string, triggerID snowflake.ID, now time.Time) (bool, map[string]any, error) {
	priority := strings.ToLower(strings.TrimSpace(match.Action.Priority))
	if priority == "" {
		priority = string(account.Priority)
	}
	created := e.clock.Now().UTC()
	task := &domain.Task{
		ID:                e.genID.Generate(),
		AccountID:         account.ID,
		RuleID:            match.RuleID,
		ActionType:        match.Action.Type,
		DueDate:           now.UTC().AddDate(0, 0, match.Action.DueInDays),
		Priority:          priority,
		Status:            domain.TaskOpen,
		DedupKey:          dedupKey,
		TriggerActivityID: triggerID,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
	inserted, err := e.repo.InsertTask(ctx, tx, task)
	if err != nil || !inserted {
		return false, nil, err
	}
	e.otel.RecordTaskCreated(ctx, priority)
	return true, map[string]any{
		"task_id":  task.ID.String(),
		"priority": priority,
		"due_date": task.DueDate.Format(time.RFC3339),
	}, nil
}

func (e *Emitter) queueLetter(ctx context.Context, tx *gorm.DB, account *collectiondomain.Account, match domain.Match, dedupKey string, triggerID snowflake.ID, now time.Time) (bool, map[string]any, error) {
	template := strings.TrimSpace(match.Action.Template)
	entry := &letterdomain.Entry{
		ID:                e.genID.Generate(),
		AccountID:         account.ID,
		RuleID:            match.RuleID,
		Template:          template,
		TriggerActivityID: triggerID,
		Balance:           account.Balance,
		Currency:          account.Currency,
		DedupKey:          dedupKey,
		Status:            letterdomain.StatusPending,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}
	inserted, err := e.letters.Insert(ctx, tx, entry)
	if err != nil || !inserted {
		return false, nil, err
	}
	e.otel.RecordLetterQueued(ctx, template)
	return true, map[string]any{
		"letter_id": entry.ID.String(),
		"template":  template,
	}, nil
}

func (e *Emitter) transition(ctx context.Context, tx *gorm.DB, account *collectiondomain.Account, match domain.Match, to collectiondomain.Status, now time.Time) (bool, map[string]any, error) {
	from := account.Status
	changed, err := e.collection.TransitionTo(ctx, tx, account, to, collectiondomain.TransitionCause{
		RuleID: match.RuleID,
		Reason: "rule:" + match.RuleName,
	}, now)
	if err != nil || !changed {
		return false, nil, err
	}
	return true, map[string]any{
		"from": string(from),
		"to":   string(to),
	}, nil
}

func (e *Emitter) recordEmission(ctx context.Context, tx *gorm.DB, account *collectiondomain.Account, match domain.Match, detail map[string]any, now time.Time) error {
	ruleID := match.RuleID
	metadata := datatypes.JSONMap{"action": string(match.Action.Type)}
	for k, v := range detail {
		metadata[k] = v
	}
	activity := &collectiondomain.Activity{
		AccountID:  account.ID,
		Type:       collectiondomain.ActivityRuleAction,
		OccurredAt: now.UTC(),
		Outcome:    string(match.Action.Type),
		RuleID:     &ruleID,
		Metadata:   metadata,
	}
	if match.Action.Type == domain.ActionCreateTask {
		activity.NextAction = "collector_task"
		due := now.UTC().AddDate(0, 0, match.Action.DueInDays)
		activity.NextActionDate = &due
	}
	if err := e.collection.RecordActivity(ctx, tx, activity); err != nil {
		return err
	}

	after := map[string]any{
		"rule_id":   ruleID.String(),
		"rule_name": match.RuleName,
		"category":  string(match.Category),
	}
	for k, v := range metadata {
		after[k] = v
	}
	return e.audit.Record(ctx, tx, auditdomain.Entry{
		AccountID:  account.ID,
		Component:  "rules",
		Action:     "rule.action_emitted",
		TargetType: "ar_account",
		TargetID:   account.ID.String(),
		After:      after,
	})
}
