package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/aging"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	"github.com/smallbiznis/arengine/internal/clock"
	"github.com/smallbiznis/arengine/internal/collection/domain"
	"github.com/smallbiznis/arengine/internal/config"
	"github.com/smallbiznis/arengine/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/arengine/internal/observability/metrics"
	"github.com/smallbiznis/arengine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config *config.CollectionsConfigHolder
	Repo   domain.Repository
	Audit  auditdomain.Recorder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     *config.CollectionsConfigHolder
	repo    domain.Repository
	audit   auditdomain.Recorder
	metrics *obsmetrics.EngineMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("collection.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Config,
		repo:    p.Repo,
		audit:   p.Audit,
		metrics: obsmetrics.Engine(),
	}
}

func (s *Service) Thresholds() domain.Thresholds {
	return domain.ThresholdsFromConfig(s.cfg.Get())
}

func (s *Service) LockAccount(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*domain.Account, error) {
	if tx == nil {
		return nil, domain.ErrMissingTransaction
	}
	started := time.Now()
	account, err := s.repo.FindForUpdate(ctx, tx, accountID)
	s.metrics.ObserveDBLockWait(obsmetrics.LockResourceAccount, time.Since(started))
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) Apply(ctx context.Context, tx *gorm.DB, account *domain.Account, decision domain.Decision, asOf time.Time) error {
	if tx == nil {
		return domain.ErrMissingTransaction
	}
	if err := domain.Transition(account.Status, decision.To); err != nil {
		return withAccount(err, account.ID)
	}

	before := accountSnapshot(account)
	next := *account
	next.Bucket0To30 = decision.Buckets.D0To30
	next.Bucket31To60 = decision.Buckets.D31To60
	next.Bucket61To90 = decision.Buckets.D61To90
	next.Bucket91Plus = decision.Buckets.D91Plus
	next.Priority = decision.Priority
	next.NewestLineID = decision.NewestLineID
	next.OverThresholdCycles = decision.OverThresholdCycles
	evaluatedAt := asOf.UTC()
	next.LastEvaluatedAt = &evaluatedAt
	next.UpdatedAt = s.clock.Now().UTC()

	changed := decision.StatusChanged()
	if changed {
		applyStatus(&next, decision.To, decision.Balance, evaluatedAt)
	}

	rows, err := s.repo.UpdateEvaluation(ctx, tx, &next, account.Version)
	if err != nil {
		return err
	}
	if rows == 0 {
		return &db.ConcurrencyConflict{Entity: "ar_account", ID: int64(account.ID)}
	}
	next.Version = account.Version + 1

	if _, err := s.repo.InsertAgingSnapshot(ctx, tx, &domain.AgingSnapshot{
		ID:           s.genID.Generate(),
		AccountID:    account.ID,
		AsOf:         evaluatedAt,
		Balance:      decision.Balance,
		Bucket0To30:  decision.Buckets.D0To30,
		Bucket31To60: decision.Buckets.D31To60,
		Bucket61To90: decision.Buckets.D61To90,
		Bucket91Plus: decision.Buckets.D91Plus,
		CreatedAt:    next.UpdatedAt,
	}); err != nil {
		return err
	}

	if changed {
		if err := s.recordStatusChange(ctx, tx, &next, decision.From, nil, decision.Reason, evaluatedAt, before); err != nil {
			return err
		}
	}

	*account = next
	return nil
}

func (s *Service) TransitionTo(ctx context.Context, tx *gorm.DB, account *domain.Account, to domain.Status, cause domain.TransitionCause, at time.Time) (bool, error) {
	if tx == nil {
		return false, domain.ErrMissingTransaction
	}
	from := account.Status
	if err := domain.Transition(from, to); err != nil {
		err = withAccount(err, account.ID)
		logger.WithAccount(logger.WithContext(ctx, s.log), int64(account.ID)).Warn("collection.transition.rejected",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("reason", cause.Reason),
		)
		after := map[string]any{"requested_status": string(to), "reason": cause.Reason}
		if cause.RuleID != 0 {
			after["rule_id"] = cause.RuleID.String()
		}
		if auditErr := s.audit.Record(ctx, tx, auditdomain.Entry{
			AccountID:  account.ID,
			Component:  "collection",
			Action:     "collection.transition_rejected",
			TargetType: "ar_account",
			TargetID:   account.ID.String(),
			Before:     map[string]any{"status": string(from)},
			After:      after,
		}); auditErr != nil {
			return false, auditErr
		}
		return false, err
	}
	if from == to {
		return false, nil
	}

	before := accountSnapshot(account)
	next := *account
	at = at.UTC()
	applyStatus(&next, to, account.Balance, at)
	next.UpdatedAt = s.clock.Now().UTC()

	rows, err := s.repo.UpdateStatus(ctx, tx, &next, account.Version)
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, &db.ConcurrencyConflict{Entity: "ar_account", ID: int64(account.ID)}
	}
	next.Version = account.Version + 1

	var ruleID *snowflake.ID
	if cause.RuleID != 0 {
		id := cause.RuleID
		ruleID = &id
	}
	if err := s.recordStatusChange(ctx, tx, &next, from, ruleID, cause.Reason, at, before); err != nil {
		return false, err
	}

	*account = next
	return true, nil
}

// AgingHistory returns up to limit bucket splits recorded at or before asOf,
// newest first.
func (s *Service) AgingHistory(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, asOf time.Time, limit int) ([]aging.Buckets, error) {
	if tx == nil {
		tx = s.db
	}
	if limit <= 0 {
		return nil, nil
	}
	snapshots, err := s.repo.ListAgingHistory(ctx, tx, accountID, asOf.UTC(), limit)
	if err != nil {
		return nil, err
	}
	history := make([]aging.Buckets, 0, len(snapshots))
	for _, snapshot := range snapshots {
		history = append(history, snapshot.Buckets())
	}
	return history, nil
}

func (s *Service) RecordActivity(ctx context.Context, tx *gorm.DB, activity *domain.Activity) error {
	if activity == nil || !activity.Type.Valid() {
		return domain.ErrInvalidActivity
	}
	if tx == nil {
		tx = s.db
	}
	now := s.clock.Now().UTC()
	if activity.ID == 0 {
		activity.ID = s.genID.Generate()
	}
	if activity.OccurredAt.IsZero() {
		activity.OccurredAt = now
	}
	activity.OccurredAt = activity.OccurredAt.UTC()
	activity.CreatedAt = now
	activity.Outcome = strings.TrimSpace(activity.Outcome)

	if err := s.repo.InsertActivity(ctx, tx, activity); err != nil {
		return err
	}
	if activity.Type.EngineGenerated() {
		return nil
	}
	return s.repo.TouchActivity(ctx, tx, activity.AccountID, activity.OccurredAt, activity.Type.ContactAttempt())
}

func (s *Service) LatestActivity(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*domain.Activity, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.LatestTriggeringActivity(ctx, tx, accountID)
}

func (s *Service) ListActivities(ctx context.Context, accountID snowflake.ID, limit int) ([]domain.Activity, error) {
	return s.repo.ListActivities(ctx, s.db, accountID, limit)
}

func (s *Service) GetAccountState(ctx context.Context, accountID snowflake.ID) (domain.AccountState, error) {
	account, err := s.repo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return domain.AccountState{}, err
	}
	if account == nil {
		return domain.AccountState{}, domain.ErrAccountNotFound
	}
	return domain.AccountState{
		AccountID: account.ID,
		Currency:  account.Currency,
		Balance:   account.Balance,
		Buckets:   account.Buckets(),
		Status:    account.Status,
		Priority:  account.Priority,
	}, nil
}

// RecordSettlement logs a negotiated settlement. The next evaluation resolves
// the account from it.
func (s *Service) RecordSettlement(ctx context.Context, accountID snowflake.ID, amount int64, note string) (*domain.Activity, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidSettlement
	}
	activity := &domain.Activity{
		AccountID: accountID,
		Type:      domain.ActivitySettlement,
		Outcome:   note,
		Metadata:  datatypes.JSONMap{"amount": amount},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.LockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := s.RecordActivity(ctx, tx, activity); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.Entry{
			AccountID:  account.ID,
			Component:  "collection",
			Action:     "collection.settlement_recorded",
			TargetType: "collection_activity",
			TargetID:   activity.ID.String(),
			After:      map[string]any{"amount": amount, "note": note},
		})
	})
	if err != nil {
		return nil, err
	}
	return activity, nil
}

func (s *Service) recordStatusChange(ctx context.Context, tx *gorm.DB, account *domain.Account, from domain.Status, ruleID *snowflake.ID, reason string, at time.Time, before map[string]any) error {
	activity := &domain.Activity{
		AccountID:  account.ID,
		Type:       domain.ActivityStatusChange,
		OccurredAt: at,
		Outcome:    reason,
		RuleID:     ruleID,
		Metadata: datatypes.JSONMap{
			"from": string(from),
			"to":   string(account.Status),
		},
	}
	if err := s.RecordActivity(ctx, tx, activity); err != nil {
		return err
	}
	if err := s.audit.Record(ctx, tx, auditdomain.Entry{
		AccountID:  account.ID,
		Component:  "collection",
		Action:     "collection.status_changed",
		TargetType: "ar_account",
		TargetID:   account.ID.String(),
		Before:     before,
		After:      accountSnapshot(account),
	}); err != nil {
		return err
	}

	s.metrics.IncStatusTransition(string(from), string(account.Status))
	logger.WithAccount(logger.WithContext(ctx, s.log), int64(account.ID)).Info("collection.status.changed",
		zap.String("from", string(from)),
		zap.String("to", string(account.Status)),
		zap.String("reason", reason),
	)
	return nil
}

func applyStatus(account *domain.Account, to domain.Status, balance int64, at time.Time) {
	from := account.Status
	account.Status = to
	account.StatusChangedAt = &at
	switch {
	case to == domain.StatusResolved:
		account.ResolvedBalance = balance
		account.ResolvedLineWatermark = account.NewestLineID
	case from == domain.StatusResolved && to == domain.StatusActive:
		account.ReopenedCount++
	}
}

func accountSnapshot(account *domain.Account) map[string]any {
	return map[string]any{
		"status":                string(account.Status),
		"priority":              string(account.Priority),
		"balance":               account.Balance,
		"bucket_0_30":           account.Bucket0To30,
		"bucket_31_60":          account.Bucket31To60,
		"bucket_61_90":          account.Bucket61To90,
		"bucket_91_plus":        account.Bucket91Plus,
		"over_threshold_cycles": account.OverThresholdCycles,
		"version":               account.Version,
	}
}

func withAccount(err error, accountID snowflake.ID) error {
	var die *domain.DataIntegrityError
	if errors.As(err, &die) {
		copied := *die
		copied.AccountID = accountID
		return &copied
	}
	return err
}
