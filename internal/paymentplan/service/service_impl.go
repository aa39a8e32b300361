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
	"github.com/smallbiznis/arengine/internal/config"
	ledgerdomain "github.com/smallbiznis/arengine/internal/ledger/domain"
	"github.com/smallbiznis/arengine/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/arengine/internal/observability/metrics"
	"github.com/smallbiznis/arengine/internal/paymentplan/domain"
	"github.com/smallbiznis/arengine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const sweepPageSize = 200

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     *config.CollectionsConfigHolder
	Repo       domain.Repository
	Ledger     ledgerdomain.Reader
	Collection collectiondomain.Service
	Audit      auditdomain.Recorder
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        *config.CollectionsConfigHolder
	repo       domain.Repository
	ledger     ledgerdomain.Reader
	collection collectiondomain.Service
	audit      auditdomain.Recorder
	otel       *obsmetrics.Metrics
	metrics    *obsmetrics.EngineMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("paymentplan.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		repo:       p.Repo,
		ledger:     p.Ledger,
		collection: p.Collection,
		audit:      p.Audit,
		otel:       p.Metrics,
		metrics:    obsmetrics.Engine(),
	}
}

func (s *Service) CreatePlan(ctx context.Context, req domain.CreatePlanRequest) (*domain.Plan, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	schedule, err := domain.BuildSchedule(req.TotalAmount, req.MonthlyPayment, req.Term)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	start := now
	if req.StartDate != nil && !req.StartDate.IsZero() {
		start = req.StartDate.UTC()
	}
	status := domain.StatusActive
	if start.After(now) {
		status = domain.StatusPending
	}

	plan := &domain.Plan{
		ID:                s.genID.Generate(),
		AccountID:         req.AccountID,
		TotalAmount:       schedule.Total,
		MonthlyPayment:    schedule.Monthly,
		FinalPayment:      schedule.Final,
		Term:              schedule.Term,
		RemainingBalance:  schedule.Total,
		StartDate:         start,
		PeriodIndex:       1,
		NextPaymentDate:   domain.AddMonths(start, 1),
		PaymentsRemaining: schedule.Term,
		AutoPay:           req.AutoPay,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.collection.LockAccount(ctx, tx, req.AccountID); err != nil {
			if errors.Is(err, collectiondomain.ErrAccountNotFound) {
				return ledgerdomain.ErrAccountNotFound
			}
			return err
		}
		snap, err := s.ledger.ReadAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if schedule.Total > snap.Balance {
			return domain.ErrPlanExceedsBalance
		}
		open, err := s.repo.HasOpenPlan(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if open {
			return domain.ErrActivePlanExists
		}
		plan.Currency = snap.Currency

		if err := s.repo.Insert(ctx, tx, plan); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.Entry{
			AccountID:  plan.AccountID,
			Component:  "paymentplan",
			Action:     "payment_plan.created",
			TargetType: "payment_plan",
			TargetID:   plan.ID.String(),
			After:      planSnapshot(plan),
		})
	})
	if err != nil {
		return nil, err
	}

	logger.WithAccount(logger.WithContext(ctx, s.log), int64(plan.AccountID)).Info("paymentplan.plan.created",
		zap.String("plan_id", plan.ID.String()),
		zap.Int64("total_amount", plan.TotalAmount),
		zap.Int("term", plan.Term),
	)
	return plan, nil
}

// ApplyPayment posts a payment to its plan. Re-posting the same payment id is a
// no-op that returns the current plan state with Duplicate set.
func (s *Service) ApplyPayment(ctx context.Context, payment domain.PostedPayment) (domain.PostingResult, error) {
	paymentID := strings.TrimSpace(payment.PaymentID)
	if paymentID == "" {
		return domain.PostingResult{}, domain.ErrInvalidPaymentID
	}
	if payment.Amount <= 0 {
		return domain.PostingResult{}, domain.ErrInvalidAmount
	}
	if payment.PostedAt.IsZero() {
		return domain.PostingResult{}, domain.ErrInvalidPostedAt
	}
	postedAt := payment.PostedAt.UTC()
	result := domain.PostingResult{PlanID: payment.PlanID, PaymentID: paymentID}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		started := time.Now()
		plan, err := s.repo.FindForUpdate(ctx, tx, payment.PlanID)
		s.metrics.ObserveDBLockWait(obsmetrics.LockResourcePaymentPlan, time.Since(started))
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrPlanNotFound
		}

		existing, err := s.repo.FindPosting(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if existing != nil {
			result.Duplicate = true
			result.Applied = existing.Applied
			result.Overpayment = existing.Overpayment
			result.OutOfOrder = existing.OutOfOrder
			result.State = plan.State()
			return nil
		}

		if plan.Status.Terminal() {
			return domain.ErrPlanNotActive
		}
		if c := strings.TrimSpace(payment.Currency); c != "" && !strings.EqualFold(c, plan.Currency) {
			return domain.ErrCurrencyMismatch
		}

		before := planSnapshot(plan)
		version := plan.Version
		outOfOrder := plan.LastPostedAt != nil && postedAt.Before(*plan.LastPostedAt)
		outcome := domain.ApplyAmount(plan, payment.Amount)
		if !outOfOrder {
			plan.LastPostedAt = &postedAt
		}
		plan.UpdatedAt = s.clock.Now().UTC()

		posting := &domain.Posting{
			ID:          s.genID.Generate(),
			PaymentID:   paymentID,
			PlanID:      plan.ID,
			Amount:      payment.Amount,
			Applied:     outcome.Applied,
			Overpayment: outcome.Overpayment,
			OutOfOrder:  outOfOrder,
			PostedAt:    postedAt,
			CreatedAt:   plan.UpdatedAt,
		}
		inserted, err := s.repo.InsertPosting(ctx, tx, posting)
		if err != nil {
			return err
		}
		if !inserted {
			// Same payment id raced in on another plan.
			result.Duplicate = true
			result.State = plan.State()
			return nil
		}

		rows, err := s.repo.Update(ctx, tx, plan, version)
		if err != nil {
			return err
		}
		if rows == 0 {
			return &db.ConcurrencyConflict{Entity: "payment_plan", ID: int64(plan.ID)}
		}
		plan.Version = version + 1

		metadata := datatypes.JSONMap{
			"plan_id":              plan.ID.String(),
			"payment_id":           paymentID,
			"amount":               payment.Amount,
			"applied":              outcome.Applied,
			"overpayment":          outcome.Overpayment,
			"installments_covered": outcome.InstallmentsCovered,
			"out_of_order":         outOfOrder,
		}
		if err := s.collection.RecordActivity(ctx, tx, &collectiondomain.Activity{
			AccountID:  plan.AccountID,
			Type:       collectiondomain.ActivityPayment,
			OccurredAt: postedAt,
			Outcome:    "payment_posted",
			Metadata:   metadata,
		}); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, auditdomain.Entry{
			AccountID:  plan.AccountID,
			Component:  "paymentplan",
			Action:     "payment_plan.payment_applied",
			TargetType: "payment_plan",
			TargetID:   plan.ID.String(),
			Before:     before,
			After:      planSnapshot(plan),
		}); err != nil {
			return err
		}

		result.Applied = outcome.Applied
		result.Overpayment = outcome.Overpayment
		result.OutOfOrder = outOfOrder
		result.State = plan.State()
		return nil
	})

	label := postingLabel(result, err)
	s.metrics.IncPlanPosting(label)
	s.otel.RecordPaymentPosting(ctx, payment.Currency, label, result.Applied)
	if err != nil {
		return domain.PostingResult{}, err
	}

	s.log.Info("paymentplan.payment.applied",
		zap.String("plan_id", payment.PlanID.String()),
		zap.String("payment_id", paymentID),
		zap.Int64("applied", result.Applied),
		zap.Int64("overpayment", result.Overpayment),
		zap.Bool("duplicate", result.Duplicate),
		zap.Bool("out_of_order", result.OutOfOrder),
		zap.String("status", string(result.State.Status)),
	)
	return result, nil
}

// SweepMissedPayments counts each elapsed due date without a covering payment
// once, and activates pending plans whose start date has arrived.
func (s *Service) SweepMissedPayments(ctx context.Context, now time.Time) (domain.SweepResult, error) {
	var result domain.SweepResult
	now = now.UTC()
	plans := s.cfg.Get().Plans

	var afterID snowflake.ID
	var errs error
	for {
		if err := ctx.Err(); err != nil {
			return result, errors.Join(errs, err)
		}
		ids, err := s.repo.ListSweepCandidates(ctx, s.db, now, afterID, sweepPageSize)
		if err != nil {
			return result, errors.Join(errs, err)
		}
		for _, id := range ids {
			result.PlansChecked++
			if err := s.sweepPlan(ctx, id, now, plans, &result); err != nil {
				s.log.Warn("paymentplan.sweep.plan_failed", zap.String("plan_id", id.String()), zap.Error(err))
				errs = errors.Join(errs, err)
			}
		}
		if len(ids) < sweepPageSize {
			break
		}
		afterID = ids[len(ids)-1]
	}

	s.metrics.AddPlanMisses(result.Misses)
	if result.Misses > 0 || result.Activated > 0 {
		s.log.Info("paymentplan.sweep.done",
			zap.Int("plans_checked", result.PlansChecked),
			zap.Int("misses", result.Misses),
			zap.Int("defaulted", result.Defaulted),
			zap.Int("activated", result.Activated),
		)
	}
	return result, errs
}

func (s *Service) sweepPlan(ctx context.Context, planID snowflake.ID, now time.Time, plans config.PlanConfig, result *domain.SweepResult) error {
	missedBefore := now.AddDate(0, 0, -plans.GraceDays)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.repo.FindForUpdate(ctx, tx, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return nil
		}
		before := planSnapshot(plan)
		version := plan.Version

		activated := false
		if plan.Status == domain.StatusPending && !plan.StartDate.After(now) {
			plan.Status = domain.StatusActive
			activated = true
		}

		var missedDates []time.Time
		if plan.Status == domain.StatusActive && !plan.AutoPay {
			for plan.NextPaymentDate.Before(missedBefore) && plan.Status == domain.StatusActive {
				due := plan.NextPaymentDate
				if plan.LastMissedDueDate != nil && !due.After(*plan.LastMissedDueDate) {
					break
				}
				plan.ConsecutiveMisses++
				plan.LastMissedDueDate = &due
				plan.PeriodIndex++
				plan.NextPaymentDate = plan.DueDate(plan.PeriodIndex)
				missedDates = append(missedDates, due)
				if plans.DefaultAfterMisses > 0 && plan.ConsecutiveMisses >= plans.DefaultAfterMisses {
					plan.Status = domain.StatusDefaulted
				}
			}
		}
		if !activated && len(missedDates) == 0 {
			return nil
		}

		plan.UpdatedAt = s.clock.Now().UTC()
		rows, err := s.repo.Update(ctx, tx, plan, version)
		if err != nil {
			return err
		}
		if rows == 0 {
			return &db.ConcurrencyConflict{Entity: "payment_plan", ID: int64(plan.ID)}
		}

		for i, due := range missedDates {
			if err := s.collection.RecordActivity(ctx, tx, &collectiondomain.Activity{
				AccountID:  plan.AccountID,
				Type:       collectiondomain.ActivityDelinquency,
				OccurredAt: due,
				Outcome:    "payment_missed",
				Metadata: datatypes.JSONMap{
					"plan_id":            plan.ID.String(),
					"due_date":           due.Format(time.RFC3339),
					"consecutive_misses": plan.ConsecutiveMisses - len(missedDates) + i + 1,
				},
			}); err != nil {
				return err
			}
		}

		action := "payment_plan.activated"
		switch {
		case plan.Status == domain.StatusDefaulted:
			action = "payment_plan.defaulted"
		case len(missedDates) > 0:
			action = "payment_plan.payment_missed"
		}
		if err := s.audit.Record(ctx, tx, auditdomain.Entry{
			AccountID:  plan.AccountID,
			Component:  "paymentplan",
			Action:     action,
			TargetType: "payment_plan",
			TargetID:   plan.ID.String(),
			Before:     before,
			After:      planSnapshot(plan),
		}); err != nil {
			return err
		}

		result.Misses += len(missedDates)
		if activated {
			result.Activated++
		}
		if plan.Status == domain.StatusDefaulted {
			result.Defaulted++
		}
		return nil
	})
}

func (s *Service) CancelPlan(ctx context.Context, planID snowflake.ID, reason string) error {
	return s.editPlan(ctx, planID, "payment_plan.canceled", func(plan *domain.Plan) bool {
		plan.Status = domain.StatusCanceled
		plan.CancelReason = strings.TrimSpace(reason)
		return true
	})
}

func (s *Service) UpdateAutoPay(ctx context.Context, planID snowflake.ID, enabled bool) error {
	return s.editPlan(ctx, planID, "payment_plan.auto_pay_changed", func(plan *domain.Plan) bool {
		if plan.AutoPay == enabled {
			return false
		}
		plan.AutoPay = enabled
		return true
	})
}

func (s *Service) GetPlanState(ctx context.Context, planID snowflake.ID) (domain.PlanState, error) {
	plan, err := s.repo.FindByID(ctx, s.db, planID)
	if err != nil {
		return domain.PlanState{}, err
	}
	if plan == nil {
		return domain.PlanState{}, domain.ErrPlanNotFound
	}
	return plan.State(), nil
}

func (s *Service) editPlan(ctx context.Context, planID snowflake.ID, action string, mutate func(*domain.Plan) bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.repo.FindForUpdate(ctx, tx, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrPlanNotFound
		}
		if plan.Status.Terminal() {
			return domain.ErrPlanNotActive
		}
		before := planSnapshot(plan)
		version := plan.Version
		if !mutate(plan) {
			return nil
		}
		plan.UpdatedAt = s.clock.Now().UTC()
		rows, err := s.repo.Update(ctx, tx, plan, version)
		if err != nil {
			return err
		}
		if rows == 0 {
			return &db.ConcurrencyConflict{Entity: "payment_plan", ID: int64(plan.ID)}
		}
		return s.audit.Record(ctx, tx, auditdomain.Entry{
			AccountID:  plan.AccountID,
			Component:  "paymentplan",
			Action:     action,
			TargetType: "payment_plan",
			TargetID:   plan.ID.String(),
			Before:     before,
			After:      planSnapshot(plan),
		})
	})
}

func postingLabel(result domain.PostingResult, err error) string {
	switch {
	case errors.Is(err, domain.ErrPlanNotActive):
		return "rejected"
	case err != nil:
		return "error"
	case result.Duplicate:
		return "duplicate"
	case result.State.Status == domain.StatusCompleted:
		return "completed"
	case result.OutOfOrder:
		return "out_of_order"
	}
	return "applied"
}

func planSnapshot(plan *domain.Plan) map[string]any {
	snap := map[string]any{
		"status":             string(plan.Status),
		"total_amount":       plan.TotalAmount,
		"remaining_balance":  plan.RemainingBalance,
		"amount_applied":     plan.AmountApplied,
		"partial_carry":      plan.PartialCarry,
		"payments_remaining": plan.PaymentsRemaining,
		"next_payment_date":  plan.NextPaymentDate.Format(time.RFC3339),
		"consecutive_misses": plan.ConsecutiveMisses,
		"auto_pay":           plan.AutoPay,
	}
	if plan.CancelReason != "" {
		snap["reason"] = plan.CancelReason
	}
	return snap
}
