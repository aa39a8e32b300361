package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/paymentplan/domain"
	"github.com/smallbiznis/arengine/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, plan *domain.Plan) error {
	return conn.WithContext(ctx).Create(plan).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	var plan domain.Plan
	err := conn.WithContext(ctx).Where("id = ?", id).Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) FindForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	return r.FindByID(ctx, db.ForUpdate(conn), id)
}

func (r *repo) Update(ctx context.Context, conn *gorm.DB, plan *domain.Plan, expectedVersion int64) (int64, error) {
	res := conn.WithContext(ctx).
		Model(&domain.Plan{}).
		Where("id = ? AND version = ?", plan.ID, expectedVersion).
		Updates(map[string]any{
			"remaining_balance":    plan.RemainingBalance,
			"amount_applied":       plan.AmountApplied,
			"partial_carry":        plan.PartialCarry,
			"period_index":         plan.PeriodIndex,
			"next_payment_date":    plan.NextPaymentDate,
			"payments_remaining":   plan.PaymentsRemaining,
			"auto_pay":             plan.AutoPay,
			"status":               plan.Status,
			"consecutive_misses":   plan.ConsecutiveMisses,
			"last_missed_due_date": plan.LastMissedDueDate,
			"last_posted_at":       plan.LastPostedAt,
			"cancel_reason":        plan.CancelReason,
			"version":              expectedVersion + 1,
			"updated_at":           plan.UpdatedAt,
		})
	return res.RowsAffected, res.Error
}

func (r *repo) HasOpenPlan(ctx context.Context, conn *gorm.DB, accountID snowflake.ID) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).
		Model(&domain.Plan{}).
		Where("account_id = ? AND status IN ?", accountID, []domain.Status{domain.StatusPending, domain.StatusActive}).
		Count(&count).Error
	return count > 0, err
}

func (r *repo) FindPosting(ctx context.Context, conn *gorm.DB, paymentID string) (*domain.Posting, error) {
	var posting domain.Posting
	err := conn.WithContext(ctx).Where("payment_id = ?", paymentID).Take(&posting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &posting, nil
}

func (r *repo) InsertPosting(ctx context.Context, conn *gorm.DB, posting *domain.Posting) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_id"}},
			DoNothing: true,
		}).
		Create(posting)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListSweepCandidates(ctx context.Context, conn *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).
		Model(&domain.Plan{}).
		Where("id > ?", afterID).
		Where(
			conn.Session(&gorm.Session{NewDB: true}).
				Where("status = ? AND auto_pay = ? AND next_payment_date < ?", domain.StatusActive, false, now).
				Or("status = ? AND start_date <= ?", domain.StatusPending, now),
		).
		Order("id asc").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
