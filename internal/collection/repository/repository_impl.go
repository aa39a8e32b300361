package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/collection/domain"
	"github.com/smallbiznis/arengine/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := conn.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) FindForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	return r.FindByID(ctx, db.ForUpdate(conn), id)
}

func (r *repo) UpdateEvaluation(ctx context.Context, conn *gorm.DB, account *domain.Account, expectedVersion int64) (int64, error) {
	res := conn.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ? AND version = ?", account.ID, expectedVersion).
		Updates(map[string]any{
			"bucket_0_30":             account.Bucket0To30,
			"bucket_31_60":            account.Bucket31To60,
			"bucket_61_90":            account.Bucket61To90,
			"bucket_91_plus":          account.Bucket91Plus,
			"status":                  account.Status,
			"priority":                account.Priority,
			"over_threshold_cycles":   account.OverThresholdCycles,
			"newest_line_id":          account.NewestLineID,
			"last_evaluated_at":       account.LastEvaluatedAt,
			"status_changed_at":       account.StatusChangedAt,
			"resolved_balance":        account.ResolvedBalance,
			"resolved_line_watermark": account.ResolvedLineWatermark,
			"reopened_count":          account.ReopenedCount,
			"version":                 expectedVersion + 1,
			"updated_at":              account.UpdatedAt,
		})
	return res.RowsAffected, res.Error
}

func (r *repo) UpdateStatus(ctx context.Context, conn *gorm.DB, account *domain.Account, expectedVersion int64) (int64, error) {
	res := conn.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ? AND version = ?", account.ID, expectedVersion).
		Updates(map[string]any{
			"status":                  account.Status,
			"status_changed_at":       account.StatusChangedAt,
			"resolved_balance":        account.ResolvedBalance,
			"resolved_line_watermark": account.ResolvedLineWatermark,
			"reopened_count":          account.ReopenedCount,
			"version":                 expectedVersion + 1,
			"updated_at":              account.UpdatedAt,
		})
	return res.RowsAffected, res.Error
}

func (r *repo) TouchActivity(ctx context.Context, conn *gorm.DB, accountID snowflake.ID, at time.Time, contact bool) error {
	updates := map[string]any{
		"last_activity_at": gorm.Expr("CASE WHEN last_activity_at IS NULL OR last_activity_at < ? THEN ? ELSE last_activity_at END", at, at),
		"version":          gorm.Expr("version + 1"),
	}
	if contact {
		updates["contact_attempts"] = gorm.Expr("contact_attempts + 1")
	}
	return conn.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", accountID).
		Updates(updates).Error
}

func (r *repo) InsertActivity(ctx context.Context, conn *gorm.DB, activity *domain.Activity) error {
	return conn.WithContext(ctx).Create(activity).Error
}

func (r *repo) LatestTriggeringActivity(ctx context.Context, conn *gorm.DB, accountID snowflake.ID) (*domain.Activity, error) {
	var activity domain.Activity
	err := conn.WithContext(ctx).
		Where("account_id = ? AND type NOT IN ?", accountID, []domain.ActivityType{
			domain.ActivityRuleAction,
			domain.ActivityStatusChange,
		}).
		Order("occurred_at desc, id desc").
		Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &activity, nil
}

func (r *repo) ListActivities(ctx context.Context, conn *gorm.DB, accountID snowflake.ID, limit int) ([]domain.Activity, error) {
	var activities []domain.Activity
	stmt := conn.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("occurred_at asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&activities).Error; err != nil {
		return nil, err
	}
	return activities, nil
}

// InsertAgingSnapshot records the split once per account and instant. A repeat
// evaluation at the same instant keeps the first row.
func (r *repo) InsertAgingSnapshot(ctx context.Context, conn *gorm.DB, snapshot *domain.AgingSnapshot) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "as_of"}},
			DoNothing: true,
		}).
		Create(snapshot)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListAgingHistory(ctx context.Context, conn *gorm.DB, accountID snowflake.ID, asOf time.Time, limit int) ([]domain.AgingSnapshot, error) {
	var snapshots []domain.AgingSnapshot
	err := conn.WithContext(ctx).
		Where("account_id = ? AND as_of <= ?", accountID, asOf).
		Order("as_of desc").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}
