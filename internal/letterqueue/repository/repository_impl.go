package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/letterqueue/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxErrorLength = 512

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, limit int) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := db.WithContext(ctx).
		Where("status = ?", domain.StatusPending).
		Order("id asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Entry{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":       domain.StatusPublished,
			"published_at": at,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
			"updated_at":   at,
		}).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxErrorLength {
		reason = reason[:maxErrorLength]
	}
	return db.WithContext(ctx).
		Model(&domain.Entry{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status": gorm.Expr("CASE WHEN attempts + 1 >= ? THEN ? ELSE status END",
				domain.MaxAttempts, domain.StatusFailed),
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
			"updated_at": at,
		}).Error
}
