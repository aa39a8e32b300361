package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/arengine/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Record) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_records (
			id, account_id, component, action, target_type, target_id,
			before_state, after_state, correlation_id, run_id, sequence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AccountID,
		entry.Component,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Before,
		entry.After,
		entry.CorrelationID,
		entry.RunID,
		entry.Sequence,
		entry.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Record, error) {
	var records []*domain.Record
	stmt := db.WithContext(ctx).Model(&domain.Record{})

	if filter.AccountID != 0 {
		stmt = stmt.Where("account_id = ?", filter.AccountID)
	}
	if filter.RunID != 0 {
		stmt = stmt.Where("run_id = ?", filter.RunID)
	}
	if action := strings.TrimSpace(filter.Action); action != "" {
		stmt = stmt.Where("action = ?", action)
	}
	if component := strings.TrimSpace(filter.Component); component != "" {
		stmt = stmt.Where("component = ?", component)
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}
	// Snowflake ids are time ordered, so id alone is a stable newest-first cursor.
	if filter.CursorID != 0 {
		stmt = stmt.Where("id < ?", filter.CursorID)
	}

	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
