package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/orchestrator/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, run *domain.BatchRun) error {
	return db.WithContext(ctx).Create(run).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, run *domain.BatchRun) error {
	return db.WithContext(ctx).
		Model(&domain.BatchRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":             run.Status,
			"accounts_processed": run.AccountsProcessed,
			"accounts_failed":    run.AccountsFailed,
			"accounts_timed_out": run.AccountsTimedOut,
			"accounts_skipped":   run.AccountsSkipped,
			"actions_emitted":    run.ActionsEmitted,
			"rule_errors":        run.RuleErrors,
			"error_sample":       run.ErrorSample,
			"started_at":         run.StartedAt,
			"finished_at":        run.FinishedAt,
			"updated_at":         run.UpdatedAt,
		}).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.BatchRun, error) {
	var run domain.BatchRun
	err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
