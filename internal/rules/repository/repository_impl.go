package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/rules/domain"
	"github.com/smallbiznis/arengine/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]domain.Rule, error) {
	var rules []domain.Rule
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("execution_order asc, id asc").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Rule, error) {
	var rule domain.Rule
	err := db.WithContext(ctx).Where("id = ?", id).Take(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rule *domain.Rule) error {
	return db.WithContext(ctx).Create(rule).Error
}

func (r *repo) UpdateActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Rule{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": active, "updated_at": at})
	return res.RowsAffected, res.Error
}

func (r *repo) InsertTask(ctx context.Context, db *gorm.DB, task *domain.Task) (bool, error) {
	var unresolved int64
	err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("dedup_key = ? AND status IN ?", task.DedupKey, domain.UnresolvedTaskStatuses).
		Count(&unresolved).Error
	if err != nil {
		return false, err
	}
	if unresolved > 0 {
		return false, nil
	}

	stmt := db.WithContext(ctx)
	if strings.EqualFold(db.Dialector.Name(), "postgres") {
		// the partial unique index only covers unresolved tasks
		stmt = stmt.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "dedup_key"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "status IN ('open', 'in_progress')"},
			}},
			DoNothing: true,
		})
	}
	res := stmt.Create(task)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListTasks(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Task, error) {
	var tasks []domain.Task
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at asc, id asc").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *repo) FindTaskForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Task, error) {
	var task domain.Task
	err := db.ForUpdate(conn).WithContext(ctx).Where("id = ?", id).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *repo) UpdateTaskStatus(ctx context.Context, conn *gorm.DB, id snowflake.ID, status domain.TaskStatus, at time.Time) error {
	return conn.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": at}).Error
}
