package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/ledger/domain"
	"gorm.io/gorm"
)

type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*BalanceRow, error)
	ListOutstandingLines(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.ChargeLine, error)
	ListAccountIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}

type BalanceRow struct {
	ID       snowflake.ID
	Currency string
	Balance  int64
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*BalanceRow, error) {
	var row BalanceRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, currency, balance FROM ar_accounts WHERE id = ?`,
		accountID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListOutstandingLines(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.ChargeLine, error) {
	var lines []domain.ChargeLine
	err := db.WithContext(ctx).
		Where("account_id = ? AND outstanding_amount > 0", accountID).
		Order("service_date asc, id asc").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) ListAccountIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).
		Table("ar_accounts").
		Where("id > ?", afterID).
		Order("id asc").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
