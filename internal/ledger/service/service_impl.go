package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/ledger/domain"
	"github.com/smallbiznis/arengine/internal/ledger/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo repository.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo repository.Repository
}

func NewService(p Params) domain.Reader {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("ledger.reader"),
		repo: p.Repo,
	}
}

func (s *Service) ReadAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (domain.Snapshot, error) {
	if db == nil {
		db = s.db
	}

	row, err := s.repo.FindBalance(ctx, db, accountID)
	if err != nil {
		return domain.Snapshot{}, &domain.ExternalReadError{Op: "read_balance", Err: err}
	}
	if row == nil {
		return domain.Snapshot{}, domain.ErrAccountNotFound
	}

	lines, err := s.repo.ListOutstandingLines(ctx, db, accountID)
	if err != nil {
		return domain.Snapshot{}, &domain.ExternalReadError{Op: "read_charge_lines", Err: err}
	}

	return domain.Snapshot{
		AccountID: row.ID,
		Currency:  row.Currency,
		Balance:   row.Balance,
		Lines:     lines,
	}, nil
}

func (s *Service) ListAccountIDs(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	ids, err := s.repo.ListAccountIDs(ctx, s.db, afterID, limit)
	if err != nil {
		s.log.Warn("account enumeration failed", zap.Int64("after_id", afterID.Int64()), zap.Error(err))
		return nil, &domain.ExternalReadError{Op: "list_accounts", Err: err}
	}
	return ids, nil
}
