package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListRequest struct {
	pagination.Pagination
	AccountID snowflake.ID
	RunID     snowflake.ID
	Action    string
	Component string
	StartAt   *time.Time
	EndAt     *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Records []Record `json:"records"`
}

// Recorder appends audit records inside the caller's transaction.
type Recorder interface {
	Record(ctx context.Context, tx *gorm.DB, entry Entry) error
}

type Service interface {
	Recorder
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Record, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidComponent = errors.New("invalid_component")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrMissingTx        = errors.New("audit_requires_transaction")
)
