package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	"github.com/smallbiznis/arengine/internal/audit/masking"
	"github.com/smallbiznis/arengine/internal/clock"
	"github.com/smallbiznis/arengine/pkg/db/pagination"
	"github.com/smallbiznis/arengine/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record appends entry through tx so it commits or rolls back with the change it describes.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	if tx == nil {
		return auditdomain.ErrMissingTx
	}
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	component := strings.TrimSpace(entry.Component)
	if component == "" {
		return auditdomain.ErrInvalidComponent
	}
	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	_, cid := correlation.EnsureCorrelationID(ctx)

	record := auditdomain.Record{
		ID:            s.genID.Generate(),
		Component:     component,
		Action:        action,
		TargetType:    targetType,
		TargetID:      strings.TrimSpace(entry.TargetID),
		Before:        toJSONMap(entry.Before),
		After:         toJSONMap(entry.After),
		CorrelationID: cid,
		Sequence:      auditdomain.NextSequence(ctx),
		CreatedAt:     s.clock.Now().UTC(),
	}
	if entry.AccountID != 0 {
		accountID := entry.AccountID
		record.AccountID = &accountID
	}
	if runID := correlation.RunIDFromContext(ctx); runID != 0 {
		id := snowflake.ID(runID)
		record.RunID = &id
	}

	if err := s.repo.Insert(ctx, tx, &record); err != nil {
		s.log.Warn("failed to write audit record", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursorID snowflake.ID
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursorID = id
	}

	limit := req.Pagination.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		AccountID: req.AccountID,
		RunID:     req.RunID,
		Action:    req.Action,
		Component: req.Component,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
		CursorID:  cursorID,
		Limit:     limit,
	})
	if err != nil {
		return auditdomain.ListResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(item *auditdomain.Record) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})

	records := make([]auditdomain.Record, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	return auditdomain.ListResponse{PageInfo: *pageInfo, Records: records}, nil
}

func toJSONMap(in map[string]any) datatypes.JSONMap {
	masked := masking.MaskPayload(in)
	if masked == nil {
		return nil
	}
	return datatypes.JSONMap(masked)
}
