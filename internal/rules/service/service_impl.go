package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	"github.com/smallbiznis/arengine/internal/clock"
	"github.com/smallbiznis/arengine/internal/rules/domain"
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
	Repo  domain.Repository
	Audit auditdomain.Recorder
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	audit auditdomain.Recorder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("rules.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		audit: p.Audit,
	}
}

func (s *Service) LoadActive(ctx context.Context) ([]domain.Rule, error) {
	return s.repo.ListActive(ctx, s.db)
}

// CreateRule stores a rule after checking that its trigger and action compile.
func (s *Service) CreateRule(ctx context.Context, req domain.CreateRuleRequest) (*domain.Rule, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	category := domain.Category(strings.ToLower(strings.TrimSpace(string(req.Category))))
	if !category.Valid() {
		return nil, domain.ErrInvalidCategory
	}
	trigger, err := json.Marshal(req.Trigger)
	if err != nil {
		return nil, domain.ErrInvalidTrigger
	}
	action, err := json.Marshal(req.Action)
	if err != nil {
		return nil, domain.ErrInvalidAction
	}

	now := s.clock.Now().UTC()
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rule := &domain.Rule{
		ID:             s.genID.Generate(),
		Name:           name,
		Category:       category,
		Trigger:        datatypes.JSON(trigger),
		Action:         datatypes.JSON(action),
		ExecutionOrder: req.ExecutionOrder,
		Active:         active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := domain.Compile(*rule); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, rule); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.Entry{
			Component:  "rules",
			Action:     "rule.created",
			TargetType: "collection_rule",
			TargetID:   rule.ID.String(),
			After: map[string]any{
				"name":            rule.Name,
				"category":        string(rule.Category),
				"execution_order": rule.ExecutionOrder,
				"active":          rule.Active,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("rules.rule.created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("category", string(rule.Category)),
	)
	return rule, nil
}

func (s *Service) SetActive(ctx context.Context, ruleID snowflake.ID, active bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rule, err := s.repo.FindByID(ctx, tx, ruleID)
		if err != nil {
			return err
		}
		if rule == nil {
			return domain.ErrRuleNotFound
		}
		if rule.Active == active {
			return nil
		}
		if _, err := s.repo.UpdateActive(ctx, tx, ruleID, active, s.clock.Now().UTC()); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.Entry{
			Component:  "rules",
			Action:     "rule.active_changed",
			TargetType: "collection_rule",
			TargetID:   ruleID.String(),
			Before:     map[string]any{"active": rule.Active},
			After:      map[string]any{"active": active},
		})
	})
}

func (s *Service) ListTasks(ctx context.Context, accountID snowflake.ID) ([]domain.Task, error) {
	return s.repo.ListTasks(ctx, s.db, accountID)
}

func (s *Service) UpdateTaskStatus(ctx context.Context, taskID snowflake.ID, status domain.TaskStatus) (*domain.Task, error) {
	if !status.Valid() {
		return nil, domain.ErrInvalidTaskStatus
	}
	var task *domain.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if found == nil {
			return domain.ErrTaskNotFound
		}
		// a resolved task stays resolved; the engine emits a fresh one instead
		if found.Status.Resolved() && found.Status != status {
			return domain.ErrInvalidTaskStatus
		}
		if found.Status == status {
			task = found
			return nil
		}
		now := s.clock.Now().UTC()
		if err := s.repo.UpdateTaskStatus(ctx, tx, taskID, status, now); err != nil {
			return err
		}
		before := found.Status
		found.Status = status
		found.UpdatedAt = now
		task = found
		return s.audit.Record(ctx, tx, auditdomain.Entry{
			AccountID:  found.AccountID,
			Component:  "rules",
			Action:     "task.status_changed",
			TargetType: "collection_task",
			TargetID:   taskID.String(),
			Before:     map[string]any{"status": string(before)},
			After:      map[string]any{"status": string(status)},
		})
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}
