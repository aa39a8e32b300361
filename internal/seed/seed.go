package seed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	rulesdomain "github.com/smallbiznis/arengine/internal/rules/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ruleSeed struct {
	name     string
	category rulesdomain.Category
	order    int
	trigger  map[string]any
	action   map[string]any
}

// defaultRules is the starter rule set installed on an empty rules table.
var defaultRules = []ruleSeed{
	{
		name:     "Resolve on zero balance",
		category: rulesdomain.CategoryResolution,
		order:    10,
		trigger: map[string]any{"kind": "all", "triggers": []any{
			map[string]any{"kind": "status_in", "statuses": []string{"active"}},
			map[string]any{"kind": "not", "trigger": map[string]any{"kind": "min_balance", "min_amount": 1}},
		}},
		action: map[string]any{"type": "resolve"},
	},
	{
		name:     "Legal review after sustained 91+ balance",
		category: rulesdomain.CategoryEscalation,
		order:    10,
		trigger: map[string]any{"kind": "all", "triggers": []any{
			map[string]any{"kind": "status_in", "statuses": []string{"active"}},
			map[string]any{"kind": "consecutive_over_threshold", "bucket": "91_plus", "min_amount": 100_000, "cycles": 3},
			map[string]any{"kind": "contact_attempts_at_least", "count": 3},
		}},
		action: map[string]any{"type": "escalate", "to": "legal"},
	},
	{
		name:     "Final notice at 61-90 days",
		category: rulesdomain.CategoryLetter,
		order:    10,
		trigger:  map[string]any{"kind": "min_bucket", "bucket": "61_90", "min_amount": 1},
		action:   map[string]any{"type": "queue_letter", "template": "final_notice"},
	},
	{
		name:     "First statement reminder at 31-60 days",
		category: rulesdomain.CategoryLetter,
		order:    20,
		trigger:  map[string]any{"kind": "min_bucket", "bucket": "31_60", "min_amount": 1},
		action:   map[string]any{"type": "queue_letter", "template": "statement_reminder"},
	},
	{
		name:     "Call high priority accounts",
		category: rulesdomain.CategoryTask,
		order:    10,
		trigger: map[string]any{"kind": "all", "triggers": []any{
			map[string]any{"kind": "priority_in", "priorities": []string{"high"}},
			map[string]any{"kind": "days_since_activity", "days": 14},
		}},
		action: map[string]any{"type": "create_task", "due_in_days": 2, "priority": "high"},
	},
	{
		name:     "Follow up on missed plan payment",
		category: rulesdomain.CategoryTask,
		order:    20,
		trigger:  map[string]any{"kind": "delinquent_plan"},
		action:   map[string]any{"type": "create_task", "due_in_days": 3},
	},
}

// EnsureDefaultRules seeds the starter rule set when no rules exist.
func EnsureDefaultRules(db *gorm.DB, nodeID int64) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&rulesdomain.Rule{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		now := time.Now().UTC()
		for _, seed := range defaultRules {
			rule, err := buildRule(node, seed, now)
			if err != nil {
				return err
			}
			if err := tx.Create(&rule).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func buildRule(node *snowflake.Node, seed ruleSeed, now time.Time) (rulesdomain.Rule, error) {
	trigger, err := json.Marshal(seed.trigger)
	if err != nil {
		return rulesdomain.Rule{}, err
	}
	action, err := json.Marshal(seed.action)
	if err != nil {
		return rulesdomain.Rule{}, err
	}
	rule := rulesdomain.Rule{
		ID:             node.Generate(),
		Name:           seed.name,
		Category:       seed.category,
		Trigger:        datatypes.JSON(trigger),
		Action:         datatypes.JSON(action),
		ExecutionOrder: seed.order,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := rulesdomain.Compile(rule); err != nil {
		return rulesdomain.Rule{}, err
	}
	return rule, nil
}
