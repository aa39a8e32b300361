package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/arengine/internal/aging"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
)

type TriggerKind string

const (
	TriggerMinBucket                TriggerKind = "min_bucket"
	TriggerMinBalance               TriggerKind = "min_balance"
	TriggerStatusIn                 TriggerKind = "status_in"
	TriggerPriorityIn               TriggerKind = "priority_in"
	TriggerDaysSinceActivity        TriggerKind = "days_since_activity"
	TriggerLastActivityType         TriggerKind = "last_activity_type"
	TriggerContactAttemptsAtLeast   TriggerKind = "contact_attempts_at_least"
	TriggerConsecutiveOverThreshold TriggerKind = "consecutive_over_threshold"
	TriggerDelinquentPlan           TriggerKind = "delinquent_plan"
	TriggerAll                      TriggerKind = "all"
	TriggerAny                      TriggerKind = "any"
	TriggerNot                      TriggerKind = "not"
)

// maxTriggerDepth bounds composite nesting.
const maxTriggerDepth = 8

// Trigger is a tagged variant keyed by Kind. Only the fields of that kind are meaningful.
type Trigger struct {
	Kind       TriggerKind `json:"kind"`
	Bucket     string      `json:"bucket,omitempty"`
	MinAmount  int64       `json:"min_amount,omitempty"`
	Statuses   []string    `json:"statuses,omitempty"`
	Priorities []string    `json:"priorities,omitempty"`
	Days       int         `json:"days,omitempty"`
	Types      []string    `json:"types,omitempty"`
	Count      int         `json:"count,omitempty"`
	Cycles     int         `json:"cycles,omitempty"`
	Triggers   []Trigger   `json:"triggers,omitempty"`
	Trigger    *Trigger    `json:"trigger,omitempty"`
}

type ActionType string

const (
	ActionCreateTask  ActionType = "create_task"
	ActionQueueLetter ActionType = "queue_letter"
	ActionEscalate    ActionType = "escalate"
	ActionResolve     ActionType = "resolve"
)

type Action struct {
	Type      ActionType `json:"type"`
	DueInDays int        `json:"due_in_days,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	Template  string     `json:"template,omitempty"`
	To        string     `json:"to,omitempty"`
}

func DecodeTrigger(raw []byte) (Trigger, error) {
	var t Trigger
	if err := decodeStrict(raw, &t); err != nil {
		return Trigger{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	if err := t.Validate(); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

func DecodeAction(raw []byte) (Action, error) {
	var a Action
	if err := decodeStrict(raw, &a); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

func decodeStrict(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty document")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (t Trigger) Validate() error {
	return t.validate(0)
}

func (t Trigger) validate(depth int) error {
	if depth > maxTriggerDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidTrigger, maxTriggerDepth)
	}
	switch t.Kind {
	case TriggerMinBucket:
		if _, err := aging.ParseBucket(t.Bucket); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		if t.MinAmount < 0 {
			return fmt.Errorf("%w: min_amount must be non-negative", ErrInvalidTrigger)
		}
	case TriggerMinBalance:
		if t.MinAmount < 0 {
			return fmt.Errorf("%w: min_amount must be non-negative", ErrInvalidTrigger)
		}
	case TriggerStatusIn:
		if len(t.Statuses) == 0 {
			return fmt.Errorf("%w: statuses required", ErrInvalidTrigger)
		}
		for _, s := range t.Statuses {
			if !collectiondomain.Status(normalize(s)).Valid() {
				return fmt.Errorf("%w: unknown status %q", ErrInvalidTrigger, s)
			}
		}
	case TriggerPriorityIn:
		if len(t.Priorities) == 0 {
			return fmt.Errorf("%w: priorities required", ErrInvalidTrigger)
		}
		for _, p := range t.Priorities {
			if !collectiondomain.Priority(normalize(p)).Valid() {
				return fmt.Errorf("%w: unknown priority %q", ErrInvalidTrigger, p)
			}
		}
	case TriggerDaysSinceActivity:
		if t.Days < 0 {
			return fmt.Errorf("%w: days must be non-negative", ErrInvalidTrigger)
		}
	case TriggerLastActivityType:
		if len(t.Types) == 0 {
			return fmt.Errorf("%w: types required", ErrInvalidTrigger)
		}
		for _, typ := range t.Types {
			if !collectiondomain.ActivityType(normalize(typ)).Valid() {
				return fmt.Errorf("%w: unknown activity type %q", ErrInvalidTrigger, typ)
			}
		}
	case TriggerContactAttemptsAtLeast:
		if t.Count < 0 {
			return fmt.Errorf("%w: count must be non-negative", ErrInvalidTrigger)
		}
	case TriggerConsecutiveOverThreshold:
		if _, err := aging.ParseBucket(t.Bucket); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		if t.MinAmount < 0 {
			return fmt.Errorf("%w: min_amount must be non-negative", ErrInvalidTrigger)
		}
		if t.Cycles <= 0 {
			return fmt.Errorf("%w: cycles must be positive", ErrInvalidTrigger)
		}
	case TriggerDelinquentPlan:
	case TriggerAll, TriggerAny:
		if len(t.Triggers) == 0 {
			return fmt.Errorf("%w: %s requires triggers", ErrInvalidTrigger, t.Kind)
		}
		for _, child := range t.Triggers {
			if err := child.validate(depth + 1); err != nil {
				return err
			}
		}
	case TriggerNot:
		if t.Trigger == nil {
			return fmt.Errorf("%w: not requires trigger", ErrInvalidTrigger)
		}
		return t.Trigger.validate(depth + 1)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}
	return nil
}

func (t Trigger) cyclesNeeded() int {
	switch t.Kind {
	case TriggerConsecutiveOverThreshold:
		return t.Cycles
	case TriggerAll, TriggerAny:
		n := 0
		for _, child := range t.Triggers {
			n = max(n, child.cyclesNeeded())
		}
		return n
	case TriggerNot:
		if t.Trigger != nil {
			return t.Trigger.cyclesNeeded()
		}
	}
	return 0
}

func (a Action) Validate() error {
	switch a.Type {
	case ActionCreateTask:
		if a.DueInDays < 0 {
			return fmt.Errorf("%w: due_in_days must be non-negative", ErrInvalidAction)
		}
		if a.Priority != "" && !collectiondomain.Priority(normalize(a.Priority)).Valid() {
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidAction, a.Priority)
		}
	case ActionQueueLetter:
		if strings.TrimSpace(a.Template) == "" {
			return fmt.Errorf("%w: template required", ErrInvalidAction)
		}
	case ActionEscalate:
		switch collectiondomain.Status(normalize(a.To)) {
		case collectiondomain.StatusActive, collectiondomain.StatusLegal, collectiondomain.StatusWrittenOff:
		default:
			return fmt.Errorf("%w: cannot escalate to %q", ErrInvalidAction, a.To)
		}
	case ActionResolve:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	return nil
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
