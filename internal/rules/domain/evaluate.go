package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/aging"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
)

// Snapshot is the account state rules are evaluated against.
type Snapshot struct {
	AccountID       snowflake.ID
	Balance         int64
	Buckets         aging.Buckets
	Status          collectiondomain.Status
	Priority        collectiondomain.Priority
	ContactAttempts int
	LastActivityAt  *time.Time
	// History holds the splits of the most recent evaluations, newest first,
	// including the current one. Empty means only Buckets is known.
	History []aging.Buckets
	// Latest is the triggering activity, nil when the account has none.
	Latest *collectiondomain.Activity
}

// TriggerActivityID is the id of the triggering activity, 0 when there is none.
func (s Snapshot) TriggerActivityID() snowflake.ID {
	if s.Latest == nil {
		return 0
	}
	return s.Latest.ID
}

// CompiledRule is a rule with its trigger and action decoded and validated.
type CompiledRule struct {
	Rule    Rule
	Trigger Trigger
	Action  Action
}

func Compile(rule Rule) (CompiledRule, error) {
	if !rule.Category.Valid() {
		return CompiledRule{}, &RuleEvaluationError{RuleID: rule.ID, RuleName: rule.Name, Err: ErrInvalidCategory}
	}
	trigger, err := DecodeTrigger(rule.Trigger)
	if err != nil {
		return CompiledRule{}, &RuleEvaluationError{RuleID: rule.ID, RuleName: rule.Name, Err: err}
	}
	action, err := DecodeAction(rule.Action)
	if err != nil {
		return CompiledRule{}, &RuleEvaluationError{RuleID: rule.ID, RuleName: rule.Name, Err: err}
	}
	return CompiledRule{Rule: rule, Trigger: trigger, Action: action}, nil
}

type Match struct {
	RuleID   snowflake.ID
	RuleName string
	Category Category
	Action   Action
}

type Result struct {
	Matches []Match
	Errors  []*RuleEvaluationError
}

// Evaluate runs rules against snap. It is pure: the same snapshot, rules and now
// always yield the same result. Inactive rules are ignored.
func Evaluate(snap Snapshot, rules []Rule, now time.Time) Result {
	var result Result
	byCategory := make(map[Category][]CompiledRule, len(CategoryOrder))
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		compiled, err := Compile(rule)
		if err != nil {
			var evalErr *RuleEvaluationError
			if !errors.As(err, &evalErr) {
				evalErr = &RuleEvaluationError{RuleID: rule.ID, RuleName: rule.Name, Err: err}
			}
			result.Errors = append(result.Errors, evalErr)
			continue
		}
		byCategory[rule.Category] = append(byCategory[rule.Category], compiled)
	}

	for _, category := range CategoryOrder {
		compiled := byCategory[category]
		sort.SliceStable(compiled, func(i, j int) bool {
			if compiled[i].Rule.ExecutionOrder != compiled[j].Rule.ExecutionOrder {
				return compiled[i].Rule.ExecutionOrder < compiled[j].Rule.ExecutionOrder
			}
			return compiled[i].Rule.ID < compiled[j].Rule.ID
		})
		for _, c := range compiled {
			matched, err := safeMatch(c, snap, now)
			if err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			if !matched {
				continue
			}
			result.Matches = append(result.Matches, Match{
				RuleID:   c.Rule.ID,
				RuleName: c.Rule.Name,
				Category: category,
				Action:   c.Action,
			})
			if category.MatchMode() == MatchFirst {
				break
			}
		}
	}
	return result
}

func safeMatch(c CompiledRule, snap Snapshot, now time.Time) (matched bool, evalErr *RuleEvaluationError) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			evalErr = &RuleEvaluationError{
				RuleID:   c.Rule.ID,
				RuleName: c.Rule.Name,
				Err:      fmt.Errorf("%w: %v", ErrRulePanicked, r),
			}
		}
	}()
	return Matches(c.Trigger, snap, now), nil
}

// Matches reports whether t holds for snap at now. t must be valid.
func Matches(t Trigger, snap Snapshot, now time.Time) bool {
	switch t.Kind {
	case TriggerMinBucket:
		bucket, _ := aging.ParseBucket(t.Bucket)
		return snap.Buckets.Amount(bucket) >= t.MinAmount
	case TriggerMinBalance:
		return snap.Balance >= t.MinAmount
	case TriggerStatusIn:
		return containsNormalized(t.Statuses, string(snap.Status))
	case TriggerPriorityIn:
		return containsNormalized(t.Priorities, string(snap.Priority))
	case TriggerDaysSinceActivity:
		last := lastActivityAt(snap)
		if last == nil {
			return true
		}
		return aging.DaysOutstanding(*last, now) >= t.Days
	case TriggerLastActivityType:
		return snap.Latest != nil && containsNormalized(t.Types, string(snap.Latest.Type))
	case TriggerContactAttemptsAtLeast:
		return snap.ContactAttempts >= t.Count
	case TriggerConsecutiveOverThreshold:
		bucket, _ := aging.ParseBucket(t.Bucket)
		return consecutiveAtLeast(snap, bucket, t.MinAmount) >= t.Cycles
	case TriggerDelinquentPlan:
		return snap.Latest != nil && snap.Latest.Type == collectiondomain.ActivityDelinquency
	case TriggerAll:
		for _, child := range t.Triggers {
			if !Matches(child, snap, now) {
				return false
			}
		}
		return true
	case TriggerAny:
		for _, child := range t.Triggers {
			if Matches(child, snap, now) {
				return true
			}
		}
		return false
	case TriggerNot:
		return !Matches(*t.Trigger, snap, now)
	}
	panic(fmt.Sprintf("unhandled trigger kind %q", t.Kind))
}

// consecutiveAtLeast counts the most recent evaluations in a row whose bucket
// held at least min.
func consecutiveAtLeast(snap Snapshot, bucket aging.Bucket, min int64) int {
	history := snap.History
	if len(history) == 0 {
		history = []aging.Buckets{snap.Buckets}
	}
	n := 0
	for _, b := range history {
		if b.Amount(bucket) < min {
			break
		}
		n++
	}
	return n
}

// HistoryDepth is how many recent evaluations the active rules look back over.
// It is at least 1.
func HistoryDepth(rules []Rule) int {
	depth := 1
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		compiled, err := Compile(rule)
		if err != nil {
			continue
		}
		depth = max(depth, compiled.Trigger.cyclesNeeded())
	}
	return depth
}

func lastActivityAt(snap Snapshot) *time.Time {
	last := snap.LastActivityAt
	if snap.Latest != nil && (last == nil || snap.Latest.OccurredAt.After(*last)) {
		occurred := snap.Latest.OccurredAt
		last = &occurred
	}
	return last
}

func containsNormalized(values []string, target string) bool {
	return slices.ContainsFunc(values, func(v string) bool {
		return strings.EqualFold(strings.TrimSpace(v), target)
	})
}

// DedupKey identifies one emission of a rule for one triggering activity.
func DedupKey(accountID, ruleID, triggerActivityID snowflake.ID) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d", accountID, ruleID, triggerActivityID)))
	return hex.EncodeToString(sum[:])
}
