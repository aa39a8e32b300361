package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidTrigger    = errors.New("invalid_trigger")
	ErrInvalidAction     = errors.New("invalid_action")
	ErrInvalidCategory   = errors.New("invalid_category")
	ErrInvalidName       = errors.New("invalid_name")
	ErrRuleNotFound      = errors.New("rule_not_found")
	ErrRulePanicked      = errors.New("rule_panicked")
	ErrTaskNotFound      = errors.New("task_not_found")
	ErrInvalidTaskStatus = errors.New("invalid_task_status")
)

// RuleEvaluationError reports a rule that could not be decoded or evaluated.
// The rule is skipped; evaluation of the others continues.
type RuleEvaluationError struct {
	RuleID   snowflake.ID
	RuleName string
	Err      error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule_evaluation_error: rule %d (%s): %v", e.RuleID, e.RuleName, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }
