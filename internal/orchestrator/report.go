package orchestrator

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/orchestrator/domain"
)

// reportCollector aggregates per-account outcomes from concurrent workers.
type reportCollector struct {
	mu         sync.Mutex
	report     domain.RunReport
	maxSamples int
}

func newReportCollector(report domain.RunReport, maxSamples int) *reportCollector {
	if maxSamples < 0 {
		maxSamples = 0
	}
	return &reportCollector{report: report, maxSamples: maxSamples}
}

func (c *reportCollector) processed(res unitResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.AccountsProcessed++
	c.report.ActionsEmitted += res.emitted
	c.report.DuplicateActions += res.duplicates
	c.report.RuleErrors += len(res.ruleErrors)
	c.report.TransitionsRejected += len(res.rejected)
}

func (c *reportCollector) outcome(accountID snowflake.ID, outcome domain.Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case domain.OutcomeFailed:
		c.report.AccountsFailed++
	case domain.OutcomeTimedOut:
		c.report.AccountsTimedOut++
	case domain.OutcomeSkipped:
		c.report.AccountsSkipped++
	}
	c.sampleLocked(accountID, outcome, err)
}

func (c *reportCollector) ruleErrors(errs []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.RuleErrors += len(errs)
	for _, err := range errs {
		c.sampleLocked(0, domain.OutcomeSkipped, err)
	}
}

func (c *reportCollector) sampleLocked(accountID snowflake.ID, outcome domain.Outcome, err error) {
	if err == nil || len(c.report.Errors) >= c.maxSamples {
		return
	}
	c.report.Errors = append(c.report.Errors, domain.AccountError{
		AccountID: accountID,
		Outcome:   outcome,
		Error:     err.Error(),
	})
}

func (c *reportCollector) snapshot() domain.RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	report := c.report
	report.Errors = append([]domain.AccountError(nil), c.report.Errors...)
	return report
}
