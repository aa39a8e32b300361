package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonCanceled             = "canceled"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonUnknown              = "unknown"
)

const (
	LockResourceAccount     = "ar_account"
	LockResourcePaymentPlan = "payment_plan"
	LockResourceRun         = "batch_run"
)

// EngineMetrics captures collections engine health signals.
type EngineMetrics struct {
	batchRuns         *prometheus.CounterVec
	batchDuration     prometheus.Observer
	accountOutcomes   *prometheus.CounterVec
	accountDuration   prometheus.Observer
	actionsEmitted    *prometheus.CounterVec
	ruleErrors        prometheus.Counter
	statusTransitions *prometheus.CounterVec
	planPostings      *prometheus.CounterVec
	planMisses        prometheus.Counter
	lettersDispatched *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	dbLockWait        *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

// NewEngineMetricsForTest registers a fresh set of collectors on registerer.
func NewEngineMetricsForTest(registerer prometheus.Registerer) *EngineMetrics {
	return newEngineMetrics(registerer, Config{ServiceName: "arengine", Environment: "test"})
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "arengine"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	batchRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arengine_batch_runs_total",
		Help:        "Collection batch runs by terminal status.",
		ConstLabels: constLabels,
	}, []string{"status"})
	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "arengine_batch_run_duration_seconds",
		Help:        "Collection batch run latency.",
		Buckets:     []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		ConstLabels: constLabels,
	})
	accountOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arengine_account_outcomes_total",
		Help:        "Per-account unit of work outcomes.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	accountDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "arengine_account_duration_seconds",
		Help:        "Per-account unit of work latency.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	})
	actionsEmitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arengine_rule_actions_emitted_total",
		Help:        "Rule actions emitted by action type.",
		ConstLabels: constLabels,
	}, []string{"action"})
	ruleErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "arengine_rule_evaluation_errors_total",
		Help:        "Rules skipped because their definition failed to evaluate.",
		ConstLabels: constLabels,
	})
	statusTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arengine_collection_status_transitions_total",
		Help:        "Collection status transitions applied.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	planPostings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arengine_plan_postings_total",
		Help:        "Payment plan postings by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	planMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "arengine_plan_missed_payments_total",
		Help:        "Missed plan installments detected by the sweep.",
		ConstLabels: constLabels,
	})
	lettersDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arengine_letters_dispatched_total",
		Help:        "Letter queue entries handed to the notification broker.",
		ConstLabels: constLabels,
	}, []string{"result"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arengine_job_errors_total",
		Help:        "Engine job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "arengine_db_lock_wait_seconds",
		Help:        "Row lock wait time for SELECT FOR UPDATE.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		batchRuns,
		batchDuration,
		accountOutcomes,
		accountDuration,
		actionsEmitted,
		ruleErrors,
		statusTransitions,
		planPostings,
		planMisses,
		lettersDispatched,
		jobErrors,
		dbLockWait,
	)

	return &EngineMetrics{
		batchRuns:         batchRuns,
		batchDuration:     batchDuration,
		accountOutcomes:   accountOutcomes,
		accountDuration:   accountDuration,
		actionsEmitted:    actionsEmitted,
		ruleErrors:        ruleErrors,
		statusTransitions: statusTransitions,
		planPostings:      planPostings,
		planMisses:        planMisses,
		lettersDispatched: lettersDispatched,
		jobErrors:         jobErrors,
		dbLockWait:        dbLockWait,
	}
}

func (m *EngineMetrics) IncBatchRun(status string) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) ObserveBatchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

func (m *EngineMetrics) IncAccountOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.accountOutcomes.WithLabelValues(outcome).Inc()
	m.accountDuration.Observe(d.Seconds())
}

func (m *EngineMetrics) IncActionEmitted(action string) {
	if m == nil {
		return
	}
	m.actionsEmitted.WithLabelValues(action).Inc()
}

func (m *EngineMetrics) AddRuleErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ruleErrors.Add(float64(n))
}

func (m *EngineMetrics) IncStatusTransition(from, to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

func (m *EngineMetrics) IncPlanPosting(result string) {
	if m == nil {
		return
	}
	m.planPostings.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) AddPlanMisses(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.planMisses.Add(float64(n))
}

func (m *EngineMetrics) IncLetterDispatched(result string) {
	if m == nil {
		return
	}
	m.lettersDispatched.WithLabelValues(result).Inc()
}

// IncJobError increments the job error counter with classification.
func (m *EngineMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyReason(err)).Inc()
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *EngineMetrics) ObserveDBLockWait(resource string, d time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(d.Seconds())
}

// ClassifyReason maps job errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case hasPGCode(err, "55P03"):
		return ReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return ReasonUniqueViolation
	default:
		return ReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
