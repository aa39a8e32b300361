package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AgingBucket is one age window in days. A nil MaxDays means unbounded.
type AgingBucket struct {
	Label   string `mapstructure:"label"`
	MinDays int    `mapstructure:"minDays"`
	MaxDays *int   `mapstructure:"maxDays"`
}

type PriorityConfig struct {
	HighBalance   int64 `mapstructure:"highBalance"`
	MediumBalance int64 `mapstructure:"mediumBalance"`
	HighScore     int64 `mapstructure:"highScore"`
}

type PlanConfig struct {
	DefaultAfterMisses int `mapstructure:"defaultAfterMisses"`
	GraceDays          int `mapstructure:"graceDays"`
}

type OrchestratorConfig struct {
	Workers         int           `mapstructure:"workers"`
	BatchSize       int           `mapstructure:"batchSize"`
	AccountTimeout  time.Duration `mapstructure:"accountTimeout"`
	RunInterval     time.Duration `mapstructure:"runInterval"`
	MaxErrorSamples int           `mapstructure:"maxErrorSamples"`
}

// CollectionsConfig is the hot-reloadable engine configuration.
type CollectionsConfig struct {
	AgingBuckets []AgingBucket `mapstructure:"agingBuckets"`
	Priority     PriorityConfig `mapstructure:"priority"`
	// EscalationThreshold is the 91+ bucket amount counted by over_threshold_cycles.
	EscalationThreshold int64              `mapstructure:"escalationThreshold"`
	Plans               PlanConfig         `mapstructure:"plans"`
	Orchestrator        OrchestratorConfig `mapstructure:"orchestrator"`
}

func DefaultCollectionsConfig() CollectionsConfig {
	return CollectionsConfig{
		AgingBuckets: []AgingBucket{
			{Label: "0-30", MinDays: 0, MaxDays: intPtr(30)},
			{Label: "31-60", MinDays: 31, MaxDays: intPtr(60)},
			{Label: "61-90", MinDays: 61, MaxDays: intPtr(90)},
			{Label: "91+", MinDays: 91, MaxDays: nil},
		},
		Priority: PriorityConfig{
			HighBalance:   500_000,
			MediumBalance: 100_000,
			HighScore:     2_000,
		},
		EscalationThreshold: 100_000,
		Plans: PlanConfig{
			DefaultAfterMisses: 3,
			GraceDays:          0,
		},
		Orchestrator: OrchestratorConfig{
			Workers:         8,
			BatchSize:       200,
			AccountTimeout:  30 * time.Second,
			RunInterval:     time.Hour,
			MaxErrorSamples: 20,
		},
	}
}

func intPtr(v int) *int { return &v }

type CollectionsConfigHolder struct {
	current atomic.Value // holds CollectionsConfig
}

// NewStaticCollectionsConfigHolder returns a holder that never reloads.
func NewStaticCollectionsConfigHolder(cfg CollectionsConfig) (*CollectionsConfigHolder, error) {
	if err := ValidateCollectionsConfig(cfg); err != nil {
		return nil, err
	}
	holder := &CollectionsConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewCollectionsConfigHolder(log *zap.Logger) (*CollectionsConfigHolder, error) {
	v := viper.New()

	if path := strings.TrimSpace(os.Getenv("ARENGINE_COLLECTIONS_CONFIG")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collections")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/arengine")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ARENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return loadCollectionsConfig(v, log)
}

func loadCollectionsConfig(v *viper.Viper, log *zap.Logger) (*CollectionsConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.collections")

	setCollectionsDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("collections config file not found, using defaults")
	}

	cfg, err := decodeCollectionsConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &CollectionsConfigHolder{}
	holder.current.Store(cfg)

	if v.ConfigFileUsed() == "" {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCollectionsConfig(v)
		if err != nil {
			log.Warn("invalid collections config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("collections config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func setCollectionsDefaults(v *viper.Viper) {
	d := DefaultCollectionsConfig()
	v.SetDefault("collections.agingBuckets", d.AgingBuckets)
	v.SetDefault("collections.priority.highBalance", d.Priority.HighBalance)
	v.SetDefault("collections.priority.mediumBalance", d.Priority.MediumBalance)
	v.SetDefault("collections.priority.highScore", d.Priority.HighScore)
	v.SetDefault("collections.escalationThreshold", d.EscalationThreshold)
	v.SetDefault("collections.plans.defaultAfterMisses", d.Plans.DefaultAfterMisses)
	v.SetDefault("collections.plans.graceDays", d.Plans.GraceDays)
	v.SetDefault("collections.orchestrator.workers", d.Orchestrator.Workers)
	v.SetDefault("collections.orchestrator.batchSize", d.Orchestrator.BatchSize)
	v.SetDefault("collections.orchestrator.accountTimeout", d.Orchestrator.AccountTimeout)
	v.SetDefault("collections.orchestrator.runInterval", d.Orchestrator.RunInterval)
	v.SetDefault("collections.orchestrator.maxErrorSamples", d.Orchestrator.MaxErrorSamples)
}

func decodeCollectionsConfig(v *viper.Viper) (CollectionsConfig, error) {
	// Unmarshal merges defaults per leaf key; UnmarshalKey on the parent would not.
	var wrapper struct {
		Collections CollectionsConfig `mapstructure:"collections"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return CollectionsConfig{}, err
	}
	cfg := wrapper.Collections
	if err := ValidateCollectionsConfig(cfg); err != nil {
		return CollectionsConfig{}, err
	}
	return cfg, nil
}

func (h *CollectionsConfigHolder) Get() CollectionsConfig {
	return h.current.Load().(CollectionsConfig)
}

func ValidateCollectionsConfig(cfg CollectionsConfig) error {
	var errs []error

	if err := ValidateAgingBuckets(cfg.AgingBuckets); err != nil {
		errs = append(errs, err)
	}

	if cfg.Priority.HighBalance < cfg.Priority.MediumBalance {
		errs = append(errs, errors.New("collections.priority.highBalance must be >= mediumBalance"))
	}
	if cfg.EscalationThreshold < 0 {
		errs = append(errs, errors.New("collections.escalationThreshold must be >= 0"))
	}
	if cfg.Plans.DefaultAfterMisses <= 0 {
		errs = append(errs, errors.New("collections.plans.defaultAfterMisses must be > 0"))
	}
	if cfg.Plans.GraceDays < 0 {
		errs = append(errs, errors.New("collections.plans.graceDays must be >= 0"))
	}
	o := cfg.Orchestrator
	if o.Workers <= 0 {
		errs = append(errs, errors.New("collections.orchestrator.workers must be > 0"))
	}
	if o.BatchSize <= 0 {
		errs = append(errs, errors.New("collections.orchestrator.batchSize must be > 0"))
	}
	if o.AccountTimeout <= 0 {
		errs = append(errs, errors.New("collections.orchestrator.accountTimeout must be > 0"))
	}
	if o.RunInterval <= 0 {
		errs = append(errs, errors.New("collections.orchestrator.runInterval must be > 0"))
	}
	if o.MaxErrorSamples < 0 {
		errs = append(errs, errors.New("collections.orchestrator.maxErrorSamples must be >= 0"))
	}

	return errors.Join(errs...)
}

// ValidateAgingBuckets requires four contiguous windows starting at day 0 with
// only the last one unbounded.
func ValidateAgingBuckets(buckets []AgingBucket) error {
	if len(buckets) != 4 {
		return fmt.Errorf("collections.agingBuckets must define exactly 4 windows, got %d", len(buckets))
	}
	next := 0
	for i, b := range buckets {
		if b.MinDays != next {
			return fmt.Errorf("collections.agingBuckets[%d] must start at day %d", i, next)
		}
		if i == len(buckets)-1 {
			if b.MaxDays != nil {
				return errors.New("collections.agingBuckets last window must be unbounded")
			}
			return nil
		}
		if b.MaxDays == nil || *b.MaxDays < b.MinDays {
			return fmt.Errorf("collections.agingBuckets[%d] must have maxDays >= minDays", i)
		}
		next = *b.MaxDays + 1
	}
	return nil
}
