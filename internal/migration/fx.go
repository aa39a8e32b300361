package migration

import (
	"github.com/smallbiznis/arengine/internal/config"
	"github.com/smallbiznis/arengine/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply migrates the schema for the configured dialect and seeds the starter rule set.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if conn.Dialector.Name() == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
	} else {
		log.Info("applying gorm automigrate", zap.String("dialect", conn.Dialector.Name()))
		if err := AutoMigrate(conn); err != nil {
			return err
		}
	}

	if cfg.SeedDefaultRules {
		return seed.EnsureDefaultRules(conn, cfg.SnowflakeNode)
	}
	return nil
}
