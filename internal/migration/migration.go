package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/arengine/internal/audit/domain"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
	ledgerdomain "github.com/smallbiznis/arengine/internal/ledger/domain"
	letterdomain "github.com/smallbiznis/arengine/internal/letterqueue/domain"
	orchestratordomain "github.com/smallbiznis/arengine/internal/orchestrator/domain"
	plandomain "github.com/smallbiznis/arengine/internal/paymentplan/domain"
	rulesdomain "github.com/smallbiznis/arengine/internal/rules/domain"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	migrator, err := newMigrator(db)
	if err != nil {
		return err
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Version reports the applied migration version and whether it is dirty.
func Version(db *sql.DB) (uint, bool, error) {
	migrator, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}

// Models lists every table the engine reads or writes, for AutoMigrate on
// dialects without SQL migrations.
func Models() []any {
	return []any{
		&collectiondomain.Account{},
		&ledgerdomain.ChargeLine{},
		&collectiondomain.Activity{},
		&collectiondomain.AgingSnapshot{},
		&rulesdomain.Rule{},
		&rulesdomain.Task{},
		&letterdomain.Entry{},
		&plandomain.Plan{},
		&plandomain.Posting{},
		&auditdomain.Record{},
		&orchestratordomain.BatchRun{},
	}
}

// AutoMigrate creates the schema from the gorm models.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(Models()...)
}
