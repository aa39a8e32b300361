// Package testutil holds shared fixtures for service-level tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
	"github.com/smallbiznis/arengine/internal/config"
	ledgerdomain "github.com/smallbiznis/arengine/internal/ledger/domain"
	"github.com/smallbiznis/arengine/internal/migration"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB returns a private file-backed sqlite database with the full schema.
// Transactions take the write lock when they begin and wait on busy_timeout,
// so concurrent units serialize the way row locks serialize one account.
// The file outlives connections dropped by a canceled context.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "arengine.db")
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(8)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.AutoMigrate(conn))
	return conn
}

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// Config returns a static holder over the defaults, optionally adjusted by mutate.
func Config(t testing.TB, mutate func(*config.CollectionsConfig)) *config.CollectionsConfigHolder {
	t.Helper()
	cfg := config.DefaultCollectionsConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	holder, err := config.NewStaticCollectionsConfigHolder(cfg)
	require.NoError(t, err)
	return holder
}

// Line is an outstanding charge that is DaysOld days old at the seed instant.
type Line struct {
	DaysOld int
	Amount  int64
}

type AccountSeed struct {
	Status   collectiondomain.Status
	Currency string
	Lines    []Line
	// Balance overrides the sum of Lines when non-nil.
	Balance *int64
}

// SeedAccount inserts an account and its charge lines relative to asOf.
func SeedAccount(t testing.TB, db *gorm.DB, node *snowflake.Node, asOf time.Time, seed AccountSeed) *collectiondomain.Account {
	t.Helper()

	var sum int64
	for _, line := range seed.Lines {
		sum += line.Amount
	}
	balance := sum
	if seed.Balance != nil {
		balance = *seed.Balance
	}
	status := seed.Status
	if status == "" {
		status = collectiondomain.StatusNew
	}
	currency := seed.Currency
	if currency == "" {
		currency = "USD"
	}

	account := &collectiondomain.Account{
		ID:        node.Generate(),
		Currency:  currency,
		Balance:   balance,
		Status:    status,
		Priority:  collectiondomain.PriorityLow,
		CreatedAt: asOf,
		UpdatedAt: asOf,
	}
	require.NoError(t, db.Create(account).Error)

	for _, line := range seed.Lines {
		require.NoError(t, db.Create(&ledgerdomain.ChargeLine{
			ID:                node.Generate(),
			AccountID:         account.ID,
			ServiceDate:       asOf.AddDate(0, 0, -line.DaysOld),
			OutstandingAmount: line.Amount,
			CreatedAt:         asOf,
		}).Error)
	}
	return account
}

// SetBalance simulates billing posting a new balance and outstanding lines.
func SetBalance(t testing.TB, db *gorm.DB, node *snowflake.Node, accountID snowflake.ID, asOf time.Time, lines []Line) {
	t.Helper()

	var sum int64
	for _, line := range lines {
		sum += line.Amount
	}
	require.NoError(t, db.Where("account_id = ?", accountID).Delete(&ledgerdomain.ChargeLine{}).Error)
	require.NoError(t, db.Model(&collectiondomain.Account{}).Where("id = ?", accountID).Update("balance", sum).Error)
	for _, line := range lines {
		require.NoError(t, db.Create(&ledgerdomain.ChargeLine{
			ID:                node.Generate(),
			AccountID:         accountID,
			ServiceDate:       asOf.AddDate(0, 0, -line.DaysOld),
			OutstandingAmount: line.Amount,
			CreatedAt:         asOf,
		}).Error)
	}
}

func Int64(v int64) *int64 { return &v }
