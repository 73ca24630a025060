package keyset

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newGORMMySQLMock() (string, *gorm.DB, sqlmock.Sqlmock, error) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		return "", nil, nil, err
	}

	dialector := mysql.New(mysql.Config{
		Conn:                      mockDB,
		SkipInitializeWithVersion: true,
	})

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return "", nil, nil, err
	}

	return "mysql", db.Debug(), mock, nil
}

func newGORMPostgresMock() (string, *gorm.DB, sqlmock.Sqlmock, error) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		return "", nil, nil, err
	}

	dialector := postgres.New(postgres.Config{
		Conn: mockDB,
	})

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return "", nil, nil, err
	}

	return "postgres", db.Debug(), mock, nil
}

// newSQLiteDB opens a private in-memory database. A single connection keeps every
// statement on the same database.
func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

// countQueries counts SELECT statements sent to the database through db. Subqueries
// rendered in dry run mode are not counted.
func countQueries(t *testing.T, db *gorm.DB) *int {
	t.Helper()

	var count int
	err := db.Callback().Query().After("gorm:query").Register("keyset_test:count_queries", func(tx *gorm.DB) {
		if !tx.DryRun {
			count++
		}
	})
	require.NoError(t, err)

	return &count
}

func mustColumn(t *testing.T, attributeName string, order OrderExpression, opts ...ColumnOption) *ColumnOrderDefinition {
	t.Helper()

	column, err := NewColumnOrderDefinition(attributeName, order, opts...)
	require.NoError(t, err)

	return column
}

func mustOrder(t *testing.T, columns ...*ColumnOrderDefinition) *Order {
	t.Helper()

	order, err := NewOrder(columns...)
	require.NoError(t, err)

	return order
}

type tProject struct {
	ID    int64  `gorm:"primaryKey"`
	Name  string `gorm:"not null"`
	Year  *int64
	Month int64 `gorm:"not null"`
}

func (tProject) TableName() string {
	return "projects"
}

func int64Ptr(v int64) *int64 {
	return &v
}

// seedProjects creates the projects table with the given rows.
func seedProjects(t *testing.T, db *gorm.DB, projects []tProject) {
	t.Helper()

	require.NoError(t, db.AutoMigrate(&tProject{}))
	if len(projects) > 0 {
		require.NoError(t, db.Create(&projects).Error)
	}
}
