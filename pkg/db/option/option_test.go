package option

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type row struct {
	ID    string `gorm:"primaryKey"`
	Score int
}

func seed(t *testing.T, n int) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&row{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for i := 1; i <= n; i++ {
		require.NoError(t, db.Create(&row{ID: fmt.Sprintf("%03d", i), Score: i}).Error)
	}
	return db
}

func fetch(t *testing.T, db *gorm.DB, opts ...QueryOption) []*row {
	t.Helper()

	tx := db.Model(&row{})
	for _, opt := range opts {
		tx = opt(tx)
	}
	var rows []*row
	require.NoError(t, tx.Find(&rows).Error)
	return rows
}

func TestApplyOperator(t *testing.T) {
	db := seed(t, 5)

	cases := []struct {
		operator Operator
		value    int
		want     int
	}{
		{EQ, 3, 1},
		{GT, 3, 2},
		{GTE, 3, 3},
		{LT, 3, 2},
		{LTE, 3, 3},
		{NE, 3, 4},
	}
	for _, tc := range cases {
		t.Run(string(tc.operator), func(t *testing.T) {
			rows := fetch(t, db, ApplyOperator(Condition{Field: "score", Operator: tc.operator, Value: tc.value}))
			require.Len(t, rows, tc.want)
		})
	}
}

func TestWithSortBy(t *testing.T) {
	db := seed(t, 3)

	rows := fetch(t, db, WithSortBy(QuerySortBy{SortBy: "score", OrderBy: "desc"}))
	require.Equal(t, 3, rows[0].Score)
	require.Equal(t, 1, rows[2].Score)

	// Empty column falls back to id ascending.
	rows = fetch(t, db, WithSortBy(QuerySortBy{}))
	require.Equal(t, "001", rows[0].ID)

	// A column outside the allowlist leaves the query unordered rather than
	// interpolating caller input.
	rows = fetch(t, db, WithSortBy(QuerySortBy{SortBy: "score; DROP TABLE rows", Allow: map[string]bool{"score": true}}))
	require.Len(t, rows, 3)
}

func TestWithLimit(t *testing.T) {
	db := seed(t, 5)

	require.Len(t, fetch(t, db, WithLimit(2)), 2)
	require.Len(t, fetch(t, db, WithLimit(0)), 5)
	require.Len(t, fetch(t, db, WithLimit(-1)), 5)
}
