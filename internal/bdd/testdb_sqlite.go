package bdd

import (
	"context"
	"fmt"

	"github.com/hapmoniym/blog-service/internal/testutil/cucumber"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteTestDB implements cucumber.TestDB for a sqlite database file.
type SQLiteTestDB struct {
	db *gorm.DB
}

var _ cucumber.TestDB = (*SQLiteTestDB)(nil)

// NewSQLiteTestDB opens a second connection to the sqlite file at path. It waits
// for the server's connection to release its locks instead of failing.
func NewSQLiteTestDB(path string) (*SQLiteTestDB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &SQLiteTestDB{db: db}, nil
}

func (d *SQLiteTestDB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *SQLiteTestDB) ClearAll(ctx context.Context) error {
	for _, table := range tables {
		if err := d.db.WithContext(ctx).Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("cleanup: failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (d *SQLiteTestDB) Count(ctx context.Context, kind string, conversationID string) (int64, error) {
	query, args, err := countQuery(kind, conversationID, "?")
	if err != nil {
		return 0, err
	}
	var n int64
	if err := d.db.WithContext(ctx).Raw(query, args...).Scan(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}
