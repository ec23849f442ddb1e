package bdd

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"gorm.io/gorm"
)

// SQLiteTestDB implements cucumber.TestDB for a shared in-memory SQLite
// database. Holding a connection open also keeps the database alive.
type SQLiteTestDB struct {
	db *gorm.DB
}

var _ cucumber.TestDB = (*SQLiteTestDB)(nil)

func NewSQLiteTestDB(dsn string) (*SQLiteTestDB, error) {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := sqlite.AutoMigrate(db); err != nil {
		return nil, err
	}
	return &SQLiteTestDB{db: db}, nil
}

func (s *SQLiteTestDB) ClearAll(ctx context.Context) error {
	for _, table := range []string{"messages", "conversations"} {
		if err := s.db.WithContext(ctx).Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("cleanup: failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLiteTestDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
