package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/store/sqlstore"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultURL is an in-process database shared by every connection of the pool.
const DefaultURL = "file:chat?mode=memory&cache=shared"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			db, err := Open(dsn(cfg))
			if err != nil {
				return nil, err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			if cfg != nil && cfg.DatastoreMigrateAtStart && isMemory(dsn(cfg)) {
				// An in-memory database lives only as long as this pool.
				if err := AutoMigrate(db.WithContext(ctx)); err != nil {
					return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
				}
			}
			sqlstore.MonitorPool(ctx, sqlDB, 1)
			return New(db), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

// Open connects to a SQLite database. SQLite allows a single writer, so the
// pool is limited to one connection and callers queue on it.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// MemoryURL returns the DSN of a named in-memory database.
func MemoryURL(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

func isMemory(dsn string) bool {
	return strings.Contains(dsn, "mode=memory") || strings.Contains(dsn, ":memory:")
}

// New wraps an open SQLite connection as a ChatStore.
func New(db *gorm.DB) *sqlstore.Store {
	return sqlstore.New(db, sqlstore.Options{IsUniqueViolation: isUniqueViolation})
}

// AutoMigrate creates or updates the chat tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Conversation{}, &model.Message{})
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func dsn(cfg *config.Config) string {
	if cfg == nil || cfg.DBURL == "" {
		return DefaultURL
	}
	return strings.TrimPrefix(cfg.DBURL, "sqlite://")
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DatastoreType != "sqlite" || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if isMemory(dsn(cfg)) {
		return nil // migrated by the store loader
	}
	log.Info("Running migration", "name", m.Name())
	db, err := Open(dsn(cfg))
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := AutoMigrate(db.WithContext(ctx)); err != nil {
		return fmt.Errorf("migration: failed to migrate schema: %w", err)
	}
	log.Info("SQLite schema migration complete")
	return nil
}
