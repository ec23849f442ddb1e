package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their loaders.
	_ "github.com/chirino/chat-service/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-service/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-service/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("CHAT_SERVICE_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("CHAT_SERVICE_DB_KIND"),
				Usage:   "Store backend (postgres|sqlite|mongo)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "mongo-database",
				Sources: cli.EnvVars("CHAT_SERVICE_MONGO_DATABASE"),
				Usage:   "MongoDB database name (defaults to the one in the URL)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.MongoDatabase = cmd.String("mongo-database")
			if err := cfg.ApplyEnvOverrides(); err != nil {
				return err
			}
			cfg.DatastoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "store", cfg.DatastoreType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
