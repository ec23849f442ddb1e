package bdd

import (
	"context"
	"errors"
	"fmt"

	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresTestDB implements cucumber.TestDB for Postgres.
type PostgresTestDB struct {
	DBURL string
}

var _ cucumber.TestDB = (*PostgresTestDB)(nil)

func (p *PostgresTestDB) ClearAll(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.DBURL)
	if err != nil {
		return fmt.Errorf("cleanup: failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	for _, table := range []string{"messages", "conversations"} {
		if _, err := conn.Exec(ctx, "DELETE FROM "+table); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
				continue
			}
			return fmt.Errorf("cleanup: failed to delete from %s: %w", table, err)
		}
	}
	return nil
}
