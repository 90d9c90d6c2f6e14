package bdd

import (
	"context"
	"errors"
	"fmt"

	"github.com/hapmoniym/blog-service/internal/testutil/cucumber"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// tables in delete order; children before parents.
var tables = []string{"messages", "participants", "conversations", "users"}

// PostgresTestDB implements cucumber.TestDB for Postgres.
type PostgresTestDB struct {
	DBURL string
}

var _ cucumber.TestDB = (*PostgresTestDB)(nil)

func (p *PostgresTestDB) conn(ctx context.Context) (*pgx.Conn, error) {
	return pgx.Connect(ctx, p.DBURL)
}

func (p *PostgresTestDB) ClearAll(ctx context.Context) error {
	conn, err := p.conn(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	for _, table := range tables {
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

func (p *PostgresTestDB) Count(ctx context.Context, kind string, conversationID string) (int64, error) {
	query, args, err := countQuery(kind, conversationID, "$1")
	if err != nil {
		return 0, err
	}
	conn, err := p.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close(ctx)

	var n int64
	if err := conn.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

// countQuery builds a COUNT query for kind using the driver's placeholder.
func countQuery(kind, conversationID, placeholder string) (string, []any, error) {
	column := "conversation_id"
	switch kind {
	case "conversations":
		column = "id"
	case "participants", "messages":
	case "users":
		return "SELECT COUNT(*) FROM users", nil, nil
	default:
		return "", nil, fmt.Errorf("unknown record kind %q", kind)
	}
	if conversationID == "" {
		return "SELECT COUNT(*) FROM " + kind, nil, nil
	}
	return "SELECT COUNT(*) FROM " + kind + " WHERE " + column + " = " + placeholder, []any{conversationID}, nil
}
