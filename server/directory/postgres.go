// Package directory provides the user and mailbox directories consulted by
// the RandomStoring mailet. Postgres reads the accounts schema of an existing
// mail store; SQLite is a self-contained directory for single-node setups.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/mailroute/consts"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/retry"
)

// Postgres lists the primary identities of live accounts and their own
// (non-shared) mailboxes.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	logger.Info("Directory: Connecting to database", "host", config.ConnConfig.Host, "database", config.ConnConfig.Database)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	// the database may still be starting up alongside us
	err = retry.WithRetry(ctx, retry.DefaultBackoffConfig(), func() error {
		err := pool.Ping(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28") {
			// invalid authorization
			return retry.Stop(err)
		}
		if err != nil {
			logger.Warn("Directory: Database not reachable yet", "error", err)
		}
		return err
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT c.address
		FROM credentials c
		JOIN accounts a ON a.id = c.account_id
		WHERE c.primary_identity = TRUE AND a.deleted_at IS NULL
		ORDER BY c.address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return users, nil
}

func (p *Postgres) ListPrivateMailboxes(ctx context.Context, user string) ([]string, error) {
	var accountID int64
	err := p.pool.QueryRow(ctx, `
		SELECT c.account_id
		FROM credentials c
		JOIN accounts a ON a.id = c.account_id
		WHERE LOWER(c.address) = $1 AND a.deleted_at IS NULL`,
		strings.ToLower(strings.TrimSpace(user))).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT name FROM mailboxes
		WHERE account_id = $1 AND COALESCE(is_shared, FALSE) = FALSE
		ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	mailboxes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan mailboxes: %w", err)
	}
	return mailboxes, nil
}
