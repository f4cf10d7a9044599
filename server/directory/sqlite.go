package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/mailroute/consts"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/server/mail"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is a directory stored in a local database file. Its schema mirrors
// the accounts, credentials and mailboxes tables read by Postgres.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending schema migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory database path %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Directory: Failed to enable WAL journal mode", "path", path, "error", err)
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		logger.Debug("Directory: Schema ready", "version", version, "dirty", dirty)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AddUser creates an account whose primary identity is user and provisions
// the default mailboxes.
func (s *SQLite) AddUser(ctx context.Context, user string) error {
	addr, err := mail.NewAddress(user)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM credentials WHERE address = ?)`, addr.String()).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if exists {
		return fmt.Errorf("%s: %w", addr, consts.ErrUserExists)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO accounts DEFAULT VALUES`)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	accountID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (account_id, address, primary_identity) VALUES (?, ?, TRUE)`,
		accountID, addr.String()); err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	for _, name := range consts.DefaultMailboxes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mailboxes (account_id, name) VALUES (?, ?)`, accountID, name); err != nil {
			return fmt.Errorf("failed to create mailbox %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// AddMailbox creates a mailbox for user. Shared mailboxes are never
// returned by ListPrivateMailboxes.
func (s *SQLite) AddMailbox(ctx context.Context, user, name string, shared bool) error {
	accountID, err := s.accountID(ctx, user)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO mailboxes (account_id, name, is_shared) VALUES (?, ?, ?) ON CONFLICT (account_id, name) DO NOTHING`,
		accountID, name, shared); err != nil {
		return fmt.Errorf("failed to create mailbox %s: %w", name, err)
	}
	return nil
}

// DeleteUser soft-deletes the account of user.
func (s *SQLite) DeleteUser(ctx context.Context, user string) error {
	accountID, err := s.accountID(ctx, user)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE accounts SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?`, accountID)
	return err
}

func (s *SQLite) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.address
		FROM credentials c
		JOIN accounts a ON a.id = c.account_id
		WHERE c.primary_identity AND a.deleted_at IS NULL
		ORDER BY c.address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	return collectStrings(rows)
}

func (s *SQLite) ListPrivateMailboxes(ctx context.Context, user string) ([]string, error) {
	accountID, err := s.accountID(ctx, user)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM mailboxes WHERE account_id = ? AND NOT is_shared ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	return collectStrings(rows)
}

func (s *SQLite) accountID(ctx context.Context, user string) (int64, error) {
	addr, err := mail.NewAddress(user)
	if err != nil {
		return 0, consts.ErrUserNotFound
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT c.account_id
		FROM credentials c
		JOIN accounts a ON a.id = c.account_id
		WHERE c.address = ? AND a.deleted_at IS NULL`, addr.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, consts.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find account: %w", err)
	}
	return id, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
