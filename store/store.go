// Package store persists Slack users and their sync settings in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"shelfsync/pkg/shelfsync"
)

// ErrNotFound indicates no user row exists for the given id.
var ErrNotFound = errors.New("store: user not found")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	scope          TEXT NOT NULL,
	access_token   TEXT NOT NULL,
	token_type     TEXT NOT NULL,
	profile_id     TEXT,
	title          TEXT,
	update_picture INTEGER NOT NULL DEFAULT 0,
	update_status  INTEGER NOT NULL DEFAULT 0,
	update_title   INTEGER NOT NULL DEFAULT 0
);`

// Store is a SQLite-backed user store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the user database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts a user after an OAuth exchange. If the user already
// exists, only the token fields are refreshed; profile id, title and
// opt-ins survive re-authorization.
func (s *Store) Upsert(ctx context.Context, user *shelfsync.User) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, scope, access_token, token_type)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			scope = excluded.scope,
			access_token = excluded.access_token,
			token_type = excluded.token_type`,
		user.ID, user.Scope, user.AccessToken, user.TokenType)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	s.logger.Info("User saved", "user_id", user.ID)
	return nil
}

// Get loads one user by Slack id.
func (s *Store) Get(ctx context.Context, id string) (*shelfsync.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope, access_token, token_type, profile_id, title,
			update_picture, update_status, update_title
		 FROM users WHERE id = ?`, id)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// List returns every user.
func (s *Store) List(ctx context.Context) ([]*shelfsync.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, access_token, token_type, profile_id, title,
			update_picture, update_status, update_title
		 FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var users []*shelfsync.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// SetTitle records the currently-reading title on a user row. This is the
// only field the sync pipeline writes back.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set title rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSettings stores the Goodreads profile id and the three opt-in
// flags, returning the updated row.
func (s *Store) UpdateSettings(ctx context.Context, id, profileID string, updatePicture, updateStatus, updateTitle bool) (*shelfsync.User, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users
		 SET profile_id = ?, update_picture = ?, update_status = ?, update_title = ?
		 WHERE id = ?`,
		nullable(profileID), boolInt(updatePicture), boolInt(updateStatus), boolInt(updateTitle), id)
	if err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update settings rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	s.logger.Info("Settings updated",
		"user_id", id,
		"profile_id", profileID,
		"update_picture", updatePicture,
		"update_status", updateStatus,
		"update_title", updateTitle)

	return s.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*shelfsync.User, error) {
	var (
		user              shelfsync.User
		profileID, title  sql.NullString
		pic, status, ttle int
	)
	err := row.Scan(&user.ID, &user.Scope, &user.AccessToken, &user.TokenType,
		&profileID, &title, &pic, &status, &ttle)
	if err != nil {
		return nil, err
	}
	user.ProfileID = profileID.String
	user.Title = title.String
	user.UpdatePicture = pic != 0
	user.UpdateStatus = status != 0
	user.UpdateTitle = ttle != 0
	return &user, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
