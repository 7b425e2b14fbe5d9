package userprofile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a user has no profile yet.
var ErrNotFound = errors.New("user profile not found")

// Change is one stored version of a profile.
type Change struct {
	Version   int       `json:"version"`
	Profile   Profile   `json:"profile"`
	ChangedAt time.Time `json:"changedAt"`
}

// Store persists profiles and their change log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var schema = []string{
	`PRAGMA journal_mode=WAL`,
	`PRAGMA busy_timeout=5000`,
	`CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		profile TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profile_changelog (
		user_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		profile TEXT NOT NULL,
		changed_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, version)
	)`,
}

// OpenStore opens or creates the database at path. ":memory:" keeps it in
// process.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create profile db directory", goerr.V("path", path))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open profile db", goerr.V("path", path))
	}
	// One writer; an in-memory database also lives on a single connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, goerr.Wrap(err, "failed to initialize profile db", goerr.V("path", path))
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the user's current profile.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	var (
		raw       string
		version   int
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT profile, version, updated_at FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&raw, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read profile", goerr.V("user", userID))
	}

	p, err := decodeProfile(raw)
	if err != nil {
		return nil, goerr.Wrap(err, "stored profile is corrupt", goerr.V("user", userID))
	}
	p.UserID = userID
	p.Version = version
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return p, nil
}

// Put stores p as the user's next version and returns that version.
func (s *Store) Put(ctx context.Context, p *Profile) (int, error) {
	if p.UserID == "" {
		return 0, goerr.New("profile has no user id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to begin profile update")
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM user_profiles WHERE user_id = ?`, p.UserID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, goerr.Wrap(err, "failed to read profile version", goerr.V("user", p.UserID))
	}

	next := current + 1
	now := s.now()
	stored := *p
	stored.Version = next
	stored.UpdatedAt = now
	raw, err := json.Marshal(stored)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to encode profile")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, profile, version, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET profile = excluded.profile, version = excluded.version, updated_at = excluded.updated_at`,
		p.UserID, string(raw), next, now.UnixMilli(),
	); err != nil {
		return 0, goerr.Wrap(err, "failed to write profile", goerr.V("user", p.UserID))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profile_changelog (user_id, version, profile, changed_at) VALUES (?, ?, ?, ?)`,
		p.UserID, next, string(raw), now.UnixMilli(),
	); err != nil {
		return 0, goerr.Wrap(err, "failed to write profile changelog", goerr.V("user", p.UserID))
	}
	if err := tx.Commit(); err != nil {
		return 0, goerr.Wrap(err, "failed to commit profile update")
	}

	p.Version = next
	p.UpdatedAt = now
	return next, nil
}

// History returns up to limit versions, newest first. limit <= 0 returns all.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, profile, changed_at FROM profile_changelog WHERE user_id = ? ORDER BY version DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read profile history", goerr.V("user", userID))
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c       Change
			raw     string
			changed int64
		)
		if err := rows.Scan(&c.Version, &raw, &changed); err != nil {
			return nil, goerr.Wrap(err, "failed to scan profile history")
		}
		p, err := decodeProfile(raw)
		if err != nil {
			continue
		}
		c.Profile = *p
		c.ChangedAt = time.UnixMilli(changed)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read profile history")
	}
	return out, nil
}

func decodeProfile(raw string) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
