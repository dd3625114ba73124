package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/saltyorg/watchrelay/internal/media"
)

// User is a household member whose media server accounts are mapped to tracking destinations.
type User struct {
	ID                  int64
	Name                string
	PlexUsername        string
	JellyfinUsername    string
	Enabled             bool
	MarkRewatchMovies   bool
	MarkRewatchEpisodes bool
	HistoryLimit        int // 0 = use history.retention_limit
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// MarkRewatch reports whether rewatches of the given kind should be reported as such.
func (u *User) MarkRewatch(kind media.Kind) bool {
	switch kind {
	case media.KindMovie:
		return u.MarkRewatchMovies
	case media.KindEpisode:
		return u.MarkRewatchEpisodes
	default:
		return false
	}
}

const userColumns = `id, name, plex_username, jellyfin_username, enabled, mark_rewatch_movies,
	mark_rewatch_episodes, history_limit, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u            User
		plexUser     sql.NullString
		jellyfinUser sql.NullString
		historyLimit sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Name, &plexUser, &jellyfinUser, &u.Enabled, &u.MarkRewatchMovies,
		&u.MarkRewatchEpisodes, &historyLimit, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.PlexUsername = nullStringValue(plexUser)
	u.JellyfinUsername = nullStringValue(jellyfinUser)
	u.HistoryLimit = nullIntValue(historyLimit)
	return &u, nil
}

// CreateUser inserts a new user and fills in its ID.
func (db *DB) CreateUser(u *User) error {
	now := time.Now()
	result, err := db.Exec(`
		INSERT INTO users (name, plex_username, jellyfin_username, enabled, mark_rewatch_movies,
			mark_rewatch_episodes, history_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.Name, nullableString(u.PlexUsername), nullableString(u.JellyfinUsername), u.Enabled,
		u.MarkRewatchMovies, u.MarkRewatchEpisodes, nullableInt(u.HistoryLimit), now, now)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user id: %w", err)
	}
	u.ID = id
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// UpdateUser saves the mutable fields of a user.
func (db *DB) UpdateUser(u *User) error {
	u.UpdatedAt = time.Now()
	_, err := db.Exec(`
		UPDATE users SET name = ?, plex_username = ?, jellyfin_username = ?, enabled = ?,
			mark_rewatch_movies = ?, mark_rewatch_episodes = ?, history_limit = ?, updated_at = ?
		WHERE id = ?
	`, u.Name, nullableString(u.PlexUsername), nullableString(u.JellyfinUsername), u.Enabled,
		u.MarkRewatchMovies, u.MarkRewatchEpisodes, nullableInt(u.HistoryLimit), u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", u.ID, err)
	}
	return nil
}

// GetUser retrieves a user by ID. Returns nil if not found.
func (db *DB) GetUser(id int64) (*User, error) {
	u, err := scanUser(db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByName retrieves a user by its local name. Returns nil if not found.
func (db *DB) GetUserByName(name string) (*User, error) {
	u, err := scanUser(db.QueryRow("SELECT "+userColumns+" FROM users WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", name, err)
	}
	return u, nil
}

// UserForSource maps a media server username to a local user, case-insensitively.
// Returns nil if no user is mapped. Disabled users are returned; callers decide.
func (db *DB) UserForSource(source media.Source, username string) (*User, error) {
	var column string
	switch source {
	case media.SourcePlex:
		column = "plex_username"
	case media.SourceJellyfin:
		column = "jellyfin_username"
	default:
		return nil, fmt.Errorf("unknown source: %s", source)
	}
	if username == "" {
		return nil, nil
	}

	u, err := scanUser(db.QueryRow(
		"SELECT "+userColumns+" FROM users WHERE "+column+" = ? COLLATE NOCASE ORDER BY id LIMIT 1",
		username,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s user %s: %w", source, username, err)
	}
	return u, nil
}

// ListUsers returns all users ordered by ID.
func (db *DB) ListUsers() ([]*User, error) {
	rows, err := db.Query("SELECT " + userColumns + " FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
