package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	log.Debug().Msg("Running database migrations")

	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	log.Debug().Int("current_version", currentVersion).Msg("Current schema version")

	// Run migrations
	for _, migration := range migrations {
		if migration.Version > currentVersion {
			log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applying migration")

			if err := db.Transaction(func(tx *sql.Tx) error {
				// Execute migration SQL - split by semicolons and execute each statement
				// This ensures each statement is properly executed and errors are caught
				statements := splitSQLStatements(migration.SQL)
				for i, stmt := range statements {
					if _, err := tx.Exec(stmt); err != nil {
						return fmt.Errorf("migration %d statement %d failed: %w", migration.Version, i+1, err)
					}
				}

				// Record migration
				if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
					return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
				}

				return nil
			}); err != nil {
				return err
			}
		}
	}

	log.Info().Msg("Database migrations complete")
	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

// splitSQLStatements splits a SQL string into individual statements.
// It handles comments and only returns non-empty statements.
func splitSQLStatements(sql string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.SplitSeq(sql, "\n")
	for line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip empty lines and comments
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		// Check if line ends with semicolon (statement complete)
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" && stmt != ";" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	// Handle any remaining content without trailing semicolon
	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		statements = append(statements, remaining)
	}

	return statements
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			-- Global settings
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			-- Household members and their media server accounts
			CREATE TABLE users (
				id INTEGER PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				plex_username TEXT,
				jellyfin_username TEXT,
				enabled BOOLEAN NOT NULL DEFAULT 1,
				mark_rewatch_movies BOOLEAN NOT NULL DEFAULT 0,
				mark_rewatch_episodes BOOLEAN NOT NULL DEFAULT 0,
				history_limit INTEGER,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_users_plex ON users(plex_username COLLATE NOCASE);
			CREATE INDEX idx_users_jellyfin ON users(jellyfin_username COLLATE NOCASE);

			-- Linked tracking accounts, one row per user per destination
			CREATE TABLE destination_credentials (
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				destination TEXT NOT NULL,
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT,
				expires_at TIMESTAMP,
				account TEXT,
				secret TEXT,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (user_id, destination)
			);
		`,
	},
	{
		Version: 2,
		Name:    "sync_history",
		SQL: `
			CREATE TABLE sync_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uuid TEXT NOT NULL UNIQUE,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				source TEXT NOT NULL,
				media_type TEXT NOT NULL,
				title TEXT NOT NULL,
				show_title TEXT,
				year INTEGER,
				season INTEGER,
				episode INTEGER,
				tvdb_id TEXT,
				imdb_id TEXT,
				tmdb_id TEXT,
				poster TEXT,
				success BOOLEAN NOT NULL,
				error TEXT,
				was_rewatch BOOLEAN NOT NULL DEFAULT 0,
				trakt_status TEXT NOT NULL DEFAULT '',
				trakt_error TEXT,
				simkl_status TEXT NOT NULL DEFAULT '',
				simkl_error TEXT,
				tvtime_status TEXT NOT NULL DEFAULT '',
				tvtime_error TEXT,
				synced_at TIMESTAMP NOT NULL
			);

			CREATE INDEX idx_sync_history_user_time ON sync_history(user_id, synced_at DESC, id DESC);
			CREATE INDEX idx_sync_history_tvdb ON sync_history(user_id, media_type, tvdb_id) WHERE success = 1;
			CREATE INDEX idx_sync_history_imdb ON sync_history(user_id, media_type, imdb_id) WHERE success = 1;
		`,
	},
}
