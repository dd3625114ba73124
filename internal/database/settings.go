package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/saltyorg/watchrelay/internal/logging"
)

// GetSetting retrieves a setting value by key
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a setting value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// SetSettingJSON stores a setting as JSON. Strings are stored unquoted so typed
// getters can read them back directly.
func (db *DB) SetSettingJSON(key string, v any) error {
	if s, ok := v.(string); ok {
		return db.SetSetting(key, s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	return db.SetSetting(key, string(data))
}

// GetAllSettings retrieves all settings
func (db *DB) GetAllSettings() (map[string]string, error) {
	rows, err := db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// DeleteSetting removes a setting
func (db *DB) DeleteSetting(key string) error {
	_, err := db.Exec("DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// DefaultSettings are written on first start for keys that do not exist yet
var DefaultSettings = map[string]any{
	"log.level":                         "info",
	"log.max_size_mb":                   logging.DefaultMaxSizeMB,
	"log.max_backups":                   logging.DefaultMaxBackups,
	"log.max_age_days":                  logging.DefaultMaxAgeDays,
	"log.compress":                      logging.DefaultCompress,
	"history.retention_limit":           DefaultRetentionLimit,
	"trakt.api_url":                     "https://api.trakt.tv",
	"trakt.site_url":                    "https://trakt.tv",
	"trakt.redirect_uri":                "urn:ietf:wg:oauth:2.0:oob",
	"simkl.api_url":                     "https://api.simkl.com",
	"tvtime.api_url":                    "https://app.tvtime.com",
	"tvtime.login_url":                  "https://app.tvtime.com/welcome?mode=auth",
	"tvtime.profile_ttl_minutes":        60,
	"dispatch.rate_per_second":          2,
	"dispatch.breaker_failures":         5,
	"dispatch.breaker_timeout":          "2m",
	"webhook.rate_limit_per_minute":     120,
	"maintenance.schedule":              "0 4 * * *",
	"notifications.discord.enabled":     false,
	"notifications.discord.webhook_url": "",
	"notifications.webhook.enabled":     false,
	"notifications.webhook.url":         "",
}

// InitializeDefaults sets default values for settings that don't exist
func (db *DB) InitializeDefaults() error {
	for key, value := range DefaultSettings {
		existing, err := db.GetSetting(key)
		if err != nil {
			return err
		}
		if existing == "" {
			if err := db.SetSettingJSON(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}
