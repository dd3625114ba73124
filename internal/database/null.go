package database

import (
	"database/sql"
	"time"
)

// nullTimeToPtr converts a sql.NullTime to a pointer (nil if not valid)
func nullTimeToPtr(n sql.NullTime) *time.Time {
	if n.Valid {
		return &n.Time
	}
	return nil
}

// nullStringValue converts a sql.NullString to a string (empty if not valid)
func nullStringValue(n sql.NullString) string {
	if n.Valid {
		return n.String
	}
	return ""
}

// nullIntValue converts a sql.NullInt64 to an int (zero if not valid)
func nullIntValue(n sql.NullInt64) int {
	if n.Valid {
		return int(n.Int64)
	}
	return 0
}

// nullableString maps empty strings to NULL so optional text columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt maps zero to NULL for optional integer columns.
func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// nullableTime maps a nil pointer to NULL. Times are stored in UTC so text comparison orders them.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
