package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/saltyorg/watchrelay/internal/media"
)

// CredentialRecord is a user's stored credential for one destination.
// Token and secret columns hold whatever the credentials package wrote, which is ciphertext.
type CredentialRecord struct {
	UserID       int64
	Destination  media.Destination
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Account      string
	Secret       string
	UpdatedAt    time.Time
}

// GetCredential retrieves the credential for a user and destination. Returns nil if not linked.
func (db *DB) GetCredential(userID int64, dest media.Destination) (*CredentialRecord, error) {
	var (
		rec          CredentialRecord
		refreshToken sql.NullString
		expiresAt    sql.NullTime
		account      sql.NullString
		secret       sql.NullString
	)
	err := db.QueryRow(`
		SELECT user_id, destination, access_token, refresh_token, expires_at, account, secret, updated_at
		FROM destination_credentials WHERE user_id = ? AND destination = ?
	`, userID, string(dest)).Scan(&rec.UserID, &rec.Destination, &rec.AccessToken, &refreshToken,
		&expiresAt, &account, &secret, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s credential for user %d: %w", dest, userID, err)
	}
	rec.RefreshToken = nullStringValue(refreshToken)
	rec.ExpiresAt = nullTimeToPtr(expiresAt)
	rec.Account = nullStringValue(account)
	rec.Secret = nullStringValue(secret)
	return &rec, nil
}

// SaveCredential inserts or replaces the credential for a user and destination.
func (db *DB) SaveCredential(rec *CredentialRecord) error {
	rec.UpdatedAt = time.Now()
	_, err := db.Exec(`
		INSERT INTO destination_credentials
			(user_id, destination, access_token, refresh_token, expires_at, account, secret, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, destination) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			account = excluded.account,
			secret = excluded.secret,
			updated_at = excluded.updated_at
	`, rec.UserID, string(rec.Destination), rec.AccessToken, nullableString(rec.RefreshToken),
		nullableTime(rec.ExpiresAt), nullableString(rec.Account), nullableString(rec.Secret), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save %s credential for user %d: %w", rec.Destination, rec.UserID, err)
	}
	return nil
}

// DeleteCredential unlinks a destination for a user.
func (db *DB) DeleteCredential(userID int64, dest media.Destination) error {
	_, err := db.Exec("DELETE FROM destination_credentials WHERE user_id = ? AND destination = ?", userID, string(dest))
	if err != nil {
		return fmt.Errorf("failed to delete %s credential for user %d: %w", dest, userID, err)
	}
	return nil
}

// LinkedDestinations returns the destinations a user has a credential row for,
// in the canonical destination order.
func (db *DB) LinkedDestinations(userID int64) ([]media.Destination, error) {
	rows, err := db.Query("SELECT destination FROM destination_credentials WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials for user %d: %w", userID, err)
	}
	defer rows.Close()

	linked := make(map[media.Destination]bool)
	for rows.Next() {
		var dest string
		if err := rows.Scan(&dest); err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		linked[media.Destination(dest)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var result []media.Destination
	for _, dest := range media.Destinations {
		if linked[dest] {
			result = append(result, dest)
		}
	}
	return result, nil
}

// CredentialsExpiringBefore lists credentials for a destination whose expiry falls before cutoff.
func (db *DB) CredentialsExpiringBefore(dest media.Destination, cutoff time.Time) ([]int64, error) {
	rows, err := db.Query(`
		SELECT user_id FROM destination_credentials
		WHERE destination = ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY user_id
	`, string(dest), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring %s credentials: %w", dest, err)
	}
	defer rows.Close()

	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}
