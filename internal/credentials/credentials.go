// Package credentials owns the lifecycle of destination access tokens: loading them from
// encrypted storage, refreshing them with each destination's strategy, and persisting the
// refreshed result before handing it to a client.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/saltyorg/watchrelay/internal/auth"
	"github.com/saltyorg/watchrelay/internal/database"
	"github.com/saltyorg/watchrelay/internal/media"
)

// ErrNotLinked is wrapped by AuthError when the user has no account for a destination.
var ErrNotLinked = errors.New("account not linked")

// Credential is a currently valid access credential for one destination.
type Credential struct {
	Destination  media.Destination
	UserID       int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// AuthError reports a credential that is missing or could not be refreshed.
type AuthError struct {
	Destination media.Destination
	UserID      int64
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s credential for user %d: %v", e.Destination, e.UserID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Manager hands out valid credentials for one destination.
type Manager interface {
	Destination() media.Destination
	Valid(ctx context.Context, userID int64) (*Credential, error)
}

// CredentialDB is the persistence the store needs.
type CredentialDB interface {
	GetCredential(userID int64, dest media.Destination) (*database.CredentialRecord, error)
	SaveCredential(rec *database.CredentialRecord) error
}

// Stored is a decrypted credential row.
type Stored struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	// Account and Secret hold login details for destinations that refresh by logging in again.
	Account string
	Secret  string
}

func (s *Stored) credential(dest media.Destination, userID int64) *Credential {
	return &Credential{
		Destination:  dest,
		UserID:       userID,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	}
}

// Store encrypts tokens and login secrets on their way into the database.
type Store struct {
	db     CredentialDB
	sealer *auth.Sealer
}

// NewStore creates a store backed by db that encrypts with sealer.
func NewStore(db CredentialDB, sealer *auth.Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

// Load returns the decrypted credential, or nil when the destination is not linked.
func (s *Store) Load(userID int64, dest media.Destination) (*Stored, error) {
	rec, err := s.db.GetCredential(userID, dest)
	if err != nil || rec == nil {
		return nil, err
	}

	stored := &Stored{ExpiresAt: rec.ExpiresAt, Account: rec.Account}
	for _, f := range []struct {
		in  string
		out *string
	}{
		{rec.AccessToken, &stored.AccessToken},
		{rec.RefreshToken, &stored.RefreshToken},
		{rec.Secret, &stored.Secret},
	} {
		if *f.out, err = s.sealer.Open(f.in); err != nil {
			return nil, fmt.Errorf("failed to decrypt %s credential for user %d: %w", dest, userID, err)
		}
	}
	return stored, nil
}

// Save encrypts and persists a credential.
func (s *Store) Save(userID int64, dest media.Destination, stored *Stored) error {
	rec := &database.CredentialRecord{
		UserID:      userID,
		Destination: dest,
		ExpiresAt:   stored.ExpiresAt,
		Account:     stored.Account,
	}

	var err error
	if rec.AccessToken, err = s.sealer.Seal(stored.AccessToken); err != nil {
		return err
	}
	if rec.RefreshToken, err = s.sealer.Seal(stored.RefreshToken); err != nil {
		return err
	}
	if rec.Secret, err = s.sealer.Seal(stored.Secret); err != nil {
		return err
	}
	return s.db.SaveCredential(rec)
}

// loadLinked loads a credential and converts "not linked" into an AuthError.
func (s *Store) loadLinked(userID int64, dest media.Destination) (*Stored, error) {
	stored, err := s.Load(userID, dest)
	if err != nil {
		return nil, &AuthError{Destination: dest, UserID: userID, Err: err}
	}
	if stored == nil {
		return nil, &AuthError{Destination: dest, UserID: userID, Err: ErrNotLinked}
	}
	return stored, nil
}

// await waits for a shared refresh until ctx ends. The refresh itself keeps running
// for the other callers and to persist its result.
func await(ctx context.Context, ch <-chan singleflight.Result, dest media.Destination) (*Credential, bool, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Credential), res.Shared, nil
	case <-ctx.Done():
		return nil, false, fmt.Errorf("waiting for %s credential refresh: %w", dest, ctx.Err())
	}
}
