package credentials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/metrics"
)

const (
	// DefaultTVTimeRefreshSkew refreshes TV Time tokens this long before they expire.
	DefaultTVTimeRefreshSkew = 5 * time.Minute
	// DefaultTVTimeTokenLifetime applies when the token carries no readable expiry.
	DefaultTVTimeTokenLifetime = 12 * time.Hour
)

// BrowserLogin signs in to TV Time and returns the session token.
type BrowserLogin interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// TVTime manages short-lived TV Time tokens that are renewed by replaying the web login.
type TVTime struct {
	store     *Store
	browser   BrowserLogin
	group     singleflight.Group
	skew      time.Duration
	now       func() time.Time
	onRefresh func(userID int64)
}

// NewTVTime creates the TV Time credential manager. onRefresh runs after every
// successful refresh, typically to drop cached profile data for the user.
func NewTVTime(store *Store, browser BrowserLogin, onRefresh func(userID int64)) *TVTime {
	return &TVTime{
		store:     store,
		browser:   browser,
		skew:      DefaultTVTimeRefreshSkew,
		now:       time.Now,
		onRefresh: onRefresh,
	}
}

// Destination returns DestinationTVTime.
func (t *TVTime) Destination() media.Destination {
	return media.DestinationTVTime
}

func (t *TVTime) fresh(stored *Stored) bool {
	return stored.AccessToken != "" && stored.ExpiresAt != nil && stored.ExpiresAt.After(t.now().Add(t.skew))
}

// Valid returns the stored token, logging in again when it is missing or about to expire.
func (t *TVTime) Valid(ctx context.Context, userID int64) (*Credential, error) {
	stored, err := t.store.loadLinked(userID, media.DestinationTVTime)
	if err != nil {
		return nil, err
	}
	if t.fresh(stored) {
		return stored.credential(media.DestinationTVTime, userID), nil
	}
	return t.refresh(ctx, userID, false)
}

// Link stores the login for a user and performs the first login immediately.
func (t *TVTime) Link(ctx context.Context, userID int64, username, password string) error {
	if username == "" || password == "" {
		return errors.New("tv time username and password are required")
	}
	if err := t.store.Save(userID, media.DestinationTVTime, &Stored{Account: username, Secret: password}); err != nil {
		return err
	}
	if _, err := t.refresh(ctx, userID, true); err != nil {
		return err
	}
	log.Info().Int64("user_id", userID).Str("account", username).Msg("Linked TV Time account")
	return nil
}

// refresh logs in at most once per user at a time. Concurrent callers share the result.
func (t *TVTime) refresh(ctx context.Context, userID int64, force bool) (*Credential, error) {
	ch := t.group.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		stored, err := t.store.loadLinked(userID, media.DestinationTVTime)
		if err != nil {
			return nil, err
		}
		if !force && t.fresh(stored) {
			return stored.credential(media.DestinationTVTime, userID), nil
		}
		if stored.Account == "" || stored.Secret == "" {
			return nil, &AuthError{Destination: media.DestinationTVTime, UserID: userID, Err: errors.New("no stored login")}
		}

		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.GetTimeouts().BrowserRefresh)
		defer cancel()

		start := time.Now()
		token, err := t.browser.Login(loginCtx, stored.Account, stored.Secret)
		if err == nil && token == "" {
			err = errors.New("login produced no token")
		}
		if err != nil {
			metrics.CredentialRefreshes.WithLabelValues(string(media.DestinationTVTime), metrics.ResultFailure).Inc()
			return nil, &AuthError{Destination: media.DestinationTVTime, UserID: userID, Err: fmt.Errorf("browser login failed: %w", err)}
		}

		expiry, ok := tokenExpiry(token)
		if !ok {
			expiry = t.now().Add(DefaultTVTimeTokenLifetime)
		}
		expiry = expiry.UTC()
		stored.AccessToken = token
		stored.ExpiresAt = &expiry
		if err := t.store.Save(userID, media.DestinationTVTime, stored); err != nil {
			return nil, &AuthError{Destination: media.DestinationTVTime, UserID: userID, Err: err}
		}

		if t.onRefresh != nil {
			t.onRefresh(userID)
		}
		metrics.CredentialRefreshes.WithLabelValues(string(media.DestinationTVTime), metrics.ResultSuccess).Inc()
		log.Debug().
			Int64("user_id", userID).
			Dur("took", time.Since(start)).
			Time("expires_at", expiry).
			Msg("Refreshed TV Time token")
		return stored.credential(media.DestinationTVTime, userID), nil
	})
	cred, shared, err := await(ctx, ch, media.DestinationTVTime)
	if err != nil {
		return nil, err
	}
	if shared {
		log.Trace().Int64("user_id", userID).Msg("Shared in-flight TV Time refresh")
	}
	return cred, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Unix() <= 0 {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
