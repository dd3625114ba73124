package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/httpclient"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/metrics"
)

// DefaultTraktRefreshSkew refreshes Trakt tokens this long before they expire.
const DefaultTraktRefreshSkew = time.Hour

// Trakt manages OAuth2 tokens for Trakt. Refresh tokens rotate on every use, so
// refreshes for one user are coalesced.
type Trakt struct {
	store  *Store
	loader *config.Loader
	client *http.Client
	group  singleflight.Group
	skew   time.Duration
	now    func() time.Time
}

// NewTrakt creates the Trakt credential manager.
func NewTrakt(store *Store, loader *config.Loader) *Trakt {
	return &Trakt{
		store:  store,
		loader: loader,
		client: httpclient.NewTraceClient("trakt-auth", config.GetTimeouts().HTTPClient),
		skew:   DefaultTraktRefreshSkew,
		now:    time.Now,
	}
}

// Destination returns DestinationTrakt.
func (t *Trakt) Destination() media.Destination {
	return media.DestinationTrakt
}

// OAuthConfig builds the oauth2 configuration from current settings.
func (t *Trakt) OAuthConfig() *oauth2.Config {
	site := strings.TrimRight(t.loader.String("trakt.site_url", "https://trakt.tv"), "/")
	api := strings.TrimRight(t.loader.String("trakt.api_url", "https://api.trakt.tv"), "/")
	return &oauth2.Config{
		ClientID:     t.loader.String("trakt.client_id", ""),
		ClientSecret: t.loader.String("trakt.client_secret", ""),
		RedirectURL:  t.loader.String("trakt.redirect_uri", "urn:ietf:wg:oauth:2.0:oob"),
		Endpoint: oauth2.Endpoint{
			AuthURL:   site + "/oauth/authorize",
			TokenURL:  api + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (t *Trakt) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, t.client)
}

// AuthCodeURL returns the URL the user visits to authorize access.
func (t *Trakt) AuthCodeURL(state string) string {
	return t.OAuthConfig().AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and stores them.
func (t *Trakt) Exchange(ctx context.Context, userID int64, code string) error {
	cfg := t.OAuthConfig()
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return errors.New("trakt.client_id and trakt.client_secret must be configured")
	}

	tok, err := cfg.Exchange(t.oauthContext(ctx), code)
	if err != nil {
		return fmt.Errorf("trakt code exchange failed: %w", err)
	}
	if err := t.store.Save(userID, media.DestinationTrakt, storedFromToken(tok)); err != nil {
		return err
	}
	log.Info().Int64("user_id", userID).Msg("Linked Trakt account")
	return nil
}

// Valid returns a token that stays valid for at least the refresh skew, refreshing if needed.
func (t *Trakt) Valid(ctx context.Context, userID int64) (*Credential, error) {
	stored, err := t.store.loadLinked(userID, media.DestinationTrakt)
	if err != nil {
		return nil, err
	}
	if t.fresh(stored) {
		return stored.credential(media.DestinationTrakt, userID), nil
	}
	return t.refresh(ctx, userID, false)
}

func (t *Trakt) fresh(stored *Stored) bool {
	if stored.AccessToken == "" {
		return false
	}
	return stored.ExpiresAt == nil || stored.ExpiresAt.After(t.now().Add(t.skew))
}

// Refresh exchanges the stored refresh token for a new token pair and persists it,
// even when the current token is still fresh.
func (t *Trakt) Refresh(ctx context.Context, userID int64) (*Credential, error) {
	return t.refresh(ctx, userID, true)
}

func (t *Trakt) refresh(ctx context.Context, userID int64, force bool) (*Credential, error) {
	ch := t.group.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		// A coalesced caller may have finished a refresh just before this one started.
		stored, err := t.store.loadLinked(userID, media.DestinationTrakt)
		if err != nil {
			return nil, err
		}
		if !force && t.fresh(stored) {
			return stored.credential(media.DestinationTrakt, userID), nil
		}
		if stored.RefreshToken == "" {
			return nil, &AuthError{Destination: media.DestinationTrakt, UserID: userID, Err: errors.New("no refresh token stored")}
		}

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.GetTimeouts().HTTPClient)
		defer cancel()

		src := t.OAuthConfig().TokenSource(t.oauthContext(refreshCtx), &oauth2.Token{RefreshToken: stored.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			metrics.CredentialRefreshes.WithLabelValues(string(media.DestinationTrakt), metrics.ResultFailure).Inc()
			return nil, &AuthError{Destination: media.DestinationTrakt, UserID: userID, Err: fmt.Errorf("refresh failed: %w", err)}
		}

		next := storedFromToken(tok)
		if next.RefreshToken == "" {
			next.RefreshToken = stored.RefreshToken
		}
		if err := t.store.Save(userID, media.DestinationTrakt, next); err != nil {
			return nil, &AuthError{Destination: media.DestinationTrakt, UserID: userID, Err: err}
		}

		metrics.CredentialRefreshes.WithLabelValues(string(media.DestinationTrakt), metrics.ResultSuccess).Inc()
		log.Debug().Int64("user_id", userID).Msg("Refreshed Trakt token")
		return next.credential(media.DestinationTrakt, userID), nil
	})
	cred, _, err := await(ctx, ch, media.DestinationTrakt)
	return cred, err
}

func storedFromToken(tok *oauth2.Token) *Stored {
	stored := &Stored{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		stored.ExpiresAt = &expiry
	}
	return stored
}
