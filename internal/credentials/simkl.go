package credentials

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/httpclient"
	"github.com/saltyorg/watchrelay/internal/media"
)

// Simkl manages long-lived Simkl tokens obtained through the PIN handshake.
// Tokens do not expire, so there is nothing to refresh at runtime.
type Simkl struct {
	store  *Store
	loader *config.Loader
	client *http.Client
}

// PIN is an in-progress Simkl device authorization.
type PIN struct {
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type simklPINResponse struct {
	PIN
	Result      string `json:"result"`
	Message     string `json:"message"`
	AccessToken string `json:"access_token"`
}

// NewSimkl creates the Simkl credential manager.
func NewSimkl(store *Store, loader *config.Loader) *Simkl {
	return &Simkl{
		store:  store,
		loader: loader,
		client: httpclient.NewTraceClient("simkl-auth", config.GetTimeouts().HTTPClient),
	}
}

// Destination returns DestinationSimkl.
func (s *Simkl) Destination() media.Destination {
	return media.DestinationSimkl
}

// Valid returns the stored token.
func (s *Simkl) Valid(ctx context.Context, userID int64) (*Credential, error) {
	stored, err := s.store.loadLinked(userID, media.DestinationSimkl)
	if err != nil {
		return nil, err
	}
	if stored.AccessToken == "" {
		return nil, &AuthError{Destination: media.DestinationSimkl, UserID: userID, Err: ErrNotLinked}
	}
	return stored.credential(media.DestinationSimkl, userID), nil
}

func (s *Simkl) apiURL() string {
	return strings.TrimRight(s.loader.String("simkl.api_url", "https://api.simkl.com"), "/")
}

func (s *Simkl) clientID() (string, error) {
	id := s.loader.String("simkl.client_id", "")
	if id == "" {
		return "", fmt.Errorf("simkl.client_id is not configured")
	}
	return id, nil
}

func (s *Simkl) getPIN(ctx context.Context, path string) (*simklPINResponse, error) {
	clientID, err := s.clientID()
	if err != nil {
		return nil, err
	}

	u := s.apiURL() + path + "?client_id=" + url.QueryEscape(clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("simkl-api-key", clientID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("simkl pin request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("simkl pin request returned status %d", resp.StatusCode)
	}

	var out simklPINResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode simkl pin response: %w", err)
	}
	return &out, nil
}

// RequestPIN starts a PIN handshake. The user enters UserCode at VerificationURL.
func (s *Simkl) RequestPIN(ctx context.Context) (*PIN, error) {
	resp, err := s.getPIN(ctx, "/oauth/pin")
	if err != nil {
		return nil, err
	}
	if resp.UserCode == "" {
		return nil, fmt.Errorf("simkl did not return a user code: %s", resp.Message)
	}
	pin := resp.PIN
	if pin.Interval <= 0 {
		pin.Interval = 5
	}
	return &pin, nil
}

// PollPIN checks a PIN once. It returns an empty token while authorization is pending.
func (s *Simkl) PollPIN(ctx context.Context, userCode string) (string, error) {
	resp, err := s.getPIN(ctx, "/oauth/pin/"+url.PathEscape(userCode))
	if err != nil {
		return "", err
	}
	if resp.Result == "OK" && resp.AccessToken != "" {
		return resp.AccessToken, nil
	}
	return "", nil
}

// Link polls until the user approves the PIN or it expires, then stores the token.
func (s *Simkl) Link(ctx context.Context, userID int64, pin *PIN) error {
	expires := pin.ExpiresIn
	if expires <= 0 {
		expires = 900
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(expires)*time.Second)
	defer cancel()

	ticker := time.NewTicker(time.Duration(pin.Interval) * time.Second)
	defer ticker.Stop()

	for {
		token, err := s.PollPIN(ctx, pin.UserCode)
		if err != nil {
			return err
		}
		if token != "" {
			if err := s.store.Save(userID, media.DestinationSimkl, &Stored{AccessToken: token}); err != nil {
				return err
			}
			log.Info().Int64("user_id", userID).Msg("Linked Simkl account")
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("simkl pin %s was not approved: %w", pin.UserCode, ctx.Err())
		case <-ticker.C:
		}
	}
}
