package destinations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/cache"
	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/httpclient"
	"github.com/saltyorg/watchrelay/internal/media"
)

// TVTimeProfile is the account behind a TV Time token.
type TVTimeProfile struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TVTime marks items watched on TV Time. Profiles are cached per local user.
type TVTime struct {
	loader   *config.Loader
	client   *http.Client
	profiles *cache.TTL[int64, *TVTimeProfile]
}

// NewTVTime creates a TV Time client that keeps resolved profiles in profiles.
func NewTVTime(loader *config.Loader, profiles *cache.TTL[int64, *TVTimeProfile]) *TVTime {
	return &TVTime{
		loader:   loader,
		client:   httpclient.NewTraceClient("tvtime", config.GetTimeouts().HTTPClient),
		profiles: profiles,
	}
}

// Destination returns DestinationTVTime.
func (t *TVTime) Destination() media.Destination {
	return media.DestinationTVTime
}

// InvalidateProfile drops the cached profile for a user, for example after a new login.
func (t *TVTime) InvalidateProfile(userID int64) {
	t.profiles.Delete(userID)
}

func (t *TVTime) apiURL() string {
	return strings.TrimRight(t.loader.String("tvtime.api_url", "https://app.tvtime.com"), "/")
}

func (t *TVTime) headers(cred *credentials.Credential) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cred.AccessToken)
	return h
}

func (t *TVTime) profile(ctx context.Context, cred *credentials.Credential) (*TVTimeProfile, error) {
	if p, ok := t.profiles.Get(cred.UserID); ok {
		return p, nil
	}

	var p TVTimeProfile
	if err := doJSON(ctx, t.client, media.DestinationTVTime, http.MethodGet, t.apiURL()+"/v2/user", t.headers(cred), nil, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, &Error{Destination: media.DestinationTVTime, Message: "profile response has no user id"}
	}

	t.profiles.Set(cred.UserID, &p)
	return &p, nil
}

type tvtimeEpisodeWatch struct {
	EpisodeID string `json:"episode_id"`
	IsRewatch bool   `json:"is_rewatch"`
}

type tvtimeMovieWatch struct {
	TVDBID    string `json:"tvdb_id,omitempty"`
	IMDBID    string `json:"imdb_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Year      int    `json:"year,omitempty"`
	IsRewatch bool   `json:"is_rewatch"`
}

// RecordWatch marks the item watched. TV Time tracks rewatches explicitly, so the flag is sent through.
func (t *TVTime) RecordWatch(ctx context.Context, cred *credentials.Credential, ev *media.PlaybackEvent, rewatch bool) error {
	var (
		path string
		body any
	)
	switch ev.MediaKind {
	case media.KindEpisode:
		if ev.IDs.TVDB == "" {
			return &Error{Destination: media.DestinationTVTime, Message: "episode has no TVDB id"}
		}
		path = "episodes"
		body = tvtimeEpisodeWatch{EpisodeID: ev.IDs.TVDB, IsRewatch: rewatch}
	case media.KindMovie:
		if ev.IDs.TVDB == "" && ev.IDs.IMDB == "" {
			return &Error{Destination: media.DestinationTVTime, Message: "movie has no TVDB or IMDB id"}
		}
		path = "movies"
		body = tvtimeMovieWatch{TVDBID: ev.IDs.TVDB, IMDBID: ev.IDs.IMDB, Title: ev.Title, Year: ev.Year, IsRewatch: rewatch}
	default:
		return &Error{Destination: media.DestinationTVTime, Message: fmt.Sprintf("unsupported media kind %q", ev.MediaKind)}
	}

	p, err := t.profile(ctx, cred)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v2/users/%d/watched/%s", t.apiURL(), p.ID, path)
	if err := doJSON(ctx, t.client, media.DestinationTVTime, http.MethodPost, endpoint, t.headers(cred), body, nil); err != nil {
		var de *Error
		if errors.As(err, &de) && de.StatusCode == http.StatusUnauthorized {
			t.InvalidateProfile(cred.UserID)
		}
		return err
	}

	log.Debug().
		Int64("user_id", cred.UserID).
		Int64("tvtime_user", p.ID).
		Str("title", ev.DisplayTitle()).
		Bool("rewatch", rewatch).
		Msg("Recorded watch on TV Time")
	return nil
}
