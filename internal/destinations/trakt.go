package destinations

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/httpclient"
	"github.com/saltyorg/watchrelay/internal/media"
)

// Trakt adds plays to a Trakt watch history.
type Trakt struct {
	loader *config.Loader
	client *http.Client
}

// NewTrakt creates a Trakt client. API host and client id are read from settings on each call.
func NewTrakt(loader *config.Loader) *Trakt {
	return &Trakt{
		loader: loader,
		client: httpclient.NewTraceClient("trakt", config.GetTimeouts().HTTPClient),
	}
}

// Destination returns DestinationTrakt.
func (t *Trakt) Destination() media.Destination {
	return media.DestinationTrakt
}

// RecordWatch adds one play. Trakt keeps every play, so a rewatch needs no special handling.
func (t *Trakt) RecordWatch(ctx context.Context, cred *credentials.Credential, ev *media.PlaybackEvent, rewatch bool) error {
	api := strings.TrimRight(t.loader.String("trakt.api_url", "https://api.trakt.tv"), "/")

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.AccessToken)
	headers.Set("trakt-api-version", "2")
	headers.Set("trakt-api-key", t.loader.String("trakt.client_id", ""))

	if err := postHistory(ctx, t.client, media.DestinationTrakt, api+"/sync/history", headers, ev); err != nil {
		return err
	}

	log.Debug().
		Int64("user_id", cred.UserID).
		Str("title", ev.DisplayTitle()).
		Bool("rewatch", rewatch).
		Msg("Recorded watch on Trakt")
	return nil
}
