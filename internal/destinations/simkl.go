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

// Simkl adds watches to a Simkl history.
type Simkl struct {
	loader *config.Loader
	client *http.Client
}

// NewSimkl creates a Simkl client. API host and client id are read from settings on each call.
func NewSimkl(loader *config.Loader) *Simkl {
	return &Simkl{
		loader: loader,
		client: httpclient.NewTraceClient("simkl", config.GetTimeouts().HTTPClient),
	}
}

// Destination returns DestinationSimkl.
func (s *Simkl) Destination() media.Destination {
	return media.DestinationSimkl
}

// RecordWatch adds the item to the user's history. Simkl keeps repeat plays, so the rewatch flag is unused.
func (s *Simkl) RecordWatch(ctx context.Context, cred *credentials.Credential, ev *media.PlaybackEvent, rewatch bool) error {
	api := strings.TrimRight(s.loader.String("simkl.api_url", "https://api.simkl.com"), "/")

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.AccessToken)
	headers.Set("simkl-api-key", s.loader.String("simkl.client_id", ""))

	if err := postHistory(ctx, s.client, media.DestinationSimkl, api+"/sync/history", headers, ev); err != nil {
		return err
	}

	log.Debug().
		Int64("user_id", cred.UserID).
		Str("title", ev.DisplayTitle()).
		Bool("rewatch", rewatch).
		Msg("Recorded watch on Simkl")
	return nil
}
