package webhooks

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/saltyorg/watchrelay/internal/media"
)

// jellyfinKeyFields are the payload fields an API key may be embedded in by a webhook template.
var jellyfinKeyFields = []string{"ApiKey", "apiKey", "api_key", "apikey"}

// flexInt accepts numbers and numeric strings; Jellyfin templates emit either.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	// Unparsable numbers are treated as absent rather than failing the whole payload.
	n, _ := strconv.Atoi(s)
	*f = flexInt(n)
	return nil
}

// flexBool accepts true/false as JSON booleans or as strings in any case.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.ToLower(strings.Trim(string(data), `"`))
	*f = flexBool(s == "true" || s == "1")
	return nil
}

type jellyfinPayload struct {
	NotificationType     string   `json:"NotificationType"`
	NotificationUsername string   `json:"NotificationUsername"`
	Username             string   `json:"Username"`
	ServerURL            string   `json:"ServerUrl"`
	ItemID               string   `json:"ItemId"`
	SeriesID             string   `json:"SeriesId"`
	ItemType             string   `json:"ItemType"`
	Name                 string   `json:"Name"`
	SeriesName           string   `json:"SeriesName"`
	SeasonNumber         flexInt  `json:"SeasonNumber"`
	EpisodeNumber        flexInt  `json:"EpisodeNumber"`
	Year                 flexInt  `json:"Year"`
	ProviderIMDB         string   `json:"Provider_imdb"`
	ProviderTVDB         string   `json:"Provider_tvdb"`
	ProviderTMDB         string   `json:"Provider_tmdb"`
	PlayedToCompletion   flexBool `json:"PlayedToCompletion"`
	SaveReason           string   `json:"SaveReason"`
	Played               flexBool `json:"Played"`
}

// DecodeJellyfinBody parses a Jellyfin webhook body and strips any embedded API key.
// The returned document no longer contains the key. Bodies that arrive as a JSON string
// (text/plain templates) are unwrapped and parsed again.
func DecodeJellyfinBody(body []byte) (cleaned []byte, apiKey string, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, "", invalid(media.SourceJellyfin, "empty body")
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, "", invalid(media.SourceJellyfin, "%v", err)
		}
		trimmed = bytes.TrimSpace([]byte(inner))
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, "", invalid(media.SourceJellyfin, "%v", err)
	}
	if len(doc) == 0 {
		return nil, "", invalid(media.SourceJellyfin, "empty JSON object")
	}

	for _, field := range jellyfinKeyFields {
		raw, ok := doc[field]
		if !ok {
			continue
		}
		var key string
		if err := json.Unmarshal(raw, &key); err == nil && apiKey == "" {
			apiKey = key
		}
		delete(doc, field)
	}

	cleaned, err = json.Marshal(doc)
	if err != nil {
		return nil, "", invalid(media.SourceJellyfin, "%v", err)
	}
	return cleaned, apiKey, nil
}

// NormalizeJellyfin converts a decoded Jellyfin webhook into a playback event. It returns
// nil without error for events that are not tracked.
func NormalizeJellyfin(doc []byte, cfg SourceConfig) (*media.PlaybackEvent, error) {
	var payload jellyfinPayload
	if err := json.Unmarshal(doc, &payload); err != nil {
		return nil, invalid(media.SourceJellyfin, "%v", err)
	}

	if !jellyfinCompleted(&payload) {
		return nil, nil
	}

	user := payload.NotificationUsername
	if user == "" {
		user = payload.Username
	}

	event := &media.PlaybackEvent{
		Source: media.SourceJellyfin,
		Kind:   media.EventScrobble,
		User:   user,
		Title:  payload.Name,
		Year:   int(payload.Year),
		IDs: media.Identifiers{
			TVDB: payload.ProviderTVDB,
			IMDB: payload.ProviderIMDB,
			TMDB: payload.ProviderTMDB,
		},
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = payload.ServerURL
	}

	imageItem := payload.ItemID
	switch payload.ItemType {
	case "Movie":
		event.MediaKind = media.KindMovie
	case "Episode":
		event.MediaKind = media.KindEpisode
		event.ShowTitle = payload.SeriesName
		event.Season = int(payload.SeasonNumber)
		event.Episode = int(payload.EpisodeNumber)
		if payload.SeriesID != "" {
			imageItem = payload.SeriesID
		}
	default:
		return nil, nil
	}

	if imageItem != "" {
		event.Poster = resolvePoster(baseURL, "/Items/"+imageItem+"/Images/Primary")
	}

	return event, nil
}

func jellyfinCompleted(p *jellyfinPayload) bool {
	switch p.NotificationType {
	case "PlaybackStop":
		return bool(p.PlayedToCompletion)
	case "MarkPlayed":
		return true
	case "UserDataSaved":
		return p.SaveReason == "TogglePlayed" && bool(p.Played)
	default:
		return false
	}
}
