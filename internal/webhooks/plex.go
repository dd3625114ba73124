package webhooks

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/saltyorg/watchrelay/internal/media"
)

const plexScrobbleEvent = "media.scrobble"

// maxPlexFormMemory caps in-memory multipart parsing; Plex attaches a thumbnail part we discard.
const maxPlexFormMemory = 10 << 20

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

type plexPayload struct {
	Event   string `json:"event"`
	Account struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"Account"`
	Server struct {
		Title string `json:"title"`
		UUID  string `json:"uuid"`
	} `json:"Server"`
	Metadata *plexMetadata `json:"Metadata"`
}

type plexMetadata struct {
	Type             string `json:"type"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	ParentIndex      int    `json:"parentIndex"`
	Index            int    `json:"index"`
	Year             int    `json:"year"`
	Thumb            string `json:"thumb"`
	ParentThumb      string `json:"parentThumb"`
	GrandparentThumb string `json:"grandparentThumb"`

	// Plex sends both "guid" (agent string) and "Guid" (id list); keys differ only by case,
	// so they are pulled out by exact key in UnmarshalJSON.
	GUID  string       `json:"-"`
	Guids []plexGUIDID `json:"-"`
}

type plexGUIDID struct {
	ID string `json:"id"`
}

func (m *plexMetadata) UnmarshalJSON(data []byte) error {
	type plain plexMetadata
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	guid, hasGUID := fields["guid"]
	guids, hasGuids := fields["Guid"]
	delete(fields, "guid")
	delete(fields, "Guid")

	rest, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var p plain
	if err := json.Unmarshal(rest, &p); err != nil {
		return err
	}
	*m = plexMetadata(p)

	if hasGUID {
		_ = json.Unmarshal(guid, &m.GUID)
	}
	if hasGuids {
		_ = json.Unmarshal(guids, &m.Guids)
	}
	return nil
}

// ExtractPlexPayload pulls the JSON document out of a Plex webhook body. Plex posts
// multipart forms with a "payload" field, but proxies and older servers have been seen
// sending urlencoded forms, bare JSON, or a "payload=" prefixed body.
func ExtractPlexPayload(body []byte, contentType string) ([]byte, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch mediaType {
	case "multipart/form-data":
		if payload, err := multipartField(body, params["boundary"], "payload"); err == nil && json.Valid([]byte(payload)) {
			return []byte(payload), nil
		}
	case "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(body)); err == nil && json.Valid([]byte(values.Get("payload"))) {
			return []byte(values.Get("payload")), nil
		}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, invalid(media.SourcePlex, "empty body")
	}
	if trimmed[0] == '{' && json.Valid(trimmed) {
		return trimmed, nil
	}
	if rest, ok := bytes.CutPrefix(trimmed, []byte("payload=")); ok {
		if decoded, err := url.QueryUnescape(string(rest)); err == nil && json.Valid([]byte(decoded)) {
			return []byte(decoded), nil
		}
	}
	if match := jsonObjectPattern.Find(trimmed); match != nil && json.Valid(match) {
		return match, nil
	}

	return nil, invalid(media.SourcePlex, "no JSON payload found")
}

func multipartField(body []byte, boundary, name string) (string, error) {
	if boundary == "" {
		return "", fmt.Errorf("missing multipart boundary")
	}
	form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(maxPlexFormMemory)
	if err != nil {
		return "", err
	}
	defer form.RemoveAll()

	if values := form.Value[name]; len(values) > 0 {
		return values[0], nil
	}
	// Some clients send the payload as a file part.
	if files := form.File[name]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			return "", err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		return string(data), err
	}
	return "", fmt.Errorf("field %q not found", name)
}

// NormalizePlex converts a Plex webhook into a playback event. It returns nil without
// error for events that are not tracked.
func NormalizePlex(body []byte, contentType string, cfg SourceConfig) (*media.PlaybackEvent, error) {
	raw, err := ExtractPlexPayload(body, contentType)
	if err != nil {
		return nil, err
	}

	var payload plexPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, invalid(media.SourcePlex, "%v", err)
	}

	if payload.Event != plexScrobbleEvent || payload.Metadata == nil {
		return nil, nil
	}

	md := payload.Metadata
	event := &media.PlaybackEvent{
		Source: media.SourcePlex,
		Kind:   media.EventScrobble,
		User:   payload.Account.Title,
		Title:  md.Title,
		Year:   md.Year,
		IDs:    plexIdentifiers(md),
	}

	switch md.Type {
	case "movie":
		event.MediaKind = media.KindMovie
		event.Poster = resolvePoster(cfg.BaseURL, md.Thumb)
	case "episode":
		event.MediaKind = media.KindEpisode
		event.ShowTitle = md.GrandparentTitle
		event.Season = md.ParentIndex
		event.Episode = md.Index
		event.Poster = resolvePoster(cfg.BaseURL, firstNonEmpty(md.GrandparentThumb, md.ParentThumb, md.Thumb))
	default:
		return nil, nil
	}

	return event, nil
}

// plexIdentifiers reads the Guid array of the new Plex agents, falling back to the
// legacy single guid string ("com.plexapp.agents.imdb://tt0111161?lang=en").
func plexIdentifiers(md *plexMetadata) media.Identifiers {
	var ids media.Identifiers
	for _, g := range md.Guids {
		assignPlexGUID(&ids, g.ID)
	}
	if ids.Empty() && md.GUID != "" {
		assignLegacyPlexGUID(&ids, md.GUID)
	}
	return ids
}

func assignPlexGUID(ids *media.Identifiers, guid string) {
	scheme, value, ok := strings.Cut(guid, "://")
	if !ok || value == "" {
		return
	}
	switch scheme {
	case "imdb":
		ids.IMDB = value
	case "tvdb":
		ids.TVDB = value
	case "tmdb":
		ids.TMDB = value
	}
}

func assignLegacyPlexGUID(ids *media.Identifiers, guid string) {
	agent, rest, ok := strings.Cut(guid, "://")
	if !ok {
		return
	}
	value, _, _ := strings.Cut(rest, "?")
	switch agent {
	case "com.plexapp.agents.imdb":
		ids.IMDB = value
	case "com.plexapp.agents.themoviedb":
		ids.TMDB = value
	case "com.plexapp.agents.thetvdb":
		// series/season/episode; only a bare id names a single item.
		if !strings.Contains(value, "/") {
			ids.TVDB = value
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
