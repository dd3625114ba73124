package webhooks

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/saltyorg/watchrelay/internal/media"
)

const jellyfinEpisodeStop = `{
  "NotificationType": "PlaybackStop",
  "NotificationUsername": "alice",
  "ServerUrl": "http://jellyfin.local:8096",
  "ItemId": "ep-guid",
  "SeriesId": "series-guid",
  "ItemType": "Episode",
  "Name": "The Hunted",
  "SeriesName": "Severance",
  "SeasonNumber": 2,
  "EpisodeNumber": "4",
  "Year": 2025,
  "Provider_tvdb": "10269373",
  "Provider_imdb": "tt14458898",
  "PlayedToCompletion": "True",
  "ApiKey": "secret"
}`

func TestDecodeJellyfinBodyStripsKey(t *testing.T) {
	cleaned, key, err := DecodeJellyfinBody([]byte(jellyfinEpisodeStop))
	if err != nil {
		t.Fatalf("DecodeJellyfinBody() error = %v", err)
	}
	if key != "secret" {
		t.Errorf("key = %q, want secret", key)
	}
	if strings.Contains(string(cleaned), "secret") || strings.Contains(string(cleaned), "ApiKey") {
		t.Errorf("cleaned payload still carries the key: %s", cleaned)
	}
}

func TestDecodeJellyfinBodyStringWrapped(t *testing.T) {
	wrapped := strconv.Quote(`{"NotificationType":"PlaybackStop","apiKey":"k"}`)
	cleaned, key, err := DecodeJellyfinBody([]byte(wrapped))
	if err != nil {
		t.Fatalf("DecodeJellyfinBody() error = %v", err)
	}
	if key != "k" || !strings.Contains(string(cleaned), "PlaybackStop") {
		t.Errorf("DecodeJellyfinBody() = %s, %q", cleaned, key)
	}
}

func TestDecodeJellyfinBodyInvalid(t *testing.T) {
	for _, body := range []string{"", "   ", "{", "{}", "[1,2]", "plain text"} {
		_, _, err := DecodeJellyfinBody([]byte(body))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("DecodeJellyfinBody(%q) error = %v, want ValidationError", body, err)
		}
	}
}

func TestNormalizeJellyfinEpisode(t *testing.T) {
	cleaned, _, err := DecodeJellyfinBody([]byte(jellyfinEpisodeStop))
	if err != nil {
		t.Fatal(err)
	}

	event, err := NormalizeJellyfin(cleaned, SourceConfig{})
	if err != nil {
		t.Fatalf("NormalizeJellyfin() error = %v", err)
	}

	want := media.PlaybackEvent{
		Source:    media.SourceJellyfin,
		Kind:      media.EventScrobble,
		User:      "alice",
		MediaKind: media.KindEpisode,
		Title:     "The Hunted",
		ShowTitle: "Severance",
		Year:      2025,
		Season:    2,
		Episode:   4,
		IDs:       media.Identifiers{TVDB: "10269373", IMDB: "tt14458898"},
		Poster:    "http://jellyfin.local:8096/Items/series-guid/Images/Primary",
	}
	if event == nil || *event != want {
		t.Errorf("NormalizeJellyfin() =\n%+v\nwant\n%+v", event, want)
	}
}

func TestNormalizeJellyfinConfiguredBaseURLWins(t *testing.T) {
	doc := `{"NotificationType":"UserDataSaved","SaveReason":"TogglePlayed","Played":true,
		"NotificationUsername":"bob","ServerUrl":"http://internal:8096","ItemId":"m1","ItemType":"Movie",
		"Name":"Heat","Year":"1995","Provider_imdb":"tt0113277","Provider_tmdb":"949"}`

	event, err := NormalizeJellyfin([]byte(doc), SourceConfig{BaseURL: "https://jf.example.com"})
	if err != nil {
		t.Fatalf("NormalizeJellyfin() error = %v", err)
	}
	if event == nil || event.MediaKind != media.KindMovie || event.Year != 1995 {
		t.Fatalf("NormalizeJellyfin() = %+v", event)
	}
	if event.Poster != "https://jf.example.com/Items/m1/Images/Primary" {
		t.Errorf("Poster = %q", event.Poster)
	}
}

func TestNormalizeJellyfinUnsupported(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"playback start", `{"NotificationType":"PlaybackStart","ItemType":"Movie","Name":"Heat"}`},
		{"stopped early", `{"NotificationType":"PlaybackStop","PlayedToCompletion":false,"ItemType":"Movie","Name":"Heat"}`},
		{"marked unplayed", `{"NotificationType":"UserDataSaved","SaveReason":"TogglePlayed","Played":false,"ItemType":"Movie"}`},
		{"audio", `{"NotificationType":"PlaybackStop","PlayedToCompletion":true,"ItemType":"Audio","Name":"Song"}`},
		{"item added", `{"NotificationType":"ItemAdded","ItemType":"Movie","Name":"Heat"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := NormalizeJellyfin([]byte(tt.doc), SourceConfig{})
			if err != nil {
				t.Fatalf("NormalizeJellyfin() error = %v", err)
			}
			if event != nil {
				t.Errorf("NormalizeJellyfin() = %+v, want nil", event)
			}
		})
	}
}

func TestNormalizeJellyfinPlayedMarkers(t *testing.T) {
	docs := []string{
		`{"NotificationType":"MarkPlayed","NotificationUsername":"alice","ItemType":"Movie","Name":"Heat","Provider_imdb":"tt0113277"}`,
		`{"NotificationType":"UserDataSaved","SaveReason":"TogglePlayed","Played":"true","NotificationUsername":"alice","ItemType":"Movie","Name":"Heat","Provider_imdb":"tt0113277"}`,
	}
	for _, doc := range docs {
		event, err := NormalizeJellyfin([]byte(doc), SourceConfig{})
		if err != nil {
			t.Fatalf("NormalizeJellyfin() error = %v", err)
		}
		if event == nil {
			t.Fatalf("NormalizeJellyfin(%s) = nil, want event", doc)
		}
		if event.MediaKind != media.KindMovie || event.IDs.IMDB != "tt0113277" || event.User != "alice" {
			t.Errorf("event = %+v", event)
		}
	}
}
