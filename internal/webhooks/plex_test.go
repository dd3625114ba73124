package webhooks

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/url"
	"testing"

	"github.com/saltyorg/watchrelay/internal/media"
)

const plexEpisodeScrobble = `{
  "event": "media.scrobble",
  "user": true,
  "owner": true,
  "Account": {"id": 1, "thumb": "https://plex.tv/users/abc/avatar", "title": "alice"},
  "Server": {"title": "home", "uuid": "srv-1"},
  "Metadata": {
    "librarySectionType": "show",
    "ratingKey": "1234",
    "type": "episode",
    "title": "The Hunted",
    "grandparentTitle": "Severance",
    "parentIndex": 2,
    "index": 4,
    "year": 2025,
    "guid": "plex://episode/5d9c0f",
    "Guid": [{"id": "imdb://tt14458898"}, {"id": "tmdb://5179316"}, {"id": "tvdb://10269373"}],
    "thumb": "/library/metadata/1234/thumb/1700000000",
    "grandparentThumb": "/library/metadata/1200/thumb/1700000000"
  }
}`

const plexMovieScrobble = `{
  "event": "media.scrobble",
  "Account": {"title": "bob"},
  "Metadata": {
    "type": "movie",
    "title": "Heat",
    "year": 1995,
    "guid": "com.plexapp.agents.imdb://tt0113277?lang=en",
    "thumb": "https://metadata-static.plex.tv/posters/heat.jpg"
  }
}`

func multipartBody(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("payload", payload); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("thumb", "thumb.jpg")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte{0xff, 0xd8, 0xff})
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func TestExtractPlexPayloadTransports(t *testing.T) {
	form, formType := multipartBody(t, plexMovieScrobble)

	var mangled bytes.Buffer
	mw := multipart.NewWriter(&mangled)
	_ = mw.WriteField("payload", "oops")
	_ = mw.WriteField("metadata", plexMovieScrobble)
	_ = mw.Close()

	tests := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{"multipart form", form, formType},
		{"urlencoded form", []byte("payload=" + url.QueryEscape(plexMovieScrobble)), "application/x-www-form-urlencoded"},
		{"raw json", []byte(plexMovieScrobble), "application/json"},
		{"payload prefix without content type", []byte("payload=" + url.QueryEscape(plexMovieScrobble)), ""},
		{"json embedded in noise", []byte("garbage " + plexMovieScrobble + " trailing"), "text/plain"},
		{"urlencoded field not json", []byte("payload=oops&" + plexMovieScrobble), "application/x-www-form-urlencoded"},
		{"multipart field not json", mangled.Bytes(), mw.FormDataContentType()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := NormalizePlex(tt.body, tt.contentType, SourceConfig{})
			if err != nil {
				t.Fatalf("NormalizePlex() error = %v", err)
			}
			if event == nil || event.Title != "Heat" || event.User != "bob" {
				t.Fatalf("NormalizePlex() = %+v", event)
			}
		})
	}
}

func TestNormalizePlexEpisode(t *testing.T) {
	event, err := NormalizePlex([]byte(plexEpisodeScrobble), "application/json", SourceConfig{BaseURL: "http://plex.local:32400/"})
	if err != nil {
		t.Fatalf("NormalizePlex() error = %v", err)
	}
	if event == nil {
		t.Fatal("NormalizePlex() returned nil for a scrobble")
	}

	want := media.PlaybackEvent{
		Source:    media.SourcePlex,
		Kind:      media.EventScrobble,
		User:      "alice",
		MediaKind: media.KindEpisode,
		Title:     "The Hunted",
		ShowTitle: "Severance",
		Year:      2025,
		Season:    2,
		Episode:   4,
		IDs:       media.Identifiers{TVDB: "10269373", IMDB: "tt14458898", TMDB: "5179316"},
		Poster:    "http://plex.local:32400/library/metadata/1200/thumb/1700000000",
	}
	if *event != want {
		t.Errorf("NormalizePlex() =\n%+v\nwant\n%+v", *event, want)
	}
}

func TestNormalizePlexMovieLegacyGUIDAndHostedPoster(t *testing.T) {
	event, err := NormalizePlex([]byte(plexMovieScrobble), "application/json", SourceConfig{BaseURL: "http://plex.local:32400"})
	if err != nil {
		t.Fatalf("NormalizePlex() error = %v", err)
	}
	if event.MediaKind != media.KindMovie || event.IDs.IMDB != "tt0113277" {
		t.Errorf("NormalizePlex() = %+v", event)
	}
	if event.Poster != "https://metadata-static.plex.tv/posters/heat.jpg" {
		t.Errorf("third-party poster rewritten: %q", event.Poster)
	}
}

func TestNormalizePlexUnsupported(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"pause", `{"event":"media.pause","Account":{"title":"alice"},"Metadata":{"type":"movie","title":"Heat"}}`},
		{"rate", `{"event":"media.rate","Account":{"title":"alice"},"Metadata":{"type":"movie","title":"Heat"}}`},
		{"music track", `{"event":"media.scrobble","Account":{"title":"alice"},"Metadata":{"type":"track","title":"Song"}}`},
		{"no metadata", `{"event":"media.scrobble","Account":{"title":"alice"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := NormalizePlex([]byte(tt.body), "application/json", SourceConfig{})
			if err != nil {
				t.Fatalf("NormalizePlex() error = %v", err)
			}
			if event != nil {
				t.Errorf("NormalizePlex() = %+v, want nil", event)
			}
		})
	}
}

func TestNormalizePlexUnparsable(t *testing.T) {
	for _, body := range []string{"", "not json at all", "payload=%7Bbroken"} {
		_, err := NormalizePlex([]byte(body), "text/plain", SourceConfig{})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("NormalizePlex(%q) error = %v, want ValidationError", body, err)
		}
	}
}

func TestResolvePoster(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"http://plex:32400", "/library/metadata/1/thumb", "http://plex:32400/library/metadata/1/thumb"},
		{"http://plex:32400/", "library/metadata/1/thumb", "http://plex:32400/library/metadata/1/thumb"},
		{"http://plex:32400", "https://image.tmdb.org/t/p/w500/x.jpg", "https://image.tmdb.org/t/p/w500/x.jpg"},
		{"", "/library/metadata/1/thumb", "/library/metadata/1/thumb"},
		{"http://plex:32400", "", ""},
	}
	for _, tt := range tests {
		if got := resolvePoster(tt.base, tt.ref); got != tt.want {
			t.Errorf("resolvePoster(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}
