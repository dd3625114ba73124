package media

import "fmt"

// Source identifies the media server that produced a webhook.
type Source string

const (
	SourcePlex     Source = "plex"
	SourceJellyfin Source = "jellyfin"
)

// EventKind is the normalized playback event type. Only completed watches are tracked.
type EventKind string

const (
	EventScrobble EventKind = "scrobble"
)

// Kind is the media kind of a playback event.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindEpisode Kind = "episode"
)

// Supported reports whether the kind is one the pipeline dispatches.
func (k Kind) Supported() bool {
	return k == KindMovie || k == KindEpisode
}

// Identifiers holds the external ids known for a movie or an episode.
// Episode ids identify the episode itself, not the show.
type Identifiers struct {
	TVDB string `json:"tvdb,omitempty"`
	IMDB string `json:"imdb,omitempty"`
	TMDB string `json:"tmdb,omitempty"`
}

// Empty returns true when no identifier is known.
func (ids Identifiers) Empty() bool {
	return ids.TVDB == "" && ids.IMDB == "" && ids.TMDB == ""
}

// Preferred returns the identifier used to decide whether two events refer to the same media.
// TVDB wins over IMDB for both movies and episodes. TMDB never participates.
func (ids Identifiers) Preferred() (scheme, value string, ok bool) {
	switch {
	case ids.TVDB != "":
		return "tvdb", ids.TVDB, true
	case ids.IMDB != "":
		return "imdb", ids.IMDB, true
	default:
		return "", "", false
	}
}

// PlaybackEvent is the source-agnostic representation of "a user finished watching something".
type PlaybackEvent struct {
	Source    Source      `json:"source"`
	Kind      EventKind   `json:"kind"`
	User      string      `json:"user"`
	MediaKind Kind        `json:"media_kind"`
	Title     string      `json:"title"`
	ShowTitle string      `json:"show_title,omitempty"`
	Year      int         `json:"year,omitempty"`
	Season    int         `json:"season,omitempty"`
	Episode   int         `json:"episode,omitempty"`
	IDs       Identifiers `json:"ids"`
	Poster    string      `json:"poster,omitempty"`
}

// DisplayTitle renders the event for logs and notifications.
func (e *PlaybackEvent) DisplayTitle() string {
	if e.MediaKind == KindEpisode && e.ShowTitle != "" {
		return fmt.Sprintf("%s S%02dE%02d - %s", e.ShowTitle, e.Season, e.Episode, e.Title)
	}
	if e.Year > 0 {
		return fmt.Sprintf("%s (%d)", e.Title, e.Year)
	}
	return e.Title
}

// DedupKey identifies "the same media for the same user".
type DedupKey struct {
	UserID    int64
	MediaKind Kind
	Scheme    string
	ID        string
}

// KeyFor derives the dedup key for a user's event. ok is false when the event carries
// neither a TVDB nor an IMDB id.
func KeyFor(userID int64, kind Kind, ids Identifiers) (DedupKey, bool) {
	scheme, value, ok := ids.Preferred()
	if !ok {
		return DedupKey{}, false
	}
	return DedupKey{UserID: userID, MediaKind: kind, Scheme: scheme, ID: value}, true
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%d/%s/%s:%s", k.UserID, k.MediaKind, k.Scheme, k.ID)
}

// Destination is a watch-tracking service events are relayed to.
type Destination string

const (
	DestinationTrakt  Destination = "trakt"
	DestinationSimkl  Destination = "simkl"
	DestinationTVTime Destination = "tvtime"
)

// Destinations is the closed set of supported destinations in dispatch order.
var Destinations = []Destination{DestinationTrakt, DestinationSimkl, DestinationTVTime}

// Valid reports whether d is a known destination.
func (d Destination) Valid() bool {
	for _, known := range Destinations {
		if d == known {
			return true
		}
	}
	return false
}
