// Package destinations implements the outbound clients that record a completed watch
// with a tracking service. Clients never retry; the orchestrator records their outcome.
package destinations

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/media"
)

// maxErrorBody bounds how much of a failed response is quoted in an error.
const maxErrorBody = 512

// Client records watches with one destination.
type Client interface {
	Destination() media.Destination
	RecordWatch(ctx context.Context, cred *credentials.Credential, ev *media.PlaybackEvent, rewatch bool) error
}

// Error is a failed destination call. Its message is stored on the history row.
type Error struct {
	Destination media.Destination
	StatusCode  int
	Message     string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// clientError reports whether the destination rejected the request itself rather than failing.
func (e *Error) clientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// watchedIDs is the id object shared by the Trakt and Simkl history APIs.
type watchedIDs struct {
	TVDB string `json:"tvdb,omitempty"`
	IMDB string `json:"imdb,omitempty"`
	TMDB string `json:"tmdb,omitempty"`
}

func idsFor(ids media.Identifiers) watchedIDs {
	return watchedIDs{TVDB: ids.TVDB, IMDB: ids.IMDB, TMDB: ids.TMDB}
}

type watchedItem struct {
	Title     string     `json:"title,omitempty"`
	Year      int        `json:"year,omitempty"`
	WatchedAt string     `json:"watched_at,omitempty"`
	IDs       watchedIDs `json:"ids"`
}

type watchedEpisodeNumber struct {
	Number    int    `json:"number"`
	WatchedAt string `json:"watched_at,omitempty"`
}

type watchedSeason struct {
	Number   int                    `json:"number"`
	Episodes []watchedEpisodeNumber `json:"episodes"`
}

type watchedShow struct {
	Title   string          `json:"title"`
	Year    int             `json:"year,omitempty"`
	Seasons []watchedSeason `json:"seasons"`
}

// historyRequest is the body of a sync/history call.
type historyRequest struct {
	Movies   []watchedItem `json:"movies,omitempty"`
	Episodes []watchedItem `json:"episodes,omitempty"`
	Shows    []watchedShow `json:"shows,omitempty"`
}

type historyResponse struct {
	Added struct {
		Movies   int `json:"movies"`
		Episodes int `json:"episodes"`
	} `json:"added"`
}

// buildHistoryRequest describes the event by its ids, falling back to show title and
// episode numbers when an episode has no usable id.
func buildHistoryRequest(ev *media.PlaybackEvent, watchedAt time.Time) historyRequest {
	at := watchedAt.UTC().Format(time.RFC3339)
	var req historyRequest

	switch ev.MediaKind {
	case media.KindMovie:
		req.Movies = []watchedItem{{Title: ev.Title, Year: ev.Year, WatchedAt: at, IDs: idsFor(ev.IDs)}}
	case media.KindEpisode:
		if !ev.IDs.Empty() {
			req.Episodes = []watchedItem{{WatchedAt: at, IDs: idsFor(ev.IDs)}}
			break
		}
		req.Shows = []watchedShow{{
			Title: ev.ShowTitle,
			Year:  ev.Year,
			Seasons: []watchedSeason{{
				Number:   ev.Season,
				Episodes: []watchedEpisodeNumber{{Number: ev.Episode, WatchedAt: at}},
			}},
		}}
	}
	return req
}

// postHistory sends a sync/history request and checks that the destination added the item.
func postHistory(ctx context.Context, client *http.Client, dest media.Destination, endpoint string, headers http.Header, ev *media.PlaybackEvent) error {
	body := buildHistoryRequest(ev, time.Now())

	var resp historyResponse
	if err := doJSON(ctx, client, dest, http.MethodPost, endpoint, headers, body, &resp); err != nil {
		return err
	}

	added := resp.Added.Movies
	if ev.MediaKind == media.KindEpisode {
		added = resp.Added.Episodes
	}
	if added <= 0 {
		return &Error{Destination: dest, Message: fmt.Sprintf("%s was not added (no match for %s)", ev.MediaKind, describeIDs(ev))}
	}
	return nil
}

func describeIDs(ev *media.PlaybackEvent) string {
	if scheme, id, ok := ev.IDs.Preferred(); ok {
		return scheme + ":" + id
	}
	if ev.IDs.TMDB != "" {
		return "tmdb:" + ev.IDs.TMDB
	}
	return fmt.Sprintf("%q", ev.DisplayTitle())
}

// doJSON performs a JSON request. Non-2xx responses become *Error quoting the response body.
func doJSON(ctx context.Context, client *http.Client, dest media.Destination, method, endpoint string, headers http.Header, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Destination: dest, Message: "failed to encode request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &Error{Destination: dest, Message: "failed to build request", Err: err}
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &Error{Destination: dest, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Destination: dest, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return &Error{Destination: dest, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}
