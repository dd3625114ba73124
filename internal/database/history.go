package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saltyorg/watchrelay/internal/media"
)

// DefaultRetentionLimit is the number of history entries kept per user when nothing else is configured.
const DefaultRetentionLimit = 1000

// OutcomeStatus is the result of one destination within a sync.
type OutcomeStatus string

const (
	OutcomeNotAttempted OutcomeStatus = ""
	OutcomeSuccess      OutcomeStatus = "success"
	OutcomeFailed       OutcomeStatus = "failed"
)

// DestinationOutcome is the result of dispatching one event to one destination.
type DestinationOutcome struct {
	Status OutcomeStatus `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Attempted reports whether the destination was part of the dispatch.
func (o DestinationOutcome) Attempted() bool {
	return o.Status != OutcomeNotAttempted
}

// Outcomes holds one outcome per supported destination.
type Outcomes struct {
	Trakt  DestinationOutcome `json:"trakt"`
	Simkl  DestinationOutcome `json:"simkl"`
	TVTime DestinationOutcome `json:"tvtime"`
}

// For returns the outcome slot for a destination, or nil for an unknown destination.
func (o *Outcomes) For(dest media.Destination) *DestinationOutcome {
	switch dest {
	case media.DestinationTrakt:
		return &o.Trakt
	case media.DestinationSimkl:
		return &o.Simkl
	case media.DestinationTVTime:
		return &o.TVTime
	default:
		return nil
	}
}

// Attempted lists the destinations that were dispatched to.
func (o Outcomes) Attempted() []media.Destination {
	return o.filter(func(out DestinationOutcome) bool { return out.Attempted() })
}

// Succeeded lists the destinations that recorded the watch.
func (o Outcomes) Succeeded() []media.Destination {
	return o.filter(func(out DestinationOutcome) bool { return out.Status == OutcomeSuccess })
}

// Failed lists the destinations that were attempted and failed.
func (o Outcomes) Failed() []media.Destination {
	return o.filter(func(out DestinationOutcome) bool { return out.Status == OutcomeFailed })
}

func (o Outcomes) filter(keep func(DestinationOutcome) bool) []media.Destination {
	var result []media.Destination
	for _, dest := range media.Destinations {
		if keep(*o.For(dest)) {
			result = append(result, dest)
		}
	}
	return result
}

// HistoryEntry is one row of the sync ledger. Entries are never updated after insert.
type HistoryEntry struct {
	ID         int64             `json:"-"`
	UUID       string            `json:"id"`
	UserID     int64             `json:"user_id"`
	Source     media.Source      `json:"source"`
	MediaKind  media.Kind        `json:"media_type"`
	Title      string            `json:"title"`
	ShowTitle  string            `json:"show_title,omitempty"`
	Year       int               `json:"year,omitempty"`
	Season     int               `json:"season,omitempty"`
	Episode    int               `json:"episode,omitempty"`
	IDs        media.Identifiers `json:"ids"`
	Poster     string            `json:"poster,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	WasRewatch bool              `json:"was_rewatch"`
	Outcomes   Outcomes          `json:"outcomes"`
	SyncedAt   time.Time         `json:"synced_at"`
}

const historyColumns = `id, uuid, user_id, source, media_type, title, show_title, year, season, episode,
	tvdb_id, imdb_id, tmdb_id, poster, success, error, was_rewatch,
	trakt_status, trakt_error, simkl_status, simkl_error, tvtime_status, tvtime_error, synced_at`

// HasPriorSuccess reports whether the user already has a successful sync of the same media.
// Same media is decided by the preferred identifier only: the TVDB id when one is supplied,
// otherwise the IMDB id.
func (db *DB) HasPriorSuccess(userID int64, kind media.Kind, ids media.Identifiers) (bool, error) {
	key, ok := media.KeyFor(userID, kind, ids)
	if !ok {
		return false, nil
	}

	var column string
	switch key.Scheme {
	case "tvdb":
		column = "tvdb_id"
	case "imdb":
		column = "imdb_id"
	default:
		return false, fmt.Errorf("unsupported identifier scheme: %s", key.Scheme)
	}

	var found int
	err := db.QueryRow(
		"SELECT 1 FROM sync_history WHERE user_id = ? AND media_type = ? AND success = 1 AND "+column+" = ? LIMIT 1",
		userID, string(kind), key.ID,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check sync history for %s: %w", key, err)
	}
	return true, nil
}

// RecordSync appends an entry and prunes the user's oldest entries beyond limit, atomically.
// A limit of zero or less disables pruning. Returns the number of pruned entries.
func (db *DB) RecordSync(entry *HistoryEntry, limit int) (int64, error) {
	if entry.UUID == "" {
		entry.UUID = uuid.NewString()
	}
	if entry.SyncedAt.IsZero() {
		entry.SyncedAt = time.Now()
	}
	entry.SyncedAt = entry.SyncedAt.UTC()

	var pruned int64
	err := db.Transaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO sync_history (uuid, user_id, source, media_type, title, show_title, year, season, episode,
				tvdb_id, imdb_id, tmdb_id, poster, success, error, was_rewatch,
				trakt_status, trakt_error, simkl_status, simkl_error, tvtime_status, tvtime_error, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.UUID, entry.UserID, string(entry.Source), string(entry.MediaKind), entry.Title,
			nullableString(entry.ShowTitle), nullableInt(entry.Year), nullableInt(entry.Season), nullableInt(entry.Episode),
			nullableString(entry.IDs.TVDB), nullableString(entry.IDs.IMDB), nullableString(entry.IDs.TMDB),
			nullableString(entry.Poster), entry.Success, nullableString(entry.Error), entry.WasRewatch,
			string(entry.Outcomes.Trakt.Status), nullableString(entry.Outcomes.Trakt.Error),
			string(entry.Outcomes.Simkl.Status), nullableString(entry.Outcomes.Simkl.Error),
			string(entry.Outcomes.TVTime.Status), nullableString(entry.Outcomes.TVTime.Error),
			entry.SyncedAt)
		if err != nil {
			return fmt.Errorf("failed to insert sync history: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get sync history id: %w", err)
		}
		entry.ID = id

		pruned, err = pruneHistoryTx(tx, entry.UserID, limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// PruneHistory removes a user's oldest entries so at most limit remain.
func (db *DB) PruneHistory(userID int64, limit int) (int64, error) {
	var pruned int64
	err := db.Transaction(func(tx *sql.Tx) error {
		var err error
		pruned, err = pruneHistoryTx(tx, userID, limit)
		return err
	})
	return pruned, err
}

func pruneHistoryTx(tx *sql.Tx, userID int64, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	result, err := tx.Exec(`
		DELETE FROM sync_history
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM sync_history WHERE user_id = ?
			ORDER BY synced_at DESC, id DESC
			LIMIT ?
		)
	`, userID, userID, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync history for user %d: %w", userID, err)
	}
	return result.RowsAffected()
}

// RetentionLimit resolves the retention limit for a user: the per-user override when set,
// otherwise the configured default.
func RetentionLimit(u *User, defaultLimit int) int {
	if u != nil && u.HistoryLimit > 0 {
		return u.HistoryLimit
	}
	return defaultLimit
}

// ListHistory returns a user's entries, newest first.
func (db *DB) ListHistory(userID int64, limit, offset int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		"SELECT "+historyColumns+" FROM sync_history WHERE user_id = ? ORDER BY synced_at DESC, id DESC LIMIT ? OFFSET ?",
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// CountHistory returns the number of entries stored for a user.
func (db *DB) CountHistory(userID int64) (int, error) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sync_history WHERE user_id = ?", userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sync history: %w", err)
	}
	return count, nil
}

// HistoryStats summarizes a user's ledger.
type HistoryStats struct {
	Total        int                       `json:"total"`
	Successful   int                       `json:"successful"`
	Failed       int                       `json:"failed"`
	Rewatches    int                       `json:"rewatches"`
	Movies       int                       `json:"movies"`
	Episodes     int                       `json:"episodes"`
	Destinations map[media.Destination]int `json:"destinations"`
}

// GetHistoryStats aggregates counts over a user's stored entries.
func (db *DB) GetHistoryStats(userID int64) (*HistoryStats, error) {
	stats := &HistoryStats{Destinations: make(map[media.Destination]int)}
	var trakt, simkl, tvtime int
	err := db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN was_rewatch = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN media_type = 'movie' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN media_type = 'episode' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN trakt_status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN simkl_status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN tvtime_status = 'success' THEN 1 ELSE 0 END), 0)
		FROM sync_history WHERE user_id = ?
	`, userID).Scan(&stats.Total, &stats.Successful, &stats.Rewatches, &stats.Movies, &stats.Episodes,
		&trakt, &simkl, &tvtime)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync history stats: %w", err)
	}
	stats.Failed = stats.Total - stats.Successful
	stats.Destinations[media.DestinationTrakt] = trakt
	stats.Destinations[media.DestinationSimkl] = simkl
	stats.Destinations[media.DestinationTVTime] = tvtime
	return stats, nil
}

func scanHistoryRows(rows *sql.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		var (
			e                                  HistoryEntry
			source, kind                       string
			showTitle, poster, errMsg          sql.NullString
			tvdb, imdb, tmdb                   sql.NullString
			year, season, episode              sql.NullInt64
			traktStatus, simklStatus, tvStatus string
			traktErr, simklErr, tvErr          sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UUID, &e.UserID, &source, &kind, &e.Title, &showTitle, &year, &season, &episode,
			&tvdb, &imdb, &tmdb, &poster, &e.Success, &errMsg, &e.WasRewatch,
			&traktStatus, &traktErr, &simklStatus, &simklErr, &tvStatus, &tvErr, &e.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		e.Source = media.Source(source)
		e.MediaKind = media.Kind(kind)
		e.ShowTitle = nullStringValue(showTitle)
		e.Poster = nullStringValue(poster)
		e.Error = nullStringValue(errMsg)
		e.Year = nullIntValue(year)
		e.Season = nullIntValue(season)
		e.Episode = nullIntValue(episode)
		e.IDs = media.Identifiers{
			TVDB: nullStringValue(tvdb),
			IMDB: nullStringValue(imdb),
			TMDB: nullStringValue(tmdb),
		}
		e.Outcomes = Outcomes{
			Trakt:  DestinationOutcome{Status: OutcomeStatus(traktStatus), Error: nullStringValue(traktErr)},
			Simkl:  DestinationOutcome{Status: OutcomeStatus(simklStatus), Error: nullStringValue(simklErr)},
			TVTime: DestinationOutcome{Status: OutcomeStatus(tvStatus), Error: nullStringValue(tvErr)},
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneAllHistory applies each user's retention limit. Returns the total number of pruned entries.
func (db *DB) PruneAllHistory(defaultLimit int) (int64, error) {
	users, err := db.ListUsers()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, u := range users {
		pruned, err := db.PruneHistory(u.ID, RetentionLimit(u, defaultLimit))
		if err != nil {
			return total, err
		}
		total += pruned
	}
	return total, nil
}
