package database

import (
	"testing"
	"time"

	"github.com/saltyorg/watchrelay/internal/media"
)

func episodeEntry(userID int64, ids media.Identifiers, success bool) *HistoryEntry {
	entry := &HistoryEntry{
		UserID:    userID,
		Source:    media.SourcePlex,
		MediaKind: media.KindEpisode,
		Title:     "Pilot",
		ShowTitle: "Example Show",
		Season:    1,
		Episode:   1,
		IDs:       ids,
		Success:   success,
	}
	if success {
		entry.Outcomes.Trakt = DestinationOutcome{Status: OutcomeSuccess}
	} else {
		entry.Outcomes.Trakt = DestinationOutcome{Status: OutcomeFailed, Error: "boom"}
	}
	return entry
}

func TestHasPriorSuccessTieBreak(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db, "alice")

	// Stored with only an IMDB id.
	if _, err := db.RecordSync(episodeEntry(u.ID, media.Identifiers{IMDB: "tt100"}, true), 0); err != nil {
		t.Fatalf("RecordSync() error = %v", err)
	}

	tests := []struct {
		name string
		kind media.Kind
		ids  media.Identifiers
		want bool
	}{
		{"imdb only matches", media.KindEpisode, media.Identifiers{IMDB: "tt100"}, true},
		{"tvdb supplied keys off tvdb", media.KindEpisode, media.Identifiers{TVDB: "9", IMDB: "tt100"}, false},
		{"different media kind", media.KindMovie, media.Identifiers{IMDB: "tt100"}, false},
		{"tmdb only never matches", media.KindEpisode, media.Identifiers{TMDB: "5"}, false},
		{"other imdb", media.KindEpisode, media.Identifiers{IMDB: "tt101"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.HasPriorSuccess(u.ID, tt.kind, tt.ids)
			if err != nil {
				t.Fatalf("HasPriorSuccess() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("HasPriorSuccess(%+v) = %v, want %v", tt.ids, got, tt.want)
			}
		})
	}
}

func TestHasPriorSuccessIgnoresFailuresAndOtherUsers(t *testing.T) {
	db := newTestDB(t)
	alice := newTestUser(t, db, "alice")
	bob := newTestUser(t, db, "bob")
	ids := media.Identifiers{TVDB: "42", IMDB: "tt42"}

	if _, err := db.RecordSync(episodeEntry(alice.ID, ids, false), 0); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.HasPriorSuccess(alice.ID, media.KindEpisode, ids); got {
		t.Error("failed sync counted as prior success")
	}

	if _, err := db.RecordSync(episodeEntry(bob.ID, ids, true), 0); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.HasPriorSuccess(alice.ID, media.KindEpisode, ids); got {
		t.Error("another user's sync counted as prior success")
	}
	if got, _ := db.HasPriorSuccess(bob.ID, media.KindEpisode, ids); !got {
		t.Error("expected prior success for bob")
	}
}

func TestRecordSyncRetention(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db, "alice")
	const limit = 3

	base := time.Now().Add(-time.Hour)
	var first *HistoryEntry
	for i := 0; i < limit; i++ {
		e := episodeEntry(u.ID, media.Identifiers{TVDB: "1"}, true)
		e.SyncedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := db.RecordSync(e, limit); err != nil {
			t.Fatalf("RecordSync() error = %v", err)
		}
		if i == 0 {
			first = e
		}
	}

	e := episodeEntry(u.ID, media.Identifiers{TVDB: "1"}, true)
	pruned, err := db.RecordSync(e, limit)
	if err != nil {
		t.Fatalf("RecordSync() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	count, _ := db.CountHistory(u.ID)
	if count != limit {
		t.Errorf("CountHistory() = %d, want %d", count, limit)
	}

	entries, err := db.ListHistory(u.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	for _, got := range entries {
		if got.UUID == first.UUID {
			t.Error("oldest entry survived pruning")
		}
	}
	if entries[0].UUID != e.UUID {
		t.Errorf("newest entry = %s, want %s", entries[0].UUID, e.UUID)
	}
}

func TestRecordSyncPersistsOutcomes(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db, "alice")

	e := &HistoryEntry{
		UserID:     u.ID,
		Source:     media.SourceJellyfin,
		MediaKind:  media.KindMovie,
		Title:      "Heat",
		Year:       1995,
		IDs:        media.Identifiers{IMDB: "tt0113277", TMDB: "949"},
		Success:    true,
		Error:      "simkl: not found",
		WasRewatch: true,
		Outcomes: Outcomes{
			Trakt: DestinationOutcome{Status: OutcomeSuccess},
			Simkl: DestinationOutcome{Status: OutcomeFailed, Error: "not found"},
		},
	}
	if _, err := db.RecordSync(e, 10); err != nil {
		t.Fatalf("RecordSync() error = %v", err)
	}
	if e.ID == 0 || e.UUID == "" {
		t.Fatalf("RecordSync() did not assign ids: %+v", e)
	}

	entries, err := db.ListHistory(u.ID, 10, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListHistory() = %v, %v", entries, err)
	}
	got := entries[0]
	if got.Title != "Heat" || got.Year != 1995 || got.IDs.TMDB != "949" || !got.WasRewatch {
		t.Errorf("ListHistory() entry = %+v", got)
	}
	if attempted := got.Outcomes.Attempted(); len(attempted) != 2 {
		t.Errorf("Attempted() = %v, want [trakt simkl]", attempted)
	}
	if succeeded := got.Outcomes.Succeeded(); len(succeeded) != 1 || succeeded[0] != media.DestinationTrakt {
		t.Errorf("Succeeded() = %v, want [trakt]", succeeded)
	}
	if got.Outcomes.Simkl.Error != "not found" {
		t.Errorf("simkl error = %q", got.Outcomes.Simkl.Error)
	}

	stats, err := db.GetHistoryStats(u.ID)
	if err != nil {
		t.Fatalf("GetHistoryStats() error = %v", err)
	}
	if stats.Total != 1 || stats.Successful != 1 || stats.Rewatches != 1 || stats.Movies != 1 ||
		stats.Destinations[media.DestinationTrakt] != 1 || stats.Destinations[media.DestinationSimkl] != 0 {
		t.Errorf("GetHistoryStats() = %+v", stats)
	}
}

func TestPruneAllHistoryUsesOverride(t *testing.T) {
	db := newTestDB(t)
	alice := newTestUser(t, db, "alice")
	bob := newTestUser(t, db, "bob")
	bob.HistoryLimit = 1
	if err := db.UpdateUser(bob); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		for _, id := range []int64{alice.ID, bob.ID} {
			if _, err := db.RecordSync(episodeEntry(id, media.Identifiers{TVDB: "1"}, true), 0); err != nil {
				t.Fatal(err)
			}
		}
	}

	pruned, err := db.PruneAllHistory(2)
	if err != nil {
		t.Fatalf("PruneAllHistory() error = %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned = %d, want 3", pruned)
	}
	if n, _ := db.CountHistory(alice.ID); n != 2 {
		t.Errorf("alice entries = %d, want 2", n)
	}
	if n, _ := db.CountHistory(bob.ID); n != 1 {
		t.Errorf("bob entries = %d, want 1", n)
	}
}
