package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/database"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/notification"
)

type memSettings map[string]string

func (m memSettings) GetSetting(key string) (string, error) {
	return m[key], nil
}

type fakeManager struct {
	dest media.Destination
	err  error
}

func (f *fakeManager) Destination() media.Destination { return f.dest }

func (f *fakeManager) Valid(ctx context.Context, userID int64) (*credentials.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &credentials.Credential{Destination: f.dest, UserID: userID, AccessToken: "tok"}, nil
}

type fakeClient struct {
	dest  media.Destination
	err   error
	panic bool
	// hang blocks RecordWatch until its context ends.
	hang bool

	mu       sync.Mutex
	rewatchs []bool
}

func (f *fakeClient) Destination() media.Destination { return f.dest }

func (f *fakeClient) RecordWatch(ctx context.Context, cred *credentials.Credential, ev *media.PlaybackEvent, rewatch bool) error {
	if f.panic {
		panic("client exploded")
	}
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	f.rewatchs = append(f.rewatchs, rewatch)
	f.mu.Unlock()
	return f.err
}

func (f *fakeClient) calls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.rewatchs...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (f *fakeNotifier) Notify(event notification.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type fakeBroadcaster struct {
	entries []*database.HistoryEntry
}

func (f *fakeBroadcaster) Broadcast(entry *database.HistoryEntry) {
	f.entries = append(f.entries, entry)
}

type harness struct {
	db      *database.DB
	orch    *Orchestrator
	clients map[media.Destination]*fakeClient
	user    *database.User
}

func newHarness(t *testing.T, linked ...media.Destination) *harness {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	user := &database.User{Name: "alice", PlexUsername: "AlicePlex", JellyfinUsername: "alice", Enabled: true}
	if err := db.CreateUser(user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	for _, dest := range linked {
		if err := db.SaveCredential(&database.CredentialRecord{UserID: user.ID, Destination: dest, AccessToken: "sealed"}); err != nil {
			t.Fatalf("SaveCredential() error = %v", err)
		}
	}

	h := &harness{db: db, user: user, clients: make(map[media.Destination]*fakeClient)}
	dests := make(map[media.Destination]Destination)
	for _, dest := range media.Destinations {
		c := &fakeClient{dest: dest}
		h.clients[dest] = c
		dests[dest] = Destination{Credentials: &fakeManager{dest: dest}, Client: c}
	}
	h.orch = New(db, db, config.NewLoader(memSettings{}), dests)
	return h
}

func episodeEvent() *media.PlaybackEvent {
	return &media.PlaybackEvent{
		Source:    media.SourceJellyfin,
		Kind:      media.EventScrobble,
		User:      "alice",
		MediaKind: media.KindEpisode,
		Title:     "Pilot",
		ShowTitle: "Example Show",
		Season:    1,
		Episode:   1,
		IDs:       media.Identifiers{TVDB: "555", IMDB: "tt0001"},
	}
}

func (h *harness) history(t *testing.T) []*database.HistoryEntry {
	t.Helper()
	entries, err := h.db.ListHistory(h.user.ID, 100, 0)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	return entries
}

func TestProcessTwoDestinationScenario(t *testing.T) {
	h := newHarness(t, media.DestinationTrakt, media.DestinationSimkl)
	live := &fakeBroadcaster{}
	h.orch.SetBroadcaster(live)

	res, err := h.orch.Process(context.Background(), episodeEvent())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Status != StatusRecorded {
		t.Fatalf("Status = %s (%s), want recorded", res.Status, res.Reason)
	}

	entries := h.history(t)
	if len(entries) != 1 {
		t.Fatalf("history rows = %d, want 1", len(entries))
	}
	e := entries[0]
	if !e.Success || e.WasRewatch || e.Error != "" {
		t.Errorf("entry = success %v, rewatch %v, error %q", e.Success, e.WasRewatch, e.Error)
	}
	attempted := e.Outcomes.Attempted()
	if len(attempted) != 2 || attempted[0] != media.DestinationTrakt || attempted[1] != media.DestinationSimkl {
		t.Errorf("attempted = %v, want [trakt simkl]", attempted)
	}
	if e.Outcomes.TVTime.Attempted() {
		t.Error("unlinked tvtime should not be attempted")
	}
	if len(h.clients[media.DestinationTVTime].calls()) != 0 {
		t.Error("unlinked tvtime client was called")
	}
	if len(live.entries) != 1 || live.entries[0].UUID != e.UUID {
		t.Errorf("broadcast entries = %d", len(live.entries))
	}
}

func TestProcessPartialFailure(t *testing.T) {
	h := newHarness(t, media.DestinationTrakt, media.DestinationSimkl)
	h.clients[media.DestinationSimkl].err = errors.New("HTTP 503: maintenance")
	notifier := &fakeNotifier{}
	h.orch.SetNotifier(notifier)

	res, err := h.orch.Process(context.Background(), episodeEvent())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	e := res.Entry
	if !e.Success {
		t.Error("one succeeding destination should make the entry successful")
	}
	if e.Error != "simkl: HTTP 503: maintenance" {
		t.Errorf("Error = %q", e.Error)
	}
	if e.Outcomes.Trakt.Status != database.OutcomeSuccess || e.Outcomes.Simkl.Status != database.OutcomeFailed {
		t.Errorf("outcomes = %+v", e.Outcomes)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != notification.EventSyncPartial {
		t.Errorf("notifications = %+v, want one sync_partial", notifier.events)
	}
}

func TestProcessAllFailuresStillRecorded(t *testing.T) {
	h := newHarness(t, media.DestinationTrakt, media.DestinationTVTime)
	h.clients[media.DestinationTrakt].panic = true
	h.orch.dests[media.DestinationTVTime] = Destination{
		Credentials: &fakeManager{dest: media.DestinationTVTime, err: &credentials.AuthError{
			Destination: media.DestinationTVTime, UserID: h.user.ID, Err: errors.New("browser login failed"),
		}},
		Client: h.clients[media.DestinationTVTime],
	}
	notifier := &fakeNotifier{}
	h.orch.SetNotifier(notifier)

	res, err := h.orch.Process(context.Background(), episodeEvent())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Entry.Success {
		t.Error("entry should be unsuccessful")
	}
	if len(h.history(t)) != 1 {
		t.Error("failed sync should still write exactly one row")
	}

	var types []notification.EventType
	for _, e := range notifier.events {
		types = append(types, e.Type)
	}
	if len(types) != 2 || types[0] != notification.EventCredentialFailed || types[1] != notification.EventSyncFailed {
		t.Errorf("notification types = %v", types)
	}
}

func TestProcessSkips(t *testing.T) {
	tests := []struct {
		name   string
		linked []media.Destination
		setup  func(h *harness, ev *media.PlaybackEvent)
		reason string
	}{
		{
			name:   "unknown user",
			linked: []media.Destination{media.DestinationTrakt},
			setup:  func(h *harness, ev *media.PlaybackEvent) { ev.User = "mallory" },
			reason: "unknown user",
		},
		{
			name:   "disabled user",
			linked: []media.Destination{media.DestinationTrakt},
			setup: func(h *harness, ev *media.PlaybackEvent) {
				h.user.Enabled = false
				if err := h.db.UpdateUser(h.user); err != nil {
					panic(err)
				}
			},
			reason: "user disabled",
		},
		{
			name:   "unsupported kind",
			linked: []media.Destination{media.DestinationTrakt},
			setup:  func(h *harness, ev *media.PlaybackEvent) { ev.MediaKind = "track" },
			reason: "unsupported media kind",
		},
		{
			name:   "nothing linked",
			reason: "no linked destinations",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.linked...)
			ev := episodeEvent()
			if tt.setup != nil {
				tt.setup(h, ev)
			}

			res, err := h.orch.Process(context.Background(), ev)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if res.Status != StatusSkipped || res.Reason != tt.reason {
				t.Errorf("result = %+v, want skipped (%s)", res, tt.reason)
			}
			if n := len(h.history(t)); n != 0 {
				t.Errorf("history rows = %d, want 0", n)
			}
		})
	}
}

func TestProcessRewatchGating(t *testing.T) {
	for _, mark := range []bool{false, true} {
		h := newHarness(t, media.DestinationTrakt)
		h.user.MarkRewatchEpisodes = mark
		if err := h.db.UpdateUser(h.user); err != nil {
			t.Fatalf("UpdateUser() error = %v", err)
		}

		for range 2 {
			if _, err := h.orch.Process(context.Background(), episodeEvent()); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
		}

		entries := h.history(t)
		if len(entries) != 2 || !entries[0].WasRewatch || entries[1].WasRewatch {
			t.Fatalf("mark=%v: rewatch flags wrong on %d rows", mark, len(entries))
		}
		calls := h.clients[media.DestinationTrakt].calls()
		if len(calls) != 2 || calls[0] || calls[1] != mark {
			t.Errorf("mark=%v: client rewatch flags = %v", mark, calls)
		}
	}
}

func TestProcessConcurrentReplaysSerialize(t *testing.T) {
	h := newHarness(t, media.DestinationTrakt)

	const deliveries = 6
	var wg sync.WaitGroup
	for range deliveries {
		wg.Go(func() {
			if _, err := h.orch.Process(context.Background(), episodeEvent()); err != nil {
				t.Errorf("Process() error = %v", err)
			}
		})
	}
	wg.Wait()

	entries := h.history(t)
	if len(entries) != deliveries {
		t.Fatalf("history rows = %d, want %d", len(entries), deliveries)
	}
	first := 0
	for _, e := range entries {
		if !e.WasRewatch {
			first++
		}
	}
	if first != 1 {
		t.Errorf("rows without rewatch = %d, want exactly 1", first)
	}
	if h.orch.keys.size() != 0 {
		t.Errorf("key locks left behind: %d", h.orch.keys.size())
	}
}

func TestProcessAppliesRetention(t *testing.T) {
	h := newHarness(t, media.DestinationTrakt)
	h.user.HistoryLimit = 2
	if err := h.db.UpdateUser(h.user); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	var last *database.HistoryEntry
	for i := range 3 {
		ev := episodeEvent()
		ev.Episode = i + 1
		ev.IDs = media.Identifiers{TVDB: string(rune('a' + i))}
		res, err := h.orch.Process(context.Background(), ev)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		last = res.Entry
	}

	entries := h.history(t)
	if len(entries) != 2 {
		t.Fatalf("history rows = %d, want 2", len(entries))
	}
	if entries[0].UUID != last.UUID || entries[1].Episode != 2 {
		t.Errorf("retention removed the wrong rows: %v, %v", entries[0].Episode, entries[1].Episode)
	}
}

type failingLedger struct {
	*database.DB
}

func (f failingLedger) RecordSync(*database.HistoryEntry, int) (int64, error) {
	return 0, errors.New("disk full")
}

func TestProcessPersistenceError(t *testing.T) {
	h := newHarness(t, media.DestinationTrakt)
	orch := New(h.db, failingLedger{h.db}, config.NewLoader(memSettings{}), h.orch.dests)

	_, err := orch.Process(context.Background(), episodeEvent())
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Process() error = %v, want PersistenceError", err)
	}
}

func TestProcessDestinationTimeout(t *testing.T) {
	prev := config.GetTimeouts()
	t.Cleanup(func() { config.SetGlobalTimeouts(prev) })
	short := *prev
	short.Dispatch = 100 * time.Millisecond
	config.SetGlobalTimeouts(&short)

	h := newHarness(t, media.DestinationTrakt, media.DestinationSimkl)
	h.clients[media.DestinationTrakt].hang = true

	start := time.Now()
	res, err := h.orch.Process(context.Background(), episodeEvent())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Errorf("Process() took %v, want it bounded by the dispatch timeout", took)
	}

	entries := h.history(t)
	if len(entries) != 1 {
		t.Fatalf("history rows = %d, want 1", len(entries))
	}
	e := entries[0]
	if !e.Success || res.Entry.UUID != e.UUID {
		t.Errorf("entry success = %v, want true", e.Success)
	}
	if e.Outcomes.Simkl.Status != database.OutcomeSuccess {
		t.Errorf("simkl outcome = %+v, want success", e.Outcomes.Simkl)
	}
	if e.Outcomes.Trakt.Status != database.OutcomeFailed || !strings.Contains(e.Outcomes.Trakt.Error, context.DeadlineExceeded.Error()) {
		t.Errorf("trakt outcome = %+v, want deadline failure", e.Outcomes.Trakt)
	}
}

type unlinkedLedger struct {
	*database.DB
}

func (u unlinkedLedger) LinkedDestinations(int64) ([]media.Destination, error) {
	return nil, errors.New("database is locked")
}

func TestProcessLinkedDestinationsErrorSkips(t *testing.T) {
	h := newHarness(t, media.DestinationTrakt)
	orch := New(h.db, unlinkedLedger{h.db}, config.NewLoader(memSettings{}), h.orch.dests)

	res, err := orch.Process(context.Background(), episodeEvent())
	if err != nil {
		t.Fatalf("Process() error = %v, want skip", err)
	}
	if res.Status != StatusSkipped {
		t.Errorf("Status = %s, want skipped", res.Status)
	}
	if len(h.clients[media.DestinationTrakt].calls()) != 0 {
		t.Error("no destination should be called")
	}
	if got := h.history(t); len(got) != 0 {
		t.Errorf("history rows = %d, want 0", len(got))
	}
}
