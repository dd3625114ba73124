// Package syncer runs the sync pipeline for one normalized playback event: user lookup,
// rewatch detection, concurrent destination dispatch and the history ledger write.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/database"
	"github.com/saltyorg/watchrelay/internal/destinations"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/metrics"
	"github.com/saltyorg/watchrelay/internal/notification"
)

// UserDirectory maps media server accounts to local users.
type UserDirectory interface {
	UserForSource(source media.Source, username string) (*database.User, error)
}

// Ledger is the history storage the pipeline reads and appends to.
type Ledger interface {
	HasPriorSuccess(userID int64, kind media.Kind, ids media.Identifiers) (bool, error)
	LinkedDestinations(userID int64) ([]media.Destination, error)
	RecordSync(entry *database.HistoryEntry, limit int) (int64, error)
}

// Notifier receives failure notifications.
type Notifier interface {
	Notify(event notification.Event)
}

// Broadcaster receives every recorded history entry.
type Broadcaster interface {
	Broadcast(entry *database.HistoryEntry)
}

// Destination pairs a destination's credential manager with its client.
type Destination struct {
	Credentials credentials.Manager
	Client      destinations.Client
}

// PersistenceError means the pipeline could not read or write the database.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Status describes how far an event got through the pipeline.
type Status string

const (
	// StatusRecorded means the event was dispatched and a history entry written.
	StatusRecorded Status = "recorded"
	// StatusSkipped means the pipeline stopped before dispatch; nothing was written.
	StatusSkipped Status = "skipped"
)

// Result is the outcome of processing one event.
type Result struct {
	Status Status
	Reason string
	Entry  *database.HistoryEntry
}

func skipped(reason string) *Result {
	return &Result{Status: StatusSkipped, Reason: reason}
}

// Orchestrator runs the sync pipeline.
type Orchestrator struct {
	users  UserDirectory
	ledger Ledger
	loader *config.Loader
	dests  map[media.Destination]Destination

	keys *keyLock

	notifier Notifier
	live     Broadcaster
}

// New creates an orchestrator dispatching to dests.
func New(users UserDirectory, ledger Ledger, loader *config.Loader, dests map[media.Destination]Destination) *Orchestrator {
	return &Orchestrator{
		users:  users,
		ledger: ledger,
		loader: loader,
		dests:  dests,
		keys:   newKeyLock(),
	}
}

// SetNotifier sets where failure notifications go.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// SetBroadcaster sets the live feed for recorded entries.
func (o *Orchestrator) SetBroadcaster(b Broadcaster) {
	o.live = b
}

// Process runs the pipeline for ev. Skipped events return a Result with StatusSkipped and a
// nil error. The only error returned is *PersistenceError.
//
// Once started, dispatch and the ledger write are not cancelled by ctx, so a webhook sender
// that hangs up early still gets exactly one history entry.
func (o *Orchestrator) Process(ctx context.Context, ev *media.PlaybackEvent) (*Result, error) {
	start := time.Now()
	logger := log.With().
		Str("source", string(ev.Source)).
		Str("source_user", ev.User).
		Str("title", ev.DisplayTitle()).
		Logger()

	user, err := o.users.UserForSource(ev.Source, ev.User)
	if err != nil {
		return nil, &PersistenceError{Op: "lookup user", Err: err}
	}
	if user == nil {
		logger.Debug().Msg("No local user for source account, ignoring event")
		return skipped("unknown user"), nil
	}
	if !user.Enabled {
		logger.Debug().Str("user", user.Name).Msg("User is disabled, ignoring event")
		return skipped("user disabled"), nil
	}
	if !ev.MediaKind.Supported() {
		logger.Debug().Str("media_kind", string(ev.MediaKind)).Msg("Unsupported media kind, ignoring event")
		return skipped("unsupported media kind"), nil
	}

	if key, ok := media.KeyFor(user.ID, ev.MediaKind, ev.IDs); ok {
		unlock := o.keys.Lock(key.String())
		defer unlock()
	}

	wasRewatch, err := o.ledger.HasPriorSuccess(user.ID, ev.MediaKind, ev.IDs)
	if err != nil {
		logger.Warn().Err(err).Msg("Rewatch check failed, treating as first watch")
		wasRewatch = false
	}

	linked, err := o.ledger.LinkedDestinations(user.ID)
	if err != nil {
		logger.Error().Err(err).Str("user", user.Name).Msg("Failed to list linked destinations, nothing to sync")
		return skipped("linked destinations unavailable"), nil
	}
	targets := make([]media.Destination, 0, len(linked))
	for _, dest := range linked {
		if _, ok := o.dests[dest]; ok {
			targets = append(targets, dest)
		}
	}
	if len(targets) == 0 {
		logger.Info().Str("user", user.Name).Msg("User has no linked destinations, nothing to sync")
		return skipped("no linked destinations"), nil
	}

	rewatch := wasRewatch && user.MarkRewatch(ev.MediaKind)
	outcomes, failures := o.dispatchAll(context.WithoutCancel(ctx), user, ev, targets, rewatch)

	entry := &database.HistoryEntry{
		UserID:     user.ID,
		Source:     ev.Source,
		MediaKind:  ev.MediaKind,
		Title:      ev.Title,
		ShowTitle:  ev.ShowTitle,
		Year:       ev.Year,
		Season:     ev.Season,
		Episode:    ev.Episode,
		IDs:        ev.IDs,
		Poster:     ev.Poster,
		Success:    len(outcomes.Succeeded()) > 0,
		Error:      joinFailures(failures),
		WasRewatch: wasRewatch,
		Outcomes:   outcomes,
	}

	limit := database.RetentionLimit(user, o.loader.Int("history.retention_limit", database.DefaultRetentionLimit))
	pruned, err := o.ledger.RecordSync(entry, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "record sync", Err: err}
	}
	if pruned > 0 {
		metrics.HistoryPruned.Add(float64(pruned))
		logger.Debug().Int64("pruned", pruned).Int("limit", limit).Msg("Pruned sync history")
	}
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	logger.Info().
		Str("user", user.Name).
		Bool("success", entry.Success).
		Bool("rewatch", wasRewatch).
		Strs("destinations", destinationNames(outcomes.Succeeded())).
		Str("error", entry.Error).
		Dur("took", time.Since(start)).
		Msg("Synced playback event")

	o.notify(user, ev, entry, failures)
	if o.live != nil {
		o.live.Broadcast(entry)
	}

	return &Result{Status: StatusRecorded, Entry: entry}, nil
}

type dispatchFailure struct {
	dest media.Destination
	err  error
}

// dispatchAll calls every target concurrently. A failing or panicking destination only
// affects its own outcome.
func (o *Orchestrator) dispatchAll(ctx context.Context, user *database.User, ev *media.PlaybackEvent, targets []media.Destination, rewatch bool) (database.Outcomes, []dispatchFailure) {
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, dest := range targets {
		wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("destination", string(dest)).Msg("Destination dispatch panicked")
					errs[i] = fmt.Errorf("internal error: %v", r)
				}
			}()
			errs[i] = o.dispatch(ctx, dest, user, ev, rewatch)
		})
	}
	wg.Wait()

	var outcomes database.Outcomes
	var failures []dispatchFailure
	for i, dest := range targets {
		slot := outcomes.For(dest)
		if errs[i] != nil {
			slot.Status = database.OutcomeFailed
			slot.Error = errs[i].Error()
			failures = append(failures, dispatchFailure{dest: dest, err: errs[i]})
			continue
		}
		slot.Status = database.OutcomeSuccess
	}
	return outcomes, failures
}

func (o *Orchestrator) dispatch(ctx context.Context, dest media.Destination, user *database.User, ev *media.PlaybackEvent, rewatch bool) error {
	d := o.dests[dest]
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, config.GetTimeouts().Dispatch)
	defer cancel()

	cred, err := d.Credentials.Valid(ctx, user.ID)
	if err == nil {
		err = d.Client.RecordWatch(ctx, cred, ev, rewatch)
	}

	metrics.DispatchDuration.WithLabelValues(string(dest)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(string(dest), metrics.ResultFailure).Inc()
		log.Warn().
			Err(err).
			Str("destination", string(dest)).
			Str("user", user.Name).
			Str("title", ev.DisplayTitle()).
			Msg("Destination sync failed")
		return err
	}

	metrics.DispatchTotal.WithLabelValues(string(dest), metrics.ResultSuccess).Inc()
	return nil
}

func (o *Orchestrator) notify(user *database.User, ev *media.PlaybackEvent, entry *database.HistoryEntry, failures []dispatchFailure) {
	if o.notifier == nil || len(failures) == 0 {
		return
	}

	fields := map[string]string{
		"User":  user.Name,
		"Media": ev.DisplayTitle(),
	}

	for _, f := range failures {
		var authErr *credentials.AuthError
		if errors.As(f.err, &authErr) {
			o.notifier.Notify(notification.Event{
				Type:    notification.EventCredentialFailed,
				Title:   fmt.Sprintf("%s credentials need attention", f.dest),
				Message: authErr.Error(),
				Fields:  map[string]string{"User": user.Name, "Destination": string(f.dest)},
			})
		}
	}

	event := notification.Event{
		Type:    notification.EventSyncPartial,
		Title:   "Sync partially failed",
		Message: entry.Error,
		Fields:  fields,
	}
	if !entry.Success {
		event.Type = notification.EventSyncFailed
		event.Title = "Sync failed"
	}
	o.notifier.Notify(event)
}

// joinFailures renders "dest: message" pairs in dispatch order.
func joinFailures(failures []dispatchFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.dest, f.err))
	}
	return strings.Join(parts, "; ")
}

func destinationNames(dests []media.Destination) []string {
	names := make([]string, len(dests))
	for i, d := range dests {
		names[i] = string(d)
	}
	return names
}
