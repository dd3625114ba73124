// Package scheduler runs periodic maintenance: retention sweeps, SQLite housekeeping and
// proactive Trakt token refreshes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/database"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/metrics"
	"github.com/saltyorg/watchrelay/internal/notification"
)

const (
	// DefaultSchedule runs maintenance daily at 04:00 local time.
	DefaultSchedule = "0 4 * * *"
	// RefreshWindow is how far ahead Trakt tokens are refreshed.
	RefreshWindow = 24 * time.Hour
	runTimeout    = 30 * time.Minute
)

// Store is the database surface maintenance needs.
type Store interface {
	PruneAllHistory(defaultLimit int) (int64, error)
	Optimize() error
	CredentialsExpiringBefore(dest media.Destination, cutoff time.Time) ([]int64, error)
}

// TokenRefresher force-refreshes one user's token.
type TokenRefresher interface {
	Refresh(ctx context.Context, userID int64) (*credentials.Credential, error)
}

// Notifier receives maintenance failures.
type Notifier interface {
	Notify(event notification.Event)
}

// Report summarizes one maintenance run.
type Report struct {
	Pruned          int64
	TokensRefreshed int
	TokensFailed    int
}

// Scheduler owns the maintenance cron job.
type Scheduler struct {
	store    Store
	loader   *config.Loader
	trakt    TokenRefresher
	notifier Notifier

	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	mu       sync.Mutex
	running  bool
	runMu    sync.Mutex
}

// New creates a scheduler. trakt may be nil to skip token refreshes.
func New(store Store, loader *config.Loader, trakt TokenRefresher) *Scheduler {
	return &Scheduler{
		store:  store,
		loader: loader,
		trakt:  trakt,
		cron:   cron.New(),
	}
}

// SetNotifier sets where refresh failures are reported.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start schedules maintenance using the maintenance.schedule setting.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	schedule := s.loader.String("maintenance.schedule", DefaultSchedule)
	if err := s.setSchedule(schedule); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	log.Info().Str("schedule", schedule).Time("next_run", s.cron.Entry(s.entryID).Next).Msg("Maintenance scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	log.Info().Msg("Maintenance scheduler stopped")
}

// Reload picks up a changed maintenance.schedule setting.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule := s.loader.String("maintenance.schedule", DefaultSchedule)
	if schedule == s.schedule {
		return nil
	}
	if err := s.setSchedule(schedule); err != nil {
		return err
	}
	log.Info().Str("schedule", schedule).Msg("Maintenance schedule updated")
	return nil
}

// NextRun returns the next scheduled run, or the zero time when not scheduled.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) setSchedule(schedule string) error {
	id, err := s.cron.AddFunc(schedule, s.scheduledRun)
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	s.entryID = id
	s.schedule = schedule
	return nil
}

func (s *Scheduler) scheduledRun() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if _, err := s.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduled maintenance failed")
	}
}

// Run performs one maintenance pass. Steps run independently; their errors are joined.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	report := &Report{}
	var errs []error

	pruned, err := s.store.PruneAllHistory(s.loader.Int("history.retention_limit", database.DefaultRetentionLimit))
	report.Pruned = pruned
	if pruned > 0 {
		metrics.HistoryPruned.Add(float64(pruned))
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("retention sweep: %w", err))
	}

	if err := s.store.Optimize(); err != nil {
		errs = append(errs, err)
	}

	if s.trakt != nil {
		if err := s.refreshTrakt(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().
		Int64("pruned", report.Pruned).
		Int("tokens_refreshed", report.TokensRefreshed).
		Int("tokens_failed", report.TokensFailed).
		Dur("took", time.Since(start)).
		Msg("Maintenance finished")

	return report, errors.Join(errs...)
}

func (s *Scheduler) refreshTrakt(ctx context.Context, report *Report) error {
	userIDs, err := s.store.CredentialsExpiringBefore(media.DestinationTrakt, time.Now().Add(RefreshWindow))
	if err != nil {
		return err
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.trakt.Refresh(ctx, userID); err != nil {
			report.TokensFailed++
			log.Warn().Err(err).Int64("user_id", userID).Msg("Proactive Trakt refresh failed")
			if s.notifier != nil {
				s.notifier.Notify(notification.Event{
					Type:    notification.EventCredentialFailed,
					Title:   "trakt credentials need attention",
					Message: err.Error(),
					Fields:  map[string]string{"User ID": fmt.Sprint(userID), "Destination": string(media.DestinationTrakt)},
				})
			}
			continue
		}
		report.TokensRefreshed++
	}
	return nil
}
