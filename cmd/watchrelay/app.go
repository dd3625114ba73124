package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/auth"
	"github.com/saltyorg/watchrelay/internal/cache"
	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/database"
	"github.com/saltyorg/watchrelay/internal/destinations"
	"github.com/saltyorg/watchrelay/internal/logging"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/syncer"
)

// app holds the storage and credential layer shared by every command.
type app struct {
	db     *database.DB
	loader *config.Loader
	store  *credentials.Store

	trakt  *credentials.Trakt
	simkl  *credentials.Simkl
	tvtime *credentials.TVTime

	tvtimeClient *destinations.TVTime
}

func openApp() (*app, error) {
	resolveDBPath()
	logging.Console(logging.LevelForVerbosity(verbosity, nil))

	db, err := database.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	if err := db.InitializeDefaults(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize default settings: %w", err)
	}

	if configPath != "" {
		keys, err := config.ApplyFile(configPath, db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply settings file: %w", err)
		}
		log.Debug().Str("path", configPath).Int("keys", len(keys)).Msg("Applied settings file")
	}

	a := &app{db: db, loader: config.NewLoader(db)}
	setupLogging(a)

	key, err := auth.LoadOrCreateKey(auth.KeyPathForDB(dbPath))
	if err != nil {
		db.Close()
		return nil, err
	}
	sealer, err := auth.NewSealer(key)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.store = credentials.NewStore(db, sealer)

	profiles := cache.New[int64, *destinations.TVTimeProfile](a.loader.DurationMinutes("tvtime.profile_ttl_minutes", 60))
	a.tvtimeClient = destinations.NewTVTime(a.loader, profiles)

	browser := &credentials.ChromeLogin{
		LoginURL: a.loader.String("tvtime.login_url", ""),
		ExecPath: a.loader.String("tvtime.browser_path", ""),
	}
	a.trakt = credentials.NewTrakt(a.store, a.loader)
	a.simkl = credentials.NewSimkl(a.store, a.loader)
	a.tvtime = credentials.NewTVTime(a.store, browser, a.tvtimeClient.InvalidateProfile)

	return a, nil
}

// destinations wires each credential manager to its rate-limited, breaker-guarded client.
func (a *app) destinations() map[media.Destination]syncer.Destination {
	opts := destinations.GuardOptions{
		RatePerSecond: a.loader.Float64("dispatch.rate_per_second", 2),
		Failures:      uint32(max(a.loader.Int("dispatch.breaker_failures", destinations.DefaultBreakerFailures), 1)),
		Timeout:       a.loader.Duration("dispatch.breaker_timeout", destinations.DefaultBreakerTimeout),
	}
	return map[media.Destination]syncer.Destination{
		media.DestinationTrakt: {
			Credentials: a.trakt,
			Client:      destinations.NewGuard(destinations.NewTrakt(a.loader), opts),
		},
		media.DestinationSimkl: {
			Credentials: a.simkl,
			Client:      destinations.NewGuard(destinations.NewSimkl(a.loader), opts),
		},
		media.DestinationTVTime: {
			Credentials: a.tvtime,
			Client:      destinations.NewGuard(a.tvtimeClient, opts),
		},
	}
}

// userByName resolves a local user or fails with a readable error.
func (a *app) userByName(name string) (*database.User, error) {
	u, err := a.db.GetUserByName(name)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %q not found (create it with 'watchrelay user add')", name)
	}
	return u, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}
