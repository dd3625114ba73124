package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/logging"
	"github.com/saltyorg/watchrelay/internal/notification"
	"github.com/saltyorg/watchrelay/internal/scheduler"
	"github.com/saltyorg/watchrelay/internal/syncer"
	"github.com/saltyorg/watchrelay/internal/web"
	"github.com/saltyorg/watchrelay/internal/web/handlers"
	"github.com/saltyorg/watchrelay/internal/web/live"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultDBPath = "./watchrelay.db"

// CLI flags
var (
	port        int
	bind        string
	allowSubnet string
	dbPath      string
	configPath  string
	verbosity   int

	// Timeout flags (advanced)
	httpTimeout     time.Duration
	dispatchTimeout time.Duration
	refreshTimeout  time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "watchrelay",
		Short: "WatchRelay - Media server watch history sync",
		Long: `WatchRelay receives playback webhooks from Plex and Jellyfin and records finished
movies and episodes on Trakt, Simkl and TV Time.`,
		RunE:         serve,
		SilenceUsage: true,
	}

	// Shared flags
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", defaultDBPath, "SQLite database path (or set DB_PATH env var)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML settings file applied at startup and on change")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	addServeFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server (default)",
		RunE:  serve,
	}
	addServeFlags(serveCmd)

	rootCmd.AddCommand(
		serveCmd,
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("watchrelay %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
		pruneCommand(),
		apiKeyCommand(),
		linkCommand(),
		userCommand(),
		notifyCommand(),
		settingsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (required, or set PORT env var)")
	cmd.Flags().StringVarP(&bind, "bind", "b", "", "IP address to bind to (e.g., 127.0.0.1, 0.0.0.0)")
	cmd.Flags().StringVarP(&allowSubnet, "allow-subnet", "a", "", "CIDR subnet allowed to connect (e.g., 192.168.1.0/24)")

	// Advanced timeout flags
	defaults := config.DefaultTimeoutConfig()
	cmd.Flags().DurationVar(&httpTimeout, "http-timeout", defaults.HTTPClient, "Timeout for a single request to a tracking service")
	cmd.Flags().DurationVar(&dispatchTimeout, "dispatch-timeout", defaults.Dispatch, "Timeout for one destination's share of a sync")
	cmd.Flags().DurationVar(&refreshTimeout, "refresh-timeout", defaults.BrowserRefresh, "Timeout for a headless browser login")
}

func serve(cmd *cobra.Command, args []string) error {
	// Check for PORT env var if flag not set
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			if _, err := fmt.Sscanf(envPort, "%d", &port); err != nil {
				return fmt.Errorf("invalid PORT environment variable %q: %w", envPort, err)
			}
		}
	}
	if port == 0 {
		return fmt.Errorf("--port flag or PORT environment variable is required")
	}

	if bind != "" {
		if ip := net.ParseIP(bind); ip == nil {
			return fmt.Errorf("invalid bind address: %s", bind)
		}
	}

	var allowedNet *net.IPNet
	if allowSubnet != "" {
		_, parsedNet, err := net.ParseCIDR(allowSubnet)
		if err != nil {
			return fmt.Errorf("invalid allow-subnet CIDR: %s", allowSubnet)
		}
		allowedNet = parsedNet
	}

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		HTTPClient:     httpTimeout,
		Dispatch:       dispatchTimeout,
		BrowserRefresh: refreshTimeout,
	})

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if (bind == "" || bind == "0.0.0.0" || bind == "::") && allowSubnet == "" {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider using --bind or --allow-subnet for security.")
	}
	if a.loader.String("webhook.api_key", "") == "" {
		log.Warn().Msg("No webhook API key configured, webhooks and the history API are unauthenticated. Run 'watchrelay apikey' to create one.")
	}

	log.Info().
		Str("version", version).
		Int("port", port).
		Str("bind", bind).
		Str("allow_subnet", allowSubnet).
		Str("database", a.db.Path()).
		Msg("Starting WatchRelay")

	notificationMgr := notification.NewManager()
	defer notificationMgr.Stop()
	notification.Configure(notificationMgr, a.loader)

	hub := live.NewHub()
	defer hub.Stop()

	orch := syncer.New(a.db, a.db, a.loader, a.destinations())
	orch.SetNotifier(notificationMgr)
	orch.SetBroadcaster(hub)

	maintenance := scheduler.New(a.db, a.loader, a.trakt)
	maintenance.SetNotifier(notificationMgr)
	if err := maintenance.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start maintenance scheduler")
	}
	defer maintenance.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if configPath != "" {
		watcher, err := config.NewFileWatcher(configPath, a.db, func(keys []string) {
			log.Info().Strs("keys", keys).Msg("Settings file changed, reloading")
			notification.Configure(notificationMgr, a.loader)
			if err := maintenance.Reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload maintenance schedule")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to watch settings file")
		} else {
			watcher.Start(ctx)
			defer watcher.Wait()
		}
	}

	h := handlers.New(orch, a.db, a.loader)
	h.SetVersionInfo(version, commit, date)

	server := web.NewServer(h, hub, web.Options{
		Port:             port,
		Bind:             bind,
		AllowedNet:       allowedNet,
		WebhookRateLimit: a.loader.Int("webhook.rate_limit_per_minute", web.DefaultWebhookRateLimit),
	})

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("WatchRelay stopped")
	return nil
}

// resolveDBPath applies the DB_PATH env var when --db was left at its default.
func resolveDBPath() {
	if dbPath == defaultDBPath {
		if envDB := os.Getenv("DB_PATH"); envDB != "" {
			dbPath = envDB
		}
	}
}

func setupLogging(a *app) {
	logging.Apply(logging.LevelForVerbosity(verbosity, a.loader), a.loader, logging.FilePathForDB(dbPath))
}
