package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/saltyorg/watchrelay/internal/auth"
	"github.com/saltyorg/watchrelay/internal/database"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/notification"
)

func pruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply history retention limits to every user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			pruned, err := a.db.PruneAllHistory(a.loader.Int("history.retention_limit", database.DefaultRetentionLimit))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d history entries\n", pruned)
			return nil
		},
	}
}

func apiKeyCommand() *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Generate and store a new webhook API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if show {
				fmt.Println(a.loader.String("webhook.api_key", ""))
				return nil
			}

			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			if err := a.db.SetSetting("webhook.api_key", key); err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "Print the current key instead of generating one")
	return cmd
}

func linkCommand() *cobra.Command {
	var userName string

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a tracking service account to a user",
	}
	cmd.PersistentFlags().StringVarP(&userName, "user", "u", "", "Local user name (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	simkl := &cobra.Command{
		Use:   "simkl",
		Short: "Link Simkl with a PIN code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(userName, func(ctx context.Context, a *app, u *database.User) error {
				pin, err := a.simkl.RequestPIN(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Go to %s and enter the code %s\n", pin.VerificationURL, pin.UserCode)
				fmt.Println("Waiting for approval...")
				if err := a.simkl.Link(ctx, u.ID, pin); err != nil {
					return err
				}
				fmt.Printf("Simkl linked to %s\n", u.Name)
				return nil
			})
		},
	}

	var code string
	trakt := &cobra.Command{
		Use:   "trakt",
		Short: "Link Trakt with an OAuth authorization code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(userName, func(ctx context.Context, a *app, u *database.User) error {
				if code == "" {
					fmt.Printf("Open this URL, authorize WatchRelay and paste the code below:\n\n  %s\n\nCode: ", a.trakt.AuthCodeURL(uuid.NewString()))
					line, err := bufio.NewReader(os.Stdin).ReadString('\n')
					if err != nil {
						return fmt.Errorf("failed to read code: %w", err)
					}
					code = strings.TrimSpace(line)
				}
				if code == "" {
					return fmt.Errorf("no authorization code given")
				}
				if err := a.trakt.Exchange(ctx, u.ID, code); err != nil {
					return err
				}
				fmt.Printf("Trakt linked to %s\n", u.Name)
				return nil
			})
		},
	}
	trakt.Flags().StringVar(&code, "code", "", "Authorization code (prompted when empty)")

	var username, password string
	tvtime := &cobra.Command{
		Use:   "tvtime",
		Short: "Link TV Time with a stored login",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("TVTIME_PASSWORD")
			}
			return withUser(userName, func(ctx context.Context, a *app, u *database.User) error {
				if err := a.tvtime.Link(ctx, u.ID, username, password); err != nil {
					return err
				}
				fmt.Printf("TV Time linked to %s\n", u.Name)
				return nil
			})
		},
	}
	tvtime.Flags().StringVar(&username, "username", "", "TV Time account email or username")
	tvtime.Flags().StringVar(&password, "password", "", "TV Time password (or set TVTIME_PASSWORD env var)")
	_ = tvtime.MarkFlagRequired("username")

	unlink := &cobra.Command{
		Use:       "remove <trakt|simkl|tvtime>",
		Short:     "Remove a linked account",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"trakt", "simkl", "tvtime"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(userName, func(ctx context.Context, a *app, u *database.User) error {
				dest, err := parseDestination(args[0])
				if err != nil {
					return err
				}
				if err := a.db.DeleteCredential(u.ID, dest); err != nil {
					return err
				}
				fmt.Printf("Removed %s from %s\n", dest, u.Name)
				return nil
			})
		},
	}

	cmd.AddCommand(simkl, trakt, tvtime, unlink)
	return cmd
}

func userCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local users",
	}

	var (
		plexUser, jellyfinUser         string
		rewatchMovies, rewatchEpisodes bool
		historyLimit                   int
		disabled                       bool
	)
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a user and map media server accounts to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if existing, err := a.db.GetUserByName(args[0]); err != nil {
				return err
			} else if existing != nil {
				return fmt.Errorf("user %q already exists", args[0])
			}

			u := &database.User{
				Name:                args[0],
				PlexUsername:        plexUser,
				JellyfinUsername:    jellyfinUser,
				Enabled:             !disabled,
				MarkRewatchMovies:   rewatchMovies,
				MarkRewatchEpisodes: rewatchEpisodes,
				HistoryLimit:        historyLimit,
			}
			if err := a.db.CreateUser(u); err != nil {
				return err
			}
			fmt.Printf("Created user %s (id %d)\n", u.Name, u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&plexUser, "plex", "", "Plex account name")
	add.Flags().StringVar(&jellyfinUser, "jellyfin", "", "Jellyfin user name")
	add.Flags().BoolVar(&rewatchMovies, "rewatch-movies", false, "Report repeated movie plays as rewatches")
	add.Flags().BoolVar(&rewatchEpisodes, "rewatch-episodes", false, "Report repeated episode plays as rewatches")
	add.Flags().IntVar(&historyLimit, "history-limit", 0, "History entries to keep (0 uses history.retention_limit)")
	add.Flags().BoolVar(&disabled, "disabled", false, "Create the user disabled")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users and their linked services",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			users, err := a.db.ListUsers()
			if err != nil {
				return err
			}
			for _, u := range users {
				linked, err := a.db.LinkedDestinations(u.ID)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(linked))
				for _, d := range linked {
					names = append(names, string(d))
				}
				fmt.Printf("%d\t%s\tplex=%s\tjellyfin=%s\tenabled=%t\tlinked=%s\n",
					u.ID, u.Name, u.PlexUsername, u.JellyfinUsername, u.Enabled, strings.Join(names, ","))
			}
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func notifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Inspect and test failure notification providers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the providers enabled in settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNotifications(func(ctx context.Context, m *notification.Manager, names []string) error {
				if len(names) == 0 {
					fmt.Println("No notification providers enabled")
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			})
		},
	}

	test := &cobra.Command{
		Use:   "test [provider...]",
		Short: "Send a test notification through each enabled provider, or the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNotifications(func(ctx context.Context, m *notification.Manager, names []string) error {
				if len(args) > 0 {
					names = args
				}
				if len(names) == 0 {
					return fmt.Errorf("no notification providers enabled")
				}
				var failed int
				for _, name := range names {
					if err := m.TestProvider(ctx, name); err != nil {
						fmt.Printf("%s: %v\n", name, err)
						failed++
						continue
					}
					fmt.Printf("%s: ok\n", name)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d providers failed", failed, len(names))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, test)
	return cmd
}

// withNotifications configures a notification manager from settings and passes it the
// sorted names of the enabled providers.
func withNotifications(fn func(ctx context.Context, m *notification.Manager, names []string) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	m := notification.NewManager()
	defer m.Stop()
	notification.Configure(m, a.loader)

	names := m.ListProviders()
	slices.Sort(names)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, m, names)
}

func settingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "View and change stored settings",
	}

	var showSecrets bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List every stored setting",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			settings, err := a.db.GetAllSettings()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(settings))
			for key := range settings {
				keys = append(keys, key)
			}
			slices.Sort(keys)
			for _, key := range keys {
				value := settings[key]
				if !showSecrets && secretSetting(key) && value != "" {
					value = "********"
				}
				fmt.Printf("%s = %s\n", key, value)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print keys, secrets and webhook URLs in full")

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.db.SetSetting(args[0], args[1])
		},
	}

	unset := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a setting so its default applies again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.db.DeleteSetting(args[0])
		},
	}

	cmd.AddCommand(list, set, unset)
	return cmd
}

func secretSetting(key string) bool {
	return strings.HasSuffix(key, "api_key") ||
		strings.HasSuffix(key, "secret") ||
		strings.HasSuffix(key, "webhook_url") ||
		key == "notifications.webhook.url" ||
		key == "notifications.webhook.headers"
}

// withUser opens the app, resolves the user and runs fn with a context cancelled on SIGINT.
func withUser(name string, fn func(ctx context.Context, a *app, u *database.User) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.userByName(name)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, a, u)
}

func parseDestination(s string) (media.Destination, error) {
	dest := media.Destination(strings.ToLower(s))
	if !dest.Valid() {
		return "", fmt.Errorf("unknown service %q (want trakt, simkl or tvtime)", s)
	}
	return dest, nil
}
