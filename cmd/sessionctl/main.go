// Command sessionctl administers the matchday session store: inspect and
// delete sessions, run retention sweeps, and serve the metrics/health
// endpoints alongside the scheduled sweeper.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matchday-ai/matchday/internal/observability"
	"github.com/matchday-ai/matchday/pkg/config"
	obs "github.com/matchday-ai/matchday/pkg/observability"
	"github.com/matchday-ai/matchday/pkg/session"
)

// Version is set via ldflags.
var Version = "dev"

var (
	configFile string
	appName    string
	userID     string
)

func main() {
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Administer the matchday session store",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", envOr("CONFIG_FILE", "config/matchday.yaml"), "configuration file")
	root.PersistentFlags().StringVar(&appName, "app", "", "application name")
	root.PersistentFlags().StringVar(&userID, "user", "", "user ID")

	root.AddCommand(listCmd(), getCmd(), deleteCmd(), sweepCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for an app (all users unless --user is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if appName == "" {
				return fmt.Errorf("--app is required")
			}
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			sessions, err := svc.ListSessions(cmd.Context(), appName, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd, sessions)
		},
	}
	return cmd
}

func getCmd() *cobra.Command {
	var numRecent int
	cmd := &cobra.Command{
		Use:   "get SESSION_ID",
		Short: "Show one session with its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if appName == "" || userID == "" {
				return fmt.Errorf("--app and --user are required")
			}
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			var cfg *session.GetConfig
			if numRecent > 0 {
				cfg = &session.GetConfig{NumRecentEvents: numRecent}
			}
			sess, err := svc.GetSession(cmd.Context(), appName, userID, args[0], cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd, sess)
		},
	}
	cmd.Flags().IntVar(&numRecent, "recent", 0, "limit output to the N most recent events")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete SESSION_ID",
		Short: "Delete a session and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if appName == "" || userID == "" {
				return fmt.Errorf("--app and --user are required")
			}
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.DeleteSession(cmd.Context(), appName, userID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete sessions idle beyond the retention window, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := buildService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			sweeper, err := session.NewSweeper(svc, session.SweepConfig{
				MaxIdle:          cfg.Retention.MaxIdle,
				Apps:             cfg.Retention.Apps,
				DeletesPerSecond: cfg.Retention.DeletesPerSecond,
			}, slog.Default())
			if err != nil {
				return err
			}
			deleted, err := sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired sessions\n", deleted)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics/health server and the scheduled retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := buildService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := observability.InitFromEnv(); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			obs.InitMetrics()

			checker := obs.NewHealthChecker()
			if pinger, ok := svc.(interface{ Ping(context.Context) error }); ok {
				checker.RegisterCheck(obs.SessionStoreCheck(pinger.Ping))
			}

			server := obs.NewServer(cfg.Observability.Addr, checker)
			errChan := make(chan error, 1)
			go func() {
				slog.Info("observability server listening", slog.String("addr", cfg.Observability.Addr))
				if err := server.Start(); err != nil {
					errChan <- fmt.Errorf("observability server: %w", err)
				}
			}()

			var sweeper *session.Sweeper
			if cfg.Retention.Enabled {
				sweeper, err = session.NewSweeper(svc, session.SweepConfig{
					Schedule:         cfg.Retention.Schedule,
					MaxIdle:          cfg.Retention.MaxIdle,
					Apps:             cfg.Retention.Apps,
					DeletesPerSecond: cfg.Retention.DeletesPerSecond,
				}, slog.Default())
				if err != nil {
					return err
				}
				if err := sweeper.Start(); err != nil {
					return err
				}
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errChan:
				slog.Error("server failed", slog.String("error", err.Error()))
			case <-quit:
				slog.Info("shutting down")
			}

			if sweeper != nil {
				sweeper.Stop()
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				slog.Error("server shutdown", slog.String("error", err.Error()))
			}
			if err := observability.Shutdown(ctx); err != nil {
				slog.Error("tracing shutdown", slog.String("error", err.Error()))
			}
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openService() (session.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildService(cfg)
}

// buildService constructs the session service named by the configuration.
func buildService(cfg *config.Config) (session.Service, error) {
	scoping := session.ScopePartitioned
	if cfg.SessionOnlyState {
		scoping = session.ScopeSessionOnly
	}

	switch cfg.Backend {
	case config.BackendFirestore:
		return session.NewFirestoreService(
			session.WithProjectID(cfg.Firestore.Project),
			session.WithDatabase(cfg.Firestore.Database),
			session.WithCollectionPrefix(cfg.Firestore.CollectionPrefix),
			session.WithScoping(scoping),
		), nil
	case config.BackendRedis:
		return session.NewRedisService(session.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.KeyPrefix,
			SessionTTL: cfg.Redis.SessionTTL,
			PoolSize:   cfg.Redis.PoolSize,
			Scoping:    scoping,
		})
	case config.BackendMemory:
		return session.NewInMemoryService(session.WithInMemoryScoping(scoping)), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
