package main

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"goflare.io/depot"
	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/remote"
)

type opener func(ctx context.Context) (*depot.Depot, error)

// app carries the store opened for the running command.
type app struct {
	open   opener
	output string
	store  *depot.Depot
}

// run executes the command line in args and closes the store it opened.
func run(ctx context.Context, args []string, open opener, out io.Writer) error {
	a := &app{open: open}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	if a.store != nil {
		if closeErr := a.store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "depot",
		Short: "Offline storage and sync store",
		Long: `depot operates the local store behind an offline-capable client: the
expiring cache, the outbox of pending remote writes and its sync engine.

The store is selected from the environment:
  DEPOT_ENGINE       sqlite (default), redis or memory
  DEPOT_DB_PATH      sqlite file, defaults to $XDG_DATA_HOME/depot/depot.db
  DEPOT_REDIS_ADDR   redis address
  DEPOT_REMOTE_URL   base URL queued writes are sent to`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.output != "text" && a.output != "yaml" {
				return fmt.Errorf("unsupported output format: %s (supported: text, yaml)", a.output)
			}
			store, err := a.open(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			a.store = store
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "Output format: text, yaml")

	root.AddCommand(
		newStatsCmd(a),
		newMaintenanceCmd(a),
		newQueueCmd(a),
		newSyncCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newClearCmd(a),
		newPrefCmd(a),
	)
	return root
}

func openFromEnv(ctx context.Context) (*depot.Depot, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	cfgOpts, err := env.Options()
	if err != nil {
		return nil, err
	}
	opts := []depot.Option{depot.WithConfigOptions(cfgOpts...)}

	switch env.Engine {
	case "sqlite":
		path := env.DBPath
		if path == "" {
			if path, err = depot.DefaultPath(); err != nil {
				return nil, err
			}
		}
		opts = append(opts, depot.WithSQLite(path, env.MaxBytes))
	case "redis":
		opts = append(opts, depot.WithRedis(&redis.Options{Addr: env.RedisAddr}, env.RedisPrefix))
	case "memory":
		opts = append(opts, depot.WithMemory(env.MaxBytes))
	default:
		return nil, fmt.Errorf("unsupported engine: %s (supported: sqlite, redis, memory)", env.Engine)
	}

	if env.RemoteURL != "" {
		applier, err := remote.NewHTTP(remote.HTTPConfig{
			BaseURL:     env.RemoteURL,
			ContentType: contentType(env.Serialization),
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, depot.WithRemote(applier))
	}
	return depot.New(ctx, opts...)
}

func contentType(serialization string) string {
	if serialization == "gob" {
		return "application/octet-stream"
	}
	return "application/json"
}
