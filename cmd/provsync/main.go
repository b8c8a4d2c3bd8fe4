// provsync
//
// Command-line front end for the data provider cache:
// - browse providers (vault providers per principal)
// - sync, push and resolve single files
// - bulk download, move, copy, extract, compress, delete and sync
// - Prometheus metrics and SSE progress stream (serve)
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/archive"
	"github.com/fruitsalade/provsync/internal/bulk"
	"github.com/fruitsalade/provsync/internal/cache"
	"github.com/fruitsalade/provsync/internal/catalog"
	"github.com/fruitsalade/provsync/internal/config"
	"github.com/fruitsalade/provsync/internal/dataprovider"
	"github.com/fruitsalade/provsync/internal/events"
	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/metadata/postgres"
	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/storage"
	"github.com/fruitsalade/provsync/internal/syncer"
	"github.com/fruitsalade/provsync/internal/syncstate"
	"github.com/fruitsalade/provsync/internal/tasks"
)

var (
	principal string
	verbose   bool
)

// app holds everything a command needs. close releases it in reverse
// order of construction.
type app struct {
	cfg         *config.Config
	svc         *dataprovider.Service
	registry    *storage.Registry
	broadcaster *events.Broadcaster
	pool        *tasks.Pool
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// staticSource serves descriptors loaded from a providers file.
type staticSource []models.ProviderDescriptor

func (s staticSource) ListProviders(context.Context) ([]models.ProviderDescriptor, error) {
	return append([]models.ProviderDescriptor(nil), s...), nil
}

func setup(ctx context.Context) (*app, error) {
	a := &app{broadcaster: events.NewBroadcaster()}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stderr",
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	if verbose {
		logging.SetLevel("debug")
	}

	a.cfg = cfg
	a.closers = append(a.closers, func() { logging.Sync() })

	var source storage.DescriptorSource
	var cat catalog.Catalog
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.closers = append(a.closers, func() { store.Close() })
		if cfg.AutoMigrate {
			logging.Info("running migrations...", zap.String("dir", cfg.MigrationsDir))
			if err := store.Migrate(cfg.MigrationsDir); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
		source, cat = store, store
	} else {
		inv, err := config.LoadProviders(cfg.ProvidersFile)
		if err != nil {
			return err
		}
		mem := catalog.NewMemory()
		for _, rec := range inv.Files {
			mem.Put(rec)
		}
		source, cat = staticSource(inv.Providers), mem
		logging.Info("loaded providers file",
			zap.String("path", cfg.ProvidersFile),
			zap.Int("providers", len(inv.Providers)),
			zap.Int("files", len(inv.Files)))
	}

	reg, err := storage.NewRegistry(ctx, source, storage.Options{
		Timeout:        cfg.RemoteTimeout,
		KnownHostsFile: cfg.SSHKnownHosts,
	})
	if err != nil {
		return fmt.Errorf("provider registry init failed: %w", err)
	}
	a.registry = reg
	a.closers = append(a.closers, func() { reg.Close() })

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("cache init failed: %w", err)
	}

	// Runs after the pool drains.
	a.closers = append(a.closers, func() {
		if a.svc == nil {
			return
		}
		if err := a.svc.Checkpoint(); err != nil {
			logging.Warn("checkpoint failed", zap.Error(err))
		}
	})

	a.pool = tasks.NewPool(cfg.TaskConcurrency)
	a.closers = append(a.closers, func() {
		if err := a.pool.Shutdown(context.Background()); err != nil {
			logging.Warn("task pool shutdown", zap.Error(err))
		}
	})

	states := syncstate.New()
	a.svc = dataprovider.New(dataprovider.Deps{
		Registry: reg,
		Catalog:  cat,
		States:   states,
		Coord:    syncer.New(c, states, cat, reg),
		Notifier: a.broadcaster,
		Spawner:  a.pool,
		Bulk: bulk.Config{
			Concurrency:      cfg.BulkConcurrency,
			MaxDownloadBytes: cfg.MaxDownloadBytes,
			Extract: archive.Limits{
				MaxBytes:   cfg.MaxExtractBytes,
				MaxEntries: cfg.MaxExtractEntries,
			},
		},
	})
	if err := a.svc.Restore(); err != nil {
		logging.Warn("cache restore failed, starting empty", zap.Error(err))
	}
	return nil
}

// withApp runs fn against a fully wired app.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a, args)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "provsync",
		Short:         "Cache and synchronize files held on data providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&principal, "as", "", "principal to act for (empty: no access checks)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(
		newBrowseCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newPushCmd(),
		newResolveCmd(),
		newRenameCmd(),
		newBulkCmd(),
		newProvidersCmd(),
		newServeCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
