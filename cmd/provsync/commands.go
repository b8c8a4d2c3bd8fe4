package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/bulk"
	"github.com/fruitsalade/provsync/internal/config"
	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/metadata/postgres"
	"github.com/fruitsalade/provsync/internal/metrics"
	"github.com/fruitsalade/provsync/internal/models"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fileIDs(args []string) []models.FileID {
	ids := make([]models.FileID, len(args))
	for i, a := range args {
		ids[i] = models.FileID(a)
	}
	return ids
}

type stateReport struct {
	ID    models.FileID    `json:"id"`
	State models.SyncState `json:"state"`
	Error string           `json:"error,omitempty"`
}

func newBrowseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "browse <provider-id>",
		Short: "List a provider's remote root (vault providers: the principal's directory)",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid provider id %q", args[0])
			}
			entries, err := a.svc.Browse(ctx, id, principal)
			if err != nil {
				return err
			}
			return printJSON(entries)
		}),
	}
}

// perFile runs fn on every id, reporting each state. The command
// fails if any id failed.
func perFile(fn func(ctx context.Context, a *app, id models.FileID) (models.SyncState, error)) func(*cobra.Command, []string) error {
	return withApp(func(ctx context.Context, a *app, args []string) error {
		var reports []stateReport
		failed := 0
		for _, id := range fileIDs(args) {
			st, err := fn(ctx, a, id)
			r := stateReport{ID: id, State: st}
			if err != nil {
				r.Error = err.Error()
				failed++
			}
			reports = append(reports, r)
		}
		if err := printJSON(reports); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(args))
		}
		return nil
	})
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <file-id>...",
		Short: "Bring cached copies up to date with their providers",
		Args:  cobra.MinimumNArgs(1),
		RunE: perFile(func(ctx context.Context, a *app, id models.FileID) (models.SyncState, error) {
			return a.svc.SyncToCache(ctx, id)
		}),
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <file-id>...",
		Short: "Show the last known sync state without contacting providers",
		Args:  cobra.MinimumNArgs(1),
		RunE: perFile(func(_ context.Context, a *app, id models.FileID) (models.SyncState, error) {
			return a.svc.CurrentSyncState(id), nil
		}),
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <file-id>...",
		Short: "Write locally modified cache copies back to their providers",
		Args:  cobra.MinimumNArgs(1),
		RunE: perFile(func(ctx context.Context, a *app, id models.FileID) (models.SyncState, error) {
			return a.svc.Push(ctx, id)
		}),
	}
}

func newResolveCmd() *cobra.Command {
	var keepLocal bool
	cmd := &cobra.Command{
		Use:   "resolve <file-id>...",
		Short: "Settle a sync conflict",
		Args:  cobra.MinimumNArgs(1),
		RunE: perFile(func(ctx context.Context, a *app, id models.FileID) (models.SyncState, error) {
			return a.svc.Resolve(ctx, id, keepLocal)
		}),
	}
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep the cache copy instead of the provider copy")
	return cmd
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <file-id> <new-name>",
		Short: "Rename a file on its provider and in the catalog",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.svc.Rename(ctx, models.FileID(args[0]), principal, args[1])
		}),
	}
}

func newBulkCmd() *cobra.Command {
	var (
		opts       bulk.Options
		mode       string
		out        string
		background bool
	)
	cmd := &cobra.Command{
		Use:   "bulk <download|move|copy|extract|compress|delete|sync> <file-id>...",
		Short: "Apply one operation to many files, continuing past failures",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			op, err := bulk.ParseOp(args[0])
			if err != nil {
				return err
			}
			opts.Mode = bulk.ExtractMode(mode)
			if op == bulk.OpDownload {
				if out == "" {
					return fmt.Errorf("download needs --out")
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				opts.Output = f
			}

			ids := fileIDs(args[1:])
			var res *bulk.Result
			if background {
				job, err := a.svc.SubmitBulk(ctx, op, ids, principal, opts)
				if err != nil {
					return err
				}
				logging.Info("bulk operation queued",
					zap.String("op", string(op)),
					zap.String("task_id", job.Task.ID()))
				if err := job.Task.Wait(ctx); err != nil && job.Result() == nil {
					return err
				}
				res = job.Result()
			} else {
				res, err = a.svc.RunBulk(ctx, op, ids, principal, opts)
				if err != nil {
					if op == bulk.OpDownload {
						os.Remove(out)
					}
					return err
				}
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d items failed", res.Failed, len(res.Outcomes))
			}
			return nil
		}),
	}
	f := cmd.Flags()
	f.IntVar(&opts.DestProvider, "dest", 0, "destination provider for move and copy")
	f.StringVar(&mode, "mode", string(bulk.ExtractFlat), "extract layout: flat or collection")
	f.StringVar(&opts.Codec, "codec", "", "compress codec (default gzip)")
	f.StringVar(&opts.ArchiveName, "name", "", "bundle name for multi-file downloads")
	f.StringVar(&out, "out", "", "download target file")
	f.BoolVar(&background, "background", false, "run through the task pool")
	return cmd
}

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and import data provider descriptors",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		Args:  cobra.NoArgs,
		RunE: withApp(func(_ context.Context, a *app, _ []string) error {
			return printJSON(a.registry.Descriptors())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <providers.yaml>",
		Short: "Upsert the providers of a YAML file into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return importProviders(cmd.Context(), args[0])
		},
	})
	return cmd
}

func importProviders(ctx context.Context, path string) error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	logging.InitDefault()
	defer logging.Sync()

	inv, err := config.LoadProviders(path)
	if err != nil {
		return err
	}
	store, err := postgres.New(dbURL)
	if err != nil {
		return err
	}
	defer store.Close()
	for _, d := range inv.Providers {
		if err := store.UpsertProvider(ctx, d); err != nil {
			return err
		}
	}
	logging.Info("imported providers", zap.Int("count", len(inv.Providers)))
	if len(inv.Files) > 0 {
		logging.Warn("file entries are only used without a database; skipped",
			zap.Int("count", len(inv.Files)))
	}
	return nil
}

func newServeCmd() *cobra.Command {
	var checkpointEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /metrics and the /events progress stream",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/events", a.broadcaster)
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}

			errCh := make(chan error, 1)
			go func() {
				logging.Info("metrics server listening", zap.String("addr", a.cfg.MetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			if checkpointEvery <= 0 {
				checkpointEvery = time.Minute
			}
			ticker := time.NewTicker(checkpointEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logging.Info("shutting down...")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				case err := <-errCh:
					return err
				case <-ticker.C:
					if err := a.svc.Checkpoint(); err != nil {
						logging.Warn("checkpoint failed", zap.Error(err))
					}
					if err := a.registry.Reload(ctx); err != nil {
						logging.Warn("provider reload failed", zap.Error(err))
					}
				}
			}
		}),
	}
	cmd.Flags().DurationVar(&checkpointEvery, "checkpoint-every", time.Minute, "interval for saving cache state and reloading providers")
	return cmd
}
