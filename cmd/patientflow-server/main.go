package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/domain/workflow"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/events"
	"github.com/ehr/patientflow/internal/platform/telemetry"
	"github.com/ehr/patientflow/internal/platform/websocket"
	"github.com/ehr/patientflow/migrations"
	"github.com/ehr/patientflow/pkg/pagination"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "patientflow-server",
		Short:        "Patient queue and workflow progression server",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(progressionsCmd())
	return rootCmd
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// setup loads and validates config and opens the pool.
func setup(ctx context.Context) (*config.Config, *pgxpool.Pool, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		return nil, nil, logger, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.DBStatementTimeout,
	})
	if err != nil {
		return nil, nil, logger, err
	}
	return cfg, pool, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the progression relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, pool, logger, err := setup(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer pool.Close()
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	logger.Info().Msg("connected to database")

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	hub := websocket.NewHub(logger)
	g, gctx := errgroup.WithContext(ctx)

	var pub events.Publisher
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		bus := events.NewRedisBus(client, hub, logger)
		g.Go(func() error { return bus.Run(gctx) })
		pub = bus
		logger.Info().Msg("queue events fan out through redis")
	} else {
		pub = events.NewLocal(hub)
	}

	svc, err := wire(cfg, pool, pub, logger)
	if err != nil {
		return err
	}

	relay := workflow.NewRelay(svc.workflow, cfg.OutboxPollInterval, logger)
	g.Go(func() error { return relay.Run(gctx) })

	e := newServer(cfg, pool, svc, hub, logger)
	addr := ":" + cfg.Port
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, _, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, _, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})
	return cmd
}

func printMigrationStatus(out io.Writer, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, at := "pending", "-"
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%03d\t%s\t%s\t%s\n", s.Version, s.Name, status, at)
	}
	w.Flush()
}

func progressionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progressions",
		Short: "Inspect and re-drive post-settlement progressions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List progression records",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := cmd.Context()
			cfg, pool, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			svc, err := wire(cfg, pool, events.Nop{}, logger)
			if err != nil {
				return err
			}

			records, total, err := svc.workflow.List(ctx, workflow.Filter{Status: workflow.Status(status)},
				pagination.Params{Limit: limit})
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), records)
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d record(s)\n", len(records), total)
			return nil
		},
	}
	listCmd.Flags().String("status", "", "Filter by status (pending, resolved, skipped, unresolved)")
	listCmd.Flags().Int("limit", pagination.DefaultLimit, "Maximum records to show")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Retry every pending or unresolved progression once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			svc, err := wire(cfg, pool, events.Nop{}, logger)
			if err != nil {
				return err
			}

			counts, err := svc.workflow.Reconcile(ctx)
			if err != nil {
				return err
			}
			printCounts(cmd.OutOrStdout(), counts)
			return nil
		},
	})
	return cmd
}

func printRecords(out io.Writer, records []*workflow.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INVOICE\tORIGIN\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, r := range records {
		lastErr := r.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.InvoiceNumber, r.Origin.Kind, r.Status, r.Attempts, lastErr)
	}
	w.Flush()
}

func printCounts(out io.Writer, counts map[workflow.Status]int) {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(out, "%s: %d\n", s, counts[workflow.Status(s)])
	}
}
