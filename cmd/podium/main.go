package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"podium/internal/config"
	"podium/internal/credentials"
	"podium/internal/dispatch"
	"podium/internal/evaluator"
	"podium/internal/logging"
	"podium/internal/maintenance"
	"podium/internal/metrics"
	"podium/internal/plan"
	"podium/internal/queue"
	"podium/internal/seed"
	"podium/internal/server"
	"podium/internal/store"
	"podium/internal/types"
	"podium/internal/worker"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Seed flags
	seedFile string

	// Cleanup flags
	cleanupResources []string
	cleanupDaysOld   int
	cleanupLimit     int
	cleanupDryRun    bool
	cleanupHard      bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "podium",
	Short: "podium - cache-first LLM evaluation control plane",
	Long: `podium runs on-demand LLM evaluations and publishes their scores.

Submissions are fingerprinted and answered from the leaderboard cache when
fresh results exist; everything else flows through a lease-based queue to a
worker pool that drives the evaluation engine and publishes aggregates.

serve runs the API and the workers in one process. worker runs claim loops
only, for scaling out against Redis and PostgreSQL.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real env vars win either way.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the full control plane in one process
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the worker pool in one process",
	Long: `Starts the submission API, the worker pool, and the taxonomy watcher
under one supervision group. With the default in-memory queue this is the
whole system; point redis_url and database dsn at shared services to run
additional workers elsewhere.`,
	RunE: runServe,
}

// workerCmd runs claim loops only
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run evaluation workers without the HTTP API",
	Long: `Runs claim loops against the configured queue. Meant for scaling out:
the serve process accepts submissions while worker processes burn down the
stream. Requires a Redis queue and a shared database to be useful.`,
	RunE: runWorker,
}

// migrateCmd applies schema migrations
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and report the schema version",
	RunE:  runMigrate,
}

// seedCmd loads initial leaderboard rows
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the leaderboard from a YAML file",
	Long: `Inserts leaderboard rows from a seed file, each group backed by a
synthetic completed task so provenance stays intact. A leaderboard that
already has rows is left untouched.`,
	RunE: runSeed,
}

// cleanupCmd sweeps aged records
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep aged tasks, samples, and cache rows",
	Long: `Runs an age-based sweep directly against the store. The same sweep is
available as a queued task via POST /api/v1/maintenance/cleanup; this
command is for cron jobs and one-off maintenance.`,
	RunE: runCleanup,
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the podium version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "podium.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Seed flags
	seedCmd.Flags().StringVar(&seedFile, "file", "seed.yaml", "Seed data file")

	// Cleanup flags
	cleanupCmd.Flags().StringSliceVar(&cleanupResources, "resources",
		[]string{types.CleanupTasks, types.CleanupSamples, types.CleanupCache},
		"Resources to sweep (tasks, samples, cache)")
	cleanupCmd.Flags().IntVar(&cleanupDaysOld, "days-old", 30, "Sweep records older than this many days")
	cleanupCmd.Flags().IntVar(&cleanupLimit, "limit", 1000, "Per-resource record cap")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Count matching records without deleting")
	cleanupCmd.Flags().BoolVar(&cleanupHard, "hard-delete", false, "Delete cache rows instead of quarantining them")

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// core is the shared assembly behind serve and worker: everything that
// holds a connection or a key.
type core struct {
	store   *store.Store
	queue   queue.Queue
	vault   *credentials.Vault
	eval    evaluator.Evaluator
	metrics *metrics.Metrics
}

func buildCore() (*core, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}

	q, err := queue.New(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group,
		cfg.GetLeaseTTL(), logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	v, err := credentials.NewVault(cfg.Credentials.EncryptionKey, cfg.GetEnvelopeTTL(), logger)
	if err != nil {
		_ = q.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to build credential vault: %w", err)
	}

	eval, err := evaluator.New(cfg.Evaluator.Kind, cfg.Evaluator.Endpoint,
		cfg.Evaluator.Version, cfg.GetStubLatency(), logger)
	if err != nil {
		v.Close()
		_ = q.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to build evaluator: %w", err)
	}

	return &core{store: st, queue: q, vault: v, eval: eval, metrics: metrics.New()}, nil
}

func (c *core) Close() {
	if err := c.queue.Close(); err != nil {
		logger.Warn("queue close failed", zap.Error(err))
	}
	c.vault.Close()
	if err := c.store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}

// runServe runs the API, the workers, and the taxonomy watcher until a
// shutdown signal lands.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := buildCore()
	if err != nil {
		return err
	}
	defer c.Close()

	taxonomy, err := buildTaxonomy()
	if err != nil {
		return err
	}
	validator := plan.NewValidator(taxonomy, cfg.Limits)

	disp := dispatch.New(c.store, c.queue, c.vault, validator, dispatchOptions(), c.metrics, logger)
	pool := worker.New(c.store, c.queue, c.vault, c.eval,
		maintenance.New(c.store, logger), workerOptions(), c.metrics, logger)
	srv := server.New(c.store, c.queue, disp, c.eval, c.metrics, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })

	if cfg.Taxonomy.File != "" && cfg.Taxonomy.Watch {
		stop := make(chan struct{})
		done := make(chan struct{})
		if err := config.WatchTaxonomy(cfg.Taxonomy.File, taxonomy, logger, stop, done); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			close(stop)
			<-done
			return nil
		})
	}

	logger.Info("control plane up",
		zap.String("listen", cfg.Server.Listen),
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.String("evaluator", cfg.Evaluator.Kind),
		zap.String("queue", queueKind()))

	return g.Wait()
}

// runWorker runs claim loops only.
func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := buildCore()
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.Queue.RedisURL == "" {
		logger.Warn("in-memory queue configured; this worker cannot see tasks enqueued by another process")
	}

	pool := worker.New(c.store, c.queue, c.vault, c.eval,
		maintenance.New(c.store, logger), workerOptions(), c.metrics, logger)

	logger.Info("worker pool up",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.String("queue", queueKind()))

	return pool.Run(ctx)
}

// runMigrate opens the store, which applies pending migrations, and reports
// the resulting schema version.
func runMigrate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := st.SchemaVersion()
	if err != nil {
		return fmt.Errorf("schema version unreadable after migration: %w", err)
	}

	logger.Info("migrations applied", zap.String("dsn", cfg.Database.DSN), zap.Int("schema_version", v))
	fmt.Printf("schema version %d\n", v)
	return nil
}

// runSeed loads the seed file into an empty leaderboard.
func runSeed(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := seed.New(st, cfg.Evaluator.Version, logger).Run(ctx, seedFile)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Println("leaderboard already has rows; nothing seeded")
		return nil
	}

	fmt.Printf("seeded %d leaderboard rows across %d backing tasks\n", res.Rows, res.Tasks)
	return nil
}

// runCleanup sweeps directly against the store.
func runCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	spec := types.CleanupSpec{
		Resources:  cleanupResources,
		DaysOld:    cleanupDaysOld,
		Limit:      cleanupLimit,
		DryRun:     cleanupDryRun,
		HardDelete: cleanupHard,
	}
	if err := spec.Normalize(); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	summary, err := maintenance.New(st, logger).Run(ctx, spec, nil)
	if err != nil {
		return err
	}

	verb := "swept"
	if summary.DryRun {
		verb = "would sweep"
	}
	fmt.Printf("cutoff %s\n", summary.Cutoff.Format(time.RFC3339))
	for _, r := range spec.Resources {
		fmt.Printf("  %-8s %s %d record(s)\n", r, verb, summary.Swept[r])
	}
	return nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.Database.DSN, store.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func buildTaxonomy() (*config.Taxonomy, error) {
	if cfg.Taxonomy.File == "" {
		return config.NewTaxonomy(nil), nil
	}

	entries, err := config.LoadTaxonomyFile(cfg.Taxonomy.File)
	if err != nil {
		return nil, err
	}
	logger.Info("taxonomy loaded",
		zap.String("path", cfg.Taxonomy.File),
		zap.Int("entries", len(entries)))
	return config.NewTaxonomy(entries), nil
}

func dispatchOptions() dispatch.Options {
	return dispatch.Options{
		CacheTTL:            cfg.GetCacheTTL(),
		MinReuseSamples:     cfg.Cache.MinReuseSamples,
		MinEvaluatorVersion: cfg.Cache.MinEvaluatorVersion,
		SampleSizeBuckets:   cfg.Cache.SampleSizeBuckets,
	}
}

func workerOptions() worker.Options {
	return worker.Options{
		Concurrency:         cfg.Worker.Concurrency,
		TaskMaxDuration:     cfg.GetTaskMaxDuration(),
		CancelLatencyBound:  cfg.GetCancelLatencyBound(),
		ProgressMinInterval: cfg.GetProgressMinInterval(),
		StorageMaxRetries:   cfg.Worker.StorageMaxRetries,
		EvaluatorMaxRetries: cfg.Evaluator.MaxRetries,
		RetryBackoff:        cfg.GetRetryBackoff(),
		LeaseTTL:            cfg.GetLeaseTTL(),
	}
}

func queueKind() string {
	if cfg.Queue.RedisURL == "" {
		return "memory"
	}
	return "redis"
}
