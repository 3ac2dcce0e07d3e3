package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/jira-harvester/internal/config"
	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/client"
	"github.com/Sternrassler/jira-harvester/pkg/logging"
	"github.com/Sternrassler/jira-harvester/pkg/orchestrator"
	"github.com/Sternrassler/jira-harvester/pkg/pagination"
	"github.com/Sternrassler/jira-harvester/pkg/ratelimit"
	"github.com/Sternrassler/jira-harvester/pkg/sink"
	"github.com/Sternrassler/jira-harvester/pkg/transform"
)

// options are the global flags shared by all commands.
type options struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resumable Jira issue harvester",
		Long: `Harvester fetches issues from public Jira projects under a shared rate limit,
checkpoints progress after every page and writes cleaned issues with derived
training tasks to JSON Lines files.

Interrupted runs resume from the last committed page without duplicating output.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			if cmd.Flags().Changed("pretty") {
				cfg.Logging.Pretty = opts.pretty
			}
			if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
				return err
			}

			logCfg := cfg.LoggerConfig()
			logCfg.Output = cmd.ErrOrStderr()
			opts.logger = logging.Setup(logCfg)
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getEnv("HARVESTER_CONFIG", ""), "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human-readable log output")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newResetCmd(opts))
	cmd.AddCommand(newSummaryCmd(opts))

	return cmd
}

// app bundles the components built from the configuration.
type app struct {
	store   checkpoint.Store
	sink    *sink.JSONLSink
	orch    *orchestrator.Orchestrator
	limiter *ratelimit.Limiter
}

// newApp wires the pipeline. Commands that only inspect checkpoints still get
// a full orchestrator; no request is made until Run.
func newApp(ctx context.Context, opts *options) (*app, error) {
	cfg := opts.cfg

	store, err := openStore(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	c, err := client.New(cfg.ClientConfig())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating jira client: %w", err)
	}
	c.SetLogger(logging.NewLogger("client"))

	limiter, err := ratelimit.New(cfg.LimiterConfig(), logging.NewLogger("ratelimit"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}

	fetcher := pagination.NewFetcher(c, limiter, client.NewRetryPolicy(cfg.RetryConfig()),
		cfg.FetcherConfig(), logging.NewLogger("fetcher"))

	var errorLog checkpoint.ErrorLog
	if l, ok := store.(checkpoint.ErrorLog); ok {
		errorLog = l
	}

	tr := transform.New(cfg.TransformConfig())

	out, err := sink.New(cfg.Output.Directory, tr, errorLog, opts.logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	orch := orchestrator.New(fetcher, store, out, orchestrator.Config{
		MaxConcurrentSources: cfg.Scraping.MaxConcurrentSources,
		Driver:               cfg.DriverConfig(),
	}, opts.logger)

	return &app{store: store, sink: out, orch: orch, limiter: limiter}, nil
}

func (a *app) Close() error {
	sinkErr := a.sink.Close()
	if err := a.store.Close(); err != nil {
		return err
	}
	return sinkErr
}

// openStore creates the configured checkpoint backend.
func openStore(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return checkpoint.NewSQLiteStore(cfg.Path)
	case config.BackendFile:
		return checkpoint.NewFileStore(cfg.Path)
	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return checkpoint.NewRedisStore(redisClient), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}
