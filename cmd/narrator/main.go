package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/internal/checkpoint"
	"github.com/mixelka/emailnarrator/internal/config"
	"github.com/mixelka/emailnarrator/internal/credential"
	"github.com/mixelka/emailnarrator/internal/database"
	"github.com/mixelka/emailnarrator/internal/dispatch"
	"github.com/mixelka/emailnarrator/internal/email"
	"github.com/mixelka/emailnarrator/internal/narrator"
	"github.com/mixelka/emailnarrator/internal/parser"
	"github.com/mixelka/emailnarrator/internal/poller"
	"github.com/mixelka/emailnarrator/internal/rate"
	"github.com/mixelka/emailnarrator/internal/status"
	"github.com/mixelka/emailnarrator/internal/telegram"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting email narrator")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run migrations
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	resolver := email.NewServerResolver()
	accounts, err := loadAccounts(cfg, resolver, logger)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}
	holder := config.NewHolder(config.BuildSnapshot(cfg, accounts))
	logger.Info("accounts loaded", "count", len(accounts))

	// Targets
	targets := dispatch.NewTargetSet(db, logger)
	targets.Configure(holder.Load().PreconfiguredTargets, holder.Load().FixedTarget)
	if err := targets.Load(ctx); err != nil {
		logger.Error("failed to load targets", "error", err)
		os.Exit(1)
	}

	narr := narrator.NewClient(narrator.Config{
		BaseURL:      cfg.NarratorURL,
		APIKey:       cfg.NarratorAPIKey,
		Model:        cfg.NarratorModel,
		SystemPrompt: cfg.NarratorSystemPrompt,
		HistoryTurns: cfg.NarratorHistory,
	})
	if narr.IsConfigured() {
		logger.Info("narration enabled", "model", cfg.NarratorModel)
	} else {
		logger.Info("narration disabled, sending plain notifications")
	}

	// A chat that turns narration off starts a fresh conversation next time
	targets.OnChange(func(ev dispatch.TargetEvent) {
		if ev.Kind == dispatch.Disable {
			narr.Forget(ev.Target)
		}
	})

	registry := status.NewRegistry()
	reporter := status.NewReporter(registry, targets, func() status.Settings {
		snap := holder.Load()
		return status.Settings{
			ConfiguredAccounts: len(snap.Accounts),
			PollInterval:       snap.PollInterval,
			TextNum:            snap.TextNum,
			Narration:          narr.IsConfigured(),
		}
	})

	// The bot is the router's sender and the supervisor answers its checks,
	// so the supervisor is bound after both exist
	var supervisor *poller.Supervisor
	bot, err := telegram.NewBot(telegram.BotDeps{
		Token:    cfg.TelegramToken,
		Targets:  targets,
		Reporter: reporter,
		Checker: telegram.CheckFunc(func(ctx context.Context) []email.CheckResult {
			return supervisor.CheckAccounts(ctx)
		}),
		AdminUserIDs: cfg.AdminUserIDs,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create bot", "error", err)
		os.Exit(1)
	}

	limiter := rate.NewTokenBucket(cfg.SendRate, time.Second)
	defer limiter.Stop()

	pipeline := dispatch.NewPipeline(narr, bot, limiter, func() string {
		return holder.Load().PromptTemplate
	}, logger)
	router := dispatch.NewRouter(targets, pipeline, dispatch.RouterConfig{
		MaxAttempts: cfg.RetryAttempts + 1,
	}, logger)

	supervisor = poller.NewSupervisor(ctx, poller.SupervisorConfig{
		Dialer: &email.IMAPDialer{
			DialTimeout: cfg.IMAPDialTimeout,
			Logger:      logger,
		},
		Store:      checkpoint.NewSQLStore(db, logger),
		Router:     router,
		Normalizer: parser.NewNormalizer(logger),
		Registry:   registry,
		Settings: func() poller.Settings {
			snap := holder.Load()
			return poller.Settings{
				Interval:   snap.PollInterval,
				TextNum:    snap.TextNum,
				BatchLimit: snap.BatchLimit,
			}
		},
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Logger:         logger,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.Run(ctx)
	}()

	supervisor.Apply(holder.Load().Accounts)

	// Reload on SIGHUP, shut down on SIGINT/SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reload(holder, targets, supervisor, resolver, logger)
				continue
			}

			logger.Info("received shutdown signal", "signal", sig)
			logger.Info("shutting down...")
			cancel()
			return
		}
	}()

	// Start bot
	logger.Info("narrator is running, press Ctrl+C to stop")
	bot.Start(ctx)

	supervisor.Stop()
	wg.Wait()

	logger.Info("narrator stopped")
}

// loadAccounts parses the account list. Bad lines are logged and skipped.
func loadAccounts(cfg *config.Config, resolver *email.ServerResolver, logger *slog.Logger) ([]account.Descriptor, error) {
	lines, err := cfg.AccountLines()
	if err != nil {
		return nil, err
	}

	creds, err := credential.NewResolver(cfg.EncryptionKey, credential.KeyringLookup(cfg.KeyringDir))
	if err != nil {
		return nil, err
	}

	accounts, errs := account.ParseList(lines, account.Options{
		ResolveServer:     resolver.Resolve,
		ResolveCredential: creds.Resolve,
	})
	for _, err := range errs {
		logger.Warn("skipping account line", "error", err)
	}
	return accounts, nil
}

// accountApplier restarts pollers for a new account list
type accountApplier interface {
	Apply(accounts []account.Descriptor)
}

// reload re-reads configuration and swaps in a new snapshot. A failed
// reload keeps the running configuration.
func reload(holder *config.Holder, targets *dispatch.TargetSet, supervisor accountApplier, resolver *email.ServerResolver, logger *slog.Logger) {
	logger.Info("reloading configuration")

	cfg, err := config.Reload()
	if err != nil {
		logger.Error("reload failed, keeping current configuration", "error", err)
		return
	}

	accounts, err := loadAccounts(cfg, resolver, logger)
	if err != nil {
		logger.Error("reload failed, keeping current configuration", "error", err)
		return
	}

	snap := config.BuildSnapshot(cfg, accounts)
	holder.Store(snap)
	targets.Configure(snap.PreconfiguredTargets, snap.FixedTarget)
	supervisor.Apply(snap.Accounts)

	logger.Info("configuration reloaded",
		"accounts", len(snap.Accounts),
		"targets", targets.Counts().Active,
		"poll_interval", snap.PollInterval,
	)
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
