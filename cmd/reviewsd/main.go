package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/aqniet/reviews-radar/internal/bot"
	"github.com/aqniet/reviews-radar/internal/cache"
	"github.com/aqniet/reviews-radar/internal/config"
	"github.com/aqniet/reviews-radar/internal/httpapi"
	"github.com/aqniet/reviews-radar/internal/ingest"
	"github.com/aqniet/reviews-radar/internal/notify"
	otelPkg "github.com/aqniet/reviews-radar/internal/otel"
	"github.com/aqniet/reviews-radar/internal/queue"
	"github.com/aqniet/reviews-radar/internal/roster"
	"github.com/aqniet/reviews-radar/internal/store"
	"github.com/aqniet/reviews-radar/internal/telemetry"
	"github.com/aqniet/reviews-radar/internal/upstream"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                      Run scheduler, queue workers, bot and HTTP API

ONE-SHOT MODE:
  %s -run-once            Run a single parse over all branches and exit
                          (run -sync-branches first on a fresh database)
  %s -sync-branches       Reconcile stored branches with the roster and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DATABASE_URL            Postgres DSN (required)
  TELEGRAM_BOT_TOKEN      Chat platform credential (required)
  REDIS_URL               Cache and queue broker; without it the cache is
                          disabled and notifications are not dispatched
  PARSER_API_KEY          Upstream reviews provider key
  CORS_ALLOWED_ORIGINS    Comma-separated CORS allow-list
  REVIEWSD_HOME           Data directory (default: ~/.reviewsd)
`)
}

func main() {
	runOnce := flag.Bool("run-once", false, "run one parse over all branches and exit")
	syncBranches := flag.Bool("sync-branches", false, "reconcile stored branches with the roster and exit")
	apiOnly := flag.Bool("api-only", false, "serve the HTTP API only (no scheduler, queue or bot)")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: "reviewsd",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_ready")

	c, err := cache.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		fatalStartup(logger, "E_CACHE_INIT", err)
	}
	defer c.Close()

	registry := roster.New(roster.Config{
		SpreadsheetKey: cfg.Roster.SpreadsheetKey,
		FallbackFile:   cfg.Roster.FallbackFile,
		CacheTTL:       time.Duration(cfg.Roster.CacheTTLSeconds) * time.Second,
		Logger:         logger,
	})
	watcher := roster.NewWatcher(registry, cfg.Roster.FallbackFile, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("roster watcher unavailable", "error", err)
	}

	fetcher := upstream.New(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		Locale:         cfg.Upstream.Locale,
		PageSize:       cfg.Upstream.PageSize,
		PageDelay:      time.Duration(cfg.Upstream.PageDelaySeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.Upstream.RequestTimeoutSeconds) * time.Second,
		Logger:         logger,
	})

	// The queue and the distributed run-lock both need the broker. Without
	// one the queue refuses to start and dispatch is skipped entirely.
	var redisClient *redis.Client
	if cfg.CacheEnabled() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fatalStartup(logger, "E_BROKER_URL", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	runnerCfg := ingest.Config{
		Roster:      registry,
		Fetcher:     fetcher,
		Store:       st,
		Cache:       c,
		Logger:      logger,
		Tracer:      otelProvider.Tracer,
		Workers:     cfg.Ingest.Workers,
		BranchDelay: time.Duration(cfg.Ingest.BranchDelaySeconds) * time.Second,
	}

	var q *queue.Queue
	if !*apiOnly && redisClient != nil {
		botClient, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", err)
		}
		q, err = queue.New(queue.Config{
			Client:        redisClient,
			Sender:        queue.NewTelegramSender(botClient),
			Logger:        logger,
			Tracer:        otelProvider.Tracer,
			Workers:       cfg.Queue.Workers,
			RatePerSecond: cfg.Queue.RatePerSecond,
		})
		if err != nil {
			fatalStartup(logger, "E_QUEUE_INIT", err)
		}
		runnerCfg.Dispatcher = notify.NewDispatcher(st, q, c, logger)
	} else if !*apiOnly {
		logger.Warn("notification queue disabled: no broker configured")
	}

	runner := ingest.NewRunner(runnerCfg)

	if *syncBranches {
		report, err := runner.SyncBranches(ctx)
		if err != nil {
			fatalStartup(logger, "E_BRANCH_SYNC", err)
		}
		fmt.Printf("branch sync: created=%d updated=%d new_reviews=%d\n",
			report.Created, report.Updated, report.NewReviews)
		return
	}
	if *runOnce {
		report, err := runner.RunOnce(ctx)
		if err != nil {
			fatalStartup(logger, "E_PARSE_RUN", err)
		}
		fmt.Printf("parse run: branches=%d ok=%d failed=%d total=%d new=%d\n",
			report.TotalBranches, report.SuccessfulBranches, report.FailedBranches,
			report.TotalReviews, report.NewReviews)
		return
	}

	var scheduler *ingest.Scheduler
	var b *bot.Bot
	if !*apiOnly {
		if q != nil {
			if err := q.Start(ctx); err != nil {
				fatalStartup(logger, "E_QUEUE_START", err)
			}
			defer q.Stop()
		}

		var locker ingest.RunLocker
		if redisClient != nil {
			locker = ingest.NewRedisLocker(redisClient)
		} else {
			locker = ingest.NewFileLocker(cfg.HomeDir)
		}
		scheduler, err = ingest.NewScheduler(ingest.SchedulerConfig{
			Runner:      runner,
			Locker:      locker,
			Logger:      logger,
			Schedule:    cfg.Ingest.Schedule,
			RunOnStart:  cfg.Ingest.RunOnStart,
			SyncOnStart: true,
		})
		if err != nil {
			fatalStartup(logger, "E_SCHEDULE_PARSE", err)
		}
		scheduler.Start(ctx)

		b = bot.New(bot.Config{
			Token:  cfg.Telegram.Token,
			Store:  st,
			Roster: registry,
			Logger: logger,
		})
		if err := b.Start(ctx); err != nil {
			fatalStartup(logger, "E_BOT_START", err)
		}
	}

	server := httpapi.New(httpapi.Config{
		BindAddr:       cfg.HTTP.BindAddr,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Store:          st,
		Cache:          c,
		Logger:         logger,
		Tracer:         otelProvider.Tracer,
	})
	server.Start()
	logger.Info("startup phase", "phase", "serving")

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if b != nil {
		b.Stop()
	}
	if scheduler != nil {
		scheduler.Stop()
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
