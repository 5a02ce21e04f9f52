package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/constituent/constituent/internal/api/http"
	"github.com/constituent/constituent/internal/application/governance"
	"github.com/constituent/constituent/internal/clock"
	"github.com/constituent/constituent/internal/collaborators"
	"github.com/constituent/constituent/internal/config"
	"github.com/constituent/constituent/internal/domain/action"
	"github.com/constituent/constituent/internal/domain/notify"
	"github.com/constituent/constituent/internal/domain/policy"
	"github.com/constituent/constituent/internal/domain/registry"
	"github.com/constituent/constituent/internal/infrastructure/bolt"
	"github.com/constituent/constituent/internal/infrastructure/notifier"
	"github.com/constituent/constituent/internal/infrastructure/postgres"
	"github.com/constituent/constituent/internal/infrastructure/sse"
	"github.com/constituent/constituent/internal/scheduler"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	// store
	var repo action.Repository
	switch cfg.StoreBackend {
	case "bolt":
		store, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			log.Fatalf("bolt error: %v", err)
		}
		defer store.Close()
		repo = store
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
			log.Fatalf("migration error: %v", err)
		}
		repo = postgres.NewActionRepository(pool)
	}

	// classifier
	classifier, err := buildClassifier(cfg)
	if err != nil {
		log.Fatalf("classifier error: %v", err)
	}

	// executors
	reg := registry.New()
	for actionType, url := range cfg.ExecutorURLs {
		exec := collaborators.NewWebhook(url, nil, cfg.ExecutorTimeout, logger)
		reg.Register(actionType, exec, registry.ParamSpec{})
	}

	// notifications
	sseHub := sse.NewHub(logger)
	sinks := notify.Multi{notifier.NewLog(logger), sseHub}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notifier.NewWebhook(cfg.NotifyWebhookURL, 10*time.Second, logger))
	}

	governanceSvc := governance.NewService(
		repo,
		classifier,
		reg,
		sinks,
		clock.System{},
		governance.Config{
			MaxRetries:      cfg.MaxRetries,
			RetryBaseDelay:  cfg.RetryBaseDelay,
			RetryMaxDelay:   cfg.RetryMaxDelay,
			ApprovalTTL:     cfg.ApprovalTTL,
			ExecutorTimeout: cfg.ExecutorTimeout,
		},
		logger,
	)

	// background sweeps
	runner := scheduler.NewRunner(cfg.SweepInterval, logger)
	runner.Add("retry", func(ctx context.Context) error {
		_, err := governanceSvc.ProcessDueRetries(ctx, 50)
		return err
	})
	runner.Add("expiry", func(ctx context.Context) error {
		_, err := governanceSvc.ExpirePending(ctx, 50)
		return err
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	runner.Start(runCtx)

	// API server
	apiServer := httpapi.NewServer(governanceSvc, sseHub, cfg.OperatorTokenHashes, logger)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancelRun()
	runner.Wait()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

func buildClassifier(cfg *config.Config) (*policy.Classifier, error) {
	levels := make(map[string]action.Level, len(cfg.ActionTypes))
	for actionType, tier := range cfg.ActionTypes {
		level, err := action.ParseLevel(tier)
		if err != nil {
			return nil, err
		}
		levels[actionType] = level
	}
	classifier := policy.NewClassifier(levels)
	for _, rule := range cfg.EscalationRules {
		level, err := action.ParseLevel(rule.Level)
		if err != nil {
			return nil, err
		}
		if err := classifier.AddEscalation(rule.ActionType, rule.Expression, level); err != nil {
			return nil, err
		}
	}
	return classifier, nil
}
