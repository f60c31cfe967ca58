package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"github.com/matvik19/duplicate-contacts/config"
	"github.com/matvik19/duplicate-contacts/internal/database"
	"github.com/matvik19/duplicate-contacts/internal/repositories/mergelog"
	"github.com/matvik19/duplicate-contacts/internal/repositories/settings"
	"github.com/matvik19/duplicate-contacts/pkg/amocrm"
	"github.com/matvik19/duplicate-contacts/pkg/broker"
	"github.com/matvik19/duplicate-contacts/pkg/events"
	"github.com/matvik19/duplicate-contacts/pkg/exclusion"
	"github.com/matvik19/duplicate-contacts/pkg/httpclient"
	"github.com/matvik19/duplicate-contacts/pkg/middleware"
	"github.com/matvik19/duplicate-contacts/pkg/processor"
	"github.com/matvik19/duplicate-contacts/pkg/redis"
	"github.com/matvik19/duplicate-contacts/pkg/routes/health"
	"github.com/matvik19/duplicate-contacts/pkg/startup"
	"github.com/matvik19/duplicate-contacts/pkg/tokens"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the command consumers and the health server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, rt.cfg, rt.logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger ectologger.Logger) error {
	log := logger.WithContext(ctx).WithField("app", cfg.AppName)

	shutdownTracing, err := tracing.Setup(ctx, cfg.AppName, tracing.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	infra := &infrastructure{}
	deps, order := infra.dependencies(cfg, logger)
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	for _, dep := range deps {
		boot.AddDependency(dep)
	}
	if err := boot.Start(ctx, order...); err != nil {
		_ = boot.Stop(context.Background())
		return err
	}
	defer func() {
		if err := boot.Stop(context.Background()); err != nil {
			log.WithError(err).Warn("Shutdown finished with errors")
		}
	}()

	consumer, publisher := buildConsumer(cfg, infra, logger)
	defer publisher.Close()

	checker := health.NewChecker(cfg.Version).
		AddCheck("postgres", health.PingFunc(infra.db.PingContext)).
		AddCheck("redis", infra.redis).
		AddCheck("rabbitmq", infra.rabbit)
	server := newServer(checker, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.SetReady(true)
		defer checker.SetReady(false)
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Infof("Service started on port %d", cfg.Port)
	err = g.Wait()
	log.Info("Service stopped")
	return err
}

// buildConsumer wires the command handlers over the started infrastructure.
func buildConsumer(cfg config.Config, infra *infrastructure, logger ectologger.Logger) (*broker.Consumer, *broker.Publisher) {
	settingsRepo := settings.NewRepository(infra.db, logger)
	mergeLogRepo := mergelog.NewRepository(infra.db, logger)

	httpConfig := httpclient.DefaultConfig()
	httpConfig.Timeout = cfg.AmoCRMTimeout
	crm := amocrm.NewClient(httpclient.NewClient(httpConfig, logger), cfg.AmoCRMBaseURLTemplate, logger)

	publisher := broker.NewPublisher(infra.rabbit, logger)
	tokenProvider := tokens.NewProvider(infra.redis, broker.NewRPC(infra.rabbit, logger), tokens.Config{
		ClientID: cfg.ClientID,
		Queue:    cfg.RPCTokensQueue,
		Timeout:  cfg.RPCTimeout,
		CacheTTL: cfg.TokenCacheTTL,
	}, logger)

	// a typed nil *kafka.Producer would look enabled to the emitter
	var eventPublisher events.Publisher
	if infra.producer != nil {
		eventPublisher = infra.producer
	}
	emitter := events.NewEmitter(eventPublisher, logger)

	merger := processor.NewMerger(
		crm,
		mergeLogRepo,
		redis.NewLocker(infra.redis, "lock:", cfg.MergeLockWait, logger),
		emitter,
		processor.Config{LockTTL: cfg.MergeLockTTL},
		logger,
	)
	exclusions := exclusion.NewService(mergeLogRepo, settingsRepo, crm, tokenProvider, logger)

	consumer := broker.NewConsumer(
		infra.rabbit,
		broker.Topology{
			DeadLetterExchange: cfg.DeadLetterExchange,
			MessageTTLMs:       cfg.BrokerMessageTTLMs,
			MaxLength:          cfg.BrokerMaxLength,
		},
		broker.ConsumerConfig{
			Prefetch:       cfg.BrokerPrefetch,
			MaxRetries:     cfg.BrokerMaxRetries,
			ReconnectDelay: cfg.BrokerReconnectDelay,
		},
		func(ctx context.Context, fn func(ctx context.Context) error) error {
			return database.WithTx(ctx, infra.db, fn)
		},
		logger,
	)

	processor.NewCommandProcessor(settingsRepo, tokenProvider, merger, exclusions, publisher, logger).Register(consumer)
	return consumer, publisher
}

func newServer(checker *health.Checker, cfg config.Config, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	checker.RegisterRoutes(e)
	return e
}
