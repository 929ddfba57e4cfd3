package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/paulexconde/csat/internal/config"
	"github.com/paulexconde/csat/internal/dispatch"
	"github.com/paulexconde/csat/internal/logging"
	"github.com/paulexconde/csat/internal/metrics"
	"github.com/paulexconde/csat/internal/pkg/store"
	"github.com/paulexconde/csat/internal/server"
	"github.com/paulexconde/csat/internal/services"
	"github.com/paulexconde/csat/internal/sweep"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "csat: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flag.CommandLine, os.Args[1:], env.ToMap(os.Environ()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "csat: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "csat: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("csat stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	surveys, err := store.Open(ctx, cfg.StorePath(), store.Options{
		LockTimeout:     cfg.LockTimeout,
		Logger:          log,
		ObserveLockWait: m.ObserveLockWait,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer surveys.Close()

	sink, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	var dispatcher *dispatch.Dispatcher
	if sink != nil {
		dispatcher = dispatch.New(surveys, sink, cfg.Delivery.Dispatch(), dispatch.Options{
			Logger:  log,
			Metrics: m,
		})
		if err := dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("start dispatcher: %w", err)
		}
	} else {
		log.Warn("no webhook url configured, submissions are stored but not forwarded")
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sweeper := sweep.New(surveys, cfg.SweepInterval, log, m)
	if _, err := sweeper.Schedule(ctx, scheduler); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if dispatcher != nil {
		if _, err := dispatcher.Schedule(ctx, scheduler); err != nil {
			return fmt.Errorf("schedule delivery recovery: %w", err)
		}
	}
	scheduler.Start()

	rules, err := services.CompileRules(cfg.Catalog.Rules())
	if err != nil {
		return fmt.Errorf("category rules: %w", err)
	}
	languages, err := services.NewLanguages(cfg.Catalog.Languages, cfg.Catalog.Links, cfg.LinkBaseURL)
	if err != nil {
		return fmt.Errorf("languages: %w", err)
	}

	var queue services.Enqueuer
	if dispatcher != nil {
		queue = dispatcher
	}
	svc := services.NewSurveyService(surveys, queue, rules, languages, services.Options{
		TTL:          cfg.SurveyTTL,
		StoreRetries: cfg.StoreRetries,
		Logger:       log,
		Metrics:      m,
	})

	srv := server.New(svc, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Registry:       registry,
		Languages:      languages,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.Addr())
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := scheduler.Shutdown(); err != nil {
		log.WithError(err).Warn("scheduler shutdown")
	}
	if dispatcher != nil {
		dispatcher.Shutdown(shutdownCtx)
	}
	log.Info("csat stopped cleanly")
	return nil
}

// openSink builds the delivery target named by cfg.Sink. A nil sink means
// results are not forwarded.
func openSink(ctx context.Context, cfg config.Config) (dispatch.Sink, func(), error) {
	switch cfg.Sink {
	case config.SinkPostgres:
		sink, err := dispatch.OpenPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres sink: %w", err)
		}
		return sink, func() { sink.Close() }, nil
	default:
		if cfg.WebhookURL == "" {
			return nil, func() {}, nil
		}
		sink, err := dispatch.NewWebhookSink(cfg.WebhookURL, &http.Client{
			Timeout: cfg.Delivery.AttemptTimeout + time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {}, nil
	}
}
