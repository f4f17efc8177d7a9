package server

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"Driftline/internal/engine"
	"Driftline/internal/usecase"
	pkgch "Driftline/pkg/clickhouse"
	"Driftline/pkg/config"
	xhttp "Driftline/pkg/http"
	pkgkafka "Driftline/pkg/kafka"
	applogger "Driftline/pkg/logger"
	"Driftline/pkg/queue"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg         *config.Config
	eng         *engine.Engine
	collector   *usecase.TelemetryCollector
	consumer    *pkgkafka.Consumer
	kh          pkgkafka.MessageHandler
	chClient    *pkgch.Client
	sinks       []EventSink
	jobs        *queue.RedisQueue
	httpServer  *xhttp.Server
	httpHandler xhttp.Handler
	logger      *applogger.Logger
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	eng *engine.Engine,
	collector *usecase.TelemetryCollector,
	consumer *pkgkafka.Consumer,
	kh pkgkafka.MessageHandler,
	chClient *pkgch.Client,
	logger *applogger.Logger,
) *App {
	return &App{
		cfg:       cfg,
		eng:       eng,
		collector: collector,
		consumer:  consumer,
		kh:        kh,
		chClient:  chClient,
		logger:    logger,
	}
}

// EventSink consumes engine events in the background.
type EventSink interface {
	Start(ctx context.Context)
	Close() error
}

// SetHTTPHandler allows DI to inject an HTTP handler.
func (a *App) SetHTTPHandler(h xhttp.Handler) { a.httpHandler = h }

// AddEventSink allows DI to attach an engine event sink.
func (a *App) AddEventSink(s EventSink) { a.sinks = append(a.sinks, s) }

// SetJobQueue allows DI to inject the background job queue.
func (a *App) SetJobQueue(q *queue.RedisQueue) { a.jobs = q }

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := a.logger
	if l == nil {
		l, _ = applogger.New(&applogger.Config{Level: "info", Format: "console", Output: "stdout"})
	}

	a.httpServer = xhttp.NewServer(a.httpHandler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsEndpoint(a.cfg.Metrics.Enabled, a.cfg.Metrics.Path),
	)

	// Start event sinks
	for _, s := range a.sinks {
		s.Start(ctx)
	}
	if len(a.sinks) > 0 {
		l.Info("event sinks started", applogger.Int("count", len(a.sinks)))
	}

	// Start telemetry collector if configured
	if a.collector != nil {
		go func() {
			if err := a.collector.Start(ctx); err != nil {
				l.Error("collector error", applogger.Error(err))
			}
		}()
		l.Info("telemetry collector started", applogger.Strings("channels", a.cfg.Ingest.Channels))
	}

	// Start consumer if configured
	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		go func() {
			if err := a.consumer.Start(); err != nil {
				l.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		l.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	// Start background job queue
	if a.jobs != nil {
		if err := a.jobs.Start(); err != nil {
			l.Error("job queue start error", applogger.Error(err))
			return err
		}
	}

	// Start HTTP server
	if err := a.httpServer.Start(); err != nil {
		l.Error("http server start error", applogger.Error(err))
		return err
	}

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	l.Info("shutdown signal received")
	return a.shutdown(ctx, l)
}

// shutdown gracefully stops all services.
func (a *App) shutdown(ctx context.Context, l *applogger.Logger) error {
	if l == nil {
		var err error
		l, err = applogger.New(&applogger.Config{Level: "info", Format: "console", Output: "stdout"})
		if err != nil {
			log.Printf("failed to create logger: %v", err)
			return err
		}
	}
	l.Info("shutting down...")

	// Stop collector (pipeline + stream)
	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			l.Warn("collector stop error", applogger.Error(err))
		}
	}

	// Shutdown HTTP server
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		l.Error("http shutdown error", applogger.Error(err))
	}

	// Stop consumer
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	// Stop background job queue
	if a.jobs != nil {
		if err := a.jobs.Stop(ctx); err != nil {
			l.Warn("job queue stop error", applogger.Error(err))
		}
	}

	// Drain and close event sinks (the Kafka sink also closes the producer)
	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			l.Warn("event sink close error", applogger.Error(err))
		}
	}

	// Close infrastructure clients
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			l.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	// Stop the engine's cache flush timer
	if a.eng != nil {
		a.eng.Close()
	}

	l.Info("shutdown complete")
	return nil
}
