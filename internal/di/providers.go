package di

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	domrepo "Driftline/internal/domain/repository"
	"Driftline/internal/engine"
	"Driftline/internal/handler/api"
	mid "Driftline/internal/middleware"
	internalrepo "Driftline/internal/repository"
	"Driftline/internal/service/ingest"
	"Driftline/internal/usecase"
	"Driftline/pkg/cache"
	pkgch "Driftline/pkg/clickhouse"
	"Driftline/pkg/config"
	xhttp "Driftline/pkg/http"
	pkgkafka "Driftline/pkg/kafka"
	applogger "Driftline/pkg/logger"
	"Driftline/pkg/metrics"
	"Driftline/pkg/queue"
	"Driftline/pkg/server"

	"github.com/redis/go-redis/v9"
)

// ProvideLogger creates the application logger from config.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideEngine creates the anomaly-detection engine.
func ProvideEngine(cfg *config.Config, l *applogger.Logger, m domrepo.Metrics) *engine.Engine {
	opts := []engine.Option{
		engine.WithLogger(l),
		engine.WithMetrics(m),
	}
	if cfg.Engine.CacheFlushInterval > 0 {
		opts = append(opts, engine.WithCacheFlushInterval(cfg.Engine.CacheFlushInterval))
	}
	return engine.New(opts...)
}

// ProvideClickHouseClient creates a ClickHouse client, or nil when the
// training store is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}

	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	// Initialize schema
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS driftline",
		"CREATE TABLE IF NOT EXISTS driftline.telemetry (ts DateTime64(3), name String, value Float64) ENGINE=MergeTree ORDER BY (ts, name)",
	}); err != nil {
		_ = client.Close() // cannot log here (DI layer no logger); propagate error
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideTrainingStore creates the ClickHouse-backed training store, or
// nil when ClickHouse is disabled.
func ProvideTrainingStore(chClient *pkgch.Client, l *applogger.Logger) domrepo.TrainingStore {
	if chClient == nil {
		return nil
	}
	store := internalrepo.NewCHTrainingStore(chClient)
	store.SetLogger(l)
	return store
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is
// disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}

	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	return producer, nil
}

// ProvideEventSink mirrors engine events onto the Kafka events topic.
// Returns nil when no producer is configured.
func ProvideEventSink(producer *pkgkafka.Producer, cfg *config.Config, eng *engine.Engine, l *applogger.Logger) *internalrepo.KafkaEventSink {
	if producer == nil {
		return nil
	}

	// Aggregate warn/error logs onto Kafka alongside engine events.
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 100,
		Topic:          "driftline.logs",
		Publisher:      logPublisher{producer},
	})

	return internalrepo.NewKafkaEventSink(producer, cfg.Kafka.EventsTopic, eng.Events(), l)
}

// logPublisher adapts the Kafka producer to the log collector.
type logPublisher struct {
	p *pkgkafka.Producer
}

func (lp logPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return lp.p.Publish(ctx, topic, nil, payload)
}

// ProvideCacheService creates the response cache: Redis when enabled,
// in-process memory otherwise.
func ProvideCacheService(cfg *config.Config) (cache.Service, error) {
	if cfg.Cache.Redis.Enabled {
		host, port := splitRedisAddr(cfg.Cache.Redis.Addr)
		rc, err := cache.NewRedisCache(
			cache.WithRedisHost(host),
			cache.WithRedisPort(port),
			cache.WithRedisPassword(cfg.Cache.Redis.Password),
			cache.WithRedisDB(cfg.Cache.Redis.DB),
		)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return cache.NewLayeredCache(rc), nil
	}
	return cache.NewMemoryCache(), nil
}

func splitRedisAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 6379
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 6379
	}
	return host, port
}

// ProvideModelManager creates the model-management use case.
func ProvideModelManager(eng *engine.Engine, store domrepo.TrainingStore, c cache.Service, cfg *config.Config, l *applogger.Logger) *usecase.ModelManager {
	return usecase.NewModelManager(eng, store, c, cfg.Cache.MetricsTTL, l)
}

// ProvideDetectPipeline creates the pipeline between telemetry feeds
// and the engine.
func ProvideDetectPipeline(eng *engine.Engine, m domrepo.Metrics, cfg *config.Config) *mid.DetectPipeline {
	var opts []mid.PipelineOption
	if cfg.Engine.Pipeline.MaxBatchRPS > 0 {
		opts = append(opts, mid.WithMaxBatchRPS(cfg.Engine.Pipeline.MaxBatchRPS))
	}
	if cfg.Engine.Pipeline.BufferSize > 0 {
		opts = append(opts, mid.WithBufferSize(cfg.Engine.Pipeline.BufferSize))
	}
	if cfg.Engine.Pipeline.MaxInFlight > 0 {
		opts = append(opts, mid.WithMaxInFlight(cfg.Engine.Pipeline.MaxInFlight))
	}
	return mid.NewDetectPipeline(eng, m, opts...)
}

// ProvideTelemetryStream creates the WebSocket telemetry stream, or nil
// when ingest is disabled.
func ProvideTelemetryStream(cfg *config.Config) domrepo.TelemetryStream {
	if !cfg.Ingest.Enabled {
		return nil
	}
	return ingest.New(
		cfg.Ingest.Token,
		cfg.Ingest.WebSocketURL,
		cfg.Ingest.Channels,
		cfg.Ingest.ReconnectDelay,
		cfg.Ingest.PingInterval,
	)
}

// ProvideTelemetryCollector creates the collector use case, or nil when
// there is no stream to collect from.
func ProvideTelemetryCollector(stream domrepo.TelemetryStream, pipe *mid.DetectPipeline, m domrepo.Metrics) *usecase.TelemetryCollector {
	if stream == nil {
		return nil
	}
	return usecase.NewTelemetryCollector(stream, pipe, m)
}

// ProvideKafkaConsumer creates a Kafka consumer configured from YAML,
// or nil when no telemetry topic is configured.
func ProvideKafkaConsumer(cfg *config.Config) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || cfg.Kafka.TelemetryTopic == "" {
		return nil, nil
	}

	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideKafkaPointsHandler registers the handler for the telemetry
// topic, or nil when no topic is configured.
func ProvideKafkaPointsHandler(cfg *config.Config, pipe *mid.DetectPipeline, m domrepo.Metrics) pkgkafka.MessageHandler {
	if !cfg.Kafka.Enabled || cfg.Kafka.TelemetryTopic == "" {
		return nil
	}
	return usecase.NewKafkaPointsHandler(cfg.Kafka.TelemetryTopic, pipe, m)
}

// ProvideWebhookNotifier posts anomaly events to an external endpoint,
// or nil when no webhook is configured.
func ProvideWebhookNotifier(cfg *config.Config, eng *engine.Engine, l *applogger.Logger) *internalrepo.WebhookNotifier {
	if !cfg.Webhook.Enabled {
		return nil
	}
	var copts []xhttp.ClientOption
	if cfg.Webhook.Timeout > 0 {
		copts = append(copts, xhttp.WithTimeout(cfg.Webhook.Timeout))
	}
	return internalrepo.NewWebhookNotifier(xhttp.NewClient(copts...), cfg.Webhook.URL, eng.Events(), l)
}

// ProvideJobQueue creates the Redis-backed background job queue with
// the retrain job registered, or nil when Redis is disabled.
func ProvideJobQueue(cfg *config.Config, l *applogger.Logger, manager *usecase.ModelManager) *queue.RedisQueue {
	if !cfg.Cache.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
	})
	q := queue.NewRedisQueue(l, &queue.QueueConfig{
		Workers:    2,
		RetryLimit: 3,
		RetryDelay: 10 * time.Second,
	}, client)
	q.RegisterJob(usecase.NewRetrainJob(manager, l))
	return q
}

// ProvideModelsHandler creates the HTTP handler for the model API.
func ProvideModelsHandler(l *applogger.Logger, manager *usecase.ModelManager, jobs *queue.RedisQueue) xhttp.Handler {
	h := api.NewModelsEchoHandler(l, manager)
	if jobs != nil {
		h.SetJobQueue(jobs)
	}
	return h
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	eng *engine.Engine,
	collector *usecase.TelemetryCollector,
	consumer *pkgkafka.Consumer,
	kh pkgkafka.MessageHandler,
	chClient *pkgch.Client,
	sink *internalrepo.KafkaEventSink,
	webhook *internalrepo.WebhookNotifier,
	jobs *queue.RedisQueue,
	httpHandler xhttp.Handler,
	l *applogger.Logger,
) *server.App {
	app := server.New(cfg, eng, collector, consumer, kh, chClient, l)
	app.SetHTTPHandler(httpHandler)
	if sink != nil {
		app.AddEventSink(sink)
	}
	if webhook != nil {
		app.AddEventSink(webhook)
	}
	if jobs != nil {
		app.SetJobQueue(jobs)
	}
	return app
}
