//go:build wireinject
// +build wireinject

package di

import (
	"Driftline/pkg/config"
	"Driftline/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Engine
		ProvideEngine,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideCacheService,

		// Repositories
		ProvideTrainingStore,
		ProvideEventSink,
		ProvideWebhookNotifier,
		ProvideTelemetryStream,

		// Use cases
		ProvideDetectPipeline,
		ProvideModelManager,
		ProvideTelemetryCollector,
		ProvideKafkaPointsHandler,
		ProvideJobQueue,

		// HTTP
		ProvideModelsHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
