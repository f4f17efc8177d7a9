package repository

import (
	"context"
	"sync"

	"Driftline/internal/engine"
	pkgkafka "Driftline/pkg/kafka"
	applogger "Driftline/pkg/logger"
)

// KafkaEventSink forwards engine events to a Kafka topic. The engine's
// emission stays fire-and-forget: the subscriber only does a
// non-blocking enqueue, and a full buffer drops the event.
type KafkaEventSink struct {
	producer *pkgkafka.Producer
	topic    string
	l        *applogger.Logger

	ch       chan engine.Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewKafkaEventSink creates the sink and subscribes it to every event
// on the bus.
func NewKafkaEventSink(producer *pkgkafka.Producer, topic string, bus *engine.Bus, l *applogger.Logger) *KafkaEventSink {
	s := &KafkaEventSink{
		producer: producer,
		topic:    topic,
		l:        l,
		ch:       make(chan engine.Event, 1024),
		stop:     make(chan struct{}),
	}
	bus.SubscribeAll(s.enqueue)
	return s
}

func (s *KafkaEventSink) enqueue(e engine.Event) {
	select {
	case s.ch <- e:
	default:
		// drop on backpressure
		if s.l != nil {
			s.l.Warn("event sink buffer full, dropping event",
				applogger.String("event", e.Name),
				applogger.String("model_id", e.ModelID),
			)
		}
	}
}

// Start launches the publishing worker. It runs until Close or context
// cancellation.
func (s *KafkaEventSink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case e := <-s.ch:
				if err := s.producer.Publish(ctx, s.topic, []byte(e.ModelID), e); err != nil {
					if s.l != nil {
						s.l.Error("event publish failed",
							applogger.String("event", e.Name),
							applogger.String("model_id", e.ModelID),
							applogger.Error(err),
						)
					}
				}
			}
		}
	}()
}

func (s *KafkaEventSink) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
