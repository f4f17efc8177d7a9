package repository

import (
	"context"
	"sync"

	"Driftline/internal/engine"
	xhttp "Driftline/pkg/http"
	applogger "Driftline/pkg/logger"
)

// WebhookNotifier posts detected anomalies to an external HTTP
// endpoint. Like the Kafka sink it never blocks the engine: events are
// enqueued non-blocking and dropped when the buffer is full.
type WebhookNotifier struct {
	client *xhttp.Client
	url    string
	l      *applogger.Logger

	ch       chan engine.Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWebhookNotifier creates the notifier and subscribes it to anomaly
// events on the bus.
func NewWebhookNotifier(client *xhttp.Client, url string, bus *engine.Bus, l *applogger.Logger) *WebhookNotifier {
	n := &WebhookNotifier{
		client: client,
		url:    url,
		l:      l,
		ch:     make(chan engine.Event, 256),
		stop:   make(chan struct{}),
	}
	bus.Subscribe(engine.EventAnomalyDetected, n.enqueue)
	return n
}

func (n *WebhookNotifier) enqueue(e engine.Event) {
	select {
	case n.ch <- e:
	default:
		// drop on backpressure
		if n.l != nil {
			n.l.Warn("webhook buffer full, dropping event",
				applogger.String("model_id", e.ModelID),
			)
		}
	}
}

// Start launches the posting worker. It runs until Close or context
// cancellation.
func (n *WebhookNotifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stop:
				return
			case e := <-n.ch:
				n.post(ctx, e)
			}
		}
	}()
}

func (n *WebhookNotifier) post(ctx context.Context, e engine.Event) {
	err := n.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    n.url,
		Body:   e,
	}, nil)
	if err != nil && n.l != nil {
		n.l.Error("webhook post failed",
			applogger.String("model_id", e.ModelID),
			applogger.Error(err),
		)
	}
}

func (n *WebhookNotifier) Close() error {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
	return nil
}
