package engine

import (
	"sync"
	"time"
)

// Event names emitted by the engine.
const (
	EventModelRegistered = "model:registered"
	EventModelTrained    = "model:trained"
	EventModelUpdated    = "model:updated"
	EventAnomalyDetected = "anomaly:detected"
)

// Event is a fire-and-forget notification. Payload is the model for
// lifecycle events and the detection result for anomaly events.
type Event struct {
	Name    string    `json:"name"`
	ModelID string    `json:"modelId"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// EventHandler receives events synchronously on the emitting goroutine.
// Handlers that do slow work should hand off to their own channel.
type EventHandler func(Event)

// Bus is a minimal in-process pub/sub for engine events. Emission never
// blocks on or fails because of a subscriber; handler panics are
// swallowed so one bad listener cannot poison an operation.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]EventHandler
	all  []EventHandler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for one event name.
func (b *Bus) Subscribe(name string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit delivers e to matching handlers. Best-effort by contract.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs[e.Name])+len(b.all))
	handlers = append(handlers, b.subs[e.Name]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(e)
		}()
	}
}
