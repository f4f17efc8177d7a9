package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Driftline/internal/engine"
	xhttp "Driftline/pkg/http"
)

func TestWebhookNotifierPostsAnomalyEvents(t *testing.T) {
	received := make(chan engine.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e engine.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		received <- e
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := engine.NewBus()
	n := NewWebhookNotifier(xhttp.NewClient(), srv.URL, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Close()

	bus.Emit(engine.Event{Name: engine.EventAnomalyDetected, ModelID: "m1"})

	select {
	case e := <-received:
		if e.ModelID != "m1" {
			t.Fatalf("unexpected model id %q", e.ModelID)
		}
		if e.Name != engine.EventAnomalyDetected {
			t.Fatalf("unexpected event %q", e.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not called")
	}
}

func TestWebhookNotifierIgnoresLifecycleEvents(t *testing.T) {
	calls := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := engine.NewBus()
	n := NewWebhookNotifier(xhttp.NewClient(), srv.URL, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Close()

	bus.Emit(engine.Event{Name: engine.EventModelTrained, ModelID: "m1"})

	select {
	case <-calls:
		t.Fatalf("lifecycle event should not reach the webhook")
	case <-time.After(200 * time.Millisecond):
	}
}
