package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"Driftline/internal/domain/models"
	drepo "Driftline/internal/domain/repository"

	"github.com/gorilla/websocket"
)

// Client implements a TelemetryStream over WebSocket. Channels name the
// models whose telemetry the feed should deliver.
type Client struct {
	token          string
	websocketURL   string
	channels       []string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	conn      *websocket.Conn
	connected bool
}

// New creates a new WebSocket TelemetryStream.
func New(token, websocketURL string, channels []string, reconnectDelay, pingInterval time.Duration) drepo.TelemetryStream {
	return &Client{
		token:          token,
		websocketURL:   websocketURL,
		channels:       channels,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
	}
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	u := c.websocketURL
	if c.token != "" {
		u = fmt.Sprintf("%s?token=%s", c.websocketURL, c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("ingest connect: %w", err)
	}
	c.conn = conn
	c.connected = true
	log.Printf("ingest: connected")
	return nil
}

// Subscribe subscribes to the configured model channels.
func (c *Client) Subscribe(ctx context.Context) error {
	if c.conn == nil || !c.connected {
		return fmt.Errorf("ingest not connected")
	}
	for _, ch := range c.channels {
		msg := map[string]string{"type": "subscribe", "channel": ch}
		if err := c.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
		log.Printf("ingest: subscribed %s", ch)
	}
	return nil
}

type wirePoint struct {
	T        int64              `json:"t"` // ms
	Features map[string]float64 `json:"features"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

type wireMessage struct {
	Type   string      `json:"type"`
	Model  string      `json:"model"`
	Points []wirePoint `json:"points"`
}

// Read streams point batches and errors.
func (c *Client) Read(ctx context.Context) (<-chan *models.PointBatch, <-chan error) {
	batches := make(chan *models.PointBatch, 1024)
	errs := make(chan error, 1)

	// ping loop
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.conn != nil {
					_ = c.conn.WriteMessage(websocket.PingMessage, nil)
				}
			}
		}
	}()

	// read loop
	go func() {
		defer close(batches)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if c.conn == nil {
					errs <- fmt.Errorf("ingest conn nil")
					return
				}
				_, b, err := c.conn.ReadMessage()
				if err != nil {
					errs <- fmt.Errorf("ingest read: %w", err)
					return
				}
				var m wireMessage
				if err := json.Unmarshal(b, &m); err != nil {
					// ignore non-telemetry frames
					continue
				}
				if m.Type != "telemetry" || m.Model == "" || len(m.Points) == 0 {
					continue
				}
				batch := &models.PointBatch{
					ModelID: m.Model,
					Points:  make([]models.DataPoint, 0, len(m.Points)),
				}
				for _, p := range m.Points {
					batch.Points = append(batch.Points, models.DataPoint{
						Timestamp: time.UnixMilli(p.T),
						Features:  p.Features,
						Metadata:  p.Metadata,
					})
				}
				select {
				case batches <- batch:
				default:
					// drop on backpressure
				}
			}
		}
	}()

	return batches, errs
}

// Reconnect closes and reconnects.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	time.Sleep(c.reconnectDelay)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

// Close closes the WS connection.
func (c *Client) Close() error {
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool { return c.connected }
