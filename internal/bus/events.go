package bus

import (
	"time"
)

// Event is the lifecycle telemetry envelope published on events.* topics.
type Event struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives lifecycle telemetry from the coordination core.
// Implementations must not block; a nil Sink is valid everywhere.
type Sink interface {
	Emit(topic, eventType string, data map[string]any)
}

// ClientSink publishes events over a NATS client.
type ClientSink struct {
	client *Client
}

func NewClientSink(client *Client) *ClientSink {
	return &ClientSink{client: client}
}

func (s *ClientSink) Emit(topic, eventType string, data map[string]any) {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.PublishJSON(topic, Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(topic, eventType string, data map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(topic, eventType, data)
		}
	}
}
