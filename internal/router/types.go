package router

import (
	"encoding/json"
	"time"
)

// Notification is one channel-data frame from a subscription.
type Notification struct {
	Channel    string
	Data       json.RawMessage
	Epoch      uint64    // Connection epoch the frame arrived on
	ReceivedAt time.Time // Local timestamp when the transport read the frame
}

// Target receives notifications. Notify is called from the session's actor
// goroutine and must not block; wrap slow consumers in a Sink.
type Target interface {
	Notify(n Notification)
}

// TargetFunc adapts a function to a Target.
type TargetFunc func(Notification)

// Notify calls f(n).
func (f TargetFunc) Notify(n Notification) { f(n) }

// Fanout delivers every notification to each target in order.
type Fanout []Target

// Notify delivers n to every target.
func (f Fanout) Notify(n Notification) {
	for _, t := range f {
		t.Notify(n)
	}
}

// SinkConfig holds configuration for a Sink.
type SinkConfig struct {
	InitialCapacity int // Starting queue capacity, grows on demand
	MaxPending      int // Oldest notifications are dropped beyond this (0 = unbounded)
	BatchSize       int // Max notifications handed to a BatchTarget at once
}

// DefaultSinkConfig returns default configuration.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		InitialCapacity: 1024,
		MaxPending:      1_000_000,
		BatchSize:       500,
	}
}

// SinkStats contains runtime statistics.
type SinkStats struct {
	Delivered int64
	Dropped   int64
	Queue     QueueStats
}
