// Package notify delivers best-effort user notifications.
//
// Notifications never affect session state: sinks are called off the
// engine's path through a pond worker pool, and a failing or panicking sink
// only produces a log line.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/redis/go-redis/v9"
)

// Notification is one message for the user.
type Notification struct {
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives notifications.
type Sink interface {
	Notify(n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(n Notification) error

// Notify calls f(n).
func (f SinkFunc) Notify(n Notification) error {
	return f(n)
}

// LogSink writes notifications to a slog logger.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"kind", n.Kind,
		"title", n.Title,
		"body", n.Body,
		"session_id", n.SessionID)
	return nil
}

// RedisSink publishes notifications as JSON on a Redis channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisSink creates a sink publishing to channel.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel, timeout: 5 * time.Second}
}

// Notify implements Sink.
func (s *RedisSink) Notify(n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Dispatcher fans notifications out to sinks on a worker pool.
//
// Thread-safety: safe for concurrent use. Notify never blocks on a sink.
type Dispatcher struct {
	pool  pond.Pool
	sinks []Sink

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher running at most maxConcurrency sink
// calls at once.
func NewDispatcher(maxConcurrency int, sinks ...Sink) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Dispatcher{
		pool:  pond.NewPool(maxConcurrency),
		sinks: sinks,
	}
}

// Notify queues n for every sink. Dropped after Close.
func (d *Dispatcher) Notify(n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, sink := range d.sinks {
		d.pool.Submit(func() { deliver(sink, n) })
	}
}

func deliver(sink Sink, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification sink panicked", "kind", n.Kind, "panic", r)
		}
	}()
	if err := sink.Notify(n); err != nil {
		slog.Warn("notification failed", "kind", n.Kind, "error", err)
	}
}

// Close waits for queued notifications and stops the pool.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.pool.StopAndWait()
}

// Recorder is a Sink that keeps every notification, for tests and
// scenario traces.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify implements Sink.
func (r *Recorder) Notify(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

// Items returns a copy of the recorded notifications.
func (r *Recorder) Items() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}
