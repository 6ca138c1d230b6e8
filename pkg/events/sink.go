// Package events publishes applied log entries to external systems.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lumadb/rsm/pkg/cluster"
	"github.com/lumadb/rsm/pkg/config"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	queueSize       = 1024
	deliveryTimeout = 5 * time.Second
)

// Event is the record published for every applied entry.
type Event struct {
	ID        string    `json:"id"`
	NodeID    uint64    `json:"node_id"`
	Index     uint64    `json:"index"`
	Term      uint64    `json:"term"`
	Kind      string    `json:"kind"`
	Failed    bool      `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink forwards applied entries to a Redpanda/Kafka topic and/or a
// webhook. Delivery runs on its own goroutine; when the queue is full
// events are dropped and counted.
type Sink struct {
	logger   *zap.Logger
	topic    string
	webhook  string
	client   *http.Client
	redpanda *kgo.Client // Franz-go client

	queue     chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewSink creates a sink for cfg. A sink without brokers and webhook
// accepts events and discards them.
func NewSink(cfg config.EventsConfig, logger *zap.Logger) (*Sink, error) {
	s := &Sink{
		logger:  logger,
		topic:   cfg.Topic,
		webhook: cfg.WebhookURL,
		client:  &http.Client{Timeout: deliveryTimeout},
		queue:   make(chan Event, queueSize),
	}
	if s.topic == "" {
		s.topic = "rsm_applied"
	}

	if len(cfg.Brokers) > 0 {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.DefaultProduceTopic(s.topic),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redpanda client: %w", err)
		}
		s.redpanda = client
		logger.Info("Publishing applied entries to Redpanda",
			zap.Strings("brokers", cfg.Brokers), zap.String("topic", s.topic))
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Enabled reports whether events go anywhere.
func (s *Sink) Enabled() bool {
	return s.redpanda != nil || s.webhook != ""
}

// OnApplied is a cluster.ApplyHook. It never blocks.
func (s *Sink) OnApplied(e cluster.AppliedEntry) {
	if !s.Enabled() {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		NodeID:    e.NodeID,
		Index:     e.Index,
		Term:      e.Term,
		Kind:      e.Kind,
		Failed:    e.Failed,
		Timestamp: time.Now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("Event queue full, dropping events", zap.Uint64("dropped", s.dropped.Load()))
		}
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		if err := s.deliver(ev); err != nil {
			s.failed.Add(1)
			s.logger.Error("Failed to publish event", zap.Uint64("index", ev.Index), zap.Error(err))
			continue
		}
		s.delivered.Add(1)
	}
}

func (s *Sink) deliver(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if s.webhook != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook failed: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("webhook error response: %d", resp.StatusCode)
		}
	}

	if s.redpanda != nil {
		record := &kgo.Record{
			Topic: s.topic,
			Key:   []byte(strconv.FormatUint(ev.NodeID, 10)),
			Value: data,
		}
		if err := s.redpanda.ProduceSync(ctx, record).FirstErr(); err != nil {
			return fmt.Errorf("failed to produce to Redpanda: %w", err)
		}
	}
	return nil
}

// Stats reports delivered, failed and dropped event counts.
func (s *Sink) Stats() (delivered, failed, dropped uint64) {
	return s.delivered.Load(), s.failed.Load(), s.dropped.Load()
}

// Close delivers the queued events and releases the producer.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		s.wg.Wait()
		if s.redpanda != nil {
			s.redpanda.Close()
		}
	})
}
