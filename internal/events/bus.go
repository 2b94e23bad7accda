// Package events fans cache invalidations out to every running instance.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/pkg/config"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

// Event announces that cached views of Path are out of date
type Event struct {
	Path   string    `json:"path"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Bus publishes and consumes invalidation events over Kafka. A nil Bus is
// valid and does nothing.
type Bus struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	groupID string
	origin  string
	logger  *zap.Logger
}

// New creates a Bus, or returns nil when events are disabled
func New(cfg *config.EventsConfig) *Bus {
	if !cfg.Enabled {
		logging.GetLogger().Info("Invalidation events disabled")
		return nil
	}

	origin := instanceID()
	group := cfg.GroupID
	if group == "" {
		group = "stockfeed"
	}

	return &Bus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		// every instance must see every event, so each gets its own group
		groupID: group + "-" + origin,
		origin:  origin,
		logger:  logging.WithComponent("events"),
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Origin identifies this instance in published events
func (b *Bus) Origin() string {
	if b == nil {
		return ""
	}
	return b.origin
}

// Publish sends an invalidation for path to every instance
func (b *Bus) Publish(ctx context.Context, path string) error {
	if b == nil {
		return nil
	}
	value, err := json.Marshal(Event{Path: path, Origin: b.origin, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(path), Value: value}); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscribe delivers events published by other instances to handle until
// ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, handle func(Event)) error {
	if b == nil {
		<-ctx.Done()
		return nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       b.topic,
		GroupID:     b.groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
	})
	defer reader.Close()

	b.logger.Info("Subscribed to invalidation events",
		zap.String("topic", b.topic),
		zap.String("group", b.groupID))

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read invalidation: %w", err)
		}
		b.dispatch(msg, handle)
	}
}

func (b *Bus) dispatch(msg kafka.Message, handle func(Event)) {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		b.logger.Warn("Dropping malformed invalidation event", zap.Error(err))
		return
	}
	if ev.Origin == b.origin {
		return
	}
	handle(ev)
}

// Close flushes and closes the writer
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.writer.Close()
}
