// Package publish writes the current dashboard where other processes can read it.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"orderlens/internal/analytics"
	"orderlens/internal/feed"
	"orderlens/internal/metrics"
)

const (
	// CurrentFile is the document FilePublisher keeps up to date.
	CurrentFile = "analytics.current.json"
	// CurrentKey is the compacted-topic key KafkaPublisher writes under.
	CurrentKey = "analytics-current"
)

type Publisher interface {
	Publish(ctx context.Context, d analytics.Dashboard) error
}

// Multi publishes to every publisher in order and stops at the first failure.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, d analytics.Dashboard) error {
	for _, p := range m {
		if err := p.Publish(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

type FilePublisher struct {
	dir string
}

func NewFilePublisher(dir string) *FilePublisher {
	return &FilePublisher{dir: dir}
}

func (f *FilePublisher) Path() string { return filepath.Join(f.dir, CurrentFile) }

func (f *FilePublisher) Publish(_ context.Context, d analytics.Dashboard) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, CurrentFile+".*")
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path()); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes each dashboard as the single live record of a compacted topic.
type KafkaPublisher struct {
	writer kafkaMessageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w kafkaMessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, d analytics.Dashboard) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(CurrentKey), Value: b}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Forward publishes every fresh update until updates is closed or ctx is done. Publish
// failures are logged and counted; they never stop the loop. Stale updates are skipped since
// their dashboard was already published.
func Forward(ctx context.Context, updates <-chan feed.Update, p Publisher, log zerolog.Logger, m *metrics.Registry) {
	log = log.With().Str("component", "publish").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Stale {
				log.Warn().Msg("dashboard is stale, not republishing")
				continue
			}
			if err := p.Publish(ctx, u.Dashboard); err != nil {
				log.Error().Err(err).Msg("publish dashboard")
				if m != nil {
					m.PublishErrors.Inc()
				}
				continue
			}
			if m != nil {
				m.Published.Inc()
			}
		}
	}
}
