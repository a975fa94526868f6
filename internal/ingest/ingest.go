// Package ingest creates orders from OrderFormData JSON messages on a Kafka topic.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	"orderlens/internal/metrics"
	"orderlens/internal/model"
)

// Creator is the write side of the order store.
type Creator interface {
	Create(ctx context.Context, form model.OrderFormData) (string, error)
}

// messageConsumer is the subset of *ck.Consumer used here, split out for tests.
type messageConsumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
	Close() error
}

// Consumer commits each message only after it was stored or rejected as invalid, so delivery
// into the store is at-least-once.
type Consumer struct {
	c           messageConsumer
	store       Creator
	log         zerolog.Logger
	m           *metrics.Registry
	pollTimeout time.Duration
}

func NewConsumer(bootstrap, groupID, topic string, store Creator, log zerolog.Logger, m *metrics.Registry) (*Consumer, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return NewConsumerWith(c, store, log, m), nil
}

// NewConsumerWith wraps an already subscribed consumer.
func NewConsumerWith(c messageConsumer, store Creator, log zerolog.Logger, m *metrics.Registry) *Consumer {
	return &Consumer{
		c:           c,
		store:       store,
		log:         log.With().Str("component", "ingest").Logger(),
		m:           m,
		pollTimeout: time.Second,
	}
}

// Run consumes until ctx is done. Store failures other than validation stop the loop
// without committing the message.
func (c *Consumer) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, err := c.c.ReadMessage(c.pollTimeout)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == ck.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					return fmt.Errorf("read message: %w", err)
				}
			}
			c.log.Warn().Err(err).Msg("read message")
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if _, err := c.c.CommitMessage(msg); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return ctx.Err()
}

func (c *Consumer) handle(ctx context.Context, msg *ck.Message) error {
	var form model.OrderFormData
	if err := json.Unmarshal(msg.Value, &form); err != nil {
		c.invalid(msg, err)
		return nil
	}
	id, err := c.store.Create(ctx, form)
	if errors.Is(err, model.ErrInvalidForm) {
		c.invalid(msg, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	if c.m != nil {
		c.m.IngestConsumed.Inc()
	}
	c.log.Debug().Str("id", id).Str("product", form.ProductName).Msg("order ingested")
	return nil
}

func (c *Consumer) invalid(msg *ck.Message, err error) {
	if c.m != nil {
		c.m.IngestInvalid.Inc()
	}
	c.log.Warn().Err(err).Str("offset", msg.TopicPartition.Offset.String()).Msg("skipping invalid order message")
}

func (c *Consumer) Close() error { return c.c.Close() }
