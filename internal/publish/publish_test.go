package publish

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderlens/internal/analytics"
	"orderlens/internal/feed"
	"orderlens/internal/metrics"
	"orderlens/internal/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dashboard(n int) analytics.Dashboard {
	var orders []model.Order
	for i := 0; i < n; i++ {
		orders = append(orders, model.Normalize(model.RawOrder{
			ID: "o", ProductName: "A", Quantity: "1", Price: "10",
			Timestamp: &model.Timestamp{Seconds: now.Unix()},
		}))
	}
	return analytics.Evaluate(orders, now)
}

func TestFilePublisher_WritesCurrentDocument(t *testing.T) {
	dir := t.TempDir()
	p := NewFilePublisher(dir)
	require.NoError(t, p.Publish(context.Background(), dashboard(1)))
	require.NoError(t, p.Publish(context.Background(), dashboard(2)))

	b, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	var doc struct {
		OrderCount int `json:"orderCount"`
		Analytics  struct {
			TotalRevenue string `json:"totalRevenue"`
		} `json:"analytics"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, 2, doc.OrderCount)
	assert.Equal(t, "20", doc.Analytics.TotalRevenue)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaPublisher_KeyedRecord(t *testing.T) {
	fk := &fakeKafkaWriter{}
	require.NoError(t, NewKafkaPublisherWith(fk).Publish(context.Background(), dashboard(1)))
	require.Len(t, fk.msgs, 1)
	assert.Equal(t, CurrentKey, string(fk.msgs[0].Key))
	assert.Contains(t, string(fk.msgs[0].Value), `"orderCount":1`)

	err := NewKafkaPublisherWith(&fakeKafkaWriter{fail: true}).Publish(context.Background(), dashboard(1))
	assert.Error(t, err)
}

func TestForward_CountsAndSkipsStale(t *testing.T) {
	fk := &fakeKafkaWriter{}
	failing := &fakeKafkaWriter{fail: true}
	reg := metrics.NewRegistry()

	updates := make(chan feed.Update, 3)
	updates <- feed.Update{Dashboard: dashboard(1)}
	updates <- feed.Update{Dashboard: dashboard(1), Stale: true}
	updates <- feed.Update{Dashboard: dashboard(2)}
	close(updates)

	Forward(context.Background(), updates, NewKafkaPublisherWith(fk), zerolog.Nop(), reg)
	assert.Len(t, fk.msgs, 2)

	errs := make(chan feed.Update, 1)
	errs <- feed.Update{Dashboard: dashboard(1)}
	close(errs)
	Forward(context.Background(), errs, Multi{NewKafkaPublisherWith(failing), NewKafkaPublisherWith(fk)}, zerolog.Nop(), reg)
	assert.Len(t, fk.msgs, 2, "multi stops at the first failing publisher")
}
