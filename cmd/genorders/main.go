package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/jaswdr/faker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"orderlens/internal/logger"
	"orderlens/internal/model"
)

type options struct {
	count       int
	products    int
	invalidRate float64
	seed        int64
	output      string
	httpURL     string
	bootstrap   string
	topic       string
}

func main() {
	if err := newCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var opt options
	cmd := &cobra.Command{
		Use:          "genorders",
		Short:        "Generate order forms as JSONL, HTTP requests or Kafka messages",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opt)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opt.count, "count", 100, "number of orders to generate")
	f.IntVar(&opt.products, "products", 8, "size of the product catalog")
	f.Float64Var(&opt.invalidRate, "invalid-rate", 0, "fraction of forms with a non-numeric field")
	f.Int64Var(&opt.seed, "seed", 42, "random seed")
	f.StringVar(&opt.output, "output", "orders.jsonl", "JSONL output file, - for stdout")
	f.StringVar(&opt.httpURL, "http", "", "POST forms to this orderlens base URL instead of writing a file")
	f.StringVar(&opt.bootstrap, "bootstrap", "", "produce forms to Kafka instead of writing a file")
	f.StringVar(&opt.topic, "topic", "orderlens.orders.in", "Kafka topic for --bootstrap")
	return cmd
}

// sink receives generated forms.
type sink interface {
	Send(ctx context.Context, form model.OrderFormData) error
	Close() error
}

func run(ctx context.Context, opt options) error {
	log := logger.Named("genorders")

	s, err := openSink(opt)
	if err != nil {
		return err
	}
	defer s.Close()

	gen := newGenerator(opt.seed, opt.products, opt.invalidRate)
	bar := progressbar.Default(int64(opt.count), "generating")
	for i := 0; i < opt.count; i++ {
		if err := s.Send(ctx, gen.next()); err != nil {
			return fmt.Errorf("order %d: %w", i+1, err)
		}
		_ = bar.Add(1)
	}
	log.Info().Int("count", opt.count).Msg("orders generated")
	return nil
}

func openSink(opt options) (sink, error) {
	switch {
	case opt.bootstrap != "":
		return newKafkaSink(opt.bootstrap, opt.topic)
	case opt.httpURL != "":
		return &httpSink{url: strings.TrimRight(opt.httpURL, "/") + "/v1/orders", client: &http.Client{Timeout: 10 * time.Second}}, nil
	case opt.output == "-":
		return &jsonlSink{enc: json.NewEncoder(os.Stdout)}, nil
	default:
		f, err := os.Create(opt.output)
		if err != nil {
			return nil, fmt.Errorf("create file: %w", err)
		}
		return &jsonlSink{enc: json.NewEncoder(f), c: f}, nil
	}
}

type generator struct {
	fake        faker.Faker
	catalog     []string
	invalidRate float64
}

func newGenerator(seed int64, products int, invalidRate float64) *generator {
	fake := faker.NewWithSeed(rand.NewSource(seed))
	if products < 1 {
		products = 1
	}
	seen := make(map[string]bool)
	var catalog []string
	for attempts := 0; len(catalog) < products && attempts < products*20; attempts++ {
		name := fake.Food().Fruit()
		if attempts%2 == 1 {
			name = fake.Food().Vegetable()
		}
		if !seen[name] {
			seen[name] = true
			catalog = append(catalog, name)
		}
	}
	for len(catalog) < products {
		catalog = append(catalog, fmt.Sprintf("Product %d", len(catalog)+1))
	}
	return &generator{fake: fake, catalog: catalog, invalidRate: invalidRate}
}

// next draws a form. Earlier catalog entries are picked more often so rankings are not flat.
func (g *generator) next() model.OrderFormData {
	a := g.fake.IntBetween(0, len(g.catalog)-1)
	b := g.fake.IntBetween(0, len(g.catalog)-1)
	idx := a
	if b < a {
		idx = b
	}
	qty := g.fake.IntBetween(1, 5)
	unit := g.fake.Float64(2, 1, 250)
	form := model.OrderFormData{
		ProductName: g.catalog[idx],
		Quantity:    fmt.Sprintf("%d", qty),
		Price:       fmt.Sprintf("%.2f", unit*float64(qty)),
	}
	if g.invalidRate > 0 && g.fake.Float64(4, 0, 1) <= g.invalidRate {
		form.Price = g.fake.Lorem().Word()
	}
	return form
}

type jsonlSink struct {
	enc *json.Encoder
	c   io.Closer
}

func (s *jsonlSink) Send(_ context.Context, form model.OrderFormData) error {
	return s.enc.Encode(&form)
}

func (s *jsonlSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

type httpSink struct {
	url    string
	client *http.Client
}

func (s *httpSink) Send(ctx context.Context, form model.OrderFormData) error {
	b, err := json.Marshal(form)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "genorders")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// invalid forms are expected with --invalid-rate
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func (s *httpSink) Close() error { return nil }

type kafkaSink struct {
	p     *ck.Producer
	topic string
}

func newKafkaSink(bootstrap, topic string) (*kafkaSink, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	return &kafkaSink{p: p, topic: topic}, nil
}

func (s *kafkaSink) Send(_ context.Context, form model.OrderFormData) error {
	b, err := json.Marshal(form)
	if err != nil {
		return err
	}
	delivery := make(chan ck.Event, 1)
	err = s.p.Produce(&ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &s.topic, Partition: ck.PartitionAny},
		Key:            []byte(form.ProductName),
		Value:          b,
	}, delivery)
	if err != nil {
		return err
	}
	ev := <-delivery
	if m, ok := ev.(*ck.Message); ok && m.TopicPartition.Error != nil {
		return m.TopicPartition.Error
	}
	return nil
}

func (s *kafkaSink) Close() error {
	s.p.Flush(5000)
	s.p.Close()
	return nil
}
