package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"orderlens/internal/changelog"
	"orderlens/internal/manifest"
	"orderlens/internal/snapshot"
	"orderlens/internal/state"
)

// Restorer rebuilds a state store from the latest snapshot plus the changelog tail.
type Restorer struct {
	stateStore     state.Store
	loader         snapshot.Loader
	manifestReader manifest.Reader
	log            zerolog.Logger

	// openKafka is swapped in tests.
	openKafka   func(brokers []string, topic string) kafkaMessageReader
	kafkaWindow time.Duration
}

type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewRestorer(st state.Store, loader snapshot.Loader, mr manifest.Reader, log zerolog.Logger) *Restorer {
	return &Restorer{
		stateStore:     st,
		loader:         loader,
		manifestReader: mr,
		log:            log.With().Str("component", "restore").Logger(),
		openKafka: func(brokers []string, topic string) kafkaMessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		kafkaWindow: 20 * time.Second,
	}
}

type RestoreResult struct {
	Applied  int
	Skipped  int
	Bytes    int64
	// Position is the number of changelog entries read, including those before the start offset.
	Position int64
	// WindowClosed reports that a Kafka replay stopped at its read window rather than at the
	// end of the topic. Entries produced after Position were not applied.
	WindowClosed bool
	Error        error
}

// RestoreFromSnapshot replaces the store contents with snapshotID. An empty id or a missing
// snapshot leaves the store untouched.
func (r *Restorer) RestoreFromSnapshot(ctx context.Context, snapshotID string) error {
	if snapshotID == "" {
		return nil
	}
	dump, err := r.loader.ReadSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Str("snapshot", snapshotID).Msg("snapshot not found, skipping")
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	r.stateStore.LoadAll(dump)
	r.log.Info().Int("keys", len(dump)).Str("snapshot", snapshotID).Msg("loaded snapshot")
	return nil
}

func mutationOf(e changelog.Entry) (state.Mutation, error) {
	op := state.Op(e.Op)
	switch op {
	case state.OpCreate, state.OpUpdate, state.OpDelete:
	default:
		return state.Mutation{}, fmt.Errorf("unknown op %q for key %s", e.Op, e.Key)
	}
	return state.Mutation{
		Op:          op,
		ProductName: e.ProductName,
		Quantity:    e.Quantity,
		Price:       e.Price,
		TS:          e.TS,
	}, nil
}

func (r *Restorer) apply(raw []byte, res *RestoreResult) error {
	var e changelog.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("unmarshal entry: %w", err)
	}
	m, err := mutationOf(e)
	if err != nil {
		return err
	}
	ok, _, err := r.stateStore.Apply(e.Key, m, e.Seq)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	res.Bytes += int64(len(raw))
	if ok {
		res.Applied++
	} else {
		res.Skipped++
	}
	return nil
}

// ReplayChangelog applies the JSONL changelog at changelogPath, skipping the first fromOffset
// lines. A missing file means there is nothing to replay.
func (r *Restorer) ReplayChangelog(ctx context.Context, changelogPath string, fromOffset int64) RestoreResult {
	file, err := os.Open(changelogPath)
	if errors.Is(err, os.ErrNotExist) {
		r.log.Info().Str("path", changelogPath).Msg("no changelog to replay")
		return RestoreResult{}
	}
	if err != nil {
		return RestoreResult{Error: fmt.Errorf("open changelog: %w", err)}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var res RestoreResult
	lineNum := int64(0)

	for scanner.Scan() {
		lineNum++
		res.Position = lineNum
		if lineNum <= fromOffset {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Error = err
			return res
		}
		if err := r.apply(scanner.Bytes(), &res); err != nil {
			res.Error = fmt.Errorf("line %d: %w", lineNum, err)
			return res
		}
	}
	if err := scanner.Err(); err != nil {
		res.Error = fmt.Errorf("scan changelog: %w", err)
	}
	return res
}

// ReplayChangelogKafka consumes entries from partition 0 of topic and applies them, skipping
// the first fromOffset messages. It stops once the topic is drained or the read window closes.
// Cancelling ctx aborts the replay with ctx's error.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, brokers []string, topic string, fromOffset int64) RestoreResult {
	rd := r.openKafka(brokers, topic)
	defer rd.Close()

	readCtx, cancel := context.WithTimeout(ctx, r.kafkaWindow)
	defer cancel()

	var res RestoreResult
	idx := int64(0)
	for {
		m, err := rd.ReadMessage(readCtx)
		if err != nil {
			if ctx.Err() != nil {
				res.Error = fmt.Errorf("kafka replay interrupted at %d: %w", idx, ctx.Err())
				return res
			}
			if readCtx.Err() != nil {
				res.WindowClosed = true
				r.log.Warn().
					Str("topic", topic).
					Int64("position", idx).
					Dur("window", r.kafkaWindow).
					Msg("kafka read window closed, replay stops here")
				break
			}
			if errors.Is(err, io.EOF) {
				break
			}
			res.Error = fmt.Errorf("read kafka: %w", err)
			return res
		}
		idx++
		res.Position = idx
		if idx <= fromOffset {
			continue
		}
		if err := r.apply(m.Value, &res); err != nil {
			res.Error = fmt.Errorf("message %d: %w", idx, err)
			return res
		}
	}
	return res
}

// RestoreAndReplay reads the latest manifest, loads its snapshot and replays the file
// changelog at changelogPath from the manifest offset.
func (r *Restorer) RestoreAndReplay(ctx context.Context, changelogPath string) (RestoreResult, error) {
	m, err := r.manifestReader.ReadLatest(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := r.RestoreFromSnapshot(ctx, m.SnapshotID); err != nil {
		return RestoreResult{}, fmt.Errorf("restore snapshot: %w", err)
	}
	result := r.ReplayChangelog(ctx, changelogPath, m.LastChangelogOffset)
	r.log.Info().
		Int("applied", result.Applied).
		Int("skipped", result.Skipped).
		Int64("from_offset", m.LastChangelogOffset).
		Msg("changelog replayed")
	return result, result.Error
}
