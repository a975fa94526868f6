package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"orderlens/internal/changelog"
	"orderlens/internal/config"
	"orderlens/internal/feed"
	"orderlens/internal/httpapi"
	"orderlens/internal/ingest"
	"orderlens/internal/manifest"
	"orderlens/internal/metrics"
	"orderlens/internal/publish"
	"orderlens/internal/restore"
	"orderlens/internal/snapshot"
	"orderlens/internal/state"
	"orderlens/internal/store"
)

// snapshotStore is what both snapshot targets provide.
type snapshotStore interface {
	snapshot.Snapshotter
	snapshot.Loader
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (state.Store, io.Closer, error) {
	switch cfg.Backend {
	case "pebble":
		s, err := state.NewPebbleStore(cfg.Dir)
		return s, s, err
	case "badger":
		s, err := state.NewBadgerStore(cfg.Dir)
		return s, s, err
	case "postgres":
		s, err := state.NewPostgresStore(ctx, cfg.PostgresDSN)
		return s, s, err
	default:
		return state.NewInMemoryStore(), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openSnapshots(ctx context.Context, cfg config.SnapshotConfig) (snapshotStore, error) {
	if cfg.Target == "s3" {
		return snapshot.NewS3Snapshotter(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix)
	}
	return snapshot.NewFilesystemSnapshotter(cfg.Dir), nil
}

// openChangelog returns nil when no changelog sink is enabled.
func openChangelog(cfg config.Config) (changelog.Writer, error) {
	var writers []changelog.Writer
	if cfg.Changelog.File {
		fw, err := changelog.NewFileWriter(cfg.Changelog.Dir, config.ChangelogFile)
		if err != nil {
			return nil, fmt.Errorf("open changelog: %w", err)
		}
		writers = append(writers, fw)
	}
	if cfg.Changelog.Kafka {
		writers = append(writers, changelog.NewKafkaWriter(strings.Join(cfg.Kafka.Bootstrap, ","), cfg.Changelog.Topic))
	}
	switch len(writers) {
	case 0:
		return nil, nil
	case 1:
		return writers[0], nil
	default:
		return changelog.NewMultiWriter(writers...), nil
	}
}

func manifests(cfg config.Config) (manifest.Publisher, manifest.Reader) {
	fsm := manifest.NewFilesystemManifest(cfg.Snapshot.Dir)
	if !cfg.Manifest.Kafka {
		return fsm, fsm
	}
	km := manifest.NewKafkaManifest(cfg.Kafka.Bootstrap, cfg.Manifest.Topic, manifest.LatestKey)
	return manifest.MultiPublisher(fsm, km), manifest.NewKafkaReader(cfg.Kafka.Bootstrap, cfg.Manifest.Topic, manifest.LatestKey)
}

func restoreBackend(ctx context.Context, cfg config.Config, st state.Store, snaps snapshot.Loader, mr manifest.Reader, reg *metrics.Registry, log zerolog.Logger) error {
	t0 := time.Now()
	r := restore.NewRestorer(st, snaps, mr, log)
	m, err := mr.ReadLatest(ctx)
	if errors.Is(err, os.ErrNotExist) {
		// never checkpointed: replay the whole changelog over the backend as is
		log.Info().Msg("no manifest yet")
		m, err = manifest.Manifest{}, nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := r.RestoreFromSnapshot(ctx, m.SnapshotID); err != nil {
		return err
	}
	var res restore.RestoreResult
	if cfg.Changelog.File {
		res = r.ReplayChangelog(ctx, filepath.Join(cfg.Changelog.Dir, config.ChangelogFile), m.LastChangelogOffset)
	} else if cfg.Changelog.Kafka {
		res = r.ReplayChangelogKafka(ctx, cfg.Kafka.Bootstrap, cfg.Changelog.Topic, m.LastChangelogOffset)
	}
	if res.Error != nil {
		return fmt.Errorf("replay changelog: %w", res.Error)
	}
	reg.Applied.Add(float64(res.Applied))
	reg.Skipped.Add(float64(res.Skipped))
	reg.ReplayBytes.Add(float64(res.Bytes))
	reg.TTRSec.Set(time.Since(t0).Seconds())
	if m.CreatedAtEpochSecond > 0 {
		reg.LastManifestAgeSec.Set(time.Since(time.Unix(m.CreatedAtEpochSecond, 0)).Seconds())
	}
	log.Info().
		Str("snapshot", m.SnapshotID).
		Int("applied", res.Applied).
		Int("skipped", res.Skipped).
		Dur("took", time.Since(t0)).
		Msg("restore completed")
	return nil
}

func publishers(cfg config.Config) publish.Multi {
	var pubs publish.Multi
	if cfg.Publish.Dir != "" {
		pubs = append(pubs, publish.NewFilePublisher(cfg.Publish.Dir))
	}
	if cfg.Publish.Topic != "" {
		pubs = append(pubs, publish.NewKafkaPublisher(cfg.Kafka.Bootstrap, cfg.Publish.Topic))
	}
	return pubs
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	reg := metrics.NewRegistry()

	st, closer, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Store.Backend, err)
	}
	defer closer.Close()

	snaps, err := openSnapshots(ctx, cfg.Snapshot)
	if err != nil {
		return err
	}
	manPub, manRead := manifests(cfg)
	if cfg.Store.Restore {
		if err := restoreBackend(ctx, cfg, st, snaps, manRead, reg, log); err != nil {
			return err
		}
	}

	cl, err := openChangelog(cfg)
	if err != nil {
		return err
	}
	orders, err := store.New(st, store.Options{Changelog: cl, Metrics: reg, Log: log})
	if err != nil {
		return err
	}

	engine := feed.NewEngine(feed.SourceFunc(func() feed.Subscription { return orders.Subscribe() }), feed.Options{
		Log:     log,
		Metrics: reg,
	})
	defer engine.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// a failed subscription leaves the last dashboard in place; the process keeps serving it
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("feed stopped")
		}
		return nil
	})

	if pubs := publishers(cfg); len(pubs) > 0 {
		g.Go(func() error {
			publish.Forward(ctx, engine.Updates(), pubs, log, reg)
			return nil
		})
	}

	if cfg.Snapshot.Interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Snapshot.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := orders.Checkpoint(ctx, snaps, manPub); err != nil {
						log.Error().Err(err).Msg("checkpoint failed")
					}
				}
			}
		})
	}

	if cfg.Ingest.Enabled {
		consumer, err := ingest.NewConsumer(strings.Join(cfg.Kafka.Bootstrap, ","), cfg.Ingest.GroupID, cfg.Ingest.Topic, orders, log, reg)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer consumer.Close()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ingest: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		h := httpapi.NewRouter(orders, engine, reg, log)
		return httpapi.Serve(ctx, cfg.HTTP.Addr, h, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, log)
	})

	log.Info().
		Str("backend", cfg.Store.Backend).
		Str("snapshots", cfg.Snapshot.Target).
		Bool("ingest", cfg.Ingest.Enabled).
		Msg("orderlens started")
	err = g.Wait()

	// final checkpoint so the next start replays as little as possible
	if cfg.Snapshot.Interval > 0 {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, cerr := orders.Checkpoint(shutdownCtx, snaps, manPub); cerr != nil {
			log.Error().Err(cerr).Msg("final checkpoint failed")
		}
	}
	return err
}
