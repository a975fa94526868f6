package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderlens/internal/analytics"
	"orderlens/internal/config"
	"orderlens/internal/logger"
	"orderlens/internal/manifest"
	"orderlens/internal/metrics"
	"orderlens/internal/model"
	"orderlens/internal/restore"
	"orderlens/internal/snapshot"
	"orderlens/internal/state"
	"orderlens/internal/store"
)

type options struct {
	cfgFile     string
	poll        time.Duration
	once        bool
	metricsAddr string
	print       bool
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
		Use:          "recover",
		Short:        "Rebuild order state from the latest checkpoint and report recovery time",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			config.SetDefaults(v)
			cfg, err := config.Load(v, opt.cfgFile)
			if err != nil {
				return err
			}
			logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "orderlens-recover"})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opt, *logger.Get())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opt.cfgFile, "config", "", "orderlens config file")
	f.DurationVar(&opt.poll, "poll", 10*time.Second, "interval between recovery cycles")
	f.BoolVar(&opt.once, "once", false, "run a single cycle and exit")
	f.StringVar(&opt.metricsAddr, "metrics-addr", ":9090", "listen address for /metrics, empty disables")
	f.BoolVar(&opt.print, "print", false, "print the recomputed dashboard as JSON after each cycle")
	return cmd
}

func run(ctx context.Context, cfg config.Config, opt options, log zerolog.Logger) error {
	mreg := metrics.NewRegistry()
	if opt.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mreg.Handler())
		go func() {
			if err := http.ListenAndServe(opt.metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	var loader snapshot.Loader = snapshot.NewFilesystemSnapshotter(cfg.Snapshot.Dir)
	if cfg.Snapshot.Target == "s3" {
		s3snap, err := snapshot.NewS3Snapshotter(ctx, cfg.Snapshot.S3Region, cfg.Snapshot.S3Bucket, cfg.Snapshot.S3Prefix)
		if err != nil {
			return err
		}
		loader = s3snap
	}
	var mReader manifest.Reader = manifest.NewFilesystemManifest(cfg.Snapshot.Dir)
	if cfg.Manifest.Kafka {
		mReader = manifest.NewKafkaReader(cfg.Kafka.Bootstrap, cfg.Manifest.Topic, manifest.LatestKey)
	}

	ticker := time.NewTicker(opt.poll)
	defer ticker.Stop()
	for {
		d, err := cycle(ctx, cfg, loader, mReader, mreg, log)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("recovery cycle failed")
		case opt.print:
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(d)
		}
		if opt.once {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle restores into a fresh in-memory store and recomputes the dashboard from it.
func cycle(ctx context.Context, cfg config.Config, loader snapshot.Loader, mr manifest.Reader, mreg *metrics.Registry, log zerolog.Logger) (analytics.Dashboard, error) {
	t1 := time.Now()
	st := state.NewInMemoryStore()
	r := restore.NewRestorer(st, loader, mr, log)

	m, err := mr.ReadLatest(ctx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return analytics.Dashboard{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := r.RestoreFromSnapshot(ctx, m.SnapshotID); err != nil {
		return analytics.Dashboard{}, err
	}

	var res restore.RestoreResult
	if cfg.Changelog.Kafka {
		res = r.ReplayChangelogKafka(ctx, cfg.Kafka.Bootstrap, cfg.Changelog.Topic, m.LastChangelogOffset)
	} else {
		res = r.ReplayChangelog(ctx, filepath.Join(cfg.Changelog.Dir, config.ChangelogFile), m.LastChangelogOffset)
	}
	if res.Error != nil {
		return analytics.Dashboard{}, fmt.Errorf("replay: %w", res.Error)
	}

	mreg.Applied.Add(float64(res.Applied))
	mreg.Skipped.Add(float64(res.Skipped))
	mreg.ReplayBytes.Add(float64(res.Bytes))
	mreg.TTRSec.Set(time.Since(t1).Seconds())
	if cfg.Changelog.Kafka && len(cfg.Kafka.Bootstrap) > 0 {
		if head := headOffset(ctx, cfg.Changelog.Topic, cfg.Kafka.Bootstrap[0]); head >= 0 {
			mreg.Lag.Set(float64(head - res.Position))
		}
	}
	if m.CreatedAtEpochSecond > 0 {
		mreg.LastManifestAgeSec.Set(time.Since(time.Unix(m.CreatedAtEpochSecond, 0)).Seconds())
	}

	orders, err := store.New(st, store.Options{Log: log})
	if err != nil {
		return analytics.Dashboard{}, err
	}
	raw, err := orders.List()
	if err != nil {
		return analytics.Dashboard{}, err
	}
	d := analytics.Evaluate(model.NormalizeAll(raw), time.Now())
	log.Info().
		Int("applied", res.Applied).
		Int("skipped", res.Skipped).
		Int("orders", d.OrderCount).
		Str("total_revenue", d.Analytics.TotalRevenue.String()).
		Dur("ttr", time.Since(t1)).
		Msg("recovery cycle")
	return d, nil
}

// headOffset returns the high watermark of partition 0, or -1 when it cannot be read.
func headOffset(ctx context.Context, topic string, bootstrap string) int64 {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := kafka.DialLeader(ctx, "tcp", bootstrap, topic, 0)
	if err != nil {
		return -1
	}
	defer conn.Close()
	off, err := conn.ReadLastOffset()
	if err != nil {
		return -1
	}
	return off
}
