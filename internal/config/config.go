// Package config loads orderlens settings from defaults, an optional config file, ORDERLENS_*
// environment variables and command flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const EnvPrefix = "ORDERLENS"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Store     StoreConfig     `mapstructure:"store"`
	Changelog ChangelogConfig `mapstructure:"changelog"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Manifest  ManifestConfig  `mapstructure:"manifest"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type KafkaConfig struct {
	Bootstrap []string `mapstructure:"bootstrap"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend"` // memory, pebble, badger, postgres
	Dir         string `mapstructure:"dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Restore     bool   `mapstructure:"restore"`
}

type ChangelogConfig struct {
	File  bool   `mapstructure:"file"`
	Dir   string `mapstructure:"dir"`
	Kafka bool   `mapstructure:"kafka"`
	Topic string `mapstructure:"topic"`
}

type SnapshotConfig struct {
	Target   string        `mapstructure:"target"` // fs or s3
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`
	S3Region string        `mapstructure:"s3_region"`
	S3Bucket string        `mapstructure:"s3_bucket"`
	S3Prefix string        `mapstructure:"s3_prefix"`
}

type ManifestConfig struct {
	Kafka bool   `mapstructure:"kafka"`
	Topic string `mapstructure:"topic"`
}

type PublishConfig struct {
	Dir   string `mapstructure:"dir"`
	Topic string `mapstructure:"topic"` // empty disables the Kafka publisher
}

type IngestConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ChangelogFile is the name of the file changelog inside Changelog.Dir.
const ChangelogFile = "orders.jsonl"

// flag name -> config key
var flagKeys = map[string]string{
	"log-level":         "log.level",
	"log-format":        "log.format",
	"http-addr":         "http.addr",
	"kafka-bootstrap":   "kafka.bootstrap",
	"store-backend":     "store.backend",
	"store-dir":         "store.dir",
	"postgres-dsn":      "store.postgres_dsn",
	"restore":           "store.restore",
	"changelog-file":    "changelog.file",
	"changelog-kafka":   "changelog.kafka",
	"snapshot-target":   "snapshot.target",
	"snapshot-dir":      "snapshot.dir",
	"snapshot-interval": "snapshot.interval",
	"s3-bucket":         "snapshot.s3_bucket",
	"manifest-kafka":    "manifest.kafka",
	"publish-dir":       "publish.dir",
	"publish-topic":     "publish.topic",
	"ingest":            "ingest.enabled",
	"ingest-topic":      "ingest.topic",
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("kafka.bootstrap", []string{})
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dir", "./data/store")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.restore", true)
	v.SetDefault("changelog.file", true)
	v.SetDefault("changelog.dir", "./data/changelog")
	v.SetDefault("changelog.kafka", false)
	v.SetDefault("changelog.topic", "orderlens.changelog")
	v.SetDefault("snapshot.target", "fs")
	v.SetDefault("snapshot.dir", "./data/snapshots")
	v.SetDefault("snapshot.interval", "60s")
	v.SetDefault("snapshot.s3_region", "us-east-1")
	v.SetDefault("snapshot.s3_bucket", "")
	v.SetDefault("snapshot.s3_prefix", "orderlens/snapshots")
	v.SetDefault("manifest.kafka", false)
	v.SetDefault("manifest.topic", "orderlens.snapshots")
	v.SetDefault("publish.dir", "./data/analytics")
	v.SetDefault("publish.topic", "")
	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.topic", "orderlens.orders.in")
	v.SetDefault("ingest.group_id", "orderlens-ingest")
}

// BindFlags defines the daemon flags on cmd and binds them into v.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	f := cmd.Flags()
	f.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	f.String("log-format", "console", "log format (console or json)")
	f.String("http-addr", ":8080", "HTTP listen address")
	f.StringSlice("kafka-bootstrap", nil, "Kafka bootstrap servers")
	f.String("store-backend", "memory", "order backend: memory, pebble, badger or postgres")
	f.String("store-dir", "./data/store", "pebble/badger data directory")
	f.String("postgres-dsn", "", "Postgres connection string")
	f.Bool("restore", true, "restore from the latest manifest on start")
	f.Bool("changelog-file", true, "append writes to a JSONL changelog")
	f.Bool("changelog-kafka", false, "append writes to the Kafka changelog topic")
	f.String("snapshot-target", "fs", "snapshot target: fs or s3")
	f.String("snapshot-dir", "./data/snapshots", "snapshot and manifest directory")
	f.Duration("snapshot-interval", time.Minute, "checkpoint interval, 0 disables")
	f.String("s3-bucket", "", "S3 bucket for snapshots")
	f.Bool("manifest-kafka", false, "also publish manifests to Kafka")
	f.String("publish-dir", "./data/analytics", "directory for analytics.current.json, empty disables")
	f.String("publish-topic", "", "compacted Kafka topic for the current dashboard")
	f.Bool("ingest", false, "create orders from the ingest topic")
	f.String("ingest-topic", "orderlens.orders.in", "Kafka topic carrying order forms")
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads file (if set) and the environment into a validated Config.
func Load(v *viper.Viper, file string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory", "pebble", "badger":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	switch c.Snapshot.Target {
	case "fs":
	case "s3":
		if c.Snapshot.S3Bucket == "" {
			errs = append(errs, errors.New("snapshot.s3_bucket is required for s3 snapshots"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot.target %q", c.Snapshot.Target))
	}
	if c.Snapshot.Interval < 0 {
		errs = append(errs, errors.New("snapshot.interval must not be negative"))
	}
	if c.UsesKafka() && len(c.Kafka.Bootstrap) == 0 {
		errs = append(errs, errors.New("kafka.bootstrap is required when a Kafka feature is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) UsesKafka() bool {
	return c.Changelog.Kafka || c.Manifest.Kafka || c.Publish.Topic != "" || c.Ingest.Enabled
}
