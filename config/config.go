// Package config loads searchsync settings from defaults, an optional config
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"searchsync/infrastructure"
	"searchsync/sqlsource"
)

// Config is the complete searchsync configuration.
type Config struct {
	Environment   string                             `mapstructure:"environment"`
	Log           LogConfig                          `mapstructure:"log"`
	Elasticsearch infrastructure.ElasticsearchConfig `mapstructure:"elasticsearch"`
	Index         IndexConfig                        `mapstructure:"index"`
	Postgres      infrastructure.PostgresConfig      `mapstructure:"postgres"`
	Mongo         infrastructure.MongoConfig         `mapstructure:"mongo"`
	Progress      ProgressConfig                     `mapstructure:"progress"`
	Indexing      IndexingConfig                     `mapstructure:"indexing"`
	Queue         QueueConfig                        `mapstructure:"queue"`
	Indexables    []sqlsource.TableConfig            `mapstructure:"indexables"`
}

// LogConfig sets the logrus level and format ("text" or "json").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IndexConfig names the target index and its settings.
type IndexConfig struct {
	Name     string         `mapstructure:"name"`
	Settings map[string]any `mapstructure:"settings"`
}

// ProgressConfig selects the progress store and output channels.
type ProgressConfig struct {
	// Store is "memory" or "mongo".
	Store      string        `mapstructure:"store"`
	Collection string        `mapstructure:"collection"`
	TTL        time.Duration `mapstructure:"ttl"`

	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`

	Metrics     bool   `mapstructure:"metrics"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// IndexingConfig holds the defaults of the index command.
type IndexingConfig struct {
	ChunkSize int           `mapstructure:"chunk_size"`
	Processes int           `mapstructure:"processes"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// QueueConfig selects the job queue that receives queued sub-queries.
type QueueConfig struct {
	// Backend is "local" or "mongo".
	Backend     string        `mapstructure:"backend"`
	Workers     int           `mapstructure:"workers"`
	Size        int           `mapstructure:"size"`
	Collection  string        `mapstructure:"collection"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

// envBindings maps config keys to the environment variable names used by the
// existing deployment scripts.
var envBindings = map[string]string{
	"environment":                     "APP_ENV",
	"elasticsearch.addresses":         "ELASTICSEARCH_URLS",
	"elasticsearch.username":          "ELASTICSEARCH_USERNAME",
	"elasticsearch.password":          "ELASTICSEARCH_PASSWORD",
	"elasticsearch.api_key":           "ELASTICSEARCH_API_KEY",
	"elasticsearch.cloud_id":          "ELASTICSEARCH_CLOUD_ID",
	"elasticsearch.insecure_skip_tls": "ELASTICSEARCH_INSECURE_SKIP_TLS",
	"postgres.host":                   "PG_HOST",
	"postgres.port":                   "PG_PORT",
	"postgres.user":                   "PG_USER",
	"postgres.password":               "PG_PASSWORD",
	"postgres.database":               "PG_DATABASE",
	"postgres.sslmode":                "PG_SSLMODE",
	"postgres.max_open_conns":         "PG_MAX_OPEN_CONNS",
	"postgres.max_idle_conns":         "PG_MAX_IDLE_CONNS",
	"mongo.uri":                       "MONGO_URI",
	"mongo.host":                      "MONGO_HOST",
	"mongo.port":                      "MONGO_PORT",
	"mongo.user":                      "MONGO_USER",
	"mongo.password":                  "MONGO_PASSWORD",
	"mongo.database":                  "MONGO_DATABASE",
	"mongo.auth_source":               "MONGO_AUTH_SOURCE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "local")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.username", "elastic")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.timeout", 60*time.Second)
	v.SetDefault("elasticsearch.connect_retries", 3)
	v.SetDefault("elasticsearch.include_types", false)

	v.SetDefault("index.name", "searchsync")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.database", "postgres")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.connect_timeout", 5*time.Second)
	v.SetDefault("postgres.connect_retries", 3)

	v.SetDefault("mongo.host", "localhost")
	v.SetDefault("mongo.port", 27017)
	v.SetDefault("mongo.database", "searchsync")
	v.SetDefault("mongo.auth_source", "admin")
	v.SetDefault("mongo.connect_timeout", 5*time.Second)
	v.SetDefault("mongo.connect_retries", 3)

	v.SetDefault("progress.store", "memory")
	v.SetDefault("progress.collection", "indexing_progress")
	v.SetDefault("progress.ttl", 300*time.Second)
	v.SetDefault("progress.webhook_timeout", 5*time.Second)
	v.SetDefault("progress.metrics", false)
	v.SetDefault("progress.metrics_addr", ":9102")

	v.SetDefault("indexing.chunk_size", 250)
	v.SetDefault("indexing.processes", 1)
	v.SetDefault("indexing.lock_ttl", 20*time.Minute)

	v.SetDefault("queue.backend", "local")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.size", 64)
	v.SetDefault("queue.collection", "indexing_jobs")
	v.SetDefault("queue.max_interval", 5*time.Second)
}

// Load reads configuration. path may be empty. Any key can also be set with a
// SEARCHSYNC_ prefixed variable, e.g. SEARCHSYNC_INDEXING_CHUNK_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("searchsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "SEARCHSYNC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Elasticsearch.Addresses = splitList(cfg.Elasticsearch.Addresses)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList expands comma separated entries, as given by ELASTICSEARCH_URLS.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Index.Name == "" {
		err = multierr.Append(err, errors.New("index.name is required"))
	}
	if c.Indexing.ChunkSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("indexing.chunk_size must be positive, got %d", c.Indexing.ChunkSize))
	}
	if c.Indexing.Processes < 1 {
		err = multierr.Append(err, fmt.Errorf("indexing.processes must be at least 1, got %d", c.Indexing.Processes))
	}
	if c.Progress.Store != "memory" && c.Progress.Store != "mongo" {
		err = multierr.Append(err, fmt.Errorf("progress.store must be memory or mongo, got %q", c.Progress.Store))
	}
	if c.Queue.Backend != "local" && c.Queue.Backend != "mongo" {
		err = multierr.Append(err, fmt.Errorf("queue.backend must be local or mongo, got %q", c.Queue.Backend))
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Apply sets the logrus level and formatter.
func (c LogConfig) Apply() error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("config: log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	switch c.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})
	default:
		return fmt.Errorf("config: unknown log format %q", c.Format)
	}
	return nil
}
