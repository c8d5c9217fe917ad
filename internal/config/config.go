package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database  *dbConfig
	Service   *svcConfig
	Queue     *queueConfig
	Geocoding *geocodingConfig
	Retention *retentionConfig
	Storage   *storageConfig
	Events    *eventsConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"episurv"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	LogLevel        string `envconfig:"EPISURV_LOG_LEVEL" default:"info"`
	MetricsAddress  string `envconfig:"EPISURV_METRICS_ADDRESS" default:":8080"`
	MigrationFolder string `envconfig:"EPISURV_MIGRATIONS_FOLDER" default:""`
}

type queueConfig struct {
	MaxWorkers     int           `envconfig:"EPISURV_QUEUE_MAX_WORKERS" default:"10"`
	JobMaxAttempts int           `envconfig:"EPISURV_JOB_MAX_ATTEMPTS" default:"1"`
	JobTimeout     time.Duration `envconfig:"EPISURV_JOB_TIMEOUT" default:"30m"`
}

type geocodingConfig struct {
	Provider      string        `envconfig:"EPISURV_GEOCODING_PROVIDER" default:""`
	MapboxToken   string        `envconfig:"EPISURV_MAPBOX_TOKEN" default:""`
	GoogleAPIKey  string        `envconfig:"EPISURV_GOOGLE_API_KEY" default:""`
	BatchSize     int           `envconfig:"EPISURV_GEOCODING_BATCH_SIZE" default:"50"`
	MaxAttempts   int           `envconfig:"EPISURV_GEOCODING_MAX_ATTEMPTS" default:"3"`
	ChunkSize     int           `envconfig:"EPISURV_GEOCODING_CHUNK_SIZE" default:"10"`
	ChunkDelay    time.Duration `envconfig:"EPISURV_GEOCODING_CHUNK_DELAY" default:"500ms"`
	RequeueDelay  time.Duration `envconfig:"EPISURV_GEOCODING_REQUEUE_DELAY" default:"2s"`
	RateLimit     float64       `envconfig:"EPISURV_GEOCODING_RATE_LIMIT" default:"0"`
	CallTimeout   time.Duration `envconfig:"EPISURV_GEOCODING_CALL_TIMEOUT" default:"10s"`
	Interval      time.Duration `envconfig:"EPISURV_GEOCODING_INTERVAL" default:"5m"`
	StatsInterval time.Duration `envconfig:"EPISURV_GEOCODING_STATS_INTERVAL" default:"1m"`
}

type retentionConfig struct {
	Completed time.Duration `envconfig:"EPISURV_RETENTION_COMPLETED" default:"168h"`
	Failed    time.Duration `envconfig:"EPISURV_RETENTION_FAILED" default:"720h"`
	Cancelled time.Duration `envconfig:"EPISURV_RETENTION_CANCELLED" default:"168h"`
	Interval  time.Duration `envconfig:"EPISURV_RETENTION_INTERVAL" default:"1h"`
}

type storageConfig struct {
	S3Endpoint  string `envconfig:"EPISURV_S3_ENDPOINT" default:""`
	S3AccessKey string `envconfig:"EPISURV_S3_ACCESS_KEY" default:""`
	S3SecretKey string `envconfig:"EPISURV_S3_SECRET_KEY" default:""`
	S3UseSSL    bool   `envconfig:"EPISURV_S3_USE_SSL" default:"false"`
}

type eventsConfig struct {
	Writer string `envconfig:"EPISURV_EVENTS_WRITER" default:""`
	Topic  string `envconfig:"EPISURV_EVENTS_TOPIC" default:"episurv"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		cfg, err := NewDefault()
		if err != nil {
			return nil, err
		}
		singleConfig = cfg
	}
	return singleConfig, nil
}

// NewDefault processes the environment into a fresh Config without touching the
// process-wide singleton.
func NewDefault() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
