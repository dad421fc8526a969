package config

import (
	"fmt"
	"time"

	"github.com/trawler-io/trawler/pkg/clients"
)

// Settings is the complete configuration of a trawler process. CLI flags
// override individual fields after the file (if any) is loaded.
type Settings struct {
	// DataDir is the root of all persisted state: scope directories,
	// checkpoints and shared metadata.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// PhotosDir is where downloaded photos land, outside the data root.
	PhotosDir string `yaml:"photos_dir" json:"photos_dir"`
	// Resume continues from the last checkpoint instead of restarting.
	Resume bool `yaml:"resume" json:"resume"`

	Crawl   CrawlConfig        `yaml:"crawl" json:"crawl"`
	HTTP    clients.HTTPConfig `yaml:"http" json:"http"`
	Retry   RetryConfig        `yaml:"retry" json:"retry"`
	Logging LoggingConfig      `yaml:"logging" json:"logging"`
	Metrics MetricsConfig      `yaml:"metrics" json:"metrics"`
	Sources SourcesConfig      `yaml:"sources" json:"sources"`
}

// CrawlConfig controls the engine's scheduling behavior.
type CrawlConfig struct {
	// Workers is the number of concurrent fetch workers.
	Workers int `yaml:"workers" json:"workers"`
	// Rate caps outbound fetches per second across all workers; 0 disables
	// the cap.
	Rate float64 `yaml:"rate" json:"rate"`
	// BatchSize is how many fetched entries accumulate before a flush.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// CheckpointEvery saves progress after this many processed entries.
	CheckpointEvery int `yaml:"checkpoint_every" json:"checkpoint_every"`
	// MaxConsecutiveErrors aborts the run after this many failures in a row;
	// 0 means never abort.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
}

// RetryConfig shapes the backoff applied to transient fetch failures.
type RetryConfig struct {
	Attempts     int           `yaml:"attempts" json:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	Jitter       float64       `yaml:"jitter" json:"jitter"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Encoding is console or json.
	Encoding string `yaml:"encoding" json:"encoding"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// DefaultSettings returns settings that work without any configuration file:
// conservative rate, small batches, resume enabled.
func DefaultSettings() *Settings {
	return &Settings{
		DataDir:   "data",
		PhotosDir: "photos",
		Resume:    true,
		Crawl: CrawlConfig{
			Workers:              10,
			Rate:                 5.0,
			BatchSize:            10,
			CheckpointEvery:      100,
			MaxConsecutiveErrors: 50,
		},
		HTTP: *clients.DefaultHTTPConfig(),
		Retry: RetryConfig{
			Attempts:     3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.25,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Sources: DefaultSourcesConfig(),
	}
}

// Validate checks the settings for values the engine cannot run with.
func (s *Settings) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if s.Crawl.Workers < 1 {
		return fmt.Errorf("crawl.workers must be at least 1")
	}
	if s.Crawl.Rate < 0 {
		return fmt.Errorf("crawl.rate cannot be negative")
	}
	if s.Crawl.BatchSize < 1 {
		return fmt.Errorf("crawl.batch_size must be at least 1")
	}
	if s.Crawl.CheckpointEvery < 1 {
		return fmt.Errorf("crawl.checkpoint_every must be at least 1")
	}
	if s.Crawl.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("crawl.max_consecutive_errors cannot be negative")
	}
	if s.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if s.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if s.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be positive")
	}
	return s.Sources.validate()
}
