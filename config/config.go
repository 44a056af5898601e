// Package config loads the YAML configuration of the mediaupload tool.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/bitrise-io/go-mediaupload/devserver"
	"github.com/bitrise-io/go-mediaupload/notify"
	"github.com/bitrise-io/go-mediaupload/segment"
	"github.com/bitrise-io/go-mediaupload/thumbnail"
	"github.com/bitrise-io/go-mediaupload/transport/httpapi"
	"github.com/bitrise-io/go-mediaupload/transport/s3store"
	"github.com/bitrise-io/go-utils/v2/env"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config is the whole configuration file.
type Config struct {
	Upload    Upload    `yaml:"upload"`
	API       API       `yaml:"api"`
	S3        S3        `yaml:"s3"`
	Redis     Redis     `yaml:"redis"`
	Thumbnail Thumbnail `yaml:"thumbnail"`
	Server    Server    `yaml:"server"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Upload configures planning and the retry policy.
type Upload struct {
	Backend         string   `yaml:"backend"`
	PostType        string   `yaml:"post_type"`
	DirectThreshold Size     `yaml:"direct_threshold"`
	SegmentSize     Size     `yaml:"segment_size"`
	Concurrency     int      `yaml:"concurrency"`
	AttemptCap      int      `yaml:"attempt_cap"`
	InitialBackoff  Duration `yaml:"initial_backoff"`
	MaxBackoff      Duration `yaml:"max_backoff"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	HungThreshold   Duration `yaml:"hung_threshold"`
}

// API configures the HTTP backend.
type API struct {
	BaseURL        string   `yaml:"base_url"`
	Token          string   `yaml:"token"`
	ControlRetries int      `yaml:"control_retries"`
	RetryWaitMin   Duration `yaml:"retry_wait_min"`
	RetryWaitMax   Duration `yaml:"retry_wait_max"`
}

// S3 configures the S3 backend.
type S3 struct {
	Bucket          string   `yaml:"bucket"`
	Region          string   `yaml:"region"`
	Prefix          string   `yaml:"prefix"`
	Endpoint        string   `yaml:"endpoint"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	URLTTL          Duration `yaml:"url_ttl"`
	CompleteRetries uint     `yaml:"complete_retries"`
}

// Redis configures completion events. An empty URL disables them.
type Redis struct {
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel"`
	Timeout Duration `yaml:"timeout"`
	Retries int      `yaml:"retries"`
}

// Thumbnail configures preview rendering.
type Thumbnail struct {
	Enabled bool     `yaml:"enabled"`
	Width   int      `yaml:"width"`
	Height  int      `yaml:"height"`
	Quality int      `yaml:"quality"`
	FFmpeg  string   `yaml:"ffmpeg"`
	Seek    Duration `yaml:"seek"`
}

// Server configures the local dev server.
type Server struct {
	Addr       string   `yaml:"addr"`
	Root       string   `yaml:"root"`
	PublicURL  string   `yaml:"public_url"`
	Token      string   `yaml:"token"`
	StaleAfter Duration `yaml:"stale_after"`
	Sweep      string   `yaml:"sweep"`
}

// Metrics configures the textfile exposition. An empty path disables it.
type Metrics struct {
	Textfile string `yaml:"textfile"`
}

// Default returns a configuration that talks to a dev server on localhost.
func Default() Config {
	retry := segment.DefaultConfig()
	thumbs := thumbnail.DefaultConfig()
	s3 := s3store.DefaultConfig()
	server := devserver.DefaultConfig()

	return Config{
		Upload: Upload{
			Backend:         BackendHTTP,
			PostType:        "post",
			DirectThreshold: Size(segment.DefaultDirectThreshold),
			SegmentSize:     Size(segment.DefaultSegmentSize),
			Concurrency:     segment.DefaultConcurrency(),
			AttemptCap:      retry.AttemptCap,
			InitialBackoff:  Duration{retry.InitialBackoff},
			MaxBackoff:      Duration{retry.MaxBackoff},
			RequestTimeout:  Duration{retry.RequestTimeout},
			HungThreshold:   Duration{retry.HungThreshold},
		},
		API: API{
			BaseURL:        "http://localhost:8080",
			ControlRetries: 3,
			RetryWaitMin:   Duration{500 * time.Millisecond},
			RetryWaitMax:   Duration{8 * time.Second},
		},
		S3: S3{
			Prefix:          s3.Prefix,
			URLTTL:          Duration{s3.URLTTL},
			CompleteRetries: s3.CompleteRetries,
		},
		Redis: Redis{
			Channel: notify.DefaultChannel,
			Timeout: Duration{notify.DefaultTimeout},
			Retries: notify.DefaultRetries,
		},
		Thumbnail: Thumbnail{
			Enabled: true,
			Width:   thumbs.Width,
			Height:  thumbs.Height,
			Quality: thumbs.Quality,
			FFmpeg:  thumbs.FFmpeg,
			Seek:    Duration{thumbs.Seek},
		},
		Server: Server{
			Addr:       ":8080",
			Root:       server.Root,
			PublicURL:  server.PublicURL,
			StaleAfter: Duration{server.StaleAfter},
			Sweep:      server.Sweep,
		},
	}
}

// Load reads a YAML config file on top of Default, expanding ${VAR} references first.
func Load(path string, envRepo env.Repository) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return Parse(data, envRepo)
}

// Parse decodes a YAML document on top of Default.
func Parse(data []byte, envRepo env.Repository) (*Config, error) {
	expanded := ExpandEnv(string(data), envRepo)

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Upload.Backend {
	case BackendHTTP:
		if c.API.BaseURL == "" {
			errs = append(errs, errors.New("api.base_url is required for the http backend"))
		} else if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("api.base_url: %w", err))
		}
	case BackendS3:
		if err := c.S3Config().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("s3: %w", err))
		}
		if err := s3store.ValidateSegmentSize(int64(c.Upload.SegmentSize)); err != nil {
			errs = append(errs, fmt.Errorf("upload.segment_size: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("upload.backend must be %q or %q, got %q", BackendHTTP, BackendS3, c.Upload.Backend))
	}

	if c.Upload.DirectThreshold < 0 {
		errs = append(errs, errors.New("upload.direct_threshold must not be negative"))
	}
	if c.Upload.SegmentSize < 0 {
		errs = append(errs, errors.New("upload.segment_size must not be negative"))
	}
	if c.Upload.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("upload.concurrency must be at least 1, got %d", c.Upload.Concurrency))
	}
	if c.Upload.AttemptCap < 1 {
		errs = append(errs, fmt.Errorf("upload.attempt_cap must be at least 1, got %d", c.Upload.AttemptCap))
	}
	if c.API.ControlRetries < 0 {
		errs = append(errs, errors.New("api.control_retries must not be negative"))
	}
	if c.Redis.Retries < 0 {
		errs = append(errs, errors.New("redis.retries must not be negative"))
	}
	if c.Thumbnail.Enabled && (c.Thumbnail.Width <= 0 || c.Thumbnail.Height <= 0) {
		errs = append(errs, errors.New("thumbnail.width and thumbnail.height must be positive"))
	}
	if c.Thumbnail.Enabled && (c.Thumbnail.Quality < 1 || c.Thumbnail.Quality > 100) {
		errs = append(errs, fmt.Errorf("thumbnail.quality must be between 1 and 100, got %d", c.Thumbnail.Quality))
	}

	return errors.Join(errs...)
}

// PlannerConfig ...
func (c Config) PlannerConfig() segment.PlannerConfig {
	return segment.PlannerConfig{
		DirectThreshold: int64(c.Upload.DirectThreshold),
		SegmentSize:     int64(c.Upload.SegmentSize),
		Concurrency:     c.Upload.Concurrency,
	}
}

// RetryConfig ...
func (c Config) RetryConfig() segment.Config {
	return segment.Config{
		AttemptCap:     c.Upload.AttemptCap,
		InitialBackoff: c.Upload.InitialBackoff.Duration,
		MaxBackoff:     c.Upload.MaxBackoff.Duration,
		RequestTimeout: c.Upload.RequestTimeout.Duration,
		HungThreshold:  c.Upload.HungThreshold.Duration,
	}
}

// HTTPConfig ...
func (c Config) HTTPConfig() httpapi.Config {
	return httpapi.Config{
		BaseURL:        c.API.BaseURL,
		Token:          c.API.Token,
		ControlRetries: c.API.ControlRetries,
		RetryWaitMin:   c.API.RetryWaitMin.Duration,
		RetryWaitMax:   c.API.RetryWaitMax.Duration,
	}
}

// S3Config ...
func (c Config) S3Config() s3store.Config {
	cfg := s3store.DefaultConfig()
	cfg.Bucket = c.S3.Bucket
	cfg.Region = c.S3.Region
	cfg.Prefix = c.S3.Prefix
	cfg.Endpoint = c.S3.Endpoint
	cfg.AccessKeyID = c.S3.AccessKeyID
	cfg.SecretAccessKey = c.S3.SecretAccessKey
	cfg.URLTTL = c.S3.URLTTL.Duration
	cfg.CompleteRetries = c.S3.CompleteRetries
	return cfg
}

// NotifyConfig ...
func (c Config) NotifyConfig() notify.Config {
	return notify.Config{
		URL:     c.Redis.URL,
		Channel: c.Redis.Channel,
		Timeout: c.Redis.Timeout.Duration,
		Retries: c.Redis.Retries,
	}
}

// ThumbnailConfig ...
func (c Config) ThumbnailConfig() thumbnail.Config {
	return thumbnail.Config{
		Width:   c.Thumbnail.Width,
		Height:  c.Thumbnail.Height,
		Quality: c.Thumbnail.Quality,
		FFmpeg:  c.Thumbnail.FFmpeg,
		Seek:    c.Thumbnail.Seek.Duration,
	}
}

// ServerConfig ...
func (c Config) ServerConfig() devserver.Config {
	return devserver.Config{
		Root:       c.Server.Root,
		PublicURL:  c.Server.PublicURL,
		Token:      c.Server.Token,
		StaleAfter: c.Server.StaleAfter.Duration,
		Sweep:      c.Server.Sweep,
	}
}
