// Package notify publishes upload completion events to Redis.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultChannel ...
	DefaultChannel = "mediaupload:completed"
	// DefaultTimeout is the per-publish timeout.
	DefaultTimeout = 5 * time.Second
	// DefaultRetries ...
	DefaultRetries = 3

	// EventUploadCompleted is the event type of a finished upload.
	EventUploadCompleted = "upload_completed"
)

// Event is published once per completed upload.
type Event struct {
	EventType    string `json:"event_type"`
	Slot         string `json:"slot"`
	Filename     string `json:"filename"`
	MediaURL     string `json:"media_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	IsVideo      bool   `json:"is_video"`
	SizeBytes    int64  `json:"size_bytes"`
	Timestamp    string `json:"timestamp"`
}

// Completed builds the event of a finished upload.
func Completed(slot string, sizeBytes int64, result transport.Result, at time.Time) Event {
	return Event{
		EventType:    EventUploadCompleted,
		Slot:         slot,
		Filename:     result.Filename,
		MediaURL:     result.MediaURL,
		ThumbnailURL: result.ThumbnailURL,
		IsVideo:      result.IsVideo,
		SizeBytes:    sizeBytes,
		Timestamp:    at.UTC().Format(time.RFC3339),
	}
}

// Config ...
type Config struct {
	// URL format: redis://[:password@]host:port[/db]
	URL     string
	Channel string
	Timeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
}

// Publisher sends events via Redis PUBLISH.
type Publisher struct {
	config Config
	client *goredis.Client
	logger log.Logger
}

// New creates a Publisher. It does not connect until the first Publish.
func New(cfg Config, logger log.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis publisher requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Publisher{
		config: cfg,
		client: goredis.NewClient(opts),
		logger: logger,
	}, nil
}

// Channel ...
func (p *Publisher) Channel() string {
	return p.config.Channel
}

// Publish sends the event as JSON, retrying with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + p.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publish cancelled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			p.logger.Debugf("Publish to %s failed, retrying in %s: %s", p.config.Channel, backoff, lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		lastErr = p.client.Publish(publishCtx, p.config.Channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", attempts, lastErr)
}

// Close ...
func (p *Publisher) Close() error {
	return p.client.Close()
}
