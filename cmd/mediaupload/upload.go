package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bitrise-io/go-mediaupload/attachment"
	"github.com/bitrise-io/go-mediaupload/config"
	"github.com/bitrise-io/go-mediaupload/internal/tui"
	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/metrics"
	"github.com/bitrise-io/go-mediaupload/notify"
	"github.com/bitrise-io/go-mediaupload/progress"
	"github.com/bitrise-io/go-mediaupload/segment"
	"github.com/bitrise-io/go-mediaupload/thumbnail"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-mediaupload/transport/httpapi"
	"github.com/bitrise-io/go-mediaupload/transport/s3store"
	versionpkg "github.com/bitrise-io/go-mediaupload/version"
	"github.com/bitrise-io/go-utils/v2/log"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
)

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload media files and print one result descriptor per line",
		ArgsUsage: "FILE|PATTERN...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Usage: "Upload backend: http or s3"},
			&cli.StringFlag{Name: "post-type", Usage: "Post type the media is attached to"},
			&cli.IntFlag{Name: "concurrency", Usage: "Segments uploaded in parallel per file"},
			&cli.StringFlag{Name: "redis-url", Usage: "Publish completion events to this Redis"},
			&cli.StringFlag{Name: "metrics-textfile", Usage: "Write upload counters to this file"},
			&cli.BoolFlag{Name: "no-thumbnails", Usage: "Skip rendering previews"},
			&cli.BoolFlag{Name: "tui", Usage: "Show interactive progress bars"},
		},
		Action: runUpload,
	}
}

// outcome is one line of the upload output.
type outcome struct {
	Path string `json:"path"`
	transport.Result
	Error string `json:"error,omitempty"`
}

func applyUploadFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("backend") {
		cfg.Upload.Backend = c.String("backend")
	}
	if c.IsSet("post-type") {
		cfg.Upload.PostType = c.String("post-type")
	}
	if c.IsSet("concurrency") {
		cfg.Upload.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("redis-url") {
		cfg.Redis.URL = c.String("redis-url")
	}
	if c.IsSet("metrics-textfile") {
		cfg.Metrics.Textfile = c.String("metrics-textfile")
	}
	if c.Bool("no-thumbnails") {
		cfg.Thumbnail.Enabled = false
	}
}

func newBackend(ctx context.Context, cfg *config.Config, logger log.Logger) (transport.Backend, error) {
	switch cfg.Upload.Backend {
	case config.BackendS3:
		return s3store.New(ctx, cfg.S3Config(), logger)
	default:
		return httpapi.New(cfg.HTTPConfig(), logger)
	}
}

func runUpload(c *cli.Context) error {
	logger := newLogger(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyUploadFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("Invalid configuration:\n%s", err), 2)
	}

	paths, err := selectFiles(c, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	planner, err := segment.NewPlanner(cfg.PlannerConfig())
	if err != nil {
		return err
	}
	uploader := segment.New(cfg.RetryConfig(), logger)
	collector := metrics.NewCollector()

	var thumbs *thumbnail.Extractor
	if cfg.Thumbnail.Enabled {
		thumbs = thumbnail.NewExtractor(cfg.ThumbnailConfig(), logger)
	}

	var publisher *notify.Publisher
	if cfg.Redis.URL != "" {
		publisher, err = notify.New(cfg.NotifyConfig(), logger)
		if err != nil {
			return err
		}
		defer publisher.Close() //nolint:errcheck
	}

	var program *tea.Program
	if c.Bool("tui") {
		program = tea.NewProgram(tui.New(paths))
	}

	guard := versionpkg.NewGuard()
	var slots []*attachment.Slot
	var sizes []int64
	defer func() {
		for _, slot := range slots {
			_ = slot.Close()
		}
	}()

	for _, path := range paths {
		file, err := media.Open(path)
		if err != nil {
			return err
		}
		slot, err := attachment.NewSlot(path, guard, attachment.Options{
			Backend:     backend,
			Planner:     planner,
			Uploader:    uploader,
			Concurrency: cfg.Upload.Concurrency,
			PostType:    cfg.Upload.PostType,
			Thumbnails:  thumbs,
			Logger:      logger,
			Metrics:     collector,
		})
		if err != nil {
			file.Close() //nolint:errcheck
			return err
		}
		watch(slot, path, program, logger)
		slots = append(slots, slot)
		sizes = append(sizes, file.Size)
		slot.Select(file)
	}

	outcomes := make([]outcome, len(slots))
	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot *attachment.Slot) {
			defer wg.Done()
			result, err := slot.Wait(ctx)
			outcomes[i] = outcome{Path: paths[i], Result: result}
			if err != nil {
				outcomes[i].Error = err.Error()
				return
			}
			if publisher != nil {
				event := notify.Completed(slot.ID(), sizes[i], result, time.Now())
				if err := publisher.Publish(ctx, event); err != nil {
					logger.Warnf("Failed to publish completion of %s: %s", paths[i], err)
				}
			}
		}(i, slot)
	}

	if program != nil {
		final, err := program.Run()
		if err != nil {
			logger.Warnf("Progress display failed: %s", err)
		} else if m, ok := final.(tui.Model); ok && m.Interrupted {
			stop()
		}
	}
	wg.Wait()

	if cfg.Metrics.Textfile != "" {
		if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warnf("Failed to write metrics to %s: %s", cfg.Metrics.Textfile, err)
		}
	}

	failed, err := writeOutcomes(os.Stdout, outcomes)
	if err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d upload(s) failed", failed, len(outcomes)), 1)
	}
	return nil
}

// watch routes the slot's callbacks to the progress display, or to the log without one.
func watch(slot *attachment.Slot, path string, program *tea.Program, logger log.Logger) {
	if program != nil {
		slot.OnProgress(func(s progress.Status) { program.Send(tui.ProgressMsg{Name: path, Status: s}) })
		slot.OnComplete(func(r transport.Result) { program.Send(tui.DoneMsg{Name: path, Result: r}) })
		slot.OnError(func(err error) { program.Send(tui.ErrorMsg{Name: path, Err: err}) })
		return
	}

	var phase progress.Phase
	slot.OnProgress(func(s progress.Status) {
		if s.Phase != phase {
			phase = s.Phase
			logger.Infof("%s: %s", path, s.Message)
			return
		}
		logger.Debugf("%s: %d%%", path, s.Percent)
	})
	slot.OnComplete(func(r transport.Result) { logger.Donef("%s: %s", path, r.MediaURL) })
	slot.OnError(func(err error) { logger.Errorf("%s: %s", path, err) })
	slot.OnThumbnail(func(p thumbnail.Preview) {
		logger.Debugf("%s: preview rendered (%dx%d)", path, p.Width, p.Height)
	})
}

// writeOutcomes prints one JSON document per line and returns the number of failures.
func writeOutcomes(w io.Writer, outcomes []outcome) (int, error) {
	enc := json.NewEncoder(w)
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
		if err := enc.Encode(o); err != nil {
			return failed, err
		}
	}
	return failed, nil
}
