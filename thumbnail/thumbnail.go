// Package thumbnail renders a small JPEG preview of a selected image or video.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/disintegration/imaging"
)

// ErrUnsupported is returned for files no preview can be rendered for.
var ErrUnsupported = errors.New("thumbnail: unsupported media")

const previewMIMEType = "image/jpeg"

// Config ...
type Config struct {
	Width   int
	Height  int
	Quality int
	// FFmpeg is the binary used to grab a video frame.
	FFmpeg string
	// Seek is the position of the grabbed frame.
	Seek time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Width:   320,
		Height:  320,
		Quality: 80,
		FFmpeg:  "ffmpeg",
		Seek:    time.Second,
	}
}

// Preview is an encoded JPEG thumbnail.
type Preview struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// Extractor ...
type Extractor struct {
	config Config
	logger log.Logger
}

// NewExtractor creates an Extractor. Zero config fields fall back to DefaultConfig.
func NewExtractor(config Config, logger log.Logger) *Extractor {
	defaults := DefaultConfig()
	if config.Width <= 0 {
		config.Width = defaults.Width
	}
	if config.Height <= 0 {
		config.Height = defaults.Height
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = defaults.Quality
	}
	if config.FFmpeg == "" {
		config.FFmpeg = defaults.FFmpeg
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Extractor{config: config, logger: logger}
}

// Extract renders a preview of file. Images are decoded in memory; videos need an on-disk
// path and an ffmpeg binary.
func (e *Extractor) Extract(ctx context.Context, file *media.File) (Preview, error) {
	if file == nil {
		return Preview{}, ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return Preview{}, err
	}

	switch {
	case file.IsImage():
		img, err := imaging.Decode(file.Reader(), imaging.AutoOrientation(true))
		if err != nil {
			return Preview{}, fmt.Errorf("decode %s: %w", file.Name, err)
		}
		return e.encode(img)
	case file.IsVideo() && file.Path != "":
		img, err := e.grabFrame(ctx, file.Path)
		if err != nil {
			return Preview{}, err
		}
		return e.encode(img)
	default:
		return Preview{}, fmt.Errorf("%w: %s (%s)", ErrUnsupported, file.Name, file.MIMEType)
	}
}

func (e *Extractor) encode(img image.Image) (Preview, error) {
	fitted := imaging.Fit(img, e.config.Width, e.config.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(e.config.Quality)); err != nil {
		return Preview{}, fmt.Errorf("encode preview: %w", err)
	}

	bounds := fitted.Bounds()
	return Preview{
		Data:     buf.Bytes(),
		MIMEType: previewMIMEType,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}

func (e *Extractor) grabFrame(ctx context.Context, videoPath string) (image.Image, error) {
	tmpDir, err := os.MkdirTemp("", "mediaupload-thumbnail")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warnf("Failed to remove %s: %s", tmpDir, err)
		}
	}()

	framePath := filepath.Join(tmpDir, "frame.jpg")
	args := []string{
		"-ss", strconv.FormatFloat(e.config.Seek.Seconds(), 'f', 3, 64),
		"-i", videoPath,
		"-vframes", "1",
		"-y",
		framePath,
	}
	// ffmpeg is killed when ctx ends; the temp dir is removed only after it exited.
	cmd := exec.CommandContext(ctx, e.config.FFmpeg, args...)
	cmd.WaitDelay = time.Second
	printable := e.config.FFmpeg + " " + strings.Join(args, " ")
	e.logger.Debugf("$ %s", printable)

	out, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), printable, errors.New(strings.TrimSpace(string(out))))
		}
		return nil, fmt.Errorf("executing command failed (%s): %w", printable, err)
	}

	img, err := imaging.Open(framePath)
	if err != nil {
		return nil, fmt.Errorf("open extracted frame: %w", err)
	}
	return img, nil
}
