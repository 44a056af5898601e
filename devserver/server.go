// Package devserver is a local reference implementation of the upload server. It speaks
// the wire format of transport/httpapi and keeps everything on the local disk.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/thumbnail"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofiber/fiber/v2"
	"github.com/robfig/cron/v3"
)

const thumbnailName = "thumbnail.jpg"

// Config ...
type Config struct {
	Root string
	// PublicURL prefixes the media URLs handed out to clients.
	PublicURL string
	// Token, when set, is required as a bearer token on every upload request.
	Token string
	// StaleAfter is how long a pending upload may stay untouched before the janitor removes it.
	StaleAfter time.Duration
	// Sweep is the cron schedule of the janitor.
	Sweep     string
	BodyLimit int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Root:       ".mediaupload",
		PublicURL:  "http://localhost:8080",
		StaleAfter: 24 * time.Hour,
		Sweep:      "@every 5m",
		BodyLimit:  256 * 1024 * 1024,
	}
}

// Server serves the upload API.
type Server struct {
	config Config
	store  *Store
	thumbs *thumbnail.Extractor
	logger log.Logger
	app    *fiber.App
	cron   *cron.Cron
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates the server and its storage. thumbs may be nil to disable previews.
func New(config Config, thumbs *thumbnail.Extractor, logger log.Logger) (*Server, error) {
	defaults := DefaultConfig()
	if config.Root == "" {
		config.Root = defaults.Root
	}
	if config.PublicURL == "" {
		config.PublicURL = defaults.PublicURL
	}
	if _, err := url.ParseRequestURI(config.PublicURL); err != nil {
		return nil, fmt.Errorf("invalid public URL: %w", err)
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.Sweep == "" {
		config.Sweep = defaults.Sweep
	}
	if config.BodyLimit <= 0 {
		config.BodyLimit = defaults.BodyLimit
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	store, err := NewStore(config.Root)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: config,
		store:  store,
		thumbs: thumbs,
		logger: logger,
		cron:   cron.New(),
	}
	if _, err := s.cron.AddFunc(config.Sweep, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Sweep, err)
	}

	s.app = fiber.New(fiber.Config{
		BodyLimit:             config.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Use(s.logRequests)
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	s.app.Static("/media", s.store.MediaDir())

	s.app.Post("/uploads", s.authorize, s.initiate)
	s.app.Put("/uploads/:id/segments/:index", s.authorize, s.putSegment)
	s.app.Post("/uploads/:id/finalize", s.authorize, s.finalize)
	s.app.Delete("/uploads/:id", s.authorize, s.abort)
	s.app.Post("/media", s.authorize, s.uploadDirect)
}

// App exposes the fiber app, e.g. for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Store ...
func (s *Server) Store() *Store {
	return s.store
}

// Listen starts the janitor and serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.cron.Start()
	s.logger.Infof("Serving uploads on %s (storage: %s)", addr, s.config.Root)
	return s.app.Listen(addr)
}

// Shutdown stops the janitor and the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	<-s.cron.Stop().Done()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) sweep() {
	removed, err := s.store.Sweep(s.config.StaleAfter)
	if err != nil {
		s.logger.Warnf("Failed to remove stale uploads: %s", err)
		return
	}
	if removed > 0 {
		s.logger.Infof("Removed %d stale upload(s)", removed)
	}
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debugf("%s %s -> %d (%s)", c.Method(), c.Path(), c.Response().StatusCode(), time.Since(start).Round(time.Millisecond))
	return err
}

func (s *Server) authorize(c *fiber.Ctx) error {
	if s.config.Token == "" {
		return c.Next()
	}
	if c.Get(fiber.HeaderAuthorization) != "Bearer "+s.config.Token {
		return fiber.NewError(fiber.StatusUnauthorized, "missing or invalid bearer token")
	}
	return c.Next()
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
	case errors.Is(err, ErrUploadNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, ErrSegmentMismatch):
		code = fiber.StatusBadRequest
	case errors.Is(err, ErrIncomplete):
		code = fiber.StatusConflict
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Errorf("%s %s: %s", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}

func (s *Server) initiate(c *fiber.Ctx) error {
	var meta transport.Metadata
	if err := c.BodyParser(&meta); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if meta.Filename == "" || meta.SizeBytes <= 0 || meta.SegmentCount < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "filename and a positive size_bytes are required")
	}

	id, err := s.store.Create(meta)
	if err != nil {
		return err
	}
	s.logger.Debugf("Upload %s initiated: %s (%d bytes, %d segments)", id, meta.Filename, meta.SizeBytes, meta.SegmentCount)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"upload_id": id})
}

func (s *Server) putSegment(c *fiber.Ctx) error {
	index, err := c.ParamsInt("index")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid segment index")
	}
	r, total, err := media.ParseContentRange(c.Get(fiber.HeaderContentRange))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	etag, err := s.store.WriteSegment(c.Params("id"), index, r, total, c.Body())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"index": index, "etag": etag})
}

func (s *Server) finalize(c *fiber.Ctx) error {
	var params transport.FinalizeParams
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&params); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}

	assembled, err := s.store.Assemble(c.Params("id"))
	if err != nil {
		return err
	}
	result, err := s.publish(c.UserContext(), assembled)
	if err != nil {
		return err
	}
	s.logger.Donef("Upload %s finalized for %q: %s", assembled.ID, params.PostType, result.MediaURL)
	return c.JSON(result)
}

func (s *Server) uploadDirect(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "file is required")
	}
	f, err := header.Open()
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	assembled, err := s.store.SaveDirect(header.Filename, header.Header.Get(fiber.HeaderContentType), f)
	if err != nil {
		return err
	}
	result, err := s.publish(c.UserContext(), assembled)
	if err != nil {
		return err
	}
	s.logger.Donef("Direct upload %s stored for %q: %s", assembled.ID, c.FormValue("post_type"), result.MediaURL)
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (s *Server) abort(c *fiber.Ctx) error {
	if err := s.store.Abort(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// publish checks that the stored file is an image or a video, renders its thumbnail and
// builds the descriptor. Other files are rejected with 422 and removed.
func (s *Server) publish(ctx context.Context, assembled Assembled) (transport.Result, error) {
	file, err := media.Open(assembled.Path)
	if err != nil {
		return transport.Result{}, err
	}
	defer file.Close() //nolint:errcheck

	if !file.IsImage() && !file.IsVideo() {
		if err := os.RemoveAll(filepath.Dir(assembled.Path)); err != nil {
			s.logger.Warnf("Failed to remove rejected upload %s: %s", assembled.ID, err)
		}
		return transport.Result{}, fiber.NewError(fiber.StatusUnprocessableEntity, fmt.Sprintf("unsupported media type %s", file.MIMEType))
	}

	result := transport.Result{
		MediaURL: s.mediaURL(assembled.ID, assembled.Filename),
		Filename: assembled.Filename,
		IsVideo:  file.IsVideo(),
	}
	if s.thumbs == nil {
		return result, nil
	}

	preview, err := s.thumbs.Extract(ctx, file)
	if err != nil {
		if !errors.Is(err, thumbnail.ErrUnsupported) {
			s.logger.Warnf("Failed to render thumbnail of %s: %s", assembled.ID, err)
		}
		return result, nil
	}
	thumbPath := filepath.Join(filepath.Dir(assembled.Path), thumbnailName)
	if err := os.WriteFile(thumbPath, preview.Data, 0o644); err != nil {
		s.logger.Warnf("Failed to store thumbnail of %s: %s", assembled.ID, err)
		return result, nil
	}
	result.ThumbnailURL = s.mediaURL(assembled.ID, thumbnailName)
	return result, nil
}

func (s *Server) mediaURL(id, filename string) string {
	return fmt.Sprintf("%s/media/%s/%s", strings.TrimSuffix(s.config.PublicURL, "/"), id, url.PathEscape(filename))
}
