package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-mediaupload/devserver"
	"github.com/bitrise-io/go-mediaupload/thumbnail"
	"github.com/urfave/cli/v2"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the local upload server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (default: server.addr of the config)",
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "Storage directory (default: server.root of the config)",
			},
		},
		Action: func(c *cli.Context) error {
			logger := newLogger(c)
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("addr") {
				cfg.Server.Addr = c.String("addr")
			}
			if c.IsSet("root") {
				cfg.Server.Root = c.String("root")
			}

			var thumbs *thumbnail.Extractor
			if cfg.Thumbnail.Enabled {
				thumbs = thumbnail.NewExtractor(cfg.ThumbnailConfig(), logger)
			}
			server, err := devserver.New(cfg.ServerConfig(), thumbs, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- server.Listen(cfg.Server.Addr) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			logger.Infof("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}
