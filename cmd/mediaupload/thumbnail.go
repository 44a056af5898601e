package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/thumbnail"
	"github.com/urfave/cli/v2"
)

func thumbnailCommand() *cli.Command {
	return &cli.Command{
		Name:      "thumbnail",
		Usage:     "Render the preview of an image or video",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Where to write the JPEG preview (default: FILE.thumb.jpg)",
			},
		},
		Action: func(c *cli.Context) error {
			logger := newLogger(c)
			if c.NArg() != 1 {
				return cli.Exit("usage: mediaupload thumbnail FILE [--output out.jpg]", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			file, err := media.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer file.Close() //nolint:errcheck

			preview, err := thumbnail.NewExtractor(cfg.ThumbnailConfig(), logger).Extract(c.Context, file)
			if err != nil {
				return fmt.Errorf("render preview: %w", err)
			}

			output := c.String("output")
			if output == "" {
				output = strings.TrimSuffix(file.Path, filepath.Ext(file.Path)) + ".thumb.jpg"
			}
			if err := os.WriteFile(output, preview.Data, 0o644); err != nil {
				return err
			}
			logger.Donef("Preview written to %s (%dx%d)", output, preview.Width, preview.Height)
			return nil
		},
	}
}
