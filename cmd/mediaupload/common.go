package main

import (
	"fmt"

	"github.com/bitrise-io/go-mediaupload/config"
	"github.com/bitrise-io/go-mediaupload/internal/selection"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/urfave/cli/v2"
)

func newLogger(c *cli.Context) log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.Bool("verbose"))
	return logger
}

// loadConfig reads --config on top of the defaults. Without the flag the defaults are used.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	cfg, err := config.Load(path, env.NewRepository())
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func selectFiles(c *cli.Context, logger log.Logger) ([]string, error) {
	if c.NArg() == 0 {
		return nil, cli.Exit(fmt.Sprintf("usage: mediaupload %s %s", c.Command.Name, c.Command.ArgsUsage), 2)
	}
	paths := selection.NewEvaluator(nil, nil, logger).Evaluate(c.Args().Slice())
	if len(paths) == 0 {
		return nil, cli.Exit("no files matched", 1)
	}
	return paths, nil
}
