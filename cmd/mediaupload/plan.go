package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/segment"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
)

func planCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Print how files would be split into segments",
		ArgsUsage: "FILE|PATTERN...",
		Action: func(c *cli.Context) error {
			logger := newLogger(c)
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			planner, err := segment.NewPlanner(cfg.PlannerConfig())
			if err != nil {
				return err
			}

			paths, err := selectFiles(c, logger)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tTYPE\tSIZE\tPLAN") //nolint:errcheck
			for _, path := range paths {
				file, err := media.Open(path)
				if err != nil {
					logger.Warnf("Skipping %s: %s", path, err)
					continue
				}
				plan, err := planner.Plan(file)
				file.Close() //nolint:errcheck
				if err != nil {
					logger.Warnf("Skipping %s: %s", path, err)
					continue
				}
				writePlan(w, file, plan)
			}
			return w.Flush()
		},
	}
}

func writePlan(w io.Writer, file *media.File, plan segment.Plan) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", file.Name, file.MIMEType, units.BytesSize(float64(file.Size)), describePlan(plan)) //nolint:errcheck
}

func describePlan(plan segment.Plan) string {
	if plan.Direct || len(plan.Segments) == 0 {
		return "direct"
	}
	last := plan.Segments[len(plan.Segments)-1].Range.Len()
	if last == plan.SegmentSize {
		return fmt.Sprintf("%d x %s", len(plan.Segments), units.BytesSize(float64(plan.SegmentSize)))
	}
	return fmt.Sprintf("%d x %s (last %s)", len(plan.Segments), units.BytesSize(float64(plan.SegmentSize)), units.BytesSize(float64(last)))
}
