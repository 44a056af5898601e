package main

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	"github.com/bitrise-io/go-mediaupload/config"
	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/segment"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestDescribePlan(t *testing.T) {
	planner, err := segment.NewPlanner(segment.PlannerConfig{DirectThreshold: 1024, SegmentSize: 1024})
	require.NoError(t, err)

	tests := []struct {
		name string
		size int
		want string
	}{
		{name: "below threshold", size: 512, want: "direct"},
		{name: "even split", size: 4096, want: "4 x 1KiB"},
		{name: "short last segment", size: 2560, want: "3 x 1KiB (last 512B)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := planner.Plan(media.FromBytes("clip.mp4", "video/mp4", make([]byte, tt.size)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, describePlan(plan))
		})
	}
}

func TestWritePlan(t *testing.T) {
	planner, err := segment.NewPlanner(segment.PlannerConfig{DirectThreshold: 1024, SegmentSize: 1024})
	require.NoError(t, err)
	file := media.FromBytes("clip.mp4", "video/mp4", make([]byte, 2048))
	plan, err := planner.Plan(file)
	require.NoError(t, err)

	var buf bytes.Buffer
	writePlan(&buf, file, plan)
	assert.Equal(t, "clip.mp4\tvideo/mp4\t2KiB\t2 x 1KiB\n", buf.String())
}

func TestWriteOutcomes(t *testing.T) {
	var buf bytes.Buffer
	failed, err := writeOutcomes(&buf, []outcome{
		{Path: "a.png", Result: transport.Result{MediaURL: "https://cdn/a.png", Filename: "a.png"}},
		{Path: "b.mp4", Error: "upload failed"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"path":"a.png","media_url":"https://cdn/a.png","filename":"a.png","is_video":false}`, lines[0])
	assert.JSONEq(t, `{"path":"b.mp4","media_url":"","filename":"","is_video":false,"error":"upload failed"}`, lines[1])
}

func TestApplyUploadFlags(t *testing.T) {
	set := flag.NewFlagSet("upload", flag.ContinueOnError)
	for _, f := range uploadCommand().Flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse([]string{"--backend", "s3", "--concurrency", "7", "--no-thumbnails", "clip.mp4"}))
	c := cli.NewContext(cli.NewApp(), set, nil)

	cfg := config.Default()
	applyUploadFlags(c, &cfg)

	assert.Equal(t, config.BackendS3, cfg.Upload.Backend)
	assert.Equal(t, 7, cfg.Upload.Concurrency)
	assert.False(t, cfg.Thumbnail.Enabled)
	assert.Equal(t, config.Default().Upload.PostType, cfg.Upload.PostType)
}
