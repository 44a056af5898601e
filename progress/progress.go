// Package progress projects upload state into the status a compose form displays.
package progress

import (
	"fmt"

	"github.com/docker/go-units"
)

// Phase is the coarse phase shown to the user.
type Phase string

const (
	PhaseUploading  Phase = "uploading"
	PhaseFinalizing Phase = "finalizing"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

// Stage is the session lifecycle stage the status is derived from.
type Stage int

const (
	StagePlanning Stage = iota
	StageUploading
	StageFinalizing
	StageCompleted
	StageFailed
)

// State is the input of Report.
type State struct {
	Stage         Stage
	Direct        bool
	IsVideo       bool
	TotalBytes    int64
	UploadedBytes int64
	Retries       int
	Err           error
}

// Status is what progress callbacks receive.
type Status struct {
	Percent int    `json:"percent"`
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
}

// Report maps a state to its status. It is a pure function.
func Report(s State) Status {
	switch s.Stage {
	case StageFinalizing:
		msg := "Processing upload..."
		if s.IsVideo {
			msg = "Processing video..."
		}
		return Status{Percent: 100, Phase: PhaseFinalizing, Message: msg}
	case StageCompleted:
		return Status{Percent: 100, Phase: PhaseDone, Message: "Upload complete"}
	case StageFailed:
		msg := "Upload failed"
		if s.Err != nil {
			msg = fmt.Sprintf("Upload failed: %s", s.Err)
		}
		return Status{Percent: uploadedPercent(s), Phase: PhaseError, Message: msg}
	}

	msg := fmt.Sprintf("Uploading %s", units.BytesSize(float64(s.TotalBytes)))
	if !s.Direct {
		msg = fmt.Sprintf("Uploading %s of %s",
			units.BytesSize(float64(s.UploadedBytes)), units.BytesSize(float64(s.TotalBytes)))
	}
	if s.Retries > 0 {
		msg = fmt.Sprintf("%s (retry %d)", msg, s.Retries)
	}
	return Status{Percent: uploadedPercent(s), Phase: PhaseUploading, Message: msg}
}

func uploadedPercent(s State) int {
	if s.Direct || s.TotalBytes <= 0 {
		return 0
	}
	uploaded := s.UploadedBytes
	if uploaded > s.TotalBytes {
		uploaded = s.TotalBytes
	}
	if uploaded < 0 {
		uploaded = 0
	}
	return int(uploaded * 100 / s.TotalBytes)
}
