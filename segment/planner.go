// Package segment plans byte-range segments for a file and uploads single segments with
// bounded retry, hung-attempt detection and cancellation.
package segment

import (
	"fmt"

	"github.com/bitrise-io/go-mediaupload/media"
)

const (
	// DefaultDirectThreshold is the largest video size that is still sent in one request.
	DefaultDirectThreshold int64 = 20 * 1024 * 1024
	// DefaultSegmentSize is the size of every segment but the last.
	DefaultSegmentSize int64 = 5 * 1024 * 1024

	minSuggestedSegmentSize uint64 = 5 * 1024 * 1024
	maxSuggestedSegmentSize uint64 = 100 * 1024 * 1024
)

// Status is the upload status of one segment.
type Status int

const (
	Pending Status = iota
	InFlight
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Descriptor is one segment of a plan.
type Descriptor struct {
	Index    int
	Range    media.Range
	Attempts int
	Status   Status
}

// Plan is the output of the planner.
type Plan struct {
	// Direct plans are sent in one request and carry a single implicit segment.
	Direct      bool
	Size        int64
	SegmentSize int64
	Segments    []Descriptor
}

// PlannerConfig holds the planner's thresholds.
type PlannerConfig struct {
	// DirectThreshold: files of at most this size are uploaded directly.
	DirectThreshold int64
	// SegmentSize of zero derives a size from the file size and Concurrency.
	SegmentSize int64
	Concurrency int
}

// DefaultPlannerConfig ...
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		DirectThreshold: DefaultDirectThreshold,
		SegmentSize:     DefaultSegmentSize,
		Concurrency:     DefaultConcurrency(),
	}
}

// Planner decides between the direct and the chunked path.
type Planner struct {
	config PlannerConfig
}

// NewPlanner validates the config and returns a Planner.
func NewPlanner(config PlannerConfig) (Planner, error) {
	if config.DirectThreshold < 0 {
		return Planner{}, fmt.Errorf("direct threshold must not be negative, got %d", config.DirectThreshold)
	}
	if config.SegmentSize < 0 {
		return Planner{}, fmt.Errorf("segment size must not be negative, got %d", config.SegmentSize)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency()
	}
	return Planner{config: config}, nil
}

// Plan computes the upload plan of a file. It has no side effects.
func (p Planner) Plan(file *media.File) (Plan, error) {
	if file == nil {
		return Plan{}, fmt.Errorf("no file to plan")
	}
	if file.Size < 0 {
		return Plan{}, fmt.Errorf("invalid file size %d", file.Size)
	}

	if file.Size <= p.config.DirectThreshold || !file.IsVideo() {
		return Plan{
			Direct:      true,
			Size:        file.Size,
			SegmentSize: file.Size,
			Segments: []Descriptor{{
				Index: 0,
				Range: media.Range{Start: 0, End: file.Size},
			}},
		}, nil
	}

	segmentSize := p.config.SegmentSize
	if segmentSize == 0 {
		segmentSize = SuggestSegmentSize(file.Size, p.config.Concurrency)
	}

	return Plan{
		Size:        file.Size,
		SegmentSize: segmentSize,
		Segments:    Split(file.Size, segmentSize),
	}, nil
}

// Split cuts [0, size) into ceil(size/segmentSize) contiguous ranges; the last may be shorter.
func Split(size, segmentSize int64) []Descriptor {
	if size <= 0 || segmentSize <= 0 {
		return nil
	}

	count := (size + segmentSize - 1) / segmentSize
	segments := make([]Descriptor, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * segmentSize
		end := start + segmentSize
		if end > size {
			end = size
		}
		segments = append(segments, Descriptor{
			Index: int(i),
			Range: media.Range{Start: start, End: end},
		})
	}
	return segments
}

// SuggestSegmentSize picks a segment size so the fan-out stays busy without producing
// tiny segments.
func SuggestSegmentSize(totalSize int64, concurrency int) int64 {
	if totalSize <= 0 || concurrency <= 0 {
		return int64(minSuggestedSegmentSize)
	}
	return int64(suggestSegmentSize(uint64(totalSize), minSuggestedSegmentSize, maxSuggestedSegmentSize, uint64(concurrency)))
}

func suggestSegmentSize(totalSize, min, max, concurrency uint64) uint64 {
	cs := totalSize / concurrency

	// Halve very large segments to keep some parallelism in the tail.
	if cs >= max {
		cs = cs / 2
	}

	if cs < min {
		cs = min
	}

	if max > 0 && cs > max {
		cs = max
	}

	return cs
}
