// Package metrics counts upload pipeline outcomes and exposes them to Prometheus.
//
// A nil *Collector is valid and ignores every call, so components can record metrics
// without checking whether a collector was configured.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mediaupload"

// Snapshot is an immutable copy of the counters.
type Snapshot struct {
	SessionsStarted    int64 `json:"sessions_started"`
	SessionsCompleted  int64 `json:"sessions_completed"`
	SessionsFailed     int64 `json:"sessions_failed"`
	SessionsSuperseded int64 `json:"sessions_superseded"`
	DirectUploads      int64 `json:"direct_uploads"`
	SegmentsUploaded   int64 `json:"segments_uploaded"`
	SegmentRetries     int64 `json:"segment_retries"`
	BytesUploaded      int64 `json:"bytes_uploaded"`
	ThumbnailsFailed   int64 `json:"thumbnails_failed"`
}

// Collector is safe for concurrent use.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector ...
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) add(fn func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.s)
}

// IncSessionStarted counts a new session.
func (c *Collector) IncSessionStarted() { c.add(func(s *Snapshot) { s.SessionsStarted++ }) }

// IncSessionCompleted counts a session that reached Completed.
func (c *Collector) IncSessionCompleted() { c.add(func(s *Snapshot) { s.SessionsCompleted++ }) }

// IncSessionFailed counts a session that reached Failed.
func (c *Collector) IncSessionFailed() { c.add(func(s *Snapshot) { s.SessionsFailed++ }) }

// IncSessionSuperseded counts a session that reached Superseded.
func (c *Collector) IncSessionSuperseded() { c.add(func(s *Snapshot) { s.SessionsSuperseded++ }) }

// IncDirectUpload counts a completed direct upload of n bytes.
func (c *Collector) IncDirectUpload(n int64) {
	c.add(func(s *Snapshot) {
		s.DirectUploads++
		s.BytesUploaded += n
	})
}

// IncSegmentUploaded counts a committed segment of n bytes.
func (c *Collector) IncSegmentUploaded(n int64) {
	c.add(func(s *Snapshot) {
		s.SegmentsUploaded++
		s.BytesUploaded += n
	})
}

// IncSegmentRetry counts a retried segment attempt.
func (c *Collector) IncSegmentRetry() { c.add(func(s *Snapshot) { s.SegmentRetries++ }) }

// IncThumbnailFailed counts a failed preview extraction.
func (c *Collector) IncThumbnailFailed() { c.add(func(s *Snapshot) { s.ThumbnailsFailed++ }) }

// Snapshot returns a copy of the counters. A nil collector returns zeros.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

var descs = []struct {
	desc  *prometheus.Desc
	value func(s Snapshot) int64
}{
	{counterDesc("sessions_started_total", "Upload sessions started."), func(s Snapshot) int64 { return s.SessionsStarted }},
	{counterDesc("sessions_completed_total", "Upload sessions completed."), func(s Snapshot) int64 { return s.SessionsCompleted }},
	{counterDesc("sessions_failed_total", "Upload sessions failed."), func(s Snapshot) int64 { return s.SessionsFailed }},
	{counterDesc("sessions_superseded_total", "Upload sessions superseded by a newer selection."), func(s Snapshot) int64 { return s.SessionsSuperseded }},
	{counterDesc("direct_uploads_total", "Files uploaded in a single request."), func(s Snapshot) int64 { return s.DirectUploads }},
	{counterDesc("segments_uploaded_total", "Segments committed."), func(s Snapshot) int64 { return s.SegmentsUploaded }},
	{counterDesc("segment_retries_total", "Segment attempts that were retried."), func(s Snapshot) int64 { return s.SegmentRetries }},
	{counterDesc("uploaded_bytes_total", "Bytes committed by segments and direct uploads."), func(s Snapshot) int64 { return s.BytesUploaded }},
	{counterDesc("thumbnails_failed_total", "Preview extractions that failed."), func(s Snapshot) int64 { return s.ThumbnailsFailed }},
}

func counterDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.Snapshot()
	for _, d := range descs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(snap)))
	}
}

// WriteTextfile writes the counters in the Prometheus text format, for node_exporter's
// textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(c); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, registry)
}

var _ prometheus.Collector = (*Collector)(nil)
