package media

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// ContentRange formats the range as an HTTP Content-Range value for a file of the given
// size. A negative total is written as "*".
func (r Range) ContentRange(total int64) string {
	size := "*"
	if total >= 0 {
		size = strconv.FormatInt(total, 10)
	}
	if r.Len() == 0 {
		return fmt.Sprintf("bytes */%s", size)
	}
	return fmt.Sprintf("bytes %d-%d/%s", r.Start, r.End-1, size)
}

// ParseContentRange parses "bytes start-end/total" into a Range and the total size.
// An unknown total ("*") is returned as -1.
func ParseContentRange(value string) (Range, int64, error) {
	spec, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return Range{}, 0, fmt.Errorf("invalid content range %q: missing bytes unit", value)
	}
	span, size, ok := strings.Cut(spec, "/")
	if !ok {
		return Range{}, 0, fmt.Errorf("invalid content range %q: missing size", value)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return Range{}, 0, fmt.Errorf("invalid content range %q: missing range", value)
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return Range{}, 0, fmt.Errorf("invalid content range %q: %w", value, err)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return Range{}, 0, fmt.Errorf("invalid content range %q: %w", value, err)
	}
	total := int64(-1)
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return Range{}, 0, fmt.Errorf("invalid content range %q: %w", value, err)
		}
	}

	if start < 0 || end < start || (total >= 0 && end >= total) {
		return Range{}, 0, fmt.Errorf("invalid content range %q", value)
	}
	return Range{Start: start, End: end + 1}, total, nil
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}
