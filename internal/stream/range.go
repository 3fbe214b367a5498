package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable is returned for a range outside the file.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

// Len is the number of bytes in the range.
func (r Range) Len() int64 { return r.End - r.Start + 1 }

// ContentRange formats the Content-Range header value for a file of size bytes.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses a Range header against a file of size bytes. An empty
// header, a unit other than bytes, or a multi-range request yields nil,
// meaning the whole file is served.
func ParseRange(header string, size int64) (*Range, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}
	from, to, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, ErrRangeNotSatisfiable
	}

	var r Range
	switch {
	case from == "":
		suffix, err := strconv.ParseInt(to, 10, 64)
		if err != nil || suffix <= 0 || size == 0 {
			return nil, ErrRangeNotSatisfiable
		}
		r = Range{Start: max(size-suffix, 0), End: size - 1}
	default:
		start, err := strconv.ParseInt(from, 10, 64)
		if err != nil || start < 0 || start >= size {
			return nil, ErrRangeNotSatisfiable
		}
		r = Range{Start: start, End: size - 1}
		if to != "" {
			end, err := strconv.ParseInt(to, 10, 64)
			if err != nil || end < start {
				return nil, ErrRangeNotSatisfiable
			}
			r.End = min(end, size-1)
		}
	}
	return &r, nil
}

// ChunkCount is the number of chunks a file of size bytes splits into.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkSizes lists the size of every chunk of a file of size bytes.
func ChunkSizes(size, chunkSize int64) []int64 {
	n := ChunkCount(size, chunkSize)
	sizes := make([]int64, n)
	for i := range sizes {
		sizes[i] = chunkSize
	}
	if n > 0 {
		sizes[n-1] = size - chunkSize*int64(n-1)
	}
	return sizes
}
