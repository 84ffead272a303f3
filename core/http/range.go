package http

import (
	"strconv"
	"strings"
)

// Range is a byte range with an exclusive End. Before resolution a suffix
// range has Start -1 and End holding the suffix length; an open range has
// End -1.
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in a resolved range
func (r Range) Len() int64 { return r.End - r.Start }

type rangeResult int

const (
	rangeOK rangeResult = iota
	rangeIgnore
	rangeUnsatisfiable
)

// parseRanges parses a Range header of the form "bytes=a-b,c-,-n".
// It returns nil when the header is malformed or the ranges overlap or are
// out of order, in which case the header is ignored.
func parseRanges(value string) []Range {
	unit, set, ok := strings.Cut(value, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return nil
	}
	var ranges []Range
	for _, spec := range strings.Split(set, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		first, last, ok := strings.Cut(spec, "-")
		if !ok {
			return nil
		}
		first, last = strings.TrimSpace(first), strings.TrimSpace(last)
		switch {
		case first == "":
			n, ok := parseDigits(last)
			if !ok {
				return nil
			}
			ranges = append(ranges, Range{Start: -1, End: n})
		case last == "":
			s, ok := parseDigits(first)
			if !ok {
				return nil
			}
			ranges = append(ranges, Range{Start: s, End: -1})
		default:
			s, ok1 := parseDigits(first)
			e, ok2 := parseDigits(last)
			if !ok1 || !ok2 || e < s {
				return nil
			}
			ranges = append(ranges, Range{Start: s, End: e + 1})
		}
	}
	if len(ranges) == 0 {
		return nil
	}
	for i := 1; i < len(ranges); i++ {
		prev, cur := ranges[i-1], ranges[i]
		if prev.Start >= 0 && prev.End < 0 {
			return nil
		}
		if prev.Start >= 0 && cur.Start >= 0 && cur.Start < prev.End {
			return nil
		}
	}
	return ranges
}

// resolveRanges fixes suffix and open ranges against the entity length and
// drops unsatisfiable ones.
func resolveRanges(ranges []Range, length int64) ([]Range, rangeResult) {
	out := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		s, e := r.Start, r.End
		if s < 0 {
			if e <= 0 {
				continue
			}
			s = max(0, length-e)
			e = length
		} else if e < 0 || e > length {
			e = length
		}
		if s >= length || s >= e {
			continue
		}
		out = append(out, Range{Start: s, End: e})
	}
	if len(out) == 0 {
		return nil, rangeUnsatisfiable
	}
	for i := 1; i < len(out); i++ {
		if out[i].Start < out[i-1].End {
			return nil, rangeIgnore
		}
	}
	return out, rangeOK
}

func parseDigits(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
