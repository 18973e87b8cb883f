package media

import (
	"sort"

	"github.com/king-prawns/Tape/internal/models"
)

// gapTolerance joins ranges separated by less than this many seconds.
const gapTolerance = 0.01

func addRange(ranges []models.TimeRange, r models.TimeRange) []models.TimeRange {
	if r.End <= r.Start {
		return ranges
	}
	out := append(append([]models.TimeRange(nil), ranges...), r)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	merged := out[:1]
	for _, cur := range out[1:] {
		last := &merged[len(merged)-1]
		if cur.Start <= last.End+gapTolerance {
			last.End = max(last.End, cur.End)
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

func removeRange(ranges []models.TimeRange, start, end float64) []models.TimeRange {
	var out []models.TimeRange
	for _, r := range ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, models.TimeRange{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, models.TimeRange{Start: end, End: r.End})
		}
	}
	return out
}

func intersectRanges(a, b []models.TimeRange) []models.TimeRange {
	var out []models.TimeRange
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End, b[j].End)
		if start < end {
			out = append(out, models.TimeRange{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}
