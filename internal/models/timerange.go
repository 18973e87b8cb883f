package models

// TimeRange is a half-open buffered or seekable interval in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Contains reports whether t lies inside the range, end inclusive.
func (r TimeRange) Contains(t float64) bool {
	return t >= r.Start && t <= r.End
}

// Length is End - Start.
func (r TimeRange) Length() float64 {
	return r.End - r.Start
}

// TimeRangeAt returns the range containing t.
func TimeRangeAt(ranges []TimeRange, t float64) (TimeRange, bool) {
	for _, r := range ranges {
		if r.Contains(t) {
			return r, true
		}
	}
	return TimeRange{}, false
}

// Bounds returns the start of the first range and the end of the last one.
func Bounds(ranges []TimeRange) (TimeRange, bool) {
	if len(ranges) == 0 {
		return TimeRange{}, false
	}
	return TimeRange{Start: ranges[0].Start, End: ranges[len(ranges)-1].End}, true
}
