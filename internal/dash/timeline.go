package dash

import (
	"errors"
	"fmt"
	"math"
)

// maxSegmentsPerRepresentation bounds open-ended expansions (r=-1, live
// numbering) against malformed manifests.
const maxSegmentsPerRepresentation = 100000

var errTooManySegments = errors.New("segment expansion exceeds limit")

// timelineEntry is one media segment in timescale units.
type timelineEntry struct {
	Time     uint64
	Duration uint64
	Number   uint64
}

// ConvertTimeline processes a SegmentTimeline and returns a flat list of
// segments. untilTime bounds r=-1 repeats of the final S element and is
// ignored when zero.
func ConvertTimeline(timeline *SegmentTimeline, startNumber, untilTime uint64) ([]timelineEntry, error) {
	var entries []timelineEntry
	var currentTime uint64
	number := startNumber

	for i, s := range timeline.Segments {
		// If t is specified, it's an absolute start time.
		if s.T != nil {
			currentTime = *s.T
		}
		if s.D == 0 {
			return nil, fmt.Errorf("segment timeline entry %d has zero duration", i)
		}

		repeat := s.R
		if repeat < 0 {
			end := untilTime
			if i+1 < len(timeline.Segments) && timeline.Segments[i+1].T != nil {
				end = *timeline.Segments[i+1].T
			}
			repeat = 0
			if end > currentTime {
				repeat = int(math.Ceil(float64(end-currentTime)/float64(s.D))) - 1
			}
		}

		// The r attribute specifies the number of following segments with the same duration.
		for n := 0; n <= repeat; n++ {
			if len(entries) >= maxSegmentsPerRepresentation {
				return nil, errTooManySegments
			}
			entries = append(entries, timelineEntry{Time: currentTime, Duration: s.D, Number: number})
			currentTime += s.D
			number++
		}
	}

	return entries, nil
}

// convertNumbered builds entries for a duration-based template.
// firstIndex and count are expressed in segments from the period start.
func convertNumbered(duration, startNumber, pto uint64, firstIndex, count int) ([]timelineEntry, error) {
	if duration == 0 {
		return nil, errors.New("segment template has neither a timeline nor a duration")
	}
	if count > maxSegmentsPerRepresentation {
		return nil, errTooManySegments
	}
	entries := make([]timelineEntry, 0, count)
	for i := firstIndex; i < firstIndex+count; i++ {
		entries = append(entries, timelineEntry{
			Time:     pto + uint64(i)*duration,
			Duration: duration,
			Number:   startNumber + uint64(i),
		})
	}
	return entries, nil
}
