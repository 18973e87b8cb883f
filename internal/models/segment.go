package models

import (
	"errors"
	"fmt"
)

// ErrSegmentOrder is returned by ValidateSegments for a malformed segment list.
var ErrSegmentOrder = errors.New("invalid segment sequence")

// InbandEventStream describes an event stream carried inside media segments.
type InbandEventStream struct {
	SchemeIDURI string
	Value       string
}

// Segment represents a single fetchable unit of a representation.
// ID 0 is the initialization segment; media segments are numbered from 1.
type Segment struct {
	ID                 int
	URL                string
	ContentType        ContentType
	MimeType           string
	Codecs             string
	Time               float64 // presentation start time, seconds
	Duration           float64 // seconds
	Offset             float64 // presentationTimeOffset, seconds
	PeriodID           string
	PeriodStart        float64
	RepresentationID   string
	InbandEventStreams []InbandEventStream
}

// IsInit reports whether this is the initialization segment.
func (s Segment) IsInit() bool {
	return s.ID == 0
}

// End is the presentation end time of the segment.
func (s Segment) End() float64 {
	return s.Time + s.Duration
}

// TimestampOffset is the offset the buffer applies to media timestamps.
func (s Segment) TimestampOffset() float64 {
	return s.PeriodStart - s.Offset
}

// DataSegment is a downloaded segment waiting to be appended.
type DataSegment struct {
	Segment
	Data   []byte
	IsLast bool
	Index  int
}

// ValidateSegments checks that ids are contiguous (init 0 first, media
// from 1) and that media times never decrease.
func ValidateSegments(segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	if segments[0].ID != 0 {
		return fmt.Errorf("%w: first segment id %d is not the init segment", ErrSegmentOrder, segments[0].ID)
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].ID != i {
			return fmt.Errorf("%w: segment at %d has id %d", ErrSegmentOrder, i, segments[i].ID)
		}
		if i > 1 && segments[i].Time < segments[i-1].Time {
			return fmt.Errorf("%w: segment %d at %.3f starts before %.3f", ErrSegmentOrder, i, segments[i].Time, segments[i-1].Time)
		}
	}
	return nil
}
