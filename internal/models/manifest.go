package models

import (
	"fmt"
	"sort"
)

// ContentType is the kind of media carried by an adaptation set.
type ContentType string

const (
	Video ContentType = "video"
	Audio ContentType = "audio"
	Text  ContentType = "text"
)

// ContentTypes lists every content type in feed order.
var ContentTypes = []ContentType{Video, Audio, Text}

// ManifestType is static (VOD) or dynamic (live).
type ManifestType string

const (
	Static  ManifestType = "static"
	Dynamic ManifestType = "dynamic"
)

// Manifest is the parsed presentation. It is replaced wholesale on refresh.
// All durations and times are in seconds; absolute times are unix seconds.
type Manifest struct {
	URL                       string
	Type                      ManifestType
	AvailabilityStartTime     float64
	PublishTime               float64
	MinBufferTime             float64
	MinimumUpdatePeriod       float64
	TimeShiftBufferDepth      float64
	MaxSegmentDuration        float64
	MediaPresentationDuration float64
	ContentProtections        []ContentProtection
	Periods                   []*Period
}

// IsLive reports whether the manifest is dynamic.
func (m *Manifest) IsLive() bool {
	return m.Type == Dynamic
}

// IsProtected reports whether any content protection is declared.
func (m *Manifest) IsProtected() bool {
	return len(m.ContentProtections) > 0
}

// Period returns the period with the given id.
func (m *Manifest) Period(id string) *Period {
	for _, p := range m.Periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// LastPeriod returns the final period, or nil.
func (m *Manifest) LastPeriod() *Period {
	if len(m.Periods) == 0 {
		return nil
	}
	return m.Periods[len(m.Periods)-1]
}

// Period is a time window of the presentation.
type Period struct {
	ID       string
	Start    float64
	Duration float64
	Video    []*AdaptationSet
	Audio    []*AdaptationSet
	Text     []*AdaptationSet
}

// End is the end of the period on the presentation timeline.
func (p *Period) End() float64 {
	return p.Start + p.Duration
}

// Contains reports whether t is inside [start, start+duration].
func (p *Period) Contains(t float64) bool {
	return t >= p.Start && t <= p.End()
}

// AdaptationSets returns the sets of one content type.
func (p *Period) AdaptationSets(ct ContentType) []*AdaptationSet {
	switch ct {
	case Video:
		return p.Video
	case Audio:
		return p.Audio
	case Text:
		return p.Text
	}
	return nil
}

// AddAdaptationSet appends a set to the collection of its content type.
func (p *Period) AddAdaptationSet(as *AdaptationSet) error {
	switch as.ContentType {
	case Video:
		p.Video = append(p.Video, as)
	case Audio:
		p.Audio = append(p.Audio, as)
	case Text:
		p.Text = append(p.Text, as)
	default:
		return fmt.Errorf("unknown content type %q for adaptation set %s", as.ContentType, as.ID)
	}
	return nil
}

// AdaptationSet is a selectable track group.
type AdaptationSet struct {
	ID              string
	PeriodID        string
	ContentType     ContentType
	Lang            string
	MimeType        string
	MinBandwidth    int
	MaxBandwidth    int
	Representations []*Representation // sorted by ascending bandwidth
}

// SortRepresentations orders representations by bandwidth and refreshes the
// bandwidth bounds.
func (a *AdaptationSet) SortRepresentations() {
	sort.SliceStable(a.Representations, func(i, j int) bool {
		return a.Representations[i].Bandwidth < a.Representations[j].Bandwidth
	})
	if n := len(a.Representations); n > 0 {
		a.MinBandwidth = a.Representations[0].Bandwidth
		a.MaxBandwidth = a.Representations[n-1].Bandwidth
	}
}

// Representation is one encoding variant.
type Representation struct {
	ID          string
	PeriodID    string
	ContentType ContentType
	MimeType    string
	Codecs      string
	Bandwidth   int
	Width       int
	Height      int
	Segments    []Segment
}

// MimeCodec is the "mime; codecs" string of the representation.
func (r *Representation) MimeCodec() string {
	return MimeCodec(r.MimeType, r.Codecs)
}

// LastSegment returns the final segment, if any.
func (r *Representation) LastSegment() (Segment, bool) {
	if len(r.Segments) == 0 {
		return Segment{}, false
	}
	return r.Segments[len(r.Segments)-1], true
}

// ContentProtection describes one DRM system declared in the manifest.
type ContentProtection struct {
	SchemeIDURI string
	KeySystem   string
	KeyID       string
	InitData    []byte
}

// MimeCodec joins a mime type and a codecs string.
func MimeCodec(mimeType, codecs string) string {
	if codecs == "" {
		return mimeType
	}
	return fmt.Sprintf(`%s; codecs="%s"`, mimeType, codecs)
}
