package dash

import (
	"encoding/xml"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName                   xml.Name  `xml:"MPD"`
	Type                      string    `xml:"type,attr"`
	Profiles                  string    `xml:"profiles,attr"`
	MinimumUpdatePeriod       string    `xml:"minimumUpdatePeriod,attr"`
	TimeShiftBufferDepth      string    `xml:"timeShiftBufferDepth,attr"`
	AvailabilityStartTime     string    `xml:"availabilityStartTime,attr"`
	PublishTime               string    `xml:"publishTime,attr"`
	MaxSegmentDuration        string    `xml:"maxSegmentDuration,attr"`
	MinBufferTime             string    `xml:"minBufferTime,attr"`
	MediaPresentationDuration string    `xml:"mediaPresentationDuration,attr"`
	BaseURL                   []BaseURL `xml:"BaseURL"`
	Periods                   []Period  `xml:"Period"`
}

// BaseURL is a BaseURL element. Only the first one of each level is used.
type BaseURL struct {
	Value string `xml:",chardata"`
}

// Period represents a media content period.
type Period struct {
	ID       string          `xml:"id,attr"`
	Start    string          `xml:"start,attr"`
	Duration string          `xml:"duration,attr"`
	BaseURL  []BaseURL       `xml:"BaseURL"`
	Sets     []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID                 string              `xml:"id,attr"`
	ContentType        string              `xml:"contentType,attr"`
	Lang               string              `xml:"lang,attr,omitempty"`
	MimeType           string              `xml:"mimeType,attr"`
	Codecs             string              `xml:"codecs,attr"`
	MinBandwidth       int                 `xml:"minBandwidth,attr,omitempty"`
	MaxBandwidth       int                 `xml:"maxBandwidth,attr,omitempty"`
	SegmentAlignment   bool                `xml:"segmentAlignment,attr"`
	StartWithSAP       int                 `xml:"startWithSAP,attr"`
	MaxWidth           int                 `xml:"maxWidth,attr,omitempty"`
	MaxHeight          int                 `xml:"maxHeight,attr,omitempty"`
	Par                string              `xml:"par,attr,omitempty"`
	BaseURL            []BaseURL           `xml:"BaseURL"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	InbandEventStreams []InbandEventStream `xml:"InbandEventStream"`
	Roles              []Descriptor        `xml:"Role"`
	Representations    []Representation    `xml:"Representation"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
}

// Representation represents a specific media stream.
type Representation struct {
	ID                 string              `xml:"id,attr"`
	Bandwidth          int                 `xml:"bandwidth,attr"`
	Codecs             string              `xml:"codecs,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Width              int                 `xml:"width,attr,omitempty"`
	Height             int                 `xml:"height,attr,omitempty"`
	FrameRate          string              `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate  int                 `xml:"audioSamplingRate,attr,omitempty"`
	BaseURL            []BaseURL           `xml:"BaseURL"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	InbandEventStreams []InbandEventStream `xml:"InbandEventStream"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
}

// ContentProtection is a DRM descriptor. default_KID and pssh live in the
// cenc namespace; both are matched by local name.
type ContentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	Pssh        string `xml:"pssh"`
}

// InbandEventStream announces emsg boxes inside the media segments.
type InbandEventStream struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// Descriptor is a generic schemeIdUri/value pair.
type Descriptor struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// SegmentTemplate defines the URL structure for segments.
type SegmentTemplate struct {
	Timescale              *uint64          `xml:"timescale,attr"`
	Initialization         string           `xml:"initialization,attr"`
	Media                  string           `xml:"media,attr"`
	StartNumber            *uint64          `xml:"startNumber,attr"`
	EndNumber              *uint64          `xml:"endNumber,attr"`
	Duration               *uint64          `xml:"duration,attr"`
	PresentationTimeOffset *uint64          `xml:"presentationTimeOffset,attr"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a series of segments.
type S struct {
	T *uint64 `xml:"t,attr"`           // Start time
	D uint64  `xml:"d,attr"`           // Duration
	R int     `xml:"r,attr,omitempty"` // Repeat count, -1 repeats to the next S or period end
}

// merge returns a template where unset fields of t fall back to parent.
func (t *SegmentTemplate) merge(parent *SegmentTemplate) *SegmentTemplate {
	if t == nil {
		return parent
	}
	if parent == nil {
		return t
	}
	out := *t
	if out.Timescale == nil {
		out.Timescale = parent.Timescale
	}
	if out.Initialization == "" {
		out.Initialization = parent.Initialization
	}
	if out.Media == "" {
		out.Media = parent.Media
	}
	if out.StartNumber == nil {
		out.StartNumber = parent.StartNumber
	}
	if out.EndNumber == nil {
		out.EndNumber = parent.EndNumber
	}
	if out.Duration == nil {
		out.Duration = parent.Duration
	}
	if out.PresentationTimeOffset == nil {
		out.PresentationTimeOffset = parent.PresentationTimeOffset
	}
	if out.Timeline == nil {
		out.Timeline = parent.Timeline
	}
	return &out
}

func (t *SegmentTemplate) timescale() uint64 {
	if t.Timescale == nil || *t.Timescale == 0 {
		return 1
	}
	return *t.Timescale
}

func (t *SegmentTemplate) startNumber() uint64 {
	if t.StartNumber == nil {
		return 1
	}
	return *t.StartNumber
}

func (t *SegmentTemplate) pto() uint64 {
	if t.PresentationTimeOffset == nil {
		return 0
	}
	return *t.PresentationTimeOffset
}

var durationPattern = regexp.MustCompile(`^(-)?P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// parseDuration parses an ISO 8601 duration string like "PT8S" or "P1DT2H"
// into seconds. An empty string is zero.
func parseDuration(duration string) (float64, error) {
	duration = strings.TrimSpace(duration)
	if duration == "" {
		return 0, nil
	}
	if !strings.HasPrefix(duration, "P") && !strings.HasPrefix(duration, "-P") {
		// Fallback for simple duration strings like "5s"
		d, err := time.ParseDuration(duration)
		if err != nil {
			return 0, err
		}
		return d.Seconds(), nil
	}

	m := durationPattern.FindStringSubmatch(duration)
	if m == nil {
		return 0, errors.New("invalid ISO 8601 duration format: " + duration)
	}

	units := []float64{365 * 86400, 30 * 86400, 86400, 3600, 60, 1}
	var total float64
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[i+2], 64)
		if err != nil {
			return 0, err
		}
		total += v * unit
	}
	if m[1] == "-" {
		total = -total
	}
	return total, nil
}

// parseDateTime parses an xs:dateTime into unix seconds. Empty is zero.
func parseDateTime(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return float64(t.UnixNano()) / 1e9, nil
		}
	}
	return 0, errors.New("invalid xs:dateTime: " + value)
}
