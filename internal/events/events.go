// Package events is the typed publish/subscribe bus shared by every player
// component. Each kind has exactly one payload type.
package events

import (
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
)

// Kind enumerates event kinds.
type Kind int

const (
	KindActiveAdaptationChange Kind = iota + 1
	KindActivePeriodChange
	KindActiveRepresentationChange
	KindAvailableTracks
	KindBufferUpdate
	KindBuffersUpdate
	KindCDNChange
	KindChooseRepresentation
	KindCueEnter
	KindCueExit
	KindEMEReady
	KindEncrypted
	KindEstimatedBandwidth
	KindError
	KindHTTPRequest
	KindHTTPResponse
	KindInbandStream
	KindManifestReady
	KindPlayerStateChange
	KindSeekableRangeChange
	KindSegmentReady
	KindTimeUpdate

	// Native playback events.
	KindCanPlayThrough
	KindEnded
	KindFullscreenChange
	KindPause
	KindPictureInPictureChange
	KindPlay
	KindRateChange
	KindSeeked
	KindSeeking
	KindVolumeChange
	KindWaiting
)

var kindNames = map[Kind]string{
	KindActiveAdaptationChange:     "active_adaptation_change",
	KindActivePeriodChange:         "active_period_change",
	KindActiveRepresentationChange: "active_representation_change",
	KindAvailableTracks:            "available_tracks",
	KindBufferUpdate:               "buffer_update",
	KindBuffersUpdate:              "buffers_update",
	KindCDNChange:                  "cdn_change",
	KindChooseRepresentation:       "choose_representation",
	KindCueEnter:                   "cue_enter",
	KindCueExit:                    "cue_exit",
	KindEMEReady:                   "eme_ready",
	KindEncrypted:                  "encrypted",
	KindEstimatedBandwidth:         "estimated_bandwidth",
	KindError:                      "error",
	KindHTTPRequest:                "http_request",
	KindHTTPResponse:               "http_response",
	KindInbandStream:               "inband_stream",
	KindManifestReady:              "manifest_ready",
	KindPlayerStateChange:          "player_state_change",
	KindSeekableRangeChange:        "seekable_range_change",
	KindSegmentReady:               "segment_ready",
	KindTimeUpdate:                 "time_update",
	KindCanPlayThrough:             "canplaythrough",
	KindEnded:                      "ended",
	KindFullscreenChange:           "fullscreen_change",
	KindPause:                      "pause",
	KindPictureInPictureChange:     "picture_in_picture_change",
	KindPlay:                       "play",
	KindRateChange:                 "ratechange",
	KindSeeked:                     "seeked",
	KindSeeking:                    "seeking",
	KindVolumeChange:               "volumechange",
	KindWaiting:                    "waiting",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind maps an event name back to its kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Payload is implemented by every event payload type in this package.
type Payload interface {
	Kind() Kind
}

// Event is what subscribers receive.
type Event struct {
	Kind        Kind
	CurrentTime float64
	Payload     Payload
}

// RequestType classifies transport requests.
type RequestType string

const (
	RequestManifest     RequestType = "manifest"
	RequestVideoSegment RequestType = "video_segment"
	RequestAudioSegment RequestType = "audio_segment"
	RequestTextSegment  RequestType = "text_segment"
	RequestLicense      RequestType = "license"
)

// SegmentRequestType returns the request type used for a content type.
func SegmentRequestType(ct models.ContentType) RequestType {
	switch ct {
	case models.Video:
		return RequestVideoSegment
	case models.Audio:
		return RequestAudioSegment
	default:
		return RequestTextSegment
	}
}

// ContentTypeOf is the inverse of SegmentRequestType.
func ContentTypeOf(rt RequestType) (models.ContentType, bool) {
	switch rt {
	case RequestVideoSegment:
		return models.Video, true
	case RequestAudioSegment:
		return models.Audio, true
	case RequestTextSegment:
		return models.Text, true
	}
	return "", false
}

// PlayerState is the externally visible player state.
type PlayerState string

const (
	StateBuffering PlayerState = "BUFFERING"
	StateEnded     PlayerState = "ENDED"
	StateLoading   PlayerState = "LOADING"
	StatePaused    PlayerState = "PAUSED"
	StatePlaying   PlayerState = "PLAYING"
	StateSeeking   PlayerState = "SEEKING"
	StateStopped   PlayerState = "STOPPED"
	StateUnknown   PlayerState = "UNKNOWN"
)

// Cue is one timed text cue.
type Cue struct {
	ID    string
	Start float64
	End   float64
	Text  string
}

// Emsg is an inband event message box.
type Emsg struct {
	SchemeIDURI      string
	Value            string
	Timescale        uint32
	PresentationTime float64 // seconds on the presentation timeline
	EventDuration    uint32
	ID               uint32
	MessageData      []byte
}

type ActiveAdaptationChange struct {
	ContentType models.ContentType
	ID          string
	Lang        string
}

type ActivePeriodChange struct {
	ID string
}

type ActiveRepresentationChange struct {
	ContentType models.ContentType
	ID          string
	Bandwidth   int
	MimeCodec   string
	Codecs      string
}

type AvailableTracks struct {
	ContentType models.ContentType
	Languages   []string
	Bandwidths  []int
}

type BufferUpdate struct {
	ContentType models.ContentType
}

type BuffersUpdate struct {
	Video []models.TimeRange
	Audio []models.TimeRange
}

type CDNChange struct {
	Origin string
}

type ChooseRepresentation struct {
	Representation *models.Representation
}

type CueEnter struct {
	Cue Cue
}

type CueExit struct {
	ID string
}

type EMEReady struct{}

type Encrypted struct {
	InitDataType string
	InitData     []byte
}

type EstimatedBandwidth struct {
	BitsPerSecond float64
}

type Error struct {
	Err *taperr.Error
}

type HTTPRequest struct {
	URL         string
	RequestType RequestType
}

type HTTPResponse struct {
	URL         string
	RequestType RequestType
	Data        []byte
	Elapsed     float64 // seconds
}

type InbandStream struct {
	Emsg Emsg
}

type ManifestReady struct {
	Manifest *models.Manifest
}

type PlayerStateChange struct {
	State PlayerState
}

type SeekableRangeChange struct {
	Range models.TimeRange
}

type SegmentReady struct {
	ContentType models.ContentType
}

type TimeUpdate struct{}

type CanPlayThrough struct{}

type Ended struct{}

type FullscreenChange struct {
	Active bool
}

type Pause struct{}

type PictureInPictureChange struct {
	Active bool
}

type Play struct{}

type RateChange struct {
	Rate float64
}

type Seeked struct{}

type Seeking struct{}

type VolumeChange struct {
	Volume float64
	Muted  bool
}

type Waiting struct{}

func (ActiveAdaptationChange) Kind() Kind     { return KindActiveAdaptationChange }
func (ActivePeriodChange) Kind() Kind         { return KindActivePeriodChange }
func (ActiveRepresentationChange) Kind() Kind { return KindActiveRepresentationChange }
func (AvailableTracks) Kind() Kind            { return KindAvailableTracks }
func (BufferUpdate) Kind() Kind               { return KindBufferUpdate }
func (BuffersUpdate) Kind() Kind              { return KindBuffersUpdate }
func (CDNChange) Kind() Kind                  { return KindCDNChange }
func (ChooseRepresentation) Kind() Kind       { return KindChooseRepresentation }
func (CueEnter) Kind() Kind                   { return KindCueEnter }
func (CueExit) Kind() Kind                    { return KindCueExit }
func (EMEReady) Kind() Kind                   { return KindEMEReady }
func (Encrypted) Kind() Kind                  { return KindEncrypted }
func (EstimatedBandwidth) Kind() Kind         { return KindEstimatedBandwidth }
func (Error) Kind() Kind                      { return KindError }
func (HTTPRequest) Kind() Kind                { return KindHTTPRequest }
func (HTTPResponse) Kind() Kind               { return KindHTTPResponse }
func (InbandStream) Kind() Kind               { return KindInbandStream }
func (ManifestReady) Kind() Kind              { return KindManifestReady }
func (PlayerStateChange) Kind() Kind          { return KindPlayerStateChange }
func (SeekableRangeChange) Kind() Kind        { return KindSeekableRangeChange }
func (SegmentReady) Kind() Kind               { return KindSegmentReady }
func (TimeUpdate) Kind() Kind                 { return KindTimeUpdate }
func (CanPlayThrough) Kind() Kind             { return KindCanPlayThrough }
func (Ended) Kind() Kind                      { return KindEnded }
func (FullscreenChange) Kind() Kind           { return KindFullscreenChange }
func (Pause) Kind() Kind                      { return KindPause }
func (PictureInPictureChange) Kind() Kind     { return KindPictureInPictureChange }
func (Play) Kind() Kind                       { return KindPlay }
func (RateChange) Kind() Kind                 { return KindRateChange }
func (Seeked) Kind() Kind                     { return KindSeeked }
func (Seeking) Kind() Kind                    { return KindSeeking }
func (VolumeChange) Kind() Kind               { return KindVolumeChange }
func (Waiting) Kind() Kind                    { return KindWaiting }
