// Package media is the headless playback platform: a media element clock,
// a media source with in-memory source buffers, and text tracks.
package media

import (
	"fmt"
	"math"
	"mime"
	"slices"
	"strings"

	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/loop"
	"github.com/king-prawns/Tape/internal/models"
)

// ReadyState of a MediaSource.
type ReadyState string

const (
	Closed ReadyState = "closed"
	Open   ReadyState = "open"
	Ended  ReadyState = "ended"
)

var supportedContainers = []string{
	"video/mp4", "audio/mp4", "video/webm", "audio/webm",
	"application/mp4", "text/vtt", "application/ttml+xml",
}

var supportedCodecs = []string{
	"avc1", "avc3", "hvc1", "hev1", "vp8", "vp9", "vp09", "av01",
	"mp4a", "opus", "vorbis", "flac", "ac-3", "ec-3",
	"stpp", "wvtt",
}

// MediaSource owns the source buffers feeding one Element.
type MediaSource struct {
	sched      loop.Scheduler
	logger     logger.Logger
	readyState ReadyState
	duration   float64
	buffers    []*SourceBuffer
}

// NewMediaSource creates a closed media source. Attaching it to an Element
// opens it.
func NewMediaSource(sched loop.Scheduler, log logger.Logger) *MediaSource {
	return &MediaSource{
		sched:      sched,
		logger:     logger.WithComponent(log, "media_source"),
		readyState: Closed,
		duration:   math.NaN(),
	}
}

// IsTypeSupported reports whether a "mime; codecs" string can be played.
func IsTypeSupported(mimeCodec string) bool {
	mediaType, params, err := mime.ParseMediaType(mimeCodec)
	if err != nil || !slices.Contains(supportedContainers, mediaType) {
		return false
	}
	codecs, ok := params["codecs"]
	if !ok || codecs == "" {
		return true
	}
	for _, c := range strings.Split(codecs, ",") {
		family, _, _ := strings.Cut(strings.TrimSpace(c), ".")
		if !slices.Contains(supportedCodecs, strings.ToLower(family)) {
			return false
		}
	}
	return true
}

// IsTypeSupported is the package level check, exposed on the source for
// callers holding only a MediaSource.
func (ms *MediaSource) IsTypeSupported(mimeCodec string) bool {
	return IsTypeSupported(mimeCodec)
}

// ReadyState returns the current state.
func (ms *MediaSource) ReadyState() ReadyState {
	return ms.readyState
}

// Duration is NaN until set.
func (ms *MediaSource) Duration() float64 {
	return ms.duration
}

// SetDuration updates the presentation duration.
func (ms *MediaSource) SetDuration(d float64) error {
	if ms.readyState != Open {
		return ErrInvalidState
	}
	if ms.updating() {
		return ErrUpdating
	}
	ms.duration = d
	return nil
}

// AddSourceBuffer creates a sink for mimeCodec.
func (ms *MediaSource) AddSourceBuffer(mimeCodec string) (*SourceBuffer, error) {
	if ms.readyState != Open {
		return nil, ErrInvalidState
	}
	if !IsTypeSupported(mimeCodec) {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, mimeCodec)
	}
	sb := &SourceBuffer{sched: ms.sched, source: ms, mimeCodec: mimeCodec}
	ms.buffers = append(ms.buffers, sb)
	ms.logger.Debugf("Added source buffer %s", mimeCodec)
	return sb, nil
}

// RemoveSourceBuffer detaches sb and drops its data.
func (ms *MediaSource) RemoveSourceBuffer(sb *SourceBuffer) {
	i := slices.Index(ms.buffers, sb)
	if i < 0 {
		return
	}
	sb.clear()
	ms.buffers = slices.Delete(ms.buffers, i, i+1)
}

// SourceBuffers returns the attached buffers in creation order.
func (ms *MediaSource) SourceBuffers() []*SourceBuffer {
	return append([]*SourceBuffer(nil), ms.buffers...)
}

// EndOfStream marks the presentation complete and fixes the duration to
// the highest buffered end.
func (ms *MediaSource) EndOfStream() error {
	if ms.readyState != Open {
		return ErrInvalidState
	}
	if ms.updating() {
		return ErrUpdating
	}
	end := 0.0
	for _, sb := range ms.buffers {
		if r, ok := models.Bounds(sb.ranges); ok {
			end = max(end, r.End)
		}
	}
	if end > 0 {
		ms.duration = end
	}
	ms.readyState = Ended
	ms.logger.Infof("End of stream at %.3fs", ms.duration)
	return nil
}

// Buffered is the intersection of every audio and video buffer, as the
// element sees it.
func (ms *MediaSource) Buffered() []models.TimeRange {
	var out []models.TimeRange
	first := true
	for _, sb := range ms.buffers {
		if !isAV(sb.mimeCodec) {
			continue
		}
		if first {
			out = sb.Buffered()
			first = false
			continue
		}
		out = intersectRanges(out, sb.ranges)
	}
	return out
}

func (ms *MediaSource) open() {
	if ms.readyState == Closed {
		ms.readyState = Open
	}
}

func (ms *MediaSource) reopen() {
	ms.readyState = Open
}

func (ms *MediaSource) close() {
	for _, sb := range ms.buffers {
		sb.clear()
	}
	ms.buffers = nil
	ms.readyState = Closed
	ms.duration = math.NaN()
}

func (ms *MediaSource) updating() bool {
	for _, sb := range ms.buffers {
		if sb.updating {
			return true
		}
	}
	return false
}

func isAV(mimeCodec string) bool {
	return strings.HasPrefix(mimeCodec, "video/") || strings.HasPrefix(mimeCodec, "audio/")
}
