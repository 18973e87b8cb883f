package media

import (
	"math"
	"time"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
)

// canPlayThroughAhead is the buffered time ahead of the playhead needed to
// leave the waiting state.
const canPlayThroughAhead = 2.0

// endTolerance treats a playhead this close to the duration as ended.
const endTolerance = 0.05

// Element is the headless media element. Its clock only moves through
// Advance, so the caller decides how fast wall time passes.
type Element struct {
	bus    *events.Bus
	logger logger.Logger
	source *MediaSource

	currentTime float64
	rate        float64
	volume      float64
	muted       bool
	paused      bool
	seeking     bool
	ended       bool
	fullscreen  bool
	pip         bool

	haveEnough bool
	waiting    bool

	textTracks []*TextTrack
}

// NewElement creates a paused element and makes it the clock of bus.
func NewElement(bus *events.Bus, log logger.Logger) *Element {
	e := &Element{
		bus:    bus,
		logger: logger.WithComponent(log, "media_element"),
		rate:   1,
		volume: 1,
		paused: true,
	}
	bus.SetClock(e.CurrentTime)
	return e
}

// Attach connects a media source and opens it.
func (e *Element) Attach(ms *MediaSource) {
	e.source = ms
	ms.open()
}

// Detach closes the media source and resets the playback position.
func (e *Element) Detach() {
	if e.source != nil {
		e.source.close()
		e.source = nil
	}
	e.currentTime = 0
	e.paused = true
	e.seeking = false
	e.ended = false
	e.haveEnough = false
	e.waiting = false
	e.textTracks = nil
}

func (e *Element) CurrentTime() float64   { return e.currentTime }
func (e *Element) Paused() bool           { return e.paused }
func (e *Element) Seeking() bool          { return e.seeking }
func (e *Element) Ended() bool            { return e.ended }
func (e *Element) PlaybackRate() float64  { return e.rate }
func (e *Element) Volume() float64        { return e.volume }
func (e *Element) Muted() bool            { return e.muted }
func (e *Element) Fullscreen() bool       { return e.fullscreen }
func (e *Element) PictureInPicture() bool { return e.pip }

// Duration is the media source duration, or NaN.
func (e *Element) Duration() float64 {
	if e.source == nil {
		return math.NaN()
	}
	return e.source.Duration()
}

// Buffered is what the element can play: the intersection of the audio
// and video source buffers.
func (e *Element) Buffered() []models.TimeRange {
	if e.source == nil {
		return nil
	}
	return e.source.Buffered()
}

// TextTracks returns the tracks added so far.
func (e *Element) TextTracks() []*TextTrack {
	return append([]*TextTrack(nil), e.textTracks...)
}

// AddTextTrack creates a hidden subtitles track.
func (e *Element) AddTextTrack(label string) *TextTrack {
	t := NewTextTrack(label)
	e.textTracks = append(e.textTracks, t)
	return t
}

// Play starts the clock.
func (e *Element) Play() {
	if !e.paused {
		return
	}
	if e.ended {
		e.ended = false
		e.SetCurrentTime(0)
	}
	e.paused = false
	e.bus.Emit(events.Play{})
	if !e.haveEnough && !e.waiting {
		e.waiting = true
		e.bus.Emit(events.Waiting{})
	}
}

// Pause stops the clock.
func (e *Element) Pause() {
	if e.paused {
		return
	}
	e.paused = true
	e.bus.Emit(events.Pause{})
}

// SetCurrentTime starts a seek. It completes in Advance once the target
// position is buffered.
func (e *Element) SetCurrentTime(t float64) {
	if t < 0 {
		t = 0
	}
	e.logger.Debugf("Seeking to %.3fs", t)
	e.currentTime = t
	e.seeking = true
	e.ended = false
	e.haveEnough = false
	e.bus.Emit(events.Seeking{})
}

// SetVolume clamps v to [0, 1].
func (e *Element) SetVolume(v float64) {
	v = math.Max(0, math.Min(1, v))
	if v == e.volume {
		return
	}
	e.volume = v
	e.bus.Emit(events.VolumeChange{Volume: e.volume, Muted: e.muted})
}

// SetMuted toggles the mute flag.
func (e *Element) SetMuted(muted bool) {
	if muted == e.muted {
		return
	}
	e.muted = muted
	e.bus.Emit(events.VolumeChange{Volume: e.volume, Muted: e.muted})
}

// SetPlaybackRate changes the clock speed. Non-positive rates are ignored.
func (e *Element) SetPlaybackRate(rate float64) {
	if rate <= 0 || rate == e.rate {
		return
	}
	e.rate = rate
	e.bus.Emit(events.RateChange{Rate: rate})
}

// SetFullscreen enters or leaves fullscreen.
func (e *Element) SetFullscreen(active bool) {
	if active == e.fullscreen {
		return
	}
	e.fullscreen = active
	e.bus.Emit(events.FullscreenChange{Active: active})
}

// SetPictureInPicture enters or leaves picture-in-picture.
func (e *Element) SetPictureInPicture(active bool) {
	if active == e.pip {
		return
	}
	e.pip = active
	e.bus.Emit(events.PictureInPictureChange{Active: active})
}

// Advance moves the playback clock by dt of wall time. The playhead only
// moves through buffered data; running out of it emits Waiting, and reaching
// the end of an ended media source emits Ended.
func (e *Element) Advance(dt time.Duration) {
	if e.source == nil {
		return
	}
	buffered := e.Buffered()
	current, inRange := models.TimeRangeAt(buffered, e.currentTime)

	if e.seeking {
		if !inRange && !e.atEnd() {
			return
		}
		e.seeking = false
		e.bus.Emit(events.Seeked{})
		e.bus.Emit(events.TimeUpdate{})
	}

	e.updateReadiness(current, inRange)
	if e.paused || e.ended || !e.haveEnough {
		return
	}

	target := e.currentTime + dt.Seconds()*e.rate
	if target > current.End {
		target = current.End
	}
	moved := target != e.currentTime
	e.currentTime = target
	if moved {
		e.bus.Emit(events.TimeUpdate{})
	}

	switch {
	case e.atEnd():
		e.ended = true
		e.paused = true
		e.logger.Infof("Playback ended at %.3fs", e.currentTime)
		e.bus.Emit(events.Pause{})
		e.bus.Emit(events.Ended{})
	case e.currentTime >= current.End:
		e.haveEnough = false
		e.waiting = true
		e.bus.Emit(events.Waiting{})
	}
}

func (e *Element) updateReadiness(current models.TimeRange, inRange bool) {
	ready := inRange && (current.End-e.currentTime >= canPlayThroughAhead ||
		(e.source.ReadyState() == Ended && current.End >= e.source.Duration()-endTolerance))
	if ready && !e.haveEnough {
		e.haveEnough = true
		e.waiting = false
		e.bus.Emit(events.CanPlayThrough{})
	}
}

func (e *Element) atEnd() bool {
	d := e.Duration()
	return e.source != nil && e.source.ReadyState() == Ended && !math.IsNaN(d) && e.currentTime >= d-endTolerance
}
