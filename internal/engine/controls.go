package engine

import (
	"math"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/models"
)

// Play resumes playback. A live player outside the seekable window jumps
// to the live edge first.
func (p *Player) Play() error {
	return p.loaded(p.play)
}

func (p *Player) play() {
	if p.stream != nil && p.stream.IsLive() {
		if r := p.stream.SeekableRange(); !r.Contains(p.element.CurrentTime()) {
			p.logger.Infof("Outside the seekable range %.3f-%.3f, seeking to the live edge", r.Start, r.End)
			p.element.SetCurrentTime(p.stream.LiveEdge())
		}
	}
	p.element.Play()
}

func (p *Player) Pause() error {
	return p.loaded(func() { p.element.Pause() })
}

// Seek moves the playhead by delta seconds.
func (p *Player) Seek(delta float64) error {
	return p.loaded(func() { p.seekTo(p.element.CurrentTime() + delta) })
}

// SeekTo moves the playhead to t, clamped to the seekable range. Seeks
// are ignored while loading.
func (p *Player) SeekTo(t float64) error {
	return p.loaded(func() { p.seekTo(t) })
}

func (p *Player) seekTo(t float64) {
	if p.stream == nil || p.state.State() == events.StateLoading {
		p.logger.Debugf("Ignoring seek to %.3f while loading", t)
		return
	}
	r := p.stream.SeekableRange()
	p.element.SetCurrentTime(math.Max(r.Start, math.Min(r.End, t)))
}

// SeekToLiveEdge jumps to the live edge. It does nothing on static content.
func (p *Player) SeekToLiveEdge() error {
	return p.loaded(func() {
		if p.stream == nil || !p.stream.IsLive() {
			return
		}
		p.element.SetCurrentTime(p.stream.LiveEdge())
	})
}

// ChooseVideoQuality pins the video representation closest to bandwidth.
// Nil restores adaptive selection.
func (p *Player) ChooseVideoQuality(bandwidth *int) error {
	var q *int
	if bandwidth != nil {
		v := *bandwidth
		q = &v
	}
	return p.loaded(func() {
		p.updatePreference(models.Video, func(c *config.StreamConfig) { c.PreferredVideoQuality = q })
	})
}

func (p *Player) ChooseAudioLanguage(lang string) error {
	return p.loaded(func() {
		p.updatePreference(models.Audio, func(c *config.StreamConfig) { c.PreferredAudioLanguage = lang })
	})
}

// ChooseTextLanguage selects subtitles. Nil disables them.
func (p *Player) ChooseTextLanguage(lang *string) error {
	var l *string
	if lang != nil {
		v := *lang
		l = &v
	}
	return p.loaded(func() {
		p.updatePreference(models.Text, func(c *config.StreamConfig) { c.PreferredTextLanguage = l })
	})
}

// updatePreference records the preference for streams built later and
// applies it to the running ones.
func (p *Player) updatePreference(ct models.ContentType, apply func(*config.StreamConfig)) {
	apply(&p.env.Config.Stream)
	if p.stream != nil {
		p.stream.UpdateStreamPreference(ct, apply)
	}
}

// SetVolume sets the volume, clamped to [0, 1].
func (p *Player) SetVolume(v float64) error {
	return p.loaded(func() { p.element.SetVolume(v) })
}

func (p *Player) Mute() error {
	return p.loaded(func() { p.element.SetMuted(true) })
}

func (p *Player) Unmute() error {
	return p.loaded(func() { p.element.SetMuted(false) })
}

func (p *Player) SetPlaybackRate(rate float64) error {
	return p.loaded(func() { p.element.SetPlaybackRate(rate) })
}

func (p *Player) EnterFullscreen() error {
	return p.loaded(func() { p.element.SetFullscreen(true) })
}

func (p *Player) ExitFullscreen() error {
	return p.loaded(func() { p.element.SetFullscreen(false) })
}

func (p *Player) EnterPictureInPicture() error {
	return p.loaded(func() { p.element.SetPictureInPicture(true) })
}

func (p *Player) ExitPictureInPicture() error {
	return p.loaded(func() { p.element.SetPictureInPicture(false) })
}
