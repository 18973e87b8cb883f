// Package buffer moves downloaded segments into the platform buffers,
// keeping each one between its ahead target and behind window, and signals
// end of stream.
package buffer

import (
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/media"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/king-prawns/Tape/internal/text"
)

// eosTolerance is how close the buffered end must get to the seekable end.
const eosTolerance = 0.1

// Timeline is the part of the timeline manager the buffers need.
type Timeline interface {
	IsLive() bool
	SeekableRange() models.TimeRange
}

// Params wires a Manager to the platform and the downloaders.
type Params struct {
	Element       *media.Element
	Source        *media.MediaSource
	Segments      SegmentSource
	Timeline      Timeline
	Config        config.BufferConfig
	MinBufferTime float64
	// Protected holds every feed until EMEReady.
	Protected bool
}

// Manager owns the video, audio and text buffers. Buffers are created on
// the first ActiveRepresentationChange of their content type.
type Manager struct {
	p      Params
	bus    *events.Bus
	root   logger.Logger
	logger logger.Logger

	video *AVBuffer
	audio *AVBuffer
	text  *TextBuffer

	waitLicense bool
	subs        []events.Subscription
}

// NewManager creates the manager and subscribes it to the bus.
func NewManager(p Params, bus *events.Bus, log logger.Logger) *Manager {
	m := &Manager{
		p:           p,
		bus:         bus,
		root:        log,
		logger:      logger.WithComponent(log, "buffer_manager"),
		waitLicense: p.Protected,
	}
	m.subs = append(m.subs,
		events.On(bus, m.onActiveRepresentationChange),
		events.On(bus, m.onBufferUpdate),
		events.On(bus, func(_ events.EMEReady, ev events.Event) {
			m.waitLicense = false
			m.feedBuffers(ev.CurrentTime)
		}),
		events.On(bus, func(p events.SegmentReady, ev events.Event) {
			m.feedBuffer(p.ContentType, ev.CurrentTime)
		}),
		events.On(bus, func(_ events.TimeUpdate, ev events.Event) {
			m.feedBuffers(ev.CurrentTime)
			if m.text != nil {
				m.text.UpdateCues(ev.CurrentTime)
			}
		}),
	)
	return m
}

// WaitingLicense reports whether feeding is held for the license.
func (m *Manager) WaitingLicense() bool {
	return m.waitLicense
}

func (m *Manager) onActiveRepresentationChange(p events.ActiveRepresentationChange, _ events.Event) {
	switch p.ContentType {
	case models.Video:
		if m.video == nil {
			m.video = m.newAV(p)
		}
	case models.Audio:
		if m.audio == nil {
			m.audio = m.newAV(p)
		}
	case models.Text:
		if m.text != nil {
			return
		}
		parser, err := text.New(p.Codecs)
		if err != nil {
			m.logger.Errorf("%v", err)
			m.bus.Emit(events.Error{Err: taperr.Wrap(taperr.TextTrackNotSupported, taperr.SeverityFatal, err)})
			return
		}
		m.text = newTextBuffer(parser, m.p.Element, m.p.Segments, m.p.Config, m.p.MinBufferTime, m.bus, m.root)
	}
}

func (m *Manager) newAV(p events.ActiveRepresentationChange) *AVBuffer {
	b, err := newAVBuffer(p.ContentType, p.MimeCodec, m.p.Source, m.p.Segments, m.p.Config, m.p.MinBufferTime, m.bus, m.root)
	if err != nil {
		m.logger.Errorf("Cannot add %s source buffer: %v", p.ContentType, err)
		m.bus.Emit(events.Error{Err: taperr.Wrap(taperr.MediaSourceNotSupported, taperr.SeverityFatal, err)})
		return nil
	}
	return b
}

func (m *Manager) avBuffers() []*AVBuffer {
	var out []*AVBuffer
	for _, b := range []*AVBuffer{m.video, m.audio} {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (m *Manager) onBufferUpdate(p events.BufferUpdate, ev events.Event) {
	av := m.avBuffers()
	if len(av) == 0 {
		return
	}
	m.feedBuffer(p.ContentType, ev.CurrentTime)
	if p.ContentType == models.Text {
		return
	}

	update := events.BuffersUpdate{}
	if m.video != nil {
		update.Video = m.video.BufferedRanges()
	}
	if m.audio != nil {
		update.Audio = m.audio.BufferedRanges()
	}
	m.bus.Emit(update)

	m.checkEndOfStream(av, ev.CurrentTime)
}

func (m *Manager) checkEndOfStream(av []*AVBuffer, t float64) {
	if m.p.Timeline == nil || m.p.Timeline.IsLive() || m.p.Source.ReadyState() != media.Open {
		return
	}
	end := 0.0
	for _, b := range av {
		if !b.IsLast() || b.Updating() {
			return
		}
		r, ok := b.BufferRange(t)
		if !ok {
			return
		}
		end = max(end, r.End)
	}
	if end < m.p.Timeline.SeekableRange().End-eosTolerance {
		return
	}
	m.logger.Infof("Media source end of stream")
	if err := m.p.Source.EndOfStream(); err != nil {
		m.logger.Warnf("End of stream: %v", err)
	}
}

func (m *Manager) feedBuffer(ct models.ContentType, t float64) {
	if m.waitLicense {
		return
	}
	switch ct {
	case models.Video:
		if m.video != nil {
			m.video.FeedBuffer(t)
		}
	case models.Audio:
		if m.audio != nil {
			m.audio.FeedBuffer(t)
		}
	case models.Text:
		if m.text != nil {
			m.text.FeedBuffer(t)
		}
	}
}

func (m *Manager) feedBuffers(t float64) {
	for _, ct := range models.ContentTypes {
		m.feedBuffer(ct, t)
	}
}

// FeedBuffers feeds every buffer at time t.
func (m *Manager) FeedBuffers(t float64) {
	m.feedBuffers(t)
}

// ClearBuffer removes [start, end) from one buffer.
func (m *Manager) ClearBuffer(ct models.ContentType, start, end float64) bool {
	switch ct {
	case models.Video:
		return m.video != nil && m.video.ClearBuffer(start, end)
	case models.Audio:
		return m.audio != nil && m.audio.ClearBuffer(start, end)
	case models.Text:
		return m.text != nil && m.text.ClearBuffer(start, end)
	}
	return false
}

// ClearFrom removes everything buffered from start onwards in one buffer.
func (m *Manager) ClearFrom(ct models.ContentType, start float64) bool {
	switch ct {
	case models.Video:
		return m.video != nil && m.video.ClearFrom(start)
	case models.Audio:
		return m.audio != nil && m.audio.ClearFrom(start)
	case models.Text:
		return m.text != nil && m.text.ClearFrom(start)
	}
	return false
}

// ClearBuffers empties every buffer.
func (m *Manager) ClearBuffers() {
	for _, ct := range models.ContentTypes {
		m.ClearFrom(ct, 0)
	}
}

// BufferRange returns the buffered range of ct containing t.
func (m *Manager) BufferRange(ct models.ContentType, t float64) (models.TimeRange, bool) {
	switch ct {
	case models.Video:
		if m.video != nil {
			return m.video.BufferRange(t)
		}
	case models.Audio:
		if m.audio != nil {
			return m.audio.BufferRange(t)
		}
	case models.Text:
		if m.text != nil {
			return m.text.BufferRange(t)
		}
	}
	return models.TimeRange{}, false
}

// BufferedRanges returns every buffered range of ct.
func (m *Manager) BufferedRanges(ct models.ContentType) []models.TimeRange {
	switch ct {
	case models.Video:
		if m.video != nil {
			return m.video.BufferedRanges()
		}
	case models.Audio:
		if m.audio != nil {
			return m.audio.BufferedRanges()
		}
	case models.Text:
		if m.text != nil {
			return m.text.BufferedRanges()
		}
	}
	return nil
}

// Video returns the video buffer, or nil before its first representation.
func (m *Manager) Video() *AVBuffer  { return m.video }
func (m *Manager) Audio() *AVBuffer  { return m.audio }
func (m *Manager) Text() *TextBuffer { return m.text }

// Close detaches every buffer.
func (m *Manager) Close() {
	m.logger.Infof("Destroying buffer manager")
	m.bus.UnsubscribeAll(m.subs)
	m.subs = nil
	if m.video != nil {
		m.video.destroy()
		m.video = nil
	}
	if m.audio != nil {
		m.audio.destroy()
		m.audio = nil
	}
	if m.text != nil {
		m.text.destroy()
		m.text = nil
	}
}
