// Package stream mirrors the manifest as a tree of period, adaptation and
// representation streams and turns their choices into segment indexing and
// buffer clearing.
package stream

import (
	"math"
	"time"

	"github.com/king-prawns/Tape/internal/buffer"
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/eme"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/media"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/segment"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/king-prawns/Tape/internal/timeline"
)

// Params wires a Manager to the platform and the shared collaborators.
type Params struct {
	Manifest  *models.Manifest
	Config    *config.Config
	Element   *media.Element
	Source    *media.MediaSource
	Transport segment.Requester
	ABR       Chooser
	// Keys may be nil.
	Keys eme.KeySource
}

// Manager owns the timeline, the segment downloaders, the buffers and, for
// protected manifests, the license flow.
type Manager struct {
	p        Params
	manifest *models.Manifest
	prefs    config.StreamConfig
	bus      *events.Bus
	root     logger.Logger
	logger   logger.Logger

	timeline *timeline.Manager
	segments *segment.Manager
	buffers  *buffer.Manager
	eme      *eme.Manager

	periods    []*PeriodStream
	chosen     map[models.ContentType]bool
	startingAt float64
	subs       []events.Subscription
}

// NewManager builds the collaborators. Nothing is chosen or downloaded
// before Init.
func NewManager(p Params, bus *events.Bus, log logger.Logger) *Manager {
	m := &Manager{
		p:        p,
		manifest: p.Manifest,
		prefs:    p.Config.Stream,
		bus:      bus,
		root:     log,
		logger:   logger.WithComponent(log, "stream_manager"),
		chosen:   make(map[models.ContentType]bool, len(models.ContentTypes)),
	}
	m.subs = append(m.subs,
		events.On(bus, m.onActiveAdaptationChange),
		events.On(bus, m.onChooseRepresentation),
		events.On(bus, m.onPlayerStateChange),
	)

	protected := m.manifest.IsProtected()
	m.timeline = timeline.NewManager(m.manifest, p.Element.Duration, bus, log)
	m.segments = segment.NewManager(p.Transport, bus, log)
	m.buffers = buffer.NewManager(buffer.Params{
		Element:       p.Element,
		Source:        p.Source,
		Segments:      m.segments,
		Timeline:      m.timeline,
		Config:        p.Config.Buffer,
		MinBufferTime: m.manifest.MinBufferTime,
		Protected:     protected,
	}, bus, log)
	if protected {
		m.eme = eme.NewManager(eme.Params{
			ContentProtections: m.manifest.ContentProtections,
			Config:             p.Config.EME,
			Transport:          p.Transport,
			Keys:               p.Keys,
		}, bus, log)
	}
	return m
}

// Init starts the license flow, sets the media duration and the starting
// position, builds the period streams and starts downloading.
func (m *Manager) Init() {
	if m.eme != nil {
		m.eme.Init()
	}

	r := m.timeline.SeekableRange()
	if err := m.p.Source.SetDuration(r.End); err != nil {
		m.logger.Warnf("Cannot set media duration: %v", err)
	}

	m.startingAt = m.startingPosition(r)
	m.logger.Infof("Starting position %.3f (seekable %.3f-%.3f)", m.startingAt, r.Start, r.End)
	if m.startingAt != 0 {
		m.p.Element.SetCurrentTime(m.startingAt)
		m.bus.Emit(events.TimeUpdate{})
	}

	m.createPeriodStreams()
	m.segments.DownloadNextSegment()
}

// startingPosition is the configured position when it lies in r, else the
// live end or zero.
func (m *Manager) startingPosition(r models.TimeRange) float64 {
	if sp := m.prefs.StartingPosition; sp != nil && *sp >= r.Start && *sp <= r.End {
		return *sp
	}
	if m.timeline.IsLive() {
		return r.End
	}
	return 0
}

// StartingPosition is the position chosen by Init.
func (m *Manager) StartingPosition() float64 {
	return m.startingAt
}

func (m *Manager) createPeriodStreams() {
	t := m.p.Element.CurrentTime()
	for _, period := range m.manifest.Periods {
		m.periods = append(m.periods, newPeriodStream(period, t, m.p.ABR, m.prefs, m.bus, logger.WithComponent(m.root, "stream")))
	}
}

func (m *Manager) destroyPeriodStreams() {
	for _, ps := range m.periods {
		ps.destroy()
	}
	m.periods = nil
}

func (m *Manager) onActiveAdaptationChange(p events.ActiveAdaptationChange, _ events.Event) {
	if p.ContentType != models.Text || p.ID != "" {
		return
	}
	m.logger.Infof("Text disabled, dropping text segments")
	m.segments.Reset(models.Text)
	m.buffers.ClearFrom(models.Text, 0)
	m.chosen[models.Text] = false
}

func (m *Manager) onChooseRepresentation(p events.ChooseRepresentation, ev events.Event) {
	rep := p.Representation
	ct := rep.ContentType
	if err := m.segments.UpdateSegments(ct, rep.Segments); err != nil {
		m.logger.Errorf("Cannot index %s representation %s: %v", ct, rep.ID, err)
		m.bus.Emit(events.Error{Err: taperr.Wrap(taperr.SegmentIndex, taperr.SeverityError, err)})
		return
	}

	last := m.manifest.LastPeriod()
	if last == nil || rep.PeriodID != last.ID {
		return
	}

	currentTime := ev.CurrentTime
	bufferEnd := 0.0
	if r, ok := m.buffers.BufferRange(ct, currentTime); ok {
		bufferEnd = r.End
	}

	if !m.chosen[ct] {
		m.chosen[ct] = true
		m.segments.UpdateNextSegmentIndex(ct, math.Max(bufferEnd, currentTime))
		if m.timeline.IsLive() {
			if s, ok := rep.LastSegment(); ok {
				m.timeline.UpdateMaxKnownTime(s.Time)
			}
		}
		return
	}

	t := currentTime
	if ct == models.Video {
		onSwitch := math.Max(m.p.Config.Buffer.OnSwitch.Seconds(), m.manifest.MaxSegmentDuration)
		if bufferEnd-currentTime > onSwitch {
			t = currentTime + onSwitch
		} else {
			t = math.Max(bufferEnd, currentTime)
		}
	}
	m.logger.Debugf("Switching %s to %s from %.3f", ct, rep.ID, t)
	m.segments.UpdateNextSegmentIndex(ct, t)
	m.segments.DownloadNextSegment()
	m.buffers.ClearFrom(ct, t)
}

func (m *Manager) onPlayerStateChange(p events.PlayerStateChange, ev events.Event) {
	if p.State != events.StateSeeking {
		return
	}
	for _, ct := range models.ContentTypes {
		m.onSeeking(ct, ev.CurrentTime)
	}
	m.segments.DownloadNextSegment()
}

func (m *Manager) onSeeking(ct models.ContentType, t float64) {
	if !m.hasBuffer(ct) {
		return
	}
	if _, ok := m.buffers.BufferRange(ct, t); ok {
		m.logger.Debugf("Seeking within %s buffer", ct)
		return
	}
	m.logger.Debugf("Seeking without %s buffer", ct)
	m.segments.UpdateNextSegmentIndex(ct, t)
	m.buffers.ClearFrom(ct, 0)
}

func (m *Manager) hasBuffer(ct models.ContentType) bool {
	switch ct {
	case models.Video:
		return m.buffers.Video() != nil
	case models.Audio:
		return m.buffers.Audio() != nil
	case models.Text:
		return m.buffers.Text() != nil
	}
	return false
}

// Tick keeps downloads and buffer feeding moving between events.
func (m *Manager) Tick() {
	m.segments.DownloadNextSegment()
	m.buffers.FeedBuffers(m.p.Element.CurrentTime())
}

// UpdateManifest swaps in a refreshed live manifest and rebuilds the
// period streams. Static manifests are ignored.
func (m *Manager) UpdateManifest(manifest *models.Manifest) {
	if !m.timeline.IsLive() {
		return
	}
	m.logger.Debugf("Updating manifest (%d periods)", len(manifest.Periods))
	m.destroyPeriodStreams()
	m.chosen = make(map[models.ContentType]bool, len(models.ContentTypes))
	m.manifest = manifest
	m.timeline.UpdateManifest(manifest)
	m.createPeriodStreams()
}

// UpdateStreamPreference changes one preference and rebuilds the
// adaptation streams of its content type.
func (m *Manager) UpdateStreamPreference(ct models.ContentType, apply func(*config.StreamConfig)) {
	apply(&m.prefs)
	for _, ps := range m.periods {
		ps.updatePreferences(ct, m.prefs)
	}
}

// Preferences returns the current stream preferences.
func (m *Manager) Preferences() config.StreamConfig {
	return m.prefs
}

// SeekableRange is the current seekable window.
func (m *Manager) SeekableRange() models.TimeRange {
	return m.timeline.SeekableRange()
}

// LiveEdge is the live playback target.
func (m *Manager) LiveEdge() float64 {
	return m.timeline.LiveEdge()
}

// IsLive reports whether the loaded manifest is dynamic.
func (m *Manager) IsLive() bool {
	return m.timeline.IsLive()
}

// Manifest returns the manifest the streams were built from.
func (m *Manager) Manifest() *models.Manifest {
	return m.manifest
}

// Periods returns the period streams.
func (m *Manager) Periods() []*PeriodStream {
	return append([]*PeriodStream(nil), m.periods...)
}

// Active returns the representation currently chosen for ct in the active
// period.
func (m *Manager) Active(ct models.ContentType) (*models.Representation, bool) {
	for _, ps := range m.periods {
		if !ps.Active() {
			continue
		}
		if a := ps.Adaptation(ct); a != nil && a.Representation() != nil {
			if r := a.Representation().Current(); r != nil {
				return r, true
			}
		}
	}
	return nil, false
}

// Buffers exposes the buffer manager.
func (m *Manager) Buffers() *buffer.Manager {
	return m.buffers
}

// Segments exposes the segment downloader manager.
func (m *Manager) Segments() *segment.Manager {
	return m.segments
}

// Status summarises the pipeline for diagnostics.
type Status struct {
	Live           bool
	SeekableRange  models.TimeRange
	Downloading    bool
	WaitingLicense bool
	Buffered       map[models.ContentType][]models.TimeRange
	Active         map[models.ContentType]string
}

// Status reports the pipeline state.
func (m *Manager) Status() Status {
	st := Status{
		Live:           m.IsLive(),
		SeekableRange:  m.SeekableRange(),
		Downloading:    m.segments.Status() == segment.Downloading,
		WaitingLicense: m.buffers.WaitingLicense(),
		Buffered:       make(map[models.ContentType][]models.TimeRange),
		Active:         make(map[models.ContentType]string),
	}
	for _, ct := range models.ContentTypes {
		if r := m.buffers.BufferedRanges(ct); len(r) > 0 {
			st.Buffered[ct] = r
		}
		if rep, ok := m.Active(ct); ok {
			st.Active[ct] = rep.ID
		}
	}
	return st
}

// Close tears everything down in reverse order of construction.
func (m *Manager) Close() {
	start := time.Now()
	m.logger.Infof("Destroying stream manager")
	m.bus.UnsubscribeAll(m.subs)
	m.subs = nil
	m.destroyPeriodStreams()
	if m.eme != nil {
		m.eme.Close()
		m.eme = nil
	}
	m.timeline.Close()
	m.segments.Close()
	m.buffers.Close()
	m.chosen = make(map[models.ContentType]bool, len(models.ContentTypes))
	m.logger.Debugf("Stream manager destroyed in %s", time.Since(start))
}
