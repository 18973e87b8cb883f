package segment

import (
	"fmt"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
)

// Status is the download state shared by all content types.
type Status int

const (
	Idle Status = iota
	Downloading
)

func (s Status) String() string {
	if s == Downloading {
		return "DOWNLOADING"
	}
	return "IDLE"
}

// Manager arbitrates the video, audio and text downloaders so that at most
// one segment request is in flight, earliest pending segment first.
type Manager struct {
	bus         *events.Bus
	logger      logger.Logger
	status      Status
	downloaders map[models.ContentType]*Downloader
	subs        []events.Subscription
}

// NewManager creates one downloader per content type.
func NewManager(requester Requester, bus *events.Bus, log logger.Logger) *Manager {
	m := &Manager{
		bus:         bus,
		logger:      logger.WithComponent(log, "downloader_manager"),
		downloaders: make(map[models.ContentType]*Downloader, len(models.ContentTypes)),
	}
	for _, ct := range models.ContentTypes {
		m.downloaders[ct] = NewDownloader(ct, requester, bus, log)
	}

	m.subs = append(m.subs,
		events.On(bus, func(events.BuffersUpdate, events.Event) {
			m.DownloadNextSegment()
		}),
		events.On(bus, func(events.SegmentReady, events.Event) {
			m.transition(Idle)
			m.DownloadNextSegment()
		}),
		events.On(bus, func(p events.Error, _ events.Event) {
			if p.Err != nil && p.Err.Code == taperr.XHRAbort {
				m.transition(Idle)
			}
		}),
	)
	return m
}

// Status returns the current download state.
func (m *Manager) Status() Status {
	return m.status
}

// Downloader returns the downloader of ct.
func (m *Manager) Downloader(ct models.ContentType) *Downloader {
	return m.downloaders[ct]
}

func (m *Manager) transition(to Status) {
	if m.status == to {
		return
	}
	m.logger.Debugf("Segment downloader %s -> %s", m.status, to)
	m.status = to
}

// DownloadNextSegment fetches the next segment of the content type whose
// pending segment is the earliest. It does nothing while a download is in
// flight.
func (m *Manager) DownloadNextSegment() {
	if m.status == Downloading {
		return
	}

	var (
		chosen *Downloader
		best   float64
	)
	for _, ct := range models.ContentTypes {
		d := m.downloaders[ct]
		t, ok := d.Time()
		if !ok {
			continue
		}
		if chosen == nil || t < best {
			chosen, best = d, t
		}
	}
	if chosen == nil || !chosen.ShouldDownloadNext() {
		return
	}
	m.transition(Downloading)
	chosen.DownloadNextSegment()
	if !chosen.Downloading() {
		m.transition(Idle)
	}
}

// GetReadyDataSegment pops the oldest downloaded segment of ct and keeps
// the pipeline moving.
func (m *Manager) GetReadyDataSegment(ct models.ContentType) (models.DataSegment, bool) {
	d, ok := m.downloaders[ct]
	if !ok {
		return models.DataSegment{}, false
	}
	ds, ok := d.GetReadyDataSegment()
	m.DownloadNextSegment()
	return ds, ok
}

// UpdateSegments merges a representation's segment list into ct's index.
func (m *Manager) UpdateSegments(ct models.ContentType, segments []models.Segment) error {
	d, ok := m.downloaders[ct]
	if !ok {
		return fmt.Errorf("no downloader for content type %q", ct)
	}
	return d.UpdateSegments(segments)
}

// UpdateNextSegmentIndex re-indexes one content type at t.
func (m *Manager) UpdateNextSegmentIndex(ct models.ContentType, t float64) {
	if d, ok := m.downloaders[ct]; ok {
		d.UpdateNextSegmentIndex(t)
	}
}

// UpdateNextSegmentsIndex re-indexes every content type at t.
func (m *Manager) UpdateNextSegmentsIndex(t float64) {
	for _, ct := range models.ContentTypes {
		m.downloaders[ct].UpdateNextSegmentIndex(t)
	}
}

// Reset empties the index of ct.
func (m *Manager) Reset(ct models.ContentType) {
	if d, ok := m.downloaders[ct]; ok {
		d.Reset()
	}
}

// Close resets every downloader and detaches from the bus.
func (m *Manager) Close() {
	m.logger.Infof("Destroying segment downloader manager")
	m.bus.UnsubscribeAll(m.subs)
	m.subs = nil
	for _, ct := range models.ContentTypes {
		m.downloaders[ct].Reset()
	}
	m.transition(Idle)
}
