// Package timeline computes the seekable range and the live edge of the
// loaded manifest.
package timeline

import (
	"math"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
)

// liveEdgeFactor scales minBufferTime into the distance kept from the end
// of a live window.
const liveEdgeFactor = 1.5

// Manager tracks the seekable window. Live windows grow as later segments
// become known.
type Manager struct {
	manifest *models.Manifest
	duration func() float64
	bus      *events.Bus
	logger   logger.Logger

	maxKnownTime float64
	last         models.TimeRange
	emitted      bool
}

// NewManager creates the manager. duration reports the media duration once
// the platform knows it, NaN before. Static content emits its range at once.
func NewManager(manifest *models.Manifest, duration func() float64, bus *events.Bus, log logger.Logger) *Manager {
	m := &Manager{
		manifest: manifest,
		duration: duration,
		bus:      bus,
		logger:   logger.WithComponent(log, "timeline"),
	}
	if !m.IsLive() {
		m.emitSeekableRange()
	}
	return m
}

// IsLive reports whether the manifest is dynamic.
func (m *Manager) IsLive() bool {
	return m.manifest.IsLive()
}

// AvailabilityStartTime is the wall clock origin of a live presentation.
func (m *Manager) AvailabilityStartTime() float64 {
	return m.manifest.AvailabilityStartTime
}

func (m *Manager) manifestDuration() float64 {
	if m.IsLive() {
		return m.manifest.PublishTime - m.manifest.AvailabilityStartTime
	}
	if m.manifest.MediaPresentationDuration > 0 {
		return m.manifest.MediaPresentationDuration
	}
	if p := m.manifest.LastPeriod(); p != nil {
		return p.End()
	}
	return 0
}

// SeekableRange returns [0, duration] for static content and the time
// shift window ending at the latest known time for live content.
func (m *Manager) SeekableRange() models.TimeRange {
	if m.IsLive() {
		end := m.maxKnownTime
		if end == 0 {
			end = m.manifestDuration()
		}
		return models.TimeRange{Start: math.Max(0, end-m.manifest.TimeShiftBufferDepth), End: end}
	}
	end := m.manifestDuration()
	if m.duration != nil {
		if d := m.duration(); !math.IsNaN(d) && !math.IsInf(d, 0) && d > 0 {
			end = d
		}
	}
	return models.TimeRange{Start: 0, End: end}
}

// LiveEdge is the conservative start position for live playback.
func (m *Manager) LiveEdge() float64 {
	return m.SeekableRange().End - m.manifest.MinBufferTime*liveEdgeFactor
}

// UpdateMaxKnownTime grows the live window to t.
func (m *Manager) UpdateMaxKnownTime(t float64) {
	if t > m.maxKnownTime {
		m.maxKnownTime = t
		m.emitSeekableRange()
	}
}

// UpdateManifest swaps in a refreshed manifest.
func (m *Manager) UpdateManifest(manifest *models.Manifest) {
	m.manifest = manifest
	if m.emitted {
		m.emitSeekableRange()
	}
}

func (m *Manager) emitSeekableRange() {
	r := m.SeekableRange()
	if m.emitted && r == m.last {
		return
	}
	m.last = r
	m.emitted = true
	m.logger.Debugf("Seekable range [%.3f, %.3f]", r.Start, r.End)
	m.bus.Emit(events.SeekableRangeChange{Range: r})
}

// Close forgets the known live window.
func (m *Manager) Close() {
	m.logger.Infof("Destroying Timeline manager")
	m.maxKnownTime = 0
}
