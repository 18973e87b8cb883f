// Package abr chooses video representations from measured throughput and
// buffer health.
package abr

import (
	"math"
	"sort"
	"time"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
)

// maxSamples bounds the throughput history kept in memory.
const maxSamples = 256

// Manager throttles decisions per period and feeds the configured
// Algorithm with throughput samples from video segment downloads.
type Manager struct {
	bus       *events.Bus
	logger    logger.Logger
	cfg       config.ABRConfig
	algorithm Algorithm
	now       func() time.Time

	samples    []Sample
	lastChosen map[string]time.Time

	videoEnd    float64
	audioEnd    float64
	bufferLevel float64

	subs []events.Subscription
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for the switch interval.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAlgorithm replaces the algorithm named in the configuration.
func WithAlgorithm(a Algorithm) Option {
	return func(m *Manager) { m.algorithm = a }
}

// NewManager creates the manager and subscribes it to downloads and
// buffer updates.
func NewManager(cfg config.ABRConfig, bus *events.Bus, log logger.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		bus:        bus,
		logger:     logger.WithComponent(log, "abr"),
		cfg:        cfg,
		now:        time.Now,
		lastChosen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.algorithm == nil {
		a, err := NewAlgorithm(cfg.Algorithm, cfg.Window)
		if err != nil {
			return nil, err
		}
		m.algorithm = a
	}
	m.logger.Debugf("Using %s algorithm", m.algorithm.Name())

	m.subs = append(m.subs,
		events.On(bus, m.onHTTPResponse),
		events.On(bus, m.onBuffersUpdate),
		events.On(bus, func(_ events.TimeUpdate, ev events.Event) { m.setBufferLevel(ev.CurrentTime) }),
	)
	return m, nil
}

func (m *Manager) onHTTPResponse(p events.HTTPResponse, _ events.Event) {
	if p.RequestType != events.RequestVideoSegment || p.Elapsed <= 0 {
		return
	}
	s := Sample{Bytes: len(p.Data), Seconds: p.Elapsed}
	m.samples = append(m.samples, s)
	if len(m.samples) > maxSamples {
		m.samples = append([]Sample(nil), m.samples[len(m.samples)-maxSamples:]...)
	}
	bps := s.BitsPerSecond()
	m.logger.Debugf("Estimated bandwidth: %.0f Kbps", bps/1000)
	m.bus.Emit(events.EstimatedBandwidth{BitsPerSecond: bps})
}

func (m *Manager) onBuffersUpdate(p events.BuffersUpdate, ev events.Event) {
	m.videoEnd = 0
	if r, ok := models.TimeRangeAt(p.Video, ev.CurrentTime); ok {
		m.videoEnd = r.End
	}
	m.audioEnd = 0
	if r, ok := models.TimeRangeAt(p.Audio, ev.CurrentTime); ok {
		m.audioEnd = r.End
	}
	m.setBufferLevel(ev.CurrentTime)
}

func (m *Manager) setBufferLevel(currentTime float64) {
	ahead := func(end float64) float64 {
		if end == 0 {
			return 0
		}
		return end - currentTime
	}
	m.bufferLevel = math.Max(ahead(m.videoEnd), ahead(m.audioEnd))
}

// BufferLevel is the seconds buffered ahead of the playback position.
func (m *Manager) BufferLevel() float64 {
	return m.bufferLevel
}

// Samples returns a copy of the throughput history.
func (m *Manager) Samples() []Sample {
	return append([]Sample(nil), m.samples...)
}

func sortedByBandwidth(reps []*models.Representation) []*models.Representation {
	out := append([]*models.Representation(nil), reps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bandwidth < out[j].Bandwidth })
	return out
}

// ChooseVideoRepresentation returns the representation to play next, or
// nil while the period is inside its switch interval. onInit bypasses the
// interval. The first decision for a period ignores representations below
// the configured minimum bandwidth.
func (m *Manager) ChooseVideoRepresentation(reps []*models.Representation, onInit bool) *models.Representation {
	if len(reps) == 0 {
		return nil
	}
	periodID := reps[0].PeriodID
	last, chosenBefore := m.lastChosen[periodID]
	if !onInit && chosenBefore && m.now().Sub(last) < m.cfg.SwitchInterval {
		return nil
	}

	candidates := sortedByBandwidth(reps)
	if !chosenBefore && m.cfg.MinBandwidth > 0 {
		filtered := candidates[:0:0]
		for _, r := range candidates {
			if r.Bandwidth >= m.cfg.MinBandwidth {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	chosen := m.algorithm.Choose(periodID, candidates, Inputs{Samples: m.samples, BufferLevel: m.bufferLevel})
	m.lastChosen[periodID] = m.now()
	m.logger.Debugf("Choose video representation %s (%d bps)", chosen.ID, chosen.Bandwidth)
	return chosen
}

// ChooseClosestRepresentation returns the representation whose bandwidth is
// nearest to target. Ties go to the higher bandwidth.
func (m *Manager) ChooseClosestRepresentation(reps []*models.Representation, target int) *models.Representation {
	return ChooseClosest(reps, target)
}

// ChooseClosest is ChooseClosestRepresentation without a manager.
func ChooseClosest(reps []*models.Representation, target int) *models.Representation {
	var best *models.Representation
	bestDiff := math.MaxInt
	for _, r := range sortedByBandwidth(reps) {
		diff := r.Bandwidth - target
		if diff < 0 {
			diff = -diff
		}
		if diff <= bestDiff {
			best, bestDiff = r, diff
		}
	}
	return best
}

// Close detaches the manager and forgets every decision and sample.
func (m *Manager) Close() {
	m.logger.Infof("Destroying ABR manager")
	m.bus.UnsubscribeAll(m.subs)
	m.subs = nil
	m.algorithm.Reset()
	m.samples = nil
	m.lastChosen = make(map[string]time.Time)
}
